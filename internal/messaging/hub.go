// internal/messaging/hub.go

package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub owns the websocket clients of this worker. Events reach clients
// through the local broadcaster, whatever backend published them.
type Hub struct {
	broadcaster *Broadcaster
	signaling   *SignalingService
	logger      *slog.Logger

	clients    map[*Client]struct{}
	clientsMux sync.RWMutex

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func NewHub(broadcaster *Broadcaster, signaling *SignalingService, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		broadcaster: broadcaster,
		signaling:   signaling,
		logger:      logger.With("component", "hub"),
		clients:     make(map[*Client]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Serve attaches an upgraded connection for userID and starts its pumps.
// The user's private topic is subscribed straight away.
func (h *Hub) Serve(conn *websocket.Conn, userID int64) *Client {
	client := newClient(h, conn, userID)

	h.clientsMux.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.clientsMux.Unlock()

	activeConnections.Inc()
	h.logger.Info("client connected", "user_id", userID, "total_clients", total)

	client.subscribe(UserTopic(userID))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return client
}

func (h *Hub) unregister(client *Client) {
	h.clientsMux.Lock()
	_, exists := h.clients[client]
	delete(h.clients, client)
	total := len(h.clients)
	h.clientsMux.Unlock()

	if exists {
		activeConnections.Dec()
		h.logger.Info("client disconnected", "user_id", client.userID, "total_clients", total)
	}
}

// authorizeSubscription checks view on the conversation
func (h *Hub) authorizeSubscription(ctx context.Context, conversationID, userID int64) error {
	_, p, err := h.signaling.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !CanView(p) {
		return h.signaling.deny("subscribe", ErrNotParticipant)
	}
	return nil
}

func (h *Hub) ActiveConnections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client and waits for their pumps to exit
func (h *Hub) Shutdown() {
	h.cancel()

	h.clientsMux.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMux.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	h.wg.Wait()
}
