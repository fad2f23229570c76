// internal/messaging/client.go

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection. A user may hold several.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64

	ctx    context.Context
	cancel context.CancelFunc

	subsMux sync.Mutex
	subs    map[string]context.CancelFunc

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID int64) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, maxQueuedMessages),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
}

// Close ends every subscription and stops both pumps
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.hub.unregister(c)
	})
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued frames to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handle(data []byte) {
	var action ClientAction
	if err := json.Unmarshal(data, &action); err != nil {
		c.sendError("", ErrInvalidFrame)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	switch action.Action {
	case ActionSubscribe:
		if err := c.hub.authorizeSubscription(ctx, action.ConversationID, c.userID); err != nil {
			c.sendError(action.Action, err)
			return
		}
		c.subscribe(ConversationTopic(action.ConversationID))
		c.sendFrame(frameSubscribed, action)

	case ActionUnsubscribe:
		c.unsubscribe(ConversationTopic(action.ConversationID))
		c.sendFrame(frameUnsubscribed, action)

	case ActionTyping:
		if err := c.hub.signaling.SetTyping(ctx, action.ConversationID, c.userID, action.IsTyping); err != nil {
			c.sendError(action.Action, err)
		}

	case ActionRead:
		if _, err := c.hub.signaling.AdvanceRead(ctx, action.ConversationID, c.userID, action.MessageID); err != nil {
			c.sendError(action.Action, err)
		}

	default:
		c.sendError(action.Action, ErrUnknownAction)
	}
}

// subscribe forwards a topic from the broadcaster into this client.
// Subscribing twice to the same topic is a no-op.
func (c *Client) subscribe(topic string) {
	c.subsMux.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subsMux.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(c.ctx)
	c.subs[topic] = cancel
	c.subsMux.Unlock()

	events, _ := c.hub.broadcaster.Subscribe(subCtx, topic)
	go func() {
		for event := range events {
			if subCtx.Err() != nil {
				return
			}
			c.revoke(event)

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if !c.enqueue(data) {
				// Too slow to keep up; drop the connection so it resyncs.
				c.hub.logger.Warn("client send buffer full", "user_id", c.userID)
				c.Close()
				return
			}
		}
	}()
}

// revoke ends the conversation subscription once the user's membership in
// it is over, so a socket opened earlier stops receiving its events.
func (c *Client) revoke(event *Event) {
	if event.Type != EventConversationLeft && event.Type != EventConversationDeleted {
		return
	}
	var ref struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID <= 0 {
		return
	}
	c.unsubscribe(ConversationTopic(ref.ConversationID))
}

func (c *Client) unsubscribe(topic string) {
	c.subsMux.Lock()
	cancel, ok := c.subs[topic]
	delete(c.subs, topic)
	c.subsMux.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendFrame(frameType string, data interface{}) {
	event, err := NewEvent(frameType, data, time.Now().UTC())
	if err != nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *Client) sendError(action string, err error) {
	kind := KindOf(err)
	message := "internal error"
	switch kind {
	case KindValidation, KindConflict:
		var e *Error
		if errors.As(err, &e) {
			message = e.Message
		}
	case KindAuthorization, KindNotFound:
		// Never reveal whether the conversation exists.
		message = "conversation not found"
		kind = KindNotFound
	default:
		c.hub.logger.Error("websocket action failed", "action", action, "user_id", c.userID, "error", err)
	}
	c.sendFrame(frameError, WSError{Action: action, Kind: kind, Message: message})
}
