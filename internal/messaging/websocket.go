// internal/messaging/websocket.go

package messaging

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size; clients only send small control actions
	maxMessageSize = 4 * 1024

	// Maximum number of queued frames per client
	maxQueuedMessages = 256
)

// Client actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionTyping      = "typing"
	ActionRead        = "read"
)

// Frames the server sends that are not events on a topic
const (
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameError        = "error"
)

// ClientAction is a control frame sent by a websocket client
type ClientAction struct {
	Action         string `json:"action"`
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

// WSError is the payload of an error frame
type WSError struct {
	Action  string `json:"action,omitempty"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// newUpgrader accepts same-origin requests plus the configured origins.
// An empty list accepts any origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if strings.EqualFold(u.Host, r.Host) {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}
