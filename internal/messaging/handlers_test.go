package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-messaging/internal/auth"
	"github.com/imadgeboyega/kiekky-messaging/internal/common/utils"
)

const testSecret = "test-secret"

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

type httpEnv struct {
	*testEnv
	server      *httptest.Server
	hub         *Hub
	broadcaster *Broadcaster
}

// newHTTPEnv serves the full router. Events go through a real broadcaster
// so websocket clients see them.
func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	broadcaster := NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	opts := []Option{
		WithLogger(logger),
		WithClock(env.clock.Now),
		WithURLs(NewURLBuilder("http://chat.test")),
		WithBlobStore(env.blobs),
	}
	env.conversations = NewConversationService(env.repo, broadcaster, env.connections, opts...)
	env.messages = NewMessageService(env.repo, broadcaster, env.blobs, opts...)
	env.signaling = NewSignalingService(env.repo, broadcaster, opts...)

	hub := NewHub(broadcaster, env.signaling, logger)
	handler := NewHandler(HandlerConfig{
		Conversations: env.conversations,
		Messages:      env.messages,
		Signaling:     env.signaling,
		Attachments:   env.attachments,
		Hub:           hub,
		Logger:        logger,
	})

	router := mux.NewRouter()
	RegisterRoutes(router, handler, auth.NewMiddleware(testSecret).Authenticate, false)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return &httpEnv{testEnv: env, server: server, hub: hub, broadcaster: broadcaster}
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := utils.GenerateJWT(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *httpEnv) do(t *testing.T, userID int64, method, path string, body interface{}) (*http.Response, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	return e.roundTrip(t, req)
}

func (e *httpEnv) roundTrip(t *testing.T, req *http.Request) (*http.Response, apiResponse) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHTTP_RequiresAuth(t *testing.T) {
	env := newHTTPEnv(t)

	resp, _ := env.do(t, 0, http.MethodGet, "/api/v1/messages/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/messages/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, _ = env.roundTrip(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_ConversationLifecycle(t *testing.T) {
	env := newHTTPEnv(t)

	resp, body := env.do(t, alice, http.MethodPost, "/api/v1/messages/conversations", map[string]interface{}{
		"type":           "direct",
		"target_user_id": bob,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv Conversation
	require.NoError(t, json.Unmarshal(body.Data, &conv))
	assert.Equal(t, ConversationDirect, conv.Type)

	resp, body = env.do(t, alice, http.MethodPost, "/api/v1/messages/conversations", map[string]interface{}{
		"type":           "direct",
		"target_user_id": eve,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(KindValidation), body.Kind)

	resp, body = env.do(t, alice, http.MethodGet, "/api/v1/messages/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*Conversation
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)

	resp, _ = env.do(t, alice, http.MethodGet, "/api/v1/messages/conversations?archived=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, bob, http.MethodPost, "/api/v1/messages/conversations/"+itoa(conv.ID)+"/pin", map[string]bool{"pinned": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p Participant
	require.NoError(t, json.Unmarshal(body.Data, &p))
	assert.True(t, p.Pinned)
}

func TestHTTP_HiddenConversationLooksMissing(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)

	hidden, hiddenBody := env.do(t, carol, http.MethodGet, "/api/v1/messages/conversations/"+itoa(conv.ID), nil)
	missing, missingBody := env.do(t, carol, http.MethodGet, "/api/v1/messages/conversations/99999", nil)

	assert.Equal(t, http.StatusNotFound, hidden.StatusCode)
	assert.Equal(t, missing.StatusCode, hidden.StatusCode)
	assert.Equal(t, missingBody, hiddenBody)

	resp, _ := env.do(t, carol, http.MethodPost, "/api/v1/messages/conversations/"+itoa(conv.ID)+"/messages", map[string]string{"body": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_MessageFlow(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)
	base := "/api/v1/messages/conversations/" + itoa(conv.ID)

	resp, body := env.do(t, alice, http.MethodPost, base+"/messages", map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg MessagePayload
	require.NoError(t, json.Unmarshal(body.Data, &msg))
	assert.Equal(t, "hello", *msg.Body)

	resp, body = env.do(t, alice, http.MethodPost, base+"/messages", map[string]string{"body": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrEmptyMessage.Message, body.Error)

	resp, body = env.do(t, bob, http.MethodPatch, "/api/v1/messages/messages/"+itoa(msg.ID), map[string]string{"body": "edited"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not allowed", body.Error)

	resp, _ = env.do(t, alice, http.MethodPatch, "/api/v1/messages/messages/"+itoa(msg.ID), map[string]string{"body": "hello there"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, bob, http.MethodPost, base+"/read", map[string]int64{"message_id": msg.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var read ReadAdvancedPayload
	require.NoError(t, json.Unmarshal(body.Data, &read))
	assert.Equal(t, msg.ID, read.LastReadMessageID)

	resp, _ = env.do(t, bob, http.MethodPost, base+"/typing", map[string]bool{"is_typing": true})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, alice, http.MethodDelete, "/api/v1/messages/messages/"+itoa(msg.ID)+"?scope=all", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, alice, http.MethodDelete, "/api/v1/messages/messages/"+itoa(msg.ID)+"?scope=nobody", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, bob, http.MethodGet, base+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []*MessagePayload
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Body)
	assert.NotNil(t, list[0].DeletedAt)

	resp, _ = env.do(t, bob, http.MethodGet, base+"/messages?before_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_InvalidJSON(t *testing.T) {
	env := newHTTPEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/messages/conversations", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, alice))
	resp, _ := env.roundTrip(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_MultipartAttachment(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("body", "see attached"))
	fw, err := mw.CreateFormFile("files", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost,
		env.server.URL+"/api/v1/messages/conversations/"+itoa(conv.ID)+"/messages", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, alice))

	resp, body := env.roundTrip(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg MessagePayload
	require.NoError(t, json.Unmarshal(body.Data, &msg))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, MessageFile, msg.Type)
	attPath := "/api/v1/messages/attachments/" + itoa(msg.Attachments[0].ID)

	get := func(userID int64, path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp = get(bob, attPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(content))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "inline"))

	resp = get(bob, attPath+"/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename=report.txt`, resp.Header.Get("Content-Disposition"))

	resp = get(carol, attPath)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_ForeignMessageLooksMissing(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)
	msg := env.send(t, conv.ID, alice, "between us")

	existing := "/api/v1/messages/messages/" + itoa(msg.ID)
	missing := "/api/v1/messages/messages/999999"

	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var body interface{}
			if method == http.MethodPatch {
				body = map[string]string{"body": "hijacked"}
			}
			suffix := ""
			if method == http.MethodDelete {
				suffix = "?scope=all"
			}

			foundResp, found := env.do(t, carol, method, existing+suffix, body)
			missingResp, notFound := env.do(t, carol, method, missing+suffix, body)

			assert.Equal(t, http.StatusNotFound, foundResp.StatusCode)
			assert.Equal(t, missingResp.StatusCode, foundResp.StatusCode)
			assert.Equal(t, notFound, found)
		})
	}

	got, err := env.messages.Get(context.Background(), msg.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "between us", *got.Body)
	assert.Nil(t, got.DeletedAt)

	// Members who fail a sender check still get a plain refusal
	resp, body := env.do(t, bob, http.MethodPatch, existing, map[string]string{"body": "edited"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not allowed", body.Error)
}

func TestHTTP_HealthCheck(t *testing.T) {
	env := newHTTPEnv(t)

	resp, err := http.Get(env.server.URL + "/health/messaging")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// wsClient reads frames, splitting batched writes on newlines
type wsClient struct {
	conn    *websocket.Conn
	pending []*Event
}

func (e *httpEnv) dial(t *testing.T, userID int64) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/messages/ws?token=" + token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) next(t *testing.T) *Event {
	t.Helper()
	for len(c.pending) == 0 {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			var event Event
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
			c.pending = append(c.pending, &event)
		}
	}
	event := c.pending[0]
	c.pending = c.pending[1:]
	return event
}

// waitFor skips frames until one of the given type arrives
func (c *wsClient) waitFor(t *testing.T, eventType string) *Event {
	t.Helper()
	for {
		if event := c.next(t); event.Type == eventType {
			return event
		}
	}
}

func (c *wsClient) action(t *testing.T, action ClientAction) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(action))
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)

	ws := env.dial(t, bob)
	ws.action(t, ClientAction{Action: ActionSubscribe, ConversationID: conv.ID})
	ws.waitFor(t, frameSubscribed)

	sent := env.send(t, conv.ID, alice, "over the wire")

	event := ws.waitFor(t, EventMessageCreated)
	var payload MessagePayload
	decodeData(t, event, &payload)
	assert.Equal(t, sent.ID, payload.ID)
	assert.Equal(t, "over the wire", *payload.Body)

	ws.action(t, ClientAction{Action: ActionTyping, ConversationID: conv.ID, IsTyping: true})
	event = ws.waitFor(t, EventTypingChanged)
	var typing TypingPayload
	decodeData(t, event, &typing)
	assert.Equal(t, bob, typing.UserID)

	ws.action(t, ClientAction{Action: ActionRead, ConversationID: conv.ID, MessageID: sent.ID})
	ws.waitFor(t, EventReadAdvanced)
}

func TestWebSocket_UserTopicIsAutomatic(t *testing.T) {
	env := newHTTPEnv(t)

	ws := env.dial(t, bob)
	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount(UserTopic(bob)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.hub.ActiveConnections())

	conv := env.direct(t, alice, bob)

	event := ws.waitFor(t, EventConversationCreated)
	var view Conversation
	decodeData(t, event, &view)
	assert.Equal(t, conv.ID, view.ID)
}

func TestWebSocket_ForeignSubscriptionLooksMissing(t *testing.T) {
	env := newHTTPEnv(t)
	conv := env.direct(t, alice, bob)

	ws := env.dial(t, carol)
	ws.action(t, ClientAction{Action: ActionSubscribe, ConversationID: conv.ID})

	event := ws.waitFor(t, frameError)
	var wsErr WSError
	decodeData(t, event, &wsErr)
	assert.Equal(t, KindNotFound, wsErr.Kind)
	assert.Equal(t, "conversation not found", wsErr.Message)

	require.NoError(t, ws.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	event = ws.waitFor(t, frameError)
	decodeData(t, event, &wsErr)
	assert.Equal(t, KindValidation, wsErr.Kind)
}

func TestWebSocket_LeavingEndsSubscription(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()
	conv := env.group(t, alice, "Weekend", bob, carol)

	ws := env.dial(t, carol)
	ws.action(t, ClientAction{Action: ActionSubscribe, ConversationID: conv.ID})
	ws.waitFor(t, frameSubscribed)

	env.send(t, conv.ID, alice, "before carol left")
	ws.waitFor(t, EventMessageCreated)

	require.NoError(t, env.conversations.Leave(ctx, conv.ID, carol))
	event := ws.waitFor(t, EventConversationLeft)
	var left ConversationLeftPayload
	decodeData(t, event, &left)
	assert.Equal(t, conv.ID, left.ConversationID)
	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount(ConversationTopic(conv.ID)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	env.send(t, conv.ID, alice, "after carol left")
	// Lands on carol's private topic, after the message above
	env.direct(t, alice, carol)

	for {
		event := ws.next(t)
		require.NotEqual(t, EventMessageCreated, event.Type, "message delivered after leaving")
		if event.Type == EventConversationCreated {
			break
		}
	}
}

func TestWebSocket_DeleteEndsSubscription(t *testing.T) {
	env := newHTTPEnv(t)
	ctx := context.Background()
	conv := env.group(t, alice, "Weekend", bob, carol)

	ws := env.dial(t, bob)
	ws.action(t, ClientAction{Action: ActionSubscribe, ConversationID: conv.ID})
	ws.waitFor(t, frameSubscribed)
	require.Equal(t, 1, env.broadcaster.SubscriberCount(ConversationTopic(conv.ID)))

	require.NoError(t, env.conversations.Delete(ctx, conv.ID, alice))
	ws.waitFor(t, EventConversationDeleted)

	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount(ConversationTopic(conv.ID)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
