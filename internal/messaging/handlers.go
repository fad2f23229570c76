// internal/messaging/handlers.go

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/imadgeboyega/kiekky-messaging/internal/auth"
	"github.com/imadgeboyega/kiekky-messaging/internal/common/utils"
)

// scope decides how authorization failures render. Anything about a
// conversation the caller cannot see looks like it does not exist.
type scope int

const (
	scopeConversation scope = iota
	scopeMessage
)

const multipartMemory = 8 << 20

type HandlerConfig struct {
	Conversations *ConversationService
	Messages      *MessageService
	Signaling     *SignalingService
	Attachments   *AttachmentService
	Hub           *Hub
	Logger        *slog.Logger

	AllowedOrigins    []string
	MaxAttachmentSize int64
	MaxAttachments    int

	// Health reports the state of the backing store and pub/sub
	Health func(ctx context.Context) error
}

type Handler struct {
	conversations *ConversationService
	messages      *MessageService
	signaling     *SignalingService
	attachments   *AttachmentService
	hub           *Hub
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	maxBodyBytes  int64
	health        func(ctx context.Context) error
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSize := cfg.MaxAttachmentSize
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	maxCount := cfg.MaxAttachments
	if maxCount <= 0 {
		maxCount = DefaultMaxAttachments
	}

	return &Handler{
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		signaling:     cfg.Signaling,
		attachments:   cfg.Attachments,
		hub:           cfg.Hub,
		upgrader:      newUpgrader(cfg.AllowedOrigins),
		logger:        logger.With("component", "http"),
		maxBodyBytes:  maxSize*int64(maxCount) + (1 << 20),
		health:        cfg.Health,
	}
}

// HandleWebSocket upgrades the connection and hands it to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	h.hub.Serve(conn, userID)
}

// CreateConversation starts a direct or group conversation
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.conversations.Create(r.Context(), userID, &req)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusCreated)
}

// GetConversations lists the caller's conversations
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := ConversationFilter{Query: q.Get("q")}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if raw := q.Get("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			utils.ErrorResponse(w, "archived must be true or false", http.StatusBadRequest)
			return
		}
		filter.Archived = &archived
	}

	conversations, err := h.conversations.ListForUser(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, conversations, http.StatusOK)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	conv, err := h.conversations.Get(r.Context(), convID, userID)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req UpdateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.conversations.Update(r.Context(), convID, userID, req.Title)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	if err := h.conversations.Delete(r.Context(), convID, userID); err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.MessageResponse(w, "conversation deleted", http.StatusOK)
}

// ArchiveConversation toggles the caller's own archive marker
func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	p, err := h.conversations.ToggleArchive(r.Context(), convID, userID)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, p, http.StatusOK)
}

func (h *Handler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req AddParticipantsRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.conversations.AddParticipants(r.Context(), convID, userID, req.UserIDs)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

func (h *Handler) LeaveConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	if err := h.conversations.Leave(r.Context(), convID, userID); err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.MessageResponse(w, "left conversation", http.StatusOK)
}

func (h *Handler) MuteConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req MuteRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.conversations.SetMuted(r.Context(), convID, userID, req.Until)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, p, http.StatusOK)
}

func (h *Handler) PinConversation(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req PinRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.conversations.SetPinned(r.Context(), convID, userID, req.Pinned)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, p, http.StatusOK)
}

// GetMessages pages through a conversation with before_id/after_id cursors
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var page MessagePage
	page.Limit, _ = strconv.Atoi(q.Get("limit"))
	for key, dst := range map[string]*int64{"before_id": &page.BeforeID, "after_id": &page.AfterID} {
		if raw := q.Get(key); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v <= 0 {
				utils.ErrorResponse(w, key+" must be a positive integer", http.StatusBadRequest)
				return
			}
			*dst = v
		}
	}

	messages, err := h.messages.List(r.Context(), convID, userID, page)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, messages, http.StatusOK)
}

// SendMessage accepts JSON, or multipart with the files under "files"
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var (
		req     SendMessageRequest
		uploads []Upload
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			utils.ErrorResponse(w, "Invalid multipart request", http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		var err error
		req, err = multipartRequest(r)
		if err != nil {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := utils.ValidateStruct(&req); err != nil {
			utils.KindErrorResponse(w, string(KindValidation), err.Error(), http.StatusBadRequest)
			return
		}

		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				utils.ErrorResponse(w, "Invalid file upload", http.StatusBadRequest)
				return
			}
			defer f.Close()
			uploads = append(uploads, Upload{
				Filename: fh.Filename,
				Mime:     fh.Header.Get("Content-Type"),
				Size:     fh.Size,
				Content:  f,
			})
		}
	} else if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.messages.Send(r.Context(), convID, userID, &req, uploads)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusCreated)
}

func multipartRequest(r *http.Request) (SendMessageRequest, error) {
	req := SendMessageRequest{
		Body: r.FormValue("body"),
		Type: MessageType(r.FormValue("type")),
	}
	if raw := r.FormValue("reply_to_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, errors.New("reply_to_id must be an integer")
		}
		req.ReplyToID = &id
	}
	if raw := r.FormValue("meta"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return req, errors.New("meta must be valid JSON")
		}
		req.Meta = Meta(raw)
	}
	return req, nil
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	userID, msgID, ok := h.messageRequest(w, r)
	if !ok {
		return
	}

	msg, err := h.messages.Get(r.Context(), msgID, userID)
	if err != nil {
		h.writeError(w, r, err, scopeMessage)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusOK)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, msgID, ok := h.messageRequest(w, r)
	if !ok {
		return
	}

	var req UpdateMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.messages.Update(r.Context(), msgID, userID, req.Body)
	if err != nil {
		h.writeError(w, r, err, scopeMessage)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusOK)
}

// DeleteMessage deletes for the caller (?scope=me, default) or for everyone (?scope=all)
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, msgID, ok := h.messageRequest(w, r)
	if !ok {
		return
	}

	deleteScope := DeleteScope(r.URL.Query().Get("scope"))
	if deleteScope == "" {
		deleteScope = DeleteForMe
	}

	if err := h.messages.Delete(r.Context(), msgID, userID, deleteScope); err != nil {
		h.writeError(w, r, err, scopeMessage)
		return
	}
	utils.MessageResponse(w, "message deleted", http.StatusOK)
}

// MarkRead advances the caller's read cursor
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req AdvanceReadRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload, err := h.signaling.AdvanceRead(r.Context(), convID, userID, req.MessageID)
	if err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	utils.SuccessResponse(w, payload, http.StatusOK)
}

func (h *Handler) UpdateTyping(w http.ResponseWriter, r *http.Request) {
	userID, convID, ok := h.conversationRequest(w, r)
	if !ok {
		return
	}

	var req TypingRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.signaling.SetTyping(r.Context(), convID, userID, req.IsTyping); err != nil {
		h.writeError(w, r, err, scopeConversation)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAttachment streams an attachment inline
func (h *Handler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	h.serveAttachment(w, r, "inline")
}

// DownloadAttachment streams an attachment as a download
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	h.serveAttachment(w, r, "attachment")
}

func (h *Handler) serveAttachment(w http.ResponseWriter, r *http.Request, disposition string) {
	userID, attachmentID, ok := h.messageRequest(w, r)
	if !ok {
		return
	}

	a, content, err := h.attachments.Open(r.Context(), attachmentID, userID)
	if err != nil {
		h.writeError(w, r, err, scopeMessage)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", a.Mime)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Bytes, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	if a.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": a.Filename}))
	} else {
		w.Header().Set("Content-Disposition", disposition)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		h.logger.Warn("attachment stream interrupted", "attachment_id", a.ID, "error", err)
	}
}

// HealthCheck reports store and pub/sub health plus local connections
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":      "healthy",
		"connections": h.hub.ActiveConnections(),
		"time":        time.Now().UTC(),
	}

	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Error("health check failed", "error", err)
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			utils.SuccessResponse(w, status, http.StatusServiceUnavailable)
			return
		}
	}
	utils.SuccessResponse(w, status, http.StatusOK)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func (h *Handler) conversationRequest(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return 0, 0, false
	}
	convID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.ErrorResponse(w, "Invalid conversation ID", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, convID, true
}

func (h *Handler) messageRequest(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		utils.ErrorResponse(w, "Invalid ID", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, id, true
}

// decode reads a JSON body and runs struct validation
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		utils.KindErrorResponse(w, string(KindValidation), err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps messaging errors onto HTTP. Internal errors are logged and
// never echoed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, s scope) {
	var e *Error
	if !errors.As(err, &e) {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		utils.KindErrorResponse(w, string(KindInternal), "internal server error", http.StatusInternalServerError)
		return
	}

	switch e.Kind {
	case KindValidation:
		utils.KindErrorResponse(w, string(e.Kind), e.Message, http.StatusBadRequest)
	case KindConflict:
		utils.KindErrorResponse(w, string(e.Kind), e.Message, http.StatusConflict)
	case KindNotFound:
		if s == scopeConversation {
			utils.KindErrorResponse(w, string(KindNotFound), "conversation not found", http.StatusNotFound)
			return
		}
		utils.KindErrorResponse(w, string(e.Kind), e.Message, http.StatusNotFound)
	case KindAuthorization:
		if s == scopeConversation && errors.Is(err, ErrNotParticipant) {
			utils.KindErrorResponse(w, string(KindNotFound), "conversation not found", http.StatusNotFound)
			return
		}
		utils.KindErrorResponse(w, string(e.Kind), "not allowed", http.StatusForbidden)
	default:
		utils.KindErrorResponse(w, string(KindInternal), "internal server error", http.StatusInternalServerError)
	}
}
