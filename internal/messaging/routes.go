// internal/messaging/routes.go

package messaging

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthMiddleware wraps handlers that need an authenticated user
type AuthMiddleware func(http.Handler) http.Handler

// RegisterRoutes registers all messaging routes
func RegisterRoutes(router *mux.Router, handler *Handler, authMiddleware AuthMiddleware, withMetrics bool) {
	router.HandleFunc("/health/messaging", handler.HealthCheck).Methods("GET")
	if withMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	api := router.PathPrefix("/api/v1/messages").Subrouter()
	api.Use(mux.MiddlewareFunc(authMiddleware))

	// WebSocket endpoint
	api.HandleFunc("/ws", handler.HandleWebSocket).Methods("GET")

	// Conversation endpoints
	api.HandleFunc("/conversations", handler.CreateConversation).Methods("POST")
	api.HandleFunc("/conversations", handler.GetConversations).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.GetConversation).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.UpdateConversation).Methods("PUT", "PATCH")
	api.HandleFunc("/conversations/{id:[0-9]+}", handler.DeleteConversation).Methods("DELETE")
	api.HandleFunc("/conversations/{id:[0-9]+}/archive", handler.ArchiveConversation).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/participants", handler.AddParticipants).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/leave", handler.LeaveConversation).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/mute", handler.MuteConversation).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/pin", handler.PinConversation).Methods("POST")

	// Message endpoints
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", handler.GetMessages).Methods("GET")
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", handler.SendMessage).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}", handler.GetMessage).Methods("GET")
	api.HandleFunc("/messages/{id:[0-9]+}", handler.EditMessage).Methods("PUT", "PATCH")
	api.HandleFunc("/messages/{id:[0-9]+}", handler.DeleteMessage).Methods("DELETE")

	// Read cursor and typing
	api.HandleFunc("/conversations/{id:[0-9]+}/read", handler.MarkRead).Methods("POST")
	api.HandleFunc("/conversations/{id:[0-9]+}/typing", handler.UpdateTyping).Methods("POST")

	// Attachments
	api.HandleFunc("/attachments/{id:[0-9]+}", handler.GetAttachment).Methods("GET")
	api.HandleFunc("/attachments/{id:[0-9]+}/download", handler.DownloadAttachment).Methods("GET")
}
