// Package dashboard serves a small authenticated HTTP API over the running
// bot: session state, the pairing QR code, the mirrored chats and the
// editable configuration. Live bus events are streamed over a WebSocket.
package dashboard

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/config"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
	"github.com/sakaki-bot/sakaki/pkg/session"
	"github.com/sakaki-bot/sakaki/pkg/storage"
	"github.com/sakaki-bot/sakaki/pkg/storage/repository"
)

const Version = "0.1.0"

// StorageFactory creates a storage instance for testing connections.
type StorageFactory func(cfg storage.Config) (storage.Storage, error)

// SessionView is the part of the session supervisor the dashboard reads.
type SessionView interface {
	Status() session.Status
	Handle() protocol.Handle
}

// MirrorView exposes the mirrored chat state.
type MirrorView interface {
	Chats() []repository.Chat
	Contacts() []repository.Contact
	Messages(chatID string) []repository.StoredMessage
}

type Server struct {
	cfg        *config.Config
	configPath string
	sessions   SessionView
	mirror     MirrorView
	msgBus     *bus.MessageBus

	hub            *Hub
	httpServer     *http.Server
	startTime      time.Time
	storageFactory StorageFactory
}

func NewServer(cfg *config.Config, configPath string, sessions SessionView, mirror MirrorView, msgBus *bus.MessageBus) *Server {
	return &Server{
		cfg:            cfg,
		configPath:     configPath,
		sessions:       sessions,
		mirror:         mirror,
		msgBus:         msgBus,
		hub:            NewHub(msgBus),
		startTime:      time.Now(),
		storageFactory: storage.NewStorage,
	}
}

// Handler returns the routed API with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/qr", s.authMiddleware(s.handleQR))
	mux.HandleFunc("/api/v1/chats", s.authMiddleware(s.handleChats))
	mux.HandleFunc("/api/v1/chats/", s.authMiddleware(s.handleChatMessages))
	mux.HandleFunc("/api/v1/contacts", s.authMiddleware(s.handleContacts))
	mux.HandleFunc("/api/v1/send", s.authMiddleware(s.handleSend))

	mux.HandleFunc("/api/v1/config", s.authMiddleware(s.handleConfig))
	mux.HandleFunc("/api/v1/config/storage/test", s.authMiddleware(s.handleTestStorageConnection))

	// WebSocket (auth via query param)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Run serves the dashboard until ctx is cancelled. It is meant to run as
// a session background task.
func (s *Server) Run(ctx context.Context) error {
	dash := s.cfg.Clone().Dashboard
	addr := fmt.Sprintf("%s:%d", dash.Host, dash.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("dashboard", "Dashboard server started", map[string]interface{}{
			"address": addr,
		})
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("dashboard", "Dashboard shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.InfoC("dashboard", "Dashboard server stopped")
	return nil
}

// authMiddleware wraps a handler with bearer token authentication.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(extractToken(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// authorized rejects every request while no token is configured.
func (s *Server) authorized(token string) bool {
	want := s.cfg.DashboardToken()
	if want == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// extractToken gets the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Fallback: query parameter (for WebSocket)
	return r.URL.Query().Get("token")
}

// corsMiddleware adds CORS headers for same-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
