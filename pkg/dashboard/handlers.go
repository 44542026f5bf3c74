package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sakaki-bot/sakaki/pkg/bus"
	"github.com/sakaki-bot/sakaki/pkg/config"
	"github.com/sakaki-bot/sakaki/pkg/logger"
	"github.com/sakaki-bot/sakaki/pkg/protocol"
	"github.com/sakaki-bot/sakaki/pkg/storage"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := map[string]interface{}{
		"version": Version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.sessions != nil {
		status["session"] = s.sessions.Status()
	}
	status["stream"] = map[string]interface{}{
		"clients": s.hub.Clients(),
		"dropped": s.msgBus.Dropped(),
	}
	writeJSON(w, status)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	qr := s.hub.LastQR()
	if qr == nil {
		writeError(w, http.StatusNotFound, "no QR code issued")
		return
	}
	writeJSON(w, qr)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror disabled")
		return
	}
	writeJSON(w, s.mirror.Chats())
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror disabled")
		return
	}

	// Extract chat ID from path: /api/v1/chats/{id}/messages
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/chats/")
	chatID, ok := strings.CutSuffix(path, "/messages")
	if !ok || chatID == "" || strings.Contains(chatID, "/") {
		writeError(w, http.StatusBadRequest, "path must be /api/v1/chats/{id}/messages")
		return
	}
	writeJSON(w, s.mirror.Messages(chatID))
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.mirror == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror disabled")
		return
	}
	writeJSON(w, s.mirror.Contacts())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ChatID == "" || body.Text == "" {
		writeError(w, http.StatusBadRequest, "chat_id and text are required")
		return
	}

	var h protocol.Handle
	if s.sessions != nil {
		h = s.sessions.Handle()
	}
	if h == nil {
		writeError(w, http.StatusServiceUnavailable, "no open session")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := h.SendMessage(ctx, body.ChatID, protocol.Text{Body: body.Text})
	out := bus.OutboundMessage{ChatID: body.ChatID, MessageID: id, Kind: "text", Content: body.Text}
	if err != nil {
		out.Error = err.Error()
	}
	s.msgBus.PublishOutbound(out)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "sent", "message_id": id})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Auth via query param for WebSocket
	if !s.authorized(r.URL.Query().Get("token")) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.hub.handleWebSocket(w, r)
}

// configPayload is the body of GET and PUT /api/v1/config. Secrets never
// leave the host: GET returns them masked, PUT sets the non-blank ones.
type configPayload struct {
	Config  *config.Config    `json:"config"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		view := s.cfg.Clone()
		config.ClearSecrets(view)
		writeJSON(w, configPayload{Config: view, Secrets: config.SecretMaskMap(s.cfg)})

	case http.MethodPut:
		payload := configPayload{Config: s.cfg.Clone()}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Config == nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !storage.ValidType(payload.Config.Storage.Type) {
			writeError(w, http.StatusBadRequest, "invalid storage type (must be: file, postgres, or sqlite)")
			return
		}

		if err := payload.Config.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		changed := s.cfg.ApplyUpdate(payload.Config, payload.Secrets)
		if err := config.SaveConfig(s.configPath, s.cfg); err != nil {
			logger.ErrorCF("dashboard", "Failed to save config", map[string]interface{}{
				"error": err.Error(),
			})
			writeError(w, http.StatusInternalServerError, "failed to save config: "+err.Error())
			return
		}
		logger.InfoCF("dashboard", "Configuration updated", map[string]interface{}{
			"sections": changed,
		})
		writeJSON(w, map[string]interface{}{
			"status":  "updated",
			"changed": changed,
			"message": "Configuration updated. Restart required for changes to take effect.",
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTestStorageConnection tests a storage backend without switching to it.
func (s *Server) handleTestStorageConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Type        string `json:"type"`
		DatabaseURL string `json:"database_url"`
		FilePath    string `json:"file_path"`
		SSLEnabled  bool   `json:"ssl_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	testConfig := storage.DefaultConfig(body.Type)
	testConfig.DatabaseURL = body.DatabaseURL
	testConfig.FilePath = body.FilePath
	testConfig.SSLEnabled = body.SSLEnabled

	testStore, err := s.storageFactory(testConfig)
	if err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	defer testStore.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := testStore.Connect(ctx); err != nil {
		writeJSON(w, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": "Connection successful",
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
