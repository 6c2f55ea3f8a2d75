package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/e2echat/relay/pkg/session"
)

type reserveRequest struct {
	SessionID string `json:"sessionId"`
	AuthKey   string `json:"authKey"`
	ChatMode  string `json:"chatMode"`
}

type reserveResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	ChatMode  string `json:"chatMode,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// reserveHandler claims a session id ahead of the websocket handshake so a
// creator's link cannot be raced by someone else opening the same id.
func (a *App) reserveHandler(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.AuthKey == "" {
		writeJSON(w, http.StatusBadRequest, reserveResponse{
			Success: false,
			Error:   "Session ID and auth key are required",
		})
		return
	}

	mode := session.Mode(req.ChatMode)
	if !mode.Valid() {
		mode = session.ModeGroup
	}
	if err := a.sessions.Reserve(req.SessionID, req.AuthKey, mode); err != nil {
		writeJSON(w, http.StatusConflict, reserveResponse{
			Success: false,
			Error:   "Session already exists",
			Code:    session.CodeSessionExists,
		})
		return
	}

	a.logger.Info("Session reserved",
		slog.String("sessionID", req.SessionID),
		slog.String("mode", string(mode)),
	)
	writeJSON(w, http.StatusOK, reserveResponse{
		Success:   true,
		SessionID: req.SessionID,
		ChatMode:  string(mode),
		Message:   "Session reserved successfully",
	})
}

func (a *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "e2e-relay",
		"status":   "running",
		"sessions": a.sessions.Count(),
	})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(a.startedAt).String(),
		"sessions":  a.sessions.Count(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (a *App) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// sessionsHandler serves operational counts only. Session contents are
// ciphertext and still never leave the registry through this surface.
func (a *App) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.sessions.AllStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(stats),
		"sessions": stats,
	})
}
