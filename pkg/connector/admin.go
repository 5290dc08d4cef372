// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/watg-bridge/pkg/directory"
	"github.com/aiku/watg-bridge/pkg/wa"
)

// maxSendBodySize is the maximum allowed request body for /api/send (1 MB).
const maxSendBodySize = 1 << 20

// SendRequest is the body of POST /api/send. A conversation ID without a
// server part is treated as a phone number.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	WhatsApp          string `json:"whatsapp"`
	Connected         bool   `json:"connected"`
	Account           string `json:"account,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	directory.Counts
}

func (c *Connector) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", c.HandleStatus)
	mux.HandleFunc("/api/sync-contacts", c.HandleSyncContacts)
	mux.HandleFunc("/api/send", c.HandleSend)
	return mux
}

func (c *Connector) startAdminAPI() {
	apiAddr := c.Config.AdminAPIAddr
	if apiAddr == "" {
		return
	}
	server := &http.Server{
		Addr:         apiAddr,
		Handler:      c.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	c.admin = server
	go func() {
		c.Log.Info().Str("addr", apiAddr).Msg("Starting bridge admin API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// HandleHealth is an HTTP handler for GET /healthz. It fails once the
// WhatsApp connection has been given up.
func (c *Connector) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := c.conn.State()
	code := http.StatusOK
	status := "ok"
	if state == wa.StatePermanentlyClosed {
		code = http.StatusServiceUnavailable
		status = "down"
	}
	c.writeJSON(w, code, map[string]string{"status": status, "whatsapp": state.String()})
}

// HandleStatus is an HTTP handler for GET /api/status.
func (c *Connector) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state := c.conn.State()
	c.writeJSON(w, http.StatusOK, StatusResponse{
		WhatsApp:          state.String(),
		Connected:         state == wa.StateOpen,
		Account:           c.wa.AccountName(),
		ReconnectAttempts: c.conn.Attempts(),
		Counts:            c.dir.Counts(),
	})
}

// HandleSyncContacts is an HTTP handler for POST /api/sync-contacts.
func (c *Connector) HandleSyncContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("Contact sync requested")

	changed, err := c.SyncContacts(r.Context())
	if err != nil {
		c.writeError(w, errorStatus(err), err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]int{
		"synced": changed,
		"total":  c.dir.Counts().Contacts,
	})
}

// HandleSend is an HTTP handler for POST /api/send.
func (c *Connector) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		c.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || strings.TrimSpace(req.Text) == "" {
		c.writeError(w, http.StatusBadRequest, "conversation_id and text are required")
		return
	}
	if !strings.Contains(req.ConversationID, "@") {
		req.ConversationID = directory.MakeUserID(req.ConversationID)
	}

	c.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("conversation_id", req.ConversationID).
		Msg("Send requested")

	key, err := c.SendText(r.Context(), req.ConversationID, req.Text)
	if err != nil {
		c.writeError(w, errorStatus(err), err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": req.ConversationID,
		"message_id":      key.ID,
	})
}

func errorStatus(err error) int {
	if errors.Is(err, wa.ErrNotConnected) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (c *Connector) writeError(w http.ResponseWriter, code int, msg string) {
	c.writeJSON(w, code, map[string]string{"error": msg})
}

func (c *Connector) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
