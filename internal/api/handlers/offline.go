// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/services/access"
)

// OfflineHandler exposes offline mode state, the cache statistics and a
// connectivity probe.
type OfflineHandler struct {
	access *access.Service
}

func NewOfflineHandler(accessSvc *access.Service) *OfflineHandler {
	return &OfflineHandler{access: accessSvc}
}

func (h *OfflineHandler) Routes(r chi.Router) {
	r.Get("/", h.State)
	r.Put("/", h.Toggle)
	r.Post("/probe", h.Probe)
	r.Get("/stream", h.Stream)
}

func (h *OfflineHandler) State(w http.ResponseWriter, r *http.Request) {
	stats, err := h.access.CacheStatistics(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"offline": h.access.OfflineMode(),
		"cache":   stats,
	})
}

type toggleRequest struct {
	Offline bool `json:"offline"`
}

func (h *OfflineHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.access.SetOfflineMode(req.Offline)
	RespondJSON(w, http.StatusOK, map[string]bool{"offline": h.access.OfflineMode()})
}

// Probe checks live connectivity and leaves offline mode on success.
func (h *OfflineHandler) Probe(w http.ResponseWriter, r *http.Request) {
	if err := h.access.Probe(r.Context()); err != nil {
		RespondJSON(w, http.StatusOK, map[string]any{
			"offline": h.access.OfflineMode(),
			"error":   err.Error(),
		})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"offline": h.access.OfflineMode()})
}

// Stream pushes offline mode transitions as server-sent events.
func (h *OfflineHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := h.access.OfflineModeStream()
	defer cancel()

	if err := writeSSE(w, map[string]bool{"offline": h.access.OfflineMode()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case offline, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSSE(w, map[string]bool{"offline": offline}); err != nil {
				log.Debug().Err(err).Msg("offline mode stream closed")
				return
			}
			flusher.Flush()
		}
	}
}
