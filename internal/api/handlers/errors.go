// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/reporting"
)

// ErrorsHandler exposes the error report log and live statistics.
type ErrorsHandler struct {
	reports *reporting.Classifier
}

func NewErrorsHandler(reports *reporting.Classifier) *ErrorsHandler {
	return &ErrorsHandler{reports: reports}
}

func (h *ErrorsHandler) Routes(r chi.Router) {
	r.Get("/", h.Recent)
	r.Get("/stats", h.Statistics)
	r.Get("/stream", h.Stream)
	r.Post("/{reportID}/resolve", h.Resolve)
	r.Delete("/", h.Clear)
	r.Delete("/resolved", h.ClearResolved)
}

func (h *ErrorsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.reports.Recent())
}

func (h *ErrorsHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.reports.Statistics())
}

func (h *ErrorsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reportID")
	if !h.reports.MarkResolved(id) {
		RespondError(w, http.StatusNotFound, "report not found")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func (h *ErrorsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.reports.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ErrorsHandler) ClearResolved(w http.ResponseWriter, r *http.Request) {
	h.reports.ClearResolved()
	w.WriteHeader(http.StatusNoContent)
}

// Stream pushes statistics snapshots as server-sent events. An initial
// snapshot is sent immediately so clients render without waiting for the
// next error.
func (h *ErrorsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := h.reports.Subscribe()
	defer cancel()

	if err := writeSSE(w, h.reports.Statistics()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case stats, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSSE(w, stats); err != nil {
				log.Debug().Err(err).Msg("error statistics stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
