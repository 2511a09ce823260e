// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/services/access"
	"github.com/fonoteka/fonoteka/internal/services/handoff"
	"github.com/fonoteka/fonoteka/internal/tracker"
)

// AccessHandler exposes search, category, detail and grab endpoints.
type AccessHandler struct {
	access  *access.Service
	handoff *handoff.Service
}

// NewAccessHandler creates the handler.
func NewAccessHandler(accessSvc *access.Service, handoffSvc *handoff.Service) *AccessHandler {
	return &AccessHandler{access: accessSvc, handoff: handoffSvc}
}

// Routes registers the access routes.
func (h *AccessHandler) Routes(r chi.Router) {
	r.Get("/search", h.Search)
	r.Get("/categories/{forumID}", h.FetchCategory)
	r.Get("/topics/{topicID}", h.FetchDetail)
	r.Post("/topics/{topicID}/grab", h.Grab)
}

func (h *AccessHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		RespondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	outcome, err := h.access.Search(r.Context(), query)
	if err != nil {
		respondAccessError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, outcome)
}

func (h *AccessHandler) FetchCategory(w http.ResponseWriter, r *http.Request) {
	forumID, err := strconv.ParseInt(chi.URLParam(r, "forumID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid forum id")
		return
	}

	outcome, err := h.access.FetchCategory(r.Context(), forumID)
	if err != nil {
		respondAccessError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, outcome)
}

func (h *AccessHandler) FetchDetail(w http.ResponseWriter, r *http.Request) {
	topicID, err := strconv.ParseInt(chi.URLParam(r, "topicID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid topic id")
		return
	}

	outcome, err := h.access.FetchDetail(r.Context(), topicID)
	if err != nil {
		respondAccessError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, outcome)
}

type grabResponse struct {
	InfoHash  string `json:"infoHash"`
	Name      string `json:"name"`
	TotalSize int64  `json:"totalSize"`
}

func (h *AccessHandler) Grab(w http.ResponseWriter, r *http.Request) {
	if h.handoff == nil {
		RespondError(w, http.StatusServiceUnavailable, "no download client configured")
		return
	}

	topicID, err := strconv.ParseInt(chi.URLParam(r, "topicID"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid topic id")
		return
	}

	torrent, err := h.handoff.Grab(r.Context(), topicID)
	if err != nil {
		log.Warn().Err(err).Int64("topicId", topicID).Msg("grab failed")
		respondAccessError(w, err)
		return
	}

	RespondJSON(w, http.StatusOK, grabResponse{
		InfoHash:  torrent.InfoHash,
		Name:      torrent.Name,
		TotalSize: torrent.TotalSize,
	})
}

// respondAccessError maps pipeline errors to HTTP statuses with a
// user-presentable body.
func respondAccessError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, tracker.ErrLoginRequired), errors.Is(err, tracker.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, tracker.ErrCaptchaRequired), errors.Is(err, tracker.ErrChallengeRequired):
		status = http.StatusForbidden
	case errors.Is(err, tracker.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, tracker.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{"error": err.Error()}

	var captchaErr *tracker.CaptchaRequiredError
	if errors.As(err, &captchaErr) {
		body["captcha"] = map[string]string{
			"imageUrl":     captchaErr.Challenge.ImageURL,
			"sessionToken": captchaErr.Challenge.SessionToken,
		}
	}

	RespondJSON(w, status, body)
}

// RespondJSON writes v as a JSON response.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

// RespondError writes a JSON error body.
func RespondError(w http.ResponseWriter, status int, msg string) {
	RespondJSON(w, status, map[string]string{"error": msg})
}
