// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/services/access"
	"github.com/fonoteka/fonoteka/internal/tracker"
)

// AuthHandler exposes tracker login and session status.
type AuthHandler struct {
	access *access.Service
}

func NewAuthHandler(accessSvc *access.Service) *AuthHandler {
	return &AuthHandler{access: accessSvc}
}

func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/login", h.Login)
	r.Get("/status", h.Status)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	CapSID   string `json:"capSid,omitempty"`
	CapCode  string `json:"capCode,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		RespondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	var err error
	if req.CapSID != "" || req.CapCode != "" {
		err = h.access.LoginWithCaptcha(r.Context(), req.Username, req.Password, req.CapSID, req.CapCode)
	} else {
		err = h.access.Login(r.Context(), req.Username, req.Password)
	}

	if err != nil {
		var captchaErr *tracker.CaptchaRequiredError
		switch {
		case errors.As(err, &captchaErr):
			RespondJSON(w, http.StatusForbidden, map[string]any{
				"error": "captcha required",
				"captcha": map[string]string{
					"imageUrl":     captchaErr.Challenge.ImageURL,
					"sessionToken": captchaErr.Challenge.SessionToken,
				},
			})
		case errors.Is(err, tracker.ErrInvalidCredentials):
			RespondError(w, http.StatusUnauthorized, "invalid username or password")
		case errors.Is(err, tracker.ErrChallengeRequired):
			RespondError(w, http.StatusForbidden, "automated access challenge, resolve in a browser and import the session cookie")
		default:
			log.Warn().Err(err).Str("username", req.Username).Msg("login failed")
			RespondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]bool{
		"authenticated": h.access.IsAuthenticated(r.Context()),
	})
}
