// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for failure modes the orchestrator recovers from. Check
// with errors.Is.
var (
	ErrLoginRequired      = errors.New("tracker session is not logged in")
	ErrInvalidCredentials = errors.New("tracker rejected the credentials")
	ErrCaptchaRequired    = errors.New("tracker demands a captcha")
	ErrChallengeRequired  = errors.New("tracker demands an automated browser check")
	ErrRateLimited        = errors.New("tracker is rate limiting requests")
	ErrNotFound           = errors.New("not found on tracker")
	ErrAllMirrorsFailed   = errors.New("all tracker mirrors failed")
	ErrTokenNotFound      = errors.New("anti-forgery token not found on login page")
)

// StatusError preserves the HTTP status of a non-2xx response so callers can
// distinguish rate limiting from plain failures.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	if target == ErrRateLimited {
		return e.StatusCode == http.StatusTooManyRequests
	}
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound
	}
	_, ok := target.(*StatusError)
	return ok
}
