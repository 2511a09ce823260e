// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeClassifier_Classify(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	tests := []struct {
		name       string
		statusCode int
		body       string
		header     http.Header
		wantKind   ChallengeKind
	}{
		{
			name:       "plain content page",
			statusCode: http.StatusOK,
			body:       `<html><body><table class="forumline"></table>logout=1</body></html>`,
			header:     http.Header{},
			wantKind:   ChallengeNone,
		},
		{
			name:       "ddos guard body marker",
			statusCode: http.StatusOK,
			body:       `<html><title>DDoS-Guard</title><body>Checking your browser</body></html>`,
			header:     http.Header{},
			wantKind:   ChallengeAutomated,
		},
		{
			name:       "guard server header with 403",
			statusCode: http.StatusForbidden,
			body:       `<html><body>denied</body></html>`,
			header:     http.Header{"Server": []string{"ddos-guard"}},
			wantKind:   ChallengeAutomated,
		},
		{
			name:       "guard server header with 200 is not a challenge",
			statusCode: http.StatusOK,
			body:       `<html><body>logout=1</body></html>`,
			header:     http.Header{"Server": []string{"cloudflare"}},
			wantKind:   ChallengeNone,
		},
		{
			name:       "captcha markup",
			statusCode: http.StatusOK,
			body:       `<form><img src="https://x/captcha.png"><input type="hidden" name="cap_sid" value="abc123"></form>`,
			header:     http.Header{},
			wantKind:   ChallengeCaptcha,
		},
		{
			name:       "login required marker only",
			statusCode: http.StatusOK,
			body:       `<html><body><form id="login-form-full"></form></body></html>`,
			header:     http.Header{},
			wantKind:   ChallengeLoginRequired,
		},
		{
			name:       "login link present but logged in",
			statusCode: http.StatusOK,
			body:       `<html><body><a href="login.php?redirect=index.php">x</a><a href="login.php?logout=1">exit</a></body></html>`,
			header:     http.Header{},
			wantKind:   ChallengeNone,
		},
		{
			name:       "unknown page",
			statusCode: http.StatusOK,
			body:       `<html><body>nothing recognizable</body></html>`,
			header:     http.Header{},
			wantKind:   ChallengeNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.statusCode, tt.body, tt.header)
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestChallengeClassifier_CaptchaExtraction(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	body := `<form action="login.php" method="post">
		<img src="https://x/captcha.png" alt="">
		<input type="hidden" name="cap_sid" value="abc123">
		<input type="text" name="cap_code_abc123" value="">
	</form>`

	got := classifier.Classify(http.StatusOK, body, http.Header{})
	require.Equal(t, ChallengeCaptcha, got.Kind)
	assert.Equal(t, "https://x/captcha.png", got.ImageURL)
	assert.Equal(t, "abc123", got.SessionToken)
}

func TestChallengeClassifier_Deterministic(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	body := `<img src="https://x/captcha.png"><input name="cap_sid" value="tok">`
	header := http.Header{"Server": []string{"nginx"}}

	first := classifier.Classify(http.StatusOK, body, header)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, classifier.Classify(http.StatusOK, body, header))
	}
}

func TestChallengeClassifier_DetectorOrder(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	// A challenge interstitial that happens to mention the login form must
	// classify as the automated challenge, not as login-required.
	body := `<html><body>Checking your browser before accessing.
		<form id="login-form-full"></form>
		<img src="https://x/captcha.png"></body></html>`

	got := classifier.Classify(http.StatusOK, body, http.Header{})
	assert.Equal(t, ChallengeAutomated, got.Kind)
}

func TestChallengeClassifier_ChallengeURL(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	body := `<html><head><meta http-equiv="refresh" content="0; url=/check?id=42"></head>
		<body>DDoS-Guard is checking your browser</body></html>`

	got := classifier.Classify(http.StatusOK, body, http.Header{})
	require.Equal(t, ChallengeAutomated, got.Kind)
	assert.Equal(t, "/check?id=42", got.ChallengeURL)
}

func TestChallengeClassifier_Signals(t *testing.T) {
	classifier := NewChallengeClassifier(DefaultMarkers())

	assert.True(t, classifier.IsLoggedIn(`<a href="login.php?logout=1">exit</a>`))
	assert.False(t, classifier.IsLoggedIn(`<form id="login-form-full"></form>`))

	assert.True(t, classifier.HasInvalidCredentialsMarker("Вы ввели неверное имя или пароль"))
	assert.False(t, classifier.HasInvalidCredentialsMarker("welcome back"))

	assert.True(t, classifier.IsRateLimited(http.StatusTooManyRequests, ""))
	assert.True(t, classifier.IsRateLimited(http.StatusOK, "Слишком много запросов"))
	assert.False(t, classifier.IsRateLimited(http.StatusOK, "ok"))
}
