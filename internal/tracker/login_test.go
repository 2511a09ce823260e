// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/publicsuffix"
)

const loggedInPage = `<html><body><a href="login.php?logout=1">Выход</a></body></html>`
const loginPage = `<html><body><form id="login-form-full" action="login.php" method="post">
<input type="hidden" name="form_token" value="tok-123">
<input type="text" name="login_username">
<input type="password" name="login_password">
</form></body></html>`
const invalidCredsPage = `<html><body><form id="login-form-full"></form>
<h4>Вы ввели неверное имя или пароль</h4></body></html>`

// newTestClient wires a Client at the given TLS test server without durable
// session storage.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	require.NoError(t, err)

	httpClient := srv.Client()
	httpClient.Jar = jar
	httpClient.Timeout = 5 * time.Second

	return &Client{
		http:    httpClient,
		jar:     jar,
		ua:      defaultUserAgent,
		mirrors: []string{strings.TrimPrefix(srv.URL, "https://")},
	}
}

func serveHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

func TestLoginProtocol_Success(t *testing.T) {
	var submitted url.Values

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == loginPath && r.Method == http.MethodGet:
			serveHTML(w, loginPage)
		case r.URL.Path == loginPath && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			submitted, _ = url.ParseQuery(string(body))
			http.SetCookie(w, &http.Cookie{Name: "bb_session", Value: "fresh"})
			serveHTML(w, loggedInPage)
		default:
			serveHTML(w, loggedInPage)
		}
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.Login(context.Background(), "alice", "correct")
	require.NoError(t, err)

	assert.Equal(t, "alice", submitted.Get("login_username"))
	assert.Equal(t, "correct", submitted.Get("login_password"))
	assert.Equal(t, "tok-123", submitted.Get("form_token"))
	assert.NotEmpty(t, submitted.Get("login"))
}

func TestLoginProtocol_InvalidCredentials(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			serveHTML(w, invalidCredsPage)
			return
		}
		serveHTML(w, loginPage)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginProtocol_CaptchaRequired(t *testing.T) {
	captchaPage := `<html><body><form id="login-form-full" action="login.php">
		<img src="https://x/captcha.png">
		<input type="hidden" name="cap_sid" value="abc123">
	</form></body></html>`

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, captchaPage)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.Login(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, ErrCaptchaRequired)

	var captchaErr *CaptchaRequiredError
	require.ErrorAs(t, err, &captchaErr)
	assert.Equal(t, "https://x/captcha.png", captchaErr.Challenge.ImageURL)
	assert.Equal(t, "abc123", captchaErr.Challenge.SessionToken)
}

func TestLoginProtocol_CaptchaSolution(t *testing.T) {
	captchaPage := `<html><body><form id="login-form-full" action="login.php">
		<input type="hidden" name="form_token" value="tok-123">
		<img src="https://x/captcha.png">
		<input type="hidden" name="cap_sid" value="abc123">
	</form></body></html>`

	var submitted url.Values
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			submitted, _ = url.ParseQuery(string(body))
			serveHTML(w, loggedInPage)
			return
		}
		serveHTML(w, captchaPage)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.LoginWithCaptcha(context.Background(), "alice", "pw", "abc123", "h7kq2")
	require.NoError(t, err)

	assert.Equal(t, "abc123", submitted.Get("cap_sid"))
	assert.Equal(t, "h7kq2", submitted.Get("cap_code_abc123"))
}

func TestLoginProtocol_AutomatedChallenge(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, `<html><body>DDoS-Guard is checking your browser</body></html>`)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrChallengeRequired)
}

func TestLoginProtocol_NotConfirmed(t *testing.T) {
	// Login response and index probe both lack a positive logged-in
	// signal; "no error page" must not count as success.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.URL.Path == indexPath {
			serveHTML(w, `<html><body>redirecting...</body></html>`)
			return
		}
		serveHTML(w, loginPage)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	err := protocol.Login(context.Background(), "alice", "pw")
	assert.ErrorIs(t, err, ErrLoginRequired)
}

func TestLoginProtocol_Verify(t *testing.T) {
	loggedIn := false
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if loggedIn {
			serveHTML(w, loggedInPage)
			return
		}
		serveHTML(w, loginPage)
	}))
	defer srv.Close()

	protocol := NewLoginProtocol(newTestClient(t, srv), DefaultMarkers())

	ok, err := protocol.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	loggedIn = true
	ok, err = protocol.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodeFormCP1251(t *testing.T) {
	form, err := encodeFormCP1251([]formField{
		{"login_username", "alice"},
		{"login", "вход"},
	})
	require.NoError(t, err)

	// "вход" in windows-1251 is E2 F5 EE E4.
	assert.Equal(t, "login_username=alice&login=%E2%F5%EE%E4", form)
}

func TestExtractToken(t *testing.T) {
	protocol := NewLoginProtocol(&Client{}, DefaultMarkers())

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "double quoted input",
			body: `<input type="hidden" name="form_token" value="tok-1">`,
			want: "tok-1",
		},
		{
			name: "value before name",
			body: `<input value="tok-2" type="hidden" name="form_token">`,
			want: "tok-2",
		},
		{
			name: "javascript assignment",
			body: `<script>form_token: 'tok-3',</script>`,
			want: "tok-3",
		},
		{
			name: "single quoted input falls back to dom query",
			body: `<input name='form_token' value='tok-4'>`,
			want: "tok-4",
		},
		{
			name: "absent",
			body: `<html><body>no token here</body></html>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, protocol.extractToken(tt.body))
		})
	}
}

func TestStatusError_Is(t *testing.T) {
	assert.True(t, errors.Is(&StatusError{StatusCode: http.StatusTooManyRequests}, ErrRateLimited))
	assert.True(t, errors.Is(&StatusError{StatusCode: http.StatusNotFound}, ErrNotFound))
	assert.False(t, errors.Is(&StatusError{StatusCode: http.StatusForbidden}, ErrRateLimited))
}
