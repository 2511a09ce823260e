// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracker talks to the audiobook tracker: a hostile, anti-bot
// protected site with no API contract. The client imitates a browser closely
// enough to keep an authenticated session alive across mirrors.
package tracker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/encoding/charmap"

	"github.com/fonoteka/fonoteka/internal/models"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	errorBodyLimit   = 64 << 10
	maxResponseBytes = 8 << 20
)

// Response is a fetched page, body already decompressed and transcoded to
// UTF-8.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
	FinalURL   string
}

// Config configures the tracker client.
type Config struct {
	PrimaryHost string
	MirrorHosts []string
	UserAgent   string
	Timeout     time.Duration
}

// Client is a browser-like HTTP client with mirror rotation and durable
// cookie persistence. Safe for concurrent use.
type Client struct {
	http     *http.Client
	jar      http.CookieJar
	sessions *models.SessionStore
	ua       string

	mu      sync.Mutex
	mirrors []string
	current int
}

// NewClient builds the client and primes the cookie jar from the session
// store for every known mirror.
func NewClient(ctx context.Context, cfg Config, sessions *models.SessionStore) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryHost) == "" {
		return nil, fmt.Errorf("primary host is required")
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
		IdleConnTimeout:   90 * time.Second,
	}
	_ = http2.ConfigureTransport(transport)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:      jar,
		sessions: sessions,
		ua:       ua,
		mirrors:  append([]string{cfg.PrimaryHost}, cfg.MirrorHosts...),
	}

	if sessions != nil {
		for _, host := range c.mirrors {
			cookies, err := sessions.Load(ctx, host)
			if err != nil {
				log.Warn().Err(err).Str("host", host).Msg("could not restore session")
				continue
			}
			if len(cookies) > 0 {
				c.jar.SetCookies(hostURL(host), toHTTPCookies(cookies))
				log.Debug().Str("host", host).Int("cookies", len(cookies)).Msg("session restored")
			}
		}
	}

	return c, nil
}

// CurrentHost returns the mirror requests currently target.
func (c *Client) CurrentHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirrors[c.current]
}

// Mirrors returns every configured mirror, primary first.
func (c *Client) Mirrors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.mirrors))
	copy(out, c.mirrors)
	return out
}

func (c *Client) rotateMirror() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mirrors) > 1 {
		c.current = (c.current + 1) % len(c.mirrors)
	}
	return c.mirrors[c.current]
}

// ImportCookieString seeds the jar (and durable store) from a raw browser
// cookie header like "bb_session=abc; bb_t=1".
func (c *Client) ImportCookieString(ctx context.Context, raw string) error {
	cookies := parseCookieHeader(raw)
	if len(cookies) == 0 {
		return fmt.Errorf("no cookies parsed from %q", raw)
	}

	host := c.CurrentHost()
	c.jar.SetCookies(hostURL(host), cookies)
	return c.persistSession(ctx, host)
}

// Get fetches path from the current mirror, rotating on connection failures
// and 5xx responses. 4xx responses are returned as a plain Response with the
// body intact; challenge pages come back as 200 or 4xx and are classified
// upstream.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

// PostForm submits an urlencoded form body. The body must already be encoded
// in the site's charset by the caller.
func (c *Client) PostForm(ctx context.Context, path string, form string) (*Response, error) {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	return c.do(ctx, http.MethodPost, path, form, headers)
}

// GetBytes fetches a binary payload (a .torrent blob) without charset
// transcoding, capped at limit bytes.
func (c *Client) GetBytes(ctx context.Context, path string, limit int64) ([]byte, error) {
	host := c.CurrentHost()
	target := "https://" + host + normalizePath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/x-bittorrent, application/octet-stream, */*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("download exceeded %d bytes limit", limit)
	}

	if err := c.persistSession(ctx, host); err != nil {
		log.Warn().Err(err).Str("host", host).Msg("session persist after download failed")
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path, body string, headers map[string]string) (*Response, error) {
	var lastErr error

	c.mu.Lock()
	attempts := len(c.mirrors)
	c.mu.Unlock()

	for attempt := 0; attempt < attempts; attempt++ {
		host := c.CurrentHost()

		resp, err := c.doOnce(ctx, host, method, path, body, headers)
		if err == nil {
			if perr := c.persistSession(ctx, host); perr != nil {
				log.Warn().Err(perr).Str("host", host).Msg("session persist failed")
			}
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !shouldRotate(err) {
			return nil, err
		}

		next := c.rotateMirror()
		log.Warn().Err(err).Str("failed", host).Str("next", next).Msg("rotating tracker mirror")
	}

	return nil, fmt.Errorf("%w: %w", ErrAllMirrorsFailed, lastErr)
}

func (c *Client) doOnce(ctx context.Context, host, method, path, body string, headers map[string]string) (*Response, error) {
	target := "https://" + host + normalizePath(path)

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		chunk, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("mirror %s: %w (body %d bytes)", host, &StatusError{StatusCode: resp.StatusCode, URL: target}, len(chunk))
	}

	text, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", target, err)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       text,
		FinalURL:   finalURL,
	}, nil
}

// persistSession copies the jar's cookie set for host into the durable
// session store. Last write wins; the store serializes writers per host.
func (c *Client) persistSession(ctx context.Context, host string) error {
	if c.sessions == nil {
		return nil
	}
	cookies := c.jar.Cookies(hostURL(host))
	if len(cookies) == 0 {
		return nil
	}
	return c.sessions.Save(ctx, host, fromHTTPCookies(host, cookies))
}

// shouldRotate reports whether the failure is mirror-local (connect errors,
// 5xx, timeouts) rather than a client-side problem.
func shouldRotate(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset")
}

func decodeBody(resp *http.Response) (string, error) {
	var reader io.Reader = io.LimitReader(resp.Body, maxResponseBytes)

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return "", fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(reader)
	}

	// Cap the decompressed size too. A small compressed body can inflate
	// far past the wire limit.
	raw, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(raw)) > maxResponseBytes {
		return "", fmt.Errorf("response exceeded %d bytes after decompression", maxResponseBytes)
	}

	// The tracker serves windows-1251. Honor the declared charset but
	// default to cp1251 when the content type is html without an explicit
	// utf-8 marker.
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "1251") ||
		(strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "utf-8")) {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(raw)
		if err == nil {
			return string(decoded), nil
		}
		log.Debug().Err(err).Msg("cp1251 decode failed, using raw bytes")
	}
	return string(raw), nil
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func hostURL(host string) *url.URL {
	return &url.URL{Scheme: "https", Host: host}
}

// parseCookieHeader splits "k1=v1; k2=v2" into cookies, skipping malformed
// pairs.
func parseCookieHeader(raw string) []*http.Cookie {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return cookies
}

func toHTTPCookies(cookies []models.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.ExpiresAt,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

func fromHTTPCookies(host string, cookies []*http.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		out = append(out, models.Cookie{
			Name:      c.Name,
			Value:     c.Value,
			Domain:    domain,
			Path:      c.Path,
			ExpiresAt: c.Expires,
			Secure:    c.Secure,
			HTTPOnly:  c.HttpOnly,
		})
	}
	return out
}
