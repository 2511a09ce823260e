// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding/charmap"
)

const (
	loginPath = "/forum/login.php"
	indexPath = "/forum/index.php"

	// The submit button label the site expects, verbatim.
	loginSubmitValue = "вход"
)

// CaptchaRequiredError carries the captcha challenge extracted from a login
// page so the caller can present it and retry with LoginWithCaptcha.
type CaptchaRequiredError struct {
	Challenge Challenge
}

func (e *CaptchaRequiredError) Error() string {
	return fmt.Sprintf("captcha required (image %s)", e.Challenge.ImageURL)
}

func (e *CaptchaRequiredError) Unwrap() error { return ErrCaptchaRequired }

// LoginProtocol drives the site's form login: token extraction, charset
// encoded submission and multi-signal success confirmation. Concurrent
// callers for the same account are coalesced into one attempt.
type LoginProtocol struct {
	client        *Client
	classifier    *ChallengeClassifier
	tokenPatterns []*regexp.Regexp
	group         singleflight.Group
}

// NewLoginProtocol builds the protocol over an authenticated-capable client.
func NewLoginProtocol(client *Client, markers MarkerSet) *LoginProtocol {
	return &LoginProtocol{
		client:        client,
		classifier:    NewChallengeClassifier(markers),
		tokenPatterns: compilePatterns(markers.LoginTokenPatterns),
	}
}

// Login authenticates with username and password. Returns
// *CaptchaRequiredError when the site demands a captcha,
// ErrInvalidCredentials on a rejected password and ErrChallengeRequired when
// an automated challenge blocks the login page itself.
func (p *LoginProtocol) Login(ctx context.Context, username, password string) error {
	_, err, shared := p.group.Do("login:"+username, func() (interface{}, error) {
		return nil, p.login(ctx, username, password, "", "")
	})
	if shared {
		log.Debug().Str("username", username).Msg("login attempt coalesced")
	}
	return err
}

// LoginWithCaptcha repeats the login with a solved captcha. capSID is the
// session token from the challenge, capCode the user's answer.
func (p *LoginProtocol) LoginWithCaptcha(ctx context.Context, username, password, capSID, capCode string) error {
	_, err, _ := p.group.Do("login:"+username, func() (interface{}, error) {
		return nil, p.login(ctx, username, password, capSID, capCode)
	})
	return err
}

func (p *LoginProtocol) login(ctx context.Context, username, password, capSID, capCode string) error {
	page, err := p.client.Get(ctx, loginPath)
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}

	switch challenge := p.classifier.Classify(page.StatusCode, page.Body, page.Header); challenge.Kind {
	case ChallengeAutomated:
		return fmt.Errorf("login page blocked: %w", ErrChallengeRequired)
	case ChallengeCaptcha:
		if capCode == "" {
			return &CaptchaRequiredError{Challenge: challenge}
		}
		if capSID == "" {
			capSID = challenge.SessionToken
		}
	}

	token := p.extractToken(page.Body)
	if token == "" {
		log.Debug().Msg("no csrf token on login page, submitting without one")
	}

	fields := []formField{
		{"login_username", username},
		{"login_password", password},
		{"login", loginSubmitValue},
	}
	if token != "" {
		fields = append(fields, formField{"form_token", token})
	}
	if capSID != "" && capCode != "" {
		fields = append(fields,
			formField{"cap_sid", capSID},
			formField{"cap_code_" + capSID, capCode},
		)
	}

	form, err := encodeFormCP1251(fields)
	if err != nil {
		return fmt.Errorf("encode login form: %w", err)
	}

	resp, err := p.client.PostForm(ctx, loginPath, form)
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}

	return p.confirm(ctx, resp)
}

// confirm decides the outcome of a submitted login form. A missing error
// page is not proof of success; we require a positive logged-in signal.
func (p *LoginProtocol) confirm(ctx context.Context, resp *Response) error {
	if p.classifier.HasInvalidCredentialsMarker(resp.Body) {
		return ErrInvalidCredentials
	}

	switch challenge := p.classifier.Classify(resp.StatusCode, resp.Body, resp.Header); challenge.Kind {
	case ChallengeAutomated:
		return fmt.Errorf("login response blocked: %w", ErrChallengeRequired)
	case ChallengeCaptcha:
		return &CaptchaRequiredError{Challenge: challenge}
	}

	if p.classifier.IsLoggedIn(resp.Body) {
		log.Info().Str("host", p.client.CurrentHost()).Msg("login confirmed")
		return nil
	}

	// The site redirects to the index after a successful login; a bare
	// redirect target may carry no markers. Probe once.
	probe, err := p.client.Get(ctx, indexPath)
	if err != nil {
		return fmt.Errorf("verify login: %w", err)
	}
	if p.classifier.IsLoggedIn(probe.Body) {
		log.Info().Str("host", p.client.CurrentHost()).Msg("login confirmed via index probe")
		return nil
	}

	return fmt.Errorf("login not confirmed: %w", ErrLoginRequired)
}

// Verify reports whether the current session is authenticated by probing the
// index page.
func (p *LoginProtocol) Verify(ctx context.Context) (bool, error) {
	probe, err := p.client.Get(ctx, indexPath)
	if err != nil {
		return false, err
	}
	if challenge := p.classifier.Classify(probe.StatusCode, probe.Body, probe.Header); challenge.Kind == ChallengeAutomated {
		return false, fmt.Errorf("index blocked: %w", ErrChallengeRequired)
	}
	return p.classifier.IsLoggedIn(probe.Body), nil
}

// extractToken pulls the csrf token with the ordered regexp fallbacks, then a
// structural query as the last resort.
func (p *LoginProtocol) extractToken(body string) string {
	if token := firstSubmatch(p.tokenPatterns, body); token != "" {
		return token
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	token, _ := doc.Find(`input[name="form_token"]`).First().Attr("value")
	return strings.TrimSpace(token)
}

type formField struct {
	name  string
	value string
}

// encodeFormCP1251 urlencodes the form with values transcoded to the site's
// windows-1251 charset. Field order is preserved; the site's login handler
// has been seen rejecting reordered forms.
func encodeFormCP1251(fields []formField) (string, error) {
	encoder := charmap.Windows1251.NewEncoder()

	var b strings.Builder
	for i, f := range fields {
		encoded, err := encoder.String(f.value)
		if err != nil {
			return "", fmt.Errorf("encode field %s: %w", f.name, err)
		}
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(encoded))
	}
	return b.String(), nil
}
