// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"net/http"
	"regexp"
	"strings"
)

// ChallengeKind tags what a response demands from the client.
type ChallengeKind int

const (
	ChallengeNone ChallengeKind = iota
	ChallengeLoginRequired
	ChallengeCaptcha
	ChallengeAutomated
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeNone:
		return "none"
	case ChallengeLoginRequired:
		return "login_required"
	case ChallengeCaptcha:
		return "captcha_required"
	case ChallengeAutomated:
		return "automated_challenge_required"
	default:
		return "unknown"
	}
}

// Challenge is the classification of one response. Produced transiently per
// response, never persisted.
type Challenge struct {
	Kind ChallengeKind

	// Captcha fields.
	ImageURL     string
	SessionToken string

	// Automated challenge field.
	ChallengeURL string
}

// detector inspects a response and either claims it or passes. Detectors are
// pure functions over their inputs so each is testable against fixtures.
type detector func(statusCode int, body, lowerBody string, header http.Header) (Challenge, bool)

// ChallengeClassifier runs an ordered detector list over responses. The
// ordering matters: an automated-challenge page often contains the word
// "login" somewhere, so the more specific detectors run first. False
// negatives are acceptable (they surface later as generic failures); false
// positives would block real content and are not.
type ChallengeClassifier struct {
	markers       MarkerSet
	imagePatterns []*regexp.Regexp
	tokenPatterns []*regexp.Regexp
	detectors     []detector
}

// NewChallengeClassifier builds a classifier over the given marker set.
func NewChallengeClassifier(markers MarkerSet) *ChallengeClassifier {
	c := &ChallengeClassifier{
		markers:       markers,
		imagePatterns: compilePatterns(markers.CaptchaImagePatterns),
		tokenPatterns: compilePatterns(markers.CaptchaTokenPatterns),
	}
	c.detectors = []detector{
		c.detectAutomated,
		c.detectCaptcha,
		c.detectLoginRequired,
	}
	return c
}

// Classify inspects a response. Deterministic: identical inputs always yield
// the identical Challenge. First matching detector wins.
func (c *ChallengeClassifier) Classify(statusCode int, body string, header http.Header) Challenge {
	lowerBody := strings.ToLower(body)
	for _, detect := range c.detectors {
		if challenge, ok := detect(statusCode, body, lowerBody, header); ok {
			return challenge
		}
	}
	return Challenge{Kind: ChallengeNone}
}

func (c *ChallengeClassifier) detectAutomated(statusCode int, body, lowerBody string, header http.Header) (Challenge, bool) {
	server := strings.ToLower(header.Get("Server"))
	serverMatch := false
	for _, marker := range c.markers.AutomatedChallengeServer {
		if server != "" && strings.Contains(server, marker) {
			serverMatch = true
			break
		}
	}

	bodyMatch := false
	for _, marker := range c.markers.AutomatedChallengeBody {
		if strings.Contains(lowerBody, marker) {
			bodyMatch = true
			break
		}
	}

	// A challenge proxy in front of real content still serves 2xx pages;
	// require a body marker, or a guard server header on a blocking
	// status.
	if bodyMatch || (serverMatch && (statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable)) {
		return Challenge{
			Kind:         ChallengeAutomated,
			ChallengeURL: extractChallengeURL(body),
		}, true
	}
	return Challenge{}, false
}

func (c *ChallengeClassifier) detectCaptcha(_ int, body, _ string, _ http.Header) (Challenge, bool) {
	imageURL := firstSubmatch(c.imagePatterns, body)
	if imageURL == "" {
		return Challenge{}, false
	}
	return Challenge{
		Kind:         ChallengeCaptcha,
		ImageURL:     imageURL,
		SessionToken: firstSubmatch(c.tokenPatterns, body),
	}, true
}

func (c *ChallengeClassifier) detectLoginRequired(_ int, _, lowerBody string, _ http.Header) (Challenge, bool) {
	for _, marker := range c.markers.LoggedInBody {
		if strings.Contains(lowerBody, strings.ToLower(marker)) {
			return Challenge{}, false
		}
	}
	for _, marker := range c.markers.LoginRequiredBody {
		if strings.Contains(lowerBody, strings.ToLower(marker)) {
			return Challenge{Kind: ChallengeLoginRequired}, true
		}
	}
	return Challenge{}, false
}

// IsLoggedIn reports whether the body carries a positive logged-in signal.
// Used by the login protocol for success confirmation; "no error page" alone
// is not proof of success.
func (c *ChallengeClassifier) IsLoggedIn(body string) bool {
	lowerBody := strings.ToLower(body)
	for _, marker := range c.markers.LoggedInBody {
		if strings.Contains(lowerBody, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// HasInvalidCredentialsMarker reports whether the body names a failed login.
func (c *ChallengeClassifier) HasInvalidCredentialsMarker(body string) bool {
	lowerBody := strings.ToLower(body)
	for _, marker := range c.markers.InvalidCredentials {
		if strings.Contains(lowerBody, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether the response indicates throttling.
func (c *ChallengeClassifier) IsRateLimited(statusCode int, body string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	lowerBody := strings.ToLower(body)
	for _, marker := range c.markers.RateLimitedBody {
		if strings.Contains(lowerBody, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

var challengeURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta[^>]+http-equiv="refresh"[^>]+url=([^">]+)"`),
	regexp.MustCompile(`(?i)<form[^>]+action="([^"]+)"[^>]*id="challenge-form"`),
	regexp.MustCompile(`(?i)id="challenge-form"[^>]*action="([^"]+)"`),
	regexp.MustCompile(`(?i)window\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
}

func extractChallengeURL(body string) string {
	return firstSubmatch(challengeURLPatterns, body)
}

func firstSubmatch(patterns []*regexp.Regexp, body string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(body); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}
