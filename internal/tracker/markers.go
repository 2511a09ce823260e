// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MarkerSet holds the empirical signals used to recognize challenge, login
// and error pages. The defaults reflect the tracker as observed today; they
// are loadable from YAML because the site redesigns faster than releases
// ship.
type MarkerSet struct {
	// Substring markers checked against the lowercased body.
	AutomatedChallengeBody []string `yaml:"automatedChallengeBody"`
	// Header values (also lowercased) that identify a challenge proxy.
	AutomatedChallengeServer []string `yaml:"automatedChallengeServer"`

	// Ordered regexp fallbacks; the first submatch is the captured value.
	CaptchaImagePatterns []string `yaml:"captchaImagePatterns"`
	CaptchaTokenPatterns []string `yaml:"captchaTokenPatterns"`
	LoginTokenPatterns   []string `yaml:"loginTokenPatterns"`

	LoginRequiredBody  []string `yaml:"loginRequiredBody"`
	LoggedInBody       []string `yaml:"loggedInBody"`
	InvalidCredentials []string `yaml:"invalidCredentials"`
	RateLimitedBody    []string `yaml:"rateLimitedBody"`
}

// DefaultMarkers returns the compiled-in signal set.
func DefaultMarkers() MarkerSet {
	return MarkerSet{
		AutomatedChallengeBody: []string{
			"ddos-guard",
			"__ddg",
			"checking your browser",
			"cf-browser-verification",
			"just a moment...",
			"enable javascript and cookies to continue",
		},
		AutomatedChallengeServer: []string{
			"ddos-guard",
			"cloudflare",
		},
		CaptchaImagePatterns: []string{
			`<img[^>]+src="(https?://[^"]*captcha[^"]*)"`,
			`<img[^>]+class="user-captcha"[^>]+src="([^"]+)"`,
			`src='(https?://[^']*captcha[^']*)'`,
		},
		CaptchaTokenPatterns: []string{
			`<input[^>]+name="cap_sid"[^>]+value="([^"]+)"`,
			`<input[^>]+value="([^"]+)"[^>]+name="cap_sid"`,
			`name='cap_sid'\s+value='([^']+)'`,
		},
		LoginTokenPatterns: []string{
			`<input[^>]+name="form_token"[^>]+value="([^"]+)"`,
			`<input[^>]+value="([^"]+)"[^>]+name="form_token"`,
			`form_token\s*:\s*'([^']+)'`,
			`name="csrf_token"\s+value="([^"]+)"`,
		},
		LoginRequiredBody: []string{
			`id="login-form-full"`,
			`login.php?redirect=`,
			`>вход<`,
			`name="login_username"`,
		},
		LoggedInBody: []string{
			`logout=1`,
			`profile.php?mode=viewprofile`,
			`id="logged-in-username"`,
		},
		InvalidCredentials: []string{
			"вы ввели неверное имя или пароль",
			"wrong username or password",
			"неверный пароль",
		},
		RateLimitedBody: []string{
			"слишком много запросов",
			"too many requests",
		},
	}
}

// LoadMarkers reads a YAML override file. Empty fields keep their defaults so
// operators only override the signals that drifted.
func LoadMarkers(path string) (MarkerSet, error) {
	markers := DefaultMarkers()

	data, err := os.ReadFile(path)
	if err != nil {
		return markers, fmt.Errorf("read marker file: %w", err)
	}

	var override MarkerSet
	if err := yaml.Unmarshal(data, &override); err != nil {
		return markers, fmt.Errorf("parse marker file: %w", err)
	}

	merge := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	merge(&markers.AutomatedChallengeBody, override.AutomatedChallengeBody)
	merge(&markers.AutomatedChallengeServer, override.AutomatedChallengeServer)
	merge(&markers.CaptchaImagePatterns, override.CaptchaImagePatterns)
	merge(&markers.CaptchaTokenPatterns, override.CaptchaTokenPatterns)
	merge(&markers.LoginTokenPatterns, override.LoginTokenPatterns)
	merge(&markers.LoginRequiredBody, override.LoginRequiredBody)
	merge(&markers.LoggedInBody, override.LoggedInBody)
	merge(&markers.InvalidCredentials, override.InvalidCredentials)
	merge(&markers.RateLimitedBody, override.RateLimitedBody)

	return markers, nil
}

// compilePatterns compiles the regexp fallback lists once. Broken patterns
// from an override file are skipped rather than fatal.
func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}
