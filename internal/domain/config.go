// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

// Config is the unmarshaled application configuration.
type Config struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	BaseURL       string `mapstructure:"baseUrl"`
	SessionSecret string `mapstructure:"sessionSecret"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	// Tracker endpoints. TrackerHost is the primary, TrackerMirrors are
	// tried in order when the primary is unreachable.
	TrackerHost    string   `mapstructure:"trackerHost"`
	TrackerMirrors []string `mapstructure:"trackerMirrors"`
	UserAgent      string   `mapstructure:"userAgent"`

	// MarkerFile optionally overrides the compiled-in challenge/login
	// marker sets with a YAML document.
	MarkerFile string `mapstructure:"markerFile"`

	RequestTimeout int `mapstructure:"requestTimeout"`
	RetryAttempts  int `mapstructure:"retryAttempts"`
	RetryDelayMs   int `mapstructure:"retryDelayMs"`

	// OfflineMode is the persisted startup preference. The orchestrator
	// flips the live flag at runtime; this only seeds it.
	OfflineMode bool `mapstructure:"offlineMode"`

	QbitHost     string `mapstructure:"qbitHost"`
	QbitUsername string `mapstructure:"qbitUsername"`
	QbitPassword string `mapstructure:"qbitPassword"`
	QbitCategory string `mapstructure:"qbitCategory"`

	MetricsEnabled bool `mapstructure:"metricsEnabled"`

	Version string
}

const redacted = "********"

// RedactString replaces a secret with a fixed placeholder for JSON output.
func RedactString(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return redacted
}

// IsRedactedString reports whether a value is the redaction placeholder.
func IsRedactedString(s string) bool {
	return s == redacted
}
