// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "host = \"localhost\"\nport = 7490\nsessionSecret = \"test-secret\"\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "fonoteka.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 7490\nsessionSecret = \"test-secret\"\ndataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "fonoteka.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 7490\nsessionSecret = \"test-secret\"\ndataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "fonoteka.db")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestNew_WritesDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, err := New(configPath)
	require.NoError(t, err)

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "trackerHost = \"rutracker.org\"")
	assert.Contains(t, string(content), "sessionSecret = ")

	assert.Equal(t, 7490, cfg.Config.Port)
	assert.Equal(t, "rutracker.org", cfg.Config.TrackerHost)
	assert.NotEmpty(t, cfg.Config.SessionSecret)
	assert.Equal(t, 3, cfg.Config.RetryAttempts)
	assert.Equal(t, "audiobooks", cfg.Config.QbitCategory)
	assert.False(t, cfg.Config.OfflineMode)
}

func TestNew_TrackerEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := "host = \"localhost\"\nsessionSecret = \"test-secret\"\ntrackerHost = \"rutracker.org\"\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	t.Setenv(envPrefix+"TRACKER_HOST", "mirror.example")
	t.Setenv(envPrefix+"OFFLINE_MODE", "true")
	t.Setenv(envPrefix+"RETRY_ATTEMPTS", "7")

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "mirror.example", cfg.Config.TrackerHost)
	assert.True(t, cfg.Config.OfflineMode)
	assert.Equal(t, 7, cfg.Config.RetryAttempts)
}

func TestNew_SessionSecretFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("host = \"localhost\"\n"), 0o644))

	secretPath := filepath.Join(tmpDir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("file-secret\n"), 0o600))
	t.Setenv(envPrefix+"SESSION_SECRET_FILE", secretPath)

	cfg, err := New(configPath)
	require.NoError(t, err)
	assert.Equal(t, "file-secret", cfg.Config.SessionSecret)
}

func TestGenerateSecureTokenHexOutput(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{name: "standard_32_bytes", length: 32},
		{name: "small_token", length: 8},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			token, err := generateSecureToken(tt.length)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			assert.Len(t, token, tt.length*2)
			_, err = hex.DecodeString(token)
			require.NoError(t, err)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	c := &AppConfig{}

	assert.Equal(t, "/etc/fonoteka/custom.toml", c.resolveConfigPath("/etc/fonoteka/custom.toml"))

	tmpDir := t.TempDir()
	assert.Equal(t, filepath.Join(tmpDir, "config.toml"), c.resolveConfigPath(tmpDir))
}

func TestIsDevBuild(t *testing.T) {
	assert.True(t, isDevBuild(""))
	assert.True(t, isDevBuild("dev"))
	assert.True(t, isDevBuild("1.2.3-DEV"))
	assert.False(t, isDevBuild("v1.2.3"))
}

func TestDefaultConfigTemplateMentionsEveryKnob(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, WriteDefaultConfig(configPath))

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	text := string(content)

	for _, knob := range []string{
		"trackerHost", "trackerMirrors", "userAgent", "markerFile",
		"requestTimeout", "retryAttempts", "retryDelayMs", "offlineMode",
		"qbitHost", "qbitCategory", "metricsEnabled", "logLevel",
	} {
		assert.True(t, strings.Contains(text, knob), "template missing %s", knob)
	}
}
