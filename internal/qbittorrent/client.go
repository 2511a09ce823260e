// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent wraps the qBittorrent WebAPI client with health
// tracking for the single download target fonoteka hands torrents to.
package qbittorrent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const minHealthCheckInterval = 30 * time.Second

type Config struct {
	Host          string
	Username      string
	Password      string
	TLSSkipVerify bool
	Timeout       time.Duration
}

// Client is a connected qBittorrent instance. The embedded qbt.Client
// carries the WebAPI surface; this wrapper adds health bookkeeping.
type Client struct {
	*qbt.Client
	host string

	healthMu        sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
	webAPIVersion   string
}

// NewClient connects and logs in to the qBittorrent instance.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	qbtClient := qbt.NewClient(qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	})

	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(loginCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	client := &Client{
		Client:          qbtClient,
		host:            cfg.Host,
		isHealthy:       true,
		lastHealthCheck: time.Now(),
	}

	if err := client.refreshVersion(loginCtx); err != nil {
		log.Warn().
			Err(err).
			Str("host", cfg.Host).
			Msg("Failed to read qBittorrent WebAPI version during client creation")
		client.updateHealthStatus(false)
	}

	log.Debug().
		Str("host", cfg.Host).
		Str("webAPIVersion", client.WebAPIVersion()).
		Bool("tlsSkipVerify", cfg.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) WebAPIVersion() string {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) LastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

// HealthCheck verifies the WebAPI is still reachable. Recent successful
// checks are reused to avoid hammering the instance.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.LastHealthCheck()) {
		return nil
	}

	if err := c.refreshVersion(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

func (c *Client) refreshVersion(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("web API version is empty")
	}

	c.healthMu.Lock()
	c.webAPIVersion = version
	c.healthMu.Unlock()

	return nil
}
