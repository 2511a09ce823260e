// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package handoff downloads .torrent files from the tracker, validates them
// and hands them to a qBittorrent instance.
package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/tracker"
)

// maxTorrentDownloadBytes caps torrent file downloads. Real .torrent files
// are tiny; anything larger is a challenge page or garbage.
const maxTorrentDownloadBytes = 16 << 20

// DownloadError represents an HTTP error during torrent download.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("torrent download from %s returned status %d", e.URL, e.StatusCode)
}

// Is makes errors.Is(err, &DownloadError{}) match any download error.
func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited returns true when the download was throttled.
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Fetcher is the binary-download surface of the tracker client.
type Fetcher interface {
	GetBytes(ctx context.Context, path string, limit int64) ([]byte, error)
}

// TorrentAdder is the slice of the qBittorrent API the handoff needs.
// Satisfied by *qbt.Client from go-qbittorrent.
type TorrentAdder interface {
	LoginCtx(ctx context.Context) error
	AddTorrentFromMemoryCtx(ctx context.Context, buf []byte, options map[string]string) error
}

// Torrent is a downloaded and validated torrent file.
type Torrent struct {
	InfoHash  string
	Name      string
	TotalSize int64
	Data      []byte
}

// Service performs download, validation and qBittorrent handoff.
type Service struct {
	client   Fetcher
	qbt      TorrentAdder
	category string
}

// New builds the service. qbt may be nil when no download client is
// configured; Download still works, Handoff fails.
func New(client Fetcher, qbt TorrentAdder, category string) *Service {
	return &Service{client: client, qbt: qbt, category: category}
}

// Download fetches and validates the .torrent file for a topic.
func (s *Service) Download(ctx context.Context, topicID int64) (*Torrent, error) {
	path := tracker.DownloadPath(topicID)

	data, err := s.client.GetBytes(ctx, path, maxTorrentDownloadBytes)
	if err != nil {
		var statusErr *tracker.StatusError
		if errors.As(err, &statusErr) {
			return nil, &DownloadError{StatusCode: statusErr.StatusCode, URL: statusErr.URL}
		}
		return nil, fmt.Errorf("download torrent for topic %d: %w", topicID, err)
	}

	torrent, err := validateTorrent(data)
	if err != nil {
		// The tracker serves HTML error pages with a 200 to dl.php when
		// the session is gone; surface that as a login problem.
		if bytes.Contains(bytes.ToLower(data[:min(len(data), 512)]), []byte("<html")) {
			return nil, fmt.Errorf("dl endpoint returned html instead of a torrent: %w", tracker.ErrLoginRequired)
		}
		return nil, fmt.Errorf("topic %d: %w", topicID, err)
	}

	log.Debug().
		Int64("topicId", topicID).
		Str("infoHash", torrent.InfoHash).
		Int64("totalSize", torrent.TotalSize).
		Msg("torrent downloaded")
	return torrent, nil
}

// Handoff pushes a validated torrent into qBittorrent.
func (s *Service) Handoff(ctx context.Context, torrent *Torrent) error {
	if s.qbt == nil {
		return fmt.Errorf("no download client configured")
	}

	if err := s.qbt.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}

	options := map[string]string{"tags": "fonoteka"}
	if s.category != "" {
		options["category"] = s.category
	}

	if err := s.qbt.AddTorrentFromMemoryCtx(ctx, torrent.Data, options); err != nil {
		return fmt.Errorf("add torrent %s: %w", torrent.InfoHash, err)
	}

	log.Info().Str("infoHash", torrent.InfoHash).Str("name", torrent.Name).Msg("torrent handed off")
	return nil
}

// Grab is Download followed by Handoff.
func (s *Service) Grab(ctx context.Context, topicID int64) (*Torrent, error) {
	torrent, err := s.Download(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if err := s.Handoff(ctx, torrent); err != nil {
		return nil, err
	}
	return torrent, nil
}

// validateTorrent parses the payload as bencoded metainfo and extracts the
// identity fields.
func validateTorrent(data []byte) (*Torrent, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse torrent: %w", err)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("parse torrent info: %w", err)
	}

	return &Torrent{
		InfoHash:  mi.HashInfoBytes().HexString(),
		Name:      info.Name,
		TotalSize: info.TotalLength(),
		Data:      data,
	}, nil
}
