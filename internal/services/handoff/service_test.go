// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handoff

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fonoteka/fonoteka/internal/tracker"
)

func testTorrentBytes(t *testing.T, name string) []byte {
	t.Helper()

	info := metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Length:      512,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{InfoBytes: infoBytes, Announce: "https://tracker.example/ann"}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

type fakeFetcher struct {
	data []byte
	err  error
	path string
}

func (f *fakeFetcher) GetBytes(_ context.Context, path string, _ int64) ([]byte, error) {
	f.path = path
	return f.data, f.err
}

type fakeAdder struct {
	loginErr error
	added    [][]byte
	options  map[string]string
}

func (a *fakeAdder) LoginCtx(context.Context) error { return a.loginErr }

func (a *fakeAdder) AddTorrentFromMemoryCtx(_ context.Context, buf []byte, options map[string]string) error {
	a.added = append(a.added, buf)
	a.options = options
	return nil
}

func TestService_Download(t *testing.T) {
	data := testTorrentBytes(t, "Test Audiobook")
	fetcher := &fakeFetcher{data: data}
	svc := New(fetcher, nil, "")

	torrent, err := svc.Download(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "/forum/dl.php?t=42", fetcher.path)
	assert.Equal(t, "Test Audiobook", torrent.Name)
	assert.Equal(t, int64(512), torrent.TotalSize)
	assert.Len(t, torrent.InfoHash, 40)
	assert.Equal(t, data, torrent.Data)
}

func TestService_DownloadStatusError(t *testing.T) {
	fetcher := &fakeFetcher{err: &tracker.StatusError{StatusCode: http.StatusTooManyRequests, URL: "https://t/dl.php?t=1"}}
	svc := New(fetcher, nil, "")

	_, err := svc.Download(context.Background(), 1)
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusTooManyRequests, dlErr.StatusCode)
	assert.True(t, dlErr.IsRateLimited())
}

func TestService_DownloadHTMLBody(t *testing.T) {
	// dl.php serves a login page with status 200 when the session died.
	fetcher := &fakeFetcher{data: []byte(`<html><body><form id="login-form-full"></form></body></html>`)}
	svc := New(fetcher, nil, "")

	_, err := svc.Download(context.Background(), 1)
	assert.ErrorIs(t, err, tracker.ErrLoginRequired)
}

func TestService_DownloadGarbage(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("definitely not bencode")}
	svc := New(fetcher, nil, "")

	_, err := svc.Download(context.Background(), 1)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, tracker.ErrLoginRequired))
}

func TestService_Grab(t *testing.T) {
	data := testTorrentBytes(t, "Test Audiobook")
	fetcher := &fakeFetcher{data: data}
	adder := &fakeAdder{}
	svc := New(fetcher, adder, "audiobooks")

	torrent, err := svc.Grab(context.Background(), 42)
	require.NoError(t, err)

	require.Len(t, adder.added, 1)
	assert.Equal(t, torrent.Data, adder.added[0])
	assert.Equal(t, "audiobooks", adder.options["category"])
	assert.Equal(t, "fonoteka", adder.options["tags"])
}

func TestService_HandoffWithoutClient(t *testing.T) {
	svc := New(&fakeFetcher{}, nil, "")
	err := svc.Handoff(context.Background(), &Torrent{})
	assert.Error(t, err)
}

func TestService_HandoffLoginFailure(t *testing.T) {
	adder := &fakeAdder{loginErr: errors.New("bad credentials")}
	svc := New(&fakeFetcher{}, adder, "")

	err := svc.Handoff(context.Background(), &Torrent{Data: []byte("x")})
	assert.ErrorContains(t, err, "qbittorrent login")
	assert.Empty(t, adder.added)
}

func TestDownloadError_Is(t *testing.T) {
	err := &DownloadError{StatusCode: 404, URL: "https://t/dl"}
	assert.True(t, errors.Is(err, &DownloadError{}))
	assert.ErrorContains(t, err, "status 404")
}
