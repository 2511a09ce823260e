// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fonoteka/fonoteka/internal/config"
	"github.com/fonoteka/fonoteka/internal/database"
	"github.com/fonoteka/fonoteka/internal/domain"
	"github.com/fonoteka/fonoteka/internal/models"
	"github.com/fonoteka/fonoteka/internal/reporting"
	"github.com/fonoteka/fonoteka/internal/services/access"
)

type routeKey struct {
	Method string
	Path   string
}

var expectedRoutes = map[routeKey]struct{}{
	{Method: http.MethodGet, Path: "/health"}:                        {},
	{Method: http.MethodGet, Path: "/healthz/readiness"}:             {},
	{Method: http.MethodGet, Path: "/healthz/liveness"}:              {},
	{Method: http.MethodPost, Path: "/api/auth/login"}:               {},
	{Method: http.MethodGet, Path: "/api/auth/status"}:               {},
	{Method: http.MethodGet, Path: "/api/search"}:                    {},
	{Method: http.MethodGet, Path: "/api/categories/{forumID}"}:      {},
	{Method: http.MethodGet, Path: "/api/topics/{topicID}"}:          {},
	{Method: http.MethodPost, Path: "/api/topics/{topicID}/grab"}:    {},
	{Method: http.MethodGet, Path: "/api/errors"}:                    {},
	{Method: http.MethodGet, Path: "/api/errors/stats"}:              {},
	{Method: http.MethodGet, Path: "/api/errors/stream"}:             {},
	{Method: http.MethodPost, Path: "/api/errors/{reportID}/resolve"}: {},
	{Method: http.MethodDelete, Path: "/api/errors"}:                 {},
	{Method: http.MethodDelete, Path: "/api/errors/resolved"}:        {},
	{Method: http.MethodGet, Path: "/api/offline"}:                   {},
	{Method: http.MethodPut, Path: "/api/offline"}:                   {},
	{Method: http.MethodPost, Path: "/api/offline/probe"}:            {},
	{Method: http.MethodGet, Path: "/api/offline/stream"}:            {},
	{Method: http.MethodGet, Path: "/metrics"}:                       {},
}

func newTestDependencies(t *testing.T) *Dependencies {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	reports := reporting.NewClassifier()
	cache := models.NewOfflineCacheStore(db)
	creds, err := models.NewCredentialStore(db, models.DeriveEncryptionKey("test-secret"))
	require.NoError(t, err)

	accessService := access.New(access.Config{}, access.Deps{
		Reports:     reports,
		Cache:       cache,
		Credentials: creds,
	})

	return &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL:        "/",
				MetricsEnabled: true,
			},
		},
		Version:       "test",
		AccessService: accessService,
		Reports:       reports,
		DB:            db,
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	server := NewServer(newTestDependencies(t))
	handler, err := server.Handler()
	require.NoError(t, err)
	return handler
}

func TestHandlerRegistersExpectedRoutes(t *testing.T) {
	server := NewServer(newTestDependencies(t))
	router, err := server.Handler()
	require.NoError(t, err)

	actual := make(map[routeKey]struct{})
	err = chi.Walk(router, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if path != "/" {
			path = strings.TrimSuffix(path, "/")
		}
		actual[routeKey{Method: strings.ToUpper(method), Path: path}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	for route := range expectedRoutes {
		require.Contains(t, actual, route, "missing route %s %s", route.Method, route.Path)
	}
}

func TestHealthEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "test", body["version"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/liveness", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchRequiresQuery(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrabWithoutDownloadClient(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/topics/42/grab", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorReportLifecycle(t *testing.T) {
	deps := newTestDependencies(t)
	server := NewServer(deps)
	handler, err := server.Handler()
	require.NoError(t, err)

	report := deps.Reports.Classify(
		context.DeadlineExceeded,
		reporting.KindNetworkFailure,
		reporting.Context{Operation: "search", Domain: "rutracker.org"},
		reporting.SeverityAuto,
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/errors", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var reports []reporting.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	require.Equal(t, report.ID, reports[0].ID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/errors/"+report.ID+"/resolve", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/errors/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats reporting.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.TotalErrors)
	require.Equal(t, int64(1), stats.ResolvedErrors)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/errors/no-such-id/resolve", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/errors", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOfflineToggle(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/offline", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, false, state["offline"])

	body := bytes.NewBufferString(`{"offline":true}`)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/offline", body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/offline", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, true, state["offline"])
}

func TestMetricsExposed(t *testing.T) {
	deps := newTestDependencies(t)
	server := NewServer(deps)
	handler, err := server.Handler()
	require.NoError(t, err)

	deps.Reports.Classify(
		context.DeadlineExceeded,
		reporting.KindNetworkFailure,
		reporting.Context{Operation: "search"},
		reporting.SeverityAuto,
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fonoteka_errors_total")
}

func TestLoginRejectsMissingFields(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"username":""}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
