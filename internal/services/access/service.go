// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package access composes the tracker client, login protocol, challenge and
// error classification and the offline cache into the single pipeline every
// outbound call goes through: attempt, classify on failure, recover where
// possible, degrade to cached data where not.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/models"
	"github.com/fonoteka/fonoteka/internal/reporting"
	"github.com/fonoteka/fonoteka/internal/tracker"
)

// Fetcher is the transport surface the orchestrator drives.
type Fetcher interface {
	Get(ctx context.Context, path string) (*tracker.Response, error)
	ImportCookieString(ctx context.Context, raw string) error
	CurrentHost() string
}

// Authenticator is the login surface the orchestrator drives.
type Authenticator interface {
	Login(ctx context.Context, username, password string) error
	LoginWithCaptcha(ctx context.Context, username, password, capSID, capCode string) error
	Verify(ctx context.Context) (bool, error)
}

// ChallengeFunc supplies external (human) input for a challenge: the solved
// captcha code, or a browser cookie string for an automated challenge. It
// blocks until input arrives or ctx is cancelled.
type ChallengeFunc func(ctx context.Context, challenge tracker.Challenge) (string, error)

// Config tunes the retry behavior of the pipeline.
type Config struct {
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Deps are the collaborators the service composes.
type Deps struct {
	Client      Fetcher
	Auth        Authenticator
	Challenges  *tracker.ChallengeClassifier
	Reports     *reporting.Classifier
	Cache       *models.OfflineCacheStore
	Credentials *models.CredentialStore
	OnChallenge ChallengeFunc
}

// ListOutcome is a search or category result, live or cached.
type ListOutcome struct {
	Results         []tracker.SearchResult `json:"results"`
	ServedFromCache bool                   `json:"servedFromCache"`
	StoredAt        time.Time              `json:"storedAt,omitempty"`
	Report          *reporting.Report      `json:"report,omitempty"`
}

// DetailOutcome is a topic detail result, live or cached.
type DetailOutcome struct {
	Detail          *tracker.TopicDetail `json:"detail"`
	ServedFromCache bool                 `json:"servedFromCache"`
	StoredAt        time.Time            `json:"storedAt,omitempty"`
	Report          *reporting.Report    `json:"report,omitempty"`
}

// Service is the access orchestrator. Safe for concurrent use.
type Service struct {
	client      Fetcher
	auth        Authenticator
	challenges  *tracker.ChallengeClassifier
	reports     *reporting.Classifier
	cache       *models.OfflineCacheStore
	creds       *models.CredentialStore
	onChallenge ChallengeFunc

	retryAttempts uint
	retryDelay    time.Duration

	authed  atomic.Bool
	offline atomic.Bool

	subMu       sync.Mutex
	offlineSubs map[chan bool]struct{}

	cacheServed *prometheus.CounterVec
}

// New builds the orchestrator.
func New(cfg Config, deps Deps) *Service {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	return &Service{
		client:        deps.Client,
		auth:          deps.Auth,
		challenges:    deps.Challenges,
		reports:       deps.Reports,
		cache:         deps.Cache,
		creds:         deps.Credentials,
		onChallenge:   deps.OnChallenge,
		retryAttempts: attempts,
		retryDelay:    delay,
		offlineSubs:   make(map[chan bool]struct{}),
		cacheServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fonoteka_cache_served_total",
			Help: "Requests answered from the offline cache by kind.",
		}, []string{"kind"}),
	}
}

// Collector exposes the cache-fallback counter for registration by the
// metrics endpoint. The service never registers it itself.
func (s *Service) Collector() prometheus.Collector {
	return s.cacheServed
}

// Search runs a tracker search, falling back to the offline cache when the
// live fetch fails.
func (s *Service) Search(ctx context.Context, query string) (*ListOutcome, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	rctx := reporting.NewContext("search").
		WithDomain(s.client.CurrentHost()).
		WithParam("query", query)
	key := cacheKey(query)

	if s.offline.Load() {
		return s.listFromCache(ctx, models.CacheKindSearch, key, query, rctx, nil)
	}

	path, err := tracker.SearchPath(query)
	if err != nil {
		return nil, fmt.Errorf("build search path: %w", err)
	}

	resp, err := s.fetch(ctx, path)
	if err != nil {
		report := s.reportFailure(err, rctx)
		return s.listFromCache(ctx, models.CacheKindSearch, key, query, rctx, report)
	}

	results, err := tracker.ParseSearchResults(resp.Body)
	if err != nil {
		report := s.reports.Classify(err, reporting.KindParseFailure, rctx, reporting.SeverityAuto)
		return s.listFromCache(ctx, models.CacheKindSearch, key, query, rctx, report)
	}

	s.recordList(ctx, models.CacheKindSearch, key, query, results)
	return &ListOutcome{Results: results}, nil
}

// FetchCategory lists a category (forum) page.
func (s *Service) FetchCategory(ctx context.Context, forumID int64) (*ListOutcome, error) {
	rctx := reporting.NewContext("fetch-category").
		WithDomain(s.client.CurrentHost()).
		WithParam("forumId", fmt.Sprint(forumID))
	key := fmt.Sprintf("f:%d", forumID)
	label := fmt.Sprintf("forum %d", forumID)

	if s.offline.Load() {
		return s.listFromCache(ctx, models.CacheKindCategory, key, label, rctx, nil)
	}

	resp, err := s.fetch(ctx, tracker.CategoryPath(forumID))
	if err != nil {
		report := s.reportFailure(err, rctx)
		return s.listFromCache(ctx, models.CacheKindCategory, key, label, rctx, report)
	}

	results, err := tracker.ParseSearchResults(resp.Body)
	if err != nil {
		report := s.reports.Classify(err, reporting.KindParseFailure, rctx, reporting.SeverityAuto)
		return s.listFromCache(ctx, models.CacheKindCategory, key, label, rctx, report)
	}

	s.recordList(ctx, models.CacheKindCategory, key, label, results)
	return &ListOutcome{Results: results}, nil
}

// FetchDetail loads one topic page.
func (s *Service) FetchDetail(ctx context.Context, topicID int64) (*DetailOutcome, error) {
	rctx := reporting.NewContext("fetch-detail").
		WithDomain(s.client.CurrentHost()).
		WithParam("topicId", fmt.Sprint(topicID))
	key := fmt.Sprintf("t:%d", topicID)

	if s.offline.Load() {
		return s.detailFromCache(ctx, key, rctx, nil)
	}

	resp, err := s.fetch(ctx, tracker.TopicPath(topicID))
	if err != nil {
		report := s.reportFailure(err, rctx)
		return s.detailFromCache(ctx, key, rctx, report)
	}

	detail, err := tracker.ParseTopicDetail(resp.Body)
	if err != nil {
		report := s.reports.Classify(err, reporting.KindParseFailure, rctx, reporting.SeverityAuto)
		return s.detailFromCache(ctx, key, rctx, report)
	}

	if payload, err := json.Marshal(detail); err == nil {
		if cerr := s.cache.Record(ctx, models.CacheKindDetail, key, detail.Title, payload); cerr != nil {
			log.Warn().Err(cerr).Str("key", key).Msg("offline cache write failed")
		}
	}
	return &DetailOutcome{Detail: detail}, nil
}

// Login authenticates and stores the credentials for automatic re-login.
func (s *Service) Login(ctx context.Context, username, password string) error {
	rctx := reporting.NewContext("login").
		WithDomain(s.client.CurrentHost()).
		WithParam("username", username)

	if err := s.auth.Login(ctx, username, password); err != nil {
		s.reports.Classify(err, kindFor(err), rctx, reporting.SeverityAuto)
		return err
	}

	s.authed.Store(true)
	s.storeCredentials(ctx, username, password)
	return nil
}

// LoginWithCaptcha authenticates with a solved captcha.
func (s *Service) LoginWithCaptcha(ctx context.Context, username, password, capSID, capCode string) error {
	rctx := reporting.NewContext("login").
		WithDomain(s.client.CurrentHost()).
		WithParam("username", username)

	if err := s.auth.LoginWithCaptcha(ctx, username, password, capSID, capCode); err != nil {
		s.reports.Classify(err, kindFor(err), rctx, reporting.SeverityAuto)
		return err
	}

	s.authed.Store(true)
	s.storeCredentials(ctx, username, password)
	return nil
}

// IsAuthenticated reports the session state. When the local flag is unset it
// probes the source once; a probe failure means "not authenticated", not an
// error.
func (s *Service) IsAuthenticated(ctx context.Context) bool {
	if s.authed.Load() {
		return true
	}
	if s.offline.Load() {
		return false
	}

	ok, err := s.auth.Verify(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("authentication probe failed")
		return false
	}
	if ok {
		s.authed.Store(true)
	}
	return ok
}

// OfflineMode reports whether the service currently serves from cache only.
func (s *Service) OfflineMode() bool {
	return s.offline.Load()
}

// SetOfflineMode flips the offline flag explicitly and notifies subscribers.
func (s *Service) SetOfflineMode(enabled bool) {
	if s.offline.Swap(enabled) == enabled {
		return
	}
	log.Info().Bool("offline", enabled).Msg("offline mode changed")
	s.publishOffline(enabled)
}

// Probe tests live reachability and leaves offline mode on success. This is
// the only path that auto-disables offline mode.
func (s *Service) Probe(ctx context.Context) error {
	_, err := s.client.Get(ctx, "/forum/index.php")
	if err != nil {
		return err
	}
	s.SetOfflineMode(false)
	return nil
}

// OfflineModeStream subscribes to offline flag changes. The returned cancel
// must be called to release the subscription.
func (s *Service) OfflineModeStream() (<-chan bool, func()) {
	ch := make(chan bool, 4)

	s.subMu.Lock()
	s.offlineSubs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.offlineSubs[ch]; ok {
			delete(s.offlineSubs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// ErrorStatisticsStream subscribes to classifier statistics updates.
func (s *Service) ErrorStatisticsStream() (<-chan reporting.Statistics, func()) {
	return s.reports.Subscribe()
}

// CacheStatistics exposes offline cache staleness metadata.
func (s *Service) CacheStatistics(ctx context.Context) (*models.OfflineCacheStats, error) {
	return s.cache.Statistics(ctx)
}

// fetch is the recovery loop: fetch with backoff, classify the page, then
// re-login or request human input once each before giving up.
func (s *Service) fetch(ctx context.Context, path string) (*tracker.Response, error) {
	reloggedIn := false
	challenged := false

	for {
		resp, err := s.fetchWithRetry(ctx, path)
		if err != nil {
			return nil, err
		}

		challenge := s.challenges.Classify(resp.StatusCode, resp.Body, resp.Header)
		switch challenge.Kind {
		case tracker.ChallengeNone:
			return resp, nil

		case tracker.ChallengeLoginRequired:
			if reloggedIn {
				return nil, fmt.Errorf("still unauthenticated after re-login: %w", tracker.ErrLoginRequired)
			}
			reloggedIn = true
			if err := s.relogin(ctx); err != nil {
				return nil, err
			}
			log.Debug().Str("path", path).Msg("re-login succeeded, retrying request")

		case tracker.ChallengeCaptcha:
			if challenged || s.onChallenge == nil {
				return nil, &tracker.CaptchaRequiredError{Challenge: challenge}
			}
			challenged = true
			if err := s.solveCaptcha(ctx, challenge); err != nil {
				return nil, err
			}

		case tracker.ChallengeAutomated:
			if challenged || s.onChallenge == nil {
				return nil, fmt.Errorf("request blocked at %s: %w", path, tracker.ErrChallengeRequired)
			}
			challenged = true
			// For an automated challenge the human passes it in a real
			// browser and hands us the resulting cookie string.
			cookies, err := s.onChallenge(ctx, challenge)
			if err != nil {
				return nil, fmt.Errorf("challenge input: %w", err)
			}
			if err := s.client.ImportCookieString(ctx, cookies); err != nil {
				return nil, fmt.Errorf("import challenge cookies: %w", err)
			}
		}
	}
}

func (s *Service) fetchWithRetry(ctx context.Context, path string) (*tracker.Response, error) {
	var resp *tracker.Response

	err := retry.Do(
		func() error {
			r, err := s.client.Get(ctx, path)
			if err != nil {
				return err
			}
			if s.challenges.IsRateLimited(r.StatusCode, r.Body) {
				return fmt.Errorf("%s: %w", path, tracker.ErrRateLimited)
			}
			resp = r
			return nil
		},
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// relogin re-authenticates with stored credentials, solving a captcha via
// the challenge handler when one appears.
func (s *Service) relogin(ctx context.Context) error {
	if s.creds == nil {
		return fmt.Errorf("no stored credentials: %w", tracker.ErrLoginRequired)
	}

	username, password, err := s.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", tracker.ErrLoginRequired)
	}

	err = s.auth.Login(ctx, username, password)

	var captchaErr *tracker.CaptchaRequiredError
	if errors.As(err, &captchaErr) && s.onChallenge != nil {
		code, cerr := s.onChallenge(ctx, captchaErr.Challenge)
		if cerr != nil {
			return fmt.Errorf("captcha input: %w", cerr)
		}
		err = s.auth.LoginWithCaptcha(ctx, username, password, captchaErr.Challenge.SessionToken, code)
	}

	if err != nil {
		return err
	}
	s.authed.Store(true)
	return nil
}

func (s *Service) solveCaptcha(ctx context.Context, challenge tracker.Challenge) error {
	code, err := s.onChallenge(ctx, challenge)
	if err != nil {
		return fmt.Errorf("captcha input: %w", err)
	}

	if s.creds == nil {
		return fmt.Errorf("captcha solved but no credentials to submit: %w", tracker.ErrLoginRequired)
	}
	username, password, err := s.creds.Get(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", tracker.ErrLoginRequired)
	}
	return s.auth.LoginWithCaptcha(ctx, username, password, challenge.SessionToken, code)
}

// reportFailure classifies a live-fetch failure and flips offline mode when
// every source is gone.
func (s *Service) reportFailure(err error, rctx reporting.Context) *reporting.Report {
	kind := kindFor(err)
	report := s.reports.Classify(err, kind, rctx, reporting.SeverityAuto)

	if kind == reporting.KindAllSourcesDown && !s.offline.Load() {
		s.SetOfflineMode(true)
	}
	return report
}

func (s *Service) recordList(ctx context.Context, kind models.CacheKind, key, label string, results []tracker.SearchResult) {
	payload, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := s.cache.Record(ctx, kind, key, label, payload); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("offline cache write failed")
	}
}

// listFromCache serves a cached listing. When no exact entry exists a
// fuzzy nearest match by label is tried for searches, so a reworded query
// still finds yesterday's results.
func (s *Service) listFromCache(ctx context.Context, kind models.CacheKind, key, label string, rctx reporting.Context, report *reporting.Report) (*ListOutcome, error) {
	cached, ok, err := s.cache.TryServe(ctx, kind, key)
	if err != nil {
		s.reports.Classify(err, reporting.KindCacheFailure, rctx, reporting.SeverityAuto)
	}
	if !ok && kind == models.CacheKindSearch {
		cached, ok, err = s.cache.TryServeNearest(ctx, kind, label)
		if err != nil {
			s.reports.Classify(err, reporting.KindCacheFailure, rctx, reporting.SeverityAuto)
		}
	}
	if !ok {
		return nil, s.surfacedError(report, rctx)
	}

	var results []tracker.SearchResult
	if err := json.Unmarshal(cached.Payload, &results); err != nil {
		s.reports.Classify(err, reporting.KindCacheFailure, rctx, reporting.SeverityAuto)
		return nil, s.surfacedError(report, rctx)
	}

	s.cacheServed.WithLabelValues(string(kind)).Inc()

	return &ListOutcome{
		Results:         results,
		ServedFromCache: true,
		StoredAt:        cached.StoredAt,
		Report:          report,
	}, nil
}

func (s *Service) detailFromCache(ctx context.Context, key string, rctx reporting.Context, report *reporting.Report) (*DetailOutcome, error) {
	cached, ok, err := s.cache.TryServe(ctx, models.CacheKindDetail, key)
	if err != nil {
		s.reports.Classify(err, reporting.KindCacheFailure, rctx, reporting.SeverityAuto)
	}
	if !ok {
		return nil, s.surfacedError(report, rctx)
	}

	var detail tracker.TopicDetail
	if err := json.Unmarshal(cached.Payload, &detail); err != nil {
		s.reports.Classify(err, reporting.KindCacheFailure, rctx, reporting.SeverityAuto)
		return nil, s.surfacedError(report, rctx)
	}

	s.cacheServed.WithLabelValues(string(models.CacheKindDetail)).Inc()

	return &DetailOutcome{
		Detail:          &detail,
		ServedFromCache: true,
		StoredAt:        cached.StoredAt,
		Report:          report,
	}, nil
}

// surfacedError converts "no live data, no cached data" into the error the
// caller sees. In offline mode without a report this is the offline kind
// itself.
func (s *Service) surfacedError(report *reporting.Report, rctx reporting.Context) error {
	if report != nil {
		if cause := report.Cause(); cause != nil {
			return cause
		}
		return fmt.Errorf("%s", report.TechnicalMessage)
	}
	err := fmt.Errorf("offline mode active, nothing cached for this request")
	s.reports.Classify(err, reporting.KindOfflineMode, rctx, reporting.SeverityAuto)
	return err
}

func (s *Service) storeCredentials(ctx context.Context, username, password string) {
	if s.creds == nil {
		return
	}
	if err := s.creds.Store(ctx, username, password); err != nil {
		log.Warn().Err(err).Msg("storing credentials failed")
	}
}

func (s *Service) publishOffline(enabled bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.offlineSubs {
		select {
		case ch <- enabled:
		default:
		}
	}
}

// kindFor maps an error to its taxonomy kind.
func kindFor(err error) reporting.Kind {
	switch {
	case err == nil:
		return reporting.KindUnknown
	case errors.Is(err, tracker.ErrAllMirrorsFailed):
		return reporting.KindAllSourcesDown
	case errors.Is(err, tracker.ErrRateLimited):
		return reporting.KindRateLimited
	case errors.Is(err, tracker.ErrCaptchaRequired):
		return reporting.KindCaptchaRequired
	case errors.Is(err, tracker.ErrChallengeRequired):
		return reporting.KindAutomatedChallenge
	case errors.Is(err, tracker.ErrLoginRequired), errors.Is(err, tracker.ErrInvalidCredentials):
		return reporting.KindLoginRequired
	case errors.Is(err, tracker.ErrNotFound):
		return reporting.KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return reporting.KindNetworkFailure
	}

	var statusErr *tracker.StatusError
	if errors.As(err, &statusErr) {
		return reporting.KindSourceUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return reporting.KindNetworkFailure
	}
	return reporting.KindUnknown
}

// isTransient reports whether a fetch failure is worth an in-place retry
// with backoff.
func isTransient(err error) bool {
	if errors.Is(err, tracker.ErrRateLimited) {
		return true
	}
	if errors.Is(err, tracker.ErrAllMirrorsFailed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// cacheKey derives a stable key from a normalized query string.
func cacheKey(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return fmt.Sprintf("q:%016x", xxhash.Sum64String(normalized))
}
