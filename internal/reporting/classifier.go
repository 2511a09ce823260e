// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reporting classifies failures into severity-tagged reports with
// user-facing messaging, and keeps rolling statistics over them.
package reporting

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context carries call-site information into a report. Create it where the
// failure happens; it is never mutated afterwards.
type Context struct {
	Operation  string            `json:"operation"`
	Domain     string            `json:"domain,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"userId,omitempty"`
}

// NewContext builds a Context stamped with the current time.
func NewContext(operation string) Context {
	return Context{Operation: operation, Timestamp: time.Now()}
}

// WithEndpoint returns a copy with the endpoint set.
func (c Context) WithEndpoint(endpoint string) Context {
	c.Endpoint = endpoint
	return c
}

// WithDomain returns a copy with the domain set.
func (c Context) WithDomain(domain string) Context {
	c.Domain = domain
	return c
}

// WithParam returns a copy with one parameter added.
func (c Context) WithParam(key, value string) Context {
	params := make(map[string]string, len(c.Parameters)+1)
	for k, v := range c.Parameters {
		params[k] = v
	}
	params[key] = value
	c.Parameters = params
	return c
}

// Report is one classified failure.
type Report struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Severity         Severity  `json:"severity"`
	Context          Context   `json:"context"`
	UserMessage      string    `json:"userMessage"`
	TechnicalMessage string    `json:"technicalMessage"`
	SuggestedAction  string    `json:"suggestedAction"`
	Timestamp        time.Time `json:"timestamp"`
	Resolved         bool      `json:"resolved"`

	cause error
}

// Cause returns the underlying error. Only logged, never shown to users.
func (r *Report) Cause() error { return r.cause }

// Statistics is a projection over all reports; it is recomputed, never
// independently mutated.
type Statistics struct {
	TotalErrors      int64              `json:"totalErrors"`
	ByKind           map[Kind]int64     `json:"byKind"`
	ByDomain         map[string]int64   `json:"byDomain"`
	BySeverity       map[Severity]int64 `json:"bySeverity"`
	ResolvedErrors   int64              `json:"resolvedErrors"`
	UnresolvedErrors int64              `json:"unresolvedErrors"`
}

const recentCap = 100

// Classifier owns the report store. It is an injected instance, not ambient
// global state; every call site receives it explicitly.
type Classifier struct {
	mu       sync.Mutex
	byKind   map[Kind]int64
	byDomain map[string]int64
	bySev    map[Severity]int64
	total    int64
	resolved int64
	recent   []*Report

	seq atomic.Uint64

	subsMu sync.Mutex
	subs   map[int]chan Statistics
	nextID int

	errorsTotal *prometheus.CounterVec
}

// NewClassifier constructs an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		byKind:   make(map[Kind]int64),
		byDomain: make(map[string]int64),
		bySev:    make(map[Severity]int64),
		subs:     make(map[int]chan Statistics),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fonoteka_errors_total",
			Help: "Classified failures by kind and severity.",
		}, []string{"kind", "severity"}),
	}
}

// Collector exposes the prometheus collector for registration by the metrics
// endpoint. The classifier never registers itself, so tests can create many
// instances.
func (c *Classifier) Collector() prometheus.Collector {
	return c.errorsTotal
}

// Classify records a failure and produces the report. Severity defaults from
// the kind mapping when the caller passes a negative value.
func (c *Classifier) Classify(cause error, kind Kind, ctx Context, severity Severity) *Report {
	if severity < SeverityLow || severity > SeverityCritical {
		severity = severityFor(kind)
	}

	now := time.Now()
	msgs := messagesFor(kind)

	report := &Report{
		ID:               fmt.Sprintf("%d-%05d", now.UnixMilli(), c.seq.Add(1)%100000),
		Kind:             kind,
		Severity:         severity,
		Context:          ctx,
		UserMessage:      msgs.user,
		TechnicalMessage: technicalMessage(kind, cause),
		SuggestedAction:  msgs.action,
		Timestamp:        now,
		cause:            cause,
	}

	c.mu.Lock()
	c.total++
	c.byKind[kind]++
	c.bySev[severity]++
	if ctx.Domain != "" {
		c.byDomain[ctx.Domain]++
	}
	c.recent = append(c.recent, report)
	if len(c.recent) > recentCap {
		c.recent = c.recent[len(c.recent)-recentCap:]
	}
	stats := c.statisticsLocked()
	c.mu.Unlock()

	c.errorsTotal.WithLabelValues(string(kind), severity.String()).Inc()
	c.logReport(report)
	c.publish(stats)

	return report
}

// MarkResolved flags a report as handled. Idempotent: resolving an already
// resolved (or unknown) id returns false.
func (c *Classifier) MarkResolved(id string) bool {
	c.mu.Lock()
	var hit *Report
	for _, r := range c.recent {
		if r.ID == id && !r.Resolved {
			r.Resolved = true
			c.resolved++
			hit = r
			break
		}
	}
	var stats Statistics
	if hit != nil {
		stats = c.statisticsLocked()
	}
	c.mu.Unlock()

	if hit == nil {
		return false
	}
	c.publish(stats)
	return true
}

// Recent returns a snapshot of the retained reports, newest last. Values are
// copied so a later MarkResolved never mutates what the caller holds.
func (c *Classifier) Recent() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Report, len(c.recent))
	for i, r := range c.recent {
		out[i] = *r
	}
	return out
}

// Statistics returns the current projection.
func (c *Classifier) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statisticsLocked()
}

// Clear drops every report and resets the counters in one critical section so
// readers never observe a store/statistics mismatch.
func (c *Classifier) Clear() {
	c.mu.Lock()
	c.byKind = make(map[Kind]int64)
	c.byDomain = make(map[string]int64)
	c.bySev = make(map[Severity]int64)
	c.total = 0
	c.resolved = 0
	c.recent = nil
	stats := c.statisticsLocked()
	c.mu.Unlock()

	c.publish(stats)
}

// ClearResolved removes only resolved reports, adjusting counters atomically.
func (c *Classifier) ClearResolved() {
	c.mu.Lock()
	kept := c.recent[:0]
	for _, r := range c.recent {
		if r.Resolved {
			c.total--
			c.resolved--
			c.byKind[r.Kind]--
			c.bySev[r.Severity]--
			if r.Context.Domain != "" {
				c.byDomain[r.Context.Domain]--
			}
			continue
		}
		kept = append(kept, r)
	}
	c.recent = kept
	stats := c.statisticsLocked()
	c.mu.Unlock()

	c.publish(stats)
}

// Subscribe returns a channel receiving a statistics snapshot after every
// change, plus a cancel func. Slow consumers miss intermediate snapshots
// rather than blocking classification.
func (c *Classifier) Subscribe() (<-chan Statistics, func()) {
	ch := make(chan Statistics, 8)

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

func (c *Classifier) statisticsLocked() Statistics {
	stats := Statistics{
		TotalErrors:      c.total,
		ByKind:           make(map[Kind]int64, len(c.byKind)),
		ByDomain:         make(map[string]int64, len(c.byDomain)),
		BySeverity:       make(map[Severity]int64, len(c.bySev)),
		ResolvedErrors:   c.resolved,
		UnresolvedErrors: c.total - c.resolved,
	}
	for k, v := range c.byKind {
		stats.ByKind[k] = v
	}
	for k, v := range c.byDomain {
		stats.ByDomain[k] = v
	}
	for k, v := range c.bySev {
		stats.BySeverity[k] = v
	}
	return stats
}

func (c *Classifier) publish(stats Statistics) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- stats:
		default:
		}
	}
}

func (c *Classifier) logReport(r *Report) {
	var evt *zerolog.Event
	switch r.Severity {
	case SeverityCritical, SeverityHigh:
		evt = log.Error()
	case SeverityMedium:
		evt = log.Warn()
	default:
		evt = log.Debug()
	}

	evt.Err(r.cause).
		Str("id", r.ID).
		Str("kind", string(r.Kind)).
		Str("severity", r.Severity.String()).
		Str("operation", r.Context.Operation)
	if r.Context.Endpoint != "" {
		evt = evt.Str("endpoint", r.Context.Endpoint)
	}
	evt.Msg(r.TechnicalMessage)
}

func technicalMessage(kind Kind, cause error) string {
	if cause == nil {
		return fmt.Sprintf("%s (no underlying cause)", kind)
	}
	return fmt.Sprintf("%s: %T: %v", kind, cause, cause)
}
