// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/dbinterface"
)

// Cookie is a single browser cookie held for a tracker host. A zero
// ExpiresAt means a session cookie that never expires on our side.
type Cookie struct {
	Name      string
	Value     string
	Domain    string
	Path      string
	ExpiresAt time.Time
	Secure    bool
	HTTPOnly  bool
}

// Expired reports whether the cookie's expiry has passed.
func (c Cookie) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// cookieSep joins serialized cookies. The unit separator cannot appear in
// cookie names or values per RFC 6265, so round-trips are unambiguous.
const cookieSep = "\x1f"

const sessionCacheTTL = 30 * time.Minute

// SessionStore persists one cookie set per tracker host. Writes for the same
// host are serialized; the in-memory cache is only promoted after the durable
// write succeeds.
type SessionStore struct {
	db    dbinterface.Querier
	cache *ttlcache.Cache[string, []Cookie]

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

// NewSessionStore constructs a session store over db.
func NewSessionStore(db dbinterface.Querier) *SessionStore {
	return &SessionStore{
		db:    db,
		cache: ttlcache.New(ttlcache.Options[string, []Cookie]{}.SetDefaultTTL(sessionCacheTTL)),
		hosts: make(map[string]*sync.Mutex),
	}
}

func (s *SessionStore) hostLock(host string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.hosts[host]
	if !ok {
		m = &sync.Mutex{}
		s.hosts[host] = m
	}
	return m
}

// Save atomically replaces the stored cookie set for host. The durable write
// happens first; on failure the in-memory cache is still refreshed as a
// degraded best effort and the divergence is logged.
func (s *SessionStore) Save(ctx context.Context, host string, cookies []Cookie) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	lock := s.hostLock(host)
	lock.Lock()
	defer lock.Unlock()

	serialized := serializeCookies(cookies)

	const query = `
		INSERT INTO sessions (host, cookie_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host) DO UPDATE SET
			cookie_data = excluded.cookie_data,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, host, serialized)
	if err != nil {
		// Keep serving the session from memory so the current process
		// stays logged in, but the divergence will surface after a
		// restart.
		s.cache.Set(host, cloneCookies(cookies), sessionCacheTTL)
		log.Error().Err(err).Str("host", host).Msg("session persist failed, in-memory cookie set diverges from storage")
		return fmt.Errorf("save session for %s: %w", host, err)
	}

	s.cache.Set(host, cloneCookies(cookies), sessionCacheTTL)
	log.Debug().Str("host", host).Int("cookies", len(cookies)).Msg("session saved")
	return nil
}

// Load returns the non-expired cookies stored for host, consulting the
// in-memory cache before durable storage. A host with no session yields an
// empty slice, not an error.
func (s *SessionStore) Load(ctx context.Context, host string) ([]Cookie, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}

	now := time.Now()

	if cached, ok := s.cache.Get(host); ok {
		return filterExpired(cached, now), nil
	}

	var serialized string
	err := s.db.QueryRowContext(ctx, `SELECT cookie_data FROM sessions WHERE host = ?`, host).Scan(&serialized)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load session for %s: %w", host, err)
	}

	cookies := deserializeCookies(serialized)
	s.cache.Set(host, cookies, sessionCacheTTL)
	return filterExpired(cookies, now), nil
}

// Clear wipes the sessions for every host.
func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	s.mu.Lock()
	hosts := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		hosts = append(hosts, host)
	}
	s.mu.Unlock()

	for _, host := range hosts {
		s.cache.Delete(host)
	}
	for _, key := range s.cache.GetKeys() {
		s.cache.Delete(key)
	}

	log.Debug().Msg("sessions cleared")
	return nil
}

// Hosts returns every host with a stored session.
func (s *SessionStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host FROM sessions ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list session hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, fmt.Errorf("scan session host: %w", err)
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

func filterExpired(cookies []Cookie, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func cloneCookies(cookies []Cookie) []Cookie {
	out := make([]Cookie, len(cookies))
	copy(out, cookies)
	return out
}

// serializeCookies flattens each cookie to
// name=value;domain=D;path=P;expires=E;secure;httponly and joins the entries
// with the unit separator.
func serializeCookies(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		var b strings.Builder
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
		b.WriteString(";domain=")
		b.WriteString(c.Domain)
		b.WriteString(";path=")
		b.WriteString(c.Path)
		if !c.ExpiresAt.IsZero() {
			b.WriteString(";expires=")
			b.WriteString(c.ExpiresAt.UTC().Format(time.RFC3339))
		}
		if c.Secure {
			b.WriteString(";secure")
		}
		if c.HTTPOnly {
			b.WriteString(";httponly")
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, cookieSep)
}

// deserializeCookies is defensive: a malformed entry is dropped and logged,
// never fatal to the batch.
func deserializeCookies(serialized string) []Cookie {
	if serialized == "" {
		return nil
	}

	var cookies []Cookie
	for _, entry := range strings.Split(serialized, cookieSep) {
		cookie, ok := parseCookieEntry(entry)
		if !ok {
			log.Warn().Str("entry", entry).Msg("dropping malformed stored cookie")
			continue
		}
		cookies = append(cookies, cookie)
	}
	return cookies
}

func parseCookieEntry(entry string) (Cookie, bool) {
	fields := strings.Split(entry, ";")
	if len(fields) == 0 {
		return Cookie{}, false
	}

	name, value, ok := strings.Cut(fields[0], "=")
	if !ok || strings.TrimSpace(name) == "" {
		return Cookie{}, false
	}

	c := Cookie{Name: name, Value: value}
	for _, field := range fields[1:] {
		key, val, hasVal := strings.Cut(field, "=")
		switch strings.ToLower(key) {
		case "domain":
			c.Domain = val
		case "path":
			c.Path = val
		case "expires":
			if !hasVal {
				return Cookie{}, false
			}
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return Cookie{}, false
			}
			c.ExpiresAt = t
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		case "":
			// trailing separator, ignore
		default:
			// unknown attribute from a future version, keep the cookie
		}
	}
	return c, true
}
