// Package dbpool implements the bounded, LRU-evicted, health-tracked,
// idle-reaped DB connection cache from spec.md §4.8. The concrete database
// client is an external collaborator per spec.md §1, so Pool is generic
// over a Conn interface; internal/dbpool/sqlite.go supplies the one
// concrete default (modernc.org/sqlite) wired into this repo. Health-state
// transitions follow internal/ai/circuit.Breaker's mutex-guarded struct
// style; concurrent close uses golang.org/x/sync/errgroup (a teacher
// indirect dependency, promoted to direct here).
package dbpool

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/isorun/isorun/internal/models"
)

var componentLog = log.With().Str("component", "dbpool").Logger()

// Conn is the minimal surface the pool needs from a concrete DB client.
type Conn interface {
	Close() error
	Ping(ctx context.Context) error
}

// Opener constructs a Conn for a connection URL. The pool never inspects
// the URL beyond using it as a map key and redacting it for logs.
type Opener func(ctx context.Context, url string) (Conn, error)

// entry is the PoolEntry record from spec.md §3.
type entry struct {
	client     Conn
	refs       int
	lastUsedMs int64
	health     models.HealthState
	tx         *txState // non-nil while a transaction leased via this entry is open
}

// Config bounds pool size and idle/reap timing (spec.md §4.8 defaults).
type Config struct {
	Limit           int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	SuspectAfter    time.Duration
	TxTTL           time.Duration
}

// DefaultConfig returns the defaults spec.md §4.8 names.
func DefaultConfig() Config {
	return Config{
		Limit:           16,
		IdleTimeout:     120 * time.Second,
		CleanupInterval: 60 * time.Second,
		SuspectAfter:    5 * time.Minute,
		TxTTL:           30 * time.Second,
	}
}

// Pool is the connection cache. Keyed by connection URL.
type Pool struct {
	mu     sync.Mutex
	open   Opener
	cfg    Config
	conns  map[string]*entry
	stopCh chan struct{}
	once   sync.Once
	nowFn  func() time.Time
}

// New creates a pool backed by opener, and starts its reaper goroutine.
func New(opener Opener, cfg Config) *Pool {
	p := &Pool{
		open:   opener,
		cfg:    cfg,
		conns:  make(map[string]*entry),
		stopCh: make(chan struct{}),
		nowFn:  time.Now,
	}
	go p.reapLoop()
	return p
}

func (p *Pool) now() time.Time { return p.nowFn() }

// Get returns a live client for url, creating one if necessary. It throws
// (returns an error) if url is empty. On a dead entry it closes and
// replaces it; at capacity it evicts the LRU idle entry first.
func (p *Pool) Get(ctx context.Context, url string) (Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("dbpool: url is required")
	}

	p.mu.Lock()
	e, ok := p.conns[url]
	if ok && e.health == models.HealthDead {
		p.closeEntryLocked(url, e)
		ok = false
	}
	if !ok {
		if len(p.conns) >= p.cfg.Limit {
			if evictURL, ok := p.lruIdleLocked(); ok {
				p.closeEntryLocked(evictURL, p.conns[evictURL])
			} else {
				componentLog.Warn().Int("limit", p.cfg.Limit).Msg("pool at capacity with no idle entry to evict")
			}
		}
		p.mu.Unlock()
		client, err := p.open(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dbpool: open %s: %w", redact(url), err)
		}
		p.mu.Lock()
		e = &entry{client: client, health: models.HealthOK}
		p.conns[url] = e
	}

	e.refs++
	e.lastUsedMs = p.now().UnixMilli()
	e.health = models.HealthOK
	client := e.client
	p.mu.Unlock()
	return client, nil
}

// Release decrements the ref count for url, making the entry evictable
// again once refs reaches zero.
func (p *Pool) Release(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[url]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	e.lastUsedMs = p.now().UnixMilli()
}

// lruIdleLocked finds the refs=0 entry with the smallest lastUsedMs.
// Caller must hold p.mu.
func (p *Pool) lruIdleLocked() (string, bool) {
	var bestURL string
	var bestTime int64 = -1
	for url, e := range p.conns {
		if e.refs != 0 {
			continue
		}
		if bestTime == -1 || e.lastUsedMs < bestTime {
			bestTime = e.lastUsedMs
			bestURL = url
		}
	}
	return bestURL, bestTime != -1
}

// closeEntryLocked closes and removes an entry. Caller must hold p.mu.
func (p *Pool) closeEntryLocked(url string, e *entry) {
	if err := e.client.Close(); err != nil {
		componentLog.Warn().Str("url", redact(url)).Err(err).Msg("error closing pool entry")
	}
	delete(p.conns, url)
}

// Stats is a point-in-time snapshot for diagnostics/metrics.
type Stats struct {
	Size      int
	OK        int
	Suspected int
	Dead      int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Size = len(p.conns)
	for _, e := range p.conns {
		switch e.health {
		case models.HealthOK:
			s.OK++
		case models.HealthSuspected:
			s.Suspected++
		case models.HealthDead:
			s.Dead++
		}
	}
	return s
}

// HealthCheck marks idle entries older than SuspectAfter as suspected.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.cfg.SuspectAfter).UnixMilli()
	for _, e := range p.conns {
		if e.refs == 0 && e.health == models.HealthOK && e.lastUsedMs < cutoff {
			e.health = models.HealthSuspected
		}
	}
}

func (p *Pool) reapLoop() {
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce()
			p.sweepTransactions()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.cfg.IdleTimeout).UnixMilli()
	for url, e := range p.conns {
		if e.refs == 0 && e.lastUsedMs < cutoff {
			p.closeEntryLocked(url, e)
		}
	}
}

// Dispose stops the reaper and closes every entry concurrently via
// errgroup, then empties the map.
func (p *Pool) Dispose() {
	p.once.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := make(map[string]*entry, len(p.conns))
	for k, v := range p.conns {
		entries[k] = v
	}
	p.conns = make(map[string]*entry)
	p.mu.Unlock()

	var g errgroup.Group
	for url, e := range entries {
		url, e := url, e
		g.Go(func() error {
			if err := e.client.Close(); err != nil {
				componentLog.Warn().Str("url", redact(url)).Err(err).Msg("dispose: error closing pool entry")
			}
			return nil
		})
	}
	_ = g.Wait()
}

var credentialPattern = regexp.MustCompile(`://([^:/@]+):([^@/]+)@`)

// redact masks credentials in a connection URL before it reaches a log
// line (spec.md §4.8: "URLs are redacted (user:***@host) whenever logged").
func redact(url string) string {
	return credentialPattern.ReplaceAllString(url, "://$1:***@")
}
