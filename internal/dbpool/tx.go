package dbpool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// txState tracks one open transaction leased from an entry, resolving
// spec.md §9 Open Question #1 in favor of wiring transactions through
// explicitly rather than omitting them: begin/commit/rollback with a
// configurable TTL after which an idle transaction is auto-rolled-back.
type txState struct {
	mu         sync.Mutex
	id         string
	startedAt  time.Time
	lastTouch  time.Time
	tx         Tx
	rolledBack bool
}

// Tx is the minimal transaction surface a concrete driver must provide.
type Tx interface {
	Commit() error
	Rollback() error
}

// TxBeginner is implemented by a Conn that supports transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Begin starts a transaction against the connection leased for url,
// registering it for TTL-based auto-rollback. Returns the transaction id;
// Commit/Rollback look the transaction up by url, not by this id.
func (p *Pool) Begin(ctx context.Context, url string) (string, error) {
	p.mu.Lock()
	e, ok := p.conns[url]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("dbpool: no connection leased for %s", redact(url))
	}
	beginner, ok := e.client.(TxBeginner)
	if !ok {
		return "", fmt.Errorf("dbpool: connection does not support transactions")
	}
	tx, err := beginner.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("dbpool: begin: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.tx != nil {
		// A transaction is already open on this entry; refuse rather than
		// silently orphaning the new one.
		_ = tx.Rollback()
		return "", fmt.Errorf("dbpool: a transaction is already open for %s", redact(url))
	}
	now := p.now()
	id := fmt.Sprintf("%s-%d", url, now.UnixNano())
	e.tx = &txState{id: id, startedAt: now, lastTouch: now, tx: tx}
	return id, nil
}

// Commit commits and clears the open transaction for url.
func (p *Pool) Commit(url string) error {
	p.mu.Lock()
	e, ok := p.conns[url]
	p.mu.Unlock()
	if !ok || e.tx == nil {
		return fmt.Errorf("dbpool: no open transaction for %s", redact(url))
	}
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	if e.tx.rolledBack {
		return fmt.Errorf("dbpool: transaction already rolled back")
	}
	err := e.tx.tx.Commit()
	p.mu.Lock()
	e.tx = nil
	p.mu.Unlock()
	return err
}

// Rollback rolls back and clears the open transaction for url.
func (p *Pool) Rollback(url string) error {
	p.mu.Lock()
	e, ok := p.conns[url]
	p.mu.Unlock()
	if !ok || e.tx == nil {
		return fmt.Errorf("dbpool: no open transaction for %s", redact(url))
	}
	e.tx.mu.Lock()
	err := e.tx.tx.Rollback()
	e.tx.rolledBack = true
	e.tx.mu.Unlock()
	p.mu.Lock()
	e.tx = nil
	p.mu.Unlock()
	return err
}

// sweepTransactions auto-rolls-back any transaction idle past the
// configured TTL, run from the same reaper tick as idle connection
// eviction.
func (p *Pool) sweepTransactions() {
	ttl := p.cfg.TxTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TxTTL
	}
	cutoff := p.now().Add(-ttl)

	p.mu.Lock()
	var stale []struct {
		url string
		e   *entry
	}
	for url, e := range p.conns {
		if e.tx != nil && e.tx.lastTouch.Before(cutoff) {
			stale = append(stale, struct {
				url string
				e   *entry
			}{url, e})
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.e.tx.mu.Lock()
		if !s.e.tx.rolledBack {
			_ = s.e.tx.tx.Rollback()
			s.e.tx.rolledBack = true
			componentLog.Warn().Str("url", redact(s.url)).Msg("auto-rolled-back idle transaction past TTL")
		}
		s.e.tx.mu.Unlock()
		p.mu.Lock()
		if p.conns[s.url] == s.e {
			s.e.tx = nil
		}
		p.mu.Unlock()
	}
}
