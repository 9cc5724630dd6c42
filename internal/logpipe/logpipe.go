// Package logpipe implements the host-side `wait()` primitive from spec.md
// §4.5: a bounded in-memory buffer per in-flight request that the worker
// driver feeds with posted LogEntry messages and drains once the request
// resolves or its deadline fires. Grounded on
// internal/agentexec/server.go's pending-request channel + timer-select
// pattern, reused here for log accumulation instead of a single
// command-result value.
package logpipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/isorun/isorun/internal/models"
)

// MaxEntries is the maximum number of LogEntry values a Pipe retains
// before further entries are counted as dropped (spec.md §4.5/§8).
const MaxEntries = 1000

// MaxMessageChars is the per-message character cap; messages longer than
// this are truncated with a suffix naming the dropped character count.
const MaxMessageChars = 10_000

// Pipe accumulates log entries for one in-flight request.
type Pipe struct {
	mu      sync.Mutex
	entries []models.LogEntry
	dropped int
	closed  bool
}

// New creates an empty pipe.
func New() *Pipe {
	return &Pipe{entries: make([]models.LogEntry, 0, MaxEntries)}
}

// Post appends one log entry, truncating an oversized message and
// counting (rather than storing) anything past MaxEntries.
func (p *Pipe) Post(entry models.LogEntry) {
	entry.Message = truncate(entry.Message)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(p.entries) >= MaxEntries {
		p.dropped++
		return
	}
	p.entries = append(p.entries, entry)
}

// truncate bounds a message to MaxMessageChars, appending a suffix naming
// how many characters were cut (spec.md §4.5: '"...[truncated N chars]"').
func truncate(message string) string {
	runes := []rune(message)
	if len(runes) <= MaxMessageChars {
		return message
	}
	cut := len(runes) - MaxMessageChars
	return string(runes[:MaxMessageChars]) + fmt.Sprintf("...[truncated %d chars]", cut)
}

// Wait blocks until either done is signaled (the worker posted a result)
// or ctx is canceled (the request's deadline fired, or it was otherwise
// abandoned), then returns the accumulated entries with a synthetic
// drop-count warning appended if any entries overflowed the buffer.
// A cancellation removes nothing retroactively: entries already posted
// are still returned, matching spec.md's "isolate still resolves with a
// duration" behavior even on timeout paths that call Wait with an
// already-canceled context to harvest what was captured so far.
func (p *Pipe) Wait(ctx context.Context, done <-chan struct{}) []models.LogEntry {
	select {
	case <-done:
	case <-ctx.Done():
	}
	return p.Drain()
}

// Drain returns a snapshot of accumulated entries plus the synthetic
// overflow warning, and marks the pipe closed so any late Post is
// silently ignored (matching "a cancellation signal removes the message
// listener", spec.md §4.5).
func (p *Pipe) Drain() []models.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	out := make([]models.LogEntry, len(p.entries), len(p.entries)+1)
	copy(out, p.entries)
	if p.dropped > 0 {
		out = append(out, models.LogEntry{
			Level:   models.LogLevelWarn,
			Message: fmt.Sprintf("log buffer overflow: %d entries dropped", p.dropped),
			Name:    "LogOverflow",
		})
	}
	return out
}
