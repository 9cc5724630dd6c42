// Package cluster implements the worker pool from spec.md §4.10: a set of
// PoolWorker handles with a health-state machine (ok -> suspected -> ok,
// ok/suspected -> dead -> removed), warmup/acquire/run operations, and a
// periodic reaper. Grounded on internal/ai/circuit.Breaker's
// mutex-guarded state machine (its closed/open/half-open states map onto
// ok/dead/suspected here) and on the teacher's periodic-reaper goroutines
// used throughout internal/monitoring.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/isorun/isorun/internal/models"
	"github.com/isorun/isorun/internal/tools"
	"github.com/isorun/isorun/internal/worker"
)

var componentLog = log.With().Str("component", "cluster").Logger()

// Config bounds pool size and idle/busy reaping (spec.md §4.10 defaults).
type Config struct {
	Min  int
	Max  int
	Idle time.Duration
}

// DefaultConfig matches spec.md's named defaults: min 2, max 8, idle 120s.
func DefaultConfig() Config {
	return Config{Min: 2, Max: 8, Idle: 120 * time.Second}
}

const (
	stuckBusyAfter     = 60 * time.Second
	suspectIdleAfter   = 5 * time.Minute
	reapInterval       = 30 * time.Second
)

// poolWorker is the PoolWorker record from spec.md §3.
type poolWorker struct {
	iso        worker.Isolate
	health     models.HealthState
	busy       bool
	lastUsed   time.Time
	lastActive time.Time
}

// Cluster is the worker pool. Safe for concurrent use.
type Cluster struct {
	mu      sync.Mutex
	driver  worker.Driver
	cfg     Config
	workers map[string]*poolWorker
	stopCh  chan struct{}
	once    sync.Once
	seq     int
	nowFn   func() time.Time
}

// New creates an empty cluster and starts its reaper goroutine.
func New(driver worker.Driver, cfg Config) *Cluster {
	if cfg.Min <= 0 && cfg.Max <= 0 {
		cfg = DefaultConfig()
	}
	c := &Cluster{
		driver:  driver,
		cfg:     cfg,
		workers: make(map[string]*poolWorker),
		stopCh:  make(chan struct{}),
		nowFn:   time.Now,
	}
	go c.reapLoop()
	return c
}

func (c *Cluster) now() time.Time { return c.nowFn() }

// Warmup spawns up to n workers, never exceeding Max.
func (c *Cluster) Warmup(n int) error {
	c.mu.Lock()
	room := c.cfg.Max - len(c.workers)
	if n > room {
		n = room
	}
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		if _, err := c.spawnOne(); err != nil {
			return fmt.Errorf("cluster: warmup: %w", err)
		}
	}
	return nil
}

func (c *Cluster) spawnOne() (*poolWorker, error) {
	c.mu.Lock()
	id := fmt.Sprintf("w%d", c.seq)
	c.seq++
	c.mu.Unlock()

	iso, err := c.driver.Spawn(id)
	if err != nil {
		return nil, err
	}
	pw := &poolWorker{iso: iso, health: models.HealthOK, lastUsed: c.now(), lastActive: c.now()}

	c.mu.Lock()
	c.workers[id] = pw
	c.mu.Unlock()
	return pw, nil
}

// errPoolExhausted is the message Run surfaces as a ClusterError output
// when Acquire finds every worker busy and the pool already at Max
// (Acquire itself then returns nil, nil).
var errPoolExhausted = fmt.Errorf("cluster: pool exhausted")

// Acquire returns the first ok, non-busy worker; if none exists and the
// pool is below Max, it spawns one; otherwise it returns nil (spec.md
// §4.10: "the caller produces a pool exhausted error output").
func (c *Cluster) Acquire() (*poolWorker, error) {
	c.mu.Lock()
	for _, pw := range c.workers {
		if pw.health == models.HealthOK && !pw.busy {
			pw.busy = true
			pw.lastActive = c.now()
			c.mu.Unlock()
			return pw, nil
		}
	}
	belowMax := len(c.workers) < c.cfg.Max
	c.mu.Unlock()

	if !belowMax {
		return nil, nil
	}
	pw, err := c.spawnOne()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	pw.busy = true
	pw.lastActive = c.now()
	c.mu.Unlock()
	return pw, nil
}

// Run acquires a worker, runs the packet against it, and releases or
// kills it depending on the outcome (spec.md §4.10's `run` algorithm).
func (c *Cluster) Run(ctx context.Context, packet models.Packet, timeoutMs int, internal *tools.Internal) models.Output {
	pw, err := c.Acquire()
	if err != nil {
		return models.ExceptionOutput(models.ErrNameClusterError, err.Error(), 0)
	}
	if pw == nil {
		return models.ExceptionOutput(models.ErrNameClusterError, errPoolExhausted.Error(), 0)
	}

	panicked := false
	out := func() (out models.Output) {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				out = models.ExceptionOutput(models.ErrNameExecutionError, fmt.Sprintf("panic: %v", rec), 0)
			}
		}()
		return pw.iso.Run(ctx, packet, timeoutMs, internal)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	timedOut := false
	for _, entry := range out.Logs {
		if entry.Name == models.ErrNameTimeoutError {
			timedOut = true
			break
		}
	}
	if timedOut || panicked {
		c.killLocked(pw)
	} else {
		pw.busy = false
		pw.lastUsed = c.now()
		pw.lastActive = c.now()
		pw.health = models.HealthOK
	}
	return out
}

func (c *Cluster) kill(pw *poolWorker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked(pw)
}

func (c *Cluster) killLocked(pw *poolWorker) {
	pw.iso.Kill()
	pw.health = models.HealthDead
}

// Stats is a point-in-time snapshot for diagnostics/metrics.
type Stats struct {
	Size      int
	OK        int
	Suspected int
	Dead      int
	Busy      int
}

func (c *Cluster) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.Size = len(c.workers)
	for _, pw := range c.workers {
		switch pw.health {
		case models.HealthOK:
			s.OK++
		case models.HealthSuspected:
			s.Suspected++
		case models.HealthDead:
			s.Dead++
		}
		if pw.busy {
			s.Busy++
		}
	}
	return s
}

func (c *Cluster) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reapOnce()
		case <-c.stopCh:
			return
		}
	}
}

// reapOnce implements spec.md §4.10's reaper: mark stuck-busy workers
// dead, mark long-idle workers suspected, kill all dead workers, then
// evict idle-expired workers while staying at or above Min.
func (c *Cluster) reapOnce() {
	now := c.now()

	c.mu.Lock()
	var toKill []*poolWorker
	for _, pw := range c.workers {
		if pw.busy && now.Sub(pw.lastActive) > stuckBusyAfter {
			pw.health = models.HealthDead
		}
		if !pw.busy && pw.health == models.HealthOK && now.Sub(pw.lastUsed) > suspectIdleAfter {
			pw.health = models.HealthSuspected
		}
		if pw.health == models.HealthDead {
			toKill = append(toKill, pw)
		}
	}
	c.mu.Unlock()

	for _, pw := range toKill {
		pw.iso.Kill()
	}

	c.mu.Lock()
	for id, pw := range c.workers {
		if pw.health == models.HealthDead {
			delete(c.workers, id)
		}
	}
	alive := len(c.workers)
	var evictable []string
	for id, pw := range c.workers {
		if !pw.busy && now.Sub(pw.lastUsed) > c.cfg.Idle {
			evictable = append(evictable, id)
		}
	}
	for _, id := range evictable {
		if alive <= c.cfg.Min {
			break
		}
		pw := c.workers[id]
		delete(c.workers, id)
		alive--
		go pw.iso.Kill()
	}
	c.mu.Unlock()
}

// Destroy stops the reaper, kills every worker concurrently via errgroup
// (mirroring dbpool.Pool.Dispose), and empties the pool.
func (c *Cluster) Destroy() {
	c.once.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	workers := make([]*poolWorker, 0, len(c.workers))
	for _, pw := range c.workers {
		workers = append(workers, pw)
	}
	c.workers = make(map[string]*poolWorker)
	c.mu.Unlock()

	var g errgroup.Group
	for _, pw := range workers {
		pw := pw
		g.Go(func() error {
			pw.iso.Kill()
			return nil
		})
	}
	_ = g.Wait()
}
