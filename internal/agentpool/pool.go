// ABOUTME: Keyed pool of warm agent subprocesses with per-key exclusive checkout
// ABOUTME: Resets the agent session between borrows and evicts idle processes

package agentpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth/internal/agentrpc"
)

// Client is the slice of the subprocess client the pool manages and hands to
// borrowers.
type Client interface {
	Start() error
	Stop()
	Running() bool
	CallWithTimeout(ctx context.Context, cmd agentrpc.Command, timeout time.Duration) (json.RawMessage, error)
	Stream(ctx context.Context, cmd agentrpc.Command, onEvent func(agentrpc.Event) error) error
}

// Config carries the spawn parameters and timing budgets for pooled clients.
type Config struct {
	// Binary is the agent executable.
	Binary string
	// DefaultProvider and DefaultModel fill empty key fields.
	DefaultProvider string
	DefaultModel    string
	// CallTimeout bounds each call made through a pooled client.
	CallTimeout time.Duration
	// StartupGrace bounds the first session reset after a spawn, which may
	// include model warmup.
	StartupGrace time.Duration
	// ResetTimeout bounds the session reset on a warm process.
	ResetTimeout time.Duration
}

// Key identifies one warm process. Conversations with the same provider,
// model, and toolset share a process, serialized by the entry lock.
type Key struct {
	Provider string
	Model    string
	Tools    string
}

// entry is one pooled process. The entry mutex is the per-key exclusivity
// boundary: whoever holds it owns the process until WithClient returns.
type entry struct {
	mu       sync.Mutex
	client   Client
	lastUsed time.Time // guarded by mu
}

// Pool hands out warm agent clients keyed by (provider, model, toolset).
type Pool struct {
	cfg    Config
	logger *slog.Logger

	// newClient is swapped in tests.
	newClient func(Key) Client

	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates an empty pool. Processes are spawned on first borrow.
func New(cfg Config, logger *slog.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "agentpool"),
		entries: make(map[Key]*entry),
	}
	p.newClient = func(key Key) Client {
		return agentrpc.NewClient(agentrpc.Options{
			Binary:      cfg.Binary,
			Provider:    key.Provider,
			Model:       key.Model,
			Tools:       key.Tools,
			CallTimeout: cfg.CallTimeout,
			Logger:      logger,
		})
	}
	return p
}

// normalize fills empty key fields with the configured defaults so that
// "default provider" and an explicit spelling of it share one process.
func (p *Pool) normalize(key Key) Key {
	if key.Provider == "" {
		key.Provider = p.cfg.DefaultProvider
	}
	if key.Model == "" {
		key.Model = p.cfg.DefaultModel
	}
	return key
}

// lookup returns the entry for key, creating it (and its client) if needed.
func (p *Pool) lookup(key Key) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{client: p.newClient(key)}
		p.entries[key] = e
	}
	return e
}

// WithClient runs fn with exclusive use of the warm process for key. The
// process is started if needed and its session is reset before fn sees it, so
// fn always starts from a clean conversation state. If fn returns an error
// the process is stopped rather than returned to the pool, since its session
// state is no longer trustworthy.
func (p *Pool) WithClient(ctx context.Context, key Key, fn func(Client) error) error {
	key = p.normalize(key)
	e := p.lookup(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := p.prepare(ctx, key, e); err != nil {
		return err
	}
	e.lastUsed = time.Now()

	if err := fn(e.client); err != nil {
		e.client.Stop()
		return err
	}
	e.lastUsed = time.Now()
	return nil
}

// prepare brings the entry's process to a clean session: start if dead, then
// a bounded reset. A failed reset gets one restart-and-retry before the
// borrow is abandoned.
func (p *Pool) prepare(ctx context.Context, key Key, e *entry) error {
	fresh := !e.client.Running()
	if fresh {
		if err := e.client.Start(); err != nil {
			return fmt.Errorf("starting agent for %s/%s: %w", key.Provider, key.Model, err)
		}
	}

	budget := p.cfg.ResetTimeout
	if fresh {
		budget = p.cfg.StartupGrace
	}
	reset := agentrpc.Command{Type: agentrpc.CmdNewSession}
	if _, err := e.client.CallWithTimeout(ctx, reset, budget); err == nil {
		return nil
	} else if fresh {
		// A brand-new process that cannot reset is not worth a second spawn.
		e.client.Stop()
		return fmt.Errorf("resetting fresh agent session for %s/%s: %w", key.Provider, key.Model, err)
	} else {
		p.logger.Warn("session reset failed on warm agent, restarting",
			"provider", key.Provider, "model", key.Model, "error", err)
	}

	e.client.Stop()
	if err := e.client.Start(); err != nil {
		return fmt.Errorf("restarting agent for %s/%s: %w", key.Provider, key.Model, err)
	}
	if _, err := e.client.CallWithTimeout(ctx, reset, p.cfg.StartupGrace); err != nil {
		e.client.Stop()
		return fmt.Errorf("resetting agent session after restart for %s/%s: %w", key.Provider, key.Model, err)
	}
	return nil
}

// StopIdle stops every process not borrowed and not used within threshold.
// Busy entries are skipped. Returns the number of processes stopped.
func (p *Pool) StopIdle(threshold time.Duration) int {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	stopped := 0
	for _, e := range entries {
		if !e.mu.TryLock() {
			continue // in use
		}
		if e.client.Running() && e.lastUsed.Before(cutoff) {
			e.client.Stop()
			stopped++
		}
		e.mu.Unlock()
	}
	if stopped > 0 {
		p.logger.Info("evicted idle agents", "count", stopped)
	}
	return stopped
}

// StopAll stops every pooled process, waiting out in-flight borrows. Used on
// shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.client.Stop()
		e.mu.Unlock()
	}
}
