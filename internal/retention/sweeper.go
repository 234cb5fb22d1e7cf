// Package retention periodically trims old rows from the chat store.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"

	"roomchat/internal/storage"
)

const (
	DefaultInterval     = time.Hour
	DefaultInitialDelay = 5 * time.Second
	DefaultWindow       = 24 * time.Hour
)

// Store is the part of storage.Store the sweeper needs.
type Store interface {
	OldDataStats(ctx context.Context, cutoff time.Time) (storage.SweepStats, error)
	Sweep(ctx context.Context, cutoff time.Time) (storage.SweepStats, error)
}

// Observer is notified after every sweep that removed something.
type Observer func(removed storage.SweepStats)

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Window       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	} else if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Sweeper deletes messages, users and rooms older than the retention window.
type Sweeper struct {
	store    Store
	cfg      Config
	logger   clog.Logger
	now      func() time.Time
	observer Observer
	running  sync.Mutex
}

type Option func(*Sweeper)

func WithLogger(logger clog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(s *Sweeper) {
		s.observer = fn
	}
}

func New(store Store, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: clog.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cutoff is the instant before which data is considered old.
func (s *Sweeper) Cutoff() time.Time {
	return s.now().Add(-s.cfg.Window)
}

// Preview reports what a sweep run now would delete, without deleting it.
func (s *Sweeper) Preview(ctx context.Context) (time.Time, storage.SweepStats, error) {
	cutoff := s.Cutoff()
	stats, err := s.store.OldDataStats(ctx, cutoff)
	return cutoff, stats, err
}

// RunOnce performs a single sweep. It reports false when another sweep was
// already in progress and this call did nothing.
func (s *Sweeper) RunOnce(ctx context.Context) (storage.SweepStats, bool, error) {
	if !s.running.TryLock() {
		s.logger.Debug("sweep already in progress, skipping")
		return storage.SweepStats{}, false, nil
	}
	defer s.running.Unlock()

	cutoff := s.Cutoff()
	pending, err := s.store.OldDataStats(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to count old data", clog.Error(err))
		return storage.SweepStats{}, true, err
	}
	if pending.Empty() {
		s.logger.Info("nothing to clean", clog.String("cutoff", cutoff.UTC().Format(time.RFC3339)))
		return storage.SweepStats{}, true, nil
	}

	start := time.Now()
	removed, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep failed", clog.Error(err))
		return storage.SweepStats{}, true, err
	}
	s.logger.Info("sweep complete",
		clog.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
		clog.Int("messages", int(removed.Messages)),
		clog.Int("users", int(removed.Users)),
		clog.Int("rooms", int(removed.Rooms)),
		clog.Duration("took", time.Since(start)))
	if s.observer != nil {
		s.observer(removed)
	}
	return removed, true, nil
}

// Run sweeps once after the initial delay and then on every interval until
// ctx is cancelled. Errors are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("retention sweeper started",
		clog.Duration("interval", s.cfg.Interval),
		clog.Duration("window", s.cfg.Window))

	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-initial.C:
			_, _, _ = s.RunOnce(ctx)
		case <-ticker.C:
			_, _, _ = s.RunOnce(ctx)
		}
	}
}
