package wal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Commit triggers passed to HeartbeatConfig.OnCommit.
const (
	TriggerHeartbeat = "heartbeat"
	TriggerSoftLimit = "log-threshold"
	TriggerHardLimit = "log-overflow"
	TriggerClose     = "close"
	TriggerManual    = "manual"
)

// HeartbeatConfig configures periodic snapshot commits.
type HeartbeatConfig struct {
	// Interval between heartbeats (default: 30 seconds).
	Interval time.Duration

	// MinInterval and MaxInterval clamp Interval.
	MinInterval time.Duration
	MaxInterval time.Duration

	// SoftLimit triggers a commit on the next heartbeat once the log is
	// larger (default: 4 MB).
	SoftLimit int64

	// HardLimit triggers a commit as soon as Nudge sees the log is larger
	// (default: 16 MB).
	HardLimit int64

	// Beat supplies the heartbeat entry. Nil skips writing heartbeats.
	Beat func() HeartbeatPayload

	// OnCommit performs the commit, typically a snapshot plus compaction.
	OnCommit func(ctx context.Context, trigger string) error

	// OnError is called when a commit fails.
	OnError func(err error)

	Logger *slog.Logger
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    30 * time.Second,
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 10 * time.Minute,
		SoftLimit:   4 << 20,
		HardLimit:   16 << 20,
	}
}

// HeartbeatStats counts heartbeat activity.
type HeartbeatStats struct {
	Heartbeats    uint64
	Commits       uint64
	FailedCommits uint64
	SizeCommits   uint64
	LastHeartbeat time.Time
	LastCommit    time.Time
	LastError     error
}

// Heartbeat writes periodic known-good markers to a log and drives commits
// by time and by log size.
type Heartbeat struct {
	mu     sync.Mutex
	config HeartbeatConfig
	log    *Log

	running atomic.Bool
	ticker  *time.Ticker
	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats          HeartbeatStats
	lastCommit     time.Time
	commitDebounce time.Duration
}

// NewHeartbeat creates a heartbeat for a log.
func NewHeartbeat(log *Log, config HeartbeatConfig) *Heartbeat {
	def := DefaultHeartbeatConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MinInterval <= 0 {
		config.MinInterval = def.MinInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.SoftLimit <= 0 {
		config.SoftLimit = def.SoftLimit
	}
	if config.HardLimit < config.SoftLimit {
		config.HardLimit = max(def.HardLimit, config.SoftLimit)
	}
	config.Interval = min(max(config.Interval, config.MinInterval), config.MaxInterval)
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Heartbeat{
		config:         config,
		log:            log,
		kick:           make(chan struct{}, 1),
		commitDebounce: 500 * time.Millisecond,
	}
}

// Start begins the heartbeat loop.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	ctx, h.cancel = context.WithCancel(ctx)
	h.ticker = time.NewTicker(h.config.Interval)
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx)
	h.config.Logger.Debug("heartbeat started", "interval", h.config.Interval)
}

// Stop stops the loop and waits for an in-progress commit.
func (h *Heartbeat) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	h.mu.Lock()
	h.cancel()
	h.ticker.Stop()
	h.mu.Unlock()
	h.wg.Wait()
}

// SetInterval changes the heartbeat interval.
func (h *Heartbeat) SetInterval(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config.Interval = min(max(d, h.config.MinInterval), h.config.MaxInterval)
	if h.ticker != nil {
		h.ticker.Reset(h.config.Interval)
	}
}

// Nudge asks the loop to check the log size now. It never blocks, so it is
// safe to call while holding document locks.
func (h *Heartbeat) Nudge() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// TriggerCommit commits immediately unless a commit ran within the
// debounce window. It must not be called with document locks held.
func (h *Heartbeat) TriggerCommit(ctx context.Context, trigger string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.lastCommit) < h.commitDebounce {
		h.config.Logger.Debug("commit debounced", "trigger", trigger)
		return nil
	}
	return h.commit(ctx, trigger)
}

// Stats returns a copy of the heartbeat statistics.
func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ticker.C:
			h.mu.Lock()
			h.stats.Heartbeats++
			h.stats.LastHeartbeat = time.Now()
			h.recordHeartbeat()
			trigger := h.sizeTrigger(h.config.SoftLimit)
			if trigger == "" {
				trigger = TriggerHeartbeat
			}
			h.commit(ctx, trigger)
			h.mu.Unlock()
		case <-h.kick:
			h.mu.Lock()
			if trigger := h.sizeTrigger(h.config.HardLimit); trigger != "" {
				h.commit(ctx, trigger)
			}
			h.mu.Unlock()
		}
	}
}

// sizeTrigger reports a size trigger when the log exceeds limit.
// Must be called with lock held.
func (h *Heartbeat) sizeTrigger(limit int64) string {
	if h.log == nil {
		return ""
	}
	size := h.log.Size()
	switch {
	case size > h.config.HardLimit:
		h.config.Logger.Warn("change log exceeded hard limit, forcing snapshot",
			"size", size, "limit", h.config.HardLimit)
		h.stats.SizeCommits++
		return TriggerHardLimit
	case size > limit:
		h.stats.SizeCommits++
		return TriggerSoftLimit
	}
	return ""
}

// Must be called with lock held.
func (h *Heartbeat) recordHeartbeat() {
	if h.log == nil || h.config.Beat == nil {
		return
	}
	b, err := Encode(h.config.Beat())
	if err == nil {
		_, err = h.log.Append(EntryHeartbeat, b)
	}
	if err != nil {
		h.config.Logger.Error("failed to record heartbeat", "error", err)
	}
}

// Must be called with lock held.
func (h *Heartbeat) commit(ctx context.Context, trigger string) error {
	if h.config.OnCommit == nil {
		return nil
	}
	err := h.config.OnCommit(ctx, trigger)
	if err != nil {
		h.stats.FailedCommits++
		h.stats.LastError = err
		if h.config.OnError != nil {
			h.config.OnError(err)
		}
		return err
	}
	h.stats.Commits++
	h.lastCommit = time.Now()
	h.stats.LastCommit = h.lastCommit
	return nil
}
