package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"changetrack/internal/change"
	"changetrack/internal/worker"
)

// Source is the document side of the engine. ClusterInput runs under the
// document's read lock; ApplyClusters under its write lock, and must return
// false when gen no longer matches the document.
type Source interface {
	ClusterInput() (gen uint64, changes []*change.Change)
	ApplyClusters(gen uint64, snap *Snapshot) bool
}

// Observer receives recompute timings. outcome is applied, discarded, or failed.
type Observer interface {
	ObserveRecompute(strategy string, d time.Duration, outcome string)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Config   Config
	Pool     *worker.Pool
	Logger   *slog.Logger
	Observer Observer
	// OnError is called from the engine goroutine for strategy failures
	// and failed recomputes.
	OnError func(err error)
	// OnApplied is called from the engine goroutine after a snapshot is installed.
	OnApplied func(snap *Snapshot)
}

// token marks one scheduled recompute. Cancelling it makes the worker drop
// its result instead of applying it.
type token struct {
	gen       uint64
	cancelled atomic.Bool
}

func (t *token) cancel()           { t.cancelled.Store(true) }
func (t *token) isCancelled() bool { return t.cancelled.Load() }

type result struct {
	tok  *token
	gen  uint64
	snap *Snapshot
	err  error
	took time.Duration
}

type waiter struct {
	gen  uint64
	done chan struct{}
}

// Engine recomputes clusters for one document in the background. Every
// mutation calls Notify; the engine waits for the debounce window to go quiet,
// computes on the worker pool, and hands the finished snapshot back through
// Source.ApplyClusters. Results for superseded generations are discarded.
type Engine struct {
	cfg        atomic.Pointer[Config]
	strategies map[Kind]Strategy
	pool       *worker.Pool
	src        Source
	logger     *slog.Logger
	observer   Observer
	onError    func(error)
	onApplied  func(*Snapshot)

	latest  atomic.Uint64
	signal  chan struct{}
	results chan result
	settle  chan waiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates an engine for src. Call Start before Notify.
func NewEngine(src Source, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		strategies: map[Kind]Strategy{
			KindProximity: NewProximity(),
			KindCategory:  NewCategory(),
			KindML:        NewML(),
		},
		pool:      opts.Pool,
		src:       src,
		logger:    logger.With("component", "cluster"),
		observer:  opts.Observer,
		onError:   opts.OnError,
		onApplied: opts.OnApplied,
		signal:    make(chan struct{}, 1),
		results:   make(chan result),
		settle:    make(chan waiter),
		done:      make(chan struct{}),
	}
	cfg := opts.Config
	e.cfg.Store(&cfg)
	return e
}

// Register adds or replaces a strategy.
func (e *Engine) Register(s Strategy) {
	e.strategies[s.Kind()] = s
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// SetConfig swaps the configuration. The next recompute uses it.
func (e *Engine) SetConfig(cfg Config) { e.cfg.Store(&cfg) }

// Start launches the scheduling goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		go e.run(ctx)
	})
}

// Stop halts scheduling. In-flight results are dropped.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Notify records that the document reached generation gen. It never blocks,
// so it is safe to call while holding the document lock.
func (e *Engine) Notify(gen uint64) {
	for {
		cur := e.latest.Load()
		if gen <= cur || e.latest.CompareAndSwap(cur, gen) {
			break
		}
	}
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Settle blocks until every notified generation has been computed and
// either applied or superseded.
func (e *Engine) Settle(ctx context.Context) error {
	w := waiter{gen: e.latest.Load(), done: make(chan struct{})}
	select {
	case e.settle <- w:
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		pending  *token
		seen     uint64
		inflight = make(map[*token]struct{})
		waiters  []waiter
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for tok := range inflight {
				tok.cancel()
			}
			for _, w := range waiters {
				close(w.done)
			}
			return

		case <-e.signal:
			gen := e.latest.Load()
			if gen <= seen {
				break
			}
			seen = gen
			if pending != nil {
				pending.cancel()
			}
			for tok := range inflight {
				tok.cancel()
			}
			pending = &token{gen: gen}
			debounce := e.Config().Debounce
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
			e.logger.Debug("recompute scheduled", "generation", gen, "debounce", debounce)

		case <-timerC:
			timerC = nil
			tok := pending
			pending = nil
			if tok == nil || tok.isCancelled() {
				break
			}
			inflight[tok] = struct{}{}
			if err := e.dispatch(ctx, tok); err != nil {
				delete(inflight, tok)
				e.fail(err)
			}

		case res := <-e.results:
			delete(inflight, res.tok)
			e.finish(res)

		case w := <-e.settle:
			waiters = append(waiters, w)
		}

		if pending == nil && len(inflight) == 0 && len(waiters) > 0 {
			kept := waiters[:0]
			for _, w := range waiters {
				if w.gen <= seen {
					close(w.done)
				} else {
					kept = append(kept, w)
				}
			}
			waiters = kept
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, tok *token) error {
	job := func(jobCtx context.Context) {
		if tok.isCancelled() {
			e.deliver(ctx, result{tok: tok})
			return
		}
		start := time.Now()
		gen, changes := e.src.ClusterInput()
		snap, err := e.Compute(jobCtx, changes)
		if snap != nil {
			snap.Generation = gen
		}
		e.deliver(ctx, result{tok: tok, gen: gen, snap: snap, err: err, took: time.Since(start)})
	}
	if e.pool == nil {
		go job(ctx)
		return nil
	}
	return e.pool.Submit("cluster-recompute", job)
}

func (e *Engine) deliver(ctx context.Context, r result) {
	select {
	case e.results <- r:
	case <-ctx.Done():
	}
}

func (e *Engine) finish(res result) {
	strategy := ""
	if res.snap != nil {
		strategy = string(res.snap.Strategy)
	}
	switch {
	case res.tok.isCancelled():
		e.observe(strategy, res.took, "discarded")
		e.logger.Debug("recompute superseded", "generation", res.tok.gen)
	case res.err != nil:
		e.observe(strategy, res.took, "failed")
		e.fail(res.err)
	case !e.src.ApplyClusters(res.gen, res.snap):
		e.observe(strategy, res.took, "discarded")
		e.logger.Debug("recompute stale", "generation", res.gen)
	default:
		e.observe(strategy, res.took, "applied")
		for _, f := range res.snap.Failures {
			e.fail(f)
		}
		if e.onApplied != nil {
			e.onApplied(res.snap)
		}
	}
}

func (e *Engine) observe(strategy string, d time.Duration, outcome string) {
	if e.observer != nil {
		e.observer.ObserveRecompute(strategy, d, outcome)
	}
}

func (e *Engine) fail(err error) {
	e.logger.Warn("clustering failure", "error", err)
	if e.onError != nil {
		e.onError(err)
	}
}

// Compute runs the configured strategy chain synchronously. A strategy that
// cannot handle the input is skipped; one that fails is recorded in
// Snapshot.Failures and the next is tried. When nothing succeeds every change
// becomes its own singleton cluster. Only context errors are returned.
func (e *Engine) Compute(ctx context.Context, changes []*change.Change) (*Snapshot, error) {
	cfg := e.Config()
	snap := &Snapshot{ComputedAt: time.Now()}
	if len(changes) == 0 {
		snap.Strategy = firstKind(cfg)
		return snap, nil
	}

	for i, s := range e.order(changes, cfg) {
		if !s.CanHandle(changes, cfg) {
			continue
		}
		clusters, err := s.Cluster(ctx, changes, cfg)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			snap.Failures = append(snap.Failures, &Error{Strategy: s.Kind(), Err: err})
			continue
		}
		snap.Strategy = s.Kind()
		snap.Fallback = i > 0
		snap.Clusters = clusters
		snap.Unclustered = unclustered(changes, clusters)
		return snap, nil
	}

	snap.Strategy = KindSingleton
	snap.Fallback = true
	snap.Clusters = Singletons(changes, snap.ComputedAt)
	return snap, nil
}

// order expands the configured list into strategies, resolving KindAuto by
// ranking every built-in on its estimate for this input size.
func (e *Engine) order(changes []*change.Change, cfg Config) []Strategy {
	var out []Strategy
	seen := make(map[Kind]bool)
	for _, k := range cfg.Strategies {
		if k == KindAuto {
			for _, s := range e.Rank(changes, cfg) {
				if !seen[s.Kind()] {
					seen[s.Kind()] = true
					out = append(out, s)
				}
			}
			continue
		}
		if s, ok := e.strategies[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

// Rank returns the strategies that can handle changes, best estimate first.
func (e *Engine) Rank(changes []*change.Change, cfg Config) []Strategy {
	var cands []Strategy
	for _, s := range e.strategies {
		if s.CanHandle(changes, cfg) {
			cands = append(cands, s)
		}
	}
	n := len(changes)
	sort.Slice(cands, func(i, j int) bool {
		si, sj := cands[i].EstimatePerformance(n).Score(), cands[j].EstimatePerformance(n).Score()
		if si != sj {
			return si > sj
		}
		return cands[i].Kind() < cands[j].Kind()
	})
	return cands
}

// Singletons puts every change in its own cluster.
func Singletons(changes []*change.Change, now time.Time) []*Cluster {
	sorted := make([]*change.Change, len(changes))
	copy(sorted, changes)
	sortByPosition(sorted)
	out := make([]*Cluster, len(sorted))
	for i, c := range sorted {
		out[i] = build(KindSingleton, []*change.Change{c}, 1, c.Confidence, now)
	}
	return out
}

func unclustered(changes []*change.Change, clusters []*Cluster) []change.ID {
	in := make(map[change.ID]bool)
	for _, c := range clusters {
		for _, id := range c.ChangeIDs {
			in[id] = true
		}
	}
	sorted := make([]*change.Change, len(changes))
	copy(sorted, changes)
	sortByPosition(sorted)
	var out []change.ID
	for _, c := range sorted {
		if !in[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

func firstKind(cfg Config) Kind {
	if len(cfg.Strategies) == 0 {
		return KindSingleton
	}
	return cfg.Strategies[0]
}

// IsStrategyError reports whether err came from a strategy.
func IsStrategyError(err error) bool {
	return errors.Is(err, ErrStrategy)
}
