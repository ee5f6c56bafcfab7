// Package health aggregates component checks into a single status.
//
// Persistence running without durable storage reports degraded rather than
// unhealthy: tracking keeps working in memory.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one check.
type Result struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs a health check.
type Check func(ctx context.Context) Result

// Component is a named check. A failing critical component makes the
// overall status unhealthy; a failing non-critical one only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs registered checks and keeps their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]Result
	started    time.Time
	now        func() time.Time
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]Result),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(component Component) {
	if component.Timeout <= 0 {
		component.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[component.Name] = &component
	c.results[component.Name] = Result{Status: StatusUnknown}
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// Run executes every check concurrently and returns their results.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(components))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			r := c.runOne(ctx, comp)
			rmu.Lock()
			results[comp.Name] = r
			rmu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func (c *Checker) runOne(ctx context.Context, comp *Component) Result {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := c.now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result Result
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = Result{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = c.now().Sub(start)
	return result
}

// Results returns the last result of every component.
func (c *Checker) Results() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Overall aggregates the last results.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown, degraded := false, false
	for name, r := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch r.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Report is the JSON body served by Handler.
type Report struct {
	Status     Status            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs every check and aggregates them.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Run(ctx)
	return Report{
		Status:     c.Overall(),
		Uptime:     c.now().Sub(c.started).Round(time.Second).String(),
		Components: components,
		Timestamp:  c.now(),
	}
}

// Handler serves Report. Degraded answers 200; unhealthy and unknown 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		switch report.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// DegradationReporter lists documents whose persistence has failed.
type DegradationReporter interface {
	DegradedDocuments() []string
}

// PersistenceCheck reports degraded while any document runs without
// durable persistence.
func PersistenceCheck(r DegradationReporter) Check {
	return func(ctx context.Context) Result {
		docs := r.DegradedDocuments()
		if len(docs) == 0 {
			return Result{Status: StatusHealthy, Message: "persistence ok"}
		}
		sort.Strings(docs)
		return Result{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d document(s) running in memory only", len(docs)),
			Details: map[string]any{"documents": strings.Join(docs, ",")},
		}
	}
}

// PingCheck wraps a connectivity probe such as a snapshot store ping.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: what + " ok"}
	}
}

// ThresholdCheck degrades when value() exceeds limit.
func ThresholdCheck(what string, value func() int64, limit int64) Check {
	return func(ctx context.Context) Result {
		v := value()
		details := map[string]any{"value": v, "limit": limit}
		if limit > 0 && v > limit {
			return Result{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%s above limit", what),
				Details: details,
			}
		}
		return Result{Status: StatusHealthy, Message: what + " ok", Details: details}
	}
}
