// Package cluster groups pending changes for batch review.
//
// Three strategies are built in:
//   - proximity: neighbours in document position, split on large gaps
//   - category: identical categories, optionally split by confidence band
//   - ml: feature-space clustering (k-means++, DBSCAN, hierarchical)
//
// Strategies are pure: the same input and configuration always produce the
// same clusters with the same ids. The Engine runs them in the background,
// debounced, and swaps in each finished result as a whole.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"changetrack/internal/change"
)

// Kind names a strategy.
type Kind string

const (
	KindProximity Kind = "proximity"
	KindCategory  Kind = "category"
	KindML        Kind = "ml"
	KindAuto      Kind = "auto"
	KindSingleton Kind = "singleton"
)

// ErrStrategy is the sentinel behind *Error.
var ErrStrategy = errors.New("cluster: strategy failed")

// Error wraps a failure from one strategy.
type Error struct {
	Strategy Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cluster: strategy %s: %v", e.Strategy, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrStrategy, e.Err} }

// Estimate describes the expected cost and quality of a strategy for n
// changes. All ratings are in [0,1], higher is better.
type Estimate struct {
	Complexity  string
	MemoryBytes int64
	Accuracy    float64
	Speed       float64
	Scalability float64
}

// Score folds the ratings into one number used for automatic selection.
func (e Estimate) Score() float64 {
	return 0.5*e.Accuracy + 0.3*e.Speed + 0.2*e.Scalability
}

// Strategy is one clustering algorithm.
type Strategy interface {
	Kind() Kind
	Cluster(ctx context.Context, changes []*change.Change, cfg Config) ([]*Cluster, error)
	CanHandle(changes []*change.Change, cfg Config) bool
	EstimatePerformance(n int) Estimate
}

// Centroid summarizes a cluster's members.
type Centroid struct {
	Position   uint32          `json:"position"`
	Span       change.Position `json:"span"`
	Confidence float64         `json:"confidence"`
	Category   string          `json:"category"`
	Source     change.Source   `json:"source"`
}

// Metrics are quality measures in [0,1].
type Metrics struct {
	Coherence  float64 `json:"coherence"`
	Confidence float64 `json:"confidence"`
	Density    float64 `json:"density"`
	Diversity  float64 `json:"diversity"`
}

// Cluster is a group of changes reviewed together.
type Cluster struct {
	ID        string      `json:"id"`
	ChangeIDs []change.ID `json:"change_ids"`
	Strategy  Kind        `json:"strategy"`
	Centroid  Centroid    `json:"centroid"`
	Metrics   Metrics     `json:"metrics"`
	CreatedAt time.Time   `json:"created_at"`
}

// Contains reports whether id is a member.
func (c *Cluster) Contains(id change.ID) bool {
	for _, m := range c.ChangeIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Snapshot is one complete clustering result for a document. Snapshots are
// immutable once published.
type Snapshot struct {
	Generation  uint64      `json:"generation"`
	Strategy    Kind        `json:"strategy"`
	Fallback    bool        `json:"fallback"`
	Clusters    []*Cluster  `json:"clusters"`
	Unclustered []change.ID `json:"unclustered,omitempty"`
	ComputedAt  time.Time   `json:"computed_at"`
	Failures    []error     `json:"-"`
}

// Find returns the cluster with the given id.
func (s *Snapshot) Find(id string) (*Cluster, bool) {
	if s == nil {
		return nil, false
	}
	for _, c := range s.Clusters {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Invalidate returns a copy of the snapshot in which every cluster holding
// one of ids is dissolved. The remaining members of a dissolved cluster move
// to Unclustered until the next recompute; the ids themselves are dropped.
// The receiver is not modified; nil stays nil.
func (s *Snapshot) Invalidate(ids ...change.ID) *Snapshot {
	if s == nil || len(ids) == 0 {
		return s
	}
	drop := make(map[change.ID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	cp := *s
	cp.Clusters = make([]*Cluster, 0, len(s.Clusters))
	cp.Unclustered = nil
	for _, id := range s.Unclustered {
		if !drop[id] {
			cp.Unclustered = append(cp.Unclustered, id)
		}
	}
	for _, c := range s.Clusters {
		if !slices.ContainsFunc(c.ChangeIDs, func(id change.ID) bool { return drop[id] }) {
			cp.Clusters = append(cp.Clusters, c)
			continue
		}
		for _, id := range c.ChangeIDs {
			if !drop[id] {
				cp.Unclustered = append(cp.Unclustered, id)
			}
		}
	}
	return &cp
}

// ClusterOf returns the cluster holding a change.
func (s *Snapshot) ClusterOf(id change.ID) (*Cluster, bool) {
	if s == nil {
		return nil, false
	}
	for _, c := range s.Clusters {
		if c.Contains(id) {
			return c, true
		}
	}
	return nil, false
}

// clusterID derives a stable id from the strategy and membership.
func clusterID(kind Kind, members []*change.Change) string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m.ID)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(string(kind) + "|" + strings.Join(ids, ",")))
	return "cl-" + hex.EncodeToString(sum[:8])
}

// build assembles a cluster from members, filling in the centroid and the
// metrics that do not depend on the strategy.
func build(kind Kind, members []*change.Change, coherence, confidence float64, now time.Time) *Cluster {
	ordered := make([]*change.Change, len(members))
	copy(ordered, members)
	sortByPosition(ordered)

	c := &Cluster{
		ID:        clusterID(kind, ordered),
		Strategy:  kind,
		CreatedAt: now,
	}
	span := change.Position{Start: ordered[0].Position.Start, End: ordered[0].Position.End}
	var posSum, confSum float64
	var covered uint64
	cats := make(map[string]int)
	srcs := make(map[change.Source]int)
	for _, m := range ordered {
		c.ChangeIDs = append(c.ChangeIDs, m.ID)
		span.Start = min(span.Start, m.Position.Start)
		span.End = max(span.End, m.Position.End)
		posSum += float64(m.Position.Start)
		confSum += m.Confidence
		covered += uint64(max(m.Position.Len(), 1))
		cats[m.Category]++
		srcs[m.Source]++
	}
	n := float64(len(ordered))

	c.Centroid = Centroid{
		Position:   uint32(math.Round(posSum / n)),
		Span:       span,
		Confidence: confSum / n,
		Category:   dominant(cats),
		Source:     change.Source(dominant(srcs)),
	}
	c.Metrics = Metrics{
		Coherence:  clamp01(coherence),
		Confidence: clamp01(confidence),
		Density:    clamp01(float64(covered) / float64(max(span.Len(), 1))),
		Diversity:  diversity(len(cats), len(ordered)),
	}
	return c
}

func dominant[K ~string](counts map[K]int) K {
	var best K
	bestN := -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func diversity(distinct, n int) float64 {
	if n <= 1 {
		return 0
	}
	return clamp01(float64(distinct-1) / float64(n-1))
}

func meanConfidence(members []*change.Change) float64 {
	if len(members) == 0 {
		return 0
	}
	var s float64
	for _, m := range members {
		s += m.Confidence
	}
	return s / float64(len(members))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// sortByPosition orders by start offset, then submission order.
func sortByPosition(cs []*change.Change) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Position.Start != cs[j].Position.Start {
			return cs[i].Position.Start < cs[j].Position.Start
		}
		return cs[i].Seq < cs[j].Seq
	})
}

// chunk splits members into runs of at most size.
func chunk(members []*change.Change, size int) [][]*change.Change {
	if size <= 0 || len(members) <= size {
		return [][]*change.Change{members}
	}
	var out [][]*change.Change
	for len(members) > size {
		out = append(out, members[:size])
		members = members[size:]
	}
	if len(members) > 0 {
		out = append(out, members)
	}
	return out
}
