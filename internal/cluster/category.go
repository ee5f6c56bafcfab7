package cluster

import (
	"context"
	"math"
	"sort"
	"time"

	"changetrack/internal/change"
)

// Confidence bands used when weighting by confidence.
var confidenceBands = []float64{0.8, 0.5, 0}

// Category groups changes with the same category.
type Category struct {
	now func() time.Time
}

// NewCategory returns the category strategy.
func NewCategory() *Category { return &Category{now: time.Now} }

func (c *Category) Kind() Kind { return KindCategory }

func (c *Category) CanHandle(changes []*change.Change, cfg Config) bool {
	return len(changes) > 0
}

func (c *Category) EstimatePerformance(n int) Estimate {
	return Estimate{
		Complexity:  "O(n log n)",
		MemoryBytes: int64(n) * 48,
		Accuracy:    0.6,
		Speed:       1.0,
		Scalability: 1.0,
	}
}

// Cluster groups by exact category. With WeightByConfidence each category
// is split into confidence bands, bands are emitted highest first, and the
// cluster confidence is weighted toward its most confident members.
func (c *Category) Cluster(ctx context.Context, changes []*change.Change, cfg Config) ([]*Cluster, error) {
	byCat := make(map[string][]*change.Change)
	for _, ch := range changes {
		byCat[ch.Category] = append(byCat[ch.Category], ch)
	}
	cats := make([]string, 0, len(byCat))
	for k := range byCat {
		cats = append(cats, k)
	}
	sort.Strings(cats)

	minSize := max(cfg.Category.MinClusterSize, 1)
	weighted := cfg.Category.WeightByConfidence
	now := c.now()

	var out []*Cluster
	for _, cat := range cats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		members := byCat[cat]
		var buckets [][]*change.Change
		if weighted {
			buckets = bandByConfidence(members)
		} else {
			sortByPosition(members)
			buckets = [][]*change.Change{members}
		}
		for _, b := range buckets {
			for _, g := range chunk(b, cfg.Category.MaxClusterSize) {
				if len(g) < minSize {
					continue
				}
				conf := meanConfidence(g)
				if weighted {
					conf = weightedConfidence(g)
				}
				out = append(out, build(KindCategory, g, categoryCoherence(g), conf, now))
			}
		}
	}

	if weighted {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Metrics.Confidence > out[j].Metrics.Confidence
		})
	}
	return out, nil
}

// bandByConfidence sorts by confidence, highest first, and splits at the
// band edges. Empty bands are omitted.
func bandByConfidence(members []*change.Change) [][]*change.Change {
	sorted := make([]*change.Change, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	out := make([][]*change.Change, len(confidenceBands))
	for _, m := range sorted {
		for bi, floor := range confidenceBands {
			if m.Confidence >= floor {
				out[bi] = append(out[bi], m)
				break
			}
		}
	}
	var nonEmpty [][]*change.Change
	for _, b := range out {
		if len(b) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	return nonEmpty
}

// weightedConfidence is sum(c^2)/sum(c): each member weighted by its own confidence.
func weightedConfidence(g []*change.Change) float64 {
	var num, den float64
	for _, m := range g {
		num += m.Confidence * m.Confidence
		den += m.Confidence
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// categoryCoherence drops as member confidences spread apart.
func categoryCoherence(g []*change.Change) float64 {
	if len(g) < 2 {
		return 1
	}
	mean := meanConfidence(g)
	var v float64
	for _, m := range g {
		d := m.Confidence - mean
		v += d * d
	}
	return clamp01(1 - 2*math.Sqrt(v/float64(len(g))))
}
