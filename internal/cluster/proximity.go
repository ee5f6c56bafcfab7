package cluster

import (
	"context"
	"sort"
	"time"

	"changetrack/internal/change"
)

// Adaptive thresholds never drop below this many characters.
const minAdaptiveThreshold = 50

// Proximity groups changes whose ranges sit close together.
type Proximity struct {
	now func() time.Time
}

// NewProximity returns the proximity strategy.
func NewProximity() *Proximity { return &Proximity{now: time.Now} }

func (p *Proximity) Kind() Kind { return KindProximity }

func (p *Proximity) CanHandle(changes []*change.Change, cfg Config) bool {
	return len(changes) > 0 && cfg.Proximity.Threshold > 0
}

func (p *Proximity) EstimatePerformance(n int) Estimate {
	return Estimate{
		Complexity:  "O(n log n)",
		MemoryBytes: int64(n) * 64,
		Accuracy:    0.7,
		Speed:       0.95,
		Scalability: 0.9,
	}
}

// Cluster sorts by position and starts a new group whenever the gap to the
// previous change exceeds the threshold or the group is full.
func (p *Proximity) Cluster(ctx context.Context, changes []*change.Change, cfg Config) ([]*Cluster, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	sorted := make([]*change.Change, len(changes))
	copy(sorted, changes)
	sortByPosition(sorted)

	threshold := cfg.Proximity.Threshold
	if cfg.Proximity.Adaptive {
		threshold = AdaptiveThreshold(sorted, threshold)
	}
	maxSize := cfg.Proximity.MaxClusterSize

	var groups [][]*change.Change
	current := []*change.Change{sorted[0]}
	reach := sorted[0].Position.End
	for i, c := range sorted[1:] {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		gap := uint32(0)
		if c.Position.Start > reach {
			gap = c.Position.Start - reach
		}
		if gap > threshold || (maxSize > 0 && len(current) >= maxSize) {
			groups = append(groups, current)
			current = nil
			reach = 0
		}
		current = append(current, c)
		reach = max(reach, c.Position.End)
	}
	groups = append(groups, current)

	now := p.now()
	var out []*Cluster
	for _, g := range groups {
		if len(g) < max(cfg.Proximity.MinClusterSize, 1) {
			continue
		}
		out = append(out, build(KindProximity, g, proximityCoherence(g, threshold), meanConfidence(g), now))
	}
	return out, nil
}

// proximityCoherence is 1 minus the actual span over the widest span the
// threshold would allow for this many members. g is sorted by position.
func proximityCoherence(g []*change.Change, threshold uint32) float64 {
	if len(g) < 2 {
		return 1
	}
	span := float64(g[len(g)-1].Position.Start - g[0].Position.Start)
	theoretical := float64(len(g)-1) * float64(threshold)
	if theoretical == 0 {
		return 1
	}
	return clamp01(1 - span/theoretical)
}

// AdaptiveThreshold derives a gap threshold from the distance between
// neighbouring changes: the larger of twice the median and the 75th
// percentile, bounded to [50, 2*configured]. sorted must be in position order.
func AdaptiveThreshold(sorted []*change.Change, configured uint32) uint32 {
	if len(sorted) < 3 {
		return configured
	}
	gaps := make([]uint32, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Position.Start > prev.Position.End {
			gaps = append(gaps, cur.Position.Start-prev.Position.End)
		} else {
			gaps = append(gaps, 0)
		}
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := percentile(gaps, 0.5)
	p75 := percentile(gaps, 0.75)

	t := max(2*median, p75)
	upper := 2 * configured
	lower := uint32(minAdaptiveThreshold)
	if upper < lower {
		upper = lower
	}
	return min(max(t, lower), upper)
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []uint32, q float64) uint32 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[min(idx, len(sorted)-1)]
}
