package cluster

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"changetrack/internal/change"
)

// Feature weights. Position dominates; one-hot categories keep unrelated
// edits apart without swamping location.
const (
	weightPosition   = 1.0
	weightConfidence = 0.5
	weightCategory   = 0.35

	maxHierarchical = 500

	// defaultLinkageCut is the merge distance used when none is configured,
	// a tenth of the position axis.
	defaultLinkageCut = 0.1
)

const (
	labelNoise     = -1
	labelUnvisited = -2
)

// ML clusters changes in a feature space of position, confidence and
// category. The algorithm is configured or picked from the data.
type ML struct {
	now func() time.Time
}

// NewML returns the feature-space strategy.
func NewML() *ML { return &ML{now: time.Now} }

func (m *ML) Kind() Kind { return KindML }

func (m *ML) CanHandle(changes []*change.Change, cfg Config) bool {
	return len(changes) >= max(cfg.ML.MinChanges, 2)
}

func (m *ML) EstimatePerformance(n int) Estimate {
	return Estimate{
		Complexity:  "O(n^2)",
		MemoryBytes: int64(n) * int64(n) * 8,
		Accuracy:    0.9,
		Speed:       1 / (1 + float64(n)/250),
		Scalability: 0.3,
	}
}

func (m *ML) Cluster(ctx context.Context, changes []*change.Change, cfg Config) ([]*Cluster, error) {
	if len(changes) < 2 {
		return nil, nil
	}
	sorted := make([]*change.Change, len(changes))
	copy(sorted, changes)
	sortByPosition(sorted)
	X := Features(sorted)

	alg := cfg.ML.Algorithm
	if alg == "" || alg == AlgorithmAuto {
		alg = SelectAlgorithm(X)
	}

	var (
		labels []int
		err    error
	)
	switch alg {
	case AlgorithmKMeans:
		labels, err = kmeans(ctx, X, chooseK(cfg.ML.K, len(X)), max(cfg.ML.MaxIterations, 1), cfg.ML.Seed)
	case AlgorithmDBSCAN:
		eps := cfg.ML.Eps
		if eps == 0 {
			mean, std := nnStats(X)
			eps = 1.5 * (mean + std)
		}
		labels, err = dbscan(ctx, X, eps, max(cfg.ML.MinPoints, 1))
	case AlgorithmHierarchical:
		if len(X) > maxHierarchical {
			return nil, fmt.Errorf("hierarchical clustering is limited to %d changes, got %d", maxHierarchical, len(X))
		}
		cut := cfg.ML.Eps
		if cut == 0 {
			mean, _ := nnStats(X)
			cut = max(2*mean, defaultLinkageCut)
		}
		labels, err = agglomerate(ctx, X, cut)
	default:
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
	if err != nil {
		return nil, err
	}

	// Group by label in order of first appearance.
	index := make(map[int]int)
	var groups [][]int
	for i, l := range labels {
		if l == labelNoise {
			continue
		}
		gi, ok := index[l]
		if !ok {
			gi = len(groups)
			index[l] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], i)
	}

	now := m.now()
	minSize := max(cfg.ML.MinClusterSize, 1)
	var out []*Cluster
	for _, g := range groups {
		if len(g) < minSize {
			continue
		}
		members := make([]*change.Change, len(g))
		for i, idx := range g {
			members[i] = sorted[idx]
		}
		out = append(out, build(KindML, members, featureCoherence(X, g), meanConfidence(members), now))
	}
	return out, nil
}

// Features maps changes to weighted vectors: normalized start offset,
// confidence, then one-hot category in alphabetical order.
func Features(changes []*change.Change) [][]float64 {
	var maxEnd uint32 = 1
	cats := make(map[string]int)
	for _, c := range changes {
		maxEnd = max(maxEnd, c.Position.End)
		cats[c.Category] = 0
	}
	names := make([]string, 0, len(cats))
	for k := range cats {
		names = append(names, k)
	}
	sort.Strings(names)
	for i, k := range names {
		cats[k] = i
	}

	X := make([][]float64, len(changes))
	for i, c := range changes {
		v := make([]float64, 2+len(names))
		v[0] = weightPosition * float64(c.Position.Start) / float64(maxEnd)
		v[1] = weightConfidence * c.Confidence
		v[2+cats[c.Category]] = weightCategory
		X[i] = v
	}
	return X
}

// SelectAlgorithm picks an algorithm from the nearest-neighbour distance
// distribution: uneven density favours DBSCAN, small inputs hierarchical,
// everything else k-means.
func SelectAlgorithm(X [][]float64) string {
	mean, std := nnStats(X)
	switch {
	case mean > 0 && std/mean > 1:
		return AlgorithmDBSCAN
	case len(X) <= 200:
		return AlgorithmHierarchical
	default:
		return AlgorithmKMeans
	}
}

func chooseK(k, n int) int {
	if k <= 0 {
		k = int(math.Round(math.Sqrt(float64(n) / 2)))
		k = min(max(k, 2), 20)
	}
	return min(k, n)
}

func sqdist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func dist(a, b []float64) float64 { return math.Sqrt(sqdist(a, b)) }

// nnStats returns the mean and standard deviation of each point's distance
// to its nearest neighbour.
func nnStats(X [][]float64) (float64, float64) {
	if len(X) < 2 {
		return 0, 0
	}
	nn := make([]float64, len(X))
	for i := range X {
		best := math.Inf(1)
		for j := range X {
			if i != j {
				best = math.Min(best, sqdist(X[i], X[j]))
			}
		}
		nn[i] = math.Sqrt(best)
	}
	var sum float64
	for _, d := range nn {
		sum += d
	}
	mean := sum / float64(len(nn))
	var v float64
	for _, d := range nn {
		v += (d - mean) * (d - mean)
	}
	return mean, math.Sqrt(v / float64(len(nn)))
}

// kmeans runs Lloyd's algorithm from a k-means++ seeding.
func kmeans(ctx context.Context, X [][]float64, k, iterations int, seed uint64) ([]int, error) {
	n := len(X)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	centers := [][]float64{append([]float64(nil), X[rng.IntN(n)]...)}
	d2 := make([]float64, n)
	for len(centers) < k {
		var total float64
		for i, x := range X {
			best := math.Inf(1)
			for _, c := range centers {
				best = math.Min(best, sqdist(x, c))
			}
			d2[i] = best
			total += best
		}
		if total == 0 {
			break
		}
		r := rng.Float64() * total
		pick := n - 1
		for i, d := range d2 {
			r -= d
			if r <= 0 {
				pick = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), X[pick]...))
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnvisited
	}
	dim := len(X[0])
	for it := 0; it < iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := false
		for i, x := range X {
			best, bestD := 0, math.Inf(1)
			for ci, c := range centers {
				if d := sqdist(x, c); d < bestD {
					best, bestD = ci, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([][]float64, len(centers))
		counts := make([]int, len(centers))
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, x := range X {
			counts[labels[i]]++
			for d, v := range x {
				sums[labels[i]][d] += v
			}
		}
		for ci := range centers {
			if counts[ci] == 0 {
				continue
			}
			for d := range sums[ci] {
				centers[ci][d] = sums[ci][d] / float64(counts[ci])
			}
		}
	}
	return labels, nil
}

// dbscan labels dense regions; sparse points get labelNoise.
func dbscan(ctx context.Context, X [][]float64, eps float64, minPts int) ([]int, error) {
	n := len(X)
	eps2 := eps * eps
	region := func(i int) []int {
		var out []int
		for j := range X {
			if sqdist(X[i], X[j]) <= eps2 {
				out = append(out, j)
			}
		}
		return out
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnvisited
	}
	next := 0
	for i := range X {
		if labels[i] != labelUnvisited {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nb := region(i)
		if len(nb) < minPts {
			labels[i] = labelNoise
			continue
		}
		labels[i] = next
		queue := nb
		for q := 0; q < len(queue); q++ {
			j := queue[q]
			if labels[j] == labelNoise {
				labels[j] = next
			}
			if labels[j] != labelUnvisited {
				continue
			}
			labels[j] = next
			if nbj := region(j); len(nbj) >= minPts {
				queue = append(queue, nbj...)
			}
		}
		next++
	}
	return labels, nil
}

// agglomerate merges the closest pair of groups under average linkage until
// the closest pair is farther apart than cut.
func agglomerate(ctx context.Context, X [][]float64, cut float64) ([]int, error) {
	n := len(X)
	D := make([][]float64, n)
	for i := range D {
		D[i] = make([]float64, n)
		for j := range D[i] {
			D[i][j] = dist(X[i], X[j])
		}
	}
	members := make([][]int, n)
	active := make([]bool, n)
	for i := range members {
		members[i] = []int{i}
		active[i] = true
	}

	for remaining := n; remaining > 1; remaining-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && D[i][j] < best {
					bi, bj, best = i, j, D[i][j]
				}
			}
		}
		if bi < 0 || best > cut {
			break
		}
		ni, nj := float64(len(members[bi])), float64(len(members[bj]))
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			d := (ni*D[bi][k] + nj*D[bj][k]) / (ni + nj)
			D[bi][k], D[k][bi] = d, d
		}
		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		active[bj] = false
	}

	labels := make([]int, n)
	label := 0
	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		for _, m := range members[i] {
			labels[m] = label
		}
		label++
	}
	return labels, nil
}

// featureCoherence is 1 minus the mean distance to the group centroid,
// relative to half the feature-space diameter.
func featureCoherence(X [][]float64, g []int) float64 {
	if len(g) < 2 {
		return 1
	}
	dim := len(X[g[0]])
	centroid := make([]float64, dim)
	for _, i := range g {
		for d, v := range X[i] {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(g))
	}
	var sum float64
	for _, i := range g {
		sum += dist(X[i], centroid)
	}
	diameter := math.Sqrt(weightPosition*weightPosition + weightConfidence*weightConfidence + 2*weightCategory*weightCategory)
	return clamp01(1 - (sum/float64(len(g)))/(diameter/2))
}
