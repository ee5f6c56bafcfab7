package cluster

import (
	"fmt"
	"time"
)

// ProximityConfig tunes position-based grouping.
type ProximityConfig struct {
	// Threshold is the largest gap, in characters, between neighbours of one cluster.
	Threshold uint32
	// MinClusterSize drops smaller groups; their changes stay unclustered.
	MinClusterSize int
	// MaxClusterSize starts a new cluster once reached.
	MaxClusterSize int
	// Adaptive derives the threshold from the observed gap distribution.
	Adaptive bool
}

// CategoryConfig tunes category grouping.
type CategoryConfig struct {
	WeightByConfidence bool
	MinClusterSize     int
	MaxClusterSize     int
}

// ML algorithm names.
const (
	AlgorithmAuto         = "auto"
	AlgorithmKMeans       = "kmeans"
	AlgorithmDBSCAN       = "dbscan"
	AlgorithmHierarchical = "hierarchical"
)

// MLConfig tunes feature-space clustering.
type MLConfig struct {
	Algorithm      string
	K              int     // 0 picks k from the input size
	Eps            float64 // 0 derives the radius from nearest-neighbour distances
	MinPoints      int
	MaxIterations  int
	Seed           uint64
	MinChanges     int
	MinClusterSize int
}

// Config is the full clustering configuration.
type Config struct {
	// Strategies are tried in order; a strategy that cannot handle the input
	// or fails is skipped. KindAuto ranks every built-in by its estimate.
	Strategies []Kind
	Proximity  ProximityConfig
	Category   CategoryConfig
	ML         MLConfig
	Debounce   time.Duration
}

// DefaultConfig returns the default clustering configuration.
func DefaultConfig() Config {
	return Config{
		Strategies: []Kind{KindProximity, KindCategory},
		Proximity: ProximityConfig{
			Threshold:      100,
			MinClusterSize: 2,
			MaxClusterSize: 50,
		},
		Category: CategoryConfig{
			MinClusterSize: 2,
			MaxClusterSize: 50,
		},
		ML: MLConfig{
			Algorithm:      AlgorithmAuto,
			MinPoints:      3,
			MaxIterations:  50,
			Seed:           1,
			MinChanges:     20,
			MinClusterSize: 2,
		},
		Debounce: 150 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("cluster: no strategies configured")
	}
	for _, k := range c.Strategies {
		switch k {
		case KindProximity, KindCategory, KindML, KindAuto:
		default:
			return fmt.Errorf("cluster: unknown strategy %q", k)
		}
	}
	if c.Proximity.Threshold == 0 {
		return fmt.Errorf("cluster: proximity threshold must be positive")
	}
	if c.Proximity.MinClusterSize < 1 || c.Category.MinClusterSize < 1 {
		return fmt.Errorf("cluster: min cluster size must be at least 1")
	}
	if c.Proximity.MaxClusterSize != 0 && c.Proximity.MaxClusterSize < c.Proximity.MinClusterSize {
		return fmt.Errorf("cluster: proximity max cluster size below min")
	}
	if c.Category.MaxClusterSize != 0 && c.Category.MaxClusterSize < c.Category.MinClusterSize {
		return fmt.Errorf("cluster: category max cluster size below min")
	}
	switch c.ML.Algorithm {
	case AlgorithmAuto, AlgorithmKMeans, AlgorithmDBSCAN, AlgorithmHierarchical:
	default:
		return fmt.Errorf("cluster: unknown ml algorithm %q", c.ML.Algorithm)
	}
	if c.ML.Eps < 0 || c.ML.K < 0 {
		return fmt.Errorf("cluster: ml parameters must not be negative")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("cluster: negative debounce")
	}
	return nil
}
