package index

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docindex-go/internal/config"
)

// Config holds the IVF index parameters.
type Config struct {
	// Dimensions is the fixed vector length D.
	Dimensions int

	// Lists is the number of inverted lists L.
	Lists int

	// NProbe is the default number of lists scanned per search.
	NProbe int

	// ImbalanceThreshold triggers a rebuild when the largest list exceeds
	// the mean list size by this factor.
	ImbalanceThreshold float64

	// MinRebuildSize is the entry count below which automatic rebuilds are
	// skipped. Zero means 4*Lists.
	MinRebuildSize int

	KMeansIterations int

	// MaxTrainingSize caps the number of vectors sampled for k-means.
	MaxTrainingSize int

	// Seed makes centroid training reproducible.
	Seed uint64

	// BusyWait bounds how long an operation waits for a rebuild swap before
	// failing with rag.ErrIndexBusy.
	BusyWait time.Duration

	Registerer prometheus.Registerer
}

func (c *Config) withDefaults() {
	if c.Lists <= 0 {
		c.Lists = 64
	}
	if c.NProbe <= 0 {
		c.NProbe = 4
	}
	if c.ImbalanceThreshold <= 1 {
		c.ImbalanceThreshold = 3
	}
	if c.MinRebuildSize <= 0 {
		c.MinRebuildSize = 4 * c.Lists
	}
	if c.KMeansIterations <= 0 {
		c.KMeansIterations = 10
	}
	if c.MaxTrainingSize <= 0 {
		c.MaxTrainingSize = 50_000
	}
	if c.BusyWait <= 0 {
		c.BusyWait = 250 * time.Millisecond
	}
}

// ConfigFromEnv reads the INDEX_* variables.
func ConfigFromEnv(dims int, reg prometheus.Registerer) Config {
	return Config{
		Dimensions:         dims,
		Lists:              config.EnvInt("INDEX_LISTS", 64),
		NProbe:             config.EnvInt("INDEX_NPROBE", 4),
		ImbalanceThreshold: config.EnvFloat("INDEX_IMBALANCE", 3),
		MinRebuildSize:     config.EnvInt("INDEX_MIN_REBUILD_SIZE", 0),
		KMeansIterations:   config.EnvInt("INDEX_KMEANS_ITERATIONS", 10),
		Seed:               uint64(config.EnvInt64("INDEX_SEED", 1)),
		BusyWait:           config.EnvDuration("INDEX_BUSY_WAIT", 250*time.Millisecond),
		Registerer:         reg,
	}
}
