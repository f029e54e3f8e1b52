// Package cluster groups classified conversations into themes by
// embedding similarity. The engine is an online single-pass
// clusterer: each conversation either joins the nearest existing
// cluster or seeds a new one, and a periodic merge pass collapses
// clusters whose centroids drifted together.
package cluster

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures the cluster engine.
type Config struct {
	// AssignThreshold is the minimum cosine similarity for a
	// conversation to join an existing cluster. Below it, the
	// conversation seeds a new cluster.
	AssignThreshold float64

	// MergeThreshold is the minimum centroid similarity for two
	// clusters to merge. Must be >= AssignThreshold.
	MergeThreshold float64
}

// DefaultConfig returns the thresholds we run in production.
func DefaultConfig() Config {
	return Config{
		AssignThreshold: 0.82,
		MergeThreshold:  0.9,
	}
}

// Validate checks threshold sanity.
func (c Config) Validate() error {
	if c.AssignThreshold <= 0 || c.AssignThreshold > 1 {
		return fmt.Errorf("assign threshold must be in (0, 1], got %v", c.AssignThreshold)
	}
	if c.MergeThreshold < c.AssignThreshold || c.MergeThreshold > 1 {
		return fmt.Errorf("merge threshold must be in [assign threshold, 1], got %v", c.MergeThreshold)
	}
	return nil
}

// Cluster is one theme candidate with a running centroid.
type Cluster struct {
	ID          string
	Label       string
	ProductArea string
	Centroid    []float32
	Count       int

	// labelCounts tracks member labels so the cluster's display
	// label follows the majority as it grows.
	labelCounts map[string]int
}

// Assignment is the result of assigning one conversation.
type Assignment struct {
	ThemeID    string
	Label      string
	Similarity float64
	Created    bool
}

// Merge records that one cluster was absorbed into another.
type Merge struct {
	FromID string
	IntoID string
}

// Engine is the in-memory clusterer. Safe for concurrent use.
type Engine struct {
	config   Config
	logger   *zap.Logger
	mu       sync.Mutex
	clusters []*Cluster
}

// NewEngine creates a cluster engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{config: cfg, logger: logger}, nil
}

// Seed restores clusters persisted by a previous run.
func (e *Engine) Seed(clusters []Cluster) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range clusters {
		c := clusters[i]
		if c.labelCounts == nil {
			c.labelCounts = map[string]int{c.Label: c.Count}
		}
		e.clusters = append(e.clusters, &c)
	}
	e.logger.Info("cluster engine seeded", zap.Int("clusters", len(clusters)))
}

// Assign places one conversation. The embedding must be non-empty and
// of the same dimension as existing centroids.
func (e *Engine) Assign(label, productArea string, embedding []float32) (Assignment, error) {
	if len(embedding) == 0 {
		return Assignment{}, fmt.Errorf("empty embedding")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	best, bestSim := e.nearest(embedding)
	if best != nil && bestSim >= e.config.AssignThreshold {
		best.absorb(label, embedding)
		return Assignment{
			ThemeID:    best.ID,
			Label:      best.Label,
			Similarity: bestSim,
		}, nil
	}

	c := &Cluster{
		ID:          uuid.NewString(),
		Label:       label,
		ProductArea: productArea,
		Centroid:    append([]float32(nil), embedding...),
		Count:       1,
		labelCounts: map[string]int{label: 1},
	}
	e.clusters = append(e.clusters, c)

	return Assignment{ThemeID: c.ID, Label: c.Label, Similarity: 1, Created: true}, nil
}

// nearest returns the closest cluster and its similarity. Caller holds
// the lock.
func (e *Engine) nearest(embedding []float32) (*Cluster, float64) {
	var best *Cluster
	bestSim := -1.0
	for _, c := range e.clusters {
		if len(c.Centroid) != len(embedding) {
			continue
		}
		sim := CosineSimilarity(c.Centroid, embedding)
		if sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best, bestSim
}

// absorb folds one member into the cluster's running centroid.
func (c *Cluster) absorb(label string, embedding []float32) {
	n := float32(c.Count)
	for i := range c.Centroid {
		c.Centroid[i] = (c.Centroid[i]*n + embedding[i]) / (n + 1)
	}
	c.Count++

	if c.labelCounts == nil {
		c.labelCounts = map[string]int{c.Label: c.Count - 1}
	}
	c.labelCounts[label]++
	// Majority label wins; ties keep the current label.
	if c.labelCounts[label] > c.labelCounts[c.Label] {
		c.Label = label
	}
}

// MergePass collapses cluster pairs whose centroids are closer than
// the merge threshold. Smaller clusters merge into larger ones.
func (e *Engine) MergePass() []Merge {
	e.mu.Lock()
	defer e.mu.Unlock()

	var merges []Merge
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(e.clusters) && !changed; i++ {
			for j := i + 1; j < len(e.clusters); j++ {
				a, b := e.clusters[i], e.clusters[j]
				if len(a.Centroid) != len(b.Centroid) {
					continue
				}
				if CosineSimilarity(a.Centroid, b.Centroid) < e.config.MergeThreshold {
					continue
				}

				into, from := a, b
				if from.Count > into.Count {
					into, from = from, into
				}
				into.merge(from)
				merges = append(merges, Merge{FromID: from.ID, IntoID: into.ID})
				e.remove(from.ID)
				changed = true
				break
			}
		}
	}

	if len(merges) > 0 {
		e.logger.Info("merged clusters", zap.Int("merges", len(merges)))
	}
	return merges
}

func (c *Cluster) merge(other *Cluster) {
	na, nb := float32(c.Count), float32(other.Count)
	for i := range c.Centroid {
		c.Centroid[i] = (c.Centroid[i]*na + other.Centroid[i]*nb) / (na + nb)
	}
	c.Count += other.Count

	if c.labelCounts == nil {
		c.labelCounts = map[string]int{c.Label: c.Count - other.Count}
	}
	for label, n := range other.labelCounts {
		c.labelCounts[label] += n
		if c.labelCounts[label] > c.labelCounts[c.Label] {
			c.Label = label
		}
	}
}

func (e *Engine) remove(id string) {
	for i, c := range e.clusters {
		if c.ID == id {
			e.clusters = append(e.clusters[:i], e.clusters[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of all clusters, largest first.
func (e *Engine) Snapshot() []Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Cluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		out = append(out, Cluster{
			ID:          c.ID,
			Label:       c.Label,
			ProductArea: c.ProductArea,
			Centroid:    append([]float32(nil), c.Centroid...),
			Count:       c.Count,
		})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Count > out[i].Count {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// SetLabel renames a cluster, typically after an LLM produced a better
// name than the dominant member label. Later assignments resume
// majority tracking from the member labels.
func (e *Engine) SetLabel(id, label string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.clusters {
		if c.ID == id {
			c.Label = label
			return true
		}
	}
	return false
}

// Get returns a copy of one cluster.
func (e *Engine) Get(id string) (Cluster, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.clusters {
		if c.ID == id {
			return Cluster{
				ID:          c.ID,
				Label:       c.Label,
				ProductArea: c.ProductArea,
				Centroid:    append([]float32(nil), c.Centroid...),
				Count:       c.Count,
			}, true
		}
	}
	return Cluster{}, false
}
