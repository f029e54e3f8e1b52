package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero assign", Config{AssignThreshold: 0, MergeThreshold: 0.9}, true},
		{"assign above one", Config{AssignThreshold: 1.5, MergeThreshold: 1.6}, true},
		{"merge below assign", Config{AssignThreshold: 0.9, MergeThreshold: 0.8}, true},
		{"equal thresholds", Config{AssignThreshold: 0.85, MergeThreshold: 0.85}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestAssignCreatesAndJoins(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)

	first, err := e.Assign("billing-double-charge", "billing", []float32{1, 0, 0})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "billing-double-charge", first.Label)

	// Nearly identical vector joins the same cluster.
	second, err := e.Assign("billing-duplicate-invoice", "billing", []float32{0.99, 0.01, 0})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ThemeID, second.ThemeID)
	assert.Greater(t, second.Similarity, 0.82)

	// Orthogonal vector seeds a new cluster.
	third, err := e.Assign("auth-login-failure", "auth", []float32{0, 1, 0})
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.NotEqual(t, first.ThemeID, third.ThemeID)

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 2, snap[0].Count)
	assert.Equal(t, 1, snap[1].Count)
}

func TestAssignEmptyEmbedding(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = e.Assign("x", "y", nil)
	require.Error(t, err)
}

func TestMajorityLabelWins(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = e.Assign("label-a", "area", []float32{1, 0})
	require.NoError(t, err)
	_, err = e.Assign("label-b", "area", []float32{1, 0.01})
	require.NoError(t, err)
	last, err := e.Assign("label-b", "area", []float32{1, 0.02})
	require.NoError(t, err)

	assert.Equal(t, "label-b", last.Label)
}

func TestMergePass(t *testing.T) {
	cfg := Config{AssignThreshold: 0.95, MergeThreshold: 0.98}
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	// Clusters whose centroids drifted inside the merge threshold
	// over previous runs. cos([1,0.05,0],[1,-0.05,0]) ~= 0.995.
	e.Seed([]Cluster{
		{ID: "big", Label: "label-a", ProductArea: "area", Centroid: []float32{1, 0.05, 0}, Count: 5},
		{ID: "small", Label: "label-b", ProductArea: "area", Centroid: []float32{1, -0.05, 0}, Count: 2},
	})

	merges := e.MergePass()
	require.Len(t, merges, 1)
	assert.Equal(t, "small", merges[0].FromID)
	assert.Equal(t, "big", merges[0].IntoID)

	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 7, snap[0].Count)
	assert.Equal(t, "label-a", snap[0].Label)
}

func TestMergePassNoMerges(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = e.Assign("a", "x", []float32{1, 0})
	require.NoError(t, err)
	_, err = e.Assign("b", "y", []float32{0, 1})
	require.NoError(t, err)

	assert.Empty(t, e.MergePass())
	assert.Len(t, e.Snapshot(), 2)
}

func TestSeedRestoresClusters(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)

	e.Seed([]Cluster{
		{ID: "t1", Label: "sync failures", ProductArea: "integrations", Centroid: []float32{1, 0}, Count: 5},
	})

	got, err := e.Assign("integration-sync-failure", "integrations", []float32{0.99, 0.01})
	require.NoError(t, err)
	assert.False(t, got.Created)
	assert.Equal(t, "t1", got.ThemeID)

	c, ok := e.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 6, c.Count)
}
