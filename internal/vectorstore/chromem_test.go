package vectorstore

import (
	"context"
	"hash/fnv"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubEmbedder produces deterministic unit vectors derived from the text hash.
type stubEmbedder struct {
	dim int
}

func (e *stubEmbedder) embed(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (e *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:              t.TempDir(),
		DefaultCollection: "test_conversations",
		VectorSize:        32,
	}, &stubEmbedder{dim: 32}, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewChromemStore_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemStore_AddAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids, err := store.AddDocuments(ctx, []Document{
		{ID: "c1", Content: "billing page shows wrong invoice total", Metadata: map[string]interface{}{"theme_id": "billing"}},
		{ID: "c2", Content: "cannot reset my password from the login screen"},
		{ID: "c3", Content: "invoice totals are off after the currency change"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)

	results, err := store.Search(ctx, "billing page shows wrong invoice total", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].ID)
}

// countingEmbedder wraps stubEmbedder and counts document embeddings.
type countingEmbedder struct {
	stubEmbedder
	docCalls int
}

func (e *countingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.docCalls += len(texts)
	return e.stubEmbedder.EmbedDocuments(ctx, texts)
}

func TestChromemStore_AddDocuments_UsesProvidedEmbedding(t *testing.T) {
	embedder := &countingEmbedder{stubEmbedder: stubEmbedder{dim: 32}}
	store, err := NewChromemStore(ChromemConfig{
		Path:              t.TempDir(),
		DefaultCollection: "test_conversations",
		VectorSize:        32,
	}, embedder, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	precomputed := embedder.embed("billing page shows wrong invoice total")

	_, err = store.AddDocuments(ctx, []Document{
		{ID: "c1", Content: "billing page shows wrong invoice total", Embedding: precomputed},
		{ID: "c2", Content: "cannot reset my password from the login screen"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.docCalls, "only the document without a vector is embedded")

	results, err := store.Search(ctx, "billing page shows wrong invoice total", 1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].ID)
}

func TestChromemStore_AddDocuments_Empty(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)
}

func TestChromemStore_MixedCollectionsRejected(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddDocuments(context.Background(), []Document{
		{ID: "a", Content: "x", Collection: "one"},
		{ID: "b", Content: "y", Collection: "two"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch targets")
}

func TestChromemStore_SearchMissingCollection(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SearchInCollection(context.Background(), "nope", "query", 5, nil)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemStore_SearchValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Search(ctx, "", 5)
	assert.Error(t, err)

	_, err = store.Search(ctx, "query", 0)
	assert.Error(t, err)

	_, err = store.SearchInCollection(ctx, "Bad-Name", "query", 5, nil)
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestChromemStore_CollectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateCollection(ctx, "themes_v2", 32))
	assert.ErrorIs(t, store.CreateCollection(ctx, "themes_v2", 32), ErrCollectionExists)

	exists, err := store.CollectionExists(ctx, "themes_v2")
	require.NoError(t, err)
	assert.True(t, exists)

	info, err := store.GetCollectionInfo(ctx, "themes_v2")
	require.NoError(t, err)
	assert.Equal(t, 0, info.PointCount)
	assert.Equal(t, 32, info.VectorSize)

	require.NoError(t, store.DeleteCollection(ctx, "themes_v2"))
	exists, err = store.CollectionExists(ctx, "themes_v2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChromemStore_VectorSizeMismatch(t *testing.T) {
	store := newTestStore(t)
	err := store.CreateCollection(context.Background(), "wrong_size", 768)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match configured size")
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("feedforward_conversations"))
	assert.NoError(t, ValidateCollectionName("a1_2b"))

	assert.Error(t, ValidateCollectionName(""))
	assert.Error(t, ValidateCollectionName("Has-Caps"))
	assert.Error(t, ValidateCollectionName("../etc/passwd"))
	assert.Error(t, ValidateCollectionName("with space"))
}
