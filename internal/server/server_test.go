package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/checkpoint"
	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/cluster"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
	"github.com/fyrsmithlabs/feedforward/internal/pipeline"
	"github.com/fyrsmithlabs/feedforward/internal/store"
	"github.com/fyrsmithlabs/feedforward/internal/theme"
	"github.com/fyrsmithlabs/feedforward/internal/vectorstore"
)

// blockingSource serves pages until release is closed, so tests can
// hold a run open while they poke at the API.
type blockingSource struct {
	release chan struct{}
}

func (b *blockingSource) FetchPage(ctx context.Context, cursor string) (*conversation.Page, error) {
	select {
	case <-b.release:
		return &conversation.Page{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	now := time.Now().UTC()
	return &conversation.Page{
		Conversations: []conversation.Conversation{{
			ID:         "c-" + now.Format("150405.000000000"),
			Source:     "intercom",
			Subject:    "login loop",
			State:      "open",
			Transcript: "customer: stuck in a login loop",
			CreatedAt:  now,
			UpdatedAt:  now,
		}},
		NextCursor: "more",
	}, nil
}

type testServer struct {
	server  *Server
	store   *store.Store
	manager *pipeline.Manager
	source  *blockingSource
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "feedforward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cps, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)

	engine, err := cluster.NewEngine(cluster.DefaultConfig(), nil)
	require.NoError(t, err)

	src := &blockingSource{release: make(chan struct{})}
	reg := prometheus.NewRegistry()

	p, err := pipeline.New(pipeline.Config{Workers: 1}, pipeline.Deps{
		Source:      src,
		Classifier:  &classify.NoOpClassifier{},
		Engine:      engine,
		Store:       st,
		Checkpoints: cps,
		Metrics:     pipeline.NewMetrics(reg),
	}, nil)
	require.NoError(t, err)

	manager := pipeline.NewManager(p, cps, time.Second, nil)
	themes := theme.NewService(theme.Config{}, st, nil)

	srv, err := NewServer(manager, themes, nil, st, nil, reg, zap.NewNop(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		if manager.Stop() == nil {
			manager.Wait()
		}
	})

	return &testServer{server: srv, store: st, manager: manager, source: src}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil, nil, nil, zap.NewNop(), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "manager cannot be nil")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedforward_")
}

func TestExtractionStatusIdle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/extraction", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var st pipeline.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, pipeline.StateIdle, st.State)
}

func TestExtractionStartStopFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "start"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// A second start conflicts with the active run.
	rec = ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "start"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/extraction", nil)
	var st pipeline.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Contains(t, []string{pipeline.StateRunning, pipeline.StateStopping}, st.State)

	rec = ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "stop"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	ts.manager.Wait()

	rec = ts.do(t, http.MethodGet, "/api/extraction", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, pipeline.StateIdle, st.State)
}

func TestExtractionStopWithoutRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "stop"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtractionUnknownAction(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "restart"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractionClear(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateRun(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, ts.store.SaveCheckpoint(ctx, store.Checkpoint{
		RunID: "run-1", Cursor: "p3", Fetched: 10, Phase: "fetch",
	}))

	rec := ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "clear"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ExtractionActionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Deleted)

	_, err = ts.store.LatestCheckpoint(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExtractionClearWhileRunning(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "start"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/extraction", ExtractionRequest{Action: "clear"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckpointEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.CreateRun(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, ts.store.SaveCheckpoint(ctx, store.Checkpoint{
		RunID: "run-1", Cursor: "p2", Fetched: 5, Classified: 5, Phase: "fetch",
	}))

	rec := ts.do(t, http.MethodGet, "/api/checkpoints", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list CheckpointsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Checkpoints, 1)

	rec = ts.do(t, http.MethodGet, "/api/checkpoints/run-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var cp store.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	assert.Equal(t, "p2", cp.Cursor)

	rec = ts.do(t, http.MethodGet, "/api/checkpoints/run-404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/checkpoints/run-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/checkpoints/run-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrendingThemes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, ts.store.SaveConversation(ctx, conversation.Conversation{
		ID: "c1", Source: "intercom", Subject: "double charge",
		Transcript: "customer: charged twice", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, ts.store.UpsertTheme(ctx, store.Theme{
		ID: "t1", Label: "double charge", ProductArea: "billing",
	}))
	require.NoError(t, ts.store.AssignConversation(ctx, "c1", "t1", 0.95))

	rec := ts.do(t, http.MethodGet, "/api/themes/trending?window=7d&limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp TrendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "7d", resp.Window)
	require.Len(t, resp.Themes, 1)
	assert.Equal(t, "double charge", resp.Themes[0].Label)
	assert.Equal(t, 1, resp.Themes[0].Rank)
}

func TestTrendingThemesBadWindow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/themes/trending?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListStories(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.UpsertTheme(ctx, store.Theme{ID: "t1", Label: "double charge"}))
	require.NoError(t, ts.store.SaveStory(ctx, store.Story{
		ID: "s1", ThemeID: "t1", Title: "Fix duplicate billing charges",
		Body: "Multiple customers report duplicate charges.",
	}))

	rec := ts.do(t, http.MethodGet, "/api/stories", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Stories, 1)
	assert.Equal(t, "Fix duplicate billing charges", resp.Stories[0].Title)
}

func TestSyncStoriesUnconfigured(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/stories/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// fakeVectorStore serves canned similarity results and records the
// filters it was queried with.
type fakeVectorStore struct {
	results     []vectorstore.SearchResult
	lastFilters map[string]interface{}
}

func (f *fakeVectorStore) AddDocuments(ctx context.Context, docs []vectorstore.Document) ([]string, error) {
	return nil, nil
}

func (f *fakeVectorStore) Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error) {
	f.lastFilters = nil
	return f.results, nil
}

func (f *fakeVectorStore) SearchWithFilters(ctx context.Context, query string, k int, filters map[string]interface{}) ([]vectorstore.SearchResult, error) {
	f.lastFilters = filters
	return f.results, nil
}

func (f *fakeVectorStore) SearchInCollection(ctx context.Context, collection, query string, k int, filters map[string]interface{}) ([]vectorstore.SearchResult, error) {
	return f.results, nil
}

func (f *fakeVectorStore) DeleteDocuments(ctx context.Context, ids []string) error { return nil }
func (f *fakeVectorStore) CreateCollection(ctx context.Context, collection string, vectorSize int) error {
	return nil
}
func (f *fakeVectorStore) DeleteCollection(ctx context.Context, collection string) error { return nil }
func (f *fakeVectorStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	return true, nil
}
func (f *fakeVectorStore) GetCollectionInfo(ctx context.Context, collection string) (*vectorstore.CollectionInfo, error) {
	return &vectorstore.CollectionInfo{Name: collection}, nil
}
func (f *fakeVectorStore) Close() error { return nil }

func newTestServerWithVectors(t *testing.T, vectors vectorstore.Store) *testServer {
	t.Helper()
	ts := newTestServer(t)

	srv, err := NewServer(ts.manager, theme.NewService(theme.Config{}, ts.store, nil), nil,
		ts.store, vectors, prometheus.NewRegistry(), zap.NewNop(), nil)
	require.NoError(t, err)
	ts.server = srv
	return ts
}

func TestSimilarConversations(t *testing.T) {
	vectors := &fakeVectorStore{results: []vectorstore.SearchResult{
		{ID: "c1", Content: "stuck in a login loop", Score: 0.93},
	}}
	ts := newTestServerWithVectors(t, vectors)

	rec := ts.do(t, http.MethodGet, "/api/conversations/similar?q=login+loop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SimilarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "login loop", resp.Query)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].ID)
	assert.Nil(t, vectors.lastFilters)

	rec = ts.do(t, http.MethodGet, "/api/conversations/similar?q=login+loop&area=auth", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"product_area": "auth"}, vectors.lastFilters)
}

func TestSimilarConversationsValidation(t *testing.T) {
	ts := newTestServerWithVectors(t, &fakeVectorStore{})

	rec := ts.do(t, http.MethodGet, "/api/conversations/similar", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing query")

	rec = ts.do(t, http.MethodGet, "/api/conversations/similar?q=x&k=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "k must be positive")
}

func TestSimilarConversationsWithoutVectorStore(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/conversations/similar?q=login", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
