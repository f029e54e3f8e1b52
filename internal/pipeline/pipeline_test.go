package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedforward/internal/checkpoint"
	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/cluster"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
	"github.com/fyrsmithlabs/feedforward/internal/store"
)

// fakeSource serves a fixed sequence of pages keyed by cursor.
type fakeSource struct {
	pages   map[string]*conversation.Page
	fetches atomic.Int32
	failOn  string // cursor that returns an error
}

func (f *fakeSource) FetchPage(ctx context.Context, cursor string) (*conversation.Page, error) {
	f.fetches.Add(1)
	if f.failOn != "" && cursor == f.failOn {
		return nil, errors.New("source unavailable")
	}
	page, ok := f.pages[cursor]
	if !ok {
		return &conversation.Page{}, nil
	}
	return page, nil
}

// fakeClassifier labels conversations by their subject.
type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, conv conversation.Conversation) (classify.Classification, error) {
	return classify.Classification{
		ConversationID: conv.ID,
		ThemeLabel:     conv.Subject,
		ProductArea:    "billing",
		Sentiment:      classify.SentimentNegative,
		Urgency:        classify.UrgencyMedium,
		Summary:        "customer issue: " + conv.Subject,
		Confidence:     0.9,
		Provider:       "fake",
	}, nil
}

func (fakeClassifier) Available() bool { return true }

// fakeEmbedder returns a fixed vector per theme label so that
// conversations with the same subject land in the same cluster.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		var v [3]float32
		for j, r := range text {
			v[j%3] += float32(r) / 1000
		}
		out[i] = v[:]
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := fakeEmbedder{}.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func conv(id, subject string) conversation.Conversation {
	now := time.Now().UTC()
	return conversation.Conversation{
		ID:         id,
		Source:     "intercom",
		Subject:    subject,
		State:      "open",
		Transcript: "customer: " + subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

type testEnv struct {
	store       *store.Store
	checkpoints *checkpoint.Service
	engine      *cluster.Engine
	pipeline    *Pipeline
}

func newTestPipeline(t *testing.T, src Source, cfg Config) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "feedforward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cps, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)

	engine, err := cluster.NewEngine(cluster.DefaultConfig(), nil)
	require.NoError(t, err)

	p, err := New(cfg, Deps{
		Source:      src,
		Classifier:  fakeClassifier{},
		Embedder:    fakeEmbedder{},
		Engine:      engine,
		Store:       st,
		Checkpoints: cps,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	return &testEnv{store: st, checkpoints: cps, engine: engine, pipeline: p}
}

// sameLabelClassifier gives every conversation the same theme label
// but a distinct summary, so embeddings can still diverge.
type sameLabelClassifier struct{}

func (sameLabelClassifier) Classify(ctx context.Context, c conversation.Conversation) (classify.Classification, error) {
	return classify.Classification{
		ConversationID: c.ID,
		ThemeLabel:     "login-loop",
		ProductArea:    "auth",
		Sentiment:      classify.SentimentNegative,
		Urgency:        classify.UrgencyMedium,
		Summary:        "issue " + c.ID,
		Confidence:     0.9,
		Provider:       "fake",
	}, nil
}

func (sameLabelClassifier) Available() bool { return true }

// tableEmbedder returns a fixed vector per text.
type tableEmbedder struct {
	byText map[string][]float32
}

func (e tableEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := e.byText[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

func (e tableEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func TestRunPersistsDistinctClustersSharingLabel(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{
			conv("c1", "login loop on web"),
			conv("c2", "login loop on mobile"),
		}},
	}}

	st, err := store.Open(filepath.Join(t.TempDir(), "feedforward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cps, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)

	engine, err := cluster.NewEngine(cluster.DefaultConfig(), nil)
	require.NoError(t, err)

	p, err := New(Config{Workers: 1}, Deps{
		Source:     src,
		Classifier: sameLabelClassifier{},
		Embedder: tableEmbedder{byText: map[string][]float32{
			"issue c1": {1, 0, 0},
			"issue c2": {0, 1, 0},
		}},
		Engine:      engine,
		Store:       st,
		Checkpoints: cps,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Run(ctx, nil, false))

	cp, err := cps.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Clustered)
	assert.Equal(t, 0, cp.Failed)

	themes, err := st.ListThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 2, "orthogonal embeddings form two themes despite the shared label")
	assert.Equal(t, themes[0].Label, themes[1].Label)
}

func TestRunProcessesAllPages(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {
			Conversations: []conversation.Conversation{
				conv("c1", "double charge"),
				conv("c2", "double charge"),
			},
			NextCursor: "p2",
		},
		"p2": {
			Conversations: []conversation.Conversation{
				conv("c3", "cannot export data"),
			},
		},
	}}

	env := newTestPipeline(t, src, Config{Workers: 2})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	count, err := env.store.CountConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Fetched)
	assert.Equal(t, 3, cp.Classified)
	assert.Equal(t, 3, cp.Clustered)
	assert.Equal(t, 0, cp.Failed)
	assert.Equal(t, "done", cp.Phase)
	assert.Empty(t, cp.Cursor, "last page clears the cursor")

	runs, err := env.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusCompleted, runs[0].Status)

	themes, err := env.store.ListThemes(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, themes)
}

func TestRunSavesCheckpointOnSourceFailure(t *testing.T) {
	src := &fakeSource{
		pages: map[string]*conversation.Page{
			"": {
				Conversations: []conversation.Conversation{conv("c1", "login loop")},
				NextCursor:    "p2",
			},
		},
		failOn: "p2",
	}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	err := env.pipeline.Run(ctx, nil, false)
	require.Error(t, err)

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", cp.Cursor, "cursor points at the failed page for resume")
	assert.Equal(t, 1, cp.Fetched)

	runs, err := env.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
}

func TestRunResumesFromLatestCheckpoint(t *testing.T) {
	src := &fakeSource{
		pages: map[string]*conversation.Page{
			"": {
				Conversations: []conversation.Conversation{conv("c1", "login loop")},
				NextCursor:    "p2",
			},
		},
		failOn: "p2",
	}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.Error(t, env.pipeline.Run(ctx, nil, false))

	// Heal the source and resume. The run must fetch p2, not start over.
	src.failOn = ""
	src.pages["p2"] = &conversation.Page{
		Conversations: []conversation.Conversation{conv("c2", "cannot export data")},
	}
	fetchesBefore := src.fetches.Load()

	require.NoError(t, env.pipeline.Run(ctx, nil, true))

	assert.Equal(t, fetchesBefore+1, src.fetches.Load(), "resume fetches only the failed page")

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Fetched, "counters describe the new run only")

	runs, err := env.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunStopsGracefullyBetweenPages(t *testing.T) {
	stop := make(chan struct{})
	close(stop)

	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{conv("c1", "login loop")}},
	}}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, stop, false))

	assert.Zero(t, src.fetches.Load(), "a pre-closed stop channel halts before the first fetch")

	runs, err := env.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusStopped, runs[0].Status)
}

func TestRunSeedsEngineFromPersistedCentroids(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{conv("c1", "double charge")}},
	}}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, env.store.UpsertTheme(ctx, store.Theme{
		ID:          "theme-1",
		Label:       "double charge",
		ProductArea: "billing",
	}))
	vec, err := fakeEmbedder{}.EmbedQuery(ctx, "customer issue: double charge")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateThemeCentroid(ctx, "theme-1", vec, 4))

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	themes, err := env.store.ListThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 1, "new conversation joins the persisted theme")
	assert.Equal(t, "theme-1", themes[0].ID)
}

// fakeLabeler records the summaries it saw and returns a fixed label.
type fakeLabeler struct {
	label     string
	err       error
	summaries [][]string
}

func (f *fakeLabeler) LabelTheme(ctx context.Context, summaries []string) (string, error) {
	f.summaries = append(f.summaries, summaries)
	if f.err != nil {
		return "", f.err
	}
	return f.label, nil
}

func TestRunLabelsThemesFromSummaries(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{
			conv("c1", "login loop"),
			conv("c2", "login loop"),
		}},
	}}

	st, err := store.Open(filepath.Join(t.TempDir(), "feedforward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cps, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)

	engine, err := cluster.NewEngine(cluster.DefaultConfig(), nil)
	require.NoError(t, err)

	labeler := &fakeLabeler{label: "auth-session-loop"}
	p, err := New(Config{Workers: 1}, Deps{
		Source:      src,
		Classifier:  fakeClassifier{},
		Labeler:     labeler,
		Embedder:    fakeEmbedder{},
		Engine:      engine,
		Store:       st,
		Checkpoints: cps,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Run(ctx, nil, false))

	require.NotEmpty(t, labeler.summaries, "labeler sees the member summaries")
	assert.Contains(t, labeler.summaries[0], "customer issue: login loop")

	themes, err := st.ListThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, "auth-session-loop", themes[0].Label)

	c, ok := engine.Get(themes[0].ID)
	require.True(t, ok)
	assert.Equal(t, "auth-session-loop", c.Label, "in-memory cluster follows the rename")
}

func TestRunKeepsDominantLabelWhenLabelerFails(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{conv("c1", "login loop")}},
	}}

	st, err := store.Open(filepath.Join(t.TempDir(), "feedforward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cps, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)

	engine, err := cluster.NewEngine(cluster.DefaultConfig(), nil)
	require.NoError(t, err)

	p, err := New(Config{Workers: 1}, Deps{
		Source:      src,
		Classifier:  fakeClassifier{},
		Labeler:     &fakeLabeler{err: errors.New("model unavailable")},
		Embedder:    fakeEmbedder{},
		Engine:      engine,
		Store:       st,
		Checkpoints: cps,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Run(ctx, nil, false), "labeling failures do not fail the run")

	themes, err := st.ListThemes(ctx)
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, "login loop", themes[0].Label, "dominant member label survives")
}

func TestRunCountsFailedConversations(t *testing.T) {
	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{
			conv("c1", "login loop"),
			{ID: "", Subject: "missing id"}, // store rejects an empty ID
		}},
	}}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Fetched)
	assert.Equal(t, 1, cp.Classified)
	assert.Equal(t, 1, cp.Failed)
}

func TestRunSkipsEmptyTranscripts(t *testing.T) {
	empty := conv("c2", "no content")
	empty.Transcript = "  \n"

	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{
			conv("c1", "login loop"),
			empty,
		}},
	}}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	count, err := env.store.CountConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "the empty conversation is still saved")

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Fetched)
	assert.Equal(t, 1, cp.Classified, "empty transcript never reaches the classifier")
	assert.Equal(t, 1, cp.Clustered)
	assert.Equal(t, 0, cp.Failed, "a skip is not a failure")
}

func TestRunExtractsHelpArticleRefs(t *testing.T) {
	c := conv("c1", "login loop")
	c.Transcript = "agent: see https://help.example.com/en/articles/4242-reset-password"

	src := &fakeSource{pages: map[string]*conversation.Page{
		"": {Conversations: []conversation.Conversation{c}},
	}}

	env := newTestPipeline(t, src, Config{Workers: 1})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	refs, err := env.store.ListHelpArticleReferences(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "4242", refs[0].ArticleID)
}

func TestRunRespectsMaxConversations(t *testing.T) {
	pages := map[string]*conversation.Page{}
	cursor := ""
	for i := 0; i < 5; i++ {
		next := fmt.Sprintf("p%d", i+1)
		pages[cursor] = &conversation.Page{
			Conversations: []conversation.Conversation{conv(fmt.Sprintf("c%d", i), "login loop")},
			NextCursor:    next,
		}
		cursor = next
	}
	pages[cursor] = &conversation.Page{}

	src := &fakeSource{pages: pages}
	env := newTestPipeline(t, src, Config{Workers: 1, MaxConversations: 2})
	ctx := context.Background()

	require.NoError(t, env.pipeline.Run(ctx, nil, false))

	cp, err := env.checkpoints.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Fetched)
	assert.NotEmpty(t, cp.Cursor, "a capped run leaves a cursor for the next run")
}
