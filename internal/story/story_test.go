package story

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
	"github.com/fyrsmithlabs/feedforward/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "s.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTheme(t *testing.T, st *store.Store, themeID string, conversations int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertTheme(ctx, store.Theme{ID: themeID, Label: "sync failures", ProductArea: "integrations"}))
	now := time.Now().UTC()
	for i := 0; i < conversations; i++ {
		id := themeID + "-c" + strconv.Itoa(i)
		require.NoError(t, st.SaveConversation(ctx, conversation.Conversation{
			ID: id, Source: "intercom", Transcript: "x", CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, st.SaveClassification(ctx, classify.Classification{
			ConversationID: id,
			ThemeLabel:     "integration-sync-failure",
			ProductArea:    "integrations",
			Sentiment:      classify.SentimentNegative,
			Urgency:        classify.UrgencyMedium,
			Summary:        "Sync to CRM fails " + strconv.Itoa(i),
			Confidence:     0.9,
			Provider:       "heuristic",
			ClassifiedAt:   now,
		}))
		require.NoError(t, st.AssignConversation(ctx, id, themeID, 0.9))
	}
}

func TestSynthesizeDrafts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedTheme(t, st, "t1", 5)

	// Below threshold: nothing written.
	svc := NewService(Config{Threshold: 10}, st, nil, nil)
	n, err := svc.SynthesizeDrafts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// At threshold: one draft.
	svc = NewService(Config{Threshold: 5, MaxSampleSummaries: 3}, st, nil, nil)
	n, err = svc.SynthesizeDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	story, err := st.GetStoryByTheme(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, story.Title, "sync failures")
	assert.Contains(t, story.Title, "5 conversations")
	assert.Contains(t, story.Body, "Sample issues:")
	assert.Contains(t, story.Body, "Sync to CRM fails")
	assert.Equal(t, store.StoryStatusDraft, story.Status)
	assert.Equal(t, 5, story.ConversationCount)

	// Re-synthesis refreshes in place instead of duplicating.
	seedTheme(t, st, "t1", 7)
	_, err = svc.SynthesizeDrafts(ctx)
	require.NoError(t, err)
	stories, err := st.ListStories(ctx)
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, 7, stories[0].ConversationCount)
	assert.Equal(t, story.ID, stories[0].ID)
}

func TestSyncIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedTheme(t, st, "t1", 5)

	var created atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/stories", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Shortcut-Token"))

		var req CreateStoryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Name)
		assert.Contains(t, req.Labels, Label{Name: "feedforward"})

		n := created.Add(1)
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(ShortcutStory{
			ID:     int64(4000 + n),
			Name:   req.Name,
			AppURL: "https://app.shortcut.com/acme/story/" + strconv.Itoa(int(4000+n)),
		}))
	}))
	defer srv.Close()

	sc, err := NewShortcutClient(ShortcutConfig{BaseURL: srv.URL, Token: "test-token"})
	require.NoError(t, err)

	svc := NewService(Config{Threshold: 5}, st, sc, nil)
	_, err = svc.SynthesizeDrafts(ctx)
	require.NoError(t, err)

	n, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), created.Load())

	// Second sync creates nothing new.
	n, err = svc.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), created.Load())

	story, err := st.GetStoryByTheme(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.StoryStatusSynced, story.Status)

	link, err := st.GetStoryLink(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4001), link.ShortcutStoryID)
}

func TestSyncWithoutClient(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(Config{}, st, nil, nil)
	_, err := svc.Sync(context.Background())
	require.Error(t, err)
}

func TestShortcutClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(ShortcutStory{ID: 7, AppURL: "https://app.shortcut.com/x/story/7"}))
	}))
	defer srv.Close()

	sc, err := NewShortcutClient(ShortcutConfig{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	story, err := sc.CreateStory(context.Background(), CreateStoryRequest{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), story.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestShortcutClientBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "missing workflow", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sc, err := NewShortcutClient(ShortcutConfig{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	_, err = sc.CreateStory(context.Background(), CreateStoryRequest{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExtractHelpArticleRefs(t *testing.T) {
	transcript := `customer: I followed https://help.example.com/en/articles/12345-setting-up-sync
agent: that one is outdated, use https://help.example.com/en/articles/67890-new-sync
customer: also saw https://help.example.com/en/articles/12345-setting-up-sync again`

	refs := ExtractHelpArticleRefs(transcript)
	require.Len(t, refs, 2)
	assert.Equal(t, "12345", refs[0].ArticleID)
	assert.Equal(t, "67890", refs[1].ArticleID)
	assert.Contains(t, refs[0].URL, "articles/12345")

	assert.Nil(t, ExtractHelpArticleRefs("no links here"))
}
