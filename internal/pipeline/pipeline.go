// Package pipeline orchestrates the full FeedForward flow: fetch
// conversations from the source platform, scrub secrets, classify,
// embed, cluster into themes, and persist everything with periodic
// checkpoints so an interrupted run resumes where it left off.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/feedforward/internal/checkpoint"
	"github.com/fyrsmithlabs/feedforward/internal/classify"
	"github.com/fyrsmithlabs/feedforward/internal/cluster"
	"github.com/fyrsmithlabs/feedforward/internal/conversation"
	"github.com/fyrsmithlabs/feedforward/internal/redact"
	"github.com/fyrsmithlabs/feedforward/internal/store"
	"github.com/fyrsmithlabs/feedforward/internal/story"
	"github.com/fyrsmithlabs/feedforward/internal/vectorstore"
)

// Source fetches pages of conversations. *conversation.Client
// implements it; tests substitute fakes.
type Source interface {
	FetchPage(ctx context.Context, cursor string) (*conversation.Page, error)
}

// Config configures a pipeline run.
type Config struct {
	// Workers is the number of conversations processed concurrently.
	Workers int

	// CheckpointInterval saves a checkpoint every N conversations in
	// addition to the save at each page boundary.
	CheckpointInterval int

	// MaxConversations caps a run. Zero means unbounded.
	MaxConversations int

	// Collection is the vector store collection for conversation
	// embeddings.
	Collection string
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Source      Source
	Scrubber    *redact.Scrubber
	Classifier  classify.Classifier

	// Labeler, when set, names finished themes from sampled member
	// summaries. Themes keep their dominant member label when it is
	// nil or a call fails.
	Labeler classify.ThemeLabeler
	Embedder    vectorstore.Embedder
	Vectors     vectorstore.Store
	Engine      *cluster.Engine
	Store       *store.Store
	Checkpoints *checkpoint.Service
	Stories     *story.Service
	Metrics     *Metrics
	Events      Publisher
}

// Pipeline executes runs.
type Pipeline struct {
	config Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	ring   *logRing

	mu sync.Mutex
	cp store.Checkpoint // current run progress, guarded by mu

	// saveMu serializes checkpoint writes so two workers cannot land
	// snapshots out of order and trip the stale-write guard.
	saveMu sync.Mutex
}

// New creates a pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Source == nil || deps.Store == nil || deps.Checkpoints == nil || deps.Engine == nil {
		return nil, errors.New("source, store, checkpoints, and cluster engine are required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 50
	}
	if cfg.Collection == "" {
		cfg.Collection = "feedforward_conversations"
	}
	if deps.Events == nil {
		deps.Events = noopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		config: cfg,
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("feedforward.pipeline"),
		ring:   newLogRing(200),
	}, nil
}

// Ring returns recent run log lines for the status API.
func (p *Pipeline) Ring() []string {
	return p.ring.Lines()
}

// Progress returns the current run's checkpoint state.
func (p *Pipeline) Progress() store.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cp
}

// Run executes one pipeline run. Closing stop requests a graceful
// shutdown: the current page finishes, a final checkpoint is written,
// and the run is marked stopped. Cancelling ctx aborts immediately.
//
// When resume is true, the run starts from the cursor of the latest
// checkpoint; counters start at zero because they describe this run.
func (p *Pipeline) Run(ctx context.Context, stop <-chan struct{}, resume bool) error {
	runID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Bool("resume", resume),
		))
	defer span.End()

	cursor := ""
	if resume {
		if latest, err := p.deps.Checkpoints.Latest(ctx); err == nil {
			cursor = latest.Cursor
			p.ring.Addf("resuming from cursor %q (previous run %s)", cursor, latest.RunID)
		} else if !errors.Is(err, store.ErrNotFound) {
			span.RecordError(err)
			return err
		}
	}

	if _, err := p.deps.Store.CreateRun(ctx, runID); err != nil {
		span.RecordError(err)
		return err
	}

	p.mu.Lock()
	p.cp = store.Checkpoint{RunID: runID, Cursor: cursor, Phase: "fetch"}
	p.mu.Unlock()

	if err := p.seedEngine(ctx); err != nil {
		span.RecordError(err)
		p.finish(ctx, runID, store.RunStatusFailed, err)
		return err
	}

	p.deps.Metrics.ActiveRuns.Inc()
	defer p.deps.Metrics.ActiveRuns.Dec()
	started := time.Now()
	defer func() { p.deps.Metrics.RunDuration.Observe(time.Since(started).Seconds()) }()

	p.publish(EventRunStarted, "")
	p.ring.Addf("run %s started", runID)

	err := p.runPages(ctx, stop, cursor)

	switch {
	case err == nil:
		if finErr := p.finalize(ctx); finErr != nil {
			p.finish(ctx, runID, store.RunStatusFailed, finErr)
			span.RecordError(finErr)
			span.SetStatus(codes.Error, finErr.Error())
			return finErr
		}
		p.finish(ctx, runID, store.RunStatusCompleted, nil)
		p.publish(EventRunCompleted, "")
		p.ring.Addf("run %s completed", runID)
		return nil

	case errors.Is(err, errStopRequested):
		p.finish(ctx, runID, store.RunStatusStopped, nil)
		p.publish(EventRunStopped, "")
		p.ring.Addf("run %s stopped", runID)
		return nil

	default:
		p.finish(ctx, runID, store.RunStatusFailed, err)
		p.publish(EventRunFailed, err.Error())
		p.ring.Addf("run %s failed: %v", runID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

var errStopRequested = errors.New("stop requested")

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// runPages drives the fetch loop. The cursor only advances after a
// page is fully processed, so a crash mid-page re-processes that page
// instead of skipping it; every write is an upsert, so that is safe.
func (p *Pipeline) runPages(ctx context.Context, stop <-chan struct{}, cursor string) error {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stopRequested(stop) {
			p.setPhase("stopping")
			return p.saveCheckpointWrapped(ctx, errStopRequested)
		}

		p.setPhase("fetch")
		page, err := p.deps.Source.FetchPage(ctx, cursor)
		if err != nil {
			p.saveCheckpoint(ctx)
			return fmt.Errorf("fetching page: %w", err)
		}

		p.addFetched(len(page.Conversations))
		p.deps.Metrics.ConversationsFetched.Add(float64(len(page.Conversations)))

		p.setPhase("classify")
		if err := p.processPage(ctx, page.Conversations); err != nil {
			p.saveCheckpoint(ctx)
			return err
		}

		processed += len(page.Conversations)
		p.setCursor(page.NextCursor)
		if err := p.saveCheckpoint(ctx); err != nil {
			return err
		}
		p.publishProgress()
		p.ring.Addf("page done: %d conversations this run, cursor %q", processed, page.NextCursor)

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor

		if p.config.MaxConversations > 0 && processed >= p.config.MaxConversations {
			p.ring.Addf("reached max conversations (%d)", p.config.MaxConversations)
			return nil
		}
	}
}

// saveCheckpointWrapped saves and returns the given sentinel, keeping
// the stop path one expression at the call site.
func (p *Pipeline) saveCheckpointWrapped(ctx context.Context, sentinel error) error {
	if err := p.saveCheckpoint(ctx); err != nil {
		return err
	}
	return sentinel
}

// processPage runs the per-conversation stages with a bounded worker
// pool. A single conversation failing is counted, logged, and skipped;
// it does not abort the run.
func (p *Pipeline) processPage(ctx context.Context, convs []conversation.Conversation) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	var sinceCheckpoint int
	var mu sync.Mutex

	for _, conv := range convs {
		conv := conv
		g.Go(func() error {
			if err := p.processConversation(gctx, conv); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				p.addFailed(1)
				p.deps.Metrics.ConversationsFailed.Inc()
				p.logger.Warn("conversation failed",
					zap.String("conversation_id", conv.ID),
					zap.Error(err))
				return nil
			}

			mu.Lock()
			sinceCheckpoint++
			needCheckpoint := sinceCheckpoint >= p.config.CheckpointInterval
			if needCheckpoint {
				sinceCheckpoint = 0
			}
			mu.Unlock()

			if needCheckpoint {
				if err := p.saveCheckpoint(gctx); err != nil {
					return err
				}
				p.publishProgress()
			}
			return nil
		})
	}

	return g.Wait()
}

// processConversation runs one conversation through scrub, classify,
// embed, cluster, and persist.
func (p *Pipeline) processConversation(ctx context.Context, conv conversation.Conversation) error {
	// Scrub before anything leaves the process.
	if p.deps.Scrubber != nil {
		result, err := p.deps.Scrubber.Scrub(conv.Transcript)
		if err != nil {
			return fmt.Errorf("scrubbing: %w", err)
		}
		conv.Transcript = result.Content
		if result.Audit.HasRedactions() {
			p.logger.Debug("transcript scrubbed",
				zap.String("conversation_id", conv.ID),
				zap.Int("redactions", result.Audit.Summary.TotalSecrets))
		}
	}

	if err := p.deps.Store.SaveConversation(ctx, conv); err != nil {
		return err
	}

	for _, ref := range story.ExtractHelpArticleRefs(conv.Transcript) {
		if err := p.deps.Store.SaveHelpArticleReference(ctx, conv.ID, ref.ArticleID, ref.URL); err != nil {
			return err
		}
	}

	// Nothing to classify or embed in an empty transcript. The
	// conversation itself is kept for the record.
	if strings.TrimSpace(conv.Transcript) == "" {
		p.deps.Metrics.ConversationsSkipped.Inc()
		p.logger.Debug("skipping conversation with empty transcript",
			zap.String("conversation_id", conv.ID))
		return nil
	}

	classification, err := p.deps.Classifier.Classify(ctx, conv)
	if err != nil {
		return fmt.Errorf("classifying: %w", err)
	}
	if err := p.deps.Store.SaveClassification(ctx, classification); err != nil {
		return err
	}
	p.addClassified(1)
	p.deps.Metrics.ConversationsClassified.Inc()

	// Embedding and clustering are optional: without an embedder the
	// run still produces classifications.
	if p.deps.Embedder == nil {
		return nil
	}

	embedText := classification.Summary
	if embedText == "" {
		embedText = conv.Transcript
	}
	vectors, err := p.deps.Embedder.EmbedDocuments(ctx, []string{embedText})
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	if p.deps.Vectors != nil {
		doc := vectorstore.Document{
			ID:         conv.ID,
			Content:    embedText,
			Collection: p.config.Collection,
			Embedding:  vectors[0],
			Metadata: map[string]interface{}{
				"theme_label":  classification.ThemeLabel,
				"product_area": classification.ProductArea,
				"sentiment":    classification.Sentiment,
				"urgency":      classification.Urgency,
			},
		}
		if _, err := p.deps.Vectors.AddDocuments(ctx, []vectorstore.Document{doc}); err != nil {
			return fmt.Errorf("storing embedding: %w", err)
		}
	}

	assignment, err := p.deps.Engine.Assign(classification.ThemeLabel, classification.ProductArea, vectors[0])
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}

	if assignment.Created {
		p.deps.Metrics.ThemesCreated.Inc()
	}
	if err := p.persistAssignment(ctx, conv.ID, assignment); err != nil {
		return err
	}
	p.addClustered(1)
	p.deps.Metrics.ConversationsClustered.Inc()

	return nil
}

func (p *Pipeline) persistAssignment(ctx context.Context, conversationID string, a cluster.Assignment) error {
	c, ok := p.deps.Engine.Get(a.ThemeID)
	if !ok {
		return fmt.Errorf("cluster %s disappeared", a.ThemeID)
	}

	if err := p.deps.Store.UpsertTheme(ctx, store.Theme{
		ID:          c.ID,
		Label:       c.Label,
		ProductArea: c.ProductArea,
	}); err != nil {
		return err
	}
	if err := p.deps.Store.AssignConversation(ctx, conversationID, a.ThemeID, a.Similarity); err != nil {
		return err
	}
	return p.deps.Store.UpdateThemeCentroid(ctx, c.ID, c.Centroid, c.Count)
}

// finalize runs after the last page: merge drifted clusters, persist
// the merges, and synthesize story drafts for themes over threshold.
func (p *Pipeline) finalize(ctx context.Context) error {
	p.setPhase("cluster")

	for _, m := range p.deps.Engine.MergePass() {
		if err := p.deps.Store.ReassignTheme(ctx, m.FromID, m.IntoID); err != nil {
			return fmt.Errorf("persisting cluster merge: %w", err)
		}
		if c, ok := p.deps.Engine.Get(m.IntoID); ok {
			if err := p.deps.Store.UpdateThemeCentroid(ctx, c.ID, c.Centroid, c.Count); err != nil {
				return err
			}
			if err := p.deps.Store.UpsertTheme(ctx, store.Theme{ID: c.ID, Label: c.Label, ProductArea: c.ProductArea}); err != nil {
				return err
			}
		}
		p.ring.Addf("merged theme %s into %s", m.FromID, m.IntoID)
	}

	if p.deps.Labeler != nil {
		p.labelThemes(ctx)
	}

	if p.deps.Stories != nil {
		p.setPhase("stories")
		n, err := p.deps.Stories.SynthesizeDrafts(ctx)
		if err != nil {
			return fmt.Errorf("synthesizing stories: %w", err)
		}
		if n > 0 {
			p.ring.Addf("synthesized %d story drafts", n)
		}
	}

	p.setPhase("done")
	return p.saveCheckpoint(ctx)
}

// labelThemes asks the labeler to name each cluster from a sample of
// member summaries. A failed call is logged and the theme keeps its
// dominant member label.
func (p *Pipeline) labelThemes(ctx context.Context) {
	for _, c := range p.deps.Engine.Snapshot() {
		summaries, err := p.deps.Store.ThemeSummaries(ctx, c.ID, 8)
		if err != nil {
			p.logger.Warn("loading theme summaries failed",
				zap.String("theme_id", c.ID), zap.Error(err))
			continue
		}
		if len(summaries) == 0 {
			continue
		}

		label, err := p.deps.Labeler.LabelTheme(ctx, summaries)
		if err != nil {
			p.logger.Warn("theme labeling failed, keeping dominant label",
				zap.String("theme_id", c.ID),
				zap.String("label", c.Label),
				zap.Error(err))
			continue
		}
		if label == "" || label == c.Label {
			continue
		}

		p.deps.Engine.SetLabel(c.ID, label)
		if err := p.deps.Store.UpsertTheme(ctx, store.Theme{
			ID:          c.ID,
			Label:       label,
			ProductArea: c.ProductArea,
		}); err != nil {
			p.logger.Warn("persisting theme label failed",
				zap.String("theme_id", c.ID), zap.Error(err))
			continue
		}
		p.ring.Addf("theme %s labeled %q", c.ID, label)
	}
}

// seedEngine restores clusters from persisted theme centroids.
func (p *Pipeline) seedEngine(ctx context.Context) error {
	centroids, err := p.deps.Store.ThemeCentroids(ctx)
	if err != nil {
		return err
	}
	clusters := make([]cluster.Cluster, 0, len(centroids))
	for _, tc := range centroids {
		clusters = append(clusters, cluster.Cluster{
			ID:          tc.Theme.ID,
			Label:       tc.Theme.Label,
			ProductArea: tc.Theme.ProductArea,
			Centroid:    tc.Centroid,
			Count:       tc.MemberCount,
		})
	}
	if len(clusters) > 0 {
		p.deps.Engine.Seed(clusters)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, runID, status string, runErr error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := p.deps.Store.FinishRun(ctx, runID, status, msg); err != nil {
		p.logger.Warn("failed to finish run", zap.String("run_id", runID), zap.Error(err))
	}
}

// checkpoint bookkeeping

func (p *Pipeline) setPhase(phase string) {
	p.mu.Lock()
	p.cp.Phase = phase
	p.mu.Unlock()
}

func (p *Pipeline) setCursor(cursor string) {
	p.mu.Lock()
	p.cp.Cursor = cursor
	p.mu.Unlock()
}

func (p *Pipeline) addFetched(n int)    { p.mu.Lock(); p.cp.Fetched += n; p.mu.Unlock() }
func (p *Pipeline) addClassified(n int) { p.mu.Lock(); p.cp.Classified += n; p.mu.Unlock() }
func (p *Pipeline) addClustered(n int)  { p.mu.Lock(); p.cp.Clustered += n; p.mu.Unlock() }
func (p *Pipeline) addFailed(n int)     { p.mu.Lock(); p.cp.Failed += n; p.mu.Unlock() }

func (p *Pipeline) saveCheckpoint(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	cp := p.cp
	p.mu.Unlock()

	if err := p.deps.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	p.deps.Metrics.CheckpointsSaved.Inc()
	return nil
}

func (p *Pipeline) publish(eventType, errMsg string) {
	p.mu.Lock()
	cp := p.cp
	p.mu.Unlock()

	p.deps.Events.Publish(Event{
		Type:       eventType,
		RunID:      cp.RunID,
		Cursor:     cp.Cursor,
		Fetched:    cp.Fetched,
		Classified: cp.Classified,
		Clustered:  cp.Clustered,
		Failed:     cp.Failed,
		Error:      errMsg,
		Time:       time.Now().UTC(),
	})
}

func (p *Pipeline) publishProgress() {
	p.publish(EventRunCheckpoint, "")
}
