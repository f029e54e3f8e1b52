// Package checkpoint manages durable pipeline progress. A checkpoint
// records the pagination cursor and stage counters for a run; saving
// is atomic, and a restarted pipeline resumes from the latest one.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/feedforward/internal/checkpoint"

// ErrStaleCheckpoint indicates an attempt to save a checkpoint whose
// cursor or counters move backwards within a run.
var ErrStaleCheckpoint = errors.New("checkpoint would move progress backwards")

// Service provides checkpoint management over the store.
type Service struct {
	store  *store.Store
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
}

// NewService creates a checkpoint service.
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  st,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.saveCounter, err = s.meter.Int64Counter(
		"feedforward.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	return s, nil
}

// Save persists a checkpoint. Within a run, counters may only grow;
// a save that would decrease any of them fails with
// ErrStaleCheckpoint. Cursors are opaque source tokens and are not
// ordered, so they carry no such guard.
func (s *Service) Save(ctx context.Context, cp store.Checkpoint) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.Save",
		trace.WithAttributes(
			attribute.String("run_id", cp.RunID),
			attribute.String("phase", cp.Phase),
			attribute.Int("fetched", cp.Fetched),
		))
	defer span.End()

	if cp.RunID == "" {
		err := fmt.Errorf("checkpoint run ID required")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	prev, err := s.store.GetCheckpoint(ctx, cp.RunID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err == nil {
		if cp.Fetched < prev.Fetched || cp.Classified < prev.Classified ||
			cp.Clustered < prev.Clustered || cp.Failed < prev.Failed {
			span.SetStatus(codes.Error, ErrStaleCheckpoint.Error())
			return fmt.Errorf("run %s: %w", cp.RunID, ErrStaleCheckpoint)
		}
	}

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", cp.Phase)))
	}

	s.logger.Debug("checkpoint saved",
		zap.String("run_id", cp.RunID),
		zap.String("cursor", cp.Cursor),
		zap.String("phase", cp.Phase),
		zap.Int("fetched", cp.Fetched),
		zap.Int("classified", cp.Classified),
		zap.Int("clustered", cp.Clustered),
		zap.Int("failed", cp.Failed))

	return nil
}

// Latest returns the most recent checkpoint across all runs, for
// resuming after a restart. Returns store.ErrNotFound when there is
// nothing to resume from.
func (s *Service) Latest(ctx context.Context) (store.Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.Latest")
	defer span.End()

	cp, err := s.store.LatestCheckpoint(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return store.Checkpoint{}, err
	}

	span.SetAttributes(
		attribute.String("run_id", cp.RunID),
		attribute.String("phase", cp.Phase),
	)
	return cp, nil
}

// Get returns the checkpoint for a run.
func (s *Service) Get(ctx context.Context, runID string) (store.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, runID)
}

// List returns all checkpoints, newest first.
func (s *Service) List(ctx context.Context) ([]store.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx)
}

// Delete removes the checkpoint for a run. The next pipeline start
// after a delete begins from the first page.
func (s *Service) Delete(ctx context.Context, runID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.Delete",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	if err := s.store.DeleteCheckpoint(ctx, runID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	s.logger.Info("checkpoint deleted", zap.String("run_id", runID))
	return nil
}
