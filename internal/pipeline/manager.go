package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/checkpoint"
	"github.com/fyrsmithlabs/feedforward/internal/store"
)

// Run manager errors.
var (
	ErrRunActive         = errors.New("an extraction run is already active")
	ErrNoActiveRun       = errors.New("no extraction run is active")
	ErrClearWhileRunning = errors.New("cannot clear checkpoints while a run is active")
)

// State of the extraction manager.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Status is the manager's externally visible state.
type Status struct {
	State      string           `json:"state"`
	Checkpoint store.Checkpoint `json:"checkpoint"`
	LastError  string           `json:"last_error,omitempty"`
	Log        []string         `json:"log,omitempty"`
}

// Manager serializes pipeline runs: at most one is active at a time.
// Stop first requests a graceful shutdown and escalates to a hard
// cancel after the grace period, mirroring SIGTERM then SIGKILL for a
// supervised process.
type Manager struct {
	pipeline    *Pipeline
	checkpoints *checkpoint.Service
	grace       time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	state   string
	stopCh  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewManager creates a manager. grace is how long Stop waits for a
// graceful shutdown before cancelling outright; zero means 30s.
func NewManager(p *Pipeline, checkpoints *checkpoint.Service, grace time.Duration, logger *zap.Logger) *Manager {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pipeline:    p,
		checkpoints: checkpoints,
		grace:       grace,
		logger:      logger,
		state:       StateIdle,
	}
}

// Start launches a run in the background. It returns ErrRunActive if
// one is already in flight. The run outlives the caller's context.
func (m *Manager) Start(resume bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrRunActive
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.state = StateRunning
	m.stopCh = make(chan struct{})
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastErr = nil

	stopCh := m.stopCh
	done := m.done

	go func() {
		defer cancel()
		err := m.pipeline.Run(runCtx, stopCh, resume)

		m.mu.Lock()
		m.state = StateIdle
		m.lastErr = err
		m.mu.Unlock()
		close(done)

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("extraction run failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop requests a graceful shutdown of the active run. If the run has
// not finished within the grace period it is cancelled hard.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrNoActiveRun
	}
	alreadyStopping := m.state == StateStopping
	m.state = StateStopping
	stopCh := m.stopCh
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if alreadyStopping {
		return nil
	}

	close(stopCh)
	m.logger.Info("stop requested", zap.Duration("grace", m.grace))

	go func() {
		select {
		case <-done:
		case <-time.After(m.grace):
			m.logger.Warn("grace period expired, cancelling run")
			cancel()
		}
	}()

	return nil
}

// Wait blocks until the active run finishes. Returns immediately when
// no run is active.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status reports the manager state, the current or last checkpoint,
// and recent log lines.
func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	state := m.state
	lastErr := m.lastErr
	m.mu.Unlock()

	st := Status{
		State: state,
		Log:   m.pipeline.Ring(),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}

	if state == StateIdle {
		if cp, err := m.checkpoints.Latest(ctx); err == nil {
			st.Checkpoint = cp
		}
	} else {
		st.Checkpoint = m.pipeline.Progress()
	}
	return st
}

// Clear deletes all saved checkpoints so the next run starts from the
// beginning. It refuses while a run is active.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	active := m.state != StateIdle
	m.mu.Unlock()
	if active {
		return 0, ErrClearWhileRunning
	}

	cps, err := m.checkpoints.List(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, cp := range cps {
		if err := m.checkpoints.Delete(ctx, cp.RunID); err != nil {
			return deleted, err
		}
		deleted++
	}
	m.logger.Info("checkpoints cleared", zap.Int("deleted", deleted))
	return deleted, nil
}
