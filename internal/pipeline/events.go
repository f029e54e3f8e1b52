package pipeline

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types published to NATS.
const (
	EventRunStarted    = "run.started"
	EventRunCheckpoint = "run.checkpoint"
	EventRunCompleted  = "run.completed"
	EventRunStopped    = "run.stopped"
	EventRunFailed     = "run.failed"
)

// Event is one pipeline lifecycle event.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	Cursor     string    `json:"cursor,omitempty"`
	Fetched    int       `json:"fetched"`
	Classified int       `json:"classified"`
	Clustered  int       `json:"clustered"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher emits pipeline events. A nil *NATSPublisher is safe to
// call, which keeps event plumbing out of tests that don't need it.
type Publisher interface {
	Publish(event Event)
}

// NATSPublisher publishes events to a NATS subject. Publishing is
// fire-and-forget: a down broker never blocks the pipeline.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS. Connection failures are returned
// so the caller can decide whether events are mandatory.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends one event.
func (p *NATSPublisher) Publish(event Event) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal pipeline event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("failed to publish pipeline event",
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}

// noopPublisher drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
