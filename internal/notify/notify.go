// Package notify publishes run lifecycle messages to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/taskflow/internal/metrics"
	"github.com/flexinfer/taskflow/pkg/types"
)

// MessageType is the type of a published message. It doubles as the
// routing key on AMQP.
type MessageType string

const (
	MessageTypeRunFinished MessageType = "run.finished"
)

// Message is the envelope of every published message.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Key       string      `json:"-"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunFinishedPayload summarises a finished run.
type RunFinishedPayload struct {
	RunID      string                   `json:"run_id"`
	Pipeline   string                   `json:"pipeline,omitempty"`
	Status     types.RunStatus          `json:"status"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Counts     map[types.StepStatus]int `json:"counts"`
	Failed     []string                 `json:"failed,omitempty"`
}

// Publisher sends messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// NewRunFinished builds the run.finished message for a result.
func NewRunFinished(res *types.RunResult) *Message {
	payload := RunFinishedPayload{
		RunID:      res.RunID,
		Pipeline:   res.Pipeline,
		Status:     res.Status,
		Error:      res.Error,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Counts:     res.Counts(),
	}
	for id := range res.History {
		if final, ok := res.Final(id); ok && final.Status == types.StepStatusFailed {
			payload.Failed = append(payload.Failed, id)
		}
	}
	sort.Strings(payload.Failed)

	return &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunFinished,
		Key:       res.RunID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunFinished publishes the run.finished message for res. Failures are
// logged and counted, never returned: a broker outage must not fail a run.
func RunFinished(ctx context.Context, p Publisher, res *types.RunResult, logger *slog.Logger) {
	if p == nil || res == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	msg := NewRunFinished(res)
	if err := p.Publish(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		logger.Warn("failed to publish run notification",
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("published").Inc()
}

func encode(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// Noop discards every message.
type Noop struct{}

func (Noop) Publish(ctx context.Context, msg *Message) error { return nil }
func (Noop) Close() error                                    { return nil }

var _ Publisher = Noop{}
