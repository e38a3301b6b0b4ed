package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/flexinfer/taskflow/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResult() *types.RunResult {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.RunResult{
		RunID:      "run-1",
		Pipeline:   "retail",
		Status:     types.RunStatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Error:      "1 step failed",
		History: map[string][]types.StepResult{
			"upload":     {{StepID: "upload", Status: types.StepStatusSucceeded, Attempt: 1}},
			"check_load": {{StepID: "check_load", Status: types.StepStatusFailed, Attempt: 1}, {StepID: "check_load", Status: types.StepStatusFailed, Attempt: 2}},
			"transform":  {{StepID: "transform", Status: types.StepStatusSkipped, Reason: types.SkipReasonUpstreamFailed}},
		},
	}
}

func TestNewRunFinished(t *testing.T) {
	msg := NewRunFinished(sampleResult())
	if msg.Type != MessageTypeRunFinished || msg.Key != "run-1" || msg.ID == "" {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	p := msg.Payload.(RunFinishedPayload)
	if p.Status != types.RunStatusFailed || p.Pipeline != "retail" {
		t.Errorf("unexpected payload %+v", p)
	}
	want := map[types.StepStatus]int{types.StepStatusSucceeded: 1, types.StepStatusFailed: 1, types.StepStatusSkipped: 1}
	if !reflect.DeepEqual(p.Counts, want) {
		t.Errorf("counts = %v, want %v", p.Counts, want)
	}
	if !reflect.DeepEqual(p.Failed, []string{"check_load"}) {
		t.Errorf("failed = %v", p.Failed)
	}
}

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	closed    bool
	err       error
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, exchange+"/"+key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed }
func (c *fakeChannel) Close() error   { c.closed = true; return nil }

func TestAMQPPublisher(t *testing.T) {
	var channels []*fakeChannel
	dial := func() (amqpChannel, func() error, error) {
		ch := &fakeChannel{}
		channels = append(channels, ch)
		return ch, func() error { return nil }, nil
	}
	p, err := newAMQPPublisher("taskflow.events", dial, quietLogger())
	if err != nil {
		t.Fatalf("newAMQPPublisher failed: %v", err)
	}

	msg := NewRunFinished(sampleResult())
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	first := channels[0]
	if len(first.published) != 1 || first.keys[0] != "taskflow.events/run.finished" {
		t.Fatalf("unexpected publish %v", first.keys)
	}
	pub := first.published[0]
	if pub.ContentType != "application/json" || pub.DeliveryMode != amqp.Persistent || pub.MessageId != msg.ID {
		t.Errorf("unexpected publishing %+v", pub)
	}
	var decoded struct {
		Type    string             `json:"type"`
		Payload RunFinishedPayload `json:"payload"`
	}
	if err := json.Unmarshal(pub.Body, &decoded); err != nil || decoded.Payload.RunID != "run-1" {
		t.Errorf("unexpected body %s", pub.Body)
	}

	// A closed channel is replaced on the next publish.
	first.closed = true
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish after close failed: %v", err)
	}
	if len(channels) != 2 || len(channels[1].published) != 1 {
		t.Errorf("expected reconnect, got %d channels", len(channels))
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Publish(context.Background(), msg); err == nil {
		t.Error("expected error after Close")
	}
}

func TestAMQPPublisher_DialError(t *testing.T) {
	dial := func() (amqpChannel, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}
	if _, err := newAMQPPublisher("x", dial, quietLogger()); err == nil {
		t.Error("expected dial error")
	}
}

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "taskflow.runs", quietLogger())

	msg := NewRunFinished(sampleResult())
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	km := w.msgs[0]
	if string(km.Key) != "run-1" {
		t.Errorf("expected key run-1, got %q", km.Key)
	}
	if len(km.Headers) != 2 || string(km.Headers[0].Value) != "run.finished" {
		t.Errorf("unexpected headers %+v", km.Headers)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), msg); err == nil {
		t.Error("expected write error")
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close = %v, closed=%v", err, w.closed)
	}
}

func TestRunFinished_SwallowsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisherWithWriter(w, "taskflow.runs", quietLogger())

	// Must not panic or block.
	RunFinished(context.Background(), p, sampleResult(), quietLogger())
	RunFinished(context.Background(), nil, sampleResult(), quietLogger())
	RunFinished(context.Background(), Noop{}, sampleResult(), nil)
}
