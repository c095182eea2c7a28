package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"conduit/pkg/stream"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{Topic: "dispatches"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestNewKafkaPublisherTrimsBrokerList(t *testing.T) {
	t.Parallel()

	p, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "dispatches",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if p == nil {
		t.Fatal("expected publisher")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *KafkaPublisher
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if err := nilPub.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("expected publish error for nil publisher")
	}

	p := &KafkaPublisher{}
	if err := p.Publish(context.Background(), stream.Event{}); err == nil {
		t.Fatal("expected publish error for uninitialized writer")
	}
}

type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func (f *fakeKafkaWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestKafkaPublisherPublish(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	evt := stream.NewEvent(stream.TypeDispatch, stream.DispatchEvent{
		Action:  "github.issue_create",
		Source:  "cli",
		Success: true,
		TookMs:  42,
	})
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != stream.TypeDispatch {
		t.Fatalf("expected key %q, got %q", stream.TypeDispatch, w.msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.Type != stream.TypeDispatch {
		t.Fatalf("unexpected event type %q", decoded.Type)
	}
	var data stream.DispatchEvent
	if err := json.Unmarshal(decoded.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Action != "github.issue_create" || !data.Success {
		t.Fatalf("unexpected data: %+v", data)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestPumpForwardsUntilCancelled(t *testing.T) {
	t.Parallel()

	hub := stream.NewHub()
	ch := hub.Subscribe(8)
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, ch, p)
		close(done)
	}()

	hub.Publish(stream.NewEvent(stream.TypeDispatch, nil))
	hub.Publish(stream.NewEvent(stream.TypeDeadLetter, nil))

	deadline := time.After(2 * time.Second)
	for w.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for forwarded events, got %d", w.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on cancel")
	}
}

func TestPumpStopsOnChannelClose(t *testing.T) {
	t.Parallel()

	hub := stream.NewHub()
	ch := hub.Subscribe(1)
	done := make(chan struct{})
	go func() {
		Pump(context.Background(), ch, &KafkaPublisher{writer: &fakeKafkaWriter{}})
		close(done)
	}()

	hub.Unsubscribe(ch)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop when the subscription closed")
	}
}
