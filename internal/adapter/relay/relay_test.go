package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/config"
	"github.com/cwygoda/distillery/internal/domain"
)

type fakeSink struct {
	name    string
	fail    error
	mu      sync.Mutex
	got     []domain.StatusEvent
	closed  bool
	arrived chan struct{}
}

func newFakeSink(name string, fail error) *fakeSink {
	return &fakeSink{name: name, fail: fail, arrived: make(chan struct{}, 16)}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Publish(_ context.Context, data []byte) error {
	var ev domain.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	s.mu.Lock()
	s.got = append(s.got, ev)
	s.mu.Unlock()
	s.arrived <- struct{}{}
	return s.fail
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) wait(t *testing.T, n int) []domain.StatusEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: got %d events, want %d", s.name, i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StatusEvent(nil), s.got...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRelay_ForwardsInOrder(t *testing.T) {
	events := broadcast.New(broadcast.DefaultOptions())
	defer events.Close()
	sink := newFakeSink("a", nil)

	r := New(events, quietLogger(), sink)
	r.Start()

	events.PublishStatus(domain.StatusEvent{JobID: "j1", Status: domain.StatusDownloading, Progress: 0})
	events.PublishStatus(domain.StatusEvent{JobID: "j1", Status: domain.StatusTranscribing, Progress: 10})

	got := sink.wait(t, 2)
	if got[0].Status != domain.StatusDownloading || got[1].Status != domain.StatusTranscribing || got[1].Progress != 10 {
		t.Errorf("forwarded = %+v", got)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if n, _ := events.Subscribers(); n != 0 {
		t.Errorf("status subscribers = %d after Close", n)
	}
}

func TestRelay_FailingSinkDoesNotBlockOthers(t *testing.T) {
	events := broadcast.New(broadcast.DefaultOptions())
	defer events.Close()
	bad := newFakeSink("bad", errors.New("broker down"))
	good := newFakeSink("good", nil)

	r := New(events, quietLogger(), bad, good)
	r.Start()
	defer r.Close()

	events.PublishStatus(domain.StatusEvent{JobID: "j1", Status: domain.StatusCompleted, Progress: 100})
	events.PublishStatus(domain.StatusEvent{JobID: "j2", Status: domain.StatusFailed})

	if got := good.wait(t, 2); got[1].JobID != "j2" {
		t.Errorf("good sink = %+v", got)
	}
	bad.wait(t, 2)
}

func TestRelay_StopsWhenBroadcasterCloses(t *testing.T) {
	events := broadcast.New(broadcast.DefaultOptions())
	r := New(events, quietLogger(), newFakeSink("a", nil))
	r.Start()

	events.Close()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay still running after broadcaster closed")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestSinksFromConfig_Empty(t *testing.T) {
	sinks, err := SinksFromConfig(context.Background(), config.RelayConfig{})
	if err != nil || len(sinks) != 0 {
		t.Errorf("SinksFromConfig() = %v, %v", sinks, err)
	}
}

func TestSinksFromConfig_Unreachable(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RelayConfig
	}{
		{"nats", config.RelayConfig{NATSURL: "nats://127.0.0.1:1", NATSSubject: "s"}},
		{"redis", config.RelayConfig{RedisAddr: "127.0.0.1:1", RedisChannel: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := SinksFromConfig(ctx, tt.cfg); err == nil {
				t.Error("SinksFromConfig() error = nil for unreachable broker")
			}
		})
	}
}

func TestNATSSink(t *testing.T) {
	url := os.Getenv("DISTILLERY_TEST_NATS_URL")
	if url == "" {
		t.Skip("DISTILLERY_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("distillery.test.status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nc.Flush()

	sink, err := NewNATSSink(url, "distillery.test.status")
	if err != nil {
		t.Fatalf("NewNATSSink() error = %v", err)
	}
	if err := sink.Publish(context.Background(), []byte(`{"job_id":"j1"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil || string(msg.Data) != `{"job_id":"j1"}` {
		t.Errorf("NextMsg() = %v, %v", msg, err)
	}
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("DISTILLERY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISTILLERY_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ps := client.Subscribe(ctx, "distillery:test:status")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink, err := NewRedisSink(ctx, addr, "distillery:test:status")
	if err != nil {
		t.Fatalf("NewRedisSink() error = %v", err)
	}
	defer sink.Close()
	if err := sink.Publish(ctx, []byte(`{"job_id":"j1"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg, err := ps.ReceiveMessage(ctx)
	if err != nil || msg.Payload != `{"job_id":"j1"}` {
		t.Errorf("ReceiveMessage() = %v, %v", msg, err)
	}
}
