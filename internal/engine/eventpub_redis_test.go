package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	closed   bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	if b, ok := message.([]byte); ok {
		f.payloads = append(f.payloads, b)
	}
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestRedisPublisher_PublishesJSON(t *testing.T) {
	fr := &fakeRedis{}
	p := newRedisPublisher(fr, "", zerolog.Nop())
	p.Publish(Event{Name: "init_ready", HandleID: "h1", Fields: map[string]any{"vision": true}})
	p.Publish(Event{Name: "dispose", HandleID: "h1"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if !fr.closed || len(fr.payloads) != 2 {
		t.Fatalf("closed=%v payloads=%d", fr.closed, len(fr.payloads))
	}
	if fr.channels[0] != defaultEventsChannel {
		t.Fatalf("channel %q", fr.channels[0])
	}
	var ev Event
	if err := json.Unmarshal(fr.payloads[0], &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ev.Name != "init_ready" || ev.HandleID != "h1" || ev.Fields["vision"] != true {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNewRedisPublisher_BadURL(t *testing.T) {
	if _, err := NewRedisPublisher("", "x", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewRedisPublisher("http://not-redis", "x", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
}

func TestMultiPublisher(t *testing.T) {
	a, b := NewMemoryPublisher(), NewMemoryPublisher()
	MultiPublisher{a, nil, b}.Publish(Event{Name: "x"})
	if len(a.Events()) != 1 || len(b.Names()) != 1 {
		t.Fatalf("fan-out failed")
	}
}

func TestRedisPublisher_PublishAfterCloseDropped(t *testing.T) {
	fr := &fakeRedis{}
	p := newRedisPublisher(fr, "lmbridge:test", zerolog.Nop())
	p.Publish(Event{Name: "init_start"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Publish(Event{Name: "init_ready"})
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.payloads) != 1 {
		t.Fatalf("payloads=%d, want 1", len(fr.payloads))
	}
}
