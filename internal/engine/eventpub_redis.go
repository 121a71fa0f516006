package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultEventsChannel = "lmbridge:events"

// redisPublishClient is the subset of redis.UniversalClient used for publishing.
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
// Publishing is asynchronous: events are queued and dropped when the queue is full.
type RedisPublisher struct {
	client  redisPublishClient
	channel string
	queue   chan Event
	done    chan struct{}
	log     zerolog.Logger

	// mu guards closed and sends on queue.
	mu     sync.RWMutex
	closed bool
}

// NewRedisPublisher connects to redisURL and verifies it with PING.
func NewRedisPublisher(redisURL, channel string, log zerolog.Logger) (*RedisPublisher, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisPublisher(client, channel, log), nil
}

func newRedisPublisher(client redisPublishClient, channel string, log zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = defaultEventsChannel
	}
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
		log:     log,
	}
	go p.run()
	return p
}

// Publish queues e. Events published after Close are dropped.
func (p *RedisPublisher) Publish(e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.log.Warn().Str("event", e.Name).Msg("redis event queue full, dropping")
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
			p.log.Warn().Err(err).Str("event", e.Name).Msg("redis publish failed")
		}
		cancel()
	}
}

// Close flushes queued events and closes the client. It is idempotent.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return p.client.Close()
}
