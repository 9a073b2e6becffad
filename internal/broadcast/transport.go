package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const memorySubscriberBuffer = 256

// ErrTransportClosed is returned when publishing on a closed in-memory hub.
var ErrTransportClosed = errors.New("broadcast transport closed")

// Transport is the cross-agent pub/sub primitive used by Manager.
// Subscribe returns a function that releases the subscription.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func([]byte)) (func(), error)
}

// RedisTransport fans envelopes out over a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisTransport creates a transport publishing on channelBase + ":broadcast".
func NewRedisTransport(client *redis.Client, channelBase string, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		client:  client,
		channel: channelBase + ":broadcast",
		logger:  logger.With().Str("component", "broadcast_redis").Logger(),
	}
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, handler func([]byte)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := t.client.Subscribe(subCtx, t.channel)

	// Wait for the subscription confirmation so publishes issued after Subscribe returns are seen.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := pubsub.ReceiveMessage(subCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || subCtx.Err() != nil {
					return
				}
				t.logger.Error().Err(err).Msg("broadcast redis subscription closed")
				return
			}
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// NATSTransport fans envelopes out over a NATS subject. Every subscriber receives
// every envelope, so a plain subscription is used rather than a queue group.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSTransport creates a transport publishing on channelBase + ".broadcast".
func NewNATSTransport(conn *nats.Conn, channelBase string, logger zerolog.Logger) *NATSTransport {
	return &NATSTransport{
		conn:    conn,
		subject: strings.ReplaceAll(channelBase, ":", ".") + ".broadcast",
		logger:  logger.With().Str("component", "broadcast_nats").Logger(),
	}
}

func (t *NATSTransport) Publish(_ context.Context, payload []byte) error {
	return t.conn.Publish(t.subject, payload)
}

func (t *NATSTransport) Subscribe(_ context.Context, handler func([]byte)) (func(), error) {
	sub, err := t.conn.Subscribe(t.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				t.logger.Warn().Err(err).Msg("failed to unsubscribe broadcast nats subject")
			}
		})
	}, nil
}

// MemoryHub is an in-process transport shared by managers living in one process.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscriber
	nextID int
	closed bool
}

type memorySubscriber struct {
	queue chan []byte
	done  chan struct{}
}

// NewMemoryHub creates an empty in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]*memorySubscriber)}
}

func (h *MemoryHub) Publish(ctx context.Context, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrTransportClosed
	}

	for _, sub := range h.subs {
		data := append([]byte(nil), payload...)
		select {
		case sub.queue <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context, handler func([]byte)) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := h.nextID
	h.nextID++
	sub := &memorySubscriber{
		queue: make(chan []byte, memorySubscriberBuffer),
		done:  make(chan struct{}),
	}
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		for {
			select {
			case payload := <-sub.queue:
				handler(payload)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

// Close rejects further publishes and subscriptions.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
