// Package bus carries notifications between the API process and the
// delivery worker.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
)

var (
	ErrClosed         = errors.New("bus is closed")
	ErrMissingScope   = errors.New("bus: scope is required")
	ErrSubscriberFull = errors.New("bus: subscriber buffer is full")
)

// ChannelBus implements EventBus in process with buffered channels.
// Used by the Community tier.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	key     string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// NewChannelBus creates a channel bus; each subscriber buffers up to
// bufferSize messages. Overflow is dropped and reported by Publish.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish fans a message out to every subscriber of the scope's topic.
// Subscribers with a full buffer miss the message and Publish returns
// ErrSubscriberFull; the others still receive it.
func (b *ChannelBus) Publish(ctx context.Context, scope string, topic string, payload []byte) error {
	if scope == "" {
		return ErrMissingScope
	}

	msg := newMessage(scope, topic, payload)

	// The read lock is held while sending so no channel is closed under a
	// publisher.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	dropped := 0
	for _, sub := range b.subscriptions[makeKey(scope, topic)] {
		select {
		case sub.msgCh <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		metrics.BusDroppedTotal.WithLabelValues(topic).Add(float64(dropped))
		slog.Warn("bus subscriber full, message dropped",
			"scope", scope,
			"topic", topic,
			"message_id", msg.ID,
			"dropped", dropped,
		)
		return fmt.Errorf("%w: %d subscriber(s) of %s", ErrSubscriberFull, dropped, topic)
	}
	return nil
}

// Subscribe registers a handler for a scope's topic. The handler runs on a
// dedicated goroutine until the subscription or the bus is closed, or ctx
// is cancelled. Handlers receive a context that stays live until the
// subscription's buffer has drained.
func (b *ChannelBus) Subscribe(ctx context.Context, scope string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if scope == "" {
		return nil, ErrMissingScope
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.NewString(),
		key:     makeKey(scope, topic),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subscriptions[sub.key] = append(b.subscriptions[sub.key], sub)

	go sub.run()

	return sub, nil
}

func (s *channelSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			_ = s.handler(s.ctx, msg)
		}
	}
}

// stop closes the buffer, waits for run to handle what is left in it and
// only then cancels the handler context. The subscription must already be
// detached from the bus.
func (s *channelSubscription) stop() {
	s.stopOnce.Do(func() {
		close(s.msgCh)
		<-s.done
		s.cancel()
	})
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting messages, drains every subscription and then stops
// it. Further publishes fail with ErrClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subsByKey := b.subscriptions
	b.subscriptions = make(map[string][]*channelSubscription)
	b.mu.Unlock()

	for _, subs := range subsByKey {
		for _, sub := range subs {
			sub.stop()
		}
	}
	return nil
}

// Unsubscribe detaches the subscription from the bus, then blocks until the
// messages already buffered for it have been handled. It must not be called
// from the subscription's own handler.
func (s *channelSubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	subs := b.subscriptions[s.key]
	for i, other := range subs {
		if other.id == s.id {
			b.subscriptions[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[s.key]) == 0 {
		delete(b.subscriptions, s.key)
	}
	b.mu.Unlock()

	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}

func newMessage(scope, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		Scope:     scope,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

func makeKey(scope, topic string) string {
	return fmt.Sprintf("%s:%s", scope, topic)
}
