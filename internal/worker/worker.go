// Package worker delivers notifications from the event bus into the
// notification inbox.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
	"github.com/opensource-finance/refguard/internal/notify"
)

// ErrAlreadyStarted is returned by Start on a running worker.
var ErrAlreadyStarted = errors.New("worker already started")

// Worker consumes the platform notification topic and stores each
// notification for its recipient.
type Worker struct {
	bus    domain.EventBus
	store  domain.NotificationStore
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a delivery worker.
func NewWorker(bus domain.EventBus, store domain.NotificationStore, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		store:  store,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the notification topic.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return ErrAlreadyStarted
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.PlatformScope, domain.TopicNotification, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("notification worker started", "topic", domain.TopicNotification)
	return nil
}

// handleMessage stores one notification. Undecodable messages are dropped.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.inflight.Add(1)
	defer w.inflight.Done()

	note, err := notify.Decode(msg)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("invalid").Inc()
		w.logger.Error("dropping notification",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := w.store.SaveNotification(ctx, note); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		w.logger.Error("failed to store notification",
			"notification_id", note.ID,
			"user_id", note.UserID,
			"error", err,
		)
		return err
	}

	metrics.DeliveriesTotal.WithLabelValues("stored").Inc()
	w.logger.Debug("notification stored",
		"notification_id", note.ID,
		"user_id", note.UserID,
	)
	return nil
}

// Stop unsubscribes, which drains notifications already queued for the
// worker, and waits for in-flight deliveries before cancelling the
// handler context.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.inflight.Wait()
	w.cancel()

	w.logger.Info("notification worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
