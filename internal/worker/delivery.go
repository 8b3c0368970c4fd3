package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"convobot/internal/domain"
	"convobot/internal/events"
	"convobot/internal/metrics"
	"convobot/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrDeliveryClosed = errors.New("worker: delivery worker is closed")

const (
	DeadLetterKey = "convo:delivery:deadletter"
	deadLetterCap = 1000
)

// DeliveryOptions tunes the async reply worker.
type DeliveryOptions struct {
	QueueSize int
	Timeout   time.Duration
	Retry     RetryPolicy
	// DeadLetter keeps undeliverable replies in a redis list when set.
	DeadLetter *redis.Client
}

type deadLetter struct {
	Message  *models.OutboundMessage `json:"message"`
	Error    string                  `json:"error"`
	Attempts int                     `json:"attempts"`
	FailedAt time.Time               `json:"failed_at"`
}

// DeliveryWorker is a domain.ReplySink that queues replies and delivers them
// through the wrapped sink in the background. State commits never wait on the
// chat platform.
type DeliveryWorker struct {
	sink    domain.ReplySink
	queue   chan *models.OutboundMessage
	opts    DeliveryOptions
	logger  *zerolog.Logger
	events  domain.EventPublisher
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDeliveryWorker(sink domain.ReplySink, opts DeliveryOptions, logger *zerolog.Logger, publisher domain.EventPublisher, m *metrics.Metrics) *DeliveryWorker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = models.DefaultDeliveryQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = models.DefaultDeliveryTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "delivery_worker").Logger()

	return &DeliveryWorker{
		sink:    sink,
		queue:   make(chan *models.OutboundMessage, opts.QueueSize),
		opts:    opts,
		logger:  &l,
		events:  publisher,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Send enqueues msg without blocking.
func (w *DeliveryWorker) Send(_ context.Context, msg *models.OutboundMessage) error {
	if msg == nil {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrDeliveryClosed
	}

	select {
	case w.queue <- msg:
		return nil
	default:
		return fmt.Errorf("delivery to chat %d: %w", msg.ChatID, ErrQueueFull)
	}
}

// Pending returns the number of queued replies.
func (w *DeliveryWorker) Pending() int {
	return len(w.queue)
}

// Start delivers queued replies until Stop drains the queue or ctx is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Info().Int("queue_size", cap(w.queue)).Msg("Delivery worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Int("pending", len(w.queue)).Msg("Delivery worker stopped")
			return
		case msg, ok := <-w.queue:
			if !ok {
				w.logger.Info().Msg("Delivery worker drained")
				return
			}
			w.deliver(ctx, msg)
		}
	}
}

// Stop closes the queue and waits until queued replies are delivered or ctx expires.
func (w *DeliveryWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, msg *models.OutboundMessage) {
	attempts := w.opts.Retry.Attempts()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
		err = w.sink.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return
		}

		w.logger.Warn().
			Err(err).
			Int64("chat_id", msg.ChatID).
			Int("attempt", attempt).
			Msg("Reply delivery failed")

		if attempt == attempts {
			break
		}
		if waitErr := w.opts.Retry.Wait(ctx, attempt); waitErr != nil {
			break
		}
	}

	w.fail(ctx, msg, err, attempts)
}

func (w *DeliveryWorker) fail(ctx context.Context, msg *models.OutboundMessage, cause error, attempts int) {
	w.metrics.IncDeliveryFailure()
	w.logger.Error().
		Err(cause).
		Int64("chat_id", msg.ChatID).
		Int("attempts", attempts).
		Msg("Reply dropped after retries")

	if w.events != nil {
		_ = w.events.PublishJSON(events.EventDeliveryFailed, events.ConversationEventPayload{
			ChatID: msg.ChatID,
			Reason: "async delivery",
			Error:  cause.Error(),
		})
	}

	w.pushDeadLetter(ctx, msg, cause, attempts)
}

func (w *DeliveryWorker) pushDeadLetter(ctx context.Context, msg *models.OutboundMessage, cause error, attempts int) {
	if w.opts.DeadLetter == nil {
		return
	}

	data, err := json.Marshal(deadLetter{
		Message:  msg,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to encode dead letter")
		return
	}

	ctx = context.WithoutCancel(ctx)
	if _, err := w.opts.DeadLetter.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, DeadLetterKey, data)
		pipe.LTrim(ctx, DeadLetterKey, 0, deadLetterCap-1)
		return nil
	}); err != nil {
		w.logger.Error().Err(err).Int64("chat_id", msg.ChatID).Msg("Dead letter push failed")
	}
}
