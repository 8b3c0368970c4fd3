package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"convobot/internal/metrics"
	"convobot/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull  = errors.New("worker: conversation queue is full")
	ErrPoolClosed = errors.New("worker: pool is closed")
)

// Job is one unit of work for a conversation.
type Job = func()

type keyWorker struct {
	jobs chan Job
}

// KeyedPool runs jobs of one conversation strictly in submission order on a
// single goroutine, while different conversations run in parallel. A
// conversation's goroutine exits after idleTimeout without work.
type KeyedPool struct {
	mu          sync.Mutex
	workers     map[models.ConversationKey]*keyWorker
	closed      bool
	queueSize   int
	idleTimeout time.Duration
	wg          sync.WaitGroup
	logger      *zerolog.Logger
	metrics     *metrics.Metrics
}

func NewKeyedPool(queueSize int, idleTimeout time.Duration, logger *zerolog.Logger, m *metrics.Metrics) *KeyedPool {
	if queueSize <= 0 {
		queueSize = models.DefaultQueueSize
	}
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "keyed_pool").Logger()

	return &KeyedPool{
		workers:     make(map[models.ConversationKey]*keyWorker),
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		logger:      &l,
		metrics:     m,
	}
}

// Submit queues job behind the earlier jobs of key. It never blocks.
func (p *KeyedPool) Submit(key models.ConversationKey, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	w, ok := p.workers[key]
	if !ok {
		w = &keyWorker{jobs: make(chan Job, p.queueSize)}
		p.workers[key] = w
		p.wg.Add(1)
		p.metrics.WorkerStarted()
		go p.run(key, w)
	}

	// sending under p.mu keeps an exiting worker from missing the job
	select {
	case w.jobs <- job:
		return nil
	default:
		p.metrics.IncQueueRejected()
		return fmt.Errorf("%w: %s", ErrQueueFull, key)
	}
}

func (p *KeyedPool) run(key models.ConversationKey, w *keyWorker) {
	defer p.wg.Done()
	defer p.metrics.WorkerStopped()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			p.execute(key, job)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			p.mu.Lock()
			if len(w.jobs) > 0 || p.closed {
				p.mu.Unlock()
				timer.Reset(p.idleTimeout)
				continue
			}
			delete(p.workers, key)
			p.mu.Unlock()
			return
		}
	}
}

func (p *KeyedPool) execute(key models.ConversationKey, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncPanic()
			p.logger.Error().
				Interface("panic", r).
				Str("conversation", key.String()).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in conversation job")
		}
	}()
	job()
}

// Active returns the number of running conversation goroutines.
func (p *KeyedPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop rejects new jobs, lets queued jobs finish and waits for the workers or ctx.
func (p *KeyedPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for key, w := range p.workers {
			close(w.jobs)
			delete(p.workers, key)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
