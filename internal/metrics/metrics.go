package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "convobot"

// Update outcomes.
const (
	OutcomeCommitted    = "committed"
	OutcomeFinished     = "finished"
	OutcomeRejected     = "rejected"
	OutcomeDropped      = "dropped"
	OutcomeUnknownState = "unknown_state"
	OutcomeHandled      = "handled"
	OutcomeError        = "error"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers the HTTP metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// Metrics holds the dispatch metrics. A nil *Metrics records nothing.
type Metrics struct {
	UpdatesHandled   *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	CommitConflicts  prometheus.Counter
	DeliveryFailures prometheus.Counter
	HandleDuration   prometheus.Histogram
	ActiveWorkers    prometheus.Gauge
	QueueRejected    prometheus.Counter
	Panics           prometheus.Counter
	RateLimited      prometheus.Counter
	SweptContexts    prometheus.Counter
}

// NewMetrics creates the dispatch metrics on reg, or on the default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		UpdatesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_handled_total",
			Help:      "Updates processed by outcome.",
		}, []string{"outcome"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed transitions by kind.",
		}, []string{"kind"}),

		CommitConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_conflicts_total",
			Help:      "Optimistic commits rejected because of a version mismatch.",
		}),

		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Replies the sink failed to deliver.",
		}),

		HandleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_processing_time_seconds",
			Help:      "Time spent dispatching a single update.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversation_workers",
			Help:      "Per-conversation workers currently running.",
		}),

		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Updates rejected because a conversation queue was full.",
		}),

		Panics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered panics while handling updates.",
		}),

		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Updates dropped by the per-user rate limit.",
		}),

		SweptContexts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_contexts_total",
			Help:      "Idle conversations removed by the sweeper.",
		}),
	}
}

func (m *Metrics) ObserveUpdate(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpdatesHandled.WithLabelValues(outcome).Inc()
	m.HandleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncTransition(kind string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.CommitConflicts.Inc()
}

func (m *Metrics) IncDeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}

func (m *Metrics) IncQueueRejected() {
	if m == nil {
		return
	}
	m.QueueRejected.Inc()
}

func (m *Metrics) IncPanic() {
	if m == nil {
		return
	}
	m.Panics.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptContexts.Add(float64(n))
}
