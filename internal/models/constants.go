package models

import "time"

const (
	ParseModeMarkdown = "Markdown"
	ParseModeHTML     = "HTML"
)

const (
	// DefaultInitialState is used when the configuration names none.
	DefaultInitialState StateID = "start"

	// DefaultIdleTimeout evicts conversations nobody touched for a day.
	DefaultIdleTimeout = 24 * time.Hour

	// DefaultSweepInterval is how often idle conversations are swept.
	DefaultSweepInterval = 10 * time.Minute

	// DefaultMaxCommitRetries bounds re-dispatch after an optimistic commit conflict.
	DefaultMaxCommitRetries = 1

	// DefaultQueueSize is the per-conversation backlog of the keyed worker pool.
	DefaultQueueSize = 64

	// DefaultDeliveryQueueSize is the backlog of the async reply worker.
	DefaultDeliveryQueueSize = 1000

	// DefaultDeliveryTimeout bounds a single reply delivery.
	DefaultDeliveryTimeout = 10 * time.Second

	// RateLimitMessages is the number of updates allowed per user in RateLimitWindow.
	RateLimitMessages = 20

	// RateLimitWindow in seconds.
	RateLimitWindow = 60

	// UpdateTimeout bounds the processing of a single update.
	UpdateTimeout = 30 * time.Second
)
