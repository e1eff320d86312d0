// Package telemetry wires the otel meter API into SCG poll attempts
// and BSE drain cycles. It deliberately carries no exporter: the
// ambient stack asks for instrumentation, not a specific backend, so
// the default SDK no-op provider is what's wired in the absence of an
// OTLP endpoint in Config.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/searchmesh/cachesync"

// Metrics holds the counters and the up-down counter the cascade and
// the sync engine report against.
type Metrics struct {
	SimilarityAttempts metric.Int64Counter
	SimilarityHits     metric.Int64Counter
	LLMCalls           metric.Int64Counter
	LLMErrors          metric.Int64Counter
	QueueDepth         metric.Int64UpDownCounter
	SyncDelivered       metric.Int64Counter
	SyncDropped         metric.Int64Counter
}

// New builds Metrics against the globally configured otel MeterProvider.
func New() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	similarityAttempts, err := meter.Int64Counter("cachesync.similarity.attempts")
	if err != nil {
		return nil, err
	}
	similarityHits, err := meter.Int64Counter("cachesync.similarity.hits")
	if err != nil {
		return nil, err
	}
	llmCalls, err := meter.Int64Counter("cachesync.llm.calls")
	if err != nil {
		return nil, err
	}
	llmErrors, err := meter.Int64Counter("cachesync.llm.errors")
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64UpDownCounter("cachesync.queue.depth")
	if err != nil {
		return nil, err
	}
	syncDelivered, err := meter.Int64Counter("cachesync.sync.delivered")
	if err != nil {
		return nil, err
	}
	syncDropped, err := meter.Int64Counter("cachesync.sync.dropped")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		SimilarityAttempts: similarityAttempts,
		SimilarityHits:      similarityHits,
		LLMCalls:            llmCalls,
		LLMErrors:           llmErrors,
		QueueDepth:          queueDepth,
		SyncDelivered:       syncDelivered,
		SyncDropped:         syncDropped,
	}, nil
}

// RecordSimilarityAttempt records one SCG lookup (a whole Find call,
// not a single poll) and, on hit, also increments the hit counter.
func (m *Metrics) RecordSimilarityAttempt(ctx context.Context, hit bool) {
	m.SimilarityAttempts.Add(ctx, 1)
	if hit {
		m.SimilarityHits.Add(ctx, 1)
	}
}

// RecordLLMCall records one LLM completion call and whether it errored.
func (m *Metrics) RecordLLMCall(ctx context.Context, err error) {
	m.LLMCalls.Add(ctx, 1)
	if err != nil {
		m.LLMErrors.Add(ctx, 1)
	}
}

// RecordSyncOutcome records one drain-cycle outcome: delivered or
// dropped (expired).
func (m *Metrics) RecordSyncOutcome(ctx context.Context, delivered bool) {
	if delivered {
		m.SyncDelivered.Add(ctx, 1)
	} else {
		m.SyncDropped.Add(ctx, 1)
	}
}
