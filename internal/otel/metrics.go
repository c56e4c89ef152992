package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pipeline's metric instruments.
type Metrics struct {
	FramesReceived  metric.Int64Counter
	DecodeErrors    metric.Int64Counter
	EventsRouted    metric.Int64Counter
	EventsDropped   metric.Int64Counter
	BatchEnqueued   metric.Int64Counter
	BatchFlushes    metric.Int64Counter
	BatchCoalesced  metric.Int64Histogram
	Reconnects      metric.Int64Counter
	StoreActions    metric.Int64Counter
	JournalFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FramesReceived, err = meter.Int64Counter("streamsync.frames.received",
		metric.WithDescription("WebSocket frames received"),
	)
	if err != nil {
		return nil, err
	}

	m.DecodeErrors, err = meter.Int64Counter("streamsync.frames.decode_errors",
		metric.WithDescription("Frames dropped after failing JSON and base64 decode"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRouted, err = meter.Int64Counter("streamsync.events.routed",
		metric.WithDescription("Frames dispatched to a registered handler"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("streamsync.events.dropped",
		metric.WithDescription("Diagnostic and unmatched frames dropped"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchEnqueued, err = meter.Int64Counter("streamsync.batch.enqueued",
		metric.WithDescription("Events queued for coalesced application"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchFlushes, err = meter.Int64Counter("streamsync.batch.flushes",
		metric.WithDescription("Micro-batch flushes executed"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchCoalesced, err = meter.Int64Histogram("streamsync.batch.coalesced",
		metric.WithDescription("Events applied per flush"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("streamsync.conn.reconnects",
		metric.WithDescription("Reconnect attempts scheduled after close"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreActions, err = meter.Int64Counter("streamsync.store.actions",
		metric.WithDescription("Atomic update batches committed to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalFailures, err = meter.Int64Counter("streamsync.journal.failures",
		metric.WithDescription("Journal writes that failed and were skipped"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
