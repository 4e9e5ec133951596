package delta

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StatementsSubmitted prometheus.Counter
	StatementPolls      prometheus.Counter
	StatementsFailed    *prometheus.CounterVec
	ChunksFetched       prometheus.Counter
	ChunkBytes          prometheus.Counter
	FieldDecodeErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	statementsSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_statements_submitted_total",
		Help: "Total statements submitted for execution",
	})

	statementPolls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_statement_polls_total",
		Help: "Total status polls of pending statements",
	})

	statementsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_statements_failed_total",
		Help: "Total statements that ended without results, by terminal state",
	}, []string{"state"})

	chunksFetched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_chunks_fetched_total",
		Help: "Total result chunks downloaded",
	})

	chunkBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_chunk_bytes_total",
		Help: "Total bytes of result chunk payloads downloaded",
	})

	fieldDecodeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_field_decode_errors_total",
		Help: "Total field values replaced by null because they could not be decoded, by type",
	}, []string{"type"})

	reg.MustRegister(statementsSubmitted, statementPolls, statementsFailed, chunksFetched, chunkBytes, fieldDecodeErrors)

	return &Metrics{
		StatementsSubmitted: statementsSubmitted,
		StatementPolls:      statementPolls,
		StatementsFailed:    statementsFailed,
		ChunksFetched:       chunksFetched,
		ChunkBytes:          chunkBytes,
		FieldDecodeErrors:   fieldDecodeErrors,
	}
}

func (m *Metrics) statementSubmitted() {
	if m != nil {
		m.StatementsSubmitted.Inc()
	}
}

func (m *Metrics) statementPolled() {
	if m != nil {
		m.StatementPolls.Inc()
	}
}

func (m *Metrics) statementFailed(state StatementState) {
	if m != nil {
		m.StatementsFailed.WithLabelValues(state.String()).Inc()
	}
}

func (m *Metrics) chunkFetched(bytes int64) {
	if m != nil {
		m.ChunksFetched.Inc()
		m.ChunkBytes.Add(float64(bytes))
	}
}

func (m *Metrics) fieldDecodeFailed(typeName string) {
	if m != nil {
		m.FieldDecodeErrors.WithLabelValues(typeName).Inc()
	}
}
