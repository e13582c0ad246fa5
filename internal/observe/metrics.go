// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics and the provider setup that bridges them to
// a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/cadenzahq/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from first audio frame to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM response generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks total text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TTSTimeToFirstByte tracks synthesis time to first audio byte.
	TTSTimeToFirstByte metric.Float64Histogram

	// --- Pipeline counters ---

	// Transcriptions counts final transcripts received from the STT engine.
	Transcriptions metric.Int64Counter

	// STTReconnects counts STT reconnect attempts.
	STTReconnects metric.Int64Counter

	// TTSRequests counts synthesis requests. Use with attribute:
	//   attribute.String("status", "ok"|"failed"|"cancelled"|"unhealthy")
	TTSRequests metric.Int64Counter

	// LLMRequests counts completion requests. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMFallbacks counts fallback activations after a primary failure.
	LLMFallbacks metric.Int64Counter

	// ServiceErrors counts error-bus events. Use with attributes:
	//   attribute.String("service", ...), attribute.String("type", ...)
	ServiceErrors metric.Int64Counter

	// --- Memory subsystem counters ---

	// ExtractionShortcuts counts extractions served by the regex fast path.
	ExtractionShortcuts metric.Int64Counter

	// ExtractionFull counts extractions that went through the LLM.
	ExtractionFull metric.Int64Counter

	// DuplicatesEmbedding counts duplicates caught by embedding similarity.
	DuplicatesEmbedding metric.Int64Counter

	// DuplicatesText counts duplicates caught by text similarity.
	DuplicatesText metric.Int64Counter

	// TemporalRegexDetected counts validity periods inferred by regex.
	TemporalRegexDetected metric.Int64Counter

	// TemporalLLMDetected counts validity periods inferred by the LLM.
	TemporalLLMDetected metric.Int64Counter

	// TemporalPermanent counts facts classified as permanent.
	TemporalPermanent metric.Int64Counter

	// ErrorGuardSkips counts extractions skipped while the guard is active.
	ErrorGuardSkips metric.Int64Counter

	// RetrievalTotal counts memory retrieval calls.
	RetrievalTotal metric.Int64Counter

	// FactsPruned counts facts removed by the pruning pass.
	FactsPruned metric.Int64Counter

	// SummariesCreated counts summary facts written by the summarizer.
	SummariesCreated metric.Int64Counter

	// FactsSummarized counts original facts folded into summaries.
	FactsSummarized metric.Int64Counter

	// ClustersFound counts clusters the summarizer accepted.
	ClustersFound metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSTTConnections tracks open STT sockets.
	ActiveSTTConnections metric.Int64UpDownCounter

	// ActivePlugins tracks running plugin instances.
	ActivePlugins metric.Int64UpDownCounter

	// PendingExtractions tracks queued extraction tasks being processed.
	PendingExtractions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "cadenza.stt.duration", "Time from first audio frame to final transcript."},
		{&met.LLMDuration, "cadenza.llm.duration", "Latency of LLM response generation."},
		{&met.TTSDuration, "cadenza.tts.duration", "Total latency of text-to-speech synthesis."},
		{&met.TTSTimeToFirstByte, "cadenza.tts.ttfb", "Synthesis time to first audio byte."},
	}
	for _, h := range histograms {
		inst, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Transcriptions, "cadenza.stt.transcriptions", "Final transcripts received from the STT engine."},
		{&met.STTReconnects, "cadenza.stt.reconnects", "STT reconnect attempts."},
		{&met.TTSRequests, "cadenza.tts.requests", "Synthesis requests by status."},
		{&met.LLMRequests, "cadenza.llm.requests", "Completion requests by kind and status."},
		{&met.LLMFallbacks, "cadenza.llm.fallbacks", "Fallback activations after a primary provider failure."},
		{&met.ServiceErrors, "cadenza.service.errors", "Error-bus events by service and type."},
		{&met.ExtractionShortcuts, "cadenza.memory.extraction_shortcuts", "Extractions served by the regex fast path."},
		{&met.ExtractionFull, "cadenza.memory.extraction_full", "Extractions processed through the LLM."},
		{&met.DuplicatesEmbedding, "cadenza.memory.duplicates_embedding", "Duplicate facts caught by embedding similarity."},
		{&met.DuplicatesText, "cadenza.memory.duplicates_text", "Duplicate facts caught by text similarity."},
		{&met.TemporalRegexDetected, "cadenza.memory.temporal_regex_detected", "Validity periods inferred by regex."},
		{&met.TemporalLLMDetected, "cadenza.memory.temporal_llm_detected", "Validity periods inferred by the LLM."},
		{&met.TemporalPermanent, "cadenza.memory.temporal_permanent", "Facts classified as permanent."},
		{&met.ErrorGuardSkips, "cadenza.memory.error_guard_skips", "Extractions skipped while the error guard is active."},
		{&met.RetrievalTotal, "cadenza.memory.retrieval_total", "Memory retrieval calls."},
		{&met.FactsPruned, "cadenza.memory.facts_pruned", "Facts removed by the pruning pass."},
		{&met.SummariesCreated, "cadenza.memory.summaries_created", "Summary facts written by the summarizer."},
		{&met.FactsSummarized, "cadenza.memory.facts_summarized", "Original facts folded into summaries."},
		{&met.ClustersFound, "cadenza.memory.clusters_found", "Clusters accepted by the summarizer."},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveSessions, "cadenza.active_sessions", "Number of live voice sessions."},
		{&met.ActiveSTTConnections, "cadenza.stt.active_connections", "Open STT sockets."},
		{&met.ActivePlugins, "cadenza.plugins.active", "Running plugin instances."},
		{&met.PendingExtractions, "cadenza.memory.pending_extractions", "Extraction tasks currently being processed."},
	}
	for _, g := range gauges {
		inst, err := m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, err
		}
		*g.dst = inst
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMRequest records a completion request with the standard attribute
// set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, kind, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTTSRequest records a synthesis request with its outcome.
func (m *Metrics) RecordTTSRequest(ctx context.Context, status string) {
	m.TTSRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordServiceError records an error-bus event by service and error type.
func (m *Metrics) RecordServiceError(ctx context.Context, service, errorType string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("type", errorType),
		),
	)
}
