package segmenter

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	blocks          metric.Int64Counter
	readErrors      metric.Int64Counter
	partials        metric.Int64Counter
	finals          metric.Int64Counter
	anomalies       metric.Int64Counter
	switches        metric.Int64Counter
	resends         metric.Int64Counter
	finalizeLatency metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.blocks, "asr.blocks", "Audio blocks consumed"},
		{&m.readErrors, "asr.read_errors", "Audio blocks skipped after a read failure"},
		{&m.partials, "asr.partials", "Partial utterance events emitted"},
		{&m.finals, "asr.finals", "Utterances finalized"},
		{&m.anomalies, "asr.endpoint_anomalies", "Endpoints signalled before any decoded frame"},
		{&m.switches, "asr.speaker_switches", "Confirmed speaker switches"},
		{&m.resends, "asr.resends", "Blocks resent to a new utterance"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}
	m.finalizeLatency, err = meter.Float64Histogram("asr.finalize.duration",
		metric.WithDescription("Time spent finalizing an utterance"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create finalize histogram: %w", err)
	}
	return &m, nil
}
