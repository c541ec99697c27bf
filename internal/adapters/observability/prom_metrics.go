package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmlab/pm-ingest/internal/ports"
)

// Metric names shared by the pipeline, the HTTP layer and the stats command.
const (
	MetricAccepted       = "pm_measurements_accepted_total"
	MetricRejected       = "pm_measurements_rejected_total"
	MetricAppendFailures = "pm_log_append_failures_total"
	MetricMirrorFailures = "pm_mirror_failures_total"
	MetricAppendLatency  = "pm_log_append_latency_seconds"
	MetricLogSize        = "pm_log_size_bytes"
	MetricQueueLength    = "pm_queue_length"
)

// PromObs logs through zap and records metrics on a Prometheus registerer.
type PromObs struct {
	log      *zap.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	rejected *prometheus.CounterVec
}

func NewPromObs(reg prometheus.Registerer, logger *zap.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	accepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricAccepted,
		Help: "Measurements that passed validation and were handed to the writer.",
	})
	appendFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricAppendFailures,
		Help: "Accepted measurements that could not be appended to the data log.",
	})
	mirrorFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricMirrorFailures,
		Help: "Batches the mirror sink failed to store or skipped while its breaker was open.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MetricRejected,
		Help: "Requests refused with 400, by reason.",
	}, []string{"reason"})
	logSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricLogSize,
		Help: "Size of the CSV data log on disk.",
	})
	queueLen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricQueueLength,
		Help: "Records waiting for the writer.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricAppendLatency,
		Help:    "Time spent appending one batch to the data log.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	reg.MustRegister(accepted, appendFailures, mirrorFailures, rejected, logSize, queueLen, latency)

	return &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			MetricAccepted:       accepted,
			MetricAppendFailures: appendFailures,
			MetricMirrorFailures: mirrorFailures,
		},
		gauges: map[string]prometheus.Gauge{
			MetricLogSize:     logSize,
			MetricQueueLength: queueLen,
		},
		histos: map[string]prometheus.Observer{
			MetricAppendLatency: latency,
		},
		rejected: rejected,
	}
}

func (p *PromObs) Logger() *zap.Logger { return p.log }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, zapFields(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordRejected(reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func zapFields(fields []ports.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
