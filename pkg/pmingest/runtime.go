package pmingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pmlab/pm-ingest/internal/adapters/csvlog"
	"github.com/pmlab/pm-ingest/internal/adapters/httpapi"
	"github.com/pmlab/pm-ingest/internal/adapters/netinfo"
	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/adapters/queue"
	"github.com/pmlab/pm-ingest/internal/adapters/sink"
	"github.com/pmlab/pm-ingest/internal/app/ingest"
	"github.com/pmlab/pm-ingest/internal/app/pipeline"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	logger        *zap.Logger
	registry      *prometheus.Registry
	observability Observability
	queue         RecordQueue
	primary       Sink
	mirrors       []Sink
	now           func() time.Time
}

// WithLogger reuses an existing zap logger instead of building one from Config.Logging.
func WithLogger(l *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry registers metrics on the given registry and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRecordQueue swaps the bounded in-memory queue.
func WithRecordQueue(q RecordQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithPrimarySink replaces the CSV data log. The header is not ensured when set.
func WithPrimarySink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.primary = s
	}
}

// WithMirror adds a sink that receives every batch after it reached the data log.
func WithMirror(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.mirrors = append(o.mirrors, s)
		}
	}
}

// WithClock overrides the clock used to timestamp measurements.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.now = now
	}
}

// Runtime wires the HTTP endpoint → queue → writer → data log pipeline and
// exposes lifecycle hooks for embedding the ingester in another Go service.
type Runtime struct {
	cfg      *Config
	log      *zap.Logger
	obs      ports.Observability
	registry *prometheus.Registry
	queue    ports.RecordQueue
	primary  ports.Sink
	mirrors  []ports.Sink
	svc      *ingest.Service
	writer   *pipeline.Writer
	app      *fiber.App
	db       *sql.DB

	listener   net.Listener
	metricsLn  net.Listener
	metricsSrv *http.Server

	writerStopCh chan struct{}
	writerDoneCh chan struct{}
	gaugeStopCh  chan struct{}
}

// NewRuntime ensures the data log exists with its header, then builds the
// default adapters. Options override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	logger := overrides.logger
	if logger == nil {
		var err error
		logger, err = observability.NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(reg, logger)
	}

	primary := overrides.primary
	if primary == nil {
		created, err := csvlog.EnsureHeader(cfg.DataLog.Path)
		if err != nil {
			return nil, fmt.Errorf("prepare data log: %w", err)
		}
		if created {
			obs.LogInfo("created new CSV file", ports.Field{Key: "path", Value: cfg.DataLog.Path})
		}
		fileSink, err := csvlog.NewFileSink(cfg.DataLog.Path, cfg.DataLog.Sync)
		if err != nil {
			return nil, err
		}
		primary = fileSink
	}

	mirrors := append([]ports.Sink(nil), overrides.mirrors...)
	var db *sql.DB
	if cfg.Mirror.Enabled() {
		var err error
		db, err = sql.Open("postgres", cfg.Mirror.ConnString)
		if err != nil {
			return nil, fmt.Errorf("open mirror: %w", err)
		}
		pg, err := sink.NewPostgresSink(db, cfg.Mirror.Table, cfg.Mirror.WriteTimeout)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			obs.LogError("mirror_schema_failed", err, ports.Field{Key: "table", Value: cfg.Mirror.Table})
		}
		cancel()
		mirrors = append(mirrors, sink.NewBreakerSink(pg, sink.BreakerSettings{
			MaxFailures: cfg.Mirror.MaxFailures,
			OpenTimeout: cfg.Mirror.OpenTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				obs.LogInfo("mirror_breaker_state",
					ports.Field{Key: "sink", Value: name},
					ports.Field{Key: "from", Value: from.String()},
					ports.Field{Key: "to", Value: to.String()})
			},
		}))
	}

	q := overrides.queue
	if q == nil {
		q = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
	}

	svc, err := ingest.NewService(q, cfg.Policy, obs, ingest.WithClock(overrides.now))
	if err != nil {
		return nil, err
	}
	w, err := pipeline.NewWriter(q, primary, mirrors, cfg.Policy, obs)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:      cfg,
		log:      logger,
		obs:      obs,
		registry: reg,
		queue:    q,
		primary:  primary,
		mirrors:  mirrors,
		svc:      svc,
		writer:   w,
		app: httpapi.New(svc, logger, httpapi.Options{
			BodyLimit:    cfg.Server.BodyLimit,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}),
		db: db,
	}, nil
}

// Start binds the device and metrics listeners and launches the writer.
// It returns immediately; call Run to block on a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}

	ln, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Server.Addr, err)
	}
	metricsLn, err := net.Listen("tcp", r.cfg.Metrics.Addr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen metrics %s: %w", r.cfg.Metrics.Addr, err)
	}
	r.listener, r.metricsLn = ln, metricsLn

	r.writerStopCh = make(chan struct{})
	r.writerDoneCh = make(chan struct{})
	go func() {
		r.writer.Run(r.writerStopCh)
		close(r.writerDoneCh)
	}()

	go func() {
		if err := r.app.Listener(ln); err != nil {
			r.obs.LogError("http_server_exited", err)
		}
	}()

	r.startMetrics()
	r.printBanner()
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, drains the writer queue into the data
// log, lets mirrors finish their backlog, then closes the metrics server and
// mirror database.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
		r.gaugeStopCh = nil
	}

	if r.listener != nil {
		if err := r.app.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if r.writerStopCh != nil {
		close(r.writerStopCh)
		select {
		case <-r.writerDoneCh:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("drain writer: %w", ctx.Err()))
		}
		r.writerStopCh = nil
	}
	if n := r.writer.Abandon(); n > 0 {
		r.obs.LogError("records_not_persisted", pipeline.ErrWriterStopped, ports.Field{Key: "records", Value: n})
	}
	if err := r.writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	_ = r.log.Sync()
	return errors.Join(errs...)
}

// Submit validates and queues a decoded JSON payload without going through HTTP.
func (r *Runtime) Submit(payload any) (*PendingAppend, error) {
	_, pending, err := r.svc.Submit(payload)
	if err != nil {
		return nil, err
	}
	go r.svc.Observe(pending)
	return pending, nil
}

// Addr is the bound device listener address, nil before Start.
func (r *Runtime) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// MetricsAddr is the bound metrics listener address, nil before Start.
func (r *Runtime) MetricsAddr() net.Addr {
	if r.metricsLn == nil {
		return nil
	}
	return r.metricsLn.Addr()
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.Serve(r.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()

	r.gaugeStopCh = make(chan struct{})
	go r.recordResourceGauges(r.gaugeStopCh, time.Second)
}

type statsSink interface {
	Stats() ports.SinkStats
}

func (r *Runtime) recordResourceGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s, ok := r.primary.(statsSink); ok {
				r.obs.SetGauge(observability.MetricLogSize, float64(s.Stats().SizeBytes))
			}
			r.obs.SetGauge(observability.MetricQueueLength, float64(r.queue.Len()))
		}
	}
}

func (r *Runtime) printBanner() {
	port := "0"
	if tcp, ok := r.listener.Addr().(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	}
	base := "http://" + net.JoinHostPort(netinfo.LocalIPv4(), port)

	r.log.Info("=== Power Meter Backend ===")
	r.log.Info("Listening on LAN: " + base)
	r.log.Info("Device endpoint: " + base + "/data")
	r.log.Info("Metrics: http://" + r.metricsLn.Addr().String() + "/metrics")
}
