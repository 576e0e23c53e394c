package ingestd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetry owns the optional observability surfaces: OTLP trace export, a
// Prometheus scrape endpoint, and a pprof listener. Each one is enabled
// individually through Config; with none enabled the server carries no
// telemetry state at all.
type telemetry struct {
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	aux    []auxServer
	logger pslog.Logger
}

// auxServer is a sidecar HTTP listener (metrics or pprof) owned by telemetry.
type auxServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// newTelemetry wires up the surfaces cfg enables. Returns (nil, nil) when
// none are. On a partial failure everything already started is shut down
// before the error is returned.
func newTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !cfg.EnableProfilingMetrics {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("ingestd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.Shutdown(shutdownCtx)
		return nil, err
	}

	if endpoint != "" {
		target, err := parseCollectorEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return fail(err)
		}
		t.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.traces)
		logger.Info("telemetry.tracing.enabled",
			"transport", target.transport,
			"collector", target.addr,
			"plaintext", target.plaintext,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		reader, err := otelprometheus.New(opts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: prometheus exporter: %w", err))
		}
		t.meters = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(t.meters)
		if cfg.EnableProfilingMetrics {
			if err := startRuntimeMetrics(t.meters); err != nil {
				return fail(err)
			}
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := t.listenAux("metrics", metricsListen, mux); err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled",
			"listen", metricsListen,
			"runtime_metrics", cfg.EnableProfilingMetrics,
		)
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := t.listenAux("pprof", pprofListen, mux); err != nil {
			return fail(err)
		}
		logger.Info("telemetry.pprof.enabled", "listen", pprofListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		if err == nil {
			return
		}
		// The grpc exporter funnels transient reconnect noise through here.
		if strings.Contains(err.Error(), "connections to become ready") {
			logger.Debug("telemetry.export.retry", "error", err)
			return
		}
		logger.Warn("telemetry.export.error", "error", err)
	}))

	return t, nil
}

// listenAux binds a sidecar HTTP server, serves it in the background, and
// records it for Shutdown.
func (t *telemetry) listenAux(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen on %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: handler}
	t.aux = append(t.aux, auxServer{name: name, srv: srv, ln: ln})
	logger := t.logger
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.listener.failed", "name", name, "error", err)
		}
	}()
	return nil
}

// Shutdown stops every surface, collecting failures instead of aborting on
// the first one. Safe on a nil receiver.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, aux := range t.aux {
		if err := aux.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", aux.name, err))
		}
		_ = aux.ln.Close()
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

// startRuntimeMetrics registers the Go runtime instrumentation once per
// process; the otel runtime package rejects a second registration.
func startRuntimeMetrics(provider *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	if runtimeMetricsErr != nil {
		return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
	}
	return nil
}

const (
	defaultOTLPGRPCPort = "4317"
	defaultOTLPHTTPPort = "4318"
)

// collectorTarget is a resolved OTLP trace destination.
type collectorTarget struct {
	transport string // "grpc" or "http"
	addr      string // host:port
	urlPath   string // http transport only
	plaintext bool
}

// parseCollectorEndpoint resolves the notation Config.OTLPEndpoint accepts.
// A bare host[:port] means plaintext grpc on the default collector port;
// otherwise the scheme picks the transport (grpc, grpcs, http, https) and
// the default port follows the transport.
func parseCollectorEndpoint(raw string) (collectorTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return collectorTarget{}, fmt.Errorf("telemetry: empty collector endpoint")
	}
	if !strings.Contains(raw, "://") {
		return collectorTarget{
			transport: "grpc",
			addr:      withDefaultPort(raw, defaultOTLPGRPCPort),
			plaintext: true,
		}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collectorTarget{}, fmt.Errorf("telemetry: parse collector endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if host == "" {
		return collectorTarget{}, fmt.Errorf("telemetry: collector endpoint %q has no host", raw)
	}
	target := collectorTarget{urlPath: strings.TrimSuffix(u.Path, "/")}
	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "grpc", "grpcs":
		target.transport = "grpc"
		target.addr = withDefaultPort(host, defaultOTLPGRPCPort)
		target.plaintext = scheme == "grpc"
	case "http", "https":
		target.transport = "http"
		target.addr = withDefaultPort(host, defaultOTLPHTTPPort)
		target.plaintext = scheme == "http"
	default:
		return collectorTarget{}, fmt.Errorf("telemetry: unsupported collector scheme %q", u.Scheme)
	}
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}

// newTraceExporter dials the collector over the transport the target names.
func newTraceExporter(ctx context.Context, target collectorTarget) (sdktrace.SpanExporter, error) {
	switch target.transport {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.addr),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.plaintext {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")),
			))
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: grpc trace exporter: %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.addr),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.plaintext {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.urlPath != "" && target.urlPath != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.urlPath))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: http trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported transport %q", target.transport)
	}
}
