package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/core"
	"pkt.systems/ingestd/internal/correlation"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/ingestd/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerChannel       = "X-Ingestd-Channel"
)

const (
	defaultJSONMaxBytes       = int64(16 << 20)
	defaultMaxChannelIDLength = 128
)

// Handler serves the collector HTTP API on top of the core Service.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	clock              clock.Clock
	tracer             trace.Tracer
	jsonMaxBytes       int64
	maxChannelIDLength int
	httpTracingEnabled bool
}

// Config configures a Handler.
type Config struct {
	Core               *core.Service
	Logger             pslog.Logger
	Clock              clock.Clock
	JSONMaxBytes       int64
	MaxChannelIDLength int
	DisableHTTPTracing bool
}

// New constructs a Handler using the supplied configuration.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	jsonMaxBytes := cfg.JSONMaxBytes
	if jsonMaxBytes <= 0 {
		jsonMaxBytes = defaultJSONMaxBytes
	}
	maxChannel := cfg.MaxChannelIDLength
	if maxChannel <= 0 {
		maxChannel = defaultMaxChannelIDLength
	}
	return &Handler{
		core:               cfg.Core,
		logger:             logger,
		clock:              clk,
		tracer:             otel.Tracer("pkt.systems/ingestd/httpapi"),
		jsonMaxBytes:       jsonMaxBytes,
		maxChannelIDLength: maxChannel,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
}

// Register wires all collector routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/services/collector/event", h.wrap("collector.event", h.handleEvent))
	mux.Handle("/services/collector/event/1.0", h.wrap("collector.event", h.handleEvent))
	mux.Handle("/services/collector/raw", h.wrap("collector.raw", h.handleRaw))
	mux.Handle("/services/collector/ack", h.wrap("collector.ack", h.handleAck))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// correlationAppliedKey marks log enrichment to avoid duplicate correlation fields.
type correlationAppliedKey struct{}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("ingestd.correlation_id", id))
		}
	}
	return ctx, logger
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "ingestd.http." + operation
	txSpanName := "ingestd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("ingestd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("ingestd.operation", operation),
				attribute.String("ingestd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)

		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("ingestd.error_code", httpErr.Code),
						attribute.Int("ingestd.error_status", httpErr.Status),
					)
				} else {
					span.SetAttributes(attribute.String("ingestd.error_code", "internal"))
				}
			}
			if corr := correlation.ID(r.Context()); corr != "" {
				w.Header().Set(headerCorrelationID, corr)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		if corr := correlation.ID(r.Context()); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status             int
	Code               string
	Detail             string
	InvalidEventNumber *int
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// wireCode maps transport-neutral failure codes onto the numeric codes the
// collector protocol puts in every response body.
func wireCode(code string) int {
	switch code {
	case core.CodeNoData:
		return api.CodeNoData
	case core.CodeChannelMissing:
		return api.CodeChannelMissing
	case core.CodeAckDisabled:
		return api.CodeAckDisabled
	case core.CodeChannelLimit, core.CodeStorageUnavailable, core.CodeServerBusy:
		return api.CodeServerBusy
	case codeEventFieldRequired:
		return api.CodeEventFieldRequired
	case codeEventFieldBlank:
		return api.CodeEventFieldBlank
	default:
		return api.CodeInvalidDataFormat
	}
}

func convertCoreError(err error) error {
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		resp := api.ErrorResponse{
			Text:               httpErr.Detail,
			Code:               wireCode(httpErr.Code),
			InvalidEventNumber: httpErr.InvalidEventNumber,
		}
		if resp.Text == "" {
			resp.Text = httpErr.Code
		}
		h.writeJSON(w, httpErr.Status, resp, nil)
		return
	}
	logger.Error("http.request.panic", "error", err)
	resp := api.ErrorResponse{
		Text: "Internal server error",
		Code: api.CodeInternalError,
	}
	h.writeJSON(w, http.StatusInternalServerError, resp, nil)
}
