// Package relay implements the streaming proxy between chat clients and the
// inference service, plus the client the chat engine uses to call it.
//
// The relay does not parse or buffer upstream output. Each read is written to
// the caller and flushed at once. A failure before the first byte becomes a
// 502; a failure after it aborts the response so the caller sees a truncated
// body instead of a clean end.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	routeAnswer   = "gen_answer"
	routeChatName = "gen_chat_name"
	routeSimple   = "simple_get"
	routeAnswerWS = "ws_gen_answer"
)

// defaultMaxRequestBodySize is used when no limit is configured (25MB).
const defaultMaxRequestBodySize = 25 << 20

var (
	errClientGone  = errors.New("client disconnected")
	errEmptyStream = fmt.Errorf("%w: empty stream", domain.ErrUpstreamUnavailable)
)

// Streamer opens upstream streams. *Upstream implements it.
type Streamer interface {
	Answer(ctx context.Context, req AnswerRequest) (io.ReadCloser, error)
	ChatName(ctx context.Context, msgs []domain.Message) (io.ReadCloser, error)
	Simple(ctx context.Context, prompt string) (io.ReadCloser, error)
}

// Options tunes a Handler.
type Options struct {
	IdleTimeout    time.Duration
	MaxRequestBody int64
	AllowedOrigins []string
}

// Handler serves the relay routes.
type Handler struct {
	upstream Streamer
	metrics  *Metrics
	tracer   trace.Tracer
	opts     Options
}

// NewHandler creates a relay handler.
func NewHandler(upstream Streamer, metrics *Metrics, opts Options) *Handler {
	if opts.MaxRequestBody <= 0 {
		opts.MaxRequestBody = defaultMaxRequestBodySize
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		upstream: upstream,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/ashureev/chatrelay/internal/relay"),
		opts:     opts,
	}
}

// RegisterRoutes registers the relay routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/llm_providers", func(r chi.Router) {
		r.Post("/gen_answer", h.HandleAnswer)
		r.Post("/gen_chat_name", h.HandleChatName)
		r.Post("/simple_get", h.HandleSimple)
		r.Get("/ws/gen_answer", h.HandleAnswerWS)
	})
}

// HandleAnswer handles POST /api/llm_providers/gen_answer.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !h.decode(w, r, routeAnswer, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.reject(w, routeAnswer, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("Relay answer request",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"conversation_id", req.ConversationID,
		"query_length", len(req.Query),
		"files", len(req.Files),
	)
	h.relay(w, r, routeAnswer, func(ctx context.Context) (io.ReadCloser, error) {
		return h.upstream.Answer(ctx, req)
	})
}

// HandleChatName handles POST /api/llm_providers/gen_chat_name.
func (h *Handler) HandleChatName(w http.ResponseWriter, r *http.Request) {
	var req ChatNameRequest
	if !h.decode(w, r, routeChatName, &req) {
		return
	}
	if len(req.Context) == 0 {
		h.reject(w, routeChatName, http.StatusBadRequest, "context is required")
		return
	}
	h.relay(w, r, routeChatName, func(ctx context.Context) (io.ReadCloser, error) {
		return h.upstream.ChatName(ctx, req.Context)
	})
}

// HandleSimple handles POST /api/llm_providers/simple_get.
func (h *Handler) HandleSimple(w http.ResponseWriter, r *http.Request) {
	var req SimpleRequest
	if !h.decode(w, r, routeSimple, &req) {
		return
	}
	if req.Prompt == "" {
		h.reject(w, routeSimple, http.StatusBadRequest, "prompt is required")
		return
	}
	h.relay(w, r, routeSimple, func(ctx context.Context) (io.ReadCloser, error) {
		return h.upstream.Simple(ctx, req.Prompt)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, route string, v any) bool {
	if status, err := api.DecodeJSON(w, r, h.opts.MaxRequestBody, v); err != nil {
		h.reject(w, route, status, err.Error())
		return false
	}
	return true
}

func (h *Handler) reject(w http.ResponseWriter, route string, status int, msg string) {
	h.metrics.requests.WithLabelValues(route, outcomeBadRequest).Inc()
	api.Error(w, status, msg)
}

// relay opens the upstream stream and copies it to w chunk by chunk.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, route string, open func(context.Context) (io.ReadCloser, error)) {
	ctx, span := h.tracer.Start(r.Context(), "relay "+route, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	h.metrics.inflight.WithLabelValues(route).Inc()
	defer h.metrics.inflight.WithLabelValues(route).Dec()
	defer func() {
		h.metrics.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	body, err := open(ctx)
	if err != nil {
		h.fail(span, route, outcomeUpstream, err)
		api.Error(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer body.Close()

	started := false
	n, err := stream.Read(ctx, body, h.opts.IdleTimeout, func(p []byte) error {
		if !started {
			started = true
			h.metrics.firstByte.WithLabelValues(route).Observe(time.Since(start).Seconds())
			setStreamHeaders(w)
			w.WriteHeader(http.StatusOK)
		}
		if _, werr := w.Write(p); werr != nil {
			return fmt.Errorf("%w: %v", errClientGone, werr)
		}
		flusher.Flush()
		return nil
	})
	h.metrics.bytes.WithLabelValues(route).Add(float64(n))
	span.SetAttributes(attribute.Int64("relay.bytes", n))

	switch {
	case err == nil && n == 0:
		h.fail(span, route, outcomeEmpty, errEmptyStream)
		api.Error(w, http.StatusBadGateway, "upstream returned an empty stream")
	case err == nil:
		h.metrics.requests.WithLabelValues(route, outcomeOK).Inc()
		slog.Debug("Relay stream complete", "route", route, "bytes", n, "duration", time.Since(start))
	case errors.Is(err, errClientGone) || r.Context().Err() != nil:
		h.metrics.requests.WithLabelValues(route, outcomeClientGone).Inc()
		slog.Debug("Relay caller went away", "route", route, "bytes", n)
	case !started:
		h.fail(span, route, outcomeUpstream, err)
		api.Error(w, http.StatusBadGateway, "upstream unavailable")
	default:
		h.fail(span, route, outcomeInterrupted, err)
		// Abort so the chunked body is not terminated and the caller
		// cannot mistake the partial answer for a complete one.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) fail(span trace.Span, route, outcome string, err error) {
	h.metrics.requests.WithLabelValues(route, outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	slog.Warn("Relay stream failed", "route", route, "outcome", outcome, "error", err)
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
