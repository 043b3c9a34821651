package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/coder/websocket"
)

// Close reasons sent to WebSocket callers.
const (
	wsReasonDone        = "done"
	wsReasonBadRequest  = "invalid request"
	wsReasonUpstream    = "upstream unavailable"
	wsReasonEmpty       = "upstream returned an empty stream"
	wsReasonInterrupted = "stream interrupted"
)

// wsWriter adapts websocket.Conn to io.Writer, sending each write as a text
// frame. The decoder keeps multi-byte runes from being split across frames.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
	dec  stream.Decoder
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	text := w.dec.Decode(p)
	if text == "" {
		return len(p), nil
	}
	if err := w.conn.Write(w.ctx, websocket.MessageText, []byte(text)); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		slog.Debug("WebSocket write error", "error", err)
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) flush() error {
	rest := w.dec.Flush()
	if rest == "" {
		return nil
	}
	return w.conn.Write(w.ctx, websocket.MessageText, []byte(rest))
}

// HandleAnswerWS handles GET /api/llm_providers/ws/gen_answer. The first
// text frame carries an AnswerRequest; every upstream chunk is sent back as
// a text frame and the socket is closed normally once the stream ends.
// Failures close the socket with StatusInternalError and a reason.
func (h *Handler) HandleAnswerWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.opts.MaxRequestBody)

	ctx, span := h.tracer.Start(r.Context(), "relay "+routeAnswerWS)
	defer span.End()
	h.metrics.inflight.WithLabelValues(routeAnswerWS).Inc()
	defer h.metrics.inflight.WithLabelValues(routeAnswerWS).Dec()

	_, data, err := ws.Read(ctx)
	if err != nil {
		slog.Debug("WebSocket closed before request", "error", err)
		return
	}

	var req AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.metrics.requests.WithLabelValues(routeAnswerWS, outcomeBadRequest).Inc()
		_ = ws.Close(websocket.StatusInvalidFramePayloadData, wsReasonBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.requests.WithLabelValues(routeAnswerWS, outcomeBadRequest).Inc()
		_ = ws.Close(websocket.StatusPolicyViolation, wsReasonBadRequest)
		return
	}

	body, err := h.upstream.Answer(ctx, req)
	if err != nil {
		h.fail(span, routeAnswerWS, outcomeUpstream, err)
		_ = ws.Close(websocket.StatusInternalError, wsReasonUpstream)
		return
	}
	defer body.Close()

	writer := &wsWriter{conn: ws, ctx: ctx}
	n, err := stream.Read(ctx, body, h.opts.IdleTimeout, func(p []byte) error {
		_, werr := writer.Write(p)
		return werr
	})
	h.metrics.bytes.WithLabelValues(routeAnswerWS).Add(float64(n))

	switch {
	case err == nil && n == 0:
		h.fail(span, routeAnswerWS, outcomeEmpty, errEmptyStream)
		_ = ws.Close(websocket.StatusInternalError, wsReasonEmpty)
	case err == nil:
		if ferr := writer.flush(); ferr != nil {
			slog.Debug("WebSocket flush failed", "error", ferr)
			return
		}
		h.metrics.requests.WithLabelValues(routeAnswerWS, outcomeOK).Inc()
		_ = ws.Close(websocket.StatusNormalClosure, wsReasonDone)
	case ctx.Err() != nil:
		h.metrics.requests.WithLabelValues(routeAnswerWS, outcomeClientGone).Inc()
	default:
		h.fail(span, routeAnswerWS, outcomeInterrupted, err)
		_ = ws.Close(websocket.StatusInternalError, wsReasonInterrupted)
	}
}
