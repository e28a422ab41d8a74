package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-tenant-gateway/internal/logctx"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
)

// lockedWriteFlusher serializes writes and flushes and refuses to write once
// ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Flusher.Flush()
}

// resolveChannelSession loads the session named by the request header. On
// /mcp/{tenantId} the session must belong to that tenant.
func (h *Handler) resolveChannelSession(r *http.Request) (*sessions.Transport, error) {
	sid := r.Header.Get(mcpSessionIDHeader)
	if tenantID := r.PathValue("tenantId"); tenantID != "" {
		return h.registry.ResolveForTenant(sid, tenantID)
	}
	return h.registry.Resolve(sid)
}

// handleGetSession streams queued server notifications for a session as SSE
// until the client goes away or the session closes.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.authenticateChannel(ctx, w, r) {
		return
	}

	tr, err := h.resolveChannelSession(r)
	if err != nil {
		http.Error(w, msgInvalidSession, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: tr.ID(), ProtocolVersion: tr.ProtocolVersion()})

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if pv := tr.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	tr.Touch(h.now())

	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
		msg, err := tr.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeSSEEvent(wf, "", msg); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "sse.message.deliver")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(wf, ": keepalive\n\n"); err != nil {
				return
			}
			wf.Flush()
			tr.Touch(h.now())
		default:
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

// handleDeleteSession ends a session.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authenticateChannel(ctx, w, r) {
		return
	}

	tr, err := h.resolveChannelSession(r)
	if err != nil {
		http.Error(w, msgInvalidSession, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: tr.ID(), ProtocolVersion: tr.ProtocolVersion()})

	tr.Close()
	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// writeSSEEvent writes one SSE event carrying payload and flushes when w
// supports it.
func writeSSEEvent(w io.Writer, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := w.Write([]byte("event: message\ndata: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
