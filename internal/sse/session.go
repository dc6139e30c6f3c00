package sse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/eventbus"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/orchestrator"
	"github.com/fableverse/gateway/internal/provider"
	"github.com/fableverse/gateway/internal/streambuf"
)

// busQueueDepth bounds buffered fanout messages per stream. Overflow is
// dropped; delivery is at-most-once by contract.
const busQueueDepth = 16

// Options configure a streaming session.
type Options struct {
	IdleTimeout        time.Duration
	WordCeilingBytes   int
	DirectiveScanBytes int
	// FinalizeGrace bounds the detached persistence attempt after a client
	// disconnect.
	FinalizeGrace time.Duration
}

// Session serialises one chat stream: provider content through the word and
// directive buffer, event-bus messages at safe commit points, then the
// completion protocol.
type Session struct {
	writer  *Writer
	stream  *orchestrator.Stream
	bus     eventbus.Bus
	subject string
	opts    Options
	logger  *logger.Logger
	metrics *metrics.Metrics

	buf        *streambuf.Buffer
	full       strings.Builder
	pendingBus [][]byte
}

// NewSession builds a session for one streaming chat response.
func NewSession(w http.ResponseWriter, stream *orchestrator.Stream, bus eventbus.Bus, subject string, opts Options, log *logger.Logger, m *metrics.Metrics) (*Session, error) {
	writer, err := NewWriter(w)
	if err != nil {
		return nil, err
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.WordCeilingBytes <= 0 {
		opts.WordCeilingBytes = 256
	}
	if opts.DirectiveScanBytes <= 0 {
		opts.DirectiveScanBytes = 4096
	}
	if opts.FinalizeGrace <= 0 {
		opts.FinalizeGrace = 5 * time.Second
	}
	return &Session{
		writer:  writer,
		stream:  stream,
		bus:     bus,
		subject: subject,
		opts:    opts,
		logger:  log.WithComponent("sse"),
		metrics: m,
		buf:     streambuf.New(opts.WordCeilingBytes, opts.DirectiveScanBytes),
	}, nil
}

// Run drives the stream to completion. It returns after the terminator is
// written or the client is gone; all resources are released on every path.
func (s *Session) Run(ctx context.Context) {
	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	defer s.stream.Cancel()

	log := s.logger.WithContext(ctx)
	streamID := uuid.NewString()

	// Per-request fanout subscription, torn down on every exit path. The
	// stream proceeds without fanout when the bus is degraded.
	busCh := make(chan []byte, busQueueDepth)
	handle, err := s.bus.Subscribe(eventbus.UserUpdatesSubject(s.subject), streamID, func(_ string, payload []byte) {
		select {
		case busCh <- payload:
		default:
		}
	})
	if err != nil {
		log.Warn("streaming without event fanout", slog.Any("error", err))
	}
	defer s.bus.Unsubscribe(handle)

	s.writer.WriteHeaders()

	// The first event is always metadata with the conversation ID, which
	// exists before the provider was invoked.
	s.emit(EventMetadata, map[string]any{
		"conversation_id": s.stream.ConversationID,
		"model":           s.stream.Model,
		"path":            s.stream.Path,
	})

	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abandon(log)
			return

		case <-idle.C:
			log.Warn("stream idle timeout")
			s.emit(EventError, errorFields(apierr.New(apierr.KindGatewayTimeout, "stream idle timeout")))
			s.writer.Terminate()
			return

		case payload := <-busCh:
			s.relayWorldUpdate(payload)

		case ev, ok := <-s.stream.Events:
			if !ok {
				// Channel closed without a Done event; finish what we have.
				s.complete(ctx, log)
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.opts.IdleTimeout)

			switch {
			case ev.Err != nil:
				log.LogError(ctx, ev.Err, "provider stream failed")
				s.emit(EventError, errorFields(ev.Err))
				s.writer.Terminate()
				return
			case len(ev.ToolCalls) > 0:
				s.emitToolCalls(ev.ToolCalls)
			case ev.Content != "":
				s.full.WriteString(ev.Content)
				for _, chunk := range s.buf.Push(ev.Content) {
					s.emitContent(chunk)
				}
				s.flushPendingBus()
			case ev.Done:
				s.complete(ctx, log)
				return
			}
		}
	}
}

// complete runs the completion protocol: flush the buffer, await the
// assistant append, then done and the terminator, in that order.
func (s *Session) complete(ctx context.Context, log *logger.Logger) {
	for _, chunk := range s.buf.Flush() {
		s.emitContent(chunk)
	}
	s.flushPendingBus()

	if err := s.stream.Finalize(ctx, s.full.String(), false); err != nil {
		// Persistence failed: the client gets error then the terminator,
		// never done.
		log.LogError(ctx, err, "assistant message append failed")
		s.emit(EventError, errorFields(err))
		s.writer.Terminate()
		return
	}

	s.emit(EventDone, map[string]any{
		"conversation_id": s.stream.ConversationID,
	})
	s.writer.Terminate()
}

// abandon handles client disconnect: cancel the provider call and persist
// whatever content was produced on a detached context, flagged truncated.
// No terminator is written; the client is gone.
func (s *Session) abandon(log *logger.Logger) {
	s.stream.Cancel()

	if s.full.Len() == 0 {
		return
	}

	detached, cancel := context.WithTimeout(context.Background(), s.opts.FinalizeGrace)
	defer cancel()
	if err := s.stream.Finalize(detached, s.full.String(), true); err != nil {
		log.LogError(detached, err, "best-effort partial append failed")
		return
	}
	log.Info("partial assistant message persisted after disconnect",
		slog.Int("content_bytes", s.full.Len()))
}

// relayWorldUpdate forwards a fanout message, deferring it while the buffer
// is inside a directive so updates never split one. Partial words are safe:
// content chunks always end at word boundaries, so the update lands between
// complete chunks.
func (s *Session) relayWorldUpdate(payload []byte) {
	if s.buf.InDirective() {
		if len(s.pendingBus) < busQueueDepth {
			s.pendingBus = append(s.pendingBus, payload)
		}
		return
	}
	s.emitWorldUpdate(payload)
}

func (s *Session) flushPendingBus() {
	if s.buf.InDirective() {
		return
	}
	for _, payload := range s.pendingBus {
		s.emitWorldUpdate(payload)
	}
	s.pendingBus = s.pendingBus[:0]
}

func (s *Session) emitWorldUpdate(payload []byte) {
	var update any
	if err := json.Unmarshal(payload, &update); err != nil {
		update = string(payload)
	}
	s.emit(EventWorldUpdate, map[string]any{"update": update})
}

func (s *Session) emitContent(chunk string) {
	s.emit(EventContent, map[string]any{"content": chunk})
}

func (s *Session) emitToolCalls(calls []provider.ToolCall) {
	summaries := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		summaries = append(summaries, map[string]any{
			"id":        c.ID,
			"name":      c.Name,
			"arguments": json.RawMessage(c.Arguments),
		})
	}
	s.emit(EventToolCall, map[string]any{"tool_calls": summaries})
}

func (s *Session) emit(t EventType, fields map[string]any) {
	if err := s.writer.Emit(t, fields); err != nil {
		return
	}
	s.metrics.StreamChunks.WithLabelValues(string(t)).Inc()
}

func errorFields(err error) map[string]any {
	status, body := apierr.BodyOf(err)
	return map[string]any{
		"detail":      body.Detail,
		"error_type":  body.Type,
		"status_code": status,
	}
}
