package sse

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/eventbus"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/orchestrator"
	"github.com/fableverse/gateway/internal/provider"
)

type appendCall struct {
	content   string
	truncated bool
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []appendCall
	err   error
}

func (r *recordingFinalizer) finalize(_ context.Context, content string, truncated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, appendCall{content: content, truncated: truncated})
	return nil
}

func (r *recordingFinalizer) snapshot() []appendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appendCall(nil), r.calls...)
}

type frame struct {
	Type     string
	Seq      uint64
	Raw      map[string]any
	Terminal bool
}

func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var out []frame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed SSE block: %q", block)
		}
		payload := strings.TrimPrefix(block, "data: ")
		if payload == "[DONE]" {
			out = append(out, frame{Terminal: true})
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			t.Fatalf("invalid event JSON %q: %v", payload, err)
		}
		f := frame{Raw: raw}
		f.Type, _ = raw["type"].(string)
		if seq, ok := raw["sequence_number"].(float64); ok {
			f.Seq = uint64(seq)
		}
		out = append(out, f)
	}
	return out
}

func contentOf(f frame) string {
	s, _ := f.Raw["content"].(string)
	return s
}

func runSession(t *testing.T, ctx context.Context, events chan provider.Event, fin *recordingFinalizer, bus eventbus.Bus) (*httptest.ResponseRecorder, uuid.UUID) {
	t.Helper()
	convID := uuid.New()
	streamCtx, cancel := context.WithCancel(ctx)
	stream := &orchestrator.Stream{
		ConversationID: convID,
		Model:          "test-model",
		Path:           orchestrator.PathFast,
		Events:         events,
		Finalize:       fin.finalize,
		Cancel:         cancel,
	}

	if bus == nil {
		bus = eventbus.NewMemoryBus()
	}
	w := httptest.NewRecorder()
	session, err := NewSession(w, stream, bus, "user-42", Options{}, logger.New(logger.Config{Format: "text"}), metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	session.Run(streamCtx)
	return w, convID
}

func TestStreamDirectivePreservation(t *testing.T) {
	events := make(chan provider.Event, 8)
	// The directive arrives split across four packets.
	for _, piece := range []string{
		"I'll spawn a fairy",
		"! {\"m\":\"spawn",
		"_character\",\"p\":{\"typ",
		"e\":\"fairy\"}}",
	} {
		events <- provider.Event{Content: piece}
	}
	events <- provider.Event{Done: true}
	close(events)

	fin := &recordingFinalizer{}
	w, convID := runSession(t, context.Background(), events, fin, nil)

	frames := parseFrames(t, w.Body.String())
	if len(frames) < 4 {
		t.Fatalf("frames = %d: %v", len(frames), frames)
	}

	if frames[0].Type != string(EventMetadata) {
		t.Fatalf("first event = %q, want metadata", frames[0].Type)
	}
	if got := frames[0].Raw["conversation_id"].(string); got != convID.String() {
		t.Errorf("metadata conversation_id = %q", got)
	}

	var contents []string
	for _, f := range frames {
		if f.Type == string(EventContent) {
			contents = append(contents, contentOf(f))
		}
	}
	if len(contents) != 2 {
		t.Fatalf("content events = %v, want exactly 2", contents)
	}
	if contents[0] != "I'll spawn a fairy! " {
		t.Errorf("first content = %q", contents[0])
	}
	if contents[1] != `{"m":"spawn_character","p":{"type":"fairy"}}` {
		t.Errorf("directive content = %q", contents[1])
	}
	var directive map[string]any
	if err := json.Unmarshal([]byte(contents[1]), &directive); err != nil {
		t.Errorf("directive does not parse: %v", err)
	}

	last, prev := frames[len(frames)-1], frames[len(frames)-2]
	if !last.Terminal || prev.Type != string(EventDone) {
		t.Errorf("stream must end done then [DONE], got %v then %v", prev.Type, last)
	}
}

func TestCompletionAppendsBeforeDone(t *testing.T) {
	events := make(chan provider.Event, 4)
	events <- provider.Event{Content: "4"}
	events <- provider.Event{Done: true}
	close(events)

	fin := &recordingFinalizer{}
	w, _ := runSession(t, context.Background(), events, fin, nil)

	calls := fin.snapshot()
	if len(calls) != 1 {
		t.Fatalf("finalize calls = %d, want 1", len(calls))
	}
	if calls[0].content != "4" || calls[0].truncated {
		t.Errorf("finalize call = %+v", calls[0])
	}

	frames := parseFrames(t, w.Body.String())
	var sawDone, sawTerminal bool
	for _, f := range frames {
		if f.Type == string(EventDone) {
			sawDone = true
		}
		if f.Terminal {
			sawTerminal = true
		}
	}
	if !sawDone || !sawTerminal {
		t.Errorf("done = %v terminal = %v", sawDone, sawTerminal)
	}
}

func TestAppendFailureEmitsErrorNotDone(t *testing.T) {
	events := make(chan provider.Event, 4)
	events <- provider.Event{Content: "partial answer "}
	events <- provider.Event{Done: true}
	close(events)

	fin := &recordingFinalizer{err: apierr.New(apierr.KindInternal, "store down")}
	w, _ := runSession(t, context.Background(), events, fin, nil)

	frames := parseFrames(t, w.Body.String())
	var sawError, sawDone bool
	for _, f := range frames {
		switch f.Type {
		case string(EventError):
			sawError = true
		case string(EventDone):
			sawDone = true
		}
	}
	if !sawError {
		t.Error("expected an error event")
	}
	if sawDone {
		t.Error("done must not be emitted when the append fails")
	}
	if !frames[len(frames)-1].Terminal {
		t.Error("stream must still end with [DONE]")
	}
}

func TestSingleSpaceStream(t *testing.T) {
	events := make(chan provider.Event, 2)
	events <- provider.Event{Content: " "}
	events <- provider.Event{Done: true}
	close(events)

	fin := &recordingFinalizer{}
	w, _ := runSession(t, context.Background(), events, fin, nil)

	frames := parseFrames(t, w.Body.String())
	var contents []string
	doneIdx, contentIdx := -1, -1
	for i, f := range frames {
		if f.Type == string(EventContent) {
			contents = append(contents, contentOf(f))
			contentIdx = i
		}
		if f.Type == string(EventDone) {
			doneIdx = i
		}
	}
	if len(contents) != 1 || contents[0] != " " {
		t.Fatalf("contents = %q, want single space", contents)
	}
	if contentIdx > doneIdx {
		t.Error("content must precede done")
	}
}

func TestWorldUpdateInterleave(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	events := make(chan provider.Event)
	fin := &recordingFinalizer{}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w, _ := runSession(t, context.Background(), events, fin, bus)
		done <- w
	}()

	events <- provider.Event{Content: "First sentence. "}
	// Let the subscription drain the content before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.UserUpdatesSubject("user-42"), []byte(`{"event":"rain"}`))
	time.Sleep(20 * time.Millisecond)
	events <- provider.Event{Content: "Second sentence."}
	events <- provider.Event{Done: true}
	close(events)

	w := <-done
	frames := parseFrames(t, w.Body.String())

	updateIdx, doneIdx, lastContentIdx := -1, -1, -1
	for i, f := range frames {
		switch f.Type {
		case string(EventWorldUpdate):
			updateIdx = i
		case string(EventDone):
			doneIdx = i
		case string(EventContent):
			lastContentIdx = i
		}
	}
	if updateIdx == -1 {
		t.Fatal("world_update never delivered")
	}
	if updateIdx > doneIdx {
		t.Error("world_update must appear before done")
	}
	// The update was published mid-stream and must interleave there, not be
	// held back until the content is exhausted.
	if updateIdx > lastContentIdx {
		t.Errorf("world_update at index %d only after the last content event at %d", updateIdx, lastContentIdx)
	}

	// Content is intact despite the interleaved update.
	var content strings.Builder
	for _, f := range frames {
		if f.Type == string(EventContent) {
			content.WriteString(contentOf(f))
		}
	}
	if content.String() != "First sentence. Second sentence." {
		t.Errorf("content = %q", content.String())
	}
}

func TestClientDisconnectPersistsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := eventbus.NewMemoryBus()
	events := make(chan provider.Event)
	fin := &recordingFinalizer{}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w, _ := runSession(t, ctx, events, fin, bus)
		done <- w
	}()

	events <- provider.Event{Content: "partial content "}
	time.Sleep(20 * time.Millisecond)
	cancel()

	w := <-done

	calls := fin.snapshot()
	if len(calls) != 1 {
		t.Fatalf("finalize calls = %d, want 1", len(calls))
	}
	if !calls[0].truncated {
		t.Error("partial append must be flagged truncated")
	}
	if calls[0].content != "partial content " {
		t.Errorf("persisted content = %q", calls[0].content)
	}

	if strings.Contains(w.Body.String(), "[DONE]") {
		t.Error("no terminator may be sent after a disconnect")
	}

	if n := bus.SubscriptionCount(eventbus.UserUpdatesSubject("user-42")); n != 0 {
		t.Errorf("subscriptions leaked: %d", n)
	}
}

func TestDetachedPersistenceUsesConfiguredGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan provider.Event)

	grace := 250 * time.Millisecond
	deadlines := make(chan time.Time, 1)
	convID := uuid.New()
	streamCtx, streamCancel := context.WithCancel(ctx)
	stream := &orchestrator.Stream{
		ConversationID: convID,
		Model:          "test-model",
		Path:           orchestrator.PathFast,
		Events:         events,
		Finalize: func(fctx context.Context, content string, truncated bool) error {
			d, _ := fctx.Deadline()
			deadlines <- d
			return nil
		},
		Cancel: streamCancel,
	}

	w := httptest.NewRecorder()
	session, err := NewSession(w, stream, eventbus.NewMemoryBus(), "user-42",
		Options{FinalizeGrace: grace}, logger.New(logger.Config{Format: "text"}), metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := make(chan struct{})
	go func() {
		session.Run(streamCtx)
		close(done)
	}()

	events <- provider.Event{Content: "partial "}
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	<-done

	select {
	case d := <-deadlines:
		if remaining := d.Sub(start); remaining > grace+100*time.Millisecond {
			t.Errorf("detached deadline %v past cancel, want about %v", remaining, grace)
		}
	case <-time.After(time.Second):
		t.Fatal("detached finalize never ran")
	}
}

func TestSequenceNumbersMonotone(t *testing.T) {
	events := make(chan provider.Event, 4)
	events <- provider.Event{Content: "one two three. "}
	events <- provider.Event{Done: true}
	close(events)

	fin := &recordingFinalizer{}
	w, _ := runSession(t, context.Background(), events, fin, nil)

	frames := parseFrames(t, w.Body.String())
	var last int64 = -1
	for _, f := range frames {
		if f.Terminal {
			continue
		}
		if int64(f.Seq) != last+1 {
			t.Fatalf("sequence jumped from %d to %d", last, f.Seq)
		}
		last = int64(f.Seq)
	}
}
