package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fableverse/gateway/internal/apierr"
)

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"4"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible("test", srv.URL, "sk-test", "")
	c, err := p.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "What is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Content != "4" {
		t.Errorf("content = %q, want 4", c.Content)
	}
}

func TestStreamReassemblesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo "}}]}`,
			`data: {"choices":[{"delta":{"content":"world"}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatible("test", srv.URL, "", "")
	events, err := p.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var content strings.Builder
	var done bool
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		content.WriteString(ev.Content)
		if ev.Done {
			done = true
		}
	}
	if content.String() != "Hello world" {
		t.Errorf("content = %q", content.String())
	}
	if !done {
		t.Error("stream did not signal done")
	}
}

func TestStreamAssemblesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"kb_search","arguments":"{\"query\":"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"fairies\"}"}}]}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatible("test", srv.URL, "", "")
	events, err := p.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var calls []ToolCall
	for ev := range events {
		if len(ev.ToolCalls) > 0 {
			calls = ev.ToolCalls
		}
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "kb_search" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if string(calls[0].Arguments) != `{"query":"fairies"}` {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
}

func TestStreamReleasesOnConsumerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"one "}}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewOpenAICompatible("test", srv.URL, "", "")
	events, err := p.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Read one event, then walk away the way a dropped SSE client does. The
	// producer must not stay blocked on its remaining sends.
	<-events
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-events:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after cancel; producer goroutine is stuck")
		}
	}
}

func TestConfiguredDefaultModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&wire)
		gotModel = wire.Model
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible("test", srv.URL, "", "fable-chat-1")
	if _, err := p.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != "fable-chat-1" {
		t.Errorf("model = %q, want the configured default", gotModel)
	}

	if _, err := p.Complete(context.Background(), Request{Model: "override"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != "override" {
		t.Errorf("model = %q, request model must win", gotModel)
	}
}

func TestContentPolicyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"blocked","type":"content_policy_violation"}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible("test", srv.URL, "", "")
	_, err := p.Complete(context.Background(), Request{})
	if !apierr.Is(err, apierr.KindContentRejected) {
		t.Fatalf("kind = %v, want content_rejected", apierr.KindOf(err))
	}
}

func TestTransportFailure(t *testing.T) {
	p := NewOpenAICompatible("test", "http://127.0.0.1:1", "", "")
	_, err := p.Complete(context.Background(), Request{})
	if !apierr.Is(err, apierr.KindUpstreamUnavailable) {
		t.Fatalf("kind = %v, want upstream_unavailable", apierr.KindOf(err))
	}
}
