package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fableverse/gateway/internal/apierr"
)

func TestInvokeSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Principal-Subject"); got != "user-42" {
			t.Errorf("subject header = %q", got)
		}
		w.Write([]byte(`{"results":[{"document_id":"doc-1"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	out, err := c.Invoke(context.Background(), "user-42", OpSearch, json.RawMessage(`{"query":"fairies"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"results":[{"document_id":"doc-1"}]}` {
		t.Errorf("response = %s", out)
	}
}

func TestInvokeUnknownOp(t *testing.T) {
	c := NewClient("http://unused.invalid", 0)
	_, err := c.Invoke(context.Background(), "user-42", "drop_tables", nil)
	if !apierr.Is(err, apierr.KindToolFailure) {
		t.Fatalf("kind = %v, want tool_failure", apierr.KindOf(err))
	}
}

func TestInvokeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.Invoke(context.Background(), "user-42", OpRead, json.RawMessage(`{"document_id":"x"}`))
	if !apierr.Is(err, apierr.KindToolFailure) {
		t.Fatalf("kind = %v, want tool_failure", apierr.KindOf(err))
	}
}

func TestOpForToolCoversToolSurface(t *testing.T) {
	for _, def := range ToolDefs() {
		op, ok := OpForTool(def.Name)
		if !ok {
			t.Errorf("tool %q has no operation mapping", def.Name)
			continue
		}
		if !allowedOps[op] {
			t.Errorf("tool %q maps to disallowed op %q", def.Name, op)
		}
	}
	if _, ok := OpForTool("unknown_tool"); ok {
		t.Error("unknown tool must not map")
	}
}
