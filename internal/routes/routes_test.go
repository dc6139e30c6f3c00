package routes

import (
	"net/http"
	"testing"

	"github.com/fableverse/gateway/internal/apierr"
)

const tableDoc = `
backends:
  identity: http://identity.internal:8081
  kb: http://kb.internal:8082
  chat: http://chat.internal:8083

routes:
  - method: POST
    path: /api/v1/auth/login
    backend: identity
    upstream_path: /internal/auth/login
    auth_policy: public
    body: buffer

  - method: GET
    path: /api/v1/conversations
    backend: chat
    auth_policy: require_principal
    idempotent: true

  - method: GET
    path: /api/v1/conversations/:id
    backend: chat
    upstream_path: /internal/conversations/:id
    auth_policy: require_principal
    idempotent: true

  - method: GET
    path: /api/v1/conversations/recent
    backend: chat
    upstream_path: /internal/conversations/recent
    auth_policy: require_principal
    idempotent: true

  - method: DELETE
    path: /api/v1/conversations/:id
    backend: chat
    upstream_path: /internal/conversations/:id
    auth_policy: require_scope
    required_scope: conversations.delete

  - method: POST
    path: /api/v1/kb/search
    backend: kb
    upstream_path: /rpc/search
    auth_policy: require_principal
    body: buffer
    timeout_seconds: 10
`

func mustParse(t *testing.T) *Table {
	t.Helper()
	table, err := Parse([]byte(tableDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return table
}

func TestLookupExact(t *testing.T) {
	table := mustParse(t)

	m, err := table.Lookup("POST", "/api/v1/auth/login")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Entry.Backend != "identity" {
		t.Errorf("backend = %q, want identity", m.Entry.Backend)
	}
	if m.UpstreamPath() != "/internal/auth/login" {
		t.Errorf("upstream path = %q", m.UpstreamPath())
	}
}

func TestLookupCapture(t *testing.T) {
	table := mustParse(t)

	m, err := table.Lookup("GET", "/api/v1/conversations/0b1c2d3e")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Params["id"] != "0b1c2d3e" {
		t.Errorf("captured id = %q", m.Params["id"])
	}
	if m.UpstreamPath() != "/internal/conversations/0b1c2d3e" {
		t.Errorf("upstream path = %q", m.UpstreamPath())
	}
}

func TestLookupLiteralBeatsCapture(t *testing.T) {
	table := mustParse(t)

	m, err := table.Lookup("GET", "/api/v1/conversations/recent")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.UpstreamPath() != "/internal/conversations/recent" {
		t.Errorf("got %q, want the literal route to win over :id", m.UpstreamPath())
	}
	if len(m.Params) != 0 {
		t.Errorf("literal route bound params %v", m.Params)
	}
}

func TestLookupUnknownRoute(t *testing.T) {
	table := mustParse(t)

	_, err := table.Lookup("GET", "/api/v1/nope")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("kind = %v, want not_found", apierr.KindOf(err))
	}
}

func TestLookupNormalisesPath(t *testing.T) {
	table := mustParse(t)

	m, err := table.Lookup("GET", "//api/v1//conversations/")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Entry.PathPattern != "/api/v1/conversations" {
		t.Errorf("matched %q", m.Entry.PathPattern)
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	doc := `
backends:
  chat: http://chat.internal:8083
routes:
  - {method: GET, path: /api/v1/conversations, backend: chat}
  - {method: GET, path: /api/v1/conversations, backend: chat}
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected duplicate route error")
	}
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	doc := `
backends:
  chat: http://chat.internal:8083
routes:
  - {method: GET, path: /api/v1/conversations, backend: missing}
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestParseRejectsRegexPatterns(t *testing.T) {
	doc := `
backends:
  chat: http://chat.internal:8083
routes:
  - {method: GET, path: /api/v1/conversations/*, backend: chat}
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected pattern rejection")
	}
}

func TestBodyModeDefaults(t *testing.T) {
	table := mustParse(t)

	m, _ := table.Lookup("GET", "/api/v1/conversations")
	if m.Entry.BodyMode != BodyNone {
		t.Errorf("GET default body mode = %q, want none", m.Entry.BodyMode)
	}

	m, _ = table.Lookup("POST", "/api/v1/kb/search")
	if m.Entry.BodyMode != BodyBuffer {
		t.Errorf("POST body mode = %q, want buffer", m.Entry.BodyMode)
	}
	if m.Entry.TimeoutSeconds != 10 {
		t.Errorf("timeout = %d, want 10", m.Entry.TimeoutSeconds)
	}
}

func TestShippedTableServesBothAPIVersions(t *testing.T) {
	table, err := Load("../../routes.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ops := []string{"search", "read", "list", "context", "synthesize", "threads"}
	for _, version := range []string{"v1", "v0.3"} {
		for _, op := range ops {
			m, err := table.Lookup("POST", "/api/"+version+"/kb/"+op)
			if err != nil {
				t.Errorf("Lookup %s kb/%s: %v", version, op, err)
				continue
			}
			if m.Entry.Backend != "kb" || m.UpstreamPath() != "/rpc/"+op {
				t.Errorf("%s kb/%s routed to %s %s", version, op, m.Entry.Backend, m.UpstreamPath())
			}
			if m.Entry.RequiredScope != "kb:read" {
				t.Errorf("%s kb/%s scope = %q, want kb:read", version, op, m.Entry.RequiredScope)
			}
		}

		if _, err := table.Lookup("POST", "/api/"+version+"/auth/login"); err != nil {
			t.Errorf("Lookup %s auth/login: %v", version, err)
		}
	}
}

func TestScopePolicyRequiresScope(t *testing.T) {
	table := mustParse(t)

	m, err := table.Lookup(http.MethodDelete, "/api/v1/conversations/abc")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if m.Entry.AuthPolicy != AuthRequireScope || m.Entry.RequiredScope != "conversations.delete" {
		t.Errorf("policy = %q scope = %q", m.Entry.AuthPolicy, m.Entry.RequiredScope)
	}
}
