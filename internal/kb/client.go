// Package kb is the client for the knowledge-base RPC service. The orchestrator
// exposes a constrained subset of its operations to the model as tools.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/provider"
)

// Operations the gateway may invoke. Anything else is rejected locally.
const (
	OpSearch     = "search"
	OpRead       = "read"
	OpList       = "list"
	OpNavigate   = "navigate"
	OpSynthesize = "synthesize"
)

var allowedOps = map[string]bool{
	OpSearch:     true,
	OpRead:       true,
	OpList:       true,
	OpNavigate:   true,
	OpSynthesize: true,
}

// Invoker is the capability the orchestrator depends on.
type Invoker interface {
	Invoke(ctx context.Context, subjectID, op string, args json.RawMessage) (json.RawMessage, error)
}

// Client calls the KB service over HTTP JSON RPC.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a KB client for the given endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Invoke runs one KB operation on behalf of subjectID. Failures come back as
// tool_failure so the orchestrator can retry within its iteration budget.
func (c *Client) Invoke(ctx context.Context, subjectID, op string, args json.RawMessage) (json.RawMessage, error) {
	if !allowedOps[op] {
		return nil, apierr.New(apierr.KindToolFailure, fmt.Sprintf("unknown knowledge-base operation %q", op))
	}

	body, err := json.Marshal(map[string]json.RawMessage{"args": args})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindToolFailure, "encoding tool arguments", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rpc/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "building KB request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal-Subject", subjectID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "knowledge base unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindToolFailure, "reading KB response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apierr.New(apierr.KindToolFailure,
			fmt.Sprintf("knowledge base returned %d for %s", resp.StatusCode, op))
	}
	return data, nil
}

// toolDefs is the constrained tool surface offered to the model. Parameters
// are JSON schema fragments the provider relays verbatim.
var toolDefs = []provider.ToolDef{
	{
		Name:        "kb_search",
		Description: "Search the knowledge base for passages matching a query.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
	},
	{
		Name:        "kb_read",
		Description: "Read a knowledge-base document by its identifier.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"}},"required":["document_id"]}`),
	},
	{
		Name:        "kb_list",
		Description: "List documents in a knowledge-base collection.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"collection":{"type":"string"},"cursor":{"type":"string"}}}`),
	},
	{
		Name:        "kb_navigate",
		Description: "Follow links from a document to its related documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"},"relation":{"type":"string"}},"required":["document_id"]}`),
	},
	{
		Name:        "kb_synthesize",
		Description: "Synthesise an answer from multiple knowledge-base documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"document_ids":{"type":"array","items":{"type":"string"}}},"required":["question"]}`),
	},
}

// ToolDefs returns the tool surface offered on the tool execution path.
func ToolDefs() []provider.ToolDef {
	return toolDefs
}

// OpForTool maps a tool name from the model back to a KB operation.
func OpForTool(name string) (string, bool) {
	switch name {
	case "kb_search":
		return OpSearch, true
	case "kb_read":
		return OpRead, true
	case "kb_list":
		return OpList, true
	case "kb_navigate":
		return OpNavigate, true
	case "kb_synthesize":
		return OpSynthesize, true
	default:
		return "", false
	}
}
