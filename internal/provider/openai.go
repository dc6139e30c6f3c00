package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fableverse/gateway/internal/apierr"
)

const fallbackModel = "gpt-4o-mini"

// OpenAICompatible talks to any provider exposing the chat completions wire
// format.
type OpenAICompatible struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAICompatible creates a provider client. endpoint is the API base URL
// without the /chat/completions suffix; model is used when a request names
// none.
func NewOpenAICompatible(name, endpoint, apiKey, model string) *OpenAICompatible {
	if model == "" {
		model = fallbackModel
	}
	return &OpenAICompatible{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
	}
}

func (p *OpenAICompatible) Name() string { return p.name }

// wire types for the chat completions format

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireChoice struct {
	Delta        *wireMessage `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete performs a non-streaming completion.
func (p *OpenAICompatible) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "reading provider response", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "decoding provider response", err)
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "provider returned no choices")
	}

	msg := wire.Choices[0].Message
	return &Completion{
		Content:   msg.Content,
		ToolCalls: fromWireCalls(msg.ToolCalls),
	}, nil
}

// Stream performs a streaming completion. The returned channel is closed
// after a Done or Err event.
func (p *OpenAICompatible) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		// Every send races the consumer going away; a blocked send would pin
		// this goroutine and the response body forever.
		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		// Tool call fragments accumulate across deltas keyed by index.
		calls := map[int]*ToolCall{}
		callArgs := map[int]*strings.Builder{}

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				if ev, ok := assembleCalls(calls, callArgs); ok {
					if !send(ev) {
						return
					}
				}
				send(Event{Done: true})
				return
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string `json:"content"`
						ToolCalls []struct {
							Index    int    `json:"index"`
							ID       string `json:"id"`
							Function struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							} `json:"function"`
						} `json:"tool_calls"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if !send(Event{Content: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				if calls[tc.Index] == nil {
					calls[tc.Index] = &ToolCall{ID: tc.ID, Name: tc.Function.Name}
					callArgs[tc.Index] = &strings.Builder{}
				}
				if tc.Function.Name != "" {
					calls[tc.Index].Name = tc.Function.Name
				}
				callArgs[tc.Index].WriteString(tc.Function.Arguments)
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(Event{Err: apierr.Wrap(apierr.KindUpstreamUnavailable, "provider stream interrupted", err)})
			return
		}

		// Stream ended without a [DONE]; treat what we have as complete.
		if ev, ok := assembleCalls(calls, callArgs); ok {
			if !send(ev) {
				return
			}
		}
		send(Event{Done: true})
	}()

	return events, nil
}

func assembleCalls(calls map[int]*ToolCall, args map[int]*strings.Builder) (Event, bool) {
	if len(calls) == 0 {
		return Event{}, false
	}
	out := make([]ToolCall, 0, len(calls))
	for i := 0; i < len(calls); i++ {
		c, ok := calls[i]
		if !ok {
			continue
		}
		c.Arguments = json.RawMessage(args[i].String())
		out = append(out, *c)
	}
	return Event{ToolCalls: out}, true
}

func (p *OpenAICompatible) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	wire := wireRequest{Model: model, Stream: stream}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wire.Tools = append(wire.Tools, wt)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "provider unreachable", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, classifyRejection(resp.StatusCode, data)
	}
	return resp, nil
}

// classifyRejection distinguishes content-policy refusals from outages.
func classifyRejection(status int, body []byte) error {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != nil {
		lowered := strings.ToLower(wire.Error.Type + " " + wire.Error.Code + " " + wire.Error.Message)
		if strings.Contains(lowered, "content_policy") || strings.Contains(lowered, "content_filter") ||
			strings.Contains(lowered, "moderation") {
			return apierr.New(apierr.KindContentRejected, "provider rejected the content")
		}
	}
	return apierr.New(apierr.KindUpstreamUnavailable,
		fmt.Sprintf("provider returned %d", status))
}

func toWireMessage(m Message) wireMessage {
	out := wireMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, c := range m.ToolCalls {
		var wc wireToolCall
		wc.ID = c.ID
		wc.Type = "function"
		wc.Function.Name = c.Name
		wc.Function.Arguments = string(c.Arguments)
		out.ToolCalls = append(out.ToolCalls, wc)
	}
	return out
}

func fromWireCalls(calls []wireToolCall) []ToolCall {
	var out []ToolCall
	for _, c := range calls {
		out = append(out, ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: json.RawMessage(c.Function.Arguments),
		})
	}
	return out
}
