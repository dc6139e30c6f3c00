// Package orchestrator implements the unified chat endpoint's execution
// paths: direct completions, tool-augmented turns against the knowledge base,
// and multi-agent scenarios. Dependencies are injected as capabilities; the
// process wires them once at startup.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/conversations"
	"github.com/fableverse/gateway/internal/kb"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/provider"
	"github.com/fableverse/gateway/internal/streambuf"
)

// Path names an execution path chosen by classification.
type Path string

const (
	PathFast       Path = "fast"
	PathTool       Path = "tool"
	PathMultiAgent Path = "multi_agent"
)

// Request is one chat invocation after HTTP decoding.
type Request struct {
	Message        string
	ConversationID *uuid.UUID
	Model          string
	// ScenarioTag selects an explicit multi-agent scenario.
	ScenarioTag string
	// FormatHint selects the response shape for non-streaming replies.
	FormatHint string
}

// Result is a complete non-streaming chat response.
type Result struct {
	Response       string
	ConversationID uuid.UUID
	Model          string
	Path           Path
	Directives     []string
}

// Stream is a streaming chat response. Events carries provider content and
// tool-call progress; Finalize persists the assistant message and must
// complete before the transport signals stream completion.
type Stream struct {
	ConversationID uuid.UUID
	Model          string
	Path           Path
	Events         <-chan provider.Event

	// Finalize appends the assistant message. truncated marks a partial
	// message persisted after a client disconnect.
	Finalize func(ctx context.Context, content string, truncated bool) error

	// Cancel abandons the provider call.
	Cancel context.CancelFunc
}

// Options bound the orchestrator's loops.
type Options struct {
	ToolIterationsMax  int
	ClassifierDeadline time.Duration
}

// Orchestrator coordinates providers, tools, and the conversation store.
type Orchestrator struct {
	providers  *provider.Registry
	store      conversations.Store
	tools      kb.Invoker
	classifier *Classifier
	opts       Options
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

// New creates the orchestrator.
func New(providers *provider.Registry, store conversations.Store, tools kb.Invoker, opts Options, log *logger.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.ToolIterationsMax <= 0 {
		opts.ToolIterationsMax = 4
	}
	if opts.ClassifierDeadline <= 0 {
		opts.ClassifierDeadline = 150 * time.Millisecond
	}
	return &Orchestrator{
		providers:  providers,
		store:      store,
		tools:      tools,
		classifier: NewClassifier(opts.ClassifierDeadline),
		opts:       opts,
		logger:     log.WithComponent("orchestrator"),
		metrics:    m,
	}
}

// prologue resolves the conversation, appends the user message, and picks the
// execution path. The conversation always exists before any provider call.
func (o *Orchestrator) prologue(ctx context.Context, principal *auth.Principal, req Request) (*conversations.Conversation, []provider.Message, Path, error) {
	conv, history, err := o.resolveConversation(ctx, principal, req)
	if err != nil {
		return nil, nil, "", err
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, conversations.NewMessage{
		Role:    conversations.RoleUser,
		Content: req.Message,
	}); err != nil {
		return nil, nil, "", err
	}

	classification := o.classifier.Classify(ctx, req)
	o.logger.WithContext(ctx).Debug("request classified",
		slog.String("path", string(classification.Path)),
		slog.Float64("confidence", classification.Confidence))

	messages := historyToProvider(history)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: req.Message})
	return conv, messages, classification.Path, nil
}

// resolveConversation loads the client-supplied conversation, enforcing
// ownership, or allocates a fresh one.
func (o *Orchestrator) resolveConversation(ctx context.Context, principal *auth.Principal, req Request) (*conversations.Conversation, []conversations.Message, error) {
	if req.ConversationID != nil {
		conv, history, err := o.store.GetConversation(ctx, *req.ConversationID, principal.SubjectID)
		if err != nil {
			return nil, nil, err
		}
		return conv, history, nil
	}

	title := deriveTitle(req.Message)
	conv, err := o.store.CreateConversation(ctx, principal.SubjectID, title)
	if err != nil {
		return nil, nil, err
	}
	return conv, nil, nil
}

// ProcessChat runs one non-streaming chat request end to end.
func (o *Orchestrator) ProcessChat(ctx context.Context, principal *auth.Principal, req Request) (*Result, error) {
	conv, messages, path, err := o.prologue(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithConversationID(ctx, conv.ID.String())

	prov, model := o.pickProvider(req)
	if prov == nil {
		return nil, apierr.New(apierr.KindInternal, "no provider available")
	}
	req.Model = model

	var content string
	switch path {
	case PathTool:
		content, err = o.runToolLoop(ctx, principal, prov, req.Model, messages)
	case PathMultiAgent:
		content, err = o.runScenario(ctx, prov, req, messages)
	default:
		var completion *provider.Completion
		completion, err = prov.Complete(ctx, provider.Request{Model: req.Model, Messages: messages})
		if completion != nil {
			content = completion.Content
		}
	}
	if err != nil {
		return nil, err
	}

	// Persistence failure is fatal for the request.
	directives := streambuf.ExtractDirectives(content)
	if _, err := o.store.AppendMessage(ctx, conv.ID, conversations.NewMessage{
		Role:       conversations.RoleAssistant,
		Content:    content,
		Directives: directivesJSON(directives),
	}); err != nil {
		return nil, err
	}

	result := &Result{
		Response:       content,
		ConversationID: conv.ID,
		Model:          modelNameFor(req, prov),
		Path:           path,
	}
	for _, d := range directives {
		result.Directives = append(result.Directives, string(d))
	}
	return result, nil
}

// ProcessChatStream starts one streaming chat request. The returned Stream's
// Events channel closes after a Done or Err event; the caller owns the
// completion protocol and must invoke Finalize before signalling completion.
func (o *Orchestrator) ProcessChatStream(ctx context.Context, principal *auth.Principal, req Request) (*Stream, error) {
	conv, messages, path, err := o.prologue(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithConversationID(ctx, conv.ID.String())

	prov, model := o.pickProvider(req)
	if prov == nil {
		return nil, apierr.New(apierr.KindInternal, "no provider available")
	}
	req.Model = model

	streamCtx, cancel := context.WithCancel(ctx)

	var events <-chan provider.Event
	switch path {
	case PathTool:
		events = o.runToolStream(streamCtx, principal, prov, req.Model, messages)
	case PathMultiAgent:
		events, err = o.runScenarioStream(streamCtx, prov, req, messages)
	default:
		events, err = prov.Stream(streamCtx, provider.Request{Model: req.Model, Messages: messages})
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return &Stream{
		ConversationID: conv.ID,
		Model:          modelNameFor(req, prov),
		Path:           path,
		Events:         events,
		Cancel:         cancel,
		Finalize: func(finalCtx context.Context, content string, truncated bool) error {
			directives := streambuf.ExtractDirectives(content)
			_, err := o.store.AppendMessage(finalCtx, conv.ID, conversations.NewMessage{
				Role:       conversations.RoleAssistant,
				Content:    content,
				Directives: directivesJSON(directives),
				Truncated:  truncated,
			})
			return err
		},
	}, nil
}

// pickProvider honours an explicit "provider/model" hint; otherwise the
// default provider serves the request.
func (o *Orchestrator) pickProvider(req Request) (provider.Provider, string) {
	if name, model, ok := strings.Cut(req.Model, "/"); ok {
		if p, err := o.providers.Get(name); err == nil {
			return p, model
		}
	}
	return o.providers.Default(), req.Model
}

func modelNameFor(req Request, prov provider.Provider) string {
	if req.Model != "" {
		return req.Model
	}
	return prov.Name()
}

func historyToProvider(history []conversations.Message) []provider.Message {
	var out []provider.Message
	for _, m := range history {
		role := provider.Role(m.Role)
		out = append(out, provider.Message{Role: role, Content: m.Content})
	}
	return out
}

// deriveTitle produces a short conversation title from the first message.
func deriveTitle(message string) *string {
	const max = 60
	title := message
	if len(title) > max {
		cut := max
		for cut > 0 && title[cut-1] != ' ' {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		title = title[:cut]
	}
	for len(title) > 0 && (title[len(title)-1] == ' ' || title[len(title)-1] == '\n') {
		title = title[:len(title)-1]
	}
	if title == "" {
		return nil
	}
	return &title
}

func directivesJSON(directives []json.RawMessage) json.RawMessage {
	if len(directives) == 0 {
		return nil
	}
	out, err := json.Marshal(directives)
	if err != nil {
		return nil
	}
	return out
}
