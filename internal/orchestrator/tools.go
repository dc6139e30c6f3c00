package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/kb"
	"github.com/fableverse/gateway/internal/provider"
)

// runToolLoop drives the tool execution path for non-streaming requests:
// offer the KB tool surface, execute requested calls, inject results, and
// repeat until the model answers in prose or the iteration budget runs out.
func (o *Orchestrator) runToolLoop(ctx context.Context, principal *auth.Principal, prov provider.Provider, model string, messages []provider.Message) (string, error) {
	msgs := append([]provider.Message(nil), messages...)

	for iter := 0; iter < o.opts.ToolIterationsMax; iter++ {
		completion, err := prov.Complete(ctx, provider.Request{
			Model:    model,
			Messages: msgs,
			Tools:    kb.ToolDefs(),
		})
		if err != nil {
			return "", err
		}

		if len(completion.ToolCalls) == 0 {
			o.metrics.ToolIterations.Observe(float64(iter))
			return completion.Content, nil
		}

		msgs = o.executeCalls(ctx, principal, msgs, completion.Content, completion.ToolCalls)
	}

	return "", apierr.New(apierr.KindToolFailure, "tool iteration budget exhausted")
}

// runToolStream is the streaming variant. Content deltas are forwarded as
// they arrive; tool-call turns trigger execution and another provider stream.
func (o *Orchestrator) runToolStream(ctx context.Context, principal *auth.Principal, prov provider.Provider, model string, messages []provider.Message) <-chan provider.Event {
	out := make(chan provider.Event)

	go func() {
		defer close(out)
		msgs := append([]provider.Message(nil), messages...)

		for iter := 0; iter < o.opts.ToolIterationsMax; iter++ {
			events, err := prov.Stream(ctx, provider.Request{
				Model:    model,
				Messages: msgs,
				Tools:    kb.ToolDefs(),
			})
			if err != nil {
				emit(ctx, out, provider.Event{Err: err})
				return
			}

			var calls []provider.ToolCall
			for ev := range events {
				switch {
				case ev.Err != nil:
					emit(ctx, out, ev)
					return
				case len(ev.ToolCalls) > 0:
					calls = ev.ToolCalls
					// Surface tool progress to the transport.
					if !emit(ctx, out, ev) {
						return
					}
				case ev.Content != "":
					if !emit(ctx, out, ev) {
						return
					}
				}
			}

			if len(calls) == 0 {
				o.metrics.ToolIterations.Observe(float64(iter))
				emit(ctx, out, provider.Event{Done: true})
				return
			}

			msgs = o.executeCalls(ctx, principal, msgs, "", calls)
		}

		emit(ctx, out, provider.Event{Err: apierr.New(apierr.KindToolFailure, "tool iteration budget exhausted")})
	}()

	return out
}

// executeCalls runs each requested tool and appends the assistant turn plus
// tool results to the message history. Execution errors become tool results
// so the model can correct itself within the iteration budget.
func (o *Orchestrator) executeCalls(ctx context.Context, principal *auth.Principal, msgs []provider.Message, content string, calls []provider.ToolCall) []provider.Message {
	msgs = append(msgs, provider.Message{
		Role:      provider.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})

	for _, call := range calls {
		msgs = append(msgs, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: call.ID,
			Content:    o.executeCall(ctx, principal, call),
		})
	}
	return msgs
}

func (o *Orchestrator) executeCall(ctx context.Context, principal *auth.Principal, call provider.ToolCall) string {
	log := o.logger.WithContext(ctx)

	op, ok := kb.OpForTool(call.Name)
	if !ok {
		log.Warn("model requested unknown tool", slog.String("tool", call.Name))
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name)
	}

	result, err := o.tools.Invoke(ctx, principal.SubjectID, op, call.Arguments)
	if err != nil {
		log.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.Any("error", err))
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(result)
}

// emit forwards ev unless the stream context is gone.
func emit(ctx context.Context, out chan<- provider.Event, ev provider.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
