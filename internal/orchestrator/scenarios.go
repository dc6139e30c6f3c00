package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fableverse/gateway/internal/provider"
)

// Scenario is a multi-agent panel: a fixed set of sub-agents whose answers
// are aggregated by a synthesis turn. Scenarios are data, not code.
type Scenario struct {
	Tag         string
	Description string
	Agents      []SubAgent
	// Synthesis is the system prompt for the aggregation turn.
	Synthesis string
}

// SubAgent is one member of a scenario panel.
type SubAgent struct {
	Name   string
	System string
}

// scenarios is the built-in panel catalogue, keyed by tag. The "general" tag
// serves untagged requests that crossed the complexity threshold.
var scenarios = map[string]Scenario{
	"gamemaster": {
		Tag:         "gamemaster",
		Description: "Runs an interactive scene with narrative, rules, and world continuity specialists.",
		Agents: []SubAgent{
			{Name: "narrator", System: "You narrate vivid scenes in second person. Keep it under 150 words."},
			{Name: "rules", System: "You adjudicate game mechanics strictly and concisely."},
			{Name: "continuity", System: "You track world state and flag contradictions with established facts."},
		},
		Synthesis: "You are the gamemaster. Merge the panel's contributions into one coherent reply to the player. Emit scene directives as JSON objects of the form {\"m\":\"<verb>\",\"p\":{...}} inline where scene changes occur.",
	},
	"research": {
		Tag:         "research",
		Description: "Splits a research question across analysis, evidence, and counterargument specialists.",
		Agents: []SubAgent{
			{Name: "analyst", System: "Break the question into its key claims and assess each."},
			{Name: "evidence", System: "List the strongest supporting evidence you know of, with caveats."},
			{Name: "skeptic", System: "Argue against the obvious answer. Surface weaknesses and unknowns."},
		},
		Synthesis: "Combine the panel's analyses into one balanced, well-structured answer.",
	},
	"advisor": {
		Tag:         "advisor",
		Description: "Weighs a development decision across design, operations, and cost perspectives.",
		Agents: []SubAgent{
			{Name: "design", System: "Evaluate the proposal for API design and long-term maintainability."},
			{Name: "operations", System: "Evaluate the proposal for operability, failure modes, and rollout risk."},
			{Name: "cost", System: "Evaluate the proposal for implementation and running cost."},
		},
		Synthesis: "Weigh the panel's evaluations and give one clear recommendation with trade-offs.",
	},
	"general": {
		Tag:         "general",
		Description: "Default decomposition panel for complex untagged requests.",
		Agents: []SubAgent{
			{Name: "planner", System: "Decompose the request into sub-problems and outline an answer."},
			{Name: "solver", System: "Answer the request as directly and completely as you can."},
		},
		Synthesis: "Merge the plan and the draft answer into one complete response.",
	},
}

// ScenarioFor resolves a scenario tag, falling back to the general panel.
func ScenarioFor(tag string) Scenario {
	if s, ok := scenarios[tag]; ok {
		return s
	}
	return scenarios["general"]
}

// runScenario fans the user message out to the scenario's panel and
// synthesises the answers into one completion.
func (o *Orchestrator) runScenario(ctx context.Context, prov provider.Provider, req Request, messages []provider.Message) (string, error) {
	synthesis, err := o.panelMessages(ctx, prov, req, messages)
	if err != nil {
		return "", err
	}

	completion, err := prov.Complete(ctx, provider.Request{Model: req.Model, Messages: synthesis})
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

// runScenarioStream runs the panel, then streams the synthesis turn.
func (o *Orchestrator) runScenarioStream(ctx context.Context, prov provider.Provider, req Request, messages []provider.Message) (<-chan provider.Event, error) {
	synthesis, err := o.panelMessages(ctx, prov, req, messages)
	if err != nil {
		return nil, err
	}
	return prov.Stream(ctx, provider.Request{Model: req.Model, Messages: synthesis})
}

// panelMessages executes the sub-agents concurrently and builds the message
// list for the synthesis turn.
func (o *Orchestrator) panelMessages(ctx context.Context, prov provider.Provider, req Request, messages []provider.Message) ([]provider.Message, error) {
	scenario := ScenarioFor(req.ScenarioTag)

	answers := make([]string, len(scenario.Agents))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, agent := range scenario.Agents {
		g.Go(func() error {
			turn := []provider.Message{{Role: provider.RoleSystem, Content: agent.System}}
			turn = append(turn, messages...)

			completion, err := prov.Complete(groupCtx, provider.Request{Model: req.Model, Messages: turn})
			if err != nil {
				return fmt.Errorf("sub-agent %s: %w", agent.Name, err)
			}
			answers[i] = completion.Content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	for i, agent := range scenario.Agents {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", agent.Name, answers[i])
	}

	synthesis := []provider.Message{{Role: provider.RoleSystem, Content: scenario.Synthesis}}
	synthesis = append(synthesis, messages...)
	synthesis = append(synthesis, provider.Message{
		Role:    provider.RoleSystem,
		Content: "Panel contributions:\n\n" + sb.String(),
	})
	return synthesis, nil
}
