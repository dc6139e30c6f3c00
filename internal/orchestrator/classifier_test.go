package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestClassifyExplicitScenario(t *testing.T) {
	c := NewClassifier(150 * time.Millisecond)
	v := c.Classify(context.Background(), Request{Message: "hi", ScenarioTag: "gamemaster"})
	if v.Path != PathMultiAgent {
		t.Errorf("path = %q, want multi_agent", v.Path)
	}
}

func TestClassifyToolPhrases(t *testing.T) {
	c := NewClassifier(150 * time.Millisecond)
	cases := map[string]string{
		"Search the knowledge base for dragons": "kb_search",
		"Can you look up the ship manifest?":    "kb_search",
		"Please read the onboarding document":   "kb_read",
		"summarize the last three chapters":     "kb_synthesize",
	}
	for message, wantHint := range cases {
		v := c.Classify(context.Background(), Request{Message: message})
		if v.Path != PathTool {
			t.Errorf("%q routed to %q, want tool", message, v.Path)
			continue
		}
		found := false
		for _, h := range v.ToolsHint {
			if h == wantHint {
				found = true
			}
		}
		if !found {
			t.Errorf("%q hints = %v, want %s", message, v.ToolsHint, wantHint)
		}
	}
}

func TestClassifyShortTurnIsFast(t *testing.T) {
	c := NewClassifier(150 * time.Millisecond)
	v := c.Classify(context.Background(), Request{Message: "What is 2+2?"})
	if v.Path != PathFast {
		t.Errorf("path = %q, want fast", v.Path)
	}
}

func TestClassifyComplexityThreshold(t *testing.T) {
	c := NewClassifier(150 * time.Millisecond)
	v := c.Classify(context.Background(), Request{Message: strings.Repeat("why? ", 400)})
	if v.Path != PathMultiAgent {
		t.Errorf("path = %q, want multi_agent", v.Path)
	}
}

func TestClassifyRefinerDeadline(t *testing.T) {
	c := NewClassifier(30 * time.Millisecond)
	c.refine = func(ctx context.Context, _ string) (Path, bool) {
		select {
		case <-time.After(time.Second):
			return PathTool, true
		case <-ctx.Done():
			return "", false
		}
	}

	start := time.Now()
	v := c.Classify(context.Background(), Request{Message: "hello"})
	if v.Path != PathFast {
		t.Errorf("path = %q, want fast on refiner timeout", v.Path)
	}
	if elapsed := time.Since(start); elapsed > 120*time.Millisecond {
		t.Errorf("classification took %v, deadline not honoured", elapsed)
	}
}
