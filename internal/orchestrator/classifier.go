package orchestrator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Classification is the ephemeral routing verdict for one request.
type Classification struct {
	Path       Path
	Confidence float64
	ToolsHint  []string
}

// complexityThreshold is the message length, in runes, beyond which a request
// is routed to the multi-agent path even without an explicit scenario tag.
const complexityThreshold = 1200

// toolPhrases map message phrasing to knowledge-base operations.
var toolPhrases = map[string]string{
	"search":         "kb_search",
	"look up":        "kb_search",
	"find me":        "kb_search",
	"read the":       "kb_read",
	"open the":       "kb_read",
	"list the":       "kb_list",
	"what documents": "kb_list",
	"navigate":       "kb_navigate",
	"related to":     "kb_navigate",
	"synthesise":     "kb_synthesize",
	"synthesize":     "kb_synthesize",
	"summarise the":  "kb_synthesize",
	"summarize the":  "kb_synthesize",
	"knowledge base": "kb_search",
}

// Classifier maps each request onto an execution path. The rule set is cheap
// enough to run inline; an optional refiner call is bounded by the deadline
// and any failure falls back to the fast path.
type Classifier struct {
	deadline time.Duration

	// refine, when set, may override a low-confidence verdict. It must
	// respect ctx cancellation.
	refine func(ctx context.Context, message string) (Path, bool)
}

// NewClassifier creates a rules-based classifier with the given refiner
// deadline.
func NewClassifier(deadline time.Duration) *Classifier {
	return &Classifier{deadline: deadline}
}

// Classify picks the execution path for a request.
func (c *Classifier) Classify(ctx context.Context, req Request) Classification {
	// An explicit scenario tag always wins.
	if req.ScenarioTag != "" {
		return Classification{Path: PathMultiAgent, Confidence: 1.0}
	}

	if utf8.RuneCountInString(req.Message) > complexityThreshold {
		return Classification{Path: PathMultiAgent, Confidence: 0.6}
	}

	lowered := strings.ToLower(req.Message)
	var hints []string
	for phrase, tool := range toolPhrases {
		if strings.Contains(lowered, phrase) {
			hints = append(hints, tool)
		}
	}
	if len(hints) > 0 {
		return Classification{Path: PathTool, Confidence: 0.8, ToolsHint: hints}
	}

	verdict := Classification{Path: PathFast, Confidence: 0.5}
	if c.refine == nil {
		return verdict
	}

	refineCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	done := make(chan Classification, 1)
	go func() {
		if path, ok := c.refine(refineCtx, req.Message); ok {
			done <- Classification{Path: path, Confidence: 0.7}
			return
		}
		done <- verdict
	}()

	select {
	case v := <-done:
		return v
	case <-refineCtx.Done():
		// Deadline exceeded or caller gone: default to fast.
		return verdict
	}
}
