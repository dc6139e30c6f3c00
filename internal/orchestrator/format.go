package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Response shapes. The internal representation is always Result; these
// adapters produce the final bytes.
const (
	FormatFlat    = "flat"
	FormatChoices = "choices"
)

// FormatFor picks the response shape from an explicit hint or the URL
// version. v0.3 callers get the flat shape; v1 callers the legacy
// object-with-choices shape.
func FormatFor(hint, version string) string {
	switch hint {
	case FormatFlat, FormatChoices:
		return hint
	}
	if version == "v0.3" {
		return FormatFlat
	}
	return FormatChoices
}

type flatResponse struct {
	Response       string    `json:"response"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Model          string    `json:"model,omitempty"`
	Path           Path      `json:"path,omitempty"`
}

type choicesResponse struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	Created        int64           `json:"created"`
	Model          string          `json:"model"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Choices        []choiceWrapper `json:"choices"`
}

type choiceWrapper struct {
	Index        int           `json:"index"`
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Encode renders a Result in the negotiated shape.
func Encode(result *Result, format string) ([]byte, error) {
	switch format {
	case FormatFlat:
		return json.Marshal(flatResponse{
			Response:       result.Response,
			ConversationID: result.ConversationID,
			Model:          result.Model,
			Path:           result.Path,
		})
	default:
		return json.Marshal(choicesResponse{
			ID:             "chatcmpl-" + uuid.NewString(),
			Object:         "chat.completion",
			Created:        time.Now().Unix(),
			Model:          result.Model,
			ConversationID: result.ConversationID,
			Choices: []choiceWrapper{{
				Message:      choiceMessage{Role: "assistant", Content: result.Response},
				FinishReason: "stop",
			}},
		})
	}
}
