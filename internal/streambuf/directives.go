package streambuf

import (
	"encoding/json"
	"strings"
)

// directiveEnvelope is the minimal shape a directive must satisfy.
type directiveEnvelope struct {
	M *string `json:"m"`
}

// IsDirective reports whether s is a syntactically valid directive: a JSON
// object whose "m" field is present as a string.
func IsDirective(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, openerTarget) {
		return false
	}
	var env directiveEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return false
	}
	return env.M != nil
}

// ExtractDirectives scans text for complete, valid directives and returns
// their raw JSON. Unterminated or malformed candidates are skipped.
// Used when persisting assistant messages, where the directive payloads are
// stored alongside the content.
func ExtractDirectives(text string) []json.RawMessage {
	var out []json.RawMessage

	for i := 0; i+len(openerTarget) <= len(text); i++ {
		if text[i:i+len(openerTarget)] != openerTarget {
			continue
		}

		end, ok := scanBalanced(text[i:])
		if !ok {
			break
		}

		candidate := text[i : i+end]
		if IsDirective(candidate) {
			out = append(out, json.RawMessage(candidate))
		}
		i += end - 1
	}

	return out
}

// scanBalanced returns the byte length of the balanced JSON object starting at
// s[0] (which must be '{'), honouring string literals and escapes.
func scanBalanced(s string) (int, bool) {
	depth := 0
	inStr := false
	esc := false

	for i, r := range s {
		if inStr {
			switch {
			case esc:
				esc = false
			case r == '\\':
				esc = true
			case r == '"':
				inStr = false
			}
			continue
		}
		switch r {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
