package streambuf

import (
	"encoding/json"
	"testing"
)

func TestExtractDirectives(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single directive",
			text: `Here you go! {"m":"spawn_character","p":{"type":"fairy"}}`,
			want: []string{`{"m":"spawn_character","p":{"type":"fairy"}}`},
		},
		{
			name: "multiple directives",
			text: `{"m":"a","p":{}} and {"m":"b","p":{"x":1}}`,
			want: []string{`{"m":"a","p":{}}`, `{"m":"b","p":{"x":1}}`},
		},
		{
			name: "no directives",
			text: "plain text with {braces} only",
			want: nil,
		},
		{
			name: "unterminated skipped",
			text: `{"m":"half","p":{"x":`,
			want: nil,
		},
		{
			name: "m not a string skipped",
			text: `{"m":42,"p":{}}`,
			want: nil,
		},
		{
			name: "escaped braces inside strings",
			text: `{"m":"say","p":{"text":"look: \"}\" fine"}}`,
			want: []string{`{"m":"say","p":{"text":"look: \"}\" fine"}}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDirectives(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d directives, got %d: %v", len(tt.want), len(got), got)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("directive %d: expected %s, got %s", i, tt.want[i], got[i])
				}
				var parsed map[string]interface{}
				if err := json.Unmarshal(got[i], &parsed); err != nil {
					t.Errorf("directive %d does not parse: %v", i, err)
				}
			}
		})
	}
}

func TestIsDirective(t *testing.T) {
	if !IsDirective(`{"m":"wave","p":{}}`) {
		t.Error("valid directive rejected")
	}
	if IsDirective(`{"m":1}`) {
		t.Error("numeric m accepted")
	}
	if IsDirective(`{"mode":"x"}`) {
		t.Error("non-directive object accepted")
	}
	if IsDirective(`{"m":"x"`) {
		t.Error("unterminated accepted")
	}
}
