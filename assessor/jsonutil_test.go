package assessor

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string // if non-empty, check this key exists in parsed JSON
		wantErr bool
	}{
		{
			name:    "plain JSON",
			input:   `{"score": 80}`,
			wantKey: "score",
		},
		{
			name:    "markdown code block",
			input:   "```json\n{\"score\": 80}\n```",
			wantKey: "score",
		},
		{
			name:    "markdown block with trailing text",
			input:   "```json\n{\"score\": 80}\n```\n\n**Some extra text here**",
			wantKey: "score",
		},
		{
			name:    "JS comments outside strings",
			input:   "{\n  \"score\": 70, // seems solid\n  \"rationale\": \"fine\"\n}",
			wantKey: "score",
		},
		{
			name:    "comment markers inside string values survive",
			input:   `{"rationale": "see http://example.com/page", "score": 60}`,
			wantKey: "rationale",
		},
		{
			name:    "trailing comma",
			input:   "{\n  \"score\": 40,\n}",
			wantKey: "score",
		},
		{
			name:    "prose before object",
			input:   "Here is my answer: {\"score\": 30, \"rationale\": \"weak\"}",
			wantKey: "score",
		},
		{
			name:    "no JSON at all",
			input:   "I would give this a seven out of ten.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.input)
			if tt.wantErr {
				if got != "" {
					// Some inputs contain no braces; extraction must not
					// fabricate anything.
					var v map[string]any
					if json.Unmarshal([]byte(got), &v) == nil {
						t.Errorf("expected no parseable JSON, got %q", got)
					}
				}
				return
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(got), &parsed); err != nil {
				t.Fatalf("extracted JSON does not parse: %v\ninput: %s\nextracted: %s", err, tt.input, got)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("expected key %q in %s", tt.wantKey, got)
			}
		})
	}
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"url": "http://example.com"`, `"url": "http://example.com"`},
		{`"path", // comment`, `"path",`},
		{`no comment here`, `no comment here`},
		{`"esc\"aped" // tail`, `"esc\"aped"`},
	}

	for _, tt := range tests {
		if got := stripLineComment(tt.input); got != tt.want {
			t.Errorf("stripLineComment(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
