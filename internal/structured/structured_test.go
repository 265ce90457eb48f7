package structured

import (
	"errors"
	"testing"
)

var decisionSchema = MustCompile(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["wait", "cancel"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["decision"]
}`)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced json", "Result:\n```json\n{\"a\": 1}\n```\nbye", `{"a": 1}`},
		{"generic fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"raw object", `{"a": "b"}`, `{"a": "b"}`},
		{"embedded object", `I think {"decision": "wait"} is right`, `{"decision": "wait"}`},
		{"braces in strings", `{"a": "}{"}`, `{"a": "}{"}`},
		{"escaped quote", `{"a": "say \"hi\" }"}`, `{"a": "say \"hi\" }"}`},
		{"skips invalid then finds valid", `{oops} {"ok": true}`, `{"ok": true}`},
		{"none", "no json here", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Extract(tc.in); got != tc.want {
				t.Fatalf("Extract(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	var out struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
	}
	if err := decisionSchema.Decode("```json\n{\"decision\": \"cancel\", \"confidence\": 0.7}\n```", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Decision != "cancel" || out.Confidence != 0.7 {
		t.Fatalf("out = %+v", out)
	}
}

func TestDecode_Rejects(t *testing.T) {
	var out map[string]any
	var verr *ValidationError
	for _, in := range []string{
		"nothing",
		`{"decision": "explode"}`,
		`{"confidence": 0.2}`,
		`{"decision": "wait", "confidence": 3}`,
	} {
		err := decisionSchema.Decode(in, &out)
		if !errors.As(err, &verr) {
			t.Fatalf("Decode(%q) err = %v, want ValidationError", in, err)
		}
	}
}

func TestCompile_InvalidSchema(t *testing.T) {
	if _, err := Compile([]byte(`{"$ref": "#/$defs/missing"}`)); err == nil {
		t.Fatal("expected compile error")
	}
}
