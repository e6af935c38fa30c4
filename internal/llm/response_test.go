package llm

import (
	"errors"
	"testing"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced json tag", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"leading whitespace", "  ```json\n{\"a\": 1}\n```  ", `{"a": 1}`},
		{"unterminated fence", "```json\n{\"a\": 1}", `{"a": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripCodeFences(tc.in); got != tc.want {
				t.Errorf("StripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	if err := DecodeJSON("```json\n{\"a\": 7}\n```", &v); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if v.A != 7 {
		t.Errorf("A = %d, want 7", v.A)
	}
}

func TestDecodeJSON_ParseError(t *testing.T) {
	var v map[string]any
	err := DecodeJSON("sorry, I can't respond with JSON", &v)
	if err == nil {
		t.Fatal("expected error on non-JSON input")
	}
	if !IsParseError(err) {
		t.Errorf("IsParseError = false for %v", err)
	}

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatal("error is not a *ParseError")
	}
	if pe.Raw == "" {
		t.Error("ParseError should keep the raw response")
	}
}

func TestIsParseError_Negative(t *testing.T) {
	if IsParseError(errors.New("boom")) {
		t.Error("plain errors must not match")
	}
	if IsParseError(nil) {
		t.Error("nil must not match")
	}
}
