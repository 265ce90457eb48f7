package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{errors.New("HTTP 401 Unauthorized"), ErrorClassAuth},
		{errors.New("429 Too Many Requests"), ErrorClassRateLimit},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{errors.New("billing hard limit reached"), ErrorClassBilling},
		{errors.New("prompt exceeds context window"), ErrorClassContextOverflow},
		{ErrDisabled, ErrorClassDisabled},
		{errors.New("socket hang up"), ErrorClassUnknown},
	}
	for _, tc := range tests {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"anthropic", "claude-haiku-4-5", "anthropic/claude-haiku-4-5"},
		{"openai", "", "openai/gpt-4o-mini"},
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"openai_compatible", "meta/llama-3", "meta/llama-3"},
		{"anthropic", "anthropic/claude-x", "anthropic/claude-x"},
	}
	for _, tc := range tests {
		if got := QualifiedName(tc.provider, tc.model); got != tc.want {
			t.Errorf("QualifiedName(%q, %q) = %q, want %q", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestDisabledClient(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	c := New(context.Background(), Config{Provider: "anthropic"}, nil)
	if c.Enabled() {
		t.Fatal("client without key should be disabled")
	}
	if _, err := c.Generate(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

type echo struct{ last Request }

func (e *echo) Generate(_ context.Context, req Request) (string, error) {
	e.last = req
	return "ok:" + req.Prompt, nil
}

func TestBound_Judge(t *testing.T) {
	gen := &echo{}
	b := Bound{Gen: gen, Model: "fast", System: "be brief"}
	out, err := b.Judge(context.Background(), "state")
	if err != nil || out != "ok:state" {
		t.Fatalf("judge = %q, %v", out, err)
	}
	if gen.last.Model != "fast" || gen.last.System != "be brief" {
		t.Fatalf("request = %+v", gen.last)
	}
}
