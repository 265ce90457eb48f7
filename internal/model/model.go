// Package model wraps genkit so the rest of the runtime sees a single
// Generate call regardless of provider.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrDisabled is returned by Generate when no provider is configured.
var ErrDisabled = errors.New("model: no LLM provider configured")

// Config selects and authenticates a provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	// CompatProvider names the provider for openai_compatible endpoints.
	CompatProvider string
}

// Role of a prior message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one prior conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a single non-streaming generation.
type Request struct {
	Model    string
	System   string
	Prompt   string
	Messages []Message
}

// Generator produces model text. *Client implements it; tests use fakes.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Client is a genkit-backed Generator.
type Client struct {
	g        *genkit.Genkit
	provider string
	enabled  bool
	logger   *slog.Logger
}

// New initializes genkit with the configured provider. Without an API
// key the client is returned disabled and Generate fails with
// ErrDisabled, which callers treat as "use the deterministic path".
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}

	c := &Client{provider: provider, logger: logger}
	if apiKey == "" {
		c.g = genkit.Init(ctx)
		logger.Warn("LLM API key missing; model-backed components disabled", "provider", provider)
		return c
	}

	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		c.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: baseURL}))
	case "openai_compatible":
		c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: cfg.CompatProvider, APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		c.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		c.g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; model-backed components disabled", "provider", provider)
		return c
	}
	c.enabled = true
	logger.Info("model client initialized", "provider", provider)
	return c
}

// Enabled reports whether Generate can reach a provider.
func (c *Client) Enabled() bool { return c != nil && c.enabled }

// Generate runs one generation and returns the response text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(c.ModelName(req.Model)),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		// WithSystem formats its argument; escape literal percent signs.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if len(req.Messages) > 0 {
		opts = append(opts, ai.WithMessages(toMessages(req.Messages)...))
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generate (%s): %w", ClassifyError(err), err)
	}
	return resp.Text(), nil
}

// ModelName qualifies a bare model id with the provider prefix genkit
// expects.
func (c *Client) ModelName(model string) string {
	return QualifiedName(c.provider, model)
}

// QualifiedName returns the genkit model name for provider/model.
func QualifiedName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(provider)
	}
	if strings.Contains(model, "/") && provider != "openai_compatible" {
		return model
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

// DefaultModel returns the fallback model id for a provider.
func DefaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "google":
		return "gemini-2.5-flash"
	default:
		return "claude-sonnet-4-5-20250929"
	}
}

// EnvAPIKey reads the conventional API key variable for provider.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func toMessages(in []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(in))
	for _, m := range in {
		role := ai.RoleUser
		if m.Role == RoleModel {
			role = ai.RoleModel
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Content)}})
	}
	return out
}

// Bound pins a Generator to one model and system prompt.
type Bound struct {
	Gen    Generator
	Model  string
	System string
}

// Judge implements decision.Judge.
func (b Bound) Judge(ctx context.Context, prompt string) (string, error) {
	return b.Gen.Generate(ctx, Request{Model: b.Model, System: b.System, Prompt: prompt})
}
