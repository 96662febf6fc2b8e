// Package ai generates chat lines and moderation verdicts through an
// OpenAI-compatible endpoint. Pointing the base URL at an Ollama instance
// keeps every completion on local hardware.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoBackend is returned when neither a local endpoint nor an API key is
// configured.
var ErrNoBackend = errors.New("no ai backend configured")

// Generator produces chat content. The bot worker treats it as optional;
// a failed generation skips the scheduled post rather than crashing.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is one completion request.
type Request struct {
	Model string
	// Prompt is the rendered prompt template for this tenant.
	Prompt string
	// Temperature is scaled by ten, matching the stored config: 0..20.
	Temperature int
	MaxTokens   int
}

// Config selects the backend. LocalOnly with no LocalURL is a configuration
// error surfaced at construction.
type Config struct {
	LocalURL  string
	LocalOnly bool
	APIKey    string
	Timeout   time.Duration
}

// Client is the go-openai backed Generator.
type Client struct {
	api    *openai.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var clientCfg openai.ClientConfig
	switch {
	case cfg.LocalURL != "":
		// Ollama and compatible servers accept any key.
		clientCfg = openai.DefaultConfig("local")
		clientCfg.BaseURL = strings.TrimSuffix(cfg.LocalURL, "/") + "/v1"
	case cfg.LocalOnly:
		return nil, fmt.Errorf("%w: local-only mode requires a local endpoint", ErrNoBackend)
	case cfg.APIKey != "":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
	default:
		return nil, ErrNoBackend
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		api:    openai.NewClientWithConfig(clientCfg),
		logger: logger.With("component", "ai"),
	}, nil
}

func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = "llama3"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 150
	}
	temperature := float32(req.Temperature) / 10
	if temperature <= 0 {
		temperature = 1
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You write short, friendly live-stream chat messages. One or two sentences, no hashtags, no emoji spam."},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Moderation is the verdict for one piece of chat text. Score is the highest
// category score the backend reported, in [0, 1].
type Moderation struct {
	Flagged bool
	Score   float64
}

// Moderate classifies chat text through the backend's moderation endpoint.
func (c *Client) Moderate(ctx context.Context, text string) (Moderation, error) {
	resp, err := c.api.Moderations(ctx, openai.ModerationRequest{Input: text})
	if err != nil {
		return Moderation{}, fmt.Errorf("moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return Moderation{}, errors.New("empty moderation result")
	}
	result := resp.Results[0]
	scores := result.CategoryScores
	score := float64(0)
	for _, s := range []float32{
		scores.Hate, scores.HateThreatening,
		scores.Harassment, scores.HarassmentThreatening,
		scores.SelfHarm, scores.SelfHarmIntent, scores.SelfHarmInstructions,
		scores.Sexual, scores.SexualMinors,
		scores.Violence, scores.ViolenceGraphic,
	} {
		if float64(s) > score {
			score = float64(s)
		}
	}
	return Moderation{Flagged: result.Flagged, Score: score}, nil
}

// Static is a Generator that returns canned lines, used when no backend is
// configured and by tests.
type Static struct {
	Lines []string
	idx   int
}

func (s *Static) Generate(context.Context, Request) (string, error) {
	if len(s.Lines) == 0 {
		return "", ErrNoBackend
	}
	line := s.Lines[s.idx%len(s.Lines)]
	s.idx++
	return line, nil
}
