package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

const (
	defaultModel    = "gemini-2.5-flash"
	defaultAttempts = 3
	defaultDelay    = 300 * time.Millisecond
)

// generativeAPI is the minimal genai surface the gateway needs.
// *genai.Models satisfies this interface.
type generativeAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client exposes the closed set of generation operations the turn engine
// consumes: script generation, per-turn grading, and session summarization.
// Each operation pins its own system instruction and response schema, and
// every call runs under a bounded fixed-delay retry.
type Client struct {
	api      generativeAPI
	model    string
	attempts uint64
	delay    time.Duration
	logger   *slog.Logger
}

type Options struct {
	Model    string
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// New dials the Gemini API.
func New(ctx context.Context, apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ai: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: new client: %w", err)
	}
	return newWithAPI(client.Models, opts), nil
}

func newWithAPI(api generativeAPI, opts Options) *Client {
	c := &Client{
		api:      api,
		model:    opts.Model,
		attempts: defaultAttempts,
		delay:    opts.Delay,
		logger:   opts.Logger,
	}
	if strings.TrimSpace(c.model) == "" {
		c.model = defaultModel
	}
	if opts.Attempts > 0 {
		c.attempts = uint64(opts.Attempts)
	}
	if c.delay <= 0 {
		c.delay = defaultDelay
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type scriptLine struct {
	Message string `json:"message"`
	IsUser  bool   `json:"is_user"`
}

// GenerateScript produces a validated conversation script for the given
// difficulty, topic and target message count.
func (c *Client) GenerateScript(ctx context.Context, level convo.Level, topic string, duration int) ([]convo.Message, error) {
	contents := genai.Text(fmt.Sprintf("Level: %s; Context: %s; Duration: %d messages.", level.Label(), topic, duration))
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(scriptInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"message": {Type: genai.TypeString},
					"is_user": {Type: genai.TypeBoolean},
				},
				Required: []string{"message", "is_user"},
			},
		},
	}

	var script []convo.Message
	err := c.generate(ctx, "generate_script", contents, config, func(raw string) error {
		var lines []scriptLine
		if err := json.Unmarshal([]byte(raw), &lines); err != nil {
			return fmt.Errorf("decode script: %w", err)
		}
		messages := make([]convo.Message, 0, len(lines))
		for _, line := range lines {
			messages = append(messages, convo.Message{Text: line.Message, IsUser: line.IsUser})
		}
		if err := convo.ValidateScript(messages); err != nil {
			return fmt.Errorf("invalid script shape: %w", err)
		}
		script = messages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return script, nil
}

// GradeAudio checks the spoken answer against the expected phrase and
// returns per-turn feedback with a rating clamped to [0, 10].
func (c *Client) GradeAudio(ctx context.Context, expectedPhrase string, audio []byte, mimeType string) (convo.TurnFeedback, error) {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "audio/mpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(expectedPhrase),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(gradeInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"feedback": {Type: genai.TypeString},
				"rating":   {Type: genai.TypeNumber},
			},
			Required: []string{"feedback", "rating"},
		},
	}

	var graded convo.TurnFeedback
	err := c.generate(ctx, "grade_audio", contents, config, func(raw string) error {
		var fb convo.TurnFeedback
		if err := json.Unmarshal([]byte(raw), &fb); err != nil {
			return fmt.Errorf("decode feedback: %w", err)
		}
		valid, err := convo.ValidateTurnFeedback(fb)
		if err != nil {
			return fmt.Errorf("invalid feedback shape: %w", err)
		}
		graded = valid
		return nil
	})
	if err != nil {
		return convo.TurnFeedback{}, err
	}
	return graded, nil
}

// Summarize condenses the per-turn feedback texts into one narrative session
// summary.
func (c *Client) Summarize(ctx context.Context, feedbacks []string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Feedbacks:")
	for i, fb := range feedbacks {
		fmt.Fprintf(&sb, "\n%d. %q", i, fb)
	}
	contents := genai.Text(sb.String())
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(summaryInstruction, genai.RoleUser),
		ResponseMIMEType:  "text/plain",
	}

	var summary string
	err := c.generate(ctx, "summarize", contents, config, func(raw string) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return fmt.Errorf("empty summary")
		}
		summary = raw
		return nil
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// generate runs one named operation under the retry budget. The consume
// callback parses and validates the raw model text; its failures count
// against the same budget, and exhaustion is a permanent generation error.
func (c *Client) generate(ctx context.Context, op string, contents []*genai.Content, config *genai.GenerateContentConfig, consume func(raw string) error) error {
	backoff := retry.WithMaxRetries(c.attempts-1, retry.NewConstant(c.delay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := c.api.GenerateContent(ctx, c.model, contents, config)
		if err != nil {
			c.logger.Warn("generation attempt failed", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		if err := consume(resp.Text()); err != nil {
			c.logger.Warn("generation response rejected", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return convo.NewGenerationError("something is wrong with our assistant, try again")
	}
	return nil
}
