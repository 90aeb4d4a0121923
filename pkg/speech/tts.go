package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/voxlingo/voxlingo/pkg/convo"
)

const (
	defaultModel = "gemini-2.5-flash-preview-tts"
	defaultVoice = "Kore"
)

// ttsAPI is the minimal genai surface synthesis needs. *genai.Models
// satisfies this interface.
type ttsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Synthesizer converts AI turn text into spoken audio. Failures are not
// retried here; a failed synthesis is permanent for the current turn.
type Synthesizer struct {
	api    ttsAPI
	model  string
	voice  string
	logger *slog.Logger
}

type Options struct {
	Model  string
	Voice  string
	Logger *slog.Logger
}

// New dials the Gemini API for speech synthesis.
func New(ctx context.Context, apiKey string, opts Options) (*Synthesizer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("speech: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: new client: %w", err)
	}
	return newWithAPI(client.Models, opts), nil
}

func newWithAPI(api ttsAPI, opts Options) *Synthesizer {
	s := &Synthesizer{api: api, model: opts.Model, voice: opts.Voice, logger: opts.Logger}
	if strings.TrimSpace(s.model) == "" {
		s.model = defaultModel
	}
	if strings.TrimSpace(s.voice) == "" {
		s.voice = defaultVoice
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Synthesize returns the spoken audio for text together with its mime type.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", convo.NewInvalidRequestErrorWithParam("text must not be empty", "text")
	}

	resp, err := s.api.GenerateContent(ctx, s.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.voice},
			},
		},
	})
	if err != nil {
		// The wire error stays opaque; keep the cause in the logs.
		s.logger.Warn("speech synthesis failed", "model", s.model, "error", err)
		return nil, "", convo.NewStorageError("speech synthesis failed")
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if strings.TrimSpace(mime) == "" {
				mime = "audio/mpeg"
			}
			return part.InlineData.Data, mime, nil
		}
	}
	return nil, "", convo.NewStorageError("speech synthesis returned no audio")
}
