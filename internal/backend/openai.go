package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"scribe/internal/apperr"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIModel transcribes through a remote OpenAI-compatible audio endpoint.
type openAIModel struct {
	key    Key
	client *openai.Client
}

func newOpenAIModel(key Key, cfg LoaderConfig) (*openAIModel, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	apiKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	// Self-hosted compatible servers usually run without a key.
	if apiKey == "" && baseURL == defaultOpenAIBaseURL {
		return nil, apperr.Environment("backend.load", "OPENAI_API_KEY is not set",
			"set OPENAI_API_KEY or point OPENAI_BASE_URL at a compatible server", nil)
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	return &openAIModel{key: key, client: openai.NewClientWithConfig(config)}, nil
}

func (m *openAIModel) Key() Key { return m.key }

func (m *openAIModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Output, error) {
	req := openai.AudioRequest{
		Model:       m.key.Model,
		FilePath:    audioPath,
		Prompt:      opts.Prompt,
		Temperature: float32(opts.Temperature),
		Format:      openai.AudioResponseFormatVerboseJSON,
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if opts.Task == TaskTranslate {
		resp, err = m.client.CreateTranslation(ctx, req)
	} else {
		req.Language = opts.Language
		resp, err = m.client.CreateTranscription(ctx, req)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Output{}, apperr.Backend("backend.invoke",
				fmt.Sprintf("openai transcription failed with status %d", apiErr.HTTPStatusCode), err)
		}
		return Output{}, apperr.Backend("backend.invoke", "openai transcription failed", err)
	}

	out := Output{Text: resp.Text, Language: resp.Language}
	if len(resp.Segments) > 0 {
		out.Segments = make([]Segment, 0, len(resp.Segments))
		for _, s := range resp.Segments {
			out.Segments = append(out.Segments, Segment{
				Start: s.Start,
				End:   s.End,
				Text:  strings.TrimSpace(s.Text),
			})
		}
	}
	return out, nil
}
