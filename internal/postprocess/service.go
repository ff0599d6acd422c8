// Package postprocess cleans raw transcripts. Modes are none (identity),
// basic (whitespace and punctuation spacing) and llm (a chat-completions
// rewrite).
package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"scribe/internal/apperr"
	"scribe/internal/upstream/openai"
)

const (
	ModeNone  = "none"
	ModeBasic = "basic"
	ModeLLM   = "llm"
)

const DefaultSystemPrompt = "You are a transcription cleanup assistant. " +
	"Fix obvious punctuation and capitalization, remove filler words when safe, " +
	"and keep the meaning unchanged. Preserve line breaks if present. " +
	"Return ONLY a JSON object with a single key 'text' whose value is the cleaned transcript. " +
	"Do not include any other words, labels, markdown, or quotes."

var (
	whitespaceRun     = regexp.MustCompile(`[\s\v\p{Z}\x{85}]+`)
	spaceBeforePunct  = regexp.MustCompile(`[\s\v\p{Z}\x{85}]+([,.;:!?])`)
	jsonBlock         = regexp.MustCompile(`(?s)\{.*\}`)
	preambleLine      = regexp.MustCompile(`(?i)^(here(?:'| i)?s|cleaned(?:-up)? transcription|clean transcription|cleaned transcript)\b`)
	errUnknownCleanup = errors.New("unknown cleanup mode")
)

type ChatClient interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Result struct {
	Text  string
	Mode  string
	Usage *TokenUsage
}

type Service struct {
	client      ChatClient
	model       string
	defaultMode string
	timeout     time.Duration
}

// New builds the cleanup service. client may be nil when llm mode is never used.
func New(client ChatClient, model, defaultMode string, timeout time.Duration) *Service {
	defaultMode = strings.ToLower(strings.TrimSpace(defaultMode))
	if defaultMode == "" {
		defaultMode = ModeBasic
	}
	return &Service{
		client:      client,
		model:       strings.TrimSpace(model),
		defaultMode: defaultMode,
		timeout:     timeout,
	}
}

// ResolveMode normalizes a requested mode, falling back to the default.
func (s *Service) ResolveMode(mode string) (string, error) {
	selected := strings.ToLower(strings.TrimSpace(mode))
	if selected == "" {
		selected = s.defaultMode
	}
	switch selected {
	case ModeNone, ModeBasic, ModeLLM:
		return selected, nil
	default:
		return "", apperr.Validation("cleanup", "%v: %s", errUnknownCleanup, selected)
	}
}

func (s *Service) Clean(ctx context.Context, text, mode string) (Result, error) {
	selected, err := s.ResolveMode(mode)
	if err != nil {
		return Result{}, err
	}
	switch selected {
	case ModeNone:
		return Result{Text: text, Mode: selected}, nil
	case ModeBasic:
		return Result{Text: Basic(text), Mode: selected}, nil
	default:
		return s.llm(ctx, text)
	}
}

// Basic trims, collapses whitespace runs and removes whitespace before
// punctuation. It is idempotent.
func Basic(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = whitespaceRun.ReplaceAllString(cleaned, " ")
	return spaceBeforePunct.ReplaceAllString(cleaned, "$1")
}

func (s *Service) llm(ctx context.Context, text string) (Result, error) {
	if s.client == nil {
		return Result{}, apperr.Environment("cleanup.llm", "llm cleanup is not configured",
			"set CLEANUP_LLM_BASE_URL and CLEANUP_LLM_MODEL", nil)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.client.ChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: DefaultSystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		// The caller went away; that is not a cleanup failure.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, apperr.Transport("cleanup.llm", "llm cleanup request failed", err)
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return Result{}, apperr.Transport("cleanup.llm", "llm cleanup returned empty content", nil)
	}

	result := Result{Text: extractCleaned(content), Mode: ModeLLM}
	if resp.Usage != nil {
		result.Usage = &TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// extractCleaned pulls the transcript out of a model reply: a JSON object with
// a text key, then the widest {...} span, then the reply minus any preamble.
func extractCleaned(content string) string {
	if text, ok := jsonText(content); ok {
		return text
	}
	if block := jsonBlock.FindString(content); block != "" {
		if text, ok := jsonText(block); ok {
			return text
		}
	}
	return stripPreamble(content)
}

func jsonText(candidate string) (string, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return "", false
	}
	value, ok := parsed["text"]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(v), true
	default:
		return strings.TrimSpace(fmt.Sprint(v)), true
	}
}

func stripPreamble(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	removed := false
	for len(lines) > 0 {
		head := strings.TrimSpace(lines[0])
		if head != "" && !preambleLine.MatchString(head) {
			break
		}
		lines = lines[1:]
		removed = true
	}
	cleaned := strings.TrimSpace(strings.Join(lines, "\n"))

	if removed && len(cleaned) >= 2 {
		quote := cleaned[0]
		if (quote == '"' || quote == '\'') && cleaned[len(cleaned)-1] == quote {
			inner := strings.TrimSpace(cleaned[1 : len(cleaned)-1])
			if !strings.ContainsRune(inner, rune(quote)) {
				cleaned = inner
			}
		}
	}
	return cleaned
}
