package postprocess

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scribe/internal/apperr"
	"scribe/internal/upstream/openai"
)

type fakeChatClient struct {
	request openai.ChatCompletionRequest
	calls   int
	resp    openai.ChatCompletionResponse
	err     error
	block   bool
}

func (f *fakeChatClient) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.request = req
	if f.block {
		<-ctx.Done()
		return openai.ChatCompletionResponse{}, ctx.Err()
	}
	return f.resp, f.err
}

func TestCleanNoneIsIdentity(t *testing.T) {
	svc := New(nil, "", ModeBasic, time.Second)
	for _, in := range []string{"", "  spaced   out ,  text  ", "line\nbreaks"} {
		got, err := svc.Clean(context.Background(), in, "NONE")
		if err != nil {
			t.Fatalf("Clean(%q) error = %v", in, err)
		}
		if got.Text != in || got.Mode != ModeNone {
			t.Fatalf("Clean(%q, none) = %+v", in, got)
		}
	}
}

func TestBasicCleanup(t *testing.T) {
	cases := map[string]string{
		"  hello   world  ":             "hello world",
		"hello , world .":               "hello, world.",
		"wait\t\n what ?":               "wait what?",
		"a  b ;c":                       "a b;c",
		"":                              "",
		"already clean, isn't it? Yes.": "already clean, isn't it? Yes.",
	}
	for in, want := range cases {
		got := Basic(in)
		if got != want {
			t.Fatalf("Basic(%q) = %q, want %q", in, got, want)
		}
		if again := Basic(got); again != got {
			t.Fatalf("Basic is not idempotent for %q: %q then %q", in, got, again)
		}
	}
}

func TestCleanUsesDefaultModeAndRejectsUnknown(t *testing.T) {
	svc := New(nil, "", "", time.Second)
	got, err := svc.Clean(context.Background(), " a  b ", "")
	if err != nil || got.Text != "a b" || got.Mode != ModeBasic {
		t.Fatalf("expected basic default, got %+v, %v", got, err)
	}

	_, err = svc.Clean(context.Background(), "x", "fancy")
	if !apperr.Is(err, apperr.KindValidation) || !strings.Contains(err.Error(), "unknown cleanup mode: fancy") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExtractCleaned(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"json object", `{"text": "Hello there."}`, "Hello there."},
		{"json null", `{"text": null}`, ""},
		{"embedded json", "Sure!\n```json\n{\"text\": \" Hi. \"}\n```", "Hi."},
		{"preamble and quotes", "Here's the cleaned transcription:\n\"Hello there.\"", "Hello there."},
		{"preamble single quotes", "Cleaned-up transcription:\n\n'Hello there.'", "Hello there."},
		{"quotes without preamble", `"Hello there."`, `"Hello there."`},
		{"inner quote kept", "Here is the text\n\"She said \"hi\".\"", "\"She said \"hi\".\""},
		{"untouched", "  Hello there.  ", "Hello there."},
		{"json without text key", `{"result": "x"}`, `{"result": "x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractCleaned(strings.TrimSpace(tc.in)); got != tc.want {
				t.Fatalf("extractCleaned(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanLLMSendsTranscriptAndReturnsUsage(t *testing.T) {
	client := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Content: `{"text": "Hello there."}`,
		Usage:   &openai.TokenUsage{PromptTokens: 40, CompletionTokens: 6, TotalTokens: 46},
	}}
	svc := New(client, "llama3.1:8b", ModeBasic, time.Second)

	got, err := svc.Clean(context.Background(), "um hello there", "LLM")
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if got.Text != "Hello there." || got.Mode != ModeLLM {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 46 {
		t.Fatalf("expected usage, got %+v", got.Usage)
	}
	req := client.request
	if req.Model != "llama3.1:8b" || req.Temperature != 0 || len(req.Messages) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Messages[0].Content != DefaultSystemPrompt || req.Messages[1].Content != "um hello there" {
		t.Fatalf("unexpected messages %+v", req.Messages)
	}
}

func TestCleanLLMFailuresAreTransportErrors(t *testing.T) {
	for name, client := range map[string]*fakeChatClient{
		"upstream error": {err: &openai.Error{StatusCode: 500, Body: "boom"}},
		"empty content":  {resp: openai.ChatCompletionResponse{Content: "   "}},
		"timeout":        {block: true},
	} {
		t.Run(name, func(t *testing.T) {
			svc := New(client, "m", ModeLLM, 20*time.Millisecond)
			_, err := svc.Clean(context.Background(), "hello", "")
			if !apperr.Is(err, apperr.KindTransport) {
				t.Fatalf("expected transport error, got %v", err)
			}
		})
	}
}

func TestCleanLLMReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := New(&fakeChatClient{block: true}, "m", ModeLLM, time.Second)

	_, err := svc.Clean(ctx, "hello", "")
	if !errors.Is(err, context.Canceled) || apperr.Is(err, apperr.KindTransport) {
		t.Fatalf("expected plain cancellation, got %v", err)
	}
}

func TestCleanLLMWithoutClientIsEnvironmentError(t *testing.T) {
	_, err := New(nil, "", ModeLLM, time.Second).Clean(context.Background(), "x", "")
	if !apperr.Is(err, apperr.KindEnvironment) {
		t.Fatalf("expected environment error, got %v", err)
	}
}
