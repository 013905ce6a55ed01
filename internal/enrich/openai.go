package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

const (
	openAIDefaultTimeout = 30 * time.Second
	defaultOpenAIModel   = "gpt-4o-mini"

	systemPrompt = "You write prompts for a text-to-video model (Google Veo 3). " +
		"Rewrite the user's idea into one vivid paragraph describing subject, action, camera movement, " +
		"lighting and sound. Keep the user's intent, do not add text overlays, reply with the prompt only."
)

type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// MaxLength caps the enriched prompt; longer output falls back to the raw prompt.
	MaxLength  int
	Fallback   Enricher
	OnFallback func(reason string, err error)
	Logger     *zap.Logger
}

// OpenAIEnricher calls an OpenAI-compatible chat completions endpoint.
type OpenAIEnricher struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	maxLength  int
	fallback   Enricher
	onFallback func(reason string, err error)
	logger     *zap.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewOpenAIEnricher(opts OpenAIOptions) (*OpenAIEnricher, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	fallback := opts.Fallback
	if fallback == nil {
		fallback = NewPassthrough()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIEnricher{
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      model,
		baseURL:    baseURL,
		client:     client,
		maxLength:  opts.MaxLength,
		fallback:   fallback,
		onFallback: opts.OnFallback,
		logger:     logger.Named("enrich"),
	}, nil
}

func (o *OpenAIEnricher) Enrich(ctx context.Context, prompt, lang string) Result {
	payload := chatRequest{
		Model:       o.model,
		Temperature: 0.7,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt + " " + languageHint(lang)},
			{Role: "user", Content: strings.TrimSpace(prompt)},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return o.useFallback(ctx, prompt, lang, "encode_request", err)
	}
	endpoint := fmt.Sprintf("%s/chat/completions", o.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return o.useFallback(ctx, prompt, lang, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return o.useFallback(ctx, prompt, lang, "http_request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return o.useFallback(ctx, prompt, lang, fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("openai status %d", resp.StatusCode))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return o.useFallback(ctx, prompt, lang, "decode_response", err)
	}
	if len(out.Choices) == 0 {
		return o.useFallback(ctx, prompt, lang, "empty_choices", errors.New("no choices"))
	}
	text := strings.Trim(strings.TrimSpace(out.Choices[0].Message.Content), "\"")
	if text == "" {
		return o.useFallback(ctx, prompt, lang, "empty_response", errors.New("empty response"))
	}
	if o.maxLength > 0 && utf8.RuneCountInString(text) > o.maxLength {
		return o.useFallback(ctx, prompt, lang, "too_long", fmt.Errorf("enriched prompt has %d characters", utf8.RuneCountInString(text)))
	}
	return Result{Prompt: text, Provider: openAIProviderName}
}

func (o *OpenAIEnricher) useFallback(ctx context.Context, prompt, lang, reason string, err error) Result {
	o.logger.Warn("prompt enrichment failed, using fallback", zap.String("reason", reason), zap.Error(err))
	if o.onFallback != nil {
		o.onFallback(reason, err)
	}
	res := o.fallback.Enrich(ctx, prompt, lang)
	res.FallbackReason = reason
	return res
}

// languageHint asks the model to answer in the user's language, e.g. "ru" -> "Russian".
func languageHint(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil || tag == language.Und {
		return ""
	}
	name := display.English.Tags().Name(tag)
	if name == "" {
		return ""
	}
	return "Write the prompt in " + name + "."
}

var _ Enricher = (*OpenAIEnricher)(nil)
