package enrich

import (
	"context"
	"strings"
)

const (
	passthroughProviderName = "passthrough"
	openAIProviderName      = "openai"
)

// Result is a prompt ready for submission.
type Result struct {
	Prompt         string
	Provider       string
	FallbackReason string // set when the enricher fell back to the raw prompt
}

// Enricher rewrites a short user idea into a richer video prompt. Enrich never
// fails: implementations fall back to the original text.
type Enricher interface {
	Enrich(ctx context.Context, prompt, language string) Result
}

// Passthrough returns prompts unchanged.
type Passthrough struct{}

func NewPassthrough() *Passthrough { return &Passthrough{} }

func (Passthrough) Enrich(_ context.Context, prompt, _ string) Result {
	return Result{Prompt: strings.TrimSpace(prompt), Provider: passthroughProviderName}
}

var _ Enricher = (*Passthrough)(nil)
