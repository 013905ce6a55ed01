package kieapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"

	TierFast    = "fast"
	TierQuality = "quality"

	DefaultMaxPromptLength = 2000
)

// GenerationRequest is what a user asked for. Prompt is required; the
// reference image switches the job to image-to-video.
type GenerationRequest struct {
	Prompt            string
	AspectRatio       string
	QualityTier       string
	ReferenceImageURL string
}

// JobState is the lifecycle of a remote job as seen by the poller.
type JobState string

const (
	StatePending   JobState = "pending"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
)

func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Job is a remote job accepted by the service.
type Job struct {
	ID        string    // remote taskId, opaque
	LocalID   string    // our own id, stable before the remote one exists
	Model     string    // remote model actually requested
	Request   GenerationRequest
	CreatedAt time.Time
}

type generatePayload struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	AspectRatio    string   `json:"aspectRatio"`
	ImageURLs      []string `json:"imageUrls,omitempty"`
	EnableFallback bool     `json:"enableFallback"`
}

// Normalize trims the prompt and validates every field. Unknown aspect ratios
// and tiers are rejected rather than silently replaced.
func (r GenerationRequest) Normalize(maxPromptLength int) (GenerationRequest, error) {
	if maxPromptLength <= 0 {
		maxPromptLength = DefaultMaxPromptLength
	}
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.ReferenceImageURL = strings.TrimSpace(r.ReferenceImageURL)
	if r.AspectRatio == "" {
		r.AspectRatio = AspectLandscape
	}
	if r.QualityTier == "" {
		r.QualityTier = TierFast
	}

	if r.Prompt == "" {
		return r, &Error{Kind: KindInvalidRequest, Message: "prompt is empty"}
	}
	if n := utf8.RuneCountInString(r.Prompt); n > maxPromptLength {
		return r, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("prompt is too long (%d > %d characters)", n, maxPromptLength)}
	}
	if r.AspectRatio != AspectLandscape && r.AspectRatio != AspectPortrait {
		return r, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("unsupported aspect ratio %q", r.AspectRatio)}
	}
	if r.QualityTier != TierFast && r.QualityTier != TierQuality {
		return r, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("unsupported quality tier %q", r.QualityTier)}
	}
	if r.ReferenceImageURL != "" {
		u, err := url.Parse(r.ReferenceImageURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return r, &Error{Kind: KindInvalidRequest, Message: "reference image must be an absolute http(s) URL"}
		}
	}
	return r, nil
}

// Submit sends one generation request and returns the accepted job. It never
// retries: a second POST could bill the user twice.
func (c *Client) Submit(ctx context.Context, req GenerationRequest) (*Job, error) {
	req, err := req.Normalize(c.maxPromptLength)
	if err != nil {
		return nil, err
	}

	model := c.ModelForTier(req.QualityTier)
	payload := generatePayload{
		Prompt:         req.Prompt,
		Model:          model,
		AspectRatio:    req.AspectRatio,
		EnableFallback: c.enableFallback,
	}
	if req.ReferenceImageURL != "" {
		payload.ImageURLs = []string{req.ReferenceImageURL}
	}

	c.logger.Debug("Submitting generation request",
		zap.String("model", model),
		zap.String("aspect_ratio", req.AspectRatio),
		zap.Bool("image_to_video", req.ReferenceImageURL != ""),
		zap.Int("prompt_length", utf8.RuneCountInString(req.Prompt)))

	resp, err := c.doRequest(ctx, http.MethodPost, c.endpoint(c.generatePath), payload)
	if err != nil {
		return nil, err
	}

	doc, _ := decodeDocument(resp.body)
	if apiErr := classify(resp, doc); apiErr != nil {
		c.logger.Warn("generation submission rejected", zap.Error(apiErr))
		return nil, apiErr
	}
	if doc == nil {
		return nil, &Error{Kind: KindMissingJobID, Code: resp.status, Message: "response is not a JSON object: " + snippet(resp.body)}
	}
	id, ok := firstString(doc, jobIDRules)
	if !ok {
		return nil, &Error{Kind: KindMissingJobID, Code: resp.status, Message: snippet(resp.body)}
	}

	job := &Job{
		ID:        id,
		LocalID:   uuid.NewString(),
		Model:     model,
		Request:   req,
		CreatedAt: time.Now(),
	}
	c.logger.Info("generation submitted", zap.String("task_id", job.ID), zap.String("local_id", job.LocalID), zap.String("model", model))
	return job, nil
}
