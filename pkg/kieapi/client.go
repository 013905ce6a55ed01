package kieapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL      = "https://api.kie.ai"
	DefaultGeneratePath = "/api/v1/veo/generate"
	DefaultStatusPath   = "/api/v1/veo/record-info"
	DefaultCreditPath   = "/api/v1/chat/credit"

	// businessOK is the envelope code the KIE API uses for success.
	businessOK = 200
	// maxErrorBody bounds how much of a failed response ends up in logs and errors.
	maxErrorBody = 512
)

// Options configures a Client. Zero values fall back to the public KIE endpoints.
type Options struct {
	APIKey         string
	BaseURL        string
	GeneratePath   string
	StatusPath     string
	CreditPath     string
	FastModel      string
	QualityModel   string
	EnableFallback bool
	// MaxPromptLength caps prompts after trimming; 0 means DefaultMaxPromptLength.
	MaxPromptLength int
	Timeout         time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
	// BreakerFailures is the number of consecutive transient failures that
	// open the circuit breaker; 0 means 5.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type Client struct {
	apiKey          string
	baseURL         string
	generatePath    string
	statusPath      string
	creditPath      string
	fastModel       string
	qualityModel    string
	enableFallback  bool
	maxPromptLength int
	httpClient      *http.Client
	logger          *zap.Logger
	breaker         *gobreaker.CircuitBreaker[*rawResponse]
}

// errCallerDone marks failures caused by the caller's own context; the
// breaker does not count them.
var errCallerDone = errors.New("caller context done")

type rawResponse struct {
	status int
	body   []byte
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		apiKey:          opts.APIKey,
		baseURL:         strings.TrimRight(orDefault(opts.BaseURL, DefaultBaseURL), "/"),
		generatePath:    NormalizePath(orDefault(opts.GeneratePath, DefaultGeneratePath)),
		statusPath:      NormalizePath(orDefault(opts.StatusPath, DefaultStatusPath)),
		creditPath:      NormalizePath(orDefault(opts.CreditPath, DefaultCreditPath)),
		fastModel:       orDefault(opts.FastModel, "veo3_fast"),
		qualityModel:    orDefault(opts.QualityModel, "veo3"),
		enableFallback:  opts.EnableFallback,
		maxPromptLength: opts.MaxPromptLength,
		httpClient:      httpClient,
		logger:          logger.Named("kieapi"),
	}
	if c.maxPromptLength <= 0 {
		c.maxPromptLength = DefaultMaxPromptLength
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker[*rawResponse](gobreaker.Settings{
		Name:        "kie",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 调用方取消或超时不是服务故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerDone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// ModelForTier maps a quality tier onto the remote model identifier.
func (c *Client) ModelForTier(tier string) string {
	if tier == TierQuality {
		return c.qualityModel
	}
	return c.fastModel
}

// GenerateURL is the fully resolved submission endpoint, used in startup logs.
func (c *Client) GenerateURL() string { return c.baseURL + c.generatePath }

// NormalizePath turns "v1/veo/generate" or "/veo/generate" into the /api/...
// form the service actually routes.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.HasPrefix(p, "/v1/") || strings.HasPrefix(p, "/veo/") {
		p = "/api" + p
	}
	return p
}

// doRequest runs one HTTP call through the circuit breaker. Only transient
// failures (transport errors, 429 and 5xx) count against the breaker, and not
// when ctx itself ended the call; every other status is returned to the
// caller for classification.
func (c *Client) doRequest(ctx context.Context, method, url string, payload any) (*rawResponse, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "failed to marshal payload", Err: err}
		}
		reqBody = bytes.NewReader(jsonData)
	}

	fail := func(msg string, err error) *Error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return networkError(msg, errors.Join(ctxErr, errCallerDone))
		}
		return networkError(msg, err)
	}

	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, networkError("failed to create request", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fail("failed to send request", err)
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fail("failed to read response body", err)
		}
		raw := &rawResponse{status: httpResp.StatusCode, body: body}
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return raw, &Error{Kind: KindNetwork, Code: httpResp.StatusCode, Message: snippet(body)}
		}
		return raw, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("KIE request short-circuited", zap.String("url", url), zap.Error(err))
			return nil, networkError("KIE API temporarily unavailable", err)
		}
		c.logger.Warn("KIE request failed", zap.String("method", method), zap.String("url", url), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("KIE request finished",
		zap.String("method", method), zap.String("url", url),
		zap.Int("status", resp.status), zap.String("body", snippet(resp.body)))
	return resp, nil
}

// classify converts a non-transient response into a typed error. It returns
// nil when the response is a success at both the HTTP and the envelope level.
// doc may be nil when the body is not a JSON object.
func classify(resp *rawResponse, doc map[string]any) *Error {
	message := snippet(resp.body)
	if doc != nil {
		if m, ok := firstString(doc, envelopeMessageRules); ok {
			message = m
		}
	}
	if strings.Contains(strings.ToLower(string(resp.body)), "ip not allowed") {
		return &Error{Kind: KindAuthOrAccessDenied, Code: resp.status, Message: message}
	}

	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return &Error{Kind: KindAuthOrAccessDenied, Code: resp.status, Message: message}
	case resp.status == http.StatusPaymentRequired:
		return &Error{Kind: KindInsufficientCredit, Code: resp.status, Message: message}
	case resp.status == http.StatusNotFound:
		return &Error{Kind: KindEndpointNotFound, Code: resp.status, Message: message}
	case resp.status == http.StatusTooManyRequests || resp.status >= 500:
		return &Error{Kind: KindNetwork, Code: resp.status, Message: message}
	case resp.status >= 400:
		return &Error{Kind: KindRemoteRejected, Code: resp.status, Message: message}
	}

	if doc == nil {
		return nil
	}
	code, ok := firstInt(doc, []fieldPath{{"code"}})
	if !ok || code == businessOK {
		return nil
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: KindAuthOrAccessDenied, Code: code, Message: message}
	case code == http.StatusPaymentRequired:
		return &Error{Kind: KindInsufficientCredit, Code: code, Message: message}
	case code == http.StatusTooManyRequests || code == 455 || code >= 500 && code != 501:
		// 455: maintenance; 501 means the generation itself failed
		return &Error{Kind: KindNetwork, Code: code, Message: message}
	default:
		return &Error{Kind: KindRemoteRejected, Code: code, Message: message}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s%s", c.baseURL, path)
}
