package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
)

var infLog = logging.ForComponent(logging.CompInference)

const (
	defaultModel     = "claude-haiku-4-5"
	defaultMaxTokens = 1024
	messagesURL      = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// AnthropicClient calls the Anthropic Messages API. A shared rate limiter
// keeps the polling loop from stampeding the API when many sessions go
// inconclusive in the same tick.
type AnthropicClient struct {
	apiKey   string
	model    string
	endpoint string
	httpc    *http.Client
	limiter  *rate.Limiter
}

// NewAnthropicClient creates a client with the given API key. If model is
// empty a small fast model is used; these calls are classification and
// ranking, not generation.
func NewAnthropicClient(apiKey, model string, callsPerMinute int) *AnthropicClient {
	if model == "" {
		model = defaultModel
	}
	if callsPerMinute <= 0 {
		callsPerMinute = 30
	}
	return &AnthropicClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: messagesURL,
		httpc:    &http.Client{},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(callsPerMinute)), callsPerMinute),
	}
}

type messagesRequest struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	Messages  []inputMessage `json:"messages"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Error   *apiError      `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete issues a single non-streaming completion bounded by
// req.Timeout. Error kinds map from the transport/HTTP outcome; the API
// key never appears in errors or logs.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindTimeout, Purpose: req.Purpose, Err: err}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []inputMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", &Error{Kind: KindMalformed, Purpose: req.Purpose, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Purpose: req.Purpose, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	started := time.Now()
	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return "", &Error{Kind: kind, Purpose: req.Purpose, Err: fmt.Errorf("http: %w", err)}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Purpose: req.Purpose, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		// Do not echo the response body: auth errors must not leak
		// credential material into logs.
		return "", &Error{Kind: KindAuth, Purpose: req.Purpose, Err: fmt.Errorf("status %d", httpResp.StatusCode)}
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{Kind: KindRateLimited, Purpose: req.Purpose, Err: fmt.Errorf("status %d", httpResp.StatusCode)}
	case httpResp.StatusCode != http.StatusOK:
		return "", &Error{Kind: KindNetwork, Purpose: req.Purpose, Err: fmt.Errorf("status %d", httpResp.StatusCode)}
	}

	var mr messagesResponse
	if err := json.Unmarshal(respBody, &mr); err != nil {
		return "", &Error{Kind: KindMalformed, Purpose: req.Purpose, Err: fmt.Errorf("decode response: %w", err)}
	}
	if mr.Error != nil {
		return "", &Error{Kind: KindMalformed, Purpose: req.Purpose, Err: fmt.Errorf("api error: %s", mr.Error.Type)}
	}

	var text string
	for _, block := range mr.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", &Error{Kind: KindMalformed, Purpose: req.Purpose, Err: errors.New("empty completion")}
	}

	infLog.Debug("completion_ok",
		slog.String("purpose", req.Purpose),
		slog.String("model", model),
		slog.Duration("elapsed", time.Since(started)))

	return text, nil
}
