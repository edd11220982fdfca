// Package llm is a small OpenAI-compatible chat completion client used for
// image analysis and creative prompt writing.
package llm

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

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/metrics"
)

var ErrTransient = errors.New("transient completion error")

type CompletionRequest struct {
	System    string
	Prompt    string
	ImageURLs []string
	// JSON asks the model for a JSON object response.
	JSON bool
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	Attempts  int
	BaseDelay time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base url required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body := chatRequest{Model: c.cfg.Model}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{
			Role:    "system",
			Content: []contentPart{{Type: "text", Text: req.System}},
		})
	}
	user := chatMessage{Role: "user", Content: []contentPart{{Type: "text", Text: req.Prompt}}}
	for _, url := range req.ImageURLs {
		user.Content = append(user.Content, contentPart{Type: "image_url", ImageURL: &imageRef{URL: url}})
	}
	body.Messages = append(body.Messages, user)
	if req.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	backoff := retry.WithMaxRetries(uint64(c.cfg.Attempts-1), retry.NewExponential(c.cfg.BaseDelay))

	var content string
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := c.do(ctx, payload)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				c.logger.Warn("completion failed, retrying", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		content = out
		return nil
	})
	if err != nil {
		metrics.VendorRequests.WithLabelValues("llm", "complete", "error").Inc()
		return "", err
	}
	metrics.VendorRequests.WithLabelValues("llm", "complete", "ok").Inc()
	return content, nil
}

func (c *Client) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: completion responded %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("completion responded %d: %s", resp.StatusCode, string(data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", errors.New("completion returned no content")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
