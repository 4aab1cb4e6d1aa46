package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/zeromicro/go-zero/core/logx"
)

// ErrEmptyResponse is returned when the model produced no choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client talks to any OpenAI-compatible chat endpoint.
type Client struct {
	config *Config
	api    openai.Client
	retry  *RetryHandler
}

var _ Chatter = (*Client)(nil)

// ClientOption configures optional client behaviour.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	retry      *RetryHandler
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = client }
}

// WithRetryHandler replaces the retry policy derived from the config.
func WithRetryHandler(h *RetryHandler) ClientOption {
	return func(o *clientOptions) { o.retry = h }
}

// NewClient validates cfg and builds a client.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config cannot be nil")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry == nil {
		o.retry = NewRetryHandler(RetryConfig{MaxRetries: cfg.MaxRetries})
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		// Retries are owned by RetryHandler.
		option.WithMaxRetries(0),
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}
	return &Client{
		config: cfg,
		api:    openai.NewClient(reqOpts...),
		retry:  o.retry,
	}, nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() *Config {
	return c.config.Clone()
}

// Chat performs one completion, retrying rate limits and 5xx responses.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("llm: request requires at least one message")
	}
	params, modelID := c.buildParams(req)
	logger := logx.WithContext(ctx)
	start := time.Now()

	var completion *openai.ChatCompletion
	err := c.retry.Do(ctx, func() error {
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			logger.Errorf("llm: chat %s failed: %v", modelID, err)
			return err
		}
		completion = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat %s: %w", modelID, err)
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &ChatResponse{
		ID:           completion.ID,
		Model:        completion.Model,
		Content:      strings.TrimSpace(completion.Choices[0].Message.Content),
		FinishReason: completion.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}
	logger.Infow("llm chat",
		logx.Field("model", modelID),
		logx.Field("duration_ms", time.Since(start).Milliseconds()),
		logx.Field("prompt_tokens", out.Usage.PromptTokens),
		logx.Field("completion_tokens", out.Usage.CompletionTokens),
	)
	return out, nil
}

func (c *Client) buildParams(req *ChatRequest) (openai.ChatCompletionNewParams, string) {
	modelID, mc := c.config.Resolve(req.Model)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	switch {
	case req.Temperature != nil:
		params.Temperature = openai.Float(*req.Temperature)
	case mc.Temperature != nil:
		params.Temperature = openai.Float(*mc.Temperature)
	}
	switch {
	case req.MaxTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	case mc.MaxTokens != nil:
		params.MaxCompletionTokens = openai.Int(int64(*mc.MaxTokens))
	}
	if req.JSON {
		format := shared.NewResponseFormatJSONObjectParam()
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &format}
	}
	return params, modelID
}
