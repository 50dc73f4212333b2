package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go-relay/pkg/models"
	"go-relay/pkg/retry"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the part of the OpenAI client the reasoner uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIConfig struct {
	// BaseURL allows any OpenAI-compatible endpoint. Empty means api.openai.com.
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

// OpenAIReasoner answers messages with a chat completion.
type OpenAIReasoner struct {
	client       ChatClient
	model        string
	systemPrompt string
	maxTokens    int
}

func NewOpenAIReasoner(cfg OpenAIConfig) (*OpenAIReasoner, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	return NewOpenAIReasonerWithClient(openai.NewClientWithConfig(config), cfg), nil
}

func NewOpenAIReasonerWithClient(client ChatClient, cfg OpenAIConfig) *OpenAIReasoner {
	return &OpenAIReasoner{
		client:       client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
	}
}

func (r *OpenAIReasoner) Invoke(ctx context.Context, env models.Envelope) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if r.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: env.Body,
	})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		Messages:  messages,
		MaxTokens: r.maxTokens,
		User:      env.SenderAddress,
	})
	if err != nil {
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}

	body := strings.TrimSpace(resp.Choices[0].Message.Content)
	if body == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{Body: body, Model: resp.Model}, nil
}

// classify marks 4xx answers other than 429 as permanent.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(fmt.Errorf("chat completion: %w", err))
		}
	}
	return retry.Retryable(fmt.Errorf("chat completion: %w", err))
}
