package keywords

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExtractor asks an OpenAI-compatible chat model for a keyword object.
type OpenAIExtractor struct {
	client chatCompleter
	model  string
}

func NewOpenAIExtractor(apiKey, model, baseURL string) (*OpenAIExtractor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required for openai mode")
	}
	cfg := openai.DefaultConfig(apiKey)
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = u
	}
	return newOpenAIExtractorWithClient(openai.NewClientWithConfig(cfg), model), nil
}

func newOpenAIExtractorWithClient(client chatCompleter, model string) *OpenAIExtractor {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIExtractor{client: client, model: model}
}

func (o *OpenAIExtractor) Extract(ctx context.Context, text string) ([]string, []string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, nil
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: Instruction},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, nil, failed("openai chat completion: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, failed("openai returned no choices")
	}
	return ParseKeywordJSON(resp.Choices[0].Message.Content)
}
