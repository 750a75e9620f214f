package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/apflow/apflow/internal/rules"
)

// Completion is one LLM response with token accounting.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// LLM is the model port. Nothing financially binding may depend on its
// output; extracted data is reviewed by humans downstream.
type LLM interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
	Model() string
}

// OpenAIClient implements LLM over the OpenAI chat-completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient constructs the client. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the default.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("extraction: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("extraction: empty completion")
	}
	return Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// TranscribeImage sends one document image through the vision side of
// the chat API and returns the verbatim text.
func (c *OpenAIClient) TranscribeImage(ctx context.Context, imageData []byte, mimeType string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(imageData)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Transcribe every piece of text visible in this document image, preserving line breaks. Return only the transcription.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", mimeType, encoded),
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("extraction: vision transcription: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("extraction: empty vision completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// StubLLM is a deterministic stand-in used in tests and local runs
// without an API key. It echoes back whatever Fields it was seeded
// with, per pass.
type StubLLM struct {
	ByPass map[int]Fields
	calls  int
}

func (s *StubLLM) Model() string { return "stub" }

func (s *StubLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	s.calls++
	pass := s.calls
	if pass > 2 {
		pass = 2
	}
	payload, err := json.Marshal(s.ByPass[pass])
	if err != nil {
		return Completion{}, err
	}
	return Completion{Content: string(payload), PromptTokens: 10, CompletionTokens: 10}, nil
}

// PolicyExtractor adapts the LLM port to the rules service for turning
// uploaded policy text into draft rule configs.
type PolicyExtractor struct {
	llm LLM
}

// NewPolicyExtractor wires the adapter.
func NewPolicyExtractor(llm LLM) *PolicyExtractor {
	return &PolicyExtractor{llm: llm}
}

func (p *PolicyExtractor) ExtractRuleConfig(ctx context.Context, ruleType rules.Type, policyText string) (json.RawMessage, error) {
	system := "You convert finance policy documents into machine-readable rule configuration. Respond with a single JSON object and nothing else."
	user := fmt.Sprintf("Rule type: %s\n\nPolicy text:\n%s\n\nReturn the configuration keys this rule type defines.", ruleType, policyText)
	completion, err := p.llm.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	cleaned := stripFences(completion.Content)
	if !json.Valid([]byte(cleaned)) {
		return nil, errors.New("extraction: policy config is not valid JSON")
	}
	return json.RawMessage(cleaned), nil
}
