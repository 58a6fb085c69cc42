package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// CompletionRequest is one attempt against a provider.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	// JSON asks the provider for a JSON object reply where it supports it.
	JSON bool
}

// Completion is the provider's reply with its reported usage. Token counts
// are zero when the provider did not report them.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ProviderBackend performs a single completion against one provider. Errors
// are returned unclassified; the ProviderClient maps them onto opserr kinds.
type ProviderBackend interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// errModeration marks a reply the provider refused or filtered.
var errModeration = errors.New("provider refused the content")

// NewProviderBackend builds the backend selected by cfg.Provider.
func NewProviderBackend(cfg *config.AIConfig) (ProviderBackend, error) {
	logger.Infof("[Provider] Using provider: %s, model: %s, baseURL: %s", cfg.Provider, cfg.Model, cfg.BaseURL)

	switch cfg.Provider {
	case "anthropic":
		return newAnthropicBackend(cfg), nil
	case "ollama":
		return newOllamaBackend(cfg)
	case "gemini":
		return newGeminiBackend(cfg)
	case "azure":
		return newAzureBackend(cfg), nil
	case "openai", "":
		// openai and other OpenAI-compatible services
		return newOpenAIBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

// --- OpenAI and OpenAI-compatible ---

type openAIBackend struct {
	name   string
	client *openai.Client
}

func newOpenAIBackend(cfg *config.AIConfig) *openAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openAIBackend{name: "openai", client: openai.NewClientWithConfig(clientConfig)}
}

// Azure requires BaseURL format https://{resource-name}.openai.azure.com and
// uses the model as the deployment name.
func newAzureBackend(cfg *config.AIConfig) *openAIBackend {
	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	if cfg.APIVersion != "" {
		clientConfig.APIVersion = cfg.APIVersion
	}
	return &openAIBackend{name: "azure", client: openai.NewClientWithConfig(clientConfig)}
}

func (b *openAIBackend) Name() string { return b.name }

func (b *openAIBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: 0.3,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", b.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from %s", b.name)
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
		return nil, errModeration
	}

	return &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// --- Anthropic ---

type anthropicBackend struct {
	client anthropic.Client
}

func newAnthropicBackend(cfg *config.AIConfig) *anthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries belong to the ProviderClient.
	opts = append(opts, option.WithMaxRetries(0))
	return &anthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *anthropicBackend) Name() string { return "anthropic" }

func (b *anthropicBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}
	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}
	if resp.StopReason == "refusal" {
		return nil, errModeration
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Completion{
		Content:          content.String(),
		Model:            string(resp.Model),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// --- Ollama ---

type ollamaBackend struct {
	client *api.Client
}

func newOllamaBackend(cfg *config.AIConfig) (*ollamaBackend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	return &ollamaBackend{client: api.NewClient(u, http.DefaultClient)}, nil
}

func (b *ollamaBackend) Name() string { return "ollama" }

func (b *ollamaBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = "llama3"
	}

	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": 0.3,
		},
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	out := &Completion{Model: model}
	var content strings.Builder
	err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			out.PromptTokens = resp.PromptEvalCount
			out.CompletionTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama API error: %w", err)
	}

	out.Content = content.String()
	return out, nil
}

// --- Gemini ---

type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(cfg *config.AIConfig) (*geminiBackend, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini client error: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (b *geminiBackend) Name() string { return "gemini" }

func (b *geminiBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.3)),
	}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		genConfig.ResponseMIMEType = "application/json"
	}

	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, errModeration
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, errModeration
	}

	out := &Completion{Content: resp.Text(), Model: model}
	if usage := resp.UsageMetadata; usage != nil {
		out.PromptTokens = int(usage.PromptTokenCount)
		out.CompletionTokens = int(usage.CandidatesTokenCount) + int(usage.ThoughtsTokenCount)
	}
	return out, nil
}

// --- error classification ---

// providerStatus extracts the HTTP status code carried by an SDK error, 0 if none.
func providerStatus(err error) int {
	var openaiAPIErr *openai.APIError
	if errors.As(err, &openaiAPIErr) {
		return openaiAPIErr.HTTPStatusCode
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) {
		return openaiReqErr.HTTPStatusCode
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}
	var geminiErrPtr *genai.APIError
	if errors.As(err, &geminiErrPtr) {
		return geminiErrPtr.Code
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return ollamaErr.StatusCode
	}
	return 0
}

var moderationMarkers = []string{"content_policy", "content_filter", "content management policy", "safety", "moderation"}

func mentionsModeration(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range moderationMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// classifyAttemptError maps one failed attempt onto an error kind.
// parent is the caller's context; attemptCtx carries the per-attempt deadline.
func classifyAttemptError(parent, attemptCtx context.Context, err error) opserr.Kind {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return opserr.KindTimeout
		}
		return opserr.KindCancelled
	}
	if errors.Is(err, errModeration) {
		return opserr.KindContentModeration
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return opserr.KindTimeout
	}

	switch status := providerStatus(err); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return opserr.KindInvalidCredentials
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return opserr.KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		return opserr.KindProviderUnavailable
	case status >= 400:
		if mentionsModeration(err) {
			return opserr.KindContentModeration
		}
		return opserr.KindInvalidRequest
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opserr.KindTimeout
	}
	// Connection failures and replies without a status.
	return opserr.KindProviderUnavailable
}
