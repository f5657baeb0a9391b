package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// retryBaseDelay is the jittered delay before the single transient retry.
const retryBaseDelay = 500 * time.Millisecond

// OpenAICompat adapts any OpenAI-compatible upstream: a local inference
// server, a hosted API, an Azure-style tenant deployment, or an aggregator
// endpoint. The provider kind only affects client construction.
type OpenAICompat struct {
	name    string
	client  *openai.Client
	metrics *observability.Metrics
}

// NewOpenAICompat builds an adapter from one provider config entry.
func NewOpenAICompat(name string, cfg config.ProviderConfig, metrics *observability.Metrics) (*OpenAICompat, error) {
	var clientCfg openai.ClientConfig

	switch cfg.Kind {
	case config.ProviderLocal:
		clientCfg = openai.DefaultConfig("")
		clientCfg.BaseURL = cfg.BaseURL
	case config.ProviderOpenAI:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	case config.ProviderAggregator:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		} else {
			clientCfg.BaseURL = "https://openrouter.ai/api/v1"
		}
	case config.ProviderAzure:
		endpoint := cfg.BaseURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.openai.azure.com", cfg.Resource)
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, endpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		deployment := cfg.Deployment
		clientCfg.AzureModelMapperFunc = func(model string) string {
			return deployment
		}
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}

	return &OpenAICompat{
		name:    name,
		client:  openai.NewClientWithConfig(clientCfg),
		metrics: metrics,
	}, nil
}

// Name identifies the provider.
func (p *OpenAICompat) Name() string {
	return p.name
}

// Generate streams a completion with a single retry on transient failures.
func (p *OpenAICompat) Generate(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.NativeTools && len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	stream, err := p.openStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk, 16)
	go p.processStream(ctx, req, stream, chunks)
	return chunks, nil
}

// openStream creates the streaming request, retrying once on 429/502/503 or
// connection reset with a jittered 500 ms delay. Other 4xx fail immediately.
func (p *OpenAICompat) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err == nil {
		return stream, nil
	}

	class, status := classify(err)
	upstream := &UpstreamError{Provider: p.name, Model: chatReq.Model, Status: status, Class: class, Cause: err}
	if p.metrics != nil {
		p.metrics.RecordProviderRequest(p.name, chatReq.Model, "error", 0, 0, 0)
	}
	if !upstream.Retryable() {
		return nil, upstream
	}

	if p.metrics != nil {
		p.metrics.RecordProviderRequest(p.name, chatReq.Model, "retry", 0, 0, 0)
	}
	delay := retryBaseDelay + time.Duration(rand.Int63n(int64(retryBaseDelay)))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}

	stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		class, status = classify(err)
		return nil, &UpstreamError{Provider: p.name, Model: chatReq.Model, Status: status, Class: class, Cause: err}
	}
	return stream, nil
}

// processStream converts the upstream stream to Chunks. Tool-call deltas are
// accumulated per index and flushed when complete.
func (p *OpenAICompat) processStream(ctx context.Context, req *Request, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	start := time.Now()
	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	flushTools := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc := toolCalls[i]
			if tc != nil && tc.Name != "" {
				chunks <- &Chunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				if p.metrics != nil {
					p.metrics.RecordProviderRequest(p.name, req.Model, "success", time.Since(start).Seconds(), inputTokens, outputTokens)
				}
				chunks <- &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			class, status := classify(err)
			if p.metrics != nil {
				p.metrics.RecordProviderRequest(p.name, req.Model, "error", time.Since(start).Seconds(), 0, 0)
			}
			chunks <- &Chunk{Err: &UpstreamError{Provider: p.name, Model: req.Model, Status: status, Class: class, Cause: err}, Done: true}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &Chunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments = append(toolCalls[index].Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

// convertMessages maps the normalized transcript to the OpenAI wire shape.
// Tool-result messages become one message per result with its call id.
func convertMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			if msg.ToolResult != nil {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    msg.ToolResult.Content,
					ToolCallID: msg.ToolResult.ToolCallID,
				})
			}

		case models.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, converted)

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

// convertTools maps tool schemas to the OpenAI tools field.
func convertTools(tools []models.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &params); err != nil {
				params = nil
			}
		}
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
