// Package anthropic implements the llm.Provider contract on top of the
// Anthropic Messages streaming API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/llm"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Config holds provider settings.
type Config struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
	// Model is used when the request does not name one.
	Model string
	// MaxTokens caps generation when the request does not set it.
	MaxTokens int
	// MaxRetries bounds retry attempts for transient failures before any
	// output was produced. Default 3.
	MaxRetries int
	// RetryDelay is the backoff base; actual delay doubles per attempt.
	// Default 1s.
	RetryDelay time.Duration
}

// Provider streams Claude responses.
type Provider struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
	logger     *logger.Logger
}

// New creates the provider.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     log.WithFields(zap.String("component", "anthropic-provider")),
	}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Stream opens a Messages streaming request and forwards events on the
// returned channel. The channel closes after a done or error event;
// cancelling ctx unwinds the stream.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(out)
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := p.retryDelay * (1 << (attempt - 1))
				p.logger.Warn("retrying stream", zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					out <- llm.StreamEvent{Type: llm.EventError, Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}

			stream := p.client.Messages.NewStreaming(ctx, params)
			emitted, err := p.processStream(ctx, stream, out)
			if err == nil {
				return
			}
			// Once output reached the caller a retry would duplicate it.
			if emitted || !isRetryable(err) || ctx.Err() != nil {
				out <- llm.StreamEvent{Type: llm.EventError, Err: p.wrapError(err)}
				return
			}
		}
		out <- llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("anthropic: max retries exceeded")}
	}()
	return out, nil
}

// processStream walks the SSE events and forwards them as stream events.
// It reports whether anything was emitted, so the caller knows if a retry
// is still safe.
func (p *Provider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- llm.StreamEvent) (bool, error) {
	emitted := false
	send := func(ev llm.StreamEvent) bool {
		select {
		case out <- ev:
			emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	var currentTool *llm.ToolCall
	var toolInput strings.Builder
	var thinkingSignature string
	inThinking := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				thinkingSignature = ""
				if !send(llm.StreamEvent{Type: llm.EventThinkingStart}) {
					return emitted, ctx.Err()
				}
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(llm.StreamEvent{Type: llm.EventTextDelta, Text: delta.Text}) {
						return emitted, ctx.Err()
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !send(llm.StreamEvent{Type: llm.EventThinkingDelta, Text: delta.Thinking}) {
						return emitted, ctx.Err()
					}
				}
			case "signature_delta":
				thinkingSignature += delta.Signature
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				if !send(llm.StreamEvent{Type: llm.EventThinkingEnd, ThinkingSignature: thinkingSignature}) {
					return emitted, ctx.Err()
				}
			} else if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Arguments = json.RawMessage(input)
				if !send(llm.StreamEvent{Type: llm.EventToolCall, ToolCall: currentTool}) {
					return emitted, ctx.Err()
				}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			send(llm.StreamEvent{Type: llm.EventDone, InputTokens: inputTokens, OutputTokens: outputTokens})
			return emitted, nil

		case "error":
			return emitted, errors.New("anthropic: stream error event")
		}
	}
	if err := stream.Err(); err != nil {
		return emitted, err
	}
	// Stream ended without message_stop; treat as done.
	send(llm.StreamEvent{Type: llm.EventDone, InputTokens: inputTokens, OutputTokens: outputTokens})
	return emitted, nil
}

func (p *Provider) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}
	return params, nil
}

// convertMessages maps projected chat messages onto the API's block form.
// Tool messages become user-role tool_result blocks; thinking blocks are
// replayed only when a signature survived projection.
func convertMessages(messages []*history.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case history.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		case history.RoleAssistant:
			if msg.Thinking != "" && msg.ThinkingSignature != "" {
				content = append(content, anthropic.NewThinkingBlock(msg.ThinkingSignature, msg.Thinking))
			}
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", call.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		default:
			if msg.Content == "" {
				continue
			}
			content = append(content, anthropic.NewTextBlock(msg.Content))
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []llm.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "connection reset", "connection refused", "no such host", "overloaded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (p *Provider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("anthropic: %w", err)
}
