package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/tracing"
	"github.com/parleyhq/parley/internal/llm"
)

// Error codes carried on tool results.
const (
	CodeToolNotFound     = "tool_not_found"
	CodeInvalidArguments = "invalid_arguments"
	CodeToolError        = "tool_error"
	CodeInterrupted      = "interrupted"
	CodeTimeout          = "timeout"
)

const defaultCallTimeout = 60 * time.Second

// Result is the outcome of one tool call. Failures are data, not errors:
// the model sees them as error results and decides what to do next.
type Result struct {
	CallID    string
	ToolName  string
	Content   string
	IsError   bool
	ErrorCode string
}

// Host executes tool calls with a per-call timeout.
type Host struct {
	registry *Registry
	timeout  time.Duration
	logger   *logger.Logger
}

// NewHost creates a host. A non-positive timeout uses the 60s default.
func NewHost(registry *Registry, timeout time.Duration, log *logger.Logger) *Host {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Host{
		registry: registry,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "tool-host")),
	}
}

// Registry exposes the underlying registry for definition rendering.
func (h *Host) Registry() *Registry { return h.registry }

// CallTool executes one call, honoring the host timeout and ctx cancel.
func (h *Host) CallTool(ctx context.Context, sessionID string, call llm.ToolCall) Result {
	ctx, span := tracing.TraceToolCall(ctx, sessionID, call.ID, call.Name)
	defer span.End()

	result := h.call(ctx, call)
	if result.IsError {
		tracing.RecordResult(span, errors.New(result.ErrorCode))
		h.logger.WithSessionID(sessionID).Warn("tool call failed",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.String("code", result.ErrorCode))
	}
	return result
}

func (h *Host) call(ctx context.Context, call llm.ToolCall) Result {
	result := Result{CallID: call.ID, ToolName: call.Name}

	tool, err := h.registry.Get(call.Name)
	if err != nil {
		result.IsError = true
		result.ErrorCode = CodeToolNotFound
		result.Content = "unknown tool: " + call.Name
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	content, err := tool.Call(callCtx, call.Arguments)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		switch {
		case errors.Is(err, context.Canceled):
			result.ErrorCode = CodeInterrupted
		case errors.Is(err, context.DeadlineExceeded):
			result.ErrorCode = CodeTimeout
		default:
			result.ErrorCode = CodeToolError
		}
		return result
	}
	result.Content = content
	return result
}

// CallAll executes the calls in parallel and returns results in call order.
func (h *Host) CallAll(ctx context.Context, sessionID string, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = h.CallTool(gctx, sessionID, call)
			return nil
		})
	}
	// Workers never return errors; failures are carried in the results.
	_ = g.Wait()
	return results
}
