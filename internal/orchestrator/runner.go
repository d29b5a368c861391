package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/tracing"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/orchestrator/messagequeue"
	"github.com/parleyhq/parley/internal/tools"
	wsproto "github.com/parleyhq/parley/pkg/websocket"
)

// maxToolIterations bounds the stream/tool loop of a single turn.
const maxToolIterations = 25

// RunRequest carries one piece of input into the run controller.
type RunRequest struct {
	State *SessionState
	Text  string
	// Source is messagequeue.SourceUser or messagequeue.SourceAgent.
	Source        string
	FromAgentID   string
	FromSessionID string
	// OriginConnID is excluded from the user_message echo.
	OriginConnID    string
	ClientMessageID string
	// Queued marks a run replayed from the message queue.
	Queued bool
}

// Runner executes turns: it streams the model, relays deltas, runs tool
// calls, and persists the outcome.
type Runner struct {
	service   *Service
	providers *llm.Registry
	host      *tools.Host
	store     *history.Store
	histProv  *history.Registry
	logger    *logger.Logger
}

// NewRunner creates the run controller.
func NewRunner(service *Service, providers *llm.Registry, host *tools.Host, log *logger.Logger) *Runner {
	return &Runner{
		service:   service,
		providers: providers,
		host:      host,
		store:     service.Store(),
		histProv:  service.histProvider,
		logger:    log.WithFields(zap.String("component", "runner")),
	}
}

// Run performs one turn for the request. If the session already has an
// active run the input is queued instead and replayed when the run ends.
// The caller's ctx scopes the run; queued replays get a fresh background
// context.
func (r *Runner) Run(ctx context.Context, req RunRequest) error {
	state := req.State
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	summary := state.Summary()
	if summary == nil || summary.Deleted {
		return ErrSessionDeleted
	}

	run := newActiveRun()
	if !state.beginRun(run) {
		return r.enqueue(req)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.setCancel(cancel)
	defer cancel()
	defer func() {
		state.clearRun(run)
		r.service.ProcessNextQueued(state.ID)
	}()

	ag := state.Agent()
	log := r.logger.WithSessionID(state.ID).WithRunID(run.ResponseID).WithAgentID(ag.ID)

	provider, err := r.providers.Get(ag.Provider)
	if err != nil {
		log.WithError(err).Error("no model provider for agent")
		r.broadcastError(state.ID, wsproto.ErrorCodeUpstreamError, err.Error(), false)
		return err
	}

	turnCtx, turnSpan := tracing.TraceTurn(runCtx, state.ID, run.ResponseID, provider.Name())
	defer turnSpan.End()

	shouldPersist := r.histProv.ShouldPersist(history.Request{
		SessionID:  state.ID,
		ProviderID: ag.HistoryProvider,
		Summary:    summary,
	})

	userMsg := r.recordUserMessage(turnCtx, state, run, req, shouldPersist)
	r.service.RecordActivity(context.WithoutCancel(turnCtx), state.ID, req.Text)

	outcome := r.streamLoop(turnCtx, state, run, provider, shouldPersist, log)

	aborted := runCtx.Err() != nil || errors.Is(outcome.err, context.Canceled)
	if aborted && !outcome.producedOutput {
		// Nothing reached the clients yet: take the user message back so a
		// resubmission does not double it.
		state.RemoveMessage(userMsg)
		if run.OutputCancelled() {
			r.broadcast(state.ID, wsproto.ActionOutputCancelled, wsproto.OutputCancelledPayload{
				SessionID:  state.ID,
				ResponseID: run.ResponseID,
			})
		}
		if shouldPersist {
			var batch []*history.Event
			if run.OutputCancelled() {
				batch = append(batch, history.NewEvent(state.ID, history.EventInterrupt,
					history.InterruptPayload{Reason: "output_cancel"}))
			}
			batch = append(batch, history.NewEvent(state.ID, history.EventTurnEnd,
				history.TurnEndPayload{Interrupted: true}))
			r.appendEvents(state, run, batch...)
		}
		return nil
	}

	r.finalize(turnCtx, state, run, outcome, shouldPersist, aborted)
	tracing.RecordResult(turnSpan, outcome.err)

	if outcome.err != nil && !aborted {
		log.WithError(outcome.err).Error("turn failed")
		r.broadcastError(state.ID, wsproto.ErrorCodeUpstreamError, outcome.err.Error(), true)
		return outcome.err
	}
	return nil
}

// enqueue captures the request so ProcessNextQueued can replay it later.
func (r *Runner) enqueue(req RunRequest) error {
	replay := req
	replay.Queued = true
	_, err := r.service.QueueMessage(&messagequeue.Message{
		SessionID:     req.State.ID,
		Text:          req.Text,
		Source:        req.Source,
		FromAgentID:   req.FromAgentID,
		FromSessionID: req.FromSessionID,
		Execute: func(ctx context.Context) {
			if err := r.Run(ctx, replay); err != nil {
				r.logger.WithSessionID(req.State.ID).WithError(err).Warn("queued run failed")
			}
		},
	})
	return err
}

// recordUserMessage echoes the input to the session's other subscribers,
// persists turn_start plus the input event atomically, and pushes the user
// message onto the in-memory transcript.
func (r *Runner) recordUserMessage(ctx context.Context, state *SessionState, run *ActiveRun, req RunRequest, shouldPersist bool) *history.Message {
	var meta map[string]string
	if req.Source == messagequeue.SourceAgent {
		meta = map[string]string{
			"source":        string(history.SourceAgent),
			"fromAgentId":   req.FromAgentID,
			"fromSessionId": req.FromSessionID,
		}
	}
	echo, err := wsproto.NewNotification(wsproto.ActionUserMessage, wsproto.UserMessagePayload{
		SessionID:       state.ID,
		Text:            req.Text,
		ClientMessageID: req.ClientMessageID,
		Meta:            meta,
	})
	if err == nil {
		r.service.Notifier().BroadcastToSessionExcluding(state.ID, echo, req.OriginConnID)
	}

	if shouldPersist {
		trigger := "user"
		if req.Source == messagequeue.SourceAgent {
			trigger = "agent"
		} else if req.Queued {
			trigger = "queued"
		}
		start := history.NewEvent(state.ID, history.EventTurnStart, history.TurnStartPayload{Trigger: trigger})
		var input *history.Event
		if req.Source == messagequeue.SourceAgent {
			input = history.NewEvent(state.ID, history.EventAgentCallback, history.AgentCallbackPayload{
				FromAgentID:   req.FromAgentID,
				FromSessionID: req.FromSessionID,
				Text:          req.Text,
			})
		} else {
			input = history.NewEvent(state.ID, history.EventUserMessage, history.UserMessagePayload{Text: req.Text})
		}
		r.appendEvents(state, run, start, input)
	}

	content := req.Text
	if req.Source == messagequeue.SourceAgent {
		content = "[Callback from " + req.FromAgentID + "]: " + req.Text
	}
	userMsg := &history.Message{Role: history.RoleUser, Content: content}
	state.AppendMessages(userMsg)
	return userMsg
}

// runOutcome is what the stream/tool loop produced.
type runOutcome struct {
	fullText       string
	lastText       string
	lastThinking   string
	lastSignature  string
	producedOutput bool
	err            error
}

// streamLoop drives the model until it stops asking for tools, the
// iteration cap is hit, or the run is cancelled.
func (r *Runner) streamLoop(ctx context.Context, state *SessionState, run *ActiveRun, provider llm.Provider, shouldPersist bool, log *logger.Logger) runOutcome {
	ag := state.Agent()
	var out runOutcome
	var full strings.Builder

	for iteration := 1; iteration <= maxToolIterations; iteration++ {
		streamCtx, span := tracing.TraceStream(ctx, state.ID, iteration)
		events, err := provider.Stream(streamCtx, &llm.Request{
			Model:          ag.Model,
			System:         ag.SystemPrompt,
			Messages:       state.Messages(),
			Tools:          r.host.Registry().Definitions(ag.AllowsTool),
			EnableThinking: ag.EnableThinking,
		})
		if err != nil {
			tracing.RecordResult(span, err)
			span.End()
			out.err = err
			break
		}

		var (
			iterText  strings.Builder
			thinking  strings.Builder
			signature string
			toolCalls []llm.ToolCall
		)
		for ev := range events {
			switch ev.Type {
			case llm.EventTextDelta:
				out.producedOutput = true
				iterText.WriteString(ev.Text)
				full.WriteString(ev.Text)
				r.broadcast(state.ID, wsproto.ActionTextDelta, wsproto.TextDeltaPayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
					Delta:      ev.Text,
				})
			case llm.EventThinkingStart:
				thinking.Reset()
				signature = ""
				r.broadcast(state.ID, wsproto.ActionThinkingStart, wsproto.ThinkingPayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
				})
			case llm.EventThinkingDelta:
				thinking.WriteString(ev.Text)
				r.broadcast(state.ID, wsproto.ActionThinkingDelta, wsproto.ThinkingPayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
					Delta:      ev.Text,
				})
			case llm.EventThinkingEnd:
				signature = ev.ThinkingSignature
				r.broadcast(state.ID, wsproto.ActionThinkingEnd, wsproto.ThinkingPayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
				})
				if shouldPersist && thinking.Len() > 0 {
					r.appendEvents(state, run, history.NewEvent(state.ID, history.EventThinkingDone,
						history.ThinkingDonePayload{Text: thinking.String(), Signature: signature}))
				}
			case llm.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				out.producedOutput = true
				call := *ev.ToolCall
				run.registerToolCall(call)
				toolCalls = append(toolCalls, call)
				r.broadcast(state.ID, wsproto.ActionToolCallStart, wsproto.ToolCallStartPayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
					CallID:     call.ID,
					ToolName:   call.Name,
				})
				r.broadcast(state.ID, wsproto.ActionToolCallDone, wsproto.ToolCallDonePayload{
					SessionID:  state.ID,
					ResponseID: run.ResponseID,
					CallID:     call.ID,
					ToolName:   call.Name,
					Arguments:  call.Arguments,
				})
				if shouldPersist {
					r.appendEvents(state, run, history.NewEvent(state.ID, history.EventToolCall,
						history.ToolCallPayload{CallID: call.ID, ToolName: call.Name, Arguments: call.Arguments}))
				}
			case llm.EventError:
				out.err = ev.Err
			case llm.EventDone:
			}
		}
		tracing.RecordResult(span, out.err)
		span.End()

		out.lastText = iterText.String()
		out.lastThinking = thinking.String()
		out.lastSignature = signature

		if out.err != nil || ctx.Err() != nil || len(toolCalls) == 0 {
			break
		}

		// Tool round: commit the assistant request, execute, feed results
		// back, and stream again.
		assistantMsg := &history.Message{
			Role:              history.RoleAssistant,
			Content:           iterText.String(),
			ToolCalls:         toMessageCalls(toolCalls),
			Thinking:          thinking.String(),
			ThinkingSignature: signature,
		}
		state.AppendMessages(assistantMsg)

		results := r.host.CallAll(ctx, state.ID, toolCalls)
		for _, res := range results {
			run.completeToolCall(res.CallID)
			r.broadcast(state.ID, wsproto.ActionToolResult, wsproto.ToolResultPayload{
				SessionID: state.ID,
				CallID:    res.CallID,
				ToolName:  res.ToolName,
				Content:   res.Content,
				IsError:   res.IsError,
				ErrorCode: res.ErrorCode,
			})
			if shouldPersist {
				r.appendEvents(state, run, history.NewEvent(state.ID, history.EventToolResult,
					history.ToolResultPayload{
						CallID:    res.CallID,
						ToolName:  res.ToolName,
						Content:   res.Content,
						IsError:   res.IsError,
						ErrorCode: res.ErrorCode,
					}))
			}
			state.AppendMessages(&history.Message{
				Role:       history.RoleTool,
				ToolCallID: res.CallID,
				Content:    toolResultContent(res),
			})
		}
		if ctx.Err() != nil {
			break
		}
		if iteration == maxToolIterations {
			log.Warn("tool iteration cap reached", zap.Int("iterations", iteration))
		}
	}

	out.fullText = full.String()
	return out
}

// finalize closes the response: marks interrupted tool calls, emits
// text_done, persists assistant_done plus turn_end, and commits the final
// assistant message.
func (r *Runner) finalize(ctx context.Context, state *SessionState, run *ActiveRun, out runOutcome, shouldPersist, aborted bool) {
	if run.OutputCancelled() {
		for _, call := range run.pendingToolCalls() {
			res := wsproto.ToolResultPayload{
				SessionID: state.ID,
				CallID:    call.ID,
				ToolName:  call.Name,
				IsError:   true,
				ErrorCode: tools.CodeInterrupted,
			}
			r.broadcast(state.ID, wsproto.ActionToolResult, res)
			if shouldPersist {
				r.appendEvents(state, run, history.NewEvent(state.ID, history.EventToolResult,
					history.ToolResultPayload{
						CallID:    call.ID,
						ToolName:  call.Name,
						IsError:   true,
						ErrorCode: tools.CodeInterrupted,
					}))
			}
			run.completeToolCall(call.ID)
		}
		r.broadcast(state.ID, wsproto.ActionOutputCancelled, wsproto.OutputCancelledPayload{
			SessionID:  state.ID,
			ResponseID: run.ResponseID,
		})
	}

	interrupted := aborted || out.err != nil
	r.broadcast(state.ID, wsproto.ActionTextDone, wsproto.TextDonePayload{
		SessionID:   state.ID,
		ResponseID:  run.ResponseID,
		Text:        out.fullText,
		Interrupted: interrupted,
	})

	if out.lastText != "" || out.lastThinking != "" {
		state.AppendMessages(&history.Message{
			Role:              history.RoleAssistant,
			Content:           out.lastText,
			Thinking:          out.lastThinking,
			ThinkingSignature: out.lastSignature,
		})
	}

	if shouldPersist {
		var batch []*history.Event
		if run.OutputCancelled() {
			batch = append(batch, history.NewEvent(state.ID, history.EventInterrupt,
				history.InterruptPayload{Reason: "output_cancel"}))
		}
		if out.fullText != "" || !interrupted {
			batch = append(batch, history.NewEvent(state.ID, history.EventAssistantDone,
				history.AssistantDonePayload{Text: out.fullText, Interrupted: interrupted}))
		}
		batch = append(batch, history.NewEvent(state.ID, history.EventTurnEnd,
			history.TurnEndPayload{Interrupted: interrupted}))
		r.appendEvents(state, run, batch...)
	}

	if out.fullText != "" {
		r.service.RecordActivity(context.WithoutCancel(ctx), state.ID, out.fullText)
	}
}

// appendEvents stamps the run's turn/response ids and writes the batch.
// Persistence failures are logged, not fatal: the streamed output already
// reached the clients.
func (r *Runner) appendEvents(state *SessionState, run *ActiveRun, evs ...*history.Event) {
	for _, ev := range evs {
		ev.WithTurn(run.TurnID, run.ResponseID)
	}
	ctx := context.Background()
	var err error
	if len(evs) == 1 {
		err = r.store.Append(ctx, evs[0])
	} else {
		err = r.store.AppendBatch(ctx, evs)
	}
	if err != nil {
		r.logger.WithSessionID(state.ID).WithError(err).Error("persist chat events failed")
	}
}

func toMessageCalls(calls []llm.ToolCall) []history.MessageToolCall {
	out := make([]history.MessageToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, history.MessageToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return out
}

// toolResultContent renders a tool outcome the way the projection does, so
// live turns and replayed history feed the model identically.
func toolResultContent(res tools.Result) string {
	if !res.IsError {
		return res.Content
	}
	msg := res.Content
	if msg == "" {
		msg = res.ErrorCode
	}
	encoded, err := json.Marshal(map[string]any{"ok": false, "error": msg})
	if err != nil {
		return msg
	}
	return string(encoded)
}

func (r *Runner) broadcast(sessionID, action string, payload any) {
	msg, err := wsproto.NewNotification(action, payload)
	if err != nil {
		r.logger.WithError(err).Error("encode stream notification")
		return
	}
	r.service.Notifier().BroadcastToSession(sessionID, msg)
}

func (r *Runner) broadcastError(sessionID, code, message string, retryable bool) {
	var msg *wsproto.Message
	var err error
	if retryable {
		msg, err = wsproto.NewRetryableError("", "", code, message, nil)
	} else {
		msg, err = wsproto.NewError("", "", code, message, nil)
	}
	if err != nil {
		return
	}
	r.service.Notifier().BroadcastToSession(sessionID, msg)
}
