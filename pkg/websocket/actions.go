package websocket

// Action constants for client -> server messages
const (
	ActionHealthCheck = "health.check"

	ActionHello               = "hello"
	ActionSubscribe           = "subscribe"
	ActionUnsubscribe         = "unsubscribe"
	ActionTextInput           = "text_input"
	ActionOutputCancel        = "output_cancel"
	ActionPanelEvent          = "panel_event"
	ActionInteractionResponse = "interaction_response"
	ActionInteractionState    = "interaction_state"
	ActionCLIToolCall         = "cli_tool_call"
)

// Action constants for server -> client stream notifications
const (
	ActionUserMessage     = "user_message"
	ActionTextDelta       = "text_delta"
	ActionTextDone        = "text_done"
	ActionThinkingStart   = "thinking_start"
	ActionThinkingDelta   = "thinking_delta"
	ActionThinkingEnd     = "thinking_end"
	ActionToolCallStart   = "tool_call_start"
	ActionToolCallDelta   = "tool_call_delta"
	ActionToolCallDone    = "tool_call_done"
	ActionToolResult      = "tool_result"
	ActionOutputCancelled = "output_cancelled"
)

// Action constants for server -> client session notifications
const (
	ActionSessionCreated  = "session_created"
	ActionSessionUpdated  = "session_updated"
	ActionSessionDeleted  = "session_deleted"
	ActionSessionCleared  = "session_cleared"
	ActionSubscribed      = "subscribed"
	ActionUnsubscribed    = "unsubscribed"
	ActionMessageQueued   = "message_queued"
	ActionMessageDequeued = "message_dequeued"
)

// Action constants for server -> client interaction requests
const (
	ActionInteractionRequest   = "interaction_request"
	ActionInteractionCancelled = "interaction_cancelled"
)

// Error codes carried in error payloads
const (
	ErrorCodeSessionNotReady        = "session_not_ready"
	ErrorCodeSessionDeleted         = "session_deleted"
	ErrorCodeEmptyText              = "empty_text"
	ErrorCodeInvalidSessionID       = "invalid_session_id"
	ErrorCodeQueueError             = "queue_error"
	ErrorCodeUpstreamError          = "upstream_error"
	ErrorCodeExternalAgentError     = "external_agent_error"
	ErrorCodeToolNotFound           = "tool_not_found"
	ErrorCodeInvalidArguments       = "invalid_arguments"
	ErrorCodeSessionBusy            = "session_busy"
	ErrorCodeWindowRequired         = "window_required"
	ErrorCodeWindowNotFound         = "window_not_found"
	ErrorCodeStorageError           = "storage_error"
	ErrorCodeInteractionUnavailable = "interaction_unavailable"

	// ErrorCodeInternalError covers handler failures that do not map to a
	// domain code above.
	ErrorCodeInternalError = "internal_error"
)
