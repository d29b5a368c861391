// Package events provides event subjects and helpers for the Parley event system.
package events

// Event types for session lifecycle
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionDeleted = "session.deleted"
	SessionCleared = "session.cleared"
)

// Event types for chat streams
const (
	ChatEvent = "chat.event" // Base subject for per-session chat events
)

// Event types for external history files
const (
	HistoryChanged = "history.changed" // A provider session file changed on disk
)

// BuildChatEventSubject creates a chat event subject for a specific session
func BuildChatEventSubject(sessionID string) string {
	return ChatEvent + "." + sessionID
}

// BuildChatEventWildcardSubject creates a wildcard subscription for all chat events
func BuildChatEventWildcardSubject() string {
	return ChatEvent + ".*"
}

// BuildHistoryChangedSubject creates a history change subject for a specific session
func BuildHistoryChangedSubject(sessionID string) string {
	return HistoryChanged + "." + sessionID
}

// BuildHistoryChangedWildcardSubject creates a wildcard subscription for all history change events
func BuildHistoryChangedWildcardSubject() string {
	return HistoryChanged + ".*"
}
