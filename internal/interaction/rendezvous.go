package interaction

import (
	"encoding/json"
	"sync"
	"time"
)

// ToolCallRecord is one CLI-reported tool execution awaiting its result.
type ToolCallRecord struct {
	SessionID string          `json:"sessionId"`
	CallID    string          `json:"callId"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MatchOptions select a record. Consume removes it on a hit so each
// execution pairs with exactly one result.
type MatchOptions struct {
	SessionID string
	CallID    string
	Consume   bool
}

// Rendezvous pairs tool_execution_start reports with later results when
// only one side of the exchange is observed directly.
type Rendezvous struct {
	mu      sync.Mutex
	records map[string]*ToolCallRecord
}

// NewRendezvous creates an empty table.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{records: make(map[string]*ToolCallRecord)}
}

func recordKey(sessionID, callID string) string {
	return sessionID + ":" + callID
}

// Record stores a CLI tool call, replacing any previous record for the
// same call id.
func (r *Rendezvous) Record(sessionID, callID, toolName string, args json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[recordKey(sessionID, callID)] = &ToolCallRecord{
		SessionID: sessionID,
		CallID:    callID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: time.Now(),
	}
}

// Match retrieves the record for a call, optionally consuming it.
func (r *Rendezvous) Match(opts MatchOptions) (*ToolCallRecord, bool) {
	key := recordKey(opts.SessionID, opts.CallID)
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, false
	}
	if opts.Consume {
		delete(r.records, key)
	}
	return rec, true
}

// DropSession removes every record belonging to the session.
func (r *Rendezvous) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rec := range r.records {
		if rec.SessionID == sessionID {
			delete(r.records, key)
		}
	}
}
