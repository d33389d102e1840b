// ABOUTME: Wire message types exchanged between workers and the control plane.
// ABOUTME: Newline-free JSON objects, one per WebSocket frame, tagged by "type".

package protocol

import (
	"encoding/json"
	"time"

	"github.com/rudycelekli/moltbot/internal/manifest"
)

// Message type discriminators, worker -> control plane.
const (
	TypeHeartbeat       = "heartbeat"
	TypeStatus          = "status"
	TypeAction          = "action"
	TypeApprovalRequest = "approval_request"
	TypeError           = "error"
)

// Message type discriminators, control plane -> worker.
const (
	TypeUpdateConfig     = "update_config"
	TypeUpdateGoals      = "update_goals"
	TypeInjectKnowledge  = "inject_knowledge"
	TypeSendMessage      = "send_message"
	TypeApprovalResponse = "approval_response"
	TypeRestart          = "restart"
	TypeShutdown         = "shutdown"
	TypePing             = "ping"
)

// WorkerState is the coarse lifecycle state a worker reports about itself.
type WorkerState string

const (
	StateStarting     WorkerState = "starting"
	StateRunning      WorkerState = "running"
	StateBusy         WorkerState = "busy"
	StateIdle         WorkerState = "idle"
	StateError        WorkerState = "error"
	StateShuttingDown WorkerState = "shutting_down"
)

// ActionCategory classifies a logged unit of work.
type ActionCategory string

const (
	ActionBrowse  ActionCategory = "browse"
	ActionExecute ActionCategory = "execute"
	ActionMessage ActionCategory = "message"
	ActionAPICall ActionCategory = "api_call"
	ActionSpend   ActionCategory = "spend"
	ActionFile    ActionCategory = "file"
	ActionOther   ActionCategory = "other"
)

// StatusReport is a worker-produced snapshot of its runtime state.
type StatusReport struct {
	State             WorkerState        `json:"state"`
	ActiveTask        string             `json:"activeTask,omitempty"`
	ConnectedChannels []string           `json:"connectedChannels,omitempty"`
	UptimeSec         int64              `json:"uptimeSec"`
	MemoryMB          float64            `json:"memoryMb"`
	CPUPercent        float64            `json:"cpuPercent"`
	ActionsToday      int64              `json:"actionsToday"`
	SpendToday        float64            `json:"spendToday"`
	GoalProgress      map[string]float64 `json:"goalProgress,omitempty"`
}

// ActionLogEntry is one logged, categorized unit of work.
type ActionLogEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Category   ActionCategory `json:"category"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
}

// SpendAmount extracts the numeric spend amount from the entry details.
// Only entries with category "spend" and a numeric details.amount contribute
// to cumulative spend.
func (e *ActionLogEntry) SpendAmount() (float64, bool) {
	if e.Category != ActionSpend || e.Details == nil {
		return 0, false
	}
	switch v := e.Details["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ApprovalRequest is the worker's ask for a human-gated authorization.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Amount      *float64  `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Message is the single frame envelope. Exactly one payload group is
// populated, selected by Type; unknown or missing types are dropped by
// both peers.
type Message struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId,omitempty"`

	// heartbeat
	Timestamp string `json:"timestamp,omitempty"`
	UptimeSec int64  `json:"uptimeSec,omitempty"`

	// status
	Report *StatusReport `json:"report,omitempty"`

	// action
	Entry *ActionLogEntry `json:"entry,omitempty"`

	// approval_request
	Request *ApprovalRequest `json:"request,omitempty"`

	// error (worker -> plane)
	ErrorMessage string `json:"message,omitempty"`

	// update_config
	ConfigPatch json.RawMessage `json:"config,omitempty"`

	// update_goals
	Goals []manifest.Goal `json:"goals,omitempty"`

	// inject_knowledge
	Documents []manifest.Document `json:"documents,omitempty"`

	// send_message
	Content string `json:"content,omitempty"`
	Channel string `json:"channel,omitempty"`

	// approval_response
	RequestID string `json:"requestId,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Heartbeat builds a heartbeat frame with an ISO-8601 timestamp.
func Heartbeat(agentID string, now time.Time, uptimeSec int64) Message {
	return Message{
		Type:      TypeHeartbeat,
		AgentID:   agentID,
		Timestamp: now.UTC().Format(time.RFC3339),
		UptimeSec: uptimeSec,
	}
}

// ApprovalResponse builds an approval_response frame.
func ApprovalResponse(requestID string, approved bool, reason string) Message {
	return Message{
		Type:      TypeApprovalResponse,
		RequestID: requestID,
		Approved:  &approved,
		Reason:    reason,
	}
}

// Decode parses one frame. A frame that is not a JSON object or is missing
// its type discriminator returns ok=false and must be dropped silently.
func Decode(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}
