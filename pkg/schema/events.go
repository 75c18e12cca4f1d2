package schema

import "time"

// Chat event types pushed to a connected client.
const (
	EventMessage = "message"
	EventStatus  = "status"
)

// Chat statuses announced through EventStatus.
const (
	ChatStatusRunning          = "running"
	ChatStatusWaitingUserInput = "waiting_user_input"
	ChatStatusCompleted        = "completed"
	ChatStatusFailed           = "failed"
)

// Message roles used in chat events and LLM message lists.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatEvent is a single message or status update for one run instance.
type ChatEvent struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	InstanceID int64     `json:"instanceId"`
	Role       string    `json:"role,omitempty"`
	Content    string    `json:"content,omitempty"`
	Nickname   string    `json:"nickname,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunStatus represents the lifecycle state of a run instance.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// LogStatus is the outcome recorded for one node execution attempt.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// ChatMessage is one role-tagged entry of an LLM message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
