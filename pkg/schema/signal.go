package schema

// Inbound frame types accepted from a chat client.
const (
	FrameUserInput = "user_input"
	FramePing      = "ping"
)

// InboundFrame is a message a chat client sends for one run instance.
type InboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// InputAck is the reply to a user_input frame.
type InputAck struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
