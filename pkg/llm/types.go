package llm

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a stateless request to a provider.
type Request struct {
	// Model overrides Config.Model when set.
	Model        string
	Instructions string
	Messages     []Message
	// PreviousID continues an earlier upstream exchange without resending history.
	PreviousID string
}

// RunRequest starts an agent run against an upstream session.
type RunRequest struct {
	AgentID      string
	Model        string
	Instructions string
}

// Response represents a complete response from an LLM provider.
type Response struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta represents an incremental update during streaming.
type Delta struct {
	Content string `json:"content,omitempty"`
	// Err is set on the last delta of a stream that ended abnormally.
	Err error `json:"-"`
}

// LastMessage returns the last message with the given role, or false.
func LastMessage(messages []Message, role string) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i], true
		}
	}
	return Message{}, false
}
