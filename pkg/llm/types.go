package llm

import "context"

// Role values accepted in a Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest describes a single completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the first choice of a completion plus token accounting.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage summarises token accounting for a completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Chatter is the minimal behaviour the decision layer needs.
type Chatter interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
