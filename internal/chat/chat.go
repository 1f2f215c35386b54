package chat

// Role values accepted in a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message follows the role/content schema. Ordering is significant and is
// preserved end-to-end.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body accepted by the relay endpoint. Model and
// Temperature are optional; defaults are applied by the upstream client.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// PromptChars returns the total content length across all messages, used for
// rough token accounting (4 chars ~ 1 token).
func (r CompletionRequest) PromptChars() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total
}
