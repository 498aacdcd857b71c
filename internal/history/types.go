package history

// Role tags the speaker of a conversational turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a channel conversation. A Turn is never
// mutated after creation; histories change only by append and truncation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
