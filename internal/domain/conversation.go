package domain

import "time"

// GreetingText is the synthetic first message of every new conversation.
const GreetingText = "Hello! I'm your AI Assistant. How can I help you today?"

// GreetingID is the fixed id of the synthetic greeting message.
const GreetingID = "greeting"

// NewGreeting returns the greeting message stamped with at.
func NewGreeting(at time.Time) Message {
	return Message{
		ID:        GreetingID,
		Text:      GreetingText,
		Sender:    SenderBot,
		Timestamp: &at,
	}
}

// Conversation is the in-memory state of one chat.
//
// ID is 0 until the backend assigned one. Saved flips to true exactly once,
// when the first exchange has been persisted, and never back.
type Conversation struct {
	ID        int64
	LocalKey  string
	Title     string
	CreatedAt time.Time
	Messages  []Message
	Saved     bool
}

// ConversationEntry is the sidebar projection of a conversation.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}
