package domain

import "time"

// StoredMessage is a serialized chat message entry.
type StoredMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PendingExchange is a completed exchange that still has to reach the
// persistence backend. ConversationID is 0 while the conversation has not
// been created yet; Appended counts how many of Messages were stored.
type PendingExchange struct {
	ID             string
	LocalKey       string
	ConversationID int64
	Title          string
	Messages       []StoredMessage
	Appended       int
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Done reports whether every message of the exchange was stored.
func (p *PendingExchange) Done() bool {
	return p.ConversationID != 0 && p.Appended >= len(p.Messages)
}
