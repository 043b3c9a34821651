package chat

import (
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Snapshot is an immutable view of the engine state. Messages and Entries
// are copies; the Message values inside are never modified after publication.
type Snapshot struct {
	ConversationID int64
	LocalKey       string
	Title          string
	Messages       []domain.Message
	Entries        []domain.ConversationEntry
	// Saved is true once the conversation exists on the backend.
	Saved bool
	// Unsaved is true while an exchange of this conversation waits in the
	// outbox.
	Unsaved   bool
	Streaming bool
}

// Last returns the last message, if any.
func (s Snapshot) Last() (domain.Message, bool) {
	if len(s.Messages) == 0 {
		return domain.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// PendingCount returns how many messages are still receiving chunks.
func (s Snapshot) PendingCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Pending() {
			n++
		}
	}
	return n
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: e.conv.ID,
		LocalKey:       e.conv.LocalKey,
		Title:          e.conv.Title,
		Messages:       append([]domain.Message(nil), e.conv.Messages...),
		Entries:        append([]domain.ConversationEntry(nil), e.entries...),
		Saved:          e.conv.Saved,
		Unsaved:        e.unsaved,
		Streaming:      e.streaming,
	}
}

// replaceLastLocked swaps the last message for m. The backing array is
// copied so slices handed out in earlier snapshots keep their values.
func (e *Engine) replaceLastLocked(m domain.Message) {
	msgs := make([]domain.Message, len(e.conv.Messages))
	copy(msgs, e.conv.Messages)
	msgs[len(msgs)-1] = m
	e.conv.Messages = msgs
}

func (e *Engine) appendLocked(ms ...domain.Message) {
	msgs := make([]domain.Message, 0, len(e.conv.Messages)+len(ms))
	msgs = append(msgs, e.conv.Messages...)
	e.conv.Messages = append(msgs, ms...)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
