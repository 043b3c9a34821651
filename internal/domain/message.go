package domain

import "time"

// Sender identifies who authored a message in the local conversation view.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Role is the author taxonomy used by the persistence backend.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Sender maps a stored role to the local sender. Unknown roles are shown as user text.
func (r Role) Sender() Sender {
	if r == RoleAssistant {
		return SenderBot
	}
	return SenderUser
}

// Role maps a local sender to the role the backend stores.
func (s Sender) Role() Role {
	if s == SenderBot {
		return RoleAssistant
	}
	return RoleUser
}

// FileAttachment is a file sent alongside a user message. Data holds a
// base64 data URL ("data:<mime>;base64,<payload>").
type FileAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// Message is a single entry of a conversation.
//
// Message values are never modified after they have been published in a
// snapshot. Streaming updates go through AppendText, Complete and Interrupt,
// which all return a new value.
type Message struct {
	ID          string           `json:"id"`
	Text        string           `json:"text"`
	Sender      Sender           `json:"sender"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Files       []FileAttachment `json:"files,omitempty"`
	Interrupted bool             `json:"interrupted,omitempty"`
}

// Pending reports whether the message is still receiving stream chunks.
func (m Message) Pending() bool {
	return m.Timestamp == nil && !m.Interrupted
}

// AppendText returns a copy of m with chunk appended to its text.
func (m Message) AppendText(chunk string) Message {
	m.Text += chunk
	return m
}

// Complete returns a copy of m stamped with at.
func (m Message) Complete(at time.Time) Message {
	m.Timestamp = &at
	return m
}

// Interrupt returns a copy of m marked as a stream that failed to finish.
// The partial text is kept and the timestamp stays empty.
func (m Message) Interrupt() Message {
	m.Timestamp = nil
	m.Interrupted = true
	return m
}
