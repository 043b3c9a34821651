// Package chat implements the chat session engine: it owns the active
// conversation, drives the stream/name/persist cycle of each exchange and
// publishes snapshots to an observer.
//
// Every conversation switch bumps a generation counter. A stream remembers the
// generation it started under and every write it makes is checked against the
// current one, so chunks from a stream that belongs to a conversation the user
// already left are dropped instead of landing in the new one.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/attachment"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/outbox"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Relay opens answer and title streams.
type Relay interface {
	StreamAnswer(ctx context.Context, req relay.AnswerRequest) (io.ReadCloser, error)
	StreamChatName(ctx context.Context, msgs []domain.Message) (io.ReadCloser, error)
}

// Conversations reads stored conversations.
type Conversations interface {
	ListConversations(ctx context.Context) ([]domain.ConversationEntry, error)
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)
}

// Outbox accepts completed exchanges for delivery.
type Outbox interface {
	Submit(ctx context.Context, ex *domain.PendingExchange) (outbox.Result, error)
}

// Observer receives a snapshot after every state change. It is called
// without the engine lock held, from the goroutine that made the change.
type Observer func(Snapshot)

// Options tunes an Engine.
type Options struct {
	// IdleTimeout fails a stream that produced no bytes for this long.
	IdleTimeout       time.Duration
	MaxAttachmentSize int64
	Observer          Observer
	Now               func() time.Time
}

// Engine is safe for concurrent use. Only one SendMessage runs at a time.
type Engine struct {
	relay  Relay
	convs  Conversations
	outbox Outbox
	opts   Options
	tracer trace.Tracer

	mu        sync.Mutex
	gen       uint64
	conv      domain.Conversation
	entries   []domain.ConversationEntry
	unsaved   bool
	streaming bool
	cancel    context.CancelFunc
	// titles of conversations waiting in the outbox for a backend id, by
	// local key, so their sidebar entry can be added once one is minted.
	titles map[string]string
}

// New creates an engine showing a fresh conversation.
func New(r Relay, convs Conversations, ob Outbox, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		relay:  r,
		convs:  convs,
		outbox: ob,
		opts:   opts,
		tracer: otel.Tracer("github.com/ashureev/chatrelay/internal/chat"),
		titles: make(map[string]string),
	}
	e.conv = e.freshConversation()
	return e
}

func (e *Engine) freshConversation() domain.Conversation {
	now := e.opts.Now()
	return domain.Conversation{
		LocalKey:  newID(),
		CreatedAt: now,
		Messages:  []domain.Message{domain.NewGreeting(now)},
	}
}

// SelectConversation switches to conversation id. An id of 0 starts a new,
// unsaved conversation without touching the network. Any stream still
// writing into the previous conversation is cancelled.
func (e *Engine) SelectConversation(ctx context.Context, id int64) error {
	var next domain.Conversation
	if id == 0 {
		next = e.freshConversation()
	} else {
		c, err := e.convs.GetConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("load conversation %d: %w", id, err)
		}
		next = *c
		next.ID = id
		next.Saved = true
		next.LocalKey = savedKey(id)
	}

	e.update(func() {
		e.switchLocked()
		e.conv = next
		e.unsaved = false
	})
	slog.Debug("Conversation selected", "conversation_id", id, "messages", len(next.Messages))
	return nil
}

// switchLocked invalidates writers of the current conversation.
func (e *Engine) switchLocked() {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.streaming = false
}

// LoadConversations fills the sidebar list from the backend.
func (e *Engine) LoadConversations(ctx context.Context) error {
	entries, err := e.convs.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	e.update(func() {
		e.entries = entries
	})
	return nil
}

// ConversationSaved records that the outbox finished delivering the
// conversation identified by localKey. It is the retry worker callback and
// adds the sidebar entry even when another conversation is active.
func (e *Engine) ConversationSaved(localKey string, id int64) {
	e.update(func() {
		if e.conv.LocalKey == localKey {
			e.markSavedLocked(id)
			delete(e.titles, localKey)
			return
		}
		if title, ok := e.titles[localKey]; ok {
			e.addEntryLocked(domain.ConversationEntry{ID: id, Title: title, Timestamp: e.opts.Now()})
			delete(e.titles, localKey)
		}
	})
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

func (e *Engine) markSavedLocked(id int64) {
	if e.conv.ID == 0 {
		e.conv.ID = id
		e.addEntryLocked(domain.ConversationEntry{ID: id, Title: e.conv.Title, Timestamp: e.opts.Now()})
	}
	e.conv.Saved = true
	e.unsaved = false
}

func (e *Engine) addEntryLocked(entry domain.ConversationEntry) {
	for _, existing := range e.entries {
		if existing.ID == entry.ID {
			return
		}
	}
	e.entries = append(e.entries, entry)
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Entries returns the sidebar list.
func (e *Engine) Entries() []domain.ConversationEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ConversationEntry(nil), e.entries...)
}

// update applies fn under the lock and publishes the resulting snapshot.
func (e *Engine) update(fn func()) {
	e.mu.Lock()
	fn()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if e.opts.Observer != nil {
		e.opts.Observer(snap)
	}
}

// updateIf is update guarded by the generation token. It reports false,
// without running fn, when the conversation was switched after gen was taken.
func (e *Engine) updateIf(gen uint64, fn func()) bool {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return false
	}
	fn()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if e.opts.Observer != nil {
		e.opts.Observer(snap)
	}
	return true
}

func savedKey(id int64) string {
	return "conversation:" + strconv.FormatInt(id, 10)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validate(text string, uploads []attachment.Upload) error {
	if isBlank(text) && len(uploads) == 0 {
		return fmt.Errorf("%w: message text or attachment required", domain.ErrValidation)
	}
	return attachment.Validate(uploads)
}

func upstreamError(err error) error {
	if errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrUnauthenticated) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
}
