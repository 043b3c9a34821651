// Package outbox delivers completed exchanges to the conversation backend.
//
// Every exchange is journaled before delivery. Delivery creates the
// conversation when it has no backend id yet, then appends the messages one
// by one in order. Progress is written back after each step, so a retry
// resumes where the last attempt stopped and never creates the conversation
// twice.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// Persister is the subset of the conversation API the outbox writes to.
type Persister interface {
	CreateConversation(ctx context.Context, title string) (int64, error)
	AppendMessage(ctx context.Context, conversationID int64, role domain.Role, content string) error
}

// Result describes the state of one local conversation after a drain.
type Result struct {
	LocalKey       string
	ConversationID int64
	// Pending is the number of exchanges still waiting for delivery.
	Pending int
}

// Saved reports whether everything for the conversation reached the backend.
func (r Result) Saved() bool {
	return r.ConversationID != 0 && r.Pending == 0
}

// Outbox serialises delivery so the engine and the retry worker never
// interleave writes for the same conversation.
type Outbox struct {
	repo    store.Repository
	backend Persister
	mu      sync.Mutex
}

// New creates an Outbox over a journal and a backend.
func New(repo store.Repository, backend Persister) *Outbox {
	return &Outbox{repo: repo, backend: backend}
}

// Submit journals ex and delivers every pending exchange of its local key,
// oldest first. The returned Result is valid even when err is non-nil.
func (o *Outbox) Submit(ctx context.Context, ex *domain.PendingExchange) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ex.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Result{LocalKey: ex.LocalKey}, fmt.Errorf("generate exchange id: %w", err)
		}
		ex.ID = id.String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	if err := o.repo.SaveExchange(ctx, ex); err != nil {
		// Without the journal the exchange can still be delivered once, after
		// the ones already queued for the same conversation.
		slog.Warn("Failed to journal exchange", "exchange_id", ex.ID, "error", err)
		queued, lerr := o.repo.ListExchanges(ctx, ex.LocalKey)
		if lerr != nil {
			return Result{LocalKey: ex.LocalKey, Pending: 1}, errors.Join(
				fmt.Errorf("journal exchange: %w", err),
				fmt.Errorf("list pending exchanges: %w", lerr),
			)
		}
		list := append(lo.Reject(queued, func(q *domain.PendingExchange, _ int) bool { return q.ID == ex.ID }), ex)
		res, derr := o.deliverAll(ctx, ex.LocalKey, list)
		return res, errors.Join(fmt.Errorf("journal exchange: %w", err), derr)
	}

	return o.drainLocked(ctx, ex.LocalKey)
}

// Drain retries every pending exchange of one local key.
func (o *Outbox) Drain(ctx context.Context, localKey string) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drainLocked(ctx, localKey)
}

// DrainAll retries every pending exchange in the journal. Local keys are
// processed independently; a failure in one does not block the others,
// except an authentication failure, which stops the run.
func (o *Outbox) DrainAll(ctx context.Context) ([]Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	all, err := o.repo.ListExchanges(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list pending exchanges: %w", err)
	}

	var keys []string
	seen := make(map[string]bool)
	for _, ex := range all {
		if !seen[ex.LocalKey] {
			seen[ex.LocalKey] = true
			keys = append(keys, ex.LocalKey)
		}
	}

	var results []Result
	var errs *multierror.Error
	for _, key := range keys {
		res, err := o.drainLocked(ctx, key)
		results = append(results, res)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("conversation %s: %w", key, err))
			if errors.Is(err, domain.ErrUnauthenticated) || ctx.Err() != nil {
				break
			}
		}
	}
	return results, errs.ErrorOrNil()
}

// Pending returns the journaled exchanges of a local key.
func (o *Outbox) Pending(ctx context.Context, localKey string) ([]*domain.PendingExchange, error) {
	return o.repo.ListExchanges(ctx, localKey)
}

func (o *Outbox) drainLocked(ctx context.Context, localKey string) (Result, error) {
	list, err := o.repo.ListExchanges(ctx, localKey)
	if err != nil {
		return Result{LocalKey: localKey}, fmt.Errorf("list pending exchanges: %w", err)
	}
	return o.deliverAll(ctx, localKey, list)
}

// deliverAll delivers exchanges in order and stops at the first failure so
// messages are stored in chronological order.
func (o *Outbox) deliverAll(ctx context.Context, localKey string, list []*domain.PendingExchange) (Result, error) {
	res := Result{LocalKey: localKey, Pending: len(list)}
	for _, ex := range list {
		if ex.ConversationID == 0 && res.ConversationID != 0 {
			ex.ConversationID = res.ConversationID
		}
		err := o.deliver(ctx, ex)
		if ex.ConversationID != 0 {
			res.ConversationID = ex.ConversationID
		}
		if err != nil {
			return res, err
		}
		res.Pending--
	}
	return res, nil
}

func (o *Outbox) deliver(ctx context.Context, ex *domain.PendingExchange) error {
	if ex.ConversationID == 0 {
		id, err := o.backend.CreateConversation(ctx, ex.Title)
		if err != nil {
			return o.recordFailure(ctx, ex, fmt.Errorf("create conversation: %w", err))
		}
		ex.ConversationID = id
		if _, err := o.repo.AssignConversation(ctx, ex.LocalKey, id); err != nil {
			slog.Error("Failed to record conversation id in journal",
				"local_key", ex.LocalKey, "conversation_id", id, "error", err)
		}
		slog.Info("Conversation created", "conversation_id", id, "local_key", ex.LocalKey)
	}

	for ex.Appended < len(ex.Messages) {
		msg := ex.Messages[ex.Appended]
		if err := o.backend.AppendMessage(ctx, ex.ConversationID, msg.Role, msg.Content); err != nil {
			return o.recordFailure(ctx, ex, fmt.Errorf("append %s message: %w", msg.Role, err))
		}
		ex.Appended++
		if err := o.repo.SaveExchange(ctx, ex); err != nil {
			slog.Warn("Failed to record append progress", "exchange_id", ex.ID, "error", err)
		}
	}

	if err := o.repo.DeleteExchange(ctx, ex.ID); err != nil {
		slog.Warn("Failed to remove delivered exchange", "exchange_id", ex.ID, "error", err)
	}
	return nil
}

func (o *Outbox) recordFailure(ctx context.Context, ex *domain.PendingExchange, cause error) error {
	ex.Attempts++
	ex.LastError = cause.Error()
	if err := o.repo.SaveExchange(context.WithoutCancel(ctx), ex); err != nil {
		slog.Warn("Failed to record delivery failure", "exchange_id", ex.ID, "error", err)
	}
	slog.Warn("Exchange delivery failed",
		"exchange_id", ex.ID,
		"conversation_id", ex.ConversationID,
		"attempts", ex.Attempts,
		"error", cause)
	return cause
}
