package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/chatrelay/internal/attachment"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/stream"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const fallbackTitleRunes = 40

var errEmptyAnswer = fmt.Errorf("%w: answer stream ended without data", domain.ErrUpstreamUnavailable)

// exchange is the state of one SendMessage call.
type exchange struct {
	gen      uint64
	ctx      context.Context
	localKey string
	convID   int64
	title    string
	user     domain.Message
	bot      domain.Message
}

// SendMessage runs one exchange: it appends the user message and a pending
// reply, streams the answer into the reply, generates a title for untitled
// conversations and hands the exchange to the outbox.
//
// Errors from the answer stream are returned as is and leave the partial
// reply marked interrupted. Title and persistence failures never undo the
// reply; they are returned together, persistence ones wrapping
// domain.ErrPersistence. ErrConversationSwitched means the user left the
// conversation while the answer streamed and nothing was saved.
func (e *Engine) SendMessage(ctx context.Context, text string, uploads []attachment.Upload) error {
	if err := validate(text, uploads); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "chat.SendMessage")
	defer span.End()

	ex, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer e.finish(ex)

	files, err := attachment.EncodeAll(ex.ctx, uploads, e.opts.MaxAttachmentSize)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	now := e.opts.Now()
	ex.user = domain.Message{ID: newID(), Text: text, Sender: domain.SenderUser, Files: files}.Complete(now)
	ex.bot = domain.Message{ID: newID(), Sender: domain.SenderBot}
	if !e.updateIf(ex.gen, func() { e.appendLocked(ex.user, ex.bot) }) {
		return domain.ErrConversationSwitched
	}

	if err := e.streamAnswer(ex, files); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer stream failed")
		return err
	}
	span.SetAttributes(attribute.Int("chat.answer_length", len(ex.bot.Text)))

	var result *multierror.Error
	if ex.title == "" {
		if err := e.generateTitle(ex); err != nil {
			slog.Warn("Title generation failed", "local_key", ex.localKey, "error", err)
			result = multierror.Append(result, fmt.Errorf("generate title: %w", err))
		}
	}
	if err := e.persist(ctx, ex); err != nil {
		span.RecordError(err)
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// begin claims the engine for one exchange.
func (e *Engine) begin(ctx context.Context) (*exchange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streaming {
		return nil, domain.ErrBusy
	}

	streamCtx, cancel := context.WithCancel(ctx)
	e.streaming = true
	e.cancel = cancel
	return &exchange{
		gen:      e.gen,
		ctx:      streamCtx,
		localKey: e.conv.LocalKey,
		convID:   e.conv.ID,
		title:    e.conv.Title,
	}, nil
}

func (e *Engine) finish(ex *exchange) {
	e.update(func() {
		if e.gen != ex.gen {
			return
		}
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.streaming = false
	})
}

func (e *Engine) conversationRef(ex *exchange) string {
	if ex.convID != 0 {
		return strconv.FormatInt(ex.convID, 10)
	}
	return ex.localKey
}

// streamAnswer fills ex.bot from the answer stream.
func (e *Engine) streamAnswer(ex *exchange, files []domain.FileAttachment) error {
	body, err := e.relay.StreamAnswer(ex.ctx, relay.AnswerRequest{
		Query:          ex.user.Text,
		Files:          files,
		ConversationID: e.conversationRef(ex),
	})
	if err != nil {
		return e.interrupt(ex, err)
	}
	defer body.Close()

	var dec stream.Decoder
	apply := func(chunk string) error {
		if chunk == "" {
			return nil
		}
		ex.bot = ex.bot.AppendText(chunk)
		if !e.updateIf(ex.gen, func() { e.replaceLastLocked(ex.bot) }) {
			return domain.ErrConversationSwitched
		}
		return nil
	}

	n, err := stream.Read(ex.ctx, body, e.opts.IdleTimeout, func(p []byte) error {
		return apply(dec.Decode(p))
	})
	if err == nil {
		err = apply(dec.Flush())
	}
	if err == nil && n == 0 {
		err = errEmptyAnswer
	}
	if err != nil {
		return e.interrupt(ex, err)
	}

	ex.bot = ex.bot.Complete(e.opts.Now())
	if !e.updateIf(ex.gen, func() { e.replaceLastLocked(ex.bot) }) {
		return domain.ErrConversationSwitched
	}
	return nil
}

// interrupt marks the reply as failed and maps err for the caller.
func (e *Engine) interrupt(ex *exchange, err error) error {
	ex.bot = ex.bot.Interrupt()
	if !e.updateIf(ex.gen, func() { e.replaceLastLocked(ex.bot) }) || errors.Is(err, domain.ErrConversationSwitched) {
		return domain.ErrConversationSwitched
	}
	slog.Warn("Answer stream failed", "local_key", ex.localKey, "received", len(ex.bot.Text), "error", err)
	return upstreamError(err)
}

// generateTitle streams a title seeded with the exchange. The visible title
// grows per chunk; the stored one is trimmed. If naming fails the title
// falls back to the start of the query. A conversation switch only stops the
// visible updates: the exchange still needs a title to be persisted.
func (e *Engine) generateTitle(ex *exchange) error {
	body, err := e.relay.StreamChatName(ex.ctx, []domain.Message{ex.user, ex.bot})
	if err == nil {
		err = e.readTitle(ex, body)
	}

	switched := !e.isCurrent(ex.gen)
	final := strings.TrimSpace(ex.title)
	if final == "" || (switched && err != nil) {
		final = fallbackTitle(ex.user)
	}
	ex.title = final
	if switched || !e.updateIf(ex.gen, func() { e.conv.Title = final }) {
		return nil
	}
	return err
}

func (e *Engine) readTitle(ex *exchange, body io.ReadCloser) error {
	defer body.Close()

	var dec stream.Decoder
	apply := func(chunk string) error {
		if chunk == "" {
			return nil
		}
		ex.title += chunk
		title := ex.title
		if !e.updateIf(ex.gen, func() { e.conv.Title = title }) {
			return domain.ErrConversationSwitched
		}
		return nil
	}
	_, err := stream.Read(ex.ctx, body, e.opts.IdleTimeout, func(p []byte) error {
		return apply(dec.Decode(p))
	})
	if err != nil {
		return err
	}
	return apply(dec.Flush())
}

// persist hands the exchange to the outbox and applies the outcome. It uses
// the caller context so a conversation switch does not drop the write.
func (e *Engine) persist(ctx context.Context, ex *exchange) error {
	res, err := e.outbox.Submit(ctx, &domain.PendingExchange{
		LocalKey:       ex.localKey,
		ConversationID: ex.convID,
		Title:          ex.title,
		Messages: []domain.StoredMessage{
			{Role: domain.RoleUser, Content: ex.user.Text},
			{Role: domain.RoleAssistant, Content: ex.bot.Text},
		},
	})

	e.update(func() {
		if res.ConversationID != 0 && ex.convID == 0 {
			e.addEntryLocked(domain.ConversationEntry{ID: res.ConversationID, Title: ex.title, Timestamp: e.opts.Now()})
			delete(e.titles, ex.localKey)
		} else if res.ConversationID == 0 {
			e.titles[ex.localKey] = ex.title
		}
		if e.conv.LocalKey != ex.localKey {
			return
		}
		if res.ConversationID != 0 && e.conv.ID == 0 {
			e.conv.ID = res.ConversationID
		}
		if res.Saved() {
			e.markSavedLocked(res.ConversationID)
		} else {
			e.unsaved = true
		}
	})

	if err != nil {
		slog.Warn("Exchange not saved", "local_key", ex.localKey, "pending", res.Pending, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	if !res.Saved() {
		return fmt.Errorf("%w: %d exchanges still pending", domain.ErrPersistence, res.Pending)
	}
	return nil
}

func fallbackTitle(user domain.Message) string {
	text := strings.Join(strings.Fields(user.Text), " ")
	if text == "" && len(user.Files) > 0 {
		text = user.Files[0].Name
	}
	if text == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(text) <= fallbackTitleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:fallbackTitleRunes])) + "…"
}
