package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/attachment"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/outbox"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is the shared, ordered log of external calls.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.list() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// chunkBody returns one chunk per Read, then err (or EOF). With hold set it
// blocks after the chunks until closed.
type chunkBody struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	hold   bool
	closed chan struct{}
	once   sync.Once
}

func newBody(chunks ...string) *chunkBody {
	b := &chunkBody{closed: make(chan struct{})}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if len(b.chunks) > 0 {
		n := copy(p, b.chunks[0])
		b.chunks[0] = b.chunks[0][n:]
		if len(b.chunks[0]) == 0 {
			b.chunks = b.chunks[1:]
		}
		b.mu.Unlock()
		return n, nil
	}
	b.mu.Unlock()

	if b.hold {
		<-b.closed
		return 0, io.ErrClosedPipe
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}

func (b *chunkBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

type fakeRelay struct {
	rec      *recorder
	mu       sync.Mutex
	requests []relay.AnswerRequest
	answer   func(req relay.AnswerRequest) (io.ReadCloser, error)
	naming   func(msgs []domain.Message) (io.ReadCloser, error)
}

func (f *fakeRelay) StreamAnswer(_ context.Context, req relay.AnswerRequest) (io.ReadCloser, error) {
	f.rec.add("open-stream(%s)", req.Query)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.answer(req)
}

func (f *fakeRelay) StreamChatName(_ context.Context, msgs []domain.Message) (io.ReadCloser, error) {
	f.rec.add("open-naming(%d)", len(msgs))
	return f.naming(msgs)
}

func (f *fakeRelay) lastRequest() relay.AnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakePersistence struct {
	rec    *recorder
	mu     sync.Mutex
	nextID int64
	calls  int
	failOn map[int]error
	stored map[int64]*domain.Conversation
	list   []domain.ConversationEntry
}

func (f *fakePersistence) fail() error {
	f.calls++
	return f.failOn[f.calls]
}

func (f *fakePersistence) CreateConversation(_ context.Context, title string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return 0, err
	}
	f.nextID++
	f.rec.add("create(%s)", title)
	return f.nextID, nil
}

func (f *fakePersistence) AppendMessage(_ context.Context, id int64, role domain.Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.rec.add("append(%d,%s,%s)", id, role, content)
	return nil
}

func (f *fakePersistence) GetConversation(_ context.Context, id int64) (*domain.Conversation, error) {
	c, ok := f.stored[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *fakePersistence) ListConversations(context.Context) ([]domain.ConversationEntry, error) {
	return f.list, nil
}

type harness struct {
	engine  *Engine
	rec     *recorder
	relay   *fakeRelay
	backend *fakePersistence
	outbox  *outbox.Outbox

	mu    sync.Mutex
	snaps []Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec: rec,
		relay: &fakeRelay{
			rec:    rec,
			answer: func(relay.AnswerRequest) (io.ReadCloser, error) { return newBody("Hi", " there"), nil },
			naming: func([]domain.Message) (io.ReadCloser, error) { return newBody(" Greeting", " Chat \n"), nil },
		},
		backend: &fakePersistence{rec: rec, failOn: map[int]error{}, stored: map[int64]*domain.Conversation{}},
	}
	h.outbox = outbox.New(store.NewMemory(), h.backend)
	h.engine = New(h.relay, h.backend, h.outbox, Options{
		IdleTimeout: time.Second,
		Observer: func(s Snapshot) {
			h.mu.Lock()
			h.snaps = append(h.snaps, s)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) snapshots() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snaps...)
}

func TestNewEngineShowsGreeting(t *testing.T) {
	h := newHarness(t)
	s := h.engine.Snapshot()

	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.GreetingText, s.Messages[0].Text)
	assert.NotNil(t, s.Messages[0].Timestamp)
	assert.Empty(t, s.Title)
	assert.False(t, s.Saved)
	assert.NotEmpty(t, s.LocalKey)
}

func TestFirstExchangeOrder(t *testing.T) {
	h := newHarness(t)
	var completedBeforeNaming bool
	h.relay.naming = func(msgs []domain.Message) (io.ReadCloser, error) {
		last, _ := h.engine.Snapshot().Last()
		completedBeforeNaming = last.Timestamp != nil && msgs[1].Text == "Hi there"
		return newBody("Greeting", " Chat"), nil
	}

	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))

	assert.Equal(t, []string{
		"open-stream(Hello)",
		"open-naming(2)",
		"create(Greeting Chat)",
		"append(1,user,Hello)",
		"append(1,assistant,Hi there)",
	}, h.rec.list())
	assert.True(t, completedBeforeNaming, "reply must be complete before naming starts")

	s := h.engine.Snapshot()
	assert.Equal(t, int64(1), s.ConversationID)
	assert.True(t, s.Saved)
	assert.False(t, s.Unsaved)
	assert.False(t, s.Streaming)
	assert.Equal(t, "Greeting Chat", s.Title)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, domain.SenderUser, s.Messages[1].Sender)
	assert.Equal(t, "Hi there", s.Messages[2].Text)
	assert.NotNil(t, s.Messages[2].Timestamp)
	assert.Zero(t, s.PendingCount())
	require.Len(t, s.Entries, 1)
	assert.Equal(t, int64(1), s.Entries[0].ID)
	assert.Equal(t, "Greeting Chat", s.Entries[0].Title)

	assert.Equal(t, s.LocalKey, h.relay.lastRequest().ConversationID, "unsaved conversations are referenced by local key")
}

func TestLaterExchangesOnlyAppend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))
	require.NoError(t, h.engine.SendMessage(context.Background(), "More", nil))

	assert.Equal(t, 1, h.rec.count("create("))
	assert.Equal(t, 4, h.rec.count("append("))
	assert.Equal(t, 1, h.rec.count("open-naming"), "titled conversations are not renamed")
	assert.Equal(t, "1", h.relay.lastRequest().ConversationID)

	events := h.rec.list()
	assert.Equal(t, []string{"append(1,user,More)", "append(1,assistant,Hi there)"}, events[len(events)-2:])
	assert.Len(t, h.engine.Snapshot().Entries, 1)
}

func TestChunkBoundariesDoNotMatter(t *testing.T) {
	const answer = "Grüße, 世界! Streaming 🚀 works."
	raw := []byte(answer)

	for _, size := range []int{1, 2, 3, 5, 7, len(raw)} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			h := newHarness(t)
			h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) {
				var chunks []string
				for i := 0; i < len(raw); i += size {
					end := min(i+size, len(raw))
					chunks = append(chunks, string(raw[i:end]))
				}
				return newBody(chunks...), nil
			}

			require.NoError(t, h.engine.SendMessage(context.Background(), "q", nil))
			last, _ := h.engine.Snapshot().Last()
			assert.Equal(t, answer, last.Text)

			prev := ""
			for _, s := range h.snapshots() {
				if len(s.Messages) != 3 {
					continue
				}
				text := s.Messages[2].Text
				assert.True(t, strings.HasPrefix(text, prev), "reply text only grows")
				prev = text
			}
		})
	}
}

func TestAtMostOnePendingMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))

	sawPending := false
	for _, s := range h.snapshots() {
		n := s.PendingCount()
		assert.LessOrEqual(t, n, 1)
		if n == 1 {
			sawPending = true
			last, _ := s.Last()
			assert.True(t, last.Pending(), "the pending message is always last")
		}
	}
	assert.True(t, sawPending)
	assert.Zero(t, h.engine.Snapshot().PendingCount())
}

func TestSnapshotsAreNotMutated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))

	var texts []string
	for _, s := range h.snapshots() {
		if len(s.Messages) == 3 {
			texts = append(texts, s.Messages[2].Text)
		}
	}
	require.NotEmpty(t, texts)
	assert.Equal(t, "", texts[0], "the first snapshot still shows the empty pending reply")
}

func TestSelectNewConversationResets(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))
	before := h.engine.Snapshot()

	require.NoError(t, h.engine.SelectConversation(context.Background(), 0))
	s := h.engine.Snapshot()

	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.GreetingID, s.Messages[0].ID)
	assert.Empty(t, s.Title)
	assert.Zero(t, s.ConversationID)
	assert.False(t, s.Saved)
	assert.NotEqual(t, before.LocalKey, s.LocalKey)
	assert.Len(t, s.Entries, 1, "the sidebar survives a reset")

	require.NoError(t, h.engine.SelectConversation(context.Background(), 0))
	assert.Len(t, h.engine.Snapshot().Messages, 1)
}

func TestSelectStoredConversation(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.backend.stored[7] = &domain.Conversation{
		Title: "Stored",
		Messages: []domain.Message{
			{ID: "1", Text: "hi", Sender: domain.SenderUser, Timestamp: &at},
			{ID: "2", Text: "hello", Sender: domain.SenderBot, Timestamp: &at},
		},
	}

	require.NoError(t, h.engine.SelectConversation(context.Background(), 7))
	s := h.engine.Snapshot()
	assert.Equal(t, int64(7), s.ConversationID)
	assert.Equal(t, "Stored", s.Title)
	assert.True(t, s.Saved)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, domain.SenderBot, s.Messages[1].Sender)

	err := h.engine.SelectConversation(context.Background(), 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(7), h.engine.Snapshot().ConversationID, "a failed load leaves state untouched")

	require.NoError(t, h.engine.SendMessage(context.Background(), "again", nil))
	assert.Zero(t, h.rec.count("create("))
	assert.Zero(t, h.rec.count("open-naming"))
	assert.Equal(t, []string{"append(7,user,again)", "append(7,assistant,Hi there)"}, h.rec.list()[1:])
}

func TestEmptyAnswerIsUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) { return newBody(), nil }

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	last, _ := h.engine.Snapshot().Last()
	assert.True(t, last.Interrupted)
	assert.Nil(t, last.Timestamp)
	assert.False(t, last.Pending())
	assert.Equal(t, []string{"open-stream(Hello)"}, h.rec.list(), "nothing is named or saved")
	assert.False(t, h.engine.Snapshot().Streaming)
}

func TestInterruptedAnswerKeepsPartialText(t *testing.T) {
	h := newHarness(t)
	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) {
		b := newBody("partial ", "answer")
		b.err = io.ErrUnexpectedEOF
		return b, nil
	}

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	last, _ := h.engine.Snapshot().Last()
	assert.Equal(t, "partial answer", last.Text)
	assert.True(t, last.Interrupted)
	assert.Nil(t, last.Timestamp)
}

func TestOpenStreamFailure(t *testing.T) {
	h := newHarness(t)
	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrUpstreamUnavailable)
	}

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	last, _ := h.engine.Snapshot().Last()
	assert.True(t, last.Interrupted)
}

func TestSwitchDuringStreamDiscardsChunks(t *testing.T) {
	h := newHarness(t)
	body := newBody("par")
	body.hold = true
	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) { return body, nil }

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "Hello", nil) }()

	require.Eventually(t, func() bool {
		last, _ := h.engine.Snapshot().Last()
		return last.Text == "par"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.SelectConversation(context.Background(), 0))

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrConversationSwitched)
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return after the switch")
	}

	s := h.engine.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, domain.GreetingID, s.Messages[0].ID)
	assert.False(t, s.Streaming)
	assert.Equal(t, []string{"open-stream(Hello)"}, h.rec.list())

	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) { return newBody("ok"), nil }
	require.NoError(t, h.engine.SendMessage(context.Background(), "fresh", nil), "the engine is usable after a switch")
}

func TestSendWhileStreamingIsBusy(t *testing.T) {
	h := newHarness(t)
	body := newBody("x")
	body.hold = true
	h.relay.answer = func(relay.AnswerRequest) (io.ReadCloser, error) { return body, nil }

	done := make(chan error, 1)
	go func() { done <- h.engine.SendMessage(context.Background(), "first", nil) }()
	require.Eventually(t, func() bool { return h.engine.Snapshot().Streaming }, 2*time.Second, 5*time.Millisecond)

	err := h.engine.SendMessage(context.Background(), "second", nil)
	require.ErrorIs(t, err, domain.ErrBusy)

	body.Close()
	require.ErrorIs(t, <-done, domain.ErrUpstreamUnavailable)
}

func TestValidation(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.engine.SendMessage(context.Background(), "   ", nil), domain.ErrValidation)

	exe := attachment.FromBytes("setup.exe", "application/x-msdownload", []byte("MZ"))
	require.ErrorIs(t, h.engine.SendMessage(context.Background(), "run this", []attachment.Upload{exe}), domain.ErrValidation)

	assert.Empty(t, h.rec.list(), "invalid input never reaches the network")
	assert.Len(t, h.engine.Snapshot().Messages, 1)
}

func TestAttachmentsAreEncodedAndForwarded(t *testing.T) {
	h := newHarness(t)
	uploads := []attachment.Upload{
		attachment.FromBytes("doc.pdf", "application/pdf", []byte("%PDF-1.4")),
		attachment.FromBytes("pic.png", "image/png", []byte{0x89, 'P', 'N', 'G'}),
	}

	require.NoError(t, h.engine.SendMessage(context.Background(), "", uploads))

	req := h.relay.lastRequest()
	require.Len(t, req.Files, 2)
	assert.Equal(t, "doc.pdf", req.Files[0].Name)
	assert.True(t, strings.HasPrefix(req.Files[0].Data, "data:application/pdf;base64,"))
	assert.True(t, strings.HasPrefix(req.Files[1].Data, "data:image/png;base64,"))

	s := h.engine.Snapshot()
	assert.Len(t, s.Messages[1].Files, 2)
}

func TestTitleIsDeterministic(t *testing.T) {
	naming := func(msgs []domain.Message) (io.ReadCloser, error) {
		words := strings.Fields(msgs[0].Text + " " + msgs[1].Text)
		return newBody(strings.Join(words[:2], " ")), nil
	}

	var titles []string
	for range 2 {
		h := newHarness(t)
		h.relay.naming = naming
		require.NoError(t, h.engine.SendMessage(context.Background(), "Hello world", nil))
		titles = append(titles, h.engine.Snapshot().Title)
	}
	assert.Equal(t, titles[0], titles[1])
	assert.Equal(t, "Hello world", titles[0])
}

func TestTitleGrowsWhileStreaming(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))

	var seen []string
	for _, s := range h.snapshots() {
		if len(seen) == 0 || seen[len(seen)-1] != s.Title {
			seen = append(seen, s.Title)
		}
	}
	assert.Equal(t, []string{"", " Greeting", " Greeting Chat \n", "Greeting Chat"}, seen)
}

func TestNamingFailureFallsBackToQuery(t *testing.T) {
	h := newHarness(t)
	h.relay.naming = func([]domain.Message) (io.ReadCloser, error) {
		return nil, fmt.Errorf("%w: naming down", domain.ErrUpstreamUnavailable)
	}

	err := h.engine.SendMessage(context.Background(), "How do goroutines work?", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPersistence)

	s := h.engine.Snapshot()
	assert.Equal(t, "How do goroutines work?", s.Title)
	assert.True(t, s.Saved, "a naming failure does not block persistence")
	assert.Equal(t, 1, h.rec.count("create(How do goroutines work?)"))
}

func TestPersistenceFailureKeepsReplyAndRetries(t *testing.T) {
	h := newHarness(t)
	h.backend.failOn[2] = fmt.Errorf("%w: 503", domain.ErrBackendUnavailable)

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)

	s := h.engine.Snapshot()
	last, _ := s.Last()
	assert.Equal(t, "Hi there", last.Text)
	assert.NotNil(t, last.Timestamp, "the rendered reply is not rolled back")
	assert.True(t, s.Unsaved)
	assert.False(t, s.Saved)
	assert.Equal(t, int64(1), s.ConversationID)
	assert.Len(t, s.Entries, 1)

	results, err := h.outbox.DrainAll(context.Background())
	require.NoError(t, err)
	for _, res := range results {
		h.engine.ConversationSaved(res.LocalKey, res.ConversationID)
	}

	s = h.engine.Snapshot()
	assert.True(t, s.Saved)
	assert.False(t, s.Unsaved)
	assert.Equal(t, 1, h.rec.count("create("), "retry must not re-create the conversation")
	assert.Equal(t, 2, h.rec.count("append("))
	assert.Len(t, s.Entries, 1)
}

func TestCreateFailureThenNextSendCreatesOnce(t *testing.T) {
	h := newHarness(t)
	h.backend.failOn[1] = fmt.Errorf("%w: 503", domain.ErrBackendUnavailable)

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Zero(t, h.engine.Snapshot().ConversationID)

	require.NoError(t, h.engine.SendMessage(context.Background(), "Again", nil))

	assert.Equal(t, 1, h.rec.count("create("))
	assert.Equal(t, []string{
		"append(1,user,Hello)",
		"append(1,assistant,Hi there)",
		"append(1,user,Again)",
		"append(1,assistant,Hi there)",
	}, h.rec.list()[len(h.rec.list())-4:])
	s := h.engine.Snapshot()
	assert.True(t, s.Saved)
	assert.Equal(t, int64(1), s.ConversationID)
}

func TestUnauthenticatedPersistence(t *testing.T) {
	h := newHarness(t)
	h.backend.failOn[1] = fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)

	err := h.engine.SendMessage(context.Background(), "Hello", nil)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	require.ErrorIs(t, err, domain.ErrPersistence)
}

func TestLoadConversations(t *testing.T) {
	h := newHarness(t)
	h.backend.list = []domain.ConversationEntry{{ID: 3, Title: "Old"}, {ID: 4, Title: "Older"}}

	require.NoError(t, h.engine.LoadConversations(context.Background()))
	assert.Equal(t, h.backend.list, h.engine.Entries())
}

func TestFallbackTitle(t *testing.T) {
	long := strings.Repeat("word ", 20)
	got := fallbackTitle(domain.Message{Text: long})
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len([]rune(got)), fallbackTitleRunes+1)

	assert.Equal(t, "scan.pdf", fallbackTitle(domain.Message{Files: []domain.FileAttachment{{Name: "scan.pdf"}}}))
	assert.Equal(t, "New chat", fallbackTitle(domain.Message{}))
}

func TestSwitchDuringNamingStillPersists(t *testing.T) {
	h := newHarness(t)
	h.relay.naming = func([]domain.Message) (io.ReadCloser, error) {
		require.NoError(t, h.engine.SelectConversation(context.Background(), 0))
		b := newBody(" Half")
		b.hold = true
		return b, nil
	}
	before := h.engine.Snapshot().LocalKey

	require.NoError(t, h.engine.SendMessage(context.Background(), "Hello", nil))

	assert.Equal(t, []string{
		"open-stream(Hello)",
		"open-naming(2)",
		"create(Hello)",
		"append(1,user,Hello)",
		"append(1,assistant,Hi there)",
	}, h.rec.list(), "the finished reply is saved under the fallback title")

	s := h.engine.Snapshot()
	assert.NotEqual(t, before, s.LocalKey)
	require.Len(t, s.Messages, 1, "the new conversation is untouched")
	assert.Empty(t, s.Title)
	require.Len(t, s.Entries, 1)
	assert.Equal(t, domain.ConversationEntry{ID: 1, Title: "Hello", Timestamp: s.Entries[0].Timestamp}, s.Entries[0])
}

func TestRetrySavedAfterSwitchAddsEntry(t *testing.T) {
	h := newHarness(t)
	h.backend.failOn[1] = fmt.Errorf("%w: 503", domain.ErrBackendUnavailable)

	require.ErrorIs(t, h.engine.SendMessage(context.Background(), "Hello", nil), domain.ErrPersistence)
	assert.Empty(t, h.engine.Entries())

	require.NoError(t, h.engine.SelectConversation(context.Background(), 0))

	results, err := h.outbox.DrainAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	for _, res := range results {
		require.True(t, res.Saved())
		h.engine.ConversationSaved(res.LocalKey, res.ConversationID)
	}

	entries := h.engine.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, "Greeting Chat", entries[0].Title)

	s := h.engine.Snapshot()
	assert.Zero(t, s.ConversationID, "the active conversation is not affected")
	assert.False(t, s.Saved)

	h.engine.ConversationSaved(results[0].LocalKey, results[0].ConversationID)
	assert.Len(t, h.engine.Entries(), 1)
}
