package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	nextID    int64
	failOn    map[int]error // call index -> error
	callCount int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextID: 100, failOn: make(map[int]error)}
}

func (f *fakeBackend) fail() error {
	f.callCount++
	return f.failOn[f.callCount]
}

func (f *fakeBackend) CreateConversation(_ context.Context, title string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return 0, err
	}
	f.nextID++
	f.calls = append(f.calls, fmt.Sprintf("create(%s)=%d", title, f.nextID))
	return f.nextID, nil
}

func (f *fakeBackend) AppendMessage(_ context.Context, id int64, role domain.Role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.calls = append(f.calls, fmt.Sprintf("append(%d,%s,%s)", id, role, content))
	return nil
}

func (f *fakeBackend) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newExchange(key string, convID int64, user, bot string) *domain.PendingExchange {
	return &domain.PendingExchange{
		LocalKey:       key,
		ConversationID: convID,
		Title:          "Greeting",
		Messages: []domain.StoredMessage{
			{Role: domain.RoleUser, Content: user},
			{Role: domain.RoleAssistant, Content: bot},
		},
	}
}

func TestSubmitFirstExchangeCreatesThenAppends(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	ob := New(store.NewMemory(), backend)

	res, err := ob.Submit(context.Background(), newExchange("k1", 0, "Hello", "Hi!"))
	require.NoError(t, err)
	assert.True(t, res.Saved())
	assert.Equal(t, int64(101), res.ConversationID)
	assert.Equal(t, []string{
		"create(Greeting)=101",
		"append(101,user,Hello)",
		"append(101,assistant,Hi!)",
	}, backend.recorded())

	res, err = ob.Submit(context.Background(), newExchange("k1", 101, "More", "Sure"))
	require.NoError(t, err)
	assert.True(t, res.Saved())
	assert.Len(t, backend.recorded(), 5, "second exchange must not create a conversation")
}

func TestFailedAppendResumesWithoutRecreating(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.failOn[3] = domain.ErrBackendUnavailable // assistant append
	repo := store.NewMemory()
	ob := New(repo, backend)

	res, err := ob.Submit(context.Background(), newExchange("k1", 0, "Hello", "Hi!"))
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.False(t, res.Saved())
	assert.Equal(t, int64(101), res.ConversationID)
	assert.Equal(t, 1, res.Pending)

	pending, err := ob.Pending(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Appended)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, int64(101), pending[0].ConversationID)

	res, err = ob.Drain(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, res.Saved())
	assert.Equal(t, []string{
		"create(Greeting)=101",
		"append(101,user,Hello)",
		"append(101,assistant,Hi!)",
	}, backend.recorded())

	pending, _ = ob.Pending(context.Background(), "k1")
	assert.Empty(t, pending)
}

func TestFailedCreateKeepsLaterExchangesQueued(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.failOn[1] = errors.New("down")
	backend.failOn[2] = errors.New("down")
	ob := New(store.NewMemory(), backend)

	_, err := ob.Submit(context.Background(), newExchange("k1", 0, "one", "1"))
	require.Error(t, err)
	res, err := ob.Submit(context.Background(), newExchange("k1", 0, "two", "2"))
	require.Error(t, err)
	assert.Equal(t, 2, res.Pending)
	assert.Empty(t, backend.recorded())

	res, err = ob.Drain(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, res.Saved())
	assert.Equal(t, []string{
		"create(Greeting)=101",
		"append(101,user,one)",
		"append(101,assistant,1)",
		"append(101,user,two)",
		"append(101,assistant,2)",
	}, backend.recorded())
}

func TestDrainAllStopsOnAuthFailure(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	repo := store.NewMemory()
	ob := New(repo, backend)
	ctx := context.Background()
	require.NoError(t, repo.SaveExchange(ctx, &domain.PendingExchange{ID: "a", LocalKey: "k1", Title: "A", CreatedAt: time.Now()}))
	require.NoError(t, repo.SaveExchange(ctx, &domain.PendingExchange{ID: "b", LocalKey: "k2", Title: "B", CreatedAt: time.Now().Add(time.Millisecond)}))
	backend.failOn[1] = domain.ErrUnauthenticated

	results, err := ob.DrainAll(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Len(t, results, 1)
	assert.Empty(t, backend.recorded())
}

func TestRetryWorkerReportsSaved(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.failOn[1] = domain.ErrBackendUnavailable
	ob := New(store.NewMemory(), backend)

	_, err := ob.Submit(context.Background(), newExchange("k1", 0, "Hello", "Hi!"))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saved := make(chan int64, 1)
	ob.StartRetryWorker(ctx, 5*time.Millisecond, func(key string, id int64) {
		if key == "k1" {
			select {
			case saved <- id:
			default:
			}
		}
	})

	select {
	case id := <-saved:
		assert.Equal(t, int64(101), id)
	case <-time.After(2 * time.Second):
		t.Fatal("retry worker did not deliver the exchange")
	}
}

// failingJournal rejects writes while failSave is set.
type failingJournal struct {
	store.Repository
	mu       sync.Mutex
	failSave bool
}

func (j *failingJournal) setFailSave(v bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failSave = v
}

func (j *failingJournal) SaveExchange(ctx context.Context, ex *domain.PendingExchange) error {
	j.mu.Lock()
	fail := j.failSave
	j.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return j.Repository.SaveExchange(ctx, ex)
}

func TestUnjournaledExchangeWaitsForQueuedOnes(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	backend.failOn[1] = domain.ErrBackendUnavailable
	journal := &failingJournal{Repository: store.NewMemory()}
	ob := New(journal, backend)

	_, err := ob.Submit(context.Background(), newExchange("k1", 0, "Hello", "Hi!"))
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)

	journal.setFailSave(true)
	res, err := ob.Submit(context.Background(), newExchange("k1", 0, "More", "Sure"))
	require.Error(t, err, "the journal failure is still reported")
	assert.True(t, res.Saved())
	assert.Equal(t, []string{
		"create(Greeting)=101",
		"append(101,user,Hello)",
		"append(101,assistant,Hi!)",
		"append(101,user,More)",
		"append(101,assistant,Sure)",
	}, backend.recorded())

	journal.setFailSave(false)
	res, err = ob.Drain(context.Background(), "k1")
	require.NoError(t, err)
	assert.Zero(t, res.Pending)
	assert.Len(t, backend.recorded(), 5)
}
