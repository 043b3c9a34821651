package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderChunkBoundaries(t *testing.T) {
	t.Parallel()

	text := "héllo wörld, 你好 🌍!"
	raw := []byte(text)

	for size := 1; size <= len(raw); size++ {
		var d Decoder
		var sb strings.Builder
		for i := 0; i < len(raw); i += size {
			end := min(i+size, len(raw))
			sb.WriteString(d.Decode(raw[i:end]))
		}
		sb.WriteString(d.Flush())
		require.Equal(t, text, sb.String(), "chunk size %d", size)
	}
}

func TestDecoderHoldsIncompleteRune(t *testing.T) {
	t.Parallel()

	var d Decoder
	euro := []byte("€")
	assert.Equal(t, "a", d.Decode(append([]byte("a"), euro[:2]...)))
	assert.Equal(t, "€b", d.Decode(append(euro[2:], 'b')))
	assert.Empty(t, d.Flush())
}

type slowBody struct {
	chunks []string
	delay  time.Duration
	closed chan struct{}
	once   sync.Once
}

func newSlowBody(delay time.Duration, chunks ...string) *slowBody {
	return &slowBody{chunks: chunks, delay: delay, closed: make(chan struct{})}
}

func (b *slowBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	select {
	case <-time.After(b.delay):
	case <-b.closed:
		return 0, errors.New("read on closed body")
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *slowBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestReadDeliversChunksInOrder(t *testing.T) {
	t.Parallel()

	body := newSlowBody(time.Millisecond, "a", "bc", "def")
	var got []string
	n, err := Read(context.Background(), body, time.Second, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, []string{"a", "bc", "def"}, got)
}

func TestReadIdleTimeout(t *testing.T) {
	t.Parallel()

	body := newSlowBody(time.Second, "late")
	_, err := Read(context.Background(), body, 20*time.Millisecond, func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrIdleTimeout)
}

func TestReadContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	body := newSlowBody(time.Second, "late")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Read(ctx, body, 0, func([]byte) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadCallbackError(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	body := io.NopCloser(strings.NewReader("abc"))
	_, err := Read(context.Background(), body, time.Second, func([]byte) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestReadEmptyBody(t *testing.T) {
	t.Parallel()

	n, err := Read(context.Background(), io.NopCloser(strings.NewReader("")), time.Second, func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadSlowCallbackIsNotIdle(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("a"))
		_, _ = pw.Write([]byte("b"))
		_ = pw.Close()
	}()

	var sb strings.Builder
	n, err := Read(context.Background(), pr, 30*time.Millisecond, func(p []byte) error {
		sb.Write(p)
		// A slow consumer, e.g. a client draining a relayed stream.
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "ab", sb.String())
}
