package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	d := New(context.Background(), 2, quietLogger())
	defer d.Close()
	a, err := d.Enqueue("doc-parse", map[string]any{"path": "a.md"})
	require.NoError(t, err)
	b, err := d.Enqueue("doc-parse", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.Equal(t, "a.md", a.Payload["path"])
}

func TestConcurrencyIsBounded(t *testing.T) {
	d := New(context.Background(), 2, quietLogger())
	defer d.Close()

	var running, peak int32
	d.OnProcess(func(context.Context, domain.Task) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	for i := 0; i < 8; i++ {
		_, err := d.Enqueue("heartbeat", nil)
		require.NoError(t, err)
	}
	d.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestTasksStartInFIFOOrder(t *testing.T) {
	d := New(context.Background(), 1, quietLogger())
	defer d.Close()

	var mu sync.Mutex
	var started []string
	d.OnProcess(func(_ context.Context, tk domain.Task) error {
		mu.Lock()
		started = append(started, tk.Payload["n"].(string))
		mu.Unlock()
		return nil
	})
	var want []string
	for i := 0; i < 10; i++ {
		n := fmt.Sprint(i)
		want = append(want, n)
		_, err := d.Enqueue("heartbeat", map[string]any{"n": n})
		require.NoError(t, err)
	}
	d.Wait()
	assert.Equal(t, want, started)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := New(context.Background(), 2, quietLogger())
	defer d.Close()

	var mu sync.Mutex
	calls := map[string][]int{}
	for i := 0; i < 3; i++ {
		i := i
		d.OnProcess(func(_ context.Context, tk domain.Task) error {
			time.Sleep(time.Duration(3-i) * time.Millisecond)
			mu.Lock()
			calls[tk.ID] = append(calls[tk.ID], i)
			mu.Unlock()
			return nil
		})
	}
	for i := 0; i < 4; i++ {
		_, err := d.Enqueue("heartbeat", nil)
		require.NoError(t, err)
	}
	d.Wait()
	require.Len(t, calls, 4)
	for _, seq := range calls {
		assert.Equal(t, []int{0, 1, 2}, seq)
	}
}

func TestFailingHandlerDoesNotStopDispatcher(t *testing.T) {
	d := New(context.Background(), 2, quietLogger())
	defer d.Close()

	var done int32
	d.OnProcess(func(_ context.Context, tk domain.Task) error {
		switch tk.Payload["mode"] {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("handler error")
		}
		return nil
	})
	d.OnProcess(func(context.Context, domain.Task) error {
		atomic.AddInt32(&done, 1)
		return nil
	})
	for _, mode := range []string{"panic", "error", "ok", "ok"} {
		_, err := d.Enqueue("heartbeat", map[string]any{"mode": mode})
		require.NoError(t, err)
	}
	d.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&done))
}

func TestCloseDrainsAndRejects(t *testing.T) {
	d := New(context.Background(), 1, quietLogger())
	var n int32
	d.OnProcess(func(context.Context, domain.Task) error {
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&n, 1)
		return nil
	})
	for i := 0; i < 5; i++ {
		_, err := d.Enqueue("heartbeat", nil)
		require.NoError(t, err)
	}
	d.Close()
	assert.Equal(t, int32(5), atomic.LoadInt32(&n))
	_, err := d.Enqueue("heartbeat", nil)
	assert.True(t, errors.Is(err, ErrClosed))
}
