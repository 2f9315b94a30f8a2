package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OrderAndSpacing(t *testing.T) {
	const (
		n        = 8
		interval = 25 * time.Millisecond
	)
	q := New(Options{MinInterval: interval})
	defer q.Close(context.Background())

	var (
		mu      sync.Mutex
		order   []int
		starts  []time.Time
		tickets = make([]*Ticket, n)
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := q.Enqueue(context.Background(), Task{
				Label: "t",
				Run: func(ctx context.Context) (any, error) {
					at, ok := StartedAt(ctx)
					assert.True(t, ok)
					mu.Lock()
					order = append(order, i)
					starts = append(starts, at)
					mu.Unlock()
					return i, nil
				},
			})
			assert.NoError(t, err)
			tickets[i] = tk
		}(i)
	}
	wg.Wait()
	require.NoError(t, q.Flush(context.Background()))

	require.Len(t, order, n)
	for k := 1; k < n; k++ {
		prev, cur := tickets[order[k-1]].Seq, tickets[order[k]].Seq
		assert.Less(t, prev, cur, "tasks ran out of submission order")
		gap := starts[k].Sub(starts[k-1])
		assert.GreaterOrEqual(t, gap, interval-time.Millisecond, "start %d followed %d too closely", k, k-1)
	}
	for i, tk := range tickets {
		r := <-tk.Done()
		assert.Equal(t, i, r.Value)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestQueue_RetriesThenDeadLetters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letter.ndjson")
	dl, err := OpenDeadLetter(path)
	require.NoError(t, err)
	defer dl.Close()

	q := New(Options{MaxAttempts: 3, DeadLetter: dl})
	defer q.Close(context.Background())

	var calls atomic.Int32
	boom := errors.New("503 from upstream")
	tk, err := q.Enqueue(context.Background(), Task{
		Label: "award",
		Attrs: map[string]string{"email": "taro@example.com", "xp": "50"},
		Run: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, boom
		},
	})
	require.NoError(t, err)
	res, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	entries, err := ReadDeadLetters(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "award", entries[0].Label)
	assert.Equal(t, "taro@example.com", entries[0].Attrs["email"])
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestQueue_RetrySucceeds(t *testing.T) {
	q := New(Options{MaxAttempts: 2})
	defer q.Close(context.Background())

	var calls atomic.Int32
	got := q.SafeDispatch(context.Background(), Task{Label: "flaky", Run: func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return "ok", nil
	}})
	assert.Equal(t, "ok", got)
}

func TestSafeDispatch_SwallowsFailuresAndPanics(t *testing.T) {
	q := New(Options{})
	defer q.Close(context.Background())

	assert.Nil(t, q.SafeDispatch(context.Background(), Task{Label: "err", Run: func(context.Context) (any, error) {
		return "partial", errors.New("bad request")
	}}))
	assert.Nil(t, q.SafeDispatch(context.Background(), Task{Label: "panic", Run: func(context.Context) (any, error) {
		panic("nil map")
	}}))
	// The worker survived both.
	assert.Equal(t, 7, q.SafeDispatch(context.Background(), Task{Label: "ok", Run: func(context.Context) (any, error) {
		return 7, nil
	}}))
}

func TestQueue_ClosedRejects(t *testing.T) {
	q := New(Options{})
	require.NoError(t, q.Close(context.Background()))
	_, err := q.Enqueue(context.Background(), Task{Label: "late", Run: func(context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Flush(context.Background()), ErrClosed)
	assert.Nil(t, q.Submit(context.Background(), Task{Label: "late", Run: func(context.Context) (any, error) { return nil, nil }}))
}

func TestQueue_CloseDeadlineDeadLettersBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letter.ndjson")
	dl, err := OpenDeadLetter(path)
	require.NoError(t, err)
	defer dl.Close()

	q := New(Options{MinInterval: 200 * time.Millisecond, DeadLetter: dl})
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), Task{Label: "award", Run: func(context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	entries, err := ReadDeadLetters(path)
	require.NoError(t, err)
	assert.Equal(t, 5, int(ran.Load())+len(entries), "every task either ran or was dead-lettered")
	assert.NotEmpty(t, entries)
}

func TestQueue_RejectsNilRun(t *testing.T) {
	q := New(Options{})
	defer q.Close(context.Background())
	_, err := q.Enqueue(context.Background(), Task{Label: "empty"})
	assert.Error(t, err)
}
