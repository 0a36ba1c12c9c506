package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(3, 10, zap.NewNop())
	p.Start(ctx)

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) error {
			defer wg.Done()
			done.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), done.Load())

	cancel()
	p.Wait()
	assert.Eventually(t, func() bool {
		return errors.Is(p.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
	}, time.Second, 10*time.Millisecond)
}

func TestPool_RecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, 2, zap.NewNop())
	p.Start(ctx)

	ran := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) error { close(ran); return nil }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(1, 1, zap.NewNop())
	// Not started, so nothing drains the queue.
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrQueueFull)
	assert.Equal(t, 1, p.Len())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}}
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(7))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(1))
}

func TestRetryPolicy_Do(t *testing.T) {
	permanent := errors.New("permanent")
	transient := errors.New("transient")

	tests := []struct {
		name         string
		failures     []error
		wantAttempts int
		wantRetries  int
		wantErr      error
	}{
		{"first try", nil, 1, 0, nil},
		{"recovers", []error{transient, transient}, 3, 2, nil},
		{"exhausted", []error{transient, transient, transient, transient}, 3, 2, transient},
		{"not retryable", []error{permanent}, 1, 0, permanent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var retries []int
			p := RetryPolicy{
				MaxAttempts: 3,
				Backoff:     []time.Duration{time.Millisecond},
				Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
				OnRetry:     func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) },
			}
			calls := 0
			attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt <= len(tc.failures) {
					return tc.failures[attempt-1]
				}
				return nil
			})
			assert.Equal(t, tc.wantAttempts, attempts)
			assert.Equal(t, tc.wantAttempts, calls)
			assert.Len(t, retries, tc.wantRetries)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Hour}}

	attempts, err := p.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("fail")
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "fail")
}

func TestRetryPolicy_MaxElapsed(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{50 * time.Millisecond}, MaxElapsed: 10 * time.Millisecond}

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		time.Sleep(20 * time.Millisecond)
		return errors.New("fail")
	})
	assert.Equal(t, 1, attempts)
	assert.EqualError(t, err, "fail")
}
