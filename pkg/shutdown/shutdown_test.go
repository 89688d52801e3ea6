package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownOrder(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	for _, name := range []string{"store", "consumer", "http"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	assert.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "consumer", "store"}, order)
}

func TestShutdownJoinsErrorsAndRunsOnce(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")

	var calls int32
	m.Register("a", func(context.Context) error { atomic.AddInt32(&calls, 1); return boom })
	m.Register("b", func(context.Context) error { atomic.AddInt32(&calls, 1); return nil })

	err := m.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "a: boom")

	assert.ErrorIs(t, m.Shutdown(), boom)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWaitForJobs(t *testing.T) {
	var done atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	}()
	assert.NoError(t, WaitForJobs(done.Load, 5*time.Millisecond)(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := WaitForJobs(func() bool { return false }, time.Millisecond)(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
