package taskpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

func TestPool_ProcessesAllSubmittedTasks(t *testing.T) {
	var tb tomb.Tomb
	var processed int64
	var wg sync.WaitGroup
	wg.Add(5)

	pool := New(2, 0)
	tb.Go(func() error {
		pool.Setup(&tb, func(t *tomb.Tomb, task any) error {
			atomic.AddInt64(&processed, 1)
			wg.Done()
			return nil
		})
		return nil
	})

	for i := 0; i < 5; i++ {
		pool.Submit(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to process")
	}

	tb.Kill(nil)
	_ = tb.Wait()
	assert.Equal(t, int64(5), atomic.LoadInt64(&processed))
}

func TestPool_StopsOnTombKill(t *testing.T) {
	var tb tomb.Tomb
	pool := New(1, 0)
	started := make(chan struct{})
	tb.Go(func() error {
		pool.Setup(&tb, func(t *tomb.Tomb, task any) error {
			close(started)
			<-t.Dying()
			return nil
		})
		return nil
	})

	pool.Submit("task")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	tb.Kill(nil)
	require.NoError(t, tb.Wait())
}
