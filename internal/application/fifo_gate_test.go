package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOGateHandsOverInArrivalOrder(t *testing.T) {
	var gate fifoGate
	ctx := context.Background()
	require.NoError(t, gate.acquire(ctx))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, gate.acquire(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			gate.release()
		}()
		// queue strictly one after the other
		require.Eventually(t, func() bool { return gate.waiting() == i+1 }, time.Second, time.Millisecond)
	}

	gate.release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestFIFOGateCanceledWaiterLeavesQueue(t *testing.T) {
	var gate fifoGate
	require.NoError(t, gate.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, gate.acquire(ctx), context.DeadlineExceeded)
	assert.Zero(t, gate.waiting())

	gate.release()
	require.NoError(t, gate.acquire(context.Background()))
	gate.release()
}
