package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterUpdater struct {
	n int32
}

func (c *counterUpdater) CompletionUpdate(context.Context) {
	atomic.AddInt32(&c.n, 1)
}

func TestLeastLoadedAssignment(t *testing.T) {
	p := NewPool([]int{0, 1})
	a := &counterUpdater{}
	b := &counterUpdater{}
	c := &counterUpdater{}

	idxA := p.Assign(a)
	idxB := p.Assign(b)
	idxC := p.Assign(c)

	assert.NotEqual(t, idxA, idxB, "first two assignments should land on different threads")
	// after a and b each have one item the loads tie and the tie goes
	// to thread 0, so the loads are 2 and 1 and sum to 3.
	loads := []int{p.ThreadLoad(0), p.ThreadLoad(1)}
	assert.Equal(t, 3, loads[0]+loads[1])
	_ = idxC
}

func TestUnassignRemovesFromThread(t *testing.T) {
	p := NewPool([]int{0})
	a := &counterUpdater{}
	p.Assign(a)
	assert.Equal(t, 1, p.ThreadLoad(0))

	p.Unassign(a)
	assert.Equal(t, 0, p.ThreadLoad(0))
}

func TestThreadLoopServicesAssignedItems(t *testing.T) {
	p := NewPool([]int{0})
	p.tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	a := &counterUpdater{}
	p.Assign(a)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&a.n) > 0
	}, time.Second, time.Millisecond)
}
