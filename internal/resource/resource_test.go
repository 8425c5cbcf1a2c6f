package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMasterIdempotentKey(t *testing.T) {
	r := NewRegistry()
	idx1, err := r.CreateMaster(0, 0, 0, 2048)
	require.NoError(t, err)

	idx2, err := r.CreateMaster(0, 0, 0, 2048)
	assert.ErrorIs(t, err, ErrResourceExists)
	assert.Equal(t, idx1, idx2)
}

func TestAllocationAndCoalescing(t *testing.T) {
	// Scenario #1: allocate three functions out of a 2048-entry pool,
	// free the middle one, then free the others and confirm the free
	// list coalesces back into a single contiguous range (I-R2).
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 2048)
	require.NoError(t, err)

	for _, f := range []uint16{0, 1, 2} {
		require.NoError(t, r.CreateFunction(dev, f))
	}

	qb0, err := r.UpdateFunction(dev, 0, 64, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, qb0)

	qb1, err := r.UpdateFunction(dev, 1, 128, -1)
	require.NoError(t, err)
	assert.Equal(t, 64, qb1)

	qb2, err := r.UpdateFunction(dev, 2, 32, -1)
	require.NoError(t, err)
	assert.Equal(t, 192, qb2)

	// free the middle function; free list should now hold a hole at
	// [64,192) plus the remainder above 224.
	_, err = r.UpdateFunction(dev, 1, 0, -1)
	require.NoError(t, err)

	snap, err := r.Snapshot(dev)
	require.NoError(t, err)
	assert.Len(t, snap.FreeList, 2)

	// free the remaining two; the whole pool should coalesce to one
	// contiguous free range.
	_, err = r.UpdateFunction(dev, 0, 0, -1)
	require.NoError(t, err)
	_, err = r.UpdateFunction(dev, 2, 0, -1)
	require.NoError(t, err)

	snap, err = r.Snapshot(dev)
	require.NoError(t, err)
	require.Len(t, snap.FreeList, 1)
	assert.Equal(t, Range{QBase: 0, TotalQ: 2048}, snap.FreeList[0])
}

func TestBestFitAfterFreeing(t *testing.T) {
	// Two functions take [0,64) and [64,128); freeing the first leaves
	// a 64-wide hole, and a later 128-wide request must land best-fit
	// in the 128-wide tail at [128,256) rather than failing or
	// fragmenting.
	r := NewRegistry()
	dev, err := r.CreateMaster(0x10, 0x10, 0, 256)
	require.NoError(t, err)

	require.NoError(t, r.CreateFunction(dev, 0))
	qb, err := r.UpdateFunction(dev, 0, 64, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, qb)

	require.NoError(t, r.CreateFunction(dev, 1))
	qb, err = r.UpdateFunction(dev, 1, 64, -1)
	require.NoError(t, err)
	assert.Equal(t, 64, qb)

	require.NoError(t, r.DestroyFunction(dev, 0))

	require.NoError(t, r.CreateFunction(dev, 2))
	qb, err = r.UpdateFunction(dev, 2, 128, -1)
	require.NoError(t, err)
	assert.Equal(t, 128, qb)

	snap, err := r.Snapshot(dev)
	require.NoError(t, err)
	assert.Equal(t, []Range{{QBase: 0, TotalQ: 64}}, snap.FreeList)
}

func TestHintedAllocationWithSplit(t *testing.T) {
	// Scenario #2: a hinted allocation lands inside a larger free
	// range and splits it on both sides.
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 1024)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 5))

	qbase, err := r.UpdateFunction(dev, 5, 16, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, qbase)

	snap, err := r.Snapshot(dev)
	require.NoError(t, err)
	require.Len(t, snap.FreeList, 2)
	assert.Equal(t, Range{QBase: 0, TotalQ: 100}, snap.FreeList[0])
	assert.Equal(t, Range{QBase: 116, TotalQ: 1024 - 116}, snap.FreeList[1])
}

func TestBestFitPrefersEarliestEqualSizeMatch(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 48)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 1))
	require.NoError(t, r.CreateFunction(dev, 2))
	require.NoError(t, r.CreateFunction(dev, 3))

	// in a 48-queue pool, functions 1 and 2 take [0,16) and [16,32),
	// leaving the 16-wide tail [32,48) free.
	qb1, err := r.UpdateFunction(dev, 1, 16, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, qb1)

	_, err = r.UpdateFunction(dev, 2, 16, -1)
	require.NoError(t, err)

	// freeing function 1 leaves two equal holes of 16, [0,16) and
	// [32,48), separated by function 2's block; a request for 16 more
	// must choose the earlier hole.
	_, err = r.UpdateFunction(dev, 1, 0, -1)
	require.NoError(t, err)

	qb3, err := r.UpdateFunction(dev, 3, 16, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, qb3, "earliest equal-size free range should win ties")
}

func TestUpdateFunctionRejectedWhileActive(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 64)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 8, -1)
	require.NoError(t, err)

	require.NoError(t, r.IncrementActive(dev, 0, KindH2C))

	_, err = r.UpdateFunction(dev, 0, 16, -1)
	assert.ErrorIs(t, err, ErrQmaxConfRejected)
}

func TestNoQueuesLeftRestoresPriorAssignment(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 32)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	require.NoError(t, r.CreateFunction(dev, 1))

	qb0, err := r.UpdateFunction(dev, 0, 32, -1)
	require.NoError(t, err)
	assert.Equal(t, 0, qb0)

	// function 1 asks for more than is left; should fail and function
	// 0's assignment must be untouched.
	_, err = r.UpdateFunction(dev, 1, 1, -1)
	assert.ErrorIs(t, err, ErrNoQueuesLeft)

	snap, err := r.Snapshot(dev)
	require.NoError(t, err)
	for _, fn := range snap.Functions {
		if fn.FuncID == 0 {
			assert.Equal(t, Range{QBase: 0, TotalQ: 32}, fn.Assigned)
		}
	}
}

func TestQueueInRange(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 64)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 8, -1)
	require.NoError(t, err)

	assert.True(t, r.QueueInRange(dev, 0, 0))
	assert.True(t, r.QueueInRange(dev, 0, 7))
	assert.False(t, r.QueueInRange(dev, 0, 8))
}

func TestIncrementDecrementActiveIsNoopPair(t *testing.T) {
	// P-R3: increment followed by decrement on the same kind is a
	// no-op on the device active count, even when called on an
	// already-zero counter.
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 16)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 4, -1)
	require.NoError(t, err)

	require.NoError(t, r.DecrementActive(dev, 0, KindH2C))
	cnt, err := r.GetActiveCount(dev)
	require.NoError(t, err)
	assert.Zero(t, cnt)

	require.NoError(t, r.IncrementActive(dev, 0, KindH2C))
	require.NoError(t, r.DecrementActive(dev, 0, KindH2C))
	cnt, err = r.GetActiveCount(dev)
	require.NoError(t, err)
	assert.Zero(t, cnt)
}

func TestIncrementActiveRespectsAssignedBudget(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 16)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 2, -1)
	require.NoError(t, err)

	require.NoError(t, r.IncrementActive(dev, 0, KindH2C))
	require.NoError(t, r.IncrementActive(dev, 0, KindC2H))
	err = r.IncrementActive(dev, 0, KindCMPT)
	assert.ErrorIs(t, err, ErrNoQueuesLeft)
}

func TestDestroyFunctionReturnsRangeToFreeList(t *testing.T) {
	r := NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 16)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 16, -1)
	require.NoError(t, err)

	require.NoError(t, r.DestroyFunction(dev, 0))

	snap, err := r.Snapshot(dev)
	require.NoError(t, err)
	require.Len(t, snap.FreeList, 1)
	assert.Equal(t, Range{QBase: 0, TotalQ: 16}, snap.FreeList[0])
	assert.Empty(t, snap.Functions)
}

func TestNoDeviceAndNoFunctionErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.UpdateFunction(99, 0, 1, -1)
	assert.ErrorIs(t, err, ErrNoDevice)

	dev, err := r.CreateMaster(0, 0, 0, 16)
	require.NoError(t, err)
	_, err = r.UpdateFunction(dev, 7, 1, -1)
	assert.ErrorIs(t, err, ErrNoFunction)

	err = r.CreateFunction(dev, 1)
	require.NoError(t, err)
	err = r.CreateFunction(dev, 1)
	assert.ErrorIs(t, err, ErrFunctionExists)
}
