package descq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/qdmacore/internal/resource"
)

func newCounters(t *testing.T) (*resource.Registry, uint32) {
	r := resource.NewRegistry()
	dev, err := r.CreateMaster(0, 0, 0, 2048)
	require.NoError(t, err)
	require.NoError(t, r.CreateFunction(dev, 0))
	_, err = r.UpdateFunction(dev, 0, 64, -1)
	require.NoError(t, err)
	return r, dev
}

func TestStateMachineLifecycle(t *testing.T) {
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirH2C, Mode: ModeMM}, set, dev, 0, r)

	require.NoError(t, q.Add())
	assert.Equal(t, StateEnabled, q.State)

	require.NoError(t, q.Start(64, 64))
	assert.Equal(t, StateOnline, q.State)

	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, StateEnabled, q.State)

	require.NoError(t, q.Remove())
	assert.Equal(t, StateDisabled, q.State)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirH2C, Mode: ModeMM}, set, dev, 0, r)

	assert.ErrorIs(t, q.Start(64, 64), ErrIllegalTransition)
	assert.ErrorIs(t, q.Remove(), ErrIllegalTransition)

	require.NoError(t, q.Add())
	assert.ErrorIs(t, q.Stop(context.Background()), ErrIllegalTransition)
}

func TestCompatibilityRejection(t *testing.T) {
	// Scenario #6: an ST H2C queue at index 5 forbids an MM H2C at the
	// same index, but allows an ST C2H (which implicitly brings in a
	// companion CMPT counter once started).
	r, dev := newCounters(t)
	set := NewQueueSet(true)

	h2c := NewQueue(Config{QIdx: 5, Direction: DirH2C, Mode: ModeST}, set, dev, 0, r)
	require.NoError(t, h2c.Add())

	badNeighbor := NewQueue(Config{QIdx: 5, Direction: DirH2C, Mode: ModeMM}, set, dev, 0, r)
	assert.ErrorIs(t, badNeighbor.Add(), ErrIncompatibleNeighbor)

	c2h := NewQueue(Config{QIdx: 5, Direction: DirC2H, Mode: ModeST, C2HBufSzIdx: 5}, set, dev, 0, r)
	require.NoError(t, c2h.Add())
	require.NoError(t, c2h.Start(64, 64))

	cmptCount, err := r.GetFunctionActiveCount(dev, 0, resource.KindCMPT)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cmptCount)
}

func TestKeyholeMMWrite(t *testing.T) {
	// Scenario #4: aperture 4096, ep_addr=0, count=12288 across a
	// three-page sgl -> three 4096-byte descriptors, all with
	// ep_addr=0 on the device side but distinct host source addresses.
	ring := NewDescRing[MMDescriptor](16)
	req := &MMRequest{
		EPAddr:   0,
		ToDevice: true,
		SGList: []SGEntry{
			{Addr: 0x1000, Len: 4096},
			{Addr: 0x2000, Len: 4096},
			{Addr: 0x3000, Len: 4096},
		},
	}
	cfg := Config{ApertureSize: 4096}

	var all []MMDescriptor
	for req.Offset < 12288 {
		got := ProcessMM(ring, req, cfg)
		if len(got) == 0 {
			break
		}
		all = append(all, got...)
	}

	require.Len(t, all, 3)
	for _, d := range all {
		assert.EqualValues(t, 4096, d.FlagLen)
		assert.EqualValues(t, 0, d.DstAddr)
	}
	assert.Equal(t, uint64(0x1000), all[0].SrcAddr)
	assert.Equal(t, uint64(0x2000), all[1].SrcAddr)
	assert.Equal(t, uint64(0x3000), all[2].SrcAddr)
	assert.True(t, all[0].SOP)
	assert.True(t, all[2].EOP)
}

func TestStreamingC2HPacketReception(t *testing.T) {
	// Scenario #3: rngsz=64, c2h_bufsz=4096, a 10000-byte packet ->
	// three descriptors consumed (4096+4096+1808).
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirC2H, Mode: ModeST, C2HBufSzIdx: 5}, set, dev, 0, r)
	require.NoError(t, q.Add())
	require.NoError(t, q.Start(64, 64))

	entry := CmptEntry{Format: 0, Color: true, DescUsed: true, Length: 10000, EOT: true}
	*q.CmptRing.At(0) = entry

	var received []Packet
	consumed, descConsumed := ProcessSTC2H(&q.c2hState, q.CmptRing, q.FreeList, 4096, 8, func(p Packet) {
		received = append(received, p)
	})

	assert.False(t, q.c2hState.Err, "untouched ring entries must read stale, not invalid")
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 3, descConsumed)
	require.Len(t, received, 1)
	require.Len(t, received[0].Buffers, 3)
	assert.Len(t, received[0].Buffers[0].Data, 4096)
	assert.Len(t, received[0].Buffers[1].Data, 4096)
	assert.Len(t, received[0].Buffers[2].Data, 1808)
	assert.True(t, received[0].EOT)
}

func TestPingPongStampAndRecover(t *testing.T) {
	tr := &PingPongTracker{}
	tr.Stamp(7)

	lat, ok := tr.Recover(7)
	require.True(t, ok)
	assert.GreaterOrEqual(t, lat, time.Duration(0))
	assert.EqualValues(t, 1, tr.Samples)
	assert.Equal(t, tr.Min, tr.Max)
	assert.Equal(t, lat, tr.Total)

	// a slot recovers at most once.
	_, ok = tr.Recover(7)
	assert.False(t, ok)
	// a never-stamped slot does not recover.
	_, ok = tr.Recover(8)
	assert.False(t, ok)
}

func TestPingPongRecoveryThroughCompletionUpdate(t *testing.T) {
	// The H2C side stamps the first byte of a request; the C2H side
	// finds that byte echoed at the head of a received packet and
	// reports the round-trip latency through the observer.
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirC2H, Mode: ModeST, C2HBufSzIdx: 2, PidxAcc: 8, PingPongEn: true}, set, dev, 0, r)
	require.NoError(t, q.Add())
	require.NoError(t, q.Start(64, 64))

	tr := &PingPongTracker{}
	tr.Stamp(9)
	q.SetPingPongTracker(tr)
	var observed []time.Duration
	q.SetLatencyObserver(func(d time.Duration) { observed = append(observed, d) })

	// Emulate the device's DMA write: the echo lands in the next
	// buffer the free list will post, one bufsz past the slice we
	// hold (both alias the same page).
	head, err := q.FreeList.Pop()
	require.NoError(t, err)
	page := head.Data[:cap(head.Data)]
	page[q.FreeList.Sizing().Bufsz] = 9

	*q.CmptRing.At(0) = CmptEntry{Format: 0, Color: true, DescUsed: true, Length: 100, EOT: true}
	q.CompletionUpdate(context.Background())

	require.Len(t, observed, 1)
	assert.EqualValues(t, 1, tr.Samples)
}

func TestStickyErrorHaltsQueue(t *testing.T) {
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirH2C, Mode: ModeMM}, set, dev, 0, r)
	require.NoError(t, q.Add())
	require.NoError(t, q.Start(64, 64))

	assert.False(t, q.Halted())
	q.SetErr(ErrQueueHalted)
	assert.True(t, q.Halted())
	assert.ErrorIs(t, q.Err(), ErrQueueHalted)
}

func TestPidxCoalescingPolicy(t *testing.T) {
	assert.True(t, ShouldUpdatePidx(true, 100, 128, 8, 0))
	assert.True(t, ShouldUpdatePidx(false, 5, 128, 8, 0))
	assert.True(t, ShouldUpdatePidx(false, 100, 128, 8, 9))
	assert.False(t, ShouldUpdatePidx(false, 120, 128, 8, 2))
}

func TestPidxUpdateDueAfterDrain(t *testing.T) {
	r, dev := newCounters(t)
	set := NewQueueSet(true)
	q := NewQueue(Config{QIdx: 0, Direction: DirH2C, Mode: ModeMM, PidxAcc: 8, ApertureSize: 4096}, set, dev, 0, r)
	require.NoError(t, q.Add())
	require.NoError(t, q.Start(64, 0))

	// nothing produced yet: only a forced update is due.
	assert.False(t, q.PidxUpdateDue(false))
	assert.True(t, q.PidxUpdateDue(true))

	// four descriptors stay inside the coalescing window.
	req := &MMRequest{EPAddr: 0, ToDevice: true, SGList: []SGEntry{{Addr: 0x1000, Len: 4 * 4096}}}
	_, err := q.SubmitMM(req)
	require.NoError(t, err)
	q.DrainWorkList()
	assert.False(t, q.PidxUpdateDue(false))

	// eight more cross the pidx_acc threshold.
	req2 := &MMRequest{EPAddr: 0, ToDevice: true, SGList: []SGEntry{{Addr: 0x9000, Len: 8 * 4096}}}
	_, err = q.SubmitMM(req2)
	require.NoError(t, err)
	q.DrainWorkList()
	assert.True(t, q.PidxUpdateDue(false))

	// after the write is issued and the hardware catches up, the
	// policy goes quiet again.
	q.MarkPidxWritten()
	q.MMRing.AdvanceCidx(12)
	q.CompleteCredits(12)
	assert.False(t, q.PidxUpdateDue(false))
}

func TestApertureMustBePowerOfTwo(t *testing.T) {
	cfg := Config{ApertureSize: 3000}
	assert.ErrorIs(t, cfg.Validate(), ErrApertureNotPow2)
}
