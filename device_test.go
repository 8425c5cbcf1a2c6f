package qdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/qdmacore/internal/descq"
	"github.com/ehrlich-b/qdmacore/internal/wire"
	"github.com/ehrlich-b/qdmacore/internal/xdev"
)

func TestDefaultTestAttributesEnablesFullDataPath(t *testing.T) {
	attrs := DefaultTestAttributes()
	assert.True(t, attrs.MMEn)
	assert.True(t, attrs.STEn)
	assert.True(t, attrs.MMCmptEn)
	assert.True(t, attrs.MailboxEn)
}

func TestNewTestHarnessWiresPFAndVF(t *testing.T) {
	h, err := NewTestHarness(TotalQ, DefaultTestAttributes())
	require.NoError(t, err)
	assert.NotNil(t, h.PF)
	assert.NotNil(t, h.VF)
	assert.NotEqual(t, h.PF.FuncID, h.VF.FuncID)

	snap, err := h.Registry.Snapshot(h.DeviceIndex)
	require.NoError(t, err)
	assert.Len(t, snap.Functions, 2)
}

// End-to-end integration exercise replacing a bare root tests/
// directory: allocate queues from the resource manager through a
// device, add/start a memory-mapped H2C queue, submit a keyhole
// request through the real descq data path (spec.md §8 scenario 4),
// and confirm the metrics layer observes it.
func TestEndToEndKeyholeMMWriteThroughHarness(t *testing.T) {
	h, err := NewTestHarness(TotalQ, DefaultTestAttributes())
	require.NoError(t, err)

	qbase, err := h.Registry.UpdateFunction(h.DeviceIndex, h.PF.FuncID, 8, -1)
	require.NoError(t, err)

	cfg := descq.Config{
		QIdx:         qbase,
		Direction:    descq.DirH2C,
		Mode:         descq.ModeMM,
		DescRngSzIdx: 6,
		ApertureSize: 4096,
		PidxAcc:      DefaultPidxAcc,
	}
	qset := descq.NewQueueSet(true)
	q := descq.NewQueue(cfg, qset, h.DeviceIndex, h.PF.FuncID, h.Registry)
	require.NoError(t, q.Add())
	require.NoError(t, q.Start(int(DefaultDescRngSz[6]), 0))

	req := &descq.MMRequest{
		EPAddr:   0,
		ToDevice: true,
		SGList: []descq.SGEntry{
			{Addr: 0x1000, Len: 4096},
			{Addr: 0x2000, Len: 4096},
			{Addr: 0x3000, Len: 4096},
		},
	}
	descs := descq.ProcessMM(q.MMRing, req, q.Config)
	require.Len(t, descs, 3)
	for _, d := range descs {
		assert.EqualValues(t, 0, d.DstAddr)
		assert.EqualValues(t, 4096, d.FlagLen)
	}
	assert.True(t, descs[0].SOP)
	assert.True(t, descs[len(descs)-1].EOP)

	m := NewMetrics()
	m.RecordDescriptors(uint64(len(descs)), 0)
	m.RecordH2C(12288, true)
	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap.DescsSubmitted)
	assert.EqualValues(t, 12288, snap.H2CBytes)

	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Remove())
}

// pumpUntilDone drives both harness mailboxes until done yields a
// result or the deadline expires.
func pumpUntilDone(t *testing.T, h *TestHarness, done <-chan error) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out pumping harness mailboxes")
		}
		h.PumpMailboxes()
	}
}

func TestFLRRoundTripThroughMailbox(t *testing.T) {
	// Scenario #5 over the real mailbox pipeline: the VF announces
	// itself with hello, the PF runs FLR (reset-request/reset-bye,
	// hardware reset, reset-done/ack), and the VF ends back online.
	h, err := NewTestHarness(TotalQ, DefaultTestAttributes())
	require.NoError(t, err)
	require.NoError(t, h.VFDevice.Online())

	helloDone := make(chan error, 1)
	go func() {
		_, err := h.VF.Mailbox.Send(context.Background(),
			wire.Message{Opcode: wire.OpHello, SrcFunc: h.VF.FuncID, DstFunc: h.PF.FuncID}, true)
		helloDone <- err
	}()
	require.NoError(t, pumpUntilDone(t, h, helloDone))
	require.Equal(t, 1, h.PF.OnlineVFCount())

	var hwResetCalled bool
	flrDone := make(chan error, 1)
	go func() {
		flrDone <- h.PFDevice.RunFLR(context.Background(), func(context.Context) error {
			hwResetCalled = true
			return nil
		})
	}()
	require.NoError(t, pumpUntilDone(t, h, flrDone))

	assert.True(t, hwResetCalled)
	assert.Equal(t, 1, h.PF.OnlineVFCount())
	assert.Equal(t, xdev.StateOnline, h.VF.State)
	assert.False(t, h.PF.FlrCheck())
	assert.False(t, h.VF.FlrCheck())
}

func TestQueueLifecycleProgramsContext(t *testing.T) {
	h, err := NewTestHarness(TotalQ, DefaultTestAttributes())
	require.NoError(t, err)

	qbase, err := h.Registry.UpdateFunction(h.DeviceIndex, h.PF.FuncID, 8, -1)
	require.NoError(t, err)

	cfg := descq.Config{
		QIdx:         qbase,
		Direction:    descq.DirH2C,
		Mode:         descq.ModeMM,
		DescRngSzIdx: 6,
		PidxAcc:      DefaultPidxAcc,
	}
	q, err := h.PFDevice.AddQueue(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.PFDevice.StartQueue(ctx, q, 64, 0))

	qc, err := h.PFSim.ReadContext(ctx, qbase)
	require.NoError(t, err)
	assert.Equal(t, 6, qc.RngSzIdx)

	info := h.PFDevice.Info()
	assert.Equal(t, 1, info.QueueCount)
	assert.EqualValues(t, 1, info.ActiveQueues)

	require.NoError(t, h.PFDevice.StopQueue(ctx, q))
	qc, err = h.PFSim.ReadContext(ctx, qbase)
	require.NoError(t, err)
	assert.Zero(t, qc.RngSzIdx, "stop must clear the hardware context")

	require.NoError(t, h.PFDevice.RemoveQueue(q))
	assert.Zero(t, h.PFDevice.Info().QueueCount)
	assert.Zero(t, h.PFDevice.Info().ActiveQueues)
}

func TestDeviceInfoSnapshot(t *testing.T) {
	h, err := NewTestHarness(TotalQ, DefaultTestAttributes())
	require.NoError(t, err)

	info := h.PFDevice.Info()
	assert.True(t, info.IsPF)
	assert.Equal(t, h.PF.FuncID, info.FuncID)
	assert.Equal(t, xdev.StateOpen, info.State)
	assert.True(t, info.Capabilities.MMCmptEn)
	assert.Zero(t, info.QueueCount)
	assert.Zero(t, info.ActiveQueues)
}
