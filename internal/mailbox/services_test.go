package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/qdmacore/internal/hw"
	"github.com/ehrlich-b/qdmacore/internal/hw/simhw"
	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// pumpUntil drives both ends until done() or the deadline.
func pumpUntil(t *testing.T, vf, pf *Mailbox, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out pumping mailboxes")
		}
		vf.PumpTx(5)
		pf.PumpRx()
		pf.PumpTx(5)
		vf.PumpRx()
	}
}

func newServicePair(t *testing.T) (*Mailbox, *Mailbox, *simhw.Sim) {
	t.Helper()
	vfSend, vfRecv, pfSend, pfRecv := wireLink()
	vf := New(1, false, vfSend, vfRecv)
	pf := New(0, true, pfSend, pfRecv)

	sim := simhw.New(hw.DeviceAttributes{MMEn: true, STEn: true})
	pf.RegisterPFServices(Services{
		Regs:        sim,
		Ctx:         sim,
		ActiveCount: func() (uint32, error) { return 7, nil },
	})
	return vf, pf, sim
}

func TestVFContextWriteReadRoundTrip(t *testing.T) {
	vf, pf, sim := newServicePair(t)
	client := NewVFClient(vf, 0)

	qc := hw.QueueContext{
		QID:          9,
		RingBaseAddr: 0x1_0000_2000,
		CmptBaseAddr: 0x2_0000_3000,
		RngSzIdx:     6,
		BufSzIdx:     5,
		Mode:         1,
		Direction:    1,
		ApertureSize: 4096,
		PidxAcc:      8,
		PingPongEn:   true,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- client.WriteContext(context.Background(), qc) }()
	pumpUntil(t, vf, pf, func() bool {
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})

	got, err := sim.ReadContext(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, qc, got)

	readCh := make(chan hw.QueueContext, 1)
	go func() {
		rc, err := client.ReadContext(context.Background(), 9)
		require.NoError(t, err)
		readCh <- rc
	}()
	var rc hw.QueueContext
	pumpUntil(t, vf, pf, func() bool {
		select {
		case rc = <-readCh:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, qc, rc)
}

func TestVFCSRAndRegListRead(t *testing.T) {
	vf, pf, sim := newServicePair(t)
	client := NewVFClient(vf, 0)

	require.NoError(t, sim.WriteReg(context.Background(), 0x100, 0xabcd))
	require.NoError(t, sim.WriteReg(context.Background(), 0x104, 0x1234))

	valCh := make(chan uint32, 1)
	go func() {
		v, err := client.ReadCSR(context.Background(), 0x100)
		require.NoError(t, err)
		valCh <- v
	}()
	var v uint32
	pumpUntil(t, vf, pf, func() bool {
		select {
		case v = <-valCh:
			return true
		default:
			return false
		}
	})
	assert.EqualValues(t, 0xabcd, v)

	listCh := make(chan []uint32, 1)
	go func() {
		vals, err := client.ReadRegList(context.Background(), 0x100, 2)
		require.NoError(t, err)
		listCh <- vals
	}()
	var vals []uint32
	pumpUntil(t, vf, pf, func() bool {
		select {
		case vals = <-listCh:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, []uint32{0xabcd, 0x1234}, vals)
}

func TestVFActiveQueueCountQuery(t *testing.T) {
	vf, pf, _ := newServicePair(t)
	client := NewVFClient(vf, 0)

	cntCh := make(chan uint32, 1)
	go func() {
		n, err := client.ActiveQueueCount(context.Background())
		require.NoError(t, err)
		cntCh <- n
	}()
	var n uint32
	pumpUntil(t, vf, pf, func() bool {
		select {
		case n = <-cntCh:
			return true
		default:
			return false
		}
	})
	assert.EqualValues(t, 7, n)
}

func TestVFFmapProgramming(t *testing.T) {
	vf, pf, sim := newServicePair(t)
	client := NewVFClient(vf, 0)

	errCh := make(chan error, 1)
	go func() { errCh <- client.ProgramFmap(context.Background(), 1, 64, 32) }()
	pumpUntil(t, vf, pf, func() bool {
		select {
		case err := <-errCh:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})

	// the PF handler programs the fmap for the requesting function.
	qbase, err := sim.ReadReg(context.Background(), 0xf000+1*8)
	require.NoError(t, err)
	assert.EqualValues(t, 64, qbase)
}

func TestContextPayloadCodecRoundTrip(t *testing.T) {
	qc := hw.QueueContext{
		QID:          2047,
		RingBaseAddr: 0xdead_beef_cafe_f000,
		CmptBaseAddr: 0x0123_4567_89ab_c000,
		RngSzIdx:     15,
		CmplRngSzIdx: 3,
		BufSzIdx:     7,
		Mode:         1,
		Direction:    2,
		ApertureSize: 1 << 28,
		PidxAcc:      64,
		TrigMode:     5,
		TimerIdx:     11,
		CntThIdx:     13,
		PingPongEn:   true,
		CmptEnIntr:   true,
	}
	var p [wire.PayloadRegs]uint32
	encodeQueueContext(qc, &p)
	assert.Equal(t, qc, decodeQueueContext(&p))
}
