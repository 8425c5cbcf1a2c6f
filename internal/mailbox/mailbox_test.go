package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// wireLink connects a VF-side mailbox to a PF-side mailbox through two
// plain channels, standing in for the hardware tx/rx slots.
func wireLink() (vfSend HWSend, vfRecv HWRecv, pfSend HWSend, pfRecv HWRecv) {
	vfToPf := make(chan wire.Message, 16)
	pfToVf := make(chan wire.Message, 16)

	vfSend = func(msg wire.Message) error { vfToPf <- msg; return nil }
	pfRecv = func() (wire.Message, bool) {
		select {
		case m := <-vfToPf:
			return m, true
		default:
			return wire.Message{}, false
		}
	}
	pfSend = func(msg wire.Message) error { pfToVf <- msg; return nil }
	vfRecv = func() (wire.Message, bool) {
		select {
		case m := <-pfToVf:
			return m, true
		default:
			return wire.Message{}, false
		}
	}
	return
}

func TestSendReceiveCorrelatedRoundTrip(t *testing.T) {
	vfSend, vfRecv, pfSend, pfRecv := wireLink()
	vf := New(1, false, vfSend, vfRecv)
	pf := New(0, true, pfSend, pfRecv)

	present := map[int]bool{}
	vfTable := NewVFTable()
	pf.RegisterIdempotentDefaults(vfTable,
		func(funcID uint16, qidx int) bool { return present[qidx] },
		func(funcID uint16, qidx int) error { present[qidx] = true; return nil },
		func(funcID uint16, qidx int) error { delete(present, qidx); return nil },
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req := wire.Message{Opcode: wire.OpQAddNotify, SrcFunc: 1, DstFunc: 0}
	req.Payload[0] = 7

	resultCh := make(chan wire.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := vf.Send(ctx, req, true)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	require.Eventually(t, func() bool { return vf.PumpTx(5) || vf.TxTodoLen() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return pf.PumpRx() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return pf.PumpTx(5) || pf.TxTodoLen() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return vf.PumpRx() }, time.Second, time.Millisecond)

	select {
	case resp := <-resultCh:
		assert.Equal(t, wire.OpQAddNotifyResp, resp.Opcode)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for round trip")
	}
	assert.True(t, present[7])
}

func TestDuplicateVFOnlineIsIdempotent(t *testing.T) {
	// P-M1: duplicate VF_ONLINE (hello) messages leave the PF's VF
	// table in the same state as a single one.
	vfTable := NewVFTable()
	pf := New(0, true, func(wire.Message) error { return nil }, func() (wire.Message, bool) { return wire.Message{}, false })
	pf.RegisterIdempotentDefaults(vfTable, func(uint16, int) bool { return false }, func(uint16, int) error { return nil }, func(uint16, int) error { return nil })

	h := pf.Handlers[wire.OpHello]
	h(wire.Message{Opcode: wire.OpHello, SrcFunc: 3})
	h(wire.Message{Opcode: wire.OpHello, SrcFunc: 3})

	assert.Equal(t, 1, vfTable.OnlineCount())
	assert.True(t, vfTable.IsOnline(3))
}

func TestAtMostOneResponseMatchesCorrelator(t *testing.T) {
	// P-M2: a request with correlator C receives at most one response
	// matching C -- a second reply with the same opcode/function pair
	// arriving after the first has already been matched and removed
	// from rx_pending must fall through to Unsolicited, not re-deliver.
	vfSend, vfRecv, _, _ := wireLink()
	vf := New(1, false, vfSend, vfRecv)

	done, errCh := vf.Enqueue(wire.Message{Opcode: wire.OpHello, SrcFunc: 1, DstFunc: 0}, true)
	require.True(t, vf.PumpTx(5))

	var unsolicitedCount int
	vf.Unsolicited = func(wire.Message) { unsolicitedCount++ }

	reply := wire.Message{Opcode: wire.OpHelloResp, SrcFunc: 0, DstFunc: 1}
	vf.recv = func() (wire.Message, bool) { return reply, true }
	require.True(t, vf.PumpRx())

	select {
	case <-done:
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	default:
		t.Fatal("expected first response to be delivered")
	}

	// a second, duplicate reply now has nothing left in rx_pending to
	// match, so it must be treated as unsolicited.
	require.True(t, vf.PumpRx())
	assert.Equal(t, 1, unsolicitedCount)
}

func TestTimeoutSweepDeliversError(t *testing.T) {
	vf := New(1, false, func(wire.Message) error { return nil }, func() (wire.Message, bool) { return wire.Message{}, false })
	vf.SetTimeout(time.Millisecond)

	_, errCh := vf.Enqueue(wire.Message{Opcode: wire.OpHello, SrcFunc: 1, DstFunc: 0}, true)
	require.True(t, vf.PumpTx(5))

	time.Sleep(5 * time.Millisecond)
	n := vf.SweepTimeouts(time.Now())
	assert.Equal(t, 1, n)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	default:
		t.Fatal("expected timeout error")
	}
}

func TestStopSentinelStopsReceiveLoop(t *testing.T) {
	vf := New(1, false, func(wire.Message) error { return nil }, func() (wire.Message, bool) { return wire.Message{}, true })
	assert.True(t, vf.PumpRx())
	assert.True(t, vf.Stopped())
}
