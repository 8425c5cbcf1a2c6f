// Package mailbox implements the inter-function mailbox (C3): an
// asynchronous request/response channel over a fixed register window,
// carrying queue-resource requests, FLR coordination, and online/
// offline notifications between a physical function and its virtual
// functions.
//
// Grounded on spec.md 4.5 and qdma_mbox.h/qdma_mbox.c's tx_todo/
// rx_pending list pipeline, three-lock ordering (list, hw-tx, hw-rx),
// and all-zero stop sentinel. tx_todo and rx_pending are built on
// github.com/eapache/queue, the ring-buffer FIFO the pack's manifests
// show paired with exactly this kind of workqueue-backed pending list
// (DataDog-agent, grafana-tempo, and others carry it for the same
// "append work, drain from a single worker" shape).
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/ehrlich-b/qdmacore/internal/logging"
	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// DefaultTimeout is the mailbox's default per-message round-trip
// timeout (4.5: "default per-message round-trip timeout is 10
// seconds").
const DefaultTimeout = 10 * time.Second

var (
	// ErrMailboxBusy is returned by SendNow when the hardware send
	// slot is occupied; the caller should let the tx worker retry.
	ErrMailboxBusy = errors.New("mailbox: hardware send busy")
	// ErrTimeout is delivered to a pending send's wait channel when
	// its response does not arrive within the timeout.
	ErrTimeout = errors.New("mailbox: pipeline broken: response timed out")
	// ErrStopped is returned by Send once the remote end's all-zero
	// stop message has been observed.
	ErrStopped = errors.New("mailbox: remote end disabled")
)

// HWSend attempts to place one message into the hardware transmit
// slot, returning ErrMailboxBusy if occupied.
type HWSend func(msg wire.Message) error

// HWRecv drains one message from the hardware receive FIFO, returning
// ok=false if nothing is pending.
type HWRecv func() (wire.Message, bool)

// Handler composes a synchronous reply to a received request. Used
// for PF-side opcode dispatch.
type Handler func(req wire.Message) wire.Message

// pendingSend is one message routed through the send pipeline,
// tracked in tx_todo and then, if it awaits a reply, in rx_pending.
type pendingSend struct {
	msg          wire.Message
	waitResponse bool
	done         chan wire.Message
	errCh        chan error
	deadline     time.Time
	retries      int
	lastRetry    time.Time
}

// Mailbox is one device's mailbox instance. Received messages are
// correlated against rx_pending first, then dispatched to Handlers
// (populated on the PF side with the service handlers), then handed
// to Unsolicited (populated on the VF side with the PF-notification
// handler).
type Mailbox struct {
	FuncID uint16
	IsPF   bool

	Handlers    map[wire.Opcode]Handler
	Unsolicited func(msg wire.Message)

	send HWSend
	recv HWRecv

	listMu sync.Mutex
	txTodo *queue.Queue
	rxPend *queue.Queue

	hwTxMu sync.Mutex
	hwRxMu sync.Mutex

	stopped bool
	timeout time.Duration

	logger logging.Iface
}

// SetLogger installs an optional logger; nil disables logging (the
// default). Debug covers routine pump activity, Warn covers dropped
// fire-and-forget sends and expired round trips.
func (m *Mailbox) SetLogger(l logging.Iface) { m.logger = l }

// New constructs a Mailbox for funcID, wired to the given hardware
// send/receive primitives.
func New(funcID uint16, isPF bool, send HWSend, recv HWRecv) *Mailbox {
	return &Mailbox{
		FuncID:   funcID,
		IsPF:     isPF,
		Handlers: make(map[wire.Opcode]Handler),
		send:     send,
		recv:     recv,
		txTodo:   queue.New(),
		rxPend:   queue.New(),
		timeout:  DefaultTimeout,
	}
}

// SetTimeout overrides the default 10s round-trip timeout.
func (m *Mailbox) SetTimeout(d time.Duration) { m.timeout = d }

// Enqueue appends msg to tx_todo. If waitResponse, the first returned
// channel receives the correlated reply, or the second receives
// ErrTimeout from SweepTimeouts; neither channel is closed.
func (m *Mailbox) Enqueue(msg wire.Message, waitResponse bool) (<-chan wire.Message, <-chan error) {
	done := make(chan wire.Message, 1)
	errCh := make(chan error, 1)
	m.listMu.Lock()
	m.txTodo.Add(&pendingSend{msg: msg, waitResponse: waitResponse, done: done, errCh: errCh})
	m.listMu.Unlock()
	return done, errCh
}

// Send enqueues msg and, if waitResponse, blocks until a correlated
// reply arrives, ctx is cancelled, or the round-trip timeout expires.
// The caller's own goroutine (or a separate pump) must be driving
// PumpTx/PumpRx for this to make progress.
func (m *Mailbox) Send(ctx context.Context, msg wire.Message, waitResponse bool) (wire.Message, error) {
	if m.stopped {
		return wire.Message{}, ErrStopped
	}
	done, errCh := m.Enqueue(msg, waitResponse)
	if !waitResponse {
		return wire.Message{}, nil
	}
	select {
	case resp := <-done:
		return resp, nil
	case err := <-errCh:
		return wire.Message{}, err
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case <-time.After(m.timeout):
		return wire.Message{}, ErrTimeout
	}
}

// PumpTx pops one message from tx_todo and attempts a hardware send.
// On success it is removed from tx_todo; if it awaits a reply it
// moves onto rx_pending with a fresh deadline, otherwise it is
// dropped (fire-and-forget success). On ErrMailboxBusy the message is
// requeued, and its retry count decays per 4.5's "retry count decays
// once per second; after expiry the message is dropped" rule for
// fire-and-forget sends. Returns false if tx_todo was empty.
func (m *Mailbox) PumpTx(maxFireAndForgetRetries int) bool {
	m.listMu.Lock()
	if m.txTodo.Length() == 0 {
		m.listMu.Unlock()
		return false
	}
	ps := m.txTodo.Remove().(*pendingSend)
	m.listMu.Unlock()

	m.hwTxMu.Lock()
	err := m.send(ps.msg)
	m.hwTxMu.Unlock()

	if err != nil {
		if !ps.waitResponse {
			now := time.Now()
			if ps.lastRetry.IsZero() || now.Sub(ps.lastRetry) >= time.Second {
				ps.retries++
				ps.lastRetry = now
			}
			if ps.retries >= maxFireAndForgetRetries {
				if m.logger != nil {
					m.logger.Warnf("mailbox: dropping fire-and-forget opcode %d to func %d after %d retries", ps.msg.Opcode, ps.msg.DstFunc, ps.retries)
				}
				return true
			}
		}
		m.listMu.Lock()
		m.txTodo.Add(ps)
		m.listMu.Unlock()
		return true
	}

	if ps.waitResponse {
		ps.deadline = time.Now().Add(m.timeout)
		m.listMu.Lock()
		m.rxPend.Add(ps)
		m.listMu.Unlock()
	}
	return true
}

// PumpRx drains one message from the hardware receive FIFO and
// dispatches it: first by correlation against rx_pending, then by
// opcode through Handlers (composing a synchronous reply enqueued on
// tx_todo — the PF-side service dispatch), falling back to Unsolicited
// for anything that matches neither (the VF-side PF-notification
// path). Returns false if nothing was pending, and sets the stop flag
// on the all-zero sentinel message.
func (m *Mailbox) PumpRx() bool {
	m.hwRxMu.Lock()
	msg, ok := m.recv()
	m.hwRxMu.Unlock()
	if !ok {
		return false
	}

	if msg.IsStop() {
		m.stopped = true
		if m.logger != nil {
			m.logger.Infof("mailbox: func %d observed stop sentinel, disabling", m.FuncID)
		}
		return true
	}

	// Correlation runs first on both roles: a PF waiting out an FLR
	// round trip has entries on rx_pending just like a VF waiting on a
	// CSR read, and a reply must never be re-dispatched as a request.
	m.listMu.Lock()
	n := m.rxPend.Length()
	var matched *pendingSend
	for i := 0; i < n; i++ {
		ps := m.rxPend.Remove().(*pendingSend)
		if matched == nil && msg.MatchesRequest(ps.msg.Opcode, ps.msg.SrcFunc, ps.msg.DstFunc) {
			matched = ps
			continue
		}
		m.rxPend.Add(ps)
	}
	m.listMu.Unlock()

	if matched != nil {
		select {
		case matched.done <- msg:
		default:
		}
		return true
	}

	if h, ok := m.Handlers[msg.Opcode]; ok {
		reply := h(msg)
		m.listMu.Lock()
		m.txTodo.Add(&pendingSend{msg: reply})
		m.listMu.Unlock()
		return true
	}

	if m.Unsolicited != nil {
		m.Unsolicited(msg)
	}
	return true
}

// SweepTimeouts unlinks any rx_pending entries past their deadline and
// delivers ErrTimeout to their wait channel (4.5's timeout semantics).
func (m *Mailbox) SweepTimeouts(now time.Time) int {
	m.listMu.Lock()
	defer m.listMu.Unlock()

	n := m.rxPend.Length()
	expired := 0
	for i := 0; i < n; i++ {
		ps := m.rxPend.Remove().(*pendingSend)
		if now.After(ps.deadline) {
			select {
			case ps.errCh <- ErrTimeout:
			default:
			}
			if m.logger != nil {
				m.logger.Warnf("mailbox: func %d round trip to %d (opcode %d) timed out", m.FuncID, ps.msg.DstFunc, ps.msg.Opcode)
			}
			expired++
			continue
		}
		m.rxPend.Add(ps)
	}
	return expired
}

// Stopped reports whether the all-zero stop sentinel has been seen.
func (m *Mailbox) Stopped() bool { return m.stopped }

// TxTodoLen and RxPendingLen expose queue depths for diagnostics and
// tests.
func (m *Mailbox) TxTodoLen() int {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	return m.txTodo.Length()
}

func (m *Mailbox) RxPendingLen() int {
	m.listMu.Lock()
	defer m.listMu.Unlock()
	return m.rxPend.Length()
}
