package descq

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/qdmacore/internal/dlist"
	"github.com/ehrlich-b/qdmacore/internal/flq"
	"github.com/ehrlich-b/qdmacore/internal/logging"
	"github.com/ehrlich-b/qdmacore/internal/resource"
)

// ActiveCounter is the slice of the resource manager a Queue needs:
// incrementing/decrementing its function's active-queue counters on
// start/remove (4.3.1).
type ActiveCounter interface {
	IncrementActive(deviceIndex uint32, funcID uint16, kind resource.QueueKind) error
	DecrementActive(deviceIndex uint32, funcID uint16, kind resource.QueueKind) error
}

func kindFor(dir Direction) resource.QueueKind {
	switch dir {
	case DirH2C:
		return resource.KindH2C
	case DirC2H:
		return resource.KindC2H
	default:
		return resource.KindCMPT
	}
}

// Queue is one descriptor queue: configuration, lifecycle state,
// descriptor/completion rings, free list, and its work/pending request
// lists. One mutex per queue guards all of it (the spec's per-descq
// spinlock); exported entry points take it, so submitters and the
// completion worker can run concurrently. OnPacket and the latency
// observer are invoked with the lock held and must not call back into
// the Queue.
type Queue struct {
	mu sync.Mutex

	Config      Config
	State       State
	deviceIndex uint32
	funcID      uint16
	counters    ActiveCounter
	set         *QueueSet

	MMRing    *DescRing[MMDescriptor]
	STH2CRing *DescRing[STH2CDescriptor]
	CmptRing  *DescRing[CmptEntry]
	FreeList  *flq.FreeList

	c2hState STC2HState
	// OnPacket receives each packet ProcessSTC2H reassembles during
	// CompletionUpdate for a streaming C2H queue.
	OnPacket PacketHandler

	// work holds requests submitted but not yet fully turned into
	// descriptors; pending holds requests whose descriptors are all on
	// the ring, awaiting completion credits (spec.md 3's work-list /
	// pend-list pair).
	work    *dlist.List[*Request]
	pending *dlist.List[*Request]

	flrGate func() bool
	logger  logging.Iface

	stopWait    bool
	err         error
	pidxPending uint32
	pingPongSeq byte
	pingpong    *PingPongTracker
	onLatency   func(time.Duration)
	cntTh       []uint32
}

// SetCounterThresholds overrides the CSR counter-threshold table
// adaptive RX selects from. Must be called before Start.
func (q *Queue) SetCounterThresholds(th []uint32) { q.cntTh = th }

func (q *Queue) counterThresholds() []uint32 {
	if len(q.cntTh) > 0 {
		return q.cntTh
	}
	return DefaultCounterThresholds
}

// NewQueue constructs a Queue in StateDisabled. deviceIndex/funcID
// identify the owning function for active-counter accounting; counters
// is typically the process's *resource.Registry.
func NewQueue(cfg Config, set *QueueSet, deviceIndex uint32, funcID uint16, counters ActiveCounter) *Queue {
	return &Queue{
		Config:      cfg,
		State:       StateDisabled,
		deviceIndex: deviceIndex,
		funcID:      funcID,
		counters:    counters,
		set:         set,
		work:        dlist.New[*Request](),
		pending:     dlist.New[*Request](),
	}
}

// SetFLRGate installs a callback Add/Start/Stop/Remove/Submit* consult
// to reject queue operations while a function-level reset is underway
// (4.6: flr_set/flr_check gate queue operations). Typically wired to
// the owning xdev.Device's FlrCheck.
func (q *Queue) SetFLRGate(gate func() bool) { q.flrGate = gate }

// SetLogger installs an optional logger; nil disables logging.
func (q *Queue) SetLogger(l logging.Iface) { q.logger = l }

func (q *Queue) flrBlocked() bool { return q.flrGate != nil && q.flrGate() }

// Add allocates the descq slot and fixes its configuration, rejecting
// placements that violate the coexistence rules (4.3.2). Only legal
// from StateDisabled.
func (q *Queue) Add() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flrBlocked() {
		return ErrFLRInProgress
	}
	if q.State != StateDisabled {
		return ErrIllegalTransition
	}
	if err := q.Config.Validate(); err != nil {
		return err
	}
	if err := q.set.CheckAndReserve(q.Config.QIdx, q.Config.Direction, q.Config.Mode); err != nil {
		return err
	}
	q.State = StateEnabled
	return nil
}

// Start allocates DMA-coherent rings, initializes CMPT cidx/PIDX, and
// transitions to StateOnline. Only legal from StateEnabled.
func (q *Queue) Start(descRngSize, cmptRngSize int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flrBlocked() {
		return ErrFLRInProgress
	}
	if q.State != StateEnabled {
		return ErrIllegalTransition
	}

	switch {
	case q.Config.Mode == ModeMM:
		q.MMRing = NewDescRing[MMDescriptor](descRngSize)
	case q.Config.Mode == ModeST && q.Config.Direction == DirH2C:
		q.STH2CRing = NewDescRing[STH2CDescriptor](descRngSize)
	case q.Config.Mode == ModeST && q.Config.Direction == DirC2H:
		sizing := flq.ComputeSizing(1<<uint(q.Config.C2HBufSzIdx+7), descRngSize)
		q.FreeList = flq.New(sizing, nil)
		q.CmptRing = NewDescRing[CmptEntry](cmptRngSize)
		budget := int(q.Config.PidxAcc)
		if budget <= 0 {
			budget = 8
		}
		// hardware writes color=1 on the ring's first pass, so a
		// zero-initialized entry always reads stale.
		q.c2hState = STC2HState{
			ExpectedColor: true,
			Adaptive:      NewAdaptiveThreshold(q.counterThresholds(), budget, cmptRngSize),
		}
	}

	if err := q.counters.IncrementActive(q.deviceIndex, q.funcID, kindFor(q.Config.Direction)); err != nil {
		return err
	}
	if q.Config.Mode == ModeST && q.Config.Direction == DirC2H {
		if err := q.counters.IncrementActive(q.deviceIndex, q.funcID, resource.KindCMPT); err != nil {
			return err
		}
	}

	q.State = StateOnline
	return nil
}

// Q_PEND_LIST_COMPLETION_TIMEOUT mirrors spec.md 5's stop-wait bound.
const stopWaitTimeout = 1000 * time.Millisecond

// Stop sets stop_wait, waits (bounded by stopWaitTimeout) for the
// pending list to drain, cancels any remaining requests with a
// cancelled error, clears the hardware context placeholders, frees
// rings, and transitions back to StateEnabled. Only legal from
// StateOnline.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.flrBlocked() {
		q.mu.Unlock()
		return ErrFLRInProgress
	}
	if q.State != StateOnline {
		q.mu.Unlock()
		return ErrIllegalTransition
	}
	q.stopWait = true
	q.mu.Unlock()

	// poll for the drain without holding the queue lock; no core path
	// sleeps under a spinlock.
	deadline := time.Now().Add(stopWaitTimeout)
	for {
		q.mu.Lock()
		empty := q.pending.IsEmpty()
		q.mu.Unlock()
		if empty || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelOutstanding(ErrCancelled)

	q.MMRing = nil
	q.STH2CRing = nil
	q.CmptRing = nil
	q.FreeList = nil
	q.stopWait = false
	q.State = StateEnabled
	if q.logger != nil {
		q.logger.Debugf("descq: queue %d stopped", q.Config.QIdx)
	}
	return nil
}

// cancelOutstanding drains both the work and pending lists, delivering
// err to every request's done channel exactly once.
func (q *Queue) cancelOutstanding(err error) {
	q.work.Each(func(h dlist.Handle, v **Request) bool {
		r := *v
		select {
		case r.done <- err:
		default:
		}
		q.work.Unlink(h)
		return true
	})
	q.pending.Each(func(h dlist.Handle, v **Request) bool {
		r := *v
		select {
		case r.done <- err:
		default:
		}
		q.pending.Unlink(h)
		return true
	})
}

// Remove returns the descq to StateDisabled, releases its index in
// the compatibility set, and decrements the resource manager's active
// counters for the queue's kinds (for streaming C2H, both C2H and
// CMPT are decremented).
func (q *Queue) Remove() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flrBlocked() {
		return ErrFLRInProgress
	}
	if q.State != StateEnabled {
		return ErrIllegalTransition
	}
	q.set.Release(q.Config.QIdx, q.Config.Direction, q.Config.Mode)

	if err := q.counters.DecrementActive(q.deviceIndex, q.funcID, kindFor(q.Config.Direction)); err != nil {
		return err
	}
	if q.Config.Mode == ModeST && q.Config.Direction == DirC2H {
		if err := q.counters.DecrementActive(q.deviceIndex, q.funcID, resource.KindCMPT); err != nil {
			return err
		}
	}

	q.State = StateDisabled
	return nil
}

// InFlight returns the number of descriptors currently on the live
// ring awaiting completion (rngsz - 1 - avail).
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlightLocked()
}

func (q *Queue) inFlightLocked() int {
	switch {
	case q.MMRing != nil:
		return q.MMRing.Pending()
	case q.STH2CRing != nil:
		return q.STH2CRing.Pending()
	case q.CmptRing != nil:
		return q.CmptRing.Pending()
	}
	return 0
}

// Halted reports whether the queue's sticky error has latched (4.3.7).
func (q *Queue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err != nil
}

// Err returns the sticky error, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// SetErr latches a sticky error: once set, the queue completes all
// remaining pending requests with it and refuses new submissions.
func (q *Queue) SetErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setErrLocked(err)
}

func (q *Queue) setErrLocked(err error) {
	if q.err != nil {
		return
	}
	q.err = err
	q.cancelOutstanding(err)
	if q.logger != nil {
		q.logger.Errorf("descq: queue %d halted: %v", q.Config.QIdx, err)
	}
}

// SetPingPongTracker installs the tracker shared between a ping-pong
// pair's H2C queue (which stamps) and C2H queue (which recovers).
func (q *Queue) SetPingPongTracker(t *PingPongTracker) { q.pingpong = t }

// PingPong returns the installed tracker, nil if none.
func (q *Queue) PingPong() *PingPongTracker { return q.pingpong }

// SetLatencyObserver installs a callback invoked with each recovered
// ping-pong round-trip latency on the C2H side.
func (q *Queue) SetLatencyObserver(f func(time.Duration)) { q.onLatency = f }

// NextPingPongTimestamp returns the next monotonically increasing byte
// value used to stamp streaming H2C requests when ping-pong latency
// measurement is enabled, recording the stamp time in the tracker.
// Invoked from the drain path with the queue lock already held.
func (q *Queue) NextPingPongTimestamp() byte {
	q.pingPongSeq++
	if q.pingpong != nil {
		q.pingpong.Stamp(q.pingPongSeq)
	}
	return q.pingPongSeq
}
