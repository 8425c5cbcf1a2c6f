package descq

import (
	"context"
	"time"

	"github.com/ehrlich-b/qdmacore/internal/dlist"
)

// reqKind distinguishes which processing function a Request's payload
// is drained by.
type reqKind int

const (
	reqKindMM reqKind = iota
	reqKindSTH2C
)

// ReqStatus is a request control block's lifecycle stage within the
// queue (spec.md 3's "status" field of the request control block).
type ReqStatus int

const (
	ReqQueued    ReqStatus = iota // on the work list, no descriptors written yet
	ReqSubmitted                  // descriptors written to the ring, awaiting completion
	ReqDone                       // all descriptors retired, callback fired
)

// Request is one request control block: the work-list/pend-list entry
// spec.md 3 describes (desc_nr, offset, left, sg_offset, sg_cursor,
// status, unmap_needed_flag), generalized across MM and streaming H2C
// payloads. DescNR counts the descriptors written for this request;
// Left is set to DescNR on each drain and decremented as credits
// retire them, letting the completion path decrement a single field
// regardless of payload kind.
type Request struct {
	kind  reqKind
	mm    *MMRequest
	sth2c *STH2CRequest

	DescNR          int
	Left            int
	Status          ReqStatus
	UnmapNeededFlag bool

	done    chan error
	started time.Time
}

// NewMMRequest wraps an MMRequest as a work-list entry for SubmitMM.
func NewMMRequest(req *MMRequest) *Request {
	return &Request{kind: reqKindMM, mm: req, done: make(chan error, 1), started: time.Now()}
}

// NewSTH2CRequest wraps an STH2CRequest as a work-list entry for
// SubmitSTH2C.
func NewSTH2CRequest(req *STH2CRequest) *Request {
	return &Request{kind: reqKindSTH2C, sth2c: req, done: make(chan error, 1), started: time.Now()}
}

// Done returns the channel that receives exactly one value (nil on
// normal completion, a sticky error on queue halt or stop) once this
// request's descriptors have all been retired (P-Q1).
func (r *Request) Done() <-chan error { return r.done }

// SubmitMM enqueues req onto the work list for a memory-mapped queue.
// Returns ErrQueueHalted if the queue's sticky error has latched,
// ErrFLRInProgress if an FLR round trip gates queue operations, and
// ErrBadMode if the queue is not configured for MM.
func (q *Queue) SubmitMM(req *MMRequest) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Config.Mode != ModeMM {
		return nil, ErrBadMode
	}
	if err := q.checkSubmittable(); err != nil {
		return nil, err
	}
	r := NewMMRequest(req)
	q.work.PushBack(r)
	return r, nil
}

// SubmitSTH2C enqueues req onto the work list for a streaming H2C
// queue.
func (q *Queue) SubmitSTH2C(req *STH2CRequest) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Config.Mode != ModeST || q.Config.Direction != DirH2C {
		return nil, ErrBadMode
	}
	if err := q.checkSubmittable(); err != nil {
		return nil, err
	}
	r := NewSTH2CRequest(req)
	q.work.PushBack(r)
	return r, nil
}

// checkSubmittable runs under the queue lock.
func (q *Queue) checkSubmittable() error {
	if q.err != nil {
		return ErrQueueHalted
	}
	if q.flrGate != nil && q.flrGate() {
		return ErrFLRInProgress
	}
	if q.State != StateOnline {
		return ErrIllegalTransition
	}
	return nil
}

// DrainWorkList walks the work list from the front, producing
// descriptors for each request into the queue's ring until the ring
// fills or the work list empties. A request whose payload is fully
// drained moves to the pending list (status ReqSubmitted) to await
// completion credits; one still partially drained when the ring fills
// stays at the front of the work list for the next call. Returns the
// total descriptor count produced this pass.
func (q *Queue) DrainWorkList() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainWorkListLocked()
}

func (q *Queue) drainWorkListLocked() int {
	produced := 0
	for {
		h, ok := q.work.Front()
		if !ok {
			break
		}
		r := *q.work.Value(h)

		var n int
		var drained bool
		switch r.kind {
		case reqKindMM:
			if q.MMRing == nil {
				break
			}
			descs := ProcessMM(q.MMRing, r.mm, q.Config)
			n = len(descs)
			drained = n > 0 && descs[len(descs)-1].EOP
		case reqKindSTH2C:
			if q.STH2CRing == nil {
				break
			}
			descs := ProcessSTH2C(q.STH2CRing, r.sth2c, q.NextPingPongTimestamp)
			n = len(descs)
			drained = n > 0 && descs[len(descs)-1].EOP
		}

		if n == 0 {
			// Ring is full or the request produced nothing this pass;
			// stop until the next completion frees space.
			break
		}

		r.DescNR += n
		r.Left = r.DescNR
		produced += n
		q.pidxPending += uint32(n)

		if drained {
			r.Status = ReqSubmitted
			q.work.Unlink(h)
			q.pending.PushBack(r)
		} else {
			*q.work.Value(h) = r
		}
	}
	if q.logger != nil && produced > 0 {
		q.logger.Debugf("descq: queue %d drained %d descriptor(s) to ring", q.Config.QIdx, produced)
	}
	return produced
}

// CompleteCredits retires n descriptor credits against the pending
// list in FIFO order (the order requests were submitted, matching the
// ring's in-order completion): each pending request's Left is
// decremented until n is exhausted, and any request reaching zero is
// unlinked and signalled on its done channel (P-Q1: the callback fires
// exactly once). Returns the number of requests fully completed.
func (q *Queue) CompleteCredits(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completeCreditsLocked(n)
}

func (q *Queue) completeCreditsLocked(n int) int {
	completed := 0
	for n > 0 {
		h, ok := q.pending.Front()
		if !ok {
			break
		}
		r := *q.pending.Value(h)
		if r.Left > n {
			r.Left -= n
			n = 0
			*q.pending.Value(h) = r
			break
		}
		n -= r.Left
		r.Left = 0
		r.Status = ReqDone
		q.pending.Unlink(h)
		select {
		case r.done <- nil:
		default:
		}
		completed++
	}
	if q.logger != nil && completed > 0 {
		q.logger.Debugf("descq: queue %d retired %d request(s)", q.Config.QIdx, completed)
	}
	return completed
}

// pendingDescNR sums DescNR/Left over the pending list, the quantity
// I-Q2 requires to equal the ring's in-flight descriptor count.
func (q *Queue) pendingDescNR() int {
	total := 0
	q.pending.Each(func(_ dlist.Handle, v **Request) bool {
		total += (*v).Left
		return true
	})
	return total
}

// CompletionUpdate is the worker pool's entry point (C7): it drains
// the work list into the ring, then, absent a real interrupt or
// hardware poll backing this software stack, advances the ring's
// consumer index by its own pending count to simulate the hardware
// having retired everything produced so far, crediting that count
// against the pending list. For a streaming C2H queue it instead runs
// one completion-processing pass over the CMPT ring.
func (q *Queue) CompletionUpdate(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return
	}
	switch {
	case q.Config.Mode == ModeMM:
		q.drainWorkListLocked()
		if q.MMRing != nil {
			n := q.MMRing.Pending()
			if n > 0 {
				q.MMRing.AdvanceCidx(n)
				q.completeCreditsLocked(n)
			}
		}
	case q.Config.Mode == ModeST && q.Config.Direction == DirH2C:
		q.drainWorkListLocked()
		if q.STH2CRing != nil {
			n := q.STH2CRing.Pending()
			if n > 0 {
				q.STH2CRing.AdvanceCidx(n)
				q.completeCreditsLocked(n)
			}
		}
	case q.Config.Mode == ModeST && q.Config.Direction == DirC2H:
		if q.CmptRing != nil && q.FreeList != nil {
			budget := int(q.Config.PidxAcc)
			if budget <= 0 {
				budget = 8
			}
			bufSize := 1 << uint(q.Config.C2HBufSzIdx+7)
			handler := q.OnPacket
			if q.Config.PingPongEn && q.pingpong != nil {
				inner := handler
				handler = func(p Packet) {
					// the first byte of the packet carries the H2C
					// side's timestamp stamp.
					if len(p.Buffers) > 0 && len(p.Buffers[0].Data) > 0 {
						if lat, ok := q.pingpong.Recover(p.Buffers[0].Data[0]); ok && q.onLatency != nil {
							q.onLatency(lat)
						}
					}
					if inner != nil {
						inner(p)
					}
				}
			}
			cmptConsumed, descConsumed := ProcessSTC2H(&q.c2hState, q.CmptRing, q.FreeList, bufSize, budget, handler)
			if cmptConsumed > 0 && q.logger != nil {
				q.logger.Debugf("descq: queue %d consumed %d cmpt entr(ies), %d descriptor(s)", q.Config.QIdx, cmptConsumed, descConsumed)
			}
			if q.c2hState.Err {
				q.setErrLocked(ErrCmptProtocol)
			}
		}
	}
}
