// Package resource implements the process-wide queue-ID resource
// manager (C2): a best-fit allocator that partitions a pool of queue
// identifiers into non-overlapping contiguous ranges assigned to
// functions, with automatic coalescing of freed ranges and live
// active-queue accounting.
//
// Grounded directly on QDMA/DPDK/drivers/net/qdma/qdma_access/
// qdma_resource_mgmt.c: create/destroy master, create/destroy/update
// function, best-fit placement with up-to-three-way splitting, and
// free-list coalescing after every insertion are all carried over
// unchanged in semantics. The source's global, package-level
// master_resource_list becomes one explicitly constructed *Registry
// per the "global singletons -> owned roots" redesign note; callers
// keep a single shared Registry for the process instead of relying on
// package state.
package resource

import (
	"errors"
	"sort"
	"sync"
)

// Errors returned by Registry operations. The first six correspond to
// the root package's resource-manager codes 8..13 (CodeResourceExists
// through CodeNoQueuesLeft); ErrBusRangeInUse has no code there and no
// Registry operation returns it.
var (
	ErrResourceExists   = errors.New("resource: master resource already exists")
	ErrNoDevice         = errors.New("resource: no such device")
	ErrFunctionExists   = errors.New("resource: function already exists")
	ErrNoFunction       = errors.New("resource: no such function")
	ErrQmaxConfRejected = errors.New("resource: qmax reconfiguration rejected: queues active")
	ErrNoQueuesLeft     = errors.New("resource: no queues left")
	ErrBusRangeInUse    = errors.New("resource: pci bus range already registered")
)

// QueueKind distinguishes the three active-queue counters tracked per
// function: H2C, C2H, and CMPT (the last used by streaming C2H's
// companion completion queue and by standalone CMPT queues).
type QueueKind int

const (
	KindH2C QueueKind = iota
	KindC2H
	KindCMPT
)

// Range is a contiguous, half-open span of queue identifiers
// [QBase, QBase+TotalQ). QBase == -1 && TotalQ == 0 means unassigned.
type Range struct {
	QBase  int
	TotalQ uint32
}

// End returns the exclusive upper bound of the range.
func (r Range) End() int { return r.QBase + int(r.TotalQ) }

// Empty reports whether the range holds zero queues.
func (r Range) Empty() bool { return r.TotalQ == 0 }

func unassigned() Range { return Range{QBase: -1, TotalQ: 0} }

// FunctionEntry is the per-function record: its assigned range and its
// three active-queue counters. Any non-zero counter locks Assigned
// against reconfiguration.
type FunctionEntry struct {
	FuncID     uint16
	Assigned   Range
	ActiveH2C  uint32
	ActiveC2H  uint32
	ActiveCMPT uint32
}

func (f *FunctionEntry) activeSum() uint32 {
	return f.ActiveH2C + f.ActiveC2H + f.ActiveCMPT
}

type master struct {
	deviceIndex uint32
	busStart    uint32
	busEnd      uint32
	base        int
	totalQ      uint32
	freeList    []Range
	functions   map[uint16]*FunctionEntry
	activeQcnt  uint32
}

// MasterSnapshot is a point-in-time, read-only copy of a master
// resource's bookkeeping, useful for diagnostics and tests.
type MasterSnapshot struct {
	DeviceIndex uint32
	BusStart    uint32
	BusEnd      uint32
	Base        int
	TotalQ      uint32
	FreeList    []Range
	Functions   []FunctionEntry
	ActiveQcnt  uint32
}

// Registry is the process-wide, mutex-guarded collection of master
// resources. The zero value is not usable; construct with NewRegistry.
type Registry struct {
	mu        sync.Mutex
	masters   map[uint32]*master
	nextIndex uint32
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{masters: make(map[uint32]*master)}
}

// CreateMaster seeds a new master resource with free list
// [base, base+totalQ) and returns its device index. If a master with
// the same (busStart, busEnd) already exists, its device index is
// returned along with ErrResourceExists.
func (r *Registry) CreateMaster(busStart, busEnd uint32, base int, totalQ uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.masters {
		if m.busStart == busStart && m.busEnd == busEnd {
			return m.deviceIndex, ErrResourceExists
		}
	}

	idx := r.nextIndex
	r.nextIndex++
	r.masters[idx] = &master{
		deviceIndex: idx,
		busStart:    busStart,
		busEnd:      busEnd,
		base:        base,
		totalQ:      totalQ,
		freeList:    []Range{{QBase: base, TotalQ: totalQ}},
		functions:   make(map[uint16]*FunctionEntry),
	}
	return idx, nil
}

// DestroyMaster removes a master resource. No-op if any function entry
// remains on it.
func (r *Registry) DestroyMaster(deviceIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return ErrNoDevice
	}
	if len(m.functions) > 0 {
		return nil
	}
	delete(r.masters, deviceIndex)
	return nil
}

// CreateFunction registers an unassigned function entry on a master.
func (r *Registry) CreateFunction(deviceIndex uint32, funcID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return ErrNoDevice
	}
	if _, exists := m.functions[funcID]; exists {
		return ErrFunctionExists
	}
	m.functions[funcID] = &FunctionEntry{FuncID: funcID, Assigned: unassigned()}
	return nil
}

// DestroyFunction returns the function's assigned range to the free
// list (coalescing) and removes the function entry.
func (r *Registry) DestroyFunction(deviceIndex uint32, funcID uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return ErrNoDevice
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return ErrNoFunction
	}
	m.freeList = insertFree(m.freeList, fn.Assigned)
	delete(m.functions, funcID)
	return nil
}

// UpdateFunction reconfigures a function's queue range. Rejected with
// ErrQmaxConfRejected if any active counter on the function is
// non-zero. On success, or on ErrNoQueuesLeft, qbase reports the
// function's resulting assigned QBase (-1 if none).
//
// qbaseHint >= 0 requests a specific starting qid; qbaseHint < 0 means
// "any placement" and triggers best-fit search.
func (r *Registry) UpdateFunction(deviceIndex uint32, funcID uint16, newQmax uint32, qbaseHint int) (qbase int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return -1, ErrNoDevice
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return -1, ErrNoFunction
	}
	if fn.activeSum() != 0 {
		return fn.Assigned.QBase, ErrQmaxConfRejected
	}

	freeList, awarded, rerr := requestResource(m.freeList, fn.Assigned, newQmax, qbaseHint)
	m.freeList = freeList
	fn.Assigned = awarded
	return fn.Assigned.QBase, rerr
}

// QueueInRange reports whether qidHW falls within func's assigned
// range.
func (r *Registry) QueueInRange(deviceIndex uint32, funcID uint16, qidHW uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return false
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return false
	}
	if fn.Assigned.TotalQ == 0 {
		return false
	}
	return int(qidHW) >= fn.Assigned.QBase && int(qidHW) < fn.Assigned.End()
}

// IncrementActive bumps the active counter of the given kind. Fails
// with ErrNoQueuesLeft if active_h2c+active_c2h+active_cmpt+1 would
// exceed assigned.TotalQ. This bound, taken verbatim from the source,
// is on the *sum* of the three per-kind counters rather than a
// per-kind budget -- see DESIGN.md for the open question this
// preserves.
func (r *Registry) IncrementActive(deviceIndex uint32, funcID uint16, kind QueueKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return ErrNoDevice
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return ErrNoFunction
	}

	if fn.activeSum()+1 > fn.Assigned.TotalQ {
		return ErrNoQueuesLeft
	}

	switch kind {
	case KindH2C:
		fn.ActiveH2C++
	case KindC2H:
		fn.ActiveC2H++
	case KindCMPT:
		fn.ActiveCMPT++
	default:
		return ErrNoFunction
	}
	m.activeQcnt++
	return nil
}

// DecrementActive undoes one IncrementActive of the same kind. A
// matched increment/decrement pair is a no-op on the device's active
// count (P-R3): unlike the source, the master-level counter is only
// decremented when the per-kind counter actually had something to
// give back, so a decrement on an already-zero counter cannot
// underflow the device total.
func (r *Registry) DecrementActive(deviceIndex uint32, funcID uint16, kind QueueKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return ErrNoDevice
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return ErrNoFunction
	}

	decremented := false
	switch kind {
	case KindH2C:
		if fn.ActiveH2C > 0 {
			fn.ActiveH2C--
			decremented = true
		}
	case KindC2H:
		if fn.ActiveC2H > 0 {
			fn.ActiveC2H--
			decremented = true
		}
	case KindCMPT:
		if fn.ActiveCMPT > 0 {
			fn.ActiveCMPT--
			decremented = true
		}
	default:
		return ErrNoFunction
	}
	if decremented && m.activeQcnt > 0 {
		m.activeQcnt--
	}
	return nil
}

// GetActiveCount returns the device-wide active queue count (sum over
// all functions and kinds).
func (r *Registry) GetActiveCount(deviceIndex uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return 0, ErrNoDevice
	}
	return m.activeQcnt, nil
}

// GetFunctionActiveCount returns one function's active counter for the
// given kind.
func (r *Registry) GetFunctionActiveCount(deviceIndex uint32, funcID uint16, kind QueueKind) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return 0, ErrNoDevice
	}
	fn, ok := m.functions[funcID]
	if !ok {
		return 0, ErrNoFunction
	}
	switch kind {
	case KindH2C:
		return fn.ActiveH2C, nil
	case KindC2H:
		return fn.ActiveC2H, nil
	case KindCMPT:
		return fn.ActiveCMPT, nil
	default:
		return 0, ErrNoFunction
	}
}

// Snapshot returns a deep, read-only copy of a master's bookkeeping.
func (r *Registry) Snapshot(deviceIndex uint32) (MasterSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.masters[deviceIndex]
	if !ok {
		return MasterSnapshot{}, ErrNoDevice
	}
	snap := MasterSnapshot{
		DeviceIndex: m.deviceIndex,
		BusStart:    m.busStart,
		BusEnd:      m.busEnd,
		Base:        m.base,
		TotalQ:      m.totalQ,
		ActiveQcnt:  m.activeQcnt,
		FreeList:    append([]Range(nil), m.freeList...),
	}
	for _, fn := range m.functions {
		snap.Functions = append(snap.Functions, *fn)
	}
	sort.Slice(snap.Functions, func(i, j int) bool { return snap.Functions[i].FuncID < snap.Functions[j].FuncID })
	return snap, nil
}

// insertFree inserts r into a sorted, coalesced free list and returns
// the updated, still-sorted-and-coalesced list (I-R2).
func insertFree(list []Range, r Range) []Range {
	if r.Empty() {
		return list
	}
	i := sort.Search(len(list), func(i int) bool { return list[i].QBase >= r.QBase })
	list = append(list, Range{})
	copy(list[i+1:], list[i:])
	list[i] = r
	return coalesce(list)
}

// coalesce fuses adjacent ranges (node[i].End() == node[i+1].QBase) in
// a sorted free list.
func coalesce(list []Range) []Range {
	if len(list) == 0 {
		return list
	}
	out := list[:1]
	for _, r := range list[1:] {
		last := &out[len(out)-1]
		if last.End() == r.QBase {
			last.TotalQ += r.TotalQ
		} else {
			out = append(out, r)
		}
	}
	return out
}

// bestFit implements the best-fit placement policy of spec.md 4.2: if
// qbaseHint >= 0, prefer a free range that fully contains
// [qbaseHint, qbaseHint+qmax); otherwise pick the smallest free range
// that is >= qmax, ties broken by earliest (first) match. Returns the
// index into list and the chosen qbase, or ok == false if no range can
// accommodate the request.
func bestFit(list []Range, qmax uint32, qbaseHint int) (idx int, qbase int, ok bool) {
	if qbaseHint >= 0 {
		for i, r := range list {
			if qbaseHint >= r.QBase && r.End() >= qbaseHint+int(qmax) {
				return i, qbaseHint, true
			}
		}
	}

	best := -1
	for i, r := range list {
		if r.TotalQ >= qmax {
			if best == -1 || list[best].TotalQ > r.TotalQ {
				best = i
			}
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, list[best].QBase, true
}

// carve splits list[idx] into up to three pieces and returns the
// resulting free list plus the awarded range [qbase, qbase+qmax).
func carve(list []Range, idx int, qbase int, qmax uint32) ([]Range, Range) {
	node := list[idx]
	out := make([]Range, 0, len(list)+2)
	out = append(out, list[:idx]...)
	if qbase > node.QBase {
		out = append(out, Range{QBase: node.QBase, TotalQ: uint32(qbase - node.QBase)})
	}
	rightStart := qbase + int(qmax)
	if rightStart < node.End() {
		out = append(out, Range{QBase: rightStart, TotalQ: uint32(node.End() - rightStart)})
	}
	out = append(out, list[idx+1:]...)
	return out, Range{QBase: qbase, TotalQ: qmax}
}

// requestResource is the Go form of qdma_request_q_resource: submit
// the function's current assignment back to the free list, then try
// to carve out newQmax queues (honoring newQbaseHint if >= 0). On
// failure, it restores the function's prior assignment by re-carving
// it out of the (already-updated) free list, and returns
// ErrNoQueuesLeft.
func requestResource(freeList []Range, current Range, newQmax uint32, newQbaseHint int) (resultFreeList []Range, awarded Range, err error) {
	freeList = insertFree(freeList, current)

	if newQmax == 0 {
		return freeList, unassigned(), nil
	}

	idx, qbase, ok := bestFit(freeList, newQmax, newQbaseHint)
	if !ok {
		if current.Empty() {
			return freeList, unassigned(), ErrNoQueuesLeft
		}
		ridx, rqbase, rok := bestFit(freeList, current.TotalQ, current.QBase)
		if !rok {
			return freeList, unassigned(), ErrNoQueuesLeft
		}
		restored, awardedRange := carve(freeList, ridx, rqbase, current.TotalQ)
		return restored, awardedRange, ErrNoQueuesLeft
	}

	newFreeList, awardedRange := carve(freeList, idx, qbase, newQmax)
	return newFreeList, awardedRange, nil
}
