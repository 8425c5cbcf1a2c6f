package descq

// occupant records what is currently present at a queue index, for
// the compatibility check on Add (4.3.2).
type occupant struct {
	direction Direction
	mode      Mode
}

// QueueSet tracks which (direction, mode) occupies each index across
// a device, enforcing 4.3.2's coexistence rules independent of any one
// queue's own lifecycle. It holds no lock of its own; callers
// serialize access under the owning device's lock.
type QueueSet struct {
	byIndex map[int][]occupant
	mmCmptCapable bool
}

// NewQueueSet returns an empty set. mmCmptCapable mirrors the device
// attribute gating an independent CMPT queue (4.3.2: "may only be
// created on devices whose attributes advertise MM-CMPT capability").
func NewQueueSet(mmCmptCapable bool) *QueueSet {
	return &QueueSet{byIndex: make(map[int][]occupant), mmCmptCapable: mmCmptCapable}
}

// CheckAndReserve validates that (dir, mode) may coexist with whatever
// already occupies idx, and if so records it as present. Returns
// ErrIncompatibleNeighbor on rejection.
func (qs *QueueSet) CheckAndReserve(idx int, dir Direction, mode Mode) error {
	if dir == DirCMPT && !qs.mmCmptCapable {
		return ErrIncompatibleNeighbor
	}
	existing := qs.byIndex[idx]

	if dir == DirCMPT && len(existing) > 0 {
		return ErrIncompatibleNeighbor
	}
	for _, o := range existing {
		if o.direction == DirCMPT {
			return ErrIncompatibleNeighbor
		}
		if o.direction == dir {
			return ErrIncompatibleNeighbor
		}
		if o.mode != mode {
			// mixing ST and MM at the same index is forbidden, which also
			// covers "ST C2H with MM H2C mixed" for the opposite direction.
			return ErrIncompatibleNeighbor
		}
	}

	qs.byIndex[idx] = append(existing, occupant{direction: dir, mode: mode})
	return nil
}

// Release removes (dir, mode) from idx's occupant list, called on
// Remove.
func (qs *QueueSet) Release(idx int, dir Direction, mode Mode) {
	existing := qs.byIndex[idx]
	for i, o := range existing {
		if o.direction == dir && o.mode == mode {
			qs.byIndex[idx] = append(existing[:i], existing[i+1:]...)
			return
		}
	}
}
