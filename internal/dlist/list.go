// Package dlist implements the doubly-linked list primitive (C1) used by
// the resource manager and the descriptor queue to hold free ranges and
// request control blocks in order.
//
// The source represents this as an intrusive, sentinel-headed circular
// list with owner back-pointers embedded in every node. Go has no
// equivalent to "embed a node struct inside yours and recover the owner
// via offsetof", so this is reworked per the redesign notes into a
// value list addressed by stable integer handles: PushBack/InsertBefore/
// InsertAfter return a Handle that stays valid across mutation of other
// elements, and Unlink retires it. There is no allocation on Unlink/
// reinsert beyond the occasional slice growth; retired slots are reused.
//
// All mutation must happen under the caller's lock. List itself holds
// none, matching the source's contract.
package dlist

// Handle addresses one element of a List. Handles are slot indices
// starting at 0, so the zero Handle is a valid handle; use Invalid to
// test for "no node".
type Handle int

// Invalid is returned by navigation methods when there is no such node.
const Invalid Handle = -1

type elem[T any] struct {
	val        T
	prev, next Handle
	alive      bool
}

// List is a doubly linked list of values of type T.
type List[T any] struct {
	elems     []elem[T]
	freeSlots []Handle
	head      Handle
	tail      Handle
	length    int
}

// New returns an empty list.
func New[T any]() *List[T] {
	return &List[T]{head: Invalid, tail: Invalid}
}

// Len returns the number of live elements.
func (l *List[T]) Len() int { return l.length }

// IsEmpty reports whether the list has no live elements.
func (l *List[T]) IsEmpty() bool { return l.length == 0 }

func (l *List[T]) allocSlot(v T) Handle {
	if n := len(l.freeSlots); n > 0 {
		h := l.freeSlots[n-1]
		l.freeSlots = l.freeSlots[:n-1]
		l.elems[h] = elem[T]{val: v, prev: Invalid, next: Invalid, alive: true}
		return h
	}
	l.elems = append(l.elems, elem[T]{val: v, prev: Invalid, next: Invalid, alive: true})
	return Handle(len(l.elems) - 1)
}

// PushBack appends v and returns its handle.
func (l *List[T]) PushBack(v T) Handle {
	h := l.allocSlot(v)
	if l.tail == Invalid {
		l.head, l.tail = h, h
	} else {
		l.elems[l.tail].next = h
		l.elems[h].prev = l.tail
		l.tail = h
	}
	l.length++
	return h
}

// PushFront prepends v and returns its handle.
func (l *List[T]) PushFront(v T) Handle {
	h := l.allocSlot(v)
	if l.head == Invalid {
		l.head, l.tail = h, h
	} else {
		l.elems[l.head].prev = h
		l.elems[h].next = l.head
		l.head = h
	}
	l.length++
	return h
}

// InsertBefore inserts v immediately before at and returns its handle.
// If at is invalid, this behaves like PushBack.
func (l *List[T]) InsertBefore(at Handle, v T) Handle {
	if !l.valid(at) {
		return l.PushBack(v)
	}
	prev := l.elems[at].prev
	h := l.allocSlot(v)
	l.elems[h].prev = prev
	l.elems[h].next = at
	l.elems[at].prev = h
	if prev == Invalid {
		l.head = h
	} else {
		l.elems[prev].next = h
	}
	l.length++
	return h
}

// InsertAfter inserts v immediately after at and returns its handle.
// If at is invalid, this behaves like PushFront.
func (l *List[T]) InsertAfter(at Handle, v T) Handle {
	if !l.valid(at) {
		return l.PushFront(v)
	}
	next := l.elems[at].next
	h := l.allocSlot(v)
	l.elems[h].next = next
	l.elems[h].prev = at
	l.elems[at].next = h
	if next == Invalid {
		l.tail = h
	} else {
		l.elems[next].prev = h
	}
	l.length++
	return h
}

// Unlink removes h from the list. Safe to call on an already-unlinked
// or invalid handle (no-op).
func (l *List[T]) Unlink(h Handle) {
	if !l.valid(h) {
		return
	}
	e := l.elems[h]
	if e.prev == Invalid {
		l.head = e.next
	} else {
		l.elems[e.prev].next = e.next
	}
	if e.next == Invalid {
		l.tail = e.prev
	} else {
		l.elems[e.next].prev = e.prev
	}
	var zero T
	l.elems[h] = elem[T]{val: zero, prev: Invalid, next: Invalid, alive: false}
	l.freeSlots = append(l.freeSlots, h)
	l.length--
}

func (l *List[T]) valid(h Handle) bool {
	return h != Invalid && int(h) < len(l.elems) && l.elems[h].alive
}

// IsLast reports whether h is the tail of the list.
func (l *List[T]) IsLast(h Handle) bool {
	return l.valid(h) && h == l.tail
}

// Front returns the head handle, or (Invalid, false) if empty.
func (l *List[T]) Front() (Handle, bool) {
	return l.head, l.head != Invalid
}

// Back returns the tail handle, or (Invalid, false) if empty.
func (l *List[T]) Back() (Handle, bool) {
	return l.tail, l.tail != Invalid
}

// Next returns the handle following h.
func (l *List[T]) Next(h Handle) (Handle, bool) {
	if !l.valid(h) {
		return Invalid, false
	}
	n := l.elems[h].next
	return n, n != Invalid
}

// Prev returns the handle preceding h.
func (l *List[T]) Prev(h Handle) (Handle, bool) {
	if !l.valid(h) {
		return Invalid, false
	}
	p := l.elems[h].prev
	return p, p != Invalid
}

// Value returns a pointer to the value at h for in-place mutation.
// The pointer is invalidated by any subsequent slice growth in the
// list (any Push/Insert call); callers that need to hold onto it
// across mutation should re-fetch via Value(h).
func (l *List[T]) Value(h Handle) *T {
	return &l.elems[h].val
}

// Each performs safe forward iteration from head to tail: f may Unlink
// the handle it was given (including reinserting a replacement) without
// corrupting the walk, matching the source's "safe iteration" guarantee.
func (l *List[T]) Each(f func(h Handle, v *T) bool) {
	h := l.head
	for h != Invalid {
		next := l.elems[h].next
		if !f(h, &l.elems[h].val) {
			return
		}
		h = next
	}
}
