package descq

import "github.com/cloudwego/gopkg/container/ring"

// DescRing is a fixed-capacity, GC-friendly descriptor or completion
// ring addressed by producer/consumer indices kept mod size, built on
// github.com/cloudwego/gopkg/container/ring — the pack's single-
// allocation generic ring — in place of the source's raw
// DMA-coherent array plus hand-rolled wraparound arithmetic.
//
// One slot is always kept empty to disambiguate full from empty, the
// same convention the source's pidx/cidx/qid_hw%rngsz arithmetic
// relies on.
type DescRing[T any] struct {
	r    *ring.Ring[T]
	size int
	pidx int
	cidx int
}

// NewDescRing allocates a ring of the given slot count.
func NewDescRing[T any](size int) *DescRing[T] {
	return &DescRing[T]{r: ring.NewFromSlice(make([]T, size)), size: size}
}

// Size returns the ring's total slot count.
func (d *DescRing[T]) Size() int { return d.size }

// Pidx returns the current producer index (mod size).
func (d *DescRing[T]) Pidx() int { return d.pidx }

// Cidx returns the current consumer index (mod size).
func (d *DescRing[T]) Cidx() int { return d.cidx }

// Avail returns how many free slots remain for production, reserving
// one slot as the full/empty disambiguator.
func (d *DescRing[T]) Avail() int {
	used := (d.pidx - d.cidx + d.size) % d.size
	return d.size - 1 - used
}

// Pending returns how many produced-but-not-yet-consumed slots exist.
func (d *DescRing[T]) Pending() int {
	return (d.pidx - d.cidx + d.size) % d.size
}

// At returns a pointer to the slot at absolute index idx (taken mod
// size), for direct inspection or mutation.
func (d *DescRing[T]) At(idx int) *T {
	item, _ := d.r.Get(idx % d.size)
	return item.Pointer()
}

// Produce writes v at the current pidx and advances it. Caller must
// have checked Avail() > 0.
func (d *DescRing[T]) Produce(v T) int {
	slot := d.pidx
	*d.At(slot) = v
	d.pidx = (d.pidx + 1) % d.size
	return slot
}

// AdvanceCidx moves the consumer index forward by n slots.
func (d *DescRing[T]) AdvanceCidx(n int) {
	d.cidx = (d.cidx + n) % d.size
}
