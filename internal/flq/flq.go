// Package flq implements the free-list and buffer pool (C4): the
// driver-side mirror of a streaming C2H descriptor ring, slicing
// receive buffers out of a small set of pages and refcounting each
// page by its outstanding slices so that one consumer releasing a
// slice can never free a page another consumer is still using.
//
// Grounded on spec.md 4.4's sizing formulas (bufsz/pg_order/pg_size/
// bufs_per_pg/num_pages) and its invariants I-B1..I-B3. Page storage
// is built on github.com/cloudwego/gopkg/cache/mempool, the pack's
// size-bucketed pooled allocator, standing in for the kernel page
// allocator the source uses (alloc_page/dma_map_page): mempool hands
// back a flat []byte per page, which this package carves into
// fixed-size buffer slices and bump-allocates from, exactly as the
// source bump-allocates pg_offset within a page.
package flq

import (
	"errors"

	"github.com/cloudwego/gopkg/cache/mempool"
)

// PageShift matches the host page size assumption spec.md's sizing
// formulas are built on (4KB pages).
const PageShift = 12

// PageSize is 1 << PageShift.
const PageSize = 1 << PageShift

var (
	// ErrEmpty is returned by Pop when no buffer is available.
	ErrEmpty = errors.New("flq: free list empty")
	// ErrDoubleRelease is returned by Release when a slot is already free.
	ErrDoubleRelease = errors.New("flq: double release")
)

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func log2(n int) int {
	l := 0
	for (1 << l) < n {
		l++
	}
	return l
}

// Sizing holds the derived geometry for a given (bufsz, rngsz) pair,
// computed exactly per spec.md 4.4.
type Sizing struct {
	Bufsz     int
	PgOrder   int
	PgSize    int
	BufsPerPg int
	NumPages  int
}

// ComputeSizing derives page geometry for a free list serving a ring
// of rngsz slots, each holding buffers of at least minBufsz bytes.
func ComputeSizing(minBufsz, rngsz int) Sizing {
	bufsz := nextPow2(minBufsz)
	pgOrder := log2(bufsz) - PageShift
	if pgOrder < 0 {
		pgOrder = 0
	}
	pgSize := PageSize << pgOrder
	bufsPerPg := pgSize / bufsz
	estimate := (rngsz + bufsPerPg - 1) / bufsPerPg
	numPages := nextPow2(estimate)
	if numPages == rngsz {
		numPages *= 2
	}
	return Sizing{Bufsz: bufsz, PgOrder: pgOrder, PgSize: pgSize, BufsPerPg: bufsPerPg, NumPages: numPages}
}

type page struct {
	buf        []byte
	offset     int
	outstanding int
}

// Buffer is one outstanding slice handed out by Pop, referencing its
// backing page for dma_addr bookkeeping and later Release.
type Buffer struct {
	Data    []byte
	DMAAddr uint64
	pageIdx int
}

// FreeList is the buffer pool backing one streaming C2H descriptor
// ring. Not safe for concurrent use without external locking, matching
// spec.md's "free-list pages are mutated only by the owning descq".
type FreeList struct {
	sizing Sizing
	pages  []*page
	cur    int
	// dmaBase maps a page index to a synthetic base DMA address; a
	// real build would receive these from the IOMMU/DMA mapping layer.
	dmaBase func(pageIdx int) uint64
}

// New allocates sizing.NumPages pages up front via mempool and returns
// a ready-to-use FreeList. dmaBase, if nil, synthesizes addresses from
// the page index so tests and cmd/qdma-sim can run without a real IOMMU.
func New(sizing Sizing, dmaBase func(pageIdx int) uint64) *FreeList {
	if dmaBase == nil {
		dmaBase = func(i int) uint64 { return uint64(i+1) << 32 }
	}
	fl := &FreeList{sizing: sizing, dmaBase: dmaBase}
	for i := 0; i < sizing.NumPages; i++ {
		fl.pages = append(fl.pages, fl.allocPage())
	}
	return fl
}

func (fl *FreeList) allocPage() *page {
	return &page{buf: mempool.Malloc(fl.sizing.PgSize)}
}

// Pop carves one bufsz-sized slice from the current page, rolling over
// to the next page when the current page is exhausted. Pop allocates no
// pages itself; an exhausted page becomes usable again only after
// Release has replaced it. Returns ErrEmpty when every page is
// exhausted.
func (fl *FreeList) Pop() (Buffer, error) {
	for tries := 0; tries < len(fl.pages); tries++ {
		p := fl.pages[fl.cur]
		if p.offset+fl.sizing.Bufsz <= fl.sizing.PgSize {
			b := Buffer{
				Data:    p.buf[p.offset : p.offset+fl.sizing.Bufsz],
				DMAAddr: fl.dmaBase(fl.cur) + uint64(p.offset),
				pageIdx: fl.cur,
			}
			p.offset += fl.sizing.Bufsz
			p.outstanding++
			return b, nil
		}
		fl.cur = (fl.cur + 1) % len(fl.pages)
	}
	return Buffer{}, ErrEmpty
}

// Release returns a buffer's slice to its page. When the page's
// outstanding count drops to zero and its bump cursor has reached the
// end (I-B2: only freed once all slices it issued have been released),
// the page is unmapped and replaced with a fresh one so DMA addresses
// already in flight for other slots stay valid.
func (fl *FreeList) Release(b Buffer) error {
	if b.pageIdx < 0 || b.pageIdx >= len(fl.pages) {
		return ErrDoubleRelease
	}
	p := fl.pages[b.pageIdx]
	if p.outstanding == 0 {
		return ErrDoubleRelease
	}
	p.outstanding--
	if p.outstanding == 0 && p.offset >= fl.sizing.PgSize {
		mempool.Free(p.buf)
		fl.pages[b.pageIdx] = fl.allocPage()
	}
	return nil
}

// Sizing returns the geometry this free list was built with.
func (fl *FreeList) Sizing() Sizing { return fl.sizing }

// NumPages reports the current page count (constant after New).
func (fl *FreeList) NumPages() int { return len(fl.pages) }

// PageOutstanding reports the outstanding-slice count of page i, for
// tests verifying I-B2/I-B3.
func (fl *FreeList) PageOutstanding(i int) int { return fl.pages[i].outstanding }
