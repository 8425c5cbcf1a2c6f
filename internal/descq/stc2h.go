package descq

import (
	"github.com/ehrlich-b/qdmacore/internal/flq"
)

// CmptEntry is one streaming C2H completion entry (4.3.5).
type CmptEntry struct {
	Format   uint8 // 0: carries length; 1: does not
	Color    bool
	Err      bool
	EOT      bool
	DescUsed bool
	UDDMode  bool
	Length   uint32
	UDD      [32]byte
}

// Packet is one reassembled streaming C2H packet handed to the
// upper-layer handler: the scatter-gather list of page fragments that
// form it, plus its end-of-transfer flag.
type Packet struct {
	Buffers []flq.Buffer
	EOT     bool
}

// PacketHandler receives one reassembled packet. ProcessSTC2H has no
// default handler: when nil is passed, the packet's buffers are still
// reserved from the free list and counted as consumed, but the packet
// is not delivered anywhere.
type PacketHandler func(Packet)

// STC2HState holds the per-queue mutable state ProcessSTC2H advances
// across calls: completion ring position, sticky error flag, and the
// adaptive counter-threshold bookkeeping (4.3.5 step 5). ExpectedColor
// starts true: hardware writes color=1 across the ring's first pass
// and flips on each wrap, so zero-initialized entries read stale.
type STC2HState struct {
	Err           bool
	ExpectedColor bool
	Adaptive      AdaptiveThreshold
}

// ProcessSTC2H runs one completion-processing pass over cmpt, bounded
// by budget entries, reserving receive buffers from fl and invoking
// handle for each fully reassembled packet. It returns the number of
// CMPT entries consumed and the number of descriptor-ring slots
// consumed from the free list, for the caller to decide whether a
// CMPT cidx update and/or a descriptor PIDX update are due.
func ProcessSTC2H(st *STC2HState, cmpt *DescRing[CmptEntry], fl *flq.FreeList, bufSize int, budget int, handle PacketHandler) (cmptConsumed int, descConsumed int) {
	if st.Err {
		return 0, 0
	}

	for i := 0; i < budget; i++ {
		idx := (cmpt.Cidx() + cmptConsumed) % cmpt.Size()
		entry := *cmpt.At(idx)

		if entry.Color != st.ExpectedColor {
			break
		}

		if entry.Format != 0 {
			st.Err = true
			break
		}
		if !entry.DescUsed && !entry.UDDMode {
			st.Err = true
			break
		}
		if entry.Err {
			st.Err = true
			break
		}

		if entry.DescUsed {
			count := int((uint32(entry.Length) + uint32(bufSize) - 1) / uint32(bufSize))
			if count == 0 {
				count = 1
			}
			lastLen := entry.Length - uint32(count-1)*uint32(bufSize)

			bufs := make([]flq.Buffer, 0, count)
			ok := true
			for j := 0; j < count; j++ {
				b, err := fl.Pop()
				if err != nil {
					ok = false
					for _, rb := range bufs {
						_ = fl.Release(rb)
					}
					break
				}
				if j == count-1 {
					b.Data = b.Data[:lastLen]
				}
				bufs = append(bufs, b)
			}
			if !ok {
				break
			}
			descConsumed += count
			if handle != nil {
				handle(Packet{Buffers: bufs, EOT: entry.EOT})
			}
		}

		cmptConsumed++
		nextIdx := (idx + 1) % cmpt.Size()
		if nextIdx == 0 {
			st.ExpectedColor = !st.ExpectedColor
		}

		st.Adaptive.Observe(1)
	}

	if cmptConsumed > 0 {
		cmpt.AdvanceCidx(cmptConsumed)
	}
	return cmptConsumed, descConsumed
}
