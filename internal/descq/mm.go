package descq

// DefaultApertureSize is the default descriptor flag_len cap
// (2^28 - 1), used when a queue is not configured with a smaller
// keyhole aperture.
const DefaultApertureSize = 1<<28 - 1

// SGEntry is one scatter-gather entry of a host-side buffer.
type SGEntry struct {
	Addr uint64
	Len  uint32
}

// MMDescriptor is one memory-mapped descriptor (4.3.3).
type MMDescriptor struct {
	SrcAddr uint64
	DstAddr uint64
	FlagLen uint32
	SOP     bool
	EOP     bool
}

// MMRequest is one work-list entry for a memory-mapped queue: a
// transfer of SGList starting at the device-side endpoint address
// EPAddr, tracking how much of SGList has already been drained in
// Offset (bytes into the flattened SG list).
type MMRequest struct {
	EPAddr   uint64
	ToDevice bool // true: host -> device (H2C); false: device -> host (C2H)
	SGList   []SGEntry
	Offset   uint64
}

// sgCursor locates the (index, offset-within-entry) in sgList
// corresponding to byteOffset bytes into the flattened list.
func sgCursor(sgList []SGEntry, byteOffset uint64) (idx int, within uint64) {
	for i, e := range sgList {
		if byteOffset < uint64(e.Len) {
			return i, byteOffset
		}
		byteOffset -= uint64(e.Len)
	}
	return len(sgList), 0
}

// apertureCap returns the descriptor length ceiling for a queue with
// the given configured aperture size (0 meaning "use the default").
func apertureCap(aperture uint64) uint64 {
	if aperture == 0 {
		return DefaultApertureSize
	}
	return aperture
}

// keyholeSplit shortens len so that [epAddr, epAddr+len) never crosses
// the keyhole aperture boundary measured from the request's own base
// address: the wraparound window is [base, base+aperture), matching
// the source's ep_addr_max = req->ep_addr + aperture - 1 rather than a
// power-of-two-aligned floor of epAddr itself. When ep+len would cross
// that boundary, the descriptor is shortened to the remainder and the
// caller must restart the next descriptor at the aperture's base.
func keyholeSplit(base uint64, epAddr uint64, length uint64, aperture uint64) uint64 {
	if aperture == 0 {
		return length
	}
	remaining := base + aperture - epAddr
	if length > remaining {
		return remaining
	}
	return length
}

// ProcessMM emits up to avail descriptors for req into the given
// descriptor ring, walking its SG list starting at req.Offset. It
// returns the descriptors written (also recorded into ring) and
// advances req.Offset in place; when the SG list is not fully drained,
// req.Offset reflects how much remains for the next cycle, per 4.3.3's
// "leaving the request partially drained for the next cycle".
func ProcessMM(ring *DescRing[MMDescriptor], req *MMRequest, cfg Config) []MMDescriptor {
	cap := apertureCap(cfg.ApertureSize)
	keyhole := cfg.ApertureSize

	idx, within := sgCursor(req.SGList, req.Offset)
	var written []MMDescriptor
	first := true

	for idx < len(req.SGList) && ring.Avail() > 0 {
		entry := req.SGList[idx]
		remainInEntry := uint64(entry.Len) - within
		length := remainInEntry
		if length > cap {
			length = cap
		}

		epAddr := req.EPAddr + req.Offset
		if keyhole != 0 {
			epAddr = req.EPAddr + (req.Offset % keyhole)
		}
		length = keyholeSplit(req.EPAddr, epAddr, length, keyhole)

		var desc MMDescriptor
		hostAddr := entry.Addr + within
		if req.ToDevice {
			desc = MMDescriptor{SrcAddr: hostAddr, DstAddr: epAddr, FlagLen: uint32(length)}
		} else {
			desc = MMDescriptor{SrcAddr: epAddr, DstAddr: hostAddr, FlagLen: uint32(length)}
		}
		desc.SOP = first
		first = false

		req.Offset += length
		within += length
		if within >= uint64(entry.Len) {
			idx++
			within = 0
		}

		isLast := idx >= len(req.SGList)
		desc.EOP = isLast

		ring.Produce(desc)
		written = append(written, desc)

		if isLast {
			break
		}
	}
	return written
}
