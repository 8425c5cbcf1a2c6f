package descq

// STH2CDescriptor is one streaming host-to-card descriptor (4.3.4).
type STH2CDescriptor struct {
	SrcAddr    uint64
	Len        uint32
	PayloadLen uint32
	SOP        bool
	EOP        bool
}

// STH2CRequest is one streaming H2C work-list entry: a sequence of
// host pages to push, with Offset tracking bytes already consumed
// across the whole request (page index = Offset / PageSize).
type STH2CRequest struct {
	Pages      []STH2CPage
	Offset     uint64
	TotalLen   uint64
	PktSzHint  uint32 // 0 means "use PageSize"
	PingPongEn bool
}

// STH2CPage is one host page backing a streaming H2C request.
type STH2CPage struct {
	Addr uint64
	Data []byte // present only when PingPongEn needs to stamp a timestamp
}

// STH2CPageSize is the host page size streaming H2C chunking is
// expressed in terms of, matching flq's page size assumption.
const STH2CPageSize = 4096

func pktSize(hint uint32) uint32 {
	if hint == 0 || hint > STH2CPageSize {
		return STH2CPageSize
	}
	return hint
}

// ProcessSTH2C emits descriptors for req into ring until avail or the
// request is exhausted, marking SOP on the first descriptor of the
// request and EOP on the last, splitting each page into chunks no
// larger than pktsz = min(req.PktSzHint or PageSize, PageSize). When
// PingPongEn is set and this call produces the very first descriptor
// of the request, the first byte of the first page is overwritten
// with nextTimestamp() before the descriptor is recorded.
func ProcessSTH2C(ring *DescRing[STH2CDescriptor], req *STH2CRequest, nextTimestamp func() byte) []STH2CDescriptor {
	pktsz := uint64(pktSize(req.PktSzHint))
	var written []STH2CDescriptor

	stamped := req.Offset > 0 // already stamped in a prior cycle
	for req.Offset < req.TotalLen && ring.Avail() > 0 {
		pageIdx := req.Offset / STH2CPageSize
		pageOff := req.Offset % STH2CPageSize
		if int(pageIdx) >= len(req.Pages) {
			break
		}
		page := req.Pages[pageIdx]

		remainInPage := STH2CPageSize - pageOff
		chunk := remainInPage
		if chunk > pktsz {
			chunk = pktsz
		}
		remainInReq := req.TotalLen - req.Offset
		if chunk > remainInReq {
			chunk = remainInReq
		}

		if req.PingPongEn && !stamped && nextTimestamp != nil && len(page.Data) > 0 {
			page.Data[0] = nextTimestamp()
			stamped = true
		}

		desc := STH2CDescriptor{
			SrcAddr:    page.Addr + pageOff,
			Len:        uint32(chunk),
			PayloadLen: uint32(chunk),
			SOP:        req.Offset == 0,
		}
		req.Offset += chunk
		desc.EOP = req.Offset >= req.TotalLen

		ring.Produce(desc)
		written = append(written, desc)

		if desc.EOP {
			break
		}
	}
	return written
}
