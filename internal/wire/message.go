// Package wire defines the mailbox's on-the-register wire format: a
// fixed 128-byte (32 x uint32) message record whose first word packs
// the opcode (low 16 bits) and source function id (high 16 bits),
// whose second word holds the destination function id, and whose
// remaining 30 words hold an opcode-specific payload. No correlator is
// carried on the wire; a reply is matched to its request by
// Message.MatchesRequest.
//
// Grounded on qdma_mbox.h's mbox_msg raw[MBOX_MSG_REG_MAX] layout and
// on the teacher's internal/uapi marshal style of explicit
// binary.LittleEndian field packing rather than unsafe casts.
package wire

import (
	"encoding/binary"
)

// NumRegs is the number of 32-bit registers in one mailbox message
// (MBOX_MSG_REG_MAX in the source).
const NumRegs = 32

// Size is the wire size of one message in bytes.
const Size = NumRegs * 4

// Opcode identifies a mailbox message's purpose. Values are stable
// across the wire and must not be renumbered.
type Opcode uint16

const (
	OpNone Opcode = iota

	OpHello
	OpHelloResp
	OpBye
	OpByeResp

	OpFmapWrite
	OpFmapWriteResp

	OpCSRRead
	OpCSRReadResp

	OpQCtxWrite
	OpQCtxWriteResp
	OpQCtxRead
	OpQCtxReadResp
	OpQCtxClear
	OpQCtxClearResp
	OpQCtxInvalidate
	OpQCtxInvalidateResp

	OpQAddNotify
	OpQAddNotifyResp
	OpQDelNotify
	OpQDelNotifyResp

	OpIntrCtxWrite
	OpIntrCtxWriteResp
	OpIntrCtxRead
	OpIntrCtxReadResp
	OpIntrCtxInvalidate
	OpIntrCtxInvalidateResp

	OpRegListRead
	OpRegListReadResp

	OpActiveQCountGet
	OpActiveQCountGetResp

	OpResetRequest
	OpResetRequestResp
	OpResetBye
	OpResetByeResp
	OpResetDone
	OpResetDoneResp

	OpOffline
	OpOfflineResp
)

// responseOf maps each request opcode to its designated response
// opcode, used by ResponseOpcode, IsResponse, and MatchesRequest.
var responseOf = map[Opcode]Opcode{
	OpHello:             OpHelloResp,
	OpBye:               OpByeResp,
	OpFmapWrite:         OpFmapWriteResp,
	OpCSRRead:           OpCSRReadResp,
	OpQCtxWrite:         OpQCtxWriteResp,
	OpQCtxRead:          OpQCtxReadResp,
	OpQCtxClear:         OpQCtxClearResp,
	OpQCtxInvalidate:    OpQCtxInvalidateResp,
	OpQAddNotify:        OpQAddNotifyResp,
	OpQDelNotify:        OpQDelNotifyResp,
	OpIntrCtxWrite:      OpIntrCtxWriteResp,
	OpIntrCtxRead:       OpIntrCtxReadResp,
	OpIntrCtxInvalidate: OpIntrCtxInvalidateResp,
	OpRegListRead:       OpRegListReadResp,
	OpActiveQCountGet:   OpActiveQCountGetResp,
	// A reset request is acknowledged by the VF's reset-bye, not a
	// dedicated -Resp form; OpResetRequestResp stays in the numbering
	// for wire stability but is never the correlated reply.
	OpResetRequest: OpResetBye,
	OpResetBye:     OpResetByeResp,
	OpResetDone:    OpResetDoneResp,
	OpOffline:      OpOfflineResp,
}

// IsResponse reports whether op is itself a response-form opcode.
func (op Opcode) IsResponse() bool {
	for _, resp := range responseOf {
		if resp == op {
			return true
		}
	}
	return false
}

// ResponseOpcode returns the response opcode designated for a request
// opcode, and false if op has no designated response (it is already a
// response, or unknown).
func (op Opcode) ResponseOpcode() (Opcode, bool) {
	resp, ok := responseOf[op]
	return resp, ok
}

// Correlator is a key derived from an opcode and a source function id.
type Correlator uint32

// Correlate computes the correlator for op issued by srcFunc: op in
// the high 16 bits, srcFunc in the low 16. A reply's own correlator
// differs from its request's (its opcode and source differ), so reply
// matching does not use it; MatchesRequest checks the response opcode
// and the swapped source/destination ids instead.
func Correlate(op Opcode, srcFunc uint16) Correlator {
	return Correlator(uint32(op)<<16 | uint32(srcFunc))
}

// PayloadRegs is the number of payload words per message: the header
// word and the destination word occupy the first two registers.
const PayloadRegs = NumRegs - 2

// Message is one mailbox record: a decoded header plus raw payload
// words.
type Message struct {
	Opcode  Opcode
	SrcFunc uint16
	DstFunc uint16
	Payload [PayloadRegs]uint32
}

// Correlator returns this message's own correlator, computed from its
// opcode and source function id.
func (m Message) Correlator() Correlator {
	return Correlate(m.Opcode, m.SrcFunc)
}

// MatchesRequest reports whether m is the reply to a request with
// opcode reqOp sent by reqSrcFunc to reqDstFunc: m must carry reqOp's
// designated response opcode, and m's source/destination must be the
// request's destination/source swapped.
func (m Message) MatchesRequest(reqOp Opcode, reqSrcFunc, reqDstFunc uint16) bool {
	respOp, ok := reqOp.ResponseOpcode()
	if !ok {
		return false
	}
	return m.Opcode == respOp && m.SrcFunc == reqDstFunc && m.DstFunc == reqSrcFunc
}

// IsStop reports whether m is the all-zero "mailbox disabled at the
// other end" sentinel.
func (m Message) IsStop() bool {
	if m.Opcode != OpNone || m.SrcFunc != 0 || m.DstFunc != 0 {
		return false
	}
	for _, w := range m.Payload {
		if w != 0 {
			return false
		}
	}
	return true
}

// Marshal encodes m into a Size-byte little-endian register image.
func Marshal(m Message) [Size]byte {
	var out [Size]byte
	header := uint32(m.Opcode) | uint32(m.SrcFunc)<<16
	binary.LittleEndian.PutUint32(out[0:4], header)
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.DstFunc))
	for i, w := range m.Payload {
		off := (i + 2) * 4
		binary.LittleEndian.PutUint32(out[off:off+4], w)
	}
	return out
}

// Unmarshal decodes a Size-byte register image into a Message.
func Unmarshal(buf [Size]byte) Message {
	header := binary.LittleEndian.Uint32(buf[0:4])
	m := Message{
		Opcode:  Opcode(header & 0xffff),
		SrcFunc: uint16(header >> 16),
		DstFunc: uint16(binary.LittleEndian.Uint32(buf[4:8])),
	}
	for i := range m.Payload {
		off := (i + 2) * 4
		m.Payload[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return m
}
