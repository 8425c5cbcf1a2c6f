package mailbox

import (
	"context"

	"github.com/ehrlich-b/qdmacore/internal/hw"
	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// Response payload word 0 is a status code; data words follow. Values
// are part of the mailbox wire contract.
const (
	statusOK   = 0
	statusFail = 1
)

// Services bundles the PF-side collaborators the opcode dispatch
// invokes on behalf of a VF: the register window for CSR and reg-list
// reads, the context-programming leaf for queue/interrupt contexts and
// fmap, and the resource manager's device-wide active count.
type Services struct {
	Regs        hw.RegisterWindow
	Ctx         hw.ContextProgrammer
	ActiveCount func() (uint32, error)
}

// Queue-context payload layout, shared by the PF handlers and the VF
// client. Word 0 of a request is the qid (or vector); context fields
// follow for writes.
const (
	ctxWordQID          = 0
	ctxWordRingBaseLo   = 1
	ctxWordRingBaseHi   = 2
	ctxWordCmptBaseLo   = 3
	ctxWordCmptBaseHi   = 4
	ctxWordRngSzIdx     = 5
	ctxWordCmplRngSzIdx = 6
	ctxWordBufSzIdx     = 7
	ctxWordMode         = 8
	ctxWordDirection    = 9
	ctxWordApertureLo   = 10
	ctxWordApertureHi   = 11
	ctxWordPidxAcc      = 12
	ctxWordTrigMode     = 13
	ctxWordTimerIdx     = 14
	ctxWordCntThIdx     = 15
	ctxWordFlags        = 16

	ctxFlagPingPong = 1 << 0
	ctxFlagCmptIntr = 1 << 1
)

func encodeQueueContext(qc hw.QueueContext, p *[wire.PayloadRegs]uint32) {
	p[ctxWordQID] = uint32(qc.QID)
	p[ctxWordRingBaseLo] = uint32(qc.RingBaseAddr)
	p[ctxWordRingBaseHi] = uint32(qc.RingBaseAddr >> 32)
	p[ctxWordCmptBaseLo] = uint32(qc.CmptBaseAddr)
	p[ctxWordCmptBaseHi] = uint32(qc.CmptBaseAddr >> 32)
	p[ctxWordRngSzIdx] = uint32(qc.RngSzIdx)
	p[ctxWordCmplRngSzIdx] = uint32(qc.CmplRngSzIdx)
	p[ctxWordBufSzIdx] = uint32(qc.BufSzIdx)
	p[ctxWordMode] = uint32(qc.Mode)
	p[ctxWordDirection] = uint32(qc.Direction)
	p[ctxWordApertureLo] = uint32(qc.ApertureSize)
	p[ctxWordApertureHi] = uint32(qc.ApertureSize >> 32)
	p[ctxWordPidxAcc] = qc.PidxAcc
	p[ctxWordTrigMode] = uint32(qc.TrigMode)
	p[ctxWordTimerIdx] = uint32(qc.TimerIdx)
	p[ctxWordCntThIdx] = uint32(qc.CntThIdx)
	var flags uint32
	if qc.PingPongEn {
		flags |= ctxFlagPingPong
	}
	if qc.CmptEnIntr {
		flags |= ctxFlagCmptIntr
	}
	p[ctxWordFlags] = flags
}

func decodeQueueContext(p *[wire.PayloadRegs]uint32) hw.QueueContext {
	return hw.QueueContext{
		QID:          int(p[ctxWordQID]),
		RingBaseAddr: uint64(p[ctxWordRingBaseLo]) | uint64(p[ctxWordRingBaseHi])<<32,
		CmptBaseAddr: uint64(p[ctxWordCmptBaseLo]) | uint64(p[ctxWordCmptBaseHi])<<32,
		RngSzIdx:     int(p[ctxWordRngSzIdx]),
		CmplRngSzIdx: int(p[ctxWordCmplRngSzIdx]),
		BufSzIdx:     int(p[ctxWordBufSzIdx]),
		Mode:         int(p[ctxWordMode]),
		Direction:    int(p[ctxWordDirection]),
		ApertureSize: uint64(p[ctxWordApertureLo]) | uint64(p[ctxWordApertureHi])<<32,
		PidxAcc:      p[ctxWordPidxAcc],
		TrigMode:     int(p[ctxWordTrigMode]),
		TimerIdx:     int(p[ctxWordTimerIdx]),
		CntThIdx:     int(p[ctxWordCntThIdx]),
		PingPongEn:   p[ctxWordFlags]&ctxFlagPingPong != 0,
		CmptEnIntr:   p[ctxWordFlags]&ctxFlagCmptIntr != 0,
	}
}

func (m *Mailbox) reply(req wire.Message, respOp wire.Opcode, status uint32, fill func(p *[wire.PayloadRegs]uint32)) wire.Message {
	resp := wire.Message{Opcode: respOp, SrcFunc: m.FuncID, DstFunc: req.SrcFunc}
	resp.Payload[0] = status
	if fill != nil {
		fill(&resp.Payload)
	}
	return resp
}

// RegisterPFServices wires the remaining PF-side opcode dispatch: CSR
// read, reg-list read, fmap programming, queue/interrupt context
// write/read/clear/invalidate, and the device-wide active-queue-count
// query. VFs never touch contexts or CSRs directly; these handlers are
// how a VF's requests reach the register window and the
// context-programming leaf through its parent PF.
// Each collaborator group is optional: handlers are only installed for
// the collaborators svc actually carries, so a PF wired without a
// register window simply leaves CSR reads unhandled (the VF's request
// times out, the same observable behavior as a PF without that
// capability).
func (m *Mailbox) RegisterPFServices(svc Services) {
	bg := context.Background()

	if svc.Regs != nil {
		m.registerRegHandlers(bg, svc)
	}
	if svc.Ctx != nil {
		m.registerCtxHandlers(bg, svc)
	}
	if svc.ActiveCount != nil {
		m.Handlers[wire.OpActiveQCountGet] = func(req wire.Message) wire.Message {
			n, err := svc.ActiveCount()
			if err != nil {
				return m.reply(req, wire.OpActiveQCountGetResp, statusFail, nil)
			}
			return m.reply(req, wire.OpActiveQCountGetResp, statusOK, func(p *[wire.PayloadRegs]uint32) {
				p[1] = n
			})
		}
	}
}

func (m *Mailbox) registerRegHandlers(bg context.Context, svc Services) {
	m.Handlers[wire.OpCSRRead] = func(req wire.Message) wire.Message {
		v, err := svc.Regs.ReadReg(bg, req.Payload[0])
		if err != nil {
			return m.reply(req, wire.OpCSRReadResp, statusFail, nil)
		}
		return m.reply(req, wire.OpCSRReadResp, statusOK, func(p *[wire.PayloadRegs]uint32) {
			p[1] = v
		})
	}

	m.Handlers[wire.OpRegListRead] = func(req wire.Message) wire.Message {
		offset := req.Payload[0]
		count := int(req.Payload[1])
		if count > wire.PayloadRegs-2 {
			count = wire.PayloadRegs - 2
		}
		vals, err := svc.Regs.ReadRegList(bg, offset, count)
		if err != nil {
			return m.reply(req, wire.OpRegListReadResp, statusFail, nil)
		}
		return m.reply(req, wire.OpRegListReadResp, statusOK, func(p *[wire.PayloadRegs]uint32) {
			p[1] = uint32(len(vals))
			copy(p[2:], vals)
		})
	}
}

func (m *Mailbox) registerCtxHandlers(bg context.Context, svc Services) {
	m.Handlers[wire.OpFmapWrite] = func(req wire.Message) wire.Message {
		qbase := int(int32(req.Payload[0]))
		qmax := req.Payload[1]
		if err := svc.Ctx.ProgramFmap(bg, req.SrcFunc, qbase, qmax); err != nil {
			return m.reply(req, wire.OpFmapWriteResp, statusFail, nil)
		}
		return m.reply(req, wire.OpFmapWriteResp, statusOK, nil)
	}

	m.Handlers[wire.OpQCtxWrite] = func(req wire.Message) wire.Message {
		qc := decodeQueueContext(&req.Payload)
		if err := svc.Ctx.WriteContext(bg, qc); err != nil {
			return m.reply(req, wire.OpQCtxWriteResp, statusFail, nil)
		}
		return m.reply(req, wire.OpQCtxWriteResp, statusOK, nil)
	}

	m.Handlers[wire.OpQCtxRead] = func(req wire.Message) wire.Message {
		qc, err := svc.Ctx.ReadContext(bg, int(req.Payload[ctxWordQID]))
		if err != nil {
			return m.reply(req, wire.OpQCtxReadResp, statusFail, nil)
		}
		return m.reply(req, wire.OpQCtxReadResp, statusOK, func(p *[wire.PayloadRegs]uint32) {
			var enc [wire.PayloadRegs]uint32
			encodeQueueContext(qc, &enc)
			copy(p[1:], enc[:ctxWordFlags+1])
		})
	}

	m.Handlers[wire.OpQCtxClear] = func(req wire.Message) wire.Message {
		if err := svc.Ctx.ClearContext(bg, int(req.Payload[ctxWordQID])); err != nil {
			return m.reply(req, wire.OpQCtxClearResp, statusFail, nil)
		}
		return m.reply(req, wire.OpQCtxClearResp, statusOK, nil)
	}

	m.Handlers[wire.OpQCtxInvalidate] = func(req wire.Message) wire.Message {
		if err := svc.Ctx.InvalidateContext(bg, int(req.Payload[ctxWordQID])); err != nil {
			return m.reply(req, wire.OpQCtxInvalidateResp, statusFail, nil)
		}
		return m.reply(req, wire.OpQCtxInvalidateResp, statusOK, nil)
	}

	m.Handlers[wire.OpIntrCtxWrite] = func(req wire.Message) wire.Message {
		vector := int(req.Payload[0])
		ringAddr := uint64(req.Payload[1]) | uint64(req.Payload[2])<<32
		rngSzIdx := int(req.Payload[3])
		if err := svc.Ctx.WriteIntrContext(bg, vector, ringAddr, rngSzIdx); err != nil {
			return m.reply(req, wire.OpIntrCtxWriteResp, statusFail, nil)
		}
		return m.reply(req, wire.OpIntrCtxWriteResp, statusOK, nil)
	}

	m.Handlers[wire.OpIntrCtxRead] = func(req wire.Message) wire.Message {
		ringAddr, rngSzIdx, err := svc.Ctx.ReadIntrContext(bg, int(req.Payload[0]))
		if err != nil {
			return m.reply(req, wire.OpIntrCtxReadResp, statusFail, nil)
		}
		return m.reply(req, wire.OpIntrCtxReadResp, statusOK, func(p *[wire.PayloadRegs]uint32) {
			p[1] = uint32(ringAddr)
			p[2] = uint32(ringAddr >> 32)
			p[3] = uint32(rngSzIdx)
		})
	}

	m.Handlers[wire.OpIntrCtxInvalidate] = func(req wire.Message) wire.Message {
		if err := svc.Ctx.InvalidateIntrContext(bg, int(req.Payload[0])); err != nil {
			return m.reply(req, wire.OpIntrCtxInvalidateResp, statusFail, nil)
		}
		return m.reply(req, wire.OpIntrCtxInvalidateResp, statusOK, nil)
	}
}
