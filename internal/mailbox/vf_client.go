package mailbox

import (
	"context"
	"errors"

	"github.com/ehrlich-b/qdmacore/internal/hw"
	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// ErrRemoteFailed is returned by VFClient calls when the PF handler
// reported a non-zero status word.
var ErrRemoteFailed = errors.New("mailbox: remote handler reported failure")

// VFClient routes a VF's context-programming and CSR reads through its
// parent PF's mailbox handlers. It implements hw.ContextProgrammer, so
// a VF device is constructed with a VFClient where a PF would hold the
// real register-table leaf: the VF never touches hardware contexts
// directly.
type VFClient struct {
	MB     *Mailbox
	PFFunc uint16
}

// NewVFClient wraps mb as a context-programming client targeting the
// parent PF pfFunc.
func NewVFClient(mb *Mailbox, pfFunc uint16) *VFClient {
	return &VFClient{MB: mb, PFFunc: pfFunc}
}

func (c *VFClient) call(ctx context.Context, op wire.Opcode, fill func(p *[wire.PayloadRegs]uint32)) (wire.Message, error) {
	msg := wire.Message{Opcode: op, SrcFunc: c.MB.FuncID, DstFunc: c.PFFunc}
	if fill != nil {
		fill(&msg.Payload)
	}
	resp, err := c.MB.Send(ctx, msg, true)
	if err != nil {
		return wire.Message{}, err
	}
	if resp.Payload[0] != statusOK {
		return resp, ErrRemoteFailed
	}
	return resp, nil
}

func (c *VFClient) WriteContext(ctx context.Context, qc hw.QueueContext) error {
	_, err := c.call(ctx, wire.OpQCtxWrite, func(p *[wire.PayloadRegs]uint32) {
		encodeQueueContext(qc, p)
	})
	return err
}

func (c *VFClient) ReadContext(ctx context.Context, qid int) (hw.QueueContext, error) {
	resp, err := c.call(ctx, wire.OpQCtxRead, func(p *[wire.PayloadRegs]uint32) {
		p[ctxWordQID] = uint32(qid)
	})
	if err != nil {
		return hw.QueueContext{}, err
	}
	var enc [wire.PayloadRegs]uint32
	copy(enc[:], resp.Payload[1:])
	return decodeQueueContext(&enc), nil
}

func (c *VFClient) ClearContext(ctx context.Context, qid int) error {
	_, err := c.call(ctx, wire.OpQCtxClear, func(p *[wire.PayloadRegs]uint32) {
		p[ctxWordQID] = uint32(qid)
	})
	return err
}

func (c *VFClient) InvalidateContext(ctx context.Context, qid int) error {
	_, err := c.call(ctx, wire.OpQCtxInvalidate, func(p *[wire.PayloadRegs]uint32) {
		p[ctxWordQID] = uint32(qid)
	})
	return err
}

func (c *VFClient) WriteIntrContext(ctx context.Context, vector int, ringAddr uint64, rngSzIdx int) error {
	_, err := c.call(ctx, wire.OpIntrCtxWrite, func(p *[wire.PayloadRegs]uint32) {
		p[0] = uint32(vector)
		p[1] = uint32(ringAddr)
		p[2] = uint32(ringAddr >> 32)
		p[3] = uint32(rngSzIdx)
	})
	return err
}

func (c *VFClient) ReadIntrContext(ctx context.Context, vector int) (uint64, int, error) {
	resp, err := c.call(ctx, wire.OpIntrCtxRead, func(p *[wire.PayloadRegs]uint32) {
		p[0] = uint32(vector)
	})
	if err != nil {
		return 0, 0, err
	}
	ringAddr := uint64(resp.Payload[1]) | uint64(resp.Payload[2])<<32
	return ringAddr, int(resp.Payload[3]), nil
}

func (c *VFClient) InvalidateIntrContext(ctx context.Context, vector int) error {
	_, err := c.call(ctx, wire.OpIntrCtxInvalidate, func(p *[wire.PayloadRegs]uint32) {
		p[0] = uint32(vector)
	})
	return err
}

func (c *VFClient) ProgramFmap(ctx context.Context, funcID uint16, qbase int, qmax uint32) error {
	_, err := c.call(ctx, wire.OpFmapWrite, func(p *[wire.PayloadRegs]uint32) {
		p[0] = uint32(int32(qbase))
		p[1] = qmax
	})
	return err
}

// ReadCSR reads one CSR register through the PF.
func (c *VFClient) ReadCSR(ctx context.Context, offset uint32) (uint32, error) {
	resp, err := c.call(ctx, wire.OpCSRRead, func(p *[wire.PayloadRegs]uint32) {
		p[0] = offset
	})
	if err != nil {
		return 0, err
	}
	return resp.Payload[1], nil
}

// ReadRegList reads a contiguous run of registers through the PF. The
// run is bounded by the message payload capacity.
func (c *VFClient) ReadRegList(ctx context.Context, offset uint32, count int) ([]uint32, error) {
	resp, err := c.call(ctx, wire.OpRegListRead, func(p *[wire.PayloadRegs]uint32) {
		p[0] = offset
		p[1] = uint32(count)
	})
	if err != nil {
		return nil, err
	}
	n := int(resp.Payload[1])
	out := make([]uint32, n)
	copy(out, resp.Payload[2:2+n])
	return out, nil
}

// ActiveQueueCount queries the device-wide active queue count from the
// PF's resource manager.
func (c *VFClient) ActiveQueueCount(ctx context.Context) (uint32, error) {
	resp, err := c.call(ctx, wire.OpActiveQCountGet, nil)
	if err != nil {
		return 0, err
	}
	return resp.Payload[1], nil
}

var _ hw.ContextProgrammer = (*VFClient)(nil)
