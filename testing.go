package qdma

import (
	"context"
	"sync"

	"github.com/ehrlich-b/qdmacore/internal/hw"
	"github.com/ehrlich-b/qdmacore/internal/hw/simhw"
	"github.com/ehrlich-b/qdmacore/internal/resource"
	"github.com/ehrlich-b/qdmacore/internal/wire"
	"github.com/ehrlich-b/qdmacore/internal/xdev"
)

// wirePipe is an in-memory, two-ended hardware transport connecting
// one function's mailbox send slot to another's receive FIFO. It
// plays the role a real register window's send/receive slot pair
// plays in production, so tests can drive two xdev.Device values
// (a PF and a VF) through the real mailbox pipeline without hardware.
type wirePipe struct {
	mu   sync.Mutex
	fifo []wire.Message
}

func newWirePipe() *wirePipe { return &wirePipe{} }

func (p *wirePipe) send(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fifo = append(p.fifo, msg)
	return nil
}

func (p *wirePipe) recv() (wire.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fifo) == 0 {
		return wire.Message{}, false
	}
	msg := p.fifo[0]
	p.fifo = p.fifo[1:]
	return msg, true
}

// TestHarness wires one resource.Registry and a PF/VF pair of
// xdev.Device objects over an in-memory register window and an
// in-memory mailbox transport, for package tests and examples that
// need an end-to-end setup without real hardware. This is the qdma
// analog of a mock backend: everything downstream of hw.RegisterWindow
// is the real core.
type TestHarness struct {
	Registry    *resource.Registry
	DeviceIndex uint32

	PFSim *simhw.Sim
	PF    *xdev.Device

	VFSim *simhw.Sim
	VF    *xdev.Device

	// PFDevice and VFDevice are the root Device objects Open assembled
	// PF and VF from; PF/VF above are their XDev() for callers that
	// only need the lower-level lifecycle surface.
	PFDevice *Device
	VFDevice *Device

	pfToVF *wirePipe
	vfToPF *wirePipe
}

// NewTestHarness builds a registry with one master spanning
// [0, totalQ), one PF function, and one VF function, each assembled by
// Open over an in-memory Sim and connected by an in-memory mailbox
// pipe — the same path production code takes, minus real hardware.
func NewTestHarness(totalQ uint32, attrs hw.DeviceAttributes) (*TestHarness, error) {
	const pfFuncID, vfFuncID uint16 = 0, 1

	pfToVF := newWirePipe()
	vfToPF := newWirePipe()

	pfSim := simhw.New(attrs)
	vfSim := simhw.New(attrs)

	pf, err := Open(context.Background(), Config{
		FuncID:        pfFuncID,
		IsPF:          true,
		TotalQ:        totalQ,
		AttrSource:    pfSim,
		CtxProgrammer: pfSim,
		RegWindow:     pfSim,
		HWSend:        pfToVF.send,
		HWRecv:        vfToPF.recv,
	}, nil)
	if err != nil {
		return nil, err
	}

	// The VF carries no CtxProgrammer of its own: its context
	// programming is routed to the PF over the mailbox, the same path
	// production VFs take.
	vf, err := Open(context.Background(), Config{
		FuncID:      vfFuncID,
		IsPF:        false,
		ParentPF:    pfFuncID,
		Registry:    pf.Registry(),
		DeviceIndex: pf.DeviceIndex(),
		AttrSource:  vfSim,
		HWSend:      vfToPF.send,
		HWRecv:      pfToVF.recv,
	}, nil)
	if err != nil {
		return nil, err
	}

	pf.XDev().RegisterVF(vfFuncID)

	return &TestHarness{
		Registry:    pf.Registry(),
		DeviceIndex: pf.DeviceIndex(),
		PFSim:       pfSim,
		PF:          pf.XDev(),
		VFSim:       vfSim,
		VF:          vf.XDev(),
		PFDevice:    pf,
		VFDevice:    vf,
		pfToVF:      pfToVF,
		vfToPF:      vfToPF,
	}, nil
}

// PumpMailboxes runs one send pass and one receive pass on each end,
// returning true if either end made progress. Tests drive this in a loop instead of
// relying on the background worker goroutines the real stack would
// run, to keep scenario tests deterministic.
func (h *TestHarness) PumpMailboxes() bool {
	progress := h.PF.Mailbox.PumpTx(3)
	progress = h.PF.Mailbox.PumpRx() || progress
	progress = h.VF.Mailbox.PumpTx(3) || progress
	progress = h.VF.Mailbox.PumpRx() || progress
	return progress
}

// DefaultTestAttributes returns a DeviceAttributes enabling MM, ST,
// MM-CMPT, and mailbox, with no Versal Hard IP restrictions — a
// reasonable default for exercising the full data path in tests.
func DefaultTestAttributes() hw.DeviceAttributes {
	return hw.DeviceAttributes{
		NumPFs:       1,
		NumQueues:    TotalQ,
		FlrPresent:   true,
		MailboxEn:    true,
		MMEn:         true,
		STEn:         true,
		MMCmptEn:     true,
		MMChannels:   1,
		VersalHardIP: false,
		ConfigBarIdx: 0,
		UserBarIdx:   2,
		BypassBarIdx: -1,
	}
}
