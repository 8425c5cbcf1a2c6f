// Package hw defines the interfaces to the leaf collaborators spec.md
// declares out of scope for this core: register bit-layout encoding,
// the physical register window, and context programming. The core
// talks only to these interfaces; a real build backs them with a BAR
// mapping and register field tables, and tests/cmd/qdma-sim back them
// with internal/hw/simhw.
//
// Grounded on the teacher's internal/interfaces/backend.go, which
// draws the same boundary between the engine (Runner) and the thing
// that actually moves bytes (Backend).
package hw

import "context"

// RegisterWindow is one PCIe function's register-mapped control
// surface: the config BAR plus whichever user/bypass BAR the device
// attribute table (or, on a VF, a mailbox query) identifies.
type RegisterWindow interface {
	// ReadReg reads one 32-bit register at the given byte offset.
	ReadReg(ctx context.Context, offset uint32) (uint32, error)
	// WriteReg writes one 32-bit register at the given byte offset.
	WriteReg(ctx context.Context, offset uint32, value uint32) error
	// ReadRegList reads a contiguous run of registers, for the
	// mailbox's reg-list-read opcode.
	ReadRegList(ctx context.Context, offset uint32, count int) ([]uint32, error)
}

// QueueContext is the hardware-facing shape of one queue's DMA
// context: ring base addresses, sizes, mode flags, and trigger
// configuration, as programmed by ContextProgrammer.
type QueueContext struct {
	QID           int
	RingBaseAddr  uint64
	CmptBaseAddr  uint64
	RngSzIdx      int
	CmplRngSzIdx  int
	BufSzIdx      int
	Mode          int // MM or ST, mirrored from descq.Mode
	Direction     int // H2C, C2H, or CMPT-only
	ApertureSize  uint64
	PidxAcc       uint32
	TrigMode      int
	TimerIdx      int
	CntThIdx      int
	PingPongEn    bool
	CmptEnIntr    bool
}

// ContextProgrammer programs and tears down hardware DMA contexts for
// a queue, the portion of "queue add/start/stop/remove" spec.md
// explicitly delegates to a leaf.
type ContextProgrammer interface {
	WriteContext(ctx context.Context, qc QueueContext) error
	ReadContext(ctx context.Context, qid int) (QueueContext, error)
	ClearContext(ctx context.Context, qid int) error
	InvalidateContext(ctx context.Context, qid int) error

	WriteIntrContext(ctx context.Context, vector int, ringAddr uint64, rngSzIdx int) error
	ReadIntrContext(ctx context.Context, vector int) (ringAddr uint64, rngSzIdx int, err error)
	InvalidateIntrContext(ctx context.Context, vector int) error

	// ProgramFmap writes one function's queue-range mapping (qbase,
	// qmax) into the hardware function-map table.
	ProgramFmap(ctx context.Context, funcID uint16, qbase int, qmax uint32) error
}

// DeviceAttributes describes fixed, per-device-type capabilities that
// the device attribute table (or a VF's mailbox query) supplies.
type DeviceAttributes struct {
	NumPFs          int
	NumQueues       uint32
	FlrPresent      bool
	MailboxEn       bool
	MMEn            bool
	STEn            bool
	MMCmptEn        bool
	MMChannels      int
	VersalHardIP    bool
	UserBarIdx      int
	BypassBarIdx    int
	ConfigBarIdx    int
}

// AttributeSource resolves a device's attribute table, by direct
// probe on a PF or by mailbox query on a VF.
type AttributeSource interface {
	DeviceAttributes(ctx context.Context) (DeviceAttributes, error)
}
