// Package simhw is a test-and-demo-only software stand-in for
// internal/hw's RegisterWindow, ContextProgrammer, and
// AttributeSource: an in-memory register file and context table with
// no real bus behind it, used by cmd/qdma-sim and by package tests
// that need a device end to end without real hardware.
//
// Grounded on the teacher's backend/mem.go, which plays the identical
// role for the Backend interface: a fully in-process implementation
// that lets the engine be driven and observed without a kernel or a
// real block device underneath.
package simhw

import (
	"context"
	"sync"

	"github.com/ehrlich-b/qdmacore/internal/hw"
)

// Sim is an in-memory register window, context programmer, and
// attribute source all in one, guarded by a single mutex.
type Sim struct {
	mu    sync.Mutex
	attrs hw.DeviceAttributes
	regs  map[uint32]uint32
	ctx   map[int]hw.QueueContext
	intr  map[int]intrCtx

	// FailWrite, if set, is returned by WriteReg/WriteContext calls
	// whose offset/qid matches FailAt; used to exercise error paths.
	FailWrite error
	FailAt    uint32
}

type intrCtx struct {
	ringAddr uint64
	rngSzIdx int
}

// New returns a Sim seeded with the given attributes.
func New(attrs hw.DeviceAttributes) *Sim {
	return &Sim{
		attrs: attrs,
		regs:  make(map[uint32]uint32),
		ctx:   make(map[int]hw.QueueContext),
		intr:  make(map[int]intrCtx),
	}
}

func (s *Sim) ReadReg(_ context.Context, offset uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[offset], nil
}

func (s *Sim) WriteReg(_ context.Context, offset uint32, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrite != nil && offset == s.FailAt {
		return s.FailWrite
	}
	s.regs[offset] = value
	return nil
}

func (s *Sim) ReadRegList(ctx context.Context, offset uint32, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		v, err := s.ReadReg(ctx, offset+uint32(i*4))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Sim) WriteContext(_ context.Context, qc hw.QueueContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrite != nil && uint32(qc.QID) == s.FailAt {
		return s.FailWrite
	}
	s.ctx[qc.QID] = qc
	return nil
}

func (s *Sim) ReadContext(_ context.Context, qid int) (hw.QueueContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx[qid], nil
}

func (s *Sim) ClearContext(_ context.Context, qid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ctx, qid)
	return nil
}

func (s *Sim) InvalidateContext(_ context.Context, qid int) error {
	return s.ClearContext(context.Background(), qid)
}

func (s *Sim) WriteIntrContext(_ context.Context, vector int, ringAddr uint64, rngSzIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intr[vector] = intrCtx{ringAddr: ringAddr, rngSzIdx: rngSzIdx}
	return nil
}

func (s *Sim) ReadIntrContext(_ context.Context, vector int) (uint64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic := s.intr[vector]
	return ic.ringAddr, ic.rngSzIdx, nil
}

func (s *Sim) InvalidateIntrContext(_ context.Context, vector int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intr, vector)
	return nil
}

func (s *Sim) ProgramFmap(_ context.Context, funcID uint16, qbase int, qmax uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[0xf000+uint32(funcID)*8] = uint32(qbase)
	s.regs[0xf004+uint32(funcID)*8] = qmax
	return nil
}

func (s *Sim) DeviceAttributes(_ context.Context) (hw.DeviceAttributes, error) {
	return s.attrs, nil
}

var (
	_ hw.RegisterWindow    = (*Sim)(nil)
	_ hw.ContextProgrammer = (*Sim)(nil)
	_ hw.AttributeSource   = (*Sim)(nil)
)
