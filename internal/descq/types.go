// Package descq implements the descriptor queue (C5): queue add/
// start/stop/remove lifecycle, the memory-mapped and streaming
// request-processing data paths, streaming completion processing, and
// the coalesced producer-index-update policy.
//
// Grounded on spec.md 4.3 throughout, with ring storage built on
// github.com/cloudwego/gopkg/container/ring (the pack's GC-friendly
// generic fixed-capacity ring) standing in for the source's raw
// DMA-coherent descriptor ring arrays in qdma_descq.c/qdma_st_c2h.c.
package descq

import "errors"

// Mode is the queue's transfer mode.
type Mode int

const (
	ModeMM Mode = iota
	ModeST
)

// Direction is the queue's data direction, or CMPT for an independent
// completion-only queue.
type Direction int

const (
	DirH2C Direction = iota
	DirC2H
	DirCMPT
)

// State is a descq's lifecycle state.
type State int

const (
	StateDisabled State = iota
	StateEnabled
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

var (
	// ErrIllegalTransition is returned when add/start/stop/remove is
	// called from a state that forbids it.
	ErrIllegalTransition = errors.New("descq: illegal state transition")
	// ErrIncompatibleNeighbor is returned by Add when the requested
	// queue configuration cannot coexist with what is already present
	// at the same index (4.3.2).
	ErrIncompatibleNeighbor = errors.New("descq: incompatible neighbor at index")
	// ErrQueueHalted is returned by request-submission entry points
	// once descq.err has latched (4.3.7).
	ErrQueueHalted = errors.New("descq: queue halted on sticky error")
	// ErrCancelled is delivered to requests still on the work or
	// pending list when Stop gives up waiting and cancels them.
	ErrCancelled = errors.New("descq: request cancelled by queue stop")
	// ErrApertureNotPow2 is returned when a non-zero, non-power-of-two
	// aperture size is configured.
	ErrApertureNotPow2 = errors.New("descq: aperture size must be zero or a power of two")
	// ErrBadMode is returned when ST-only or MM-only processing is
	// invoked on a queue configured for the other mode.
	ErrBadMode = errors.New("descq: operation not valid for queue mode")
	// ErrFLRInProgress is returned by Add/Start/Stop/Remove/Submit* while
	// the owning device's function-level reset is underway (4.6).
	ErrFLRInProgress = errors.New("descq: function-level reset in progress")
	// ErrCmptProtocol latches when completion processing hits a
	// protocol violation: an entry whose format is not 0, an entry
	// with neither desc_used nor UDD, or the err bit set.
	ErrCmptProtocol = errors.New("descq: completion-ring protocol violation")
)

// Config is a queue's fixed-at-add-time configuration (spec.md 6).
type Config struct {
	QIdx              int
	Direction         Direction
	Mode              Mode
	DescRngSzIdx      int
	CmplRngSzIdx      int
	C2HBufSzIdx       int
	CmplTrigMode      TrigMode
	CmplTimerIdx      int
	CmplCntThIdx      int
	CmplDescSz        int
	SwDescSz          int
	CmptStatEn        bool
	CmptEnIntr        bool
	CmplUddEn         bool
	PfetchEn          bool
	PfetchBypass      bool
	DescBypass        bool
	FetchCredit       bool
	WbStatusEn        bool
	CmplStatusAccEn   bool
	CmplStatusPendChk bool
	CmplOvfChkDis     bool
	AdaptiveRx        bool
	LatencyOptimize   bool
	InitPidxDis       bool
	PingPongEn        bool
	ApertureSize      uint64
	PidxAcc           uint32
	VersalHardIP      bool
}

// TrigMode is the CMPT trigger mode.
type TrigMode int

const (
	TrigDisable TrigMode = iota
	TrigAny
	TrigCounter
	TrigUser
	TrigTimer
	TrigCombo
)

// Validate checks the cross-field constraints spec.md 6 lists:
// aperture size power-of-two, COMBO trigger and 64B descriptor sizes
// forbidden on Versal Hard IP.
func (c Config) Validate() error {
	if c.ApertureSize != 0 && c.ApertureSize&(c.ApertureSize-1) != 0 {
		return ErrApertureNotPow2
	}
	if c.VersalHardIP {
		if c.CmplTrigMode == TrigCombo {
			return errors.New("descq: COMBO trigger mode forbidden on Versal Hard IP")
		}
		if c.CmplDescSz == 64 || c.SwDescSz == 64 {
			return errors.New("descq: 64B descriptor size forbidden on Versal Hard IP")
		}
	}
	if c.Mode == ModeMM && c.Direction == DirCMPT {
		// independent CMPT queues are MM-only; nothing further to check here,
		// capability gating happens in the parent queue set.
	}
	return nil
}
