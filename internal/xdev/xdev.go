// Package xdev implements the device object (C6): one PCIe function's
// view of the world — BAR mappings, capability flags, function id,
// interrupt vectors, its mailbox instance, and its descq list — plus
// device-level lifecycle (open/online/offline/close/flr_set/
// flr_check) that gates queue operations, and PF-to-VF FLR
// coordination.
//
// Grounded on spec.md 4.6 and the teacher's backend.go Device/
// DeviceState lifecycle shape (Open/CreateAndServe/StopAndDelete
// gating queue operations on a device-level state machine).
package xdev

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/qdmacore/internal/descq"
	"github.com/ehrlich-b/qdmacore/internal/hw"
	"github.com/ehrlich-b/qdmacore/internal/logging"
	"github.com/ehrlich-b/qdmacore/internal/mailbox"
	"github.com/ehrlich-b/qdmacore/internal/resource"
	"github.com/ehrlich-b/qdmacore/internal/wire"
)

// State is the device's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateOnline
	StateOffline
)

var (
	// ErrIllegalTransition is returned when open/online/offline/close
	// is called from a state that forbids it.
	ErrIllegalTransition = errors.New("xdev: illegal device state transition")
	// ErrFLRInProgress is returned by queue operations while an FLR
	// round trip is underway.
	ErrFLRInProgress = errors.New("xdev: function-level reset in progress")
)

// Capabilities mirrors hw.DeviceAttributes for the fields the device
// object itself gates behavior on.
type Capabilities struct {
	STEn       bool
	MMEn       bool
	MMCmptEn   bool
	MailboxEn  bool
	FlrPresent bool
	MMChannels int
}

// VFHandle is the PF's per-VF bookkeeping for FLR coordination:
// active queue count (used to scale the wait timeout) and current
// online/offline status.
type VFHandle struct {
	FuncID       uint16
	ActiveQCount uint32
	Online       bool
}

// Device is one PCIe function's object.
type Device struct {
	mu sync.Mutex

	FuncID uint16
	IsPF   bool
	State  State
	Caps   Capabilities

	Registry    *resource.Registry
	DeviceIndex uint32

	Mailbox *mailbox.Mailbox
	Attrs   hw.AttributeSource
	Ctx     hw.ContextProgrammer

	Queues map[int]*descq.Queue

	vfs       map[uint16]*VFHandle
	flrActive bool

	logger logging.Iface
}

// SetLogger installs an optional logger; nil (the default) disables
// logging. Lifecycle transitions log at Debug, FLR round trips at
// Info, a VF dropped for unresponsiveness at Warn.
func (d *Device) SetLogger(l logging.Iface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = l
}

// RegisterQueue adds q to this device's descq list, keyed by its
// queue index (4.6: the device "owns... the list of descq objects").
// It does not itself call q.Add/Start; callers add/start the queue
// through the descq API and register it here so Queues reflects what
// the device owns and can be looked up, iterated, or torn down by
// index.
func (d *Device) RegisterQueue(qidx int, q *descq.Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Queues[qidx] = q
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d registered queue %d", d.FuncID, qidx)
	}
}

// UnregisterQueue removes a queue index from this device's descq list.
func (d *Device) UnregisterQueue(qidx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Queues, qidx)
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d unregistered queue %d", d.FuncID, qidx)
	}
}

// QueueCount returns the number of queues currently registered on this
// device.
func (d *Device) QueueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Queues)
}

// Queue looks up a registered queue by index.
func (d *Device) Queue(qidx int) (*descq.Queue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.Queues[qidx]
	return q, ok
}

// New constructs a closed Device.
func New(funcID uint16, isPF bool, reg *resource.Registry, deviceIndex uint32, attrs hw.AttributeSource, ctxProg hw.ContextProgrammer, mb *mailbox.Mailbox) *Device {
	return &Device{
		FuncID:      funcID,
		IsPF:        isPF,
		State:       StateClosed,
		Registry:    reg,
		DeviceIndex: deviceIndex,
		Attrs:       attrs,
		Ctx:         ctxProg,
		Mailbox:     mb,
		Queues:      make(map[int]*descq.Queue),
		vfs:         make(map[uint16]*VFHandle),
	}
}

// Open probes (PF) or mailbox-queries (VF) the device attribute table
// and transitions StateClosed -> StateOpen.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != StateClosed {
		return ErrIllegalTransition
	}
	attrs, err := d.Attrs.DeviceAttributes(ctx)
	if err != nil {
		return err
	}
	d.Caps = Capabilities{
		STEn:       attrs.STEn,
		MMEn:       attrs.MMEn,
		MMCmptEn:   attrs.MMCmptEn,
		MailboxEn:  attrs.MailboxEn,
		FlrPresent: attrs.FlrPresent,
		MMChannels: attrs.MMChannels,
	}
	d.State = StateOpen
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d opened, caps=%+v", d.FuncID, d.Caps)
	}
	return nil
}

// Online brings the device up for queue traffic.
func (d *Device) Online() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != StateOpen && d.State != StateOffline {
		return ErrIllegalTransition
	}
	d.State = StateOnline
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d online", d.FuncID)
	}
	return nil
}

// Offline quiesces the device without tearing it down.
func (d *Device) Offline() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State != StateOnline {
		return ErrIllegalTransition
	}
	d.State = StateOffline
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d offline", d.FuncID)
	}
	return nil
}

// Close tears the device down entirely.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == StateClosed {
		return ErrIllegalTransition
	}
	d.State = StateClosed
	if d.logger != nil {
		d.logger.Debugf("xdev: func %d closed", d.FuncID)
	}
	return nil
}

// RegisterVF adds a VF to this PF's table (used only on a PF device).
func (d *Device) RegisterVF(funcID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vfs[funcID] = &VFHandle{FuncID: funcID}
}

// SetVFActiveQCount updates a VF's active queue count, used to scale
// its FLR wait timeout.
func (d *Device) SetVFActiveQCount(funcID uint16, n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.vfs[funcID]; ok {
		v.ActiveQCount = n
	}
}

// OnlineVFCount reports how many VFs are currently marked online.
func (d *Device) OnlineVFCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.vfs {
		if v.Online {
			n++
		}
	}
	return n
}

// FLRBaseTimeout and FLRPerQueueTimeout compose a VF's FLR wait
// timeout: FLRBaseTimeout + ActiveQCount * FLRPerQueueTimeout (4.6:
// "per-VF timeout scaled by VF active queue count").
const (
	FLRBaseTimeout     = 500 * time.Millisecond
	FLRPerQueueTimeout = 10 * time.Millisecond
)

func flrTimeout(activeQCount uint32) time.Duration {
	return FLRBaseTimeout + time.Duration(activeQCount)*FLRPerQueueTimeout
}

// RunFLR executes the PF-to-VFs FLR coordination protocol (4.6):
// broadcast VF_RESET_REQ to every online VF, wait per-VF (scaled by
// its active queue count) for VF_RESET_BYE, bring hardware back up,
// then send PF_RESET_DONE and again wait for acknowledgement. A VF
// that does not reply within its timeout is marked offline without
// further waiting. hwReset performs the hardware-level reset step
// between the bye and done phases.
func (d *Device) RunFLR(ctx context.Context, hwReset func(context.Context) error, sendAndAwait func(vf uint16, req, wantResp wire.Opcode, timeout time.Duration) error) error {
	d.FlrSet(true)
	if d.logger != nil {
		d.logger.Infof("xdev: func %d starting FLR round trip", d.FuncID)
	}
	d.mu.Lock()
	vfList := make([]*VFHandle, 0, len(d.vfs))
	for _, v := range d.vfs {
		if v.Online {
			vfList = append(vfList, v)
		}
	}
	d.mu.Unlock()
	defer func() {
		d.FlrSet(false)
		if d.logger != nil {
			d.logger.Infof("xdev: func %d FLR round trip complete, %d VF(s) online", d.FuncID, d.OnlineVFCount())
		}
	}()

	var wg sync.WaitGroup
	for _, v := range vfList {
		wg.Add(1)
		go func(v *VFHandle) {
			defer wg.Done()
			timeout := flrTimeout(v.ActiveQCount)
			err := sendAndAwait(v.FuncID, wire.OpResetRequest, wire.OpResetBye, timeout)
			d.mu.Lock()
			if err != nil {
				v.Online = false
				if d.logger != nil {
					d.logger.Warnf("xdev: func %d VF %d unresponsive to reset request, marking offline: %v", d.FuncID, v.FuncID, err)
				}
			}
			d.mu.Unlock()
		}(v)
	}
	wg.Wait()

	if hwReset != nil {
		if err := hwReset(ctx); err != nil {
			return err
		}
	}

	var wg2 sync.WaitGroup
	for _, v := range vfList {
		d.mu.Lock()
		online := v.Online
		d.mu.Unlock()
		if !online {
			continue
		}
		wg2.Add(1)
		go func(v *VFHandle) {
			defer wg2.Done()
			timeout := flrTimeout(v.ActiveQCount)
			err := sendAndAwait(v.FuncID, wire.OpResetDone, wire.OpResetDoneResp, timeout)
			d.mu.Lock()
			v.Online = err == nil
			d.mu.Unlock()
		}(v)
	}
	wg2.Wait()
	return nil
}

// FlrSet latches or clears the device's FLR-in-progress flag. RunFLR
// calls this at the start and (via defer) the end of a round trip;
// descq.Queue's FLR gate calls FlrCheck to decide whether Add/Start/
// Stop/Remove must reject with ErrFLRInProgress (4.6: flr_set/
// flr_check gate queue operations during a reset).
func (d *Device) FlrSet(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flrActive = active
}

// FlrCheck reports whether an FLR round trip is currently underway.
func (d *Device) FlrCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flrActive
}

// FLRActive is an alias for FlrCheck, kept for callers written against
// the read-only getter name.
func (d *Device) FLRActive() bool { return d.FlrCheck() }

// MarkVFOnline and MarkVFOffline update a VF's online flag, typically
// called from the mailbox's hello/bye handlers.
func (d *Device) MarkVFOnline(funcID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.vfs[funcID]; ok {
		v.Online = true
	} else {
		d.vfs[funcID] = &VFHandle{FuncID: funcID, Online: true}
	}
}

func (d *Device) MarkVFOffline(funcID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.vfs[funcID]; ok {
		v.Online = false
	}
}
