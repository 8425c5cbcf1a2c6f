package qdma

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
	"github.com/ehrlich-b/qdmacore/internal/worker"
	"github.com/ehrlich-b/qdmacore/internal/xdev"
)

// ErrUnexpectedMailboxReply is returned by RunFLR's mailbox round trip
// when a reply arrives with an opcode other than the one requested.
var ErrUnexpectedMailboxReply = errors.New("qdma: unexpected mailbox reply during FLR")

// Config wires one PCIe function's Device to its collaborators:
// either a brand-new resource-manager master (TotalQ > 0, Registry
// nil) or an existing one a sibling function already created
// (Registry/DeviceIndex set, as a VF joining its PF's master).
type Config struct {
	FuncID uint16
	IsPF   bool

	// ParentPF is the function id of a VF's parent physical function,
	// the destination for its mailbox service calls. Ignored on a PF.
	ParentPF uint16

	// Registry/DeviceIndex join an existing master (set both together,
	// leave TotalQ zero). Leave Registry nil to create a new master
	// spanning [0, TotalQ).
	Registry    *resource.Registry
	DeviceIndex uint32
	TotalQ      uint32

	AttrSource hw.AttributeSource

	// CtxProgrammer is the context-programming leaf. On a PF this is
	// the real register-table encoder; on a VF it may be left nil, in
	// which case context programming is routed to ParentPF over the
	// mailbox (VFs never touch hardware contexts directly).
	CtxProgrammer hw.ContextProgrammer

	// RegWindow, when set on a PF, backs the mailbox's CSR-read and
	// reg-list-read service handlers.
	RegWindow hw.RegisterWindow

	HWSend mailbox.HWSend
	HWRecv mailbox.HWRecv
}

// Options carries the cross-cutting, optional concerns Open threads
// through every collaborator it builds, mirroring the teacher's own
// Options{Context, Logger, Observer}.
type Options struct {
	Context  context.Context
	Logger   logging.Iface
	Observer Observer

	// WorkerCPUs pins the completion-worker pool to specific CPUs; nil
	// defaults to one worker per runtime.NumCPU().
	WorkerCPUs []int

	// AutoPump, if true, schedules the mailbox's PumpTx/PumpRx/
	// SweepTimeouts onto the completion-worker pool for the lifetime
	// of the Device, so mailbox traffic is serviced on the same
	// least-loaded threads as descq completions. Callers that want to
	// drive the mailbox deterministically themselves (tests,
	// single-stepped demos) leave this false and call PumpTx/PumpRx
	// directly through Mailbox().
	AutoPump bool
}

// Device is one PCIe function's fully wired object: its xdev lifecycle
// state machine, its mailbox, the descq's it owns, and the completion
// worker pool servicing them. It is the root package's re-export of
// internal/xdev.Device (spec.md 4.6), assembled by Open the way the
// teacher's CreateAndServe assembles its own Device.
type Device struct {
	xd     *xdev.Device
	mb     *mailbox.Mailbox
	reg    *resource.Registry
	devIdx uint32

	qset     *descq.QueueSet
	workers  *worker.Pool
	metrics  *Metrics
	observer Observer
	logger   logging.Iface

	vfTable  *mailbox.VFTable
	vfQMu    sync.Mutex
	vfQueues map[uint16]map[int]bool

	qMu      sync.Mutex
	observed map[*descq.Queue]*observedQueue
	pingpong *descq.PingPongTracker
	pump     *mailboxPump
}

// observedQueue wraps a descq.Queue as the worker pool's work item so
// every completion tick also feeds the device's Observer.
type observedQueue struct {
	q   *descq.Queue
	obs Observer
}

func (o *observedQueue) CompletionUpdate(ctx context.Context) {
	before := o.q.InFlight()
	o.q.CompletionUpdate(ctx)
	after := o.q.InFlight()
	if retired := before - after; retired > 0 {
		o.obs.ObserveDescriptors(0, uint64(retired))
	}
	o.obs.ObserveInFlight(uint32(after))
}

// mailboxPump drives one mailbox's pipelines from the worker pool: a
// CompletionUpdater like any descq, scheduled least-loaded (the
// workqueue shape the mailbox pipelines are specified against).
type mailboxPump struct{ mb *mailbox.Mailbox }

// pumpBatch bounds how many messages one tick moves in each direction,
// so a persistently busy hardware slot cannot wedge the worker thread.
const pumpBatch = 32

func (p *mailboxPump) CompletionUpdate(context.Context) {
	for i := 0; i < pumpBatch && p.mb.PumpTx(5); i++ {
	}
	for i := 0; i < pumpBatch && p.mb.PumpRx(); i++ {
	}
	p.mb.SweepTimeouts(time.Now())
}

// Open assembles a Device: join or create the resource-manager master,
// build the mailbox over the caller-supplied hardware transport, wire
// the PF-side idempotent mailbox handlers (when IsPF), start the
// completion-worker pool, and bring the device through Open() so its
// capability table is populated. Symmetric teardown is Device.Close.
func Open(ctx context.Context, cfg Config, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}
	if ctx == nil {
		ctx = opts.Context
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reg := cfg.Registry
	devIdx := cfg.DeviceIndex
	if reg == nil {
		reg = resource.NewRegistry()
		idx, err := reg.CreateMaster(0, 0, 0, cfg.TotalQ)
		if err != nil {
			return nil, err
		}
		devIdx = idx
	}
	if err := reg.CreateFunction(devIdx, cfg.FuncID); err != nil {
		return nil, err
	}

	mb := mailbox.New(cfg.FuncID, cfg.IsPF, cfg.HWSend, cfg.HWRecv)
	ctxProg := cfg.CtxProgrammer
	if !cfg.IsPF && ctxProg == nil {
		// A VF without its own context-programming leaf routes every
		// context operation to its parent PF over the mailbox.
		ctxProg = mailbox.NewVFClient(mb, cfg.ParentPF)
	}
	xd := xdev.New(cfg.FuncID, cfg.IsPF, reg, devIdx, cfg.AttrSource, ctxProg, mb)

	metrics := NewMetrics()
	observer := opts.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	d := &Device{
		xd:       xd,
		mb:       mb,
		reg:      reg,
		devIdx:   devIdx,
		qset:     descq.NewQueueSet(false),
		workers:  worker.NewPool(opts.WorkerCPUs),
		metrics:  metrics,
		observer: observer,
		vfQueues: make(map[uint16]map[int]bool),
		observed: make(map[*descq.Queue]*observedQueue),
	}

	if opts.Logger != nil {
		d.logger = opts.Logger
		xd.SetLogger(opts.Logger)
		mb.SetLogger(opts.Logger)
		d.workers.SetLogger(opts.Logger)
	}

	if cfg.IsPF {
		d.vfTable = mailbox.NewVFTable()
		mb.RegisterIdempotentDefaults(d.vfTable, d.vfQueueExists, d.vfQueueAdd, d.vfQueueDel)
		wrapHelloBye(mb, xd)
		mb.RegisterPFServices(mailbox.Services{
			Regs: cfg.RegWindow,
			Ctx:  cfg.CtxProgrammer,
			ActiveCount: func() (uint32, error) {
				return reg.GetActiveCount(devIdx)
			},
		})
	} else {
		installVFNotifications(mb, xd)
	}

	if err := xd.Open(ctx); err != nil {
		return nil, err
	}
	d.qset = descq.NewQueueSet(xd.Caps.MMCmptEn)

	d.workers.Start(ctx)

	if opts.AutoPump {
		d.pump = &mailboxPump{mb: mb}
		d.workers.Assign(d.pump)
	}

	if d.logger != nil {
		d.logger.Infof("qdma: device func=%d pf=%v opened", cfg.FuncID, cfg.IsPF)
	}
	return d, nil
}

// wrapHelloBye chains xdev's own VF online/offline bookkeeping onto
// the hello/bye handlers RegisterIdempotentDefaults just installed, so
// a PF's FLR fan-out (which reads xdev's VF table) observes the same
// online/offline transitions the mailbox-level VFTable does.
func wrapHelloBye(mb *mailbox.Mailbox, xd *xdev.Device) {
	baseHello := mb.Handlers[wire.OpHello]
	mb.Handlers[wire.OpHello] = func(req wire.Message) wire.Message {
		resp := baseHello(req)
		xd.MarkVFOnline(req.SrcFunc)
		return resp
	}
	baseBye := mb.Handlers[wire.OpBye]
	mb.Handlers[wire.OpBye] = func(req wire.Message) wire.Message {
		resp := baseBye(req)
		xd.MarkVFOffline(req.SrcFunc)
		return resp
	}
}

func (d *Device) vfQueueExists(funcID uint16, qidx int) bool {
	d.vfQMu.Lock()
	defer d.vfQMu.Unlock()
	return d.vfQueues[funcID][qidx]
}

func (d *Device) vfQueueAdd(funcID uint16, qidx int) error {
	d.vfQMu.Lock()
	defer d.vfQMu.Unlock()
	if d.vfQueues[funcID] == nil {
		d.vfQueues[funcID] = make(map[int]bool)
	}
	d.vfQueues[funcID][qidx] = true
	return nil
}

func (d *Device) vfQueueDel(funcID uint16, qidx int) error {
	d.vfQMu.Lock()
	defer d.vfQMu.Unlock()
	delete(d.vfQueues[funcID], qidx)
	return nil
}

// installVFNotifications routes unsolicited PF notifications into the
// VF's device state machine: a reset request quiesces the device and
// acks with reset-bye, reset-done brings it back online, and a PF bye
// takes the device offline for good (the mailbox's stop sentinel
// handles the disabled-mailbox case separately).
func installVFNotifications(mb *mailbox.Mailbox, xd *xdev.Device) {
	mb.Unsolicited = func(msg wire.Message) {
		switch msg.Opcode {
		case wire.OpResetRequest:
			xd.FlrSet(true)
			_ = xd.Offline()
			mb.Enqueue(wire.Message{Opcode: wire.OpResetBye, SrcFunc: mb.FuncID, DstFunc: msg.SrcFunc}, false)
		case wire.OpResetDone:
			xd.FlrSet(false)
			_ = xd.Online()
			mb.Enqueue(wire.Message{Opcode: wire.OpResetDoneResp, SrcFunc: mb.FuncID, DstFunc: msg.SrcFunc}, false)
		case wire.OpBye:
			_ = xd.Offline()
		}
	}
}

// XDev returns the underlying internal/xdev.Device, for callers that
// need the lower-level lifecycle/FLR surface directly.
func (d *Device) XDev() *xdev.Device { return d.xd }

// Mailbox returns the device's mailbox, for manual PumpTx/PumpRx
// driving when Options.AutoPump is false.
func (d *Device) Mailbox() *mailbox.Mailbox { return d.mb }

// Registry returns the resource-manager registry this device's master
// was created in (or joined).
func (d *Device) Registry() *resource.Registry { return d.reg }

// DeviceIndex returns the resource-manager master index this device's
// function belongs to.
func (d *Device) DeviceIndex() uint32 { return d.devIdx }

// FuncID returns this device's PCIe function id.
func (d *Device) FuncID() uint16 { return d.xd.FuncID }

// Metrics returns the device's metrics instance.
func (d *Device) Metrics() *Metrics { return d.metrics }

// Observer returns the device's metrics observer (opts.Observer, or a
// *MetricsObserver over Metrics() if none was supplied).
func (d *Device) Observer() Observer { return d.observer }

// DeviceInfo is a point-in-time snapshot of a device's identity,
// lifecycle state, capabilities, and queue accounting.
type DeviceInfo struct {
	FuncID       uint16
	IsPF         bool
	DeviceIndex  uint32
	State        xdev.State
	Capabilities xdev.Capabilities
	QueueCount   int
	OnlineVFs    int
	ActiveQueues uint32
}

// Info returns a snapshot of the device's current state.
func (d *Device) Info() DeviceInfo {
	active, _ := d.reg.GetActiveCount(d.devIdx)
	return DeviceInfo{
		FuncID:       d.xd.FuncID,
		IsPF:         d.xd.IsPF,
		DeviceIndex:  d.devIdx,
		State:        d.xd.State,
		Capabilities: d.xd.Caps,
		QueueCount:   d.xd.QueueCount(),
		OnlineVFs:    d.xd.OnlineVFCount(),
		ActiveQueues: active,
	}
}

// Online, Offline, and Close delegate to the underlying xdev lifecycle;
// Close additionally stops the worker pool and any background mailbox
// pump, mirroring the teacher's StopAndDelete.
func (d *Device) Online() error  { return d.xd.Online() }
func (d *Device) Offline() error { return d.xd.Offline() }

func (d *Device) Close() error {
	if d.pump != nil {
		d.workers.Unassign(d.pump)
	}
	d.workers.Stop()
	if d.logger != nil {
		d.logger.Infof("qdma: device func=%d closing", d.xd.FuncID)
	}
	return d.xd.Close()
}

// AddQueue allocates a descq at cfg.QIdx (4.3.2 coexistence rules),
// wires its FLR gate to this device's xdev lifecycle, and registers it
// on the owning xdev.Device so Queue(qidx) and the descq list spec.md
// 4.6 describes actually reflect what the device owns.
func (d *Device) AddQueue(cfg descq.Config) (*descq.Queue, error) {
	q := descq.NewQueue(cfg, d.qset, d.devIdx, d.xd.FuncID, d.reg)
	q.SetFLRGate(d.xd.FlrCheck)
	if d.logger != nil {
		q.SetLogger(d.logger)
	}
	if cfg.PingPongEn {
		d.qMu.Lock()
		if d.pingpong == nil {
			d.pingpong = &descq.PingPongTracker{}
		}
		pp := d.pingpong
		d.qMu.Unlock()
		q.SetPingPongTracker(pp)
		obs := d.observer
		q.SetLatencyObserver(func(lat time.Duration) {
			obs.ObserveLatency(uint64(lat))
		})
	}
	if err := q.Add(); err != nil {
		return nil, err
	}
	d.xd.RegisterQueue(cfg.QIdx, q)
	return q, nil
}

// StartQueue allocates q's rings, programs the hardware context
// through the device's context leaf (on a VF, over the mailbox), and
// assigns the queue to the least-loaded completion worker (4.3.1:
// "start ... programs hardware context ... adds the queue to a worker
// thread").
func (d *Device) StartQueue(ctx context.Context, q *descq.Queue, descRngSize, cmptRngSize int) error {
	if err := q.Start(descRngSize, cmptRngSize); err != nil {
		return err
	}
	if d.xd.Ctx != nil {
		qc := hw.QueueContext{
			QID:          q.Config.QIdx,
			RngSzIdx:     q.Config.DescRngSzIdx,
			CmplRngSzIdx: q.Config.CmplRngSzIdx,
			BufSzIdx:     q.Config.C2HBufSzIdx,
			Mode:         int(q.Config.Mode),
			Direction:    int(q.Config.Direction),
			ApertureSize: q.Config.ApertureSize,
			PidxAcc:      q.Config.PidxAcc,
			TrigMode:     int(q.Config.CmplTrigMode),
			TimerIdx:     q.Config.CmplTimerIdx,
			CntThIdx:     q.Config.CmplCntThIdx,
			PingPongEn:   q.Config.PingPongEn,
			CmptEnIntr:   q.Config.CmptEnIntr,
		}
		if err := d.xd.Ctx.WriteContext(ctx, qc); err != nil {
			_ = q.Stop(ctx)
			return err
		}
	}
	oq := &observedQueue{q: q, obs: d.observer}
	d.qMu.Lock()
	d.observed[q] = oq
	d.qMu.Unlock()
	d.workers.Assign(oq)
	return nil
}

// StopQueue unassigns q from its completion worker before tearing down
// its rings (so no worker tick races the teardown), then clears the
// hardware context.
func (d *Device) StopQueue(ctx context.Context, q *descq.Queue) error {
	d.qMu.Lock()
	oq := d.observed[q]
	delete(d.observed, q)
	d.qMu.Unlock()
	if oq != nil {
		d.workers.Unassign(oq)
	}
	if err := q.Stop(ctx); err != nil {
		return err
	}
	if d.xd.Ctx != nil {
		return d.xd.Ctx.ClearContext(ctx, q.Config.QIdx)
	}
	return nil
}

// RemoveQueue releases q's index and unregisters it from the device.
func (d *Device) RemoveQueue(q *descq.Queue) error {
	if err := q.Remove(); err != nil {
		return err
	}
	d.xd.UnregisterQueue(q.Config.QIdx)
	return nil
}

// RunFLR drives the FLR coordination protocol (4.6) using this
// device's real mailbox: each VF round trip is a blocking
// mailbox.Send under a per-VF timeout, matching spec.md scenario 5's
// OpResetRequest/OpResetBye and OpResetDone/OpResetDoneResp exchanges.
func (d *Device) RunFLR(ctx context.Context, hwReset func(context.Context) error) error {
	sendAndAwait := func(vf uint16, req, wantResp wire.Opcode, timeout time.Duration) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		msg := wire.Message{Opcode: req, SrcFunc: d.xd.FuncID, DstFunc: vf}
		resp, err := d.mb.Send(cctx, msg, true)
		if err != nil {
			return err
		}
		if resp.Opcode != wantResp {
			return ErrUnexpectedMailboxReply
		}
		return nil
	}
	return d.xd.RunFLR(ctx, hwReset, sendAndAwait)
}
