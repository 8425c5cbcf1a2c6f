package mailbox

import "github.com/ehrlich-b/qdmacore/internal/wire"

// VFTable tracks PF-side online/offline state per VF function id,
// built to be idempotent under retried/duplicated mailbox messages
// (4.5: "the PF may receive a duplicated request under retry and must
// make all handlers idempotent").
type VFTable struct {
	online map[uint16]bool
}

// NewVFTable returns an empty table.
func NewVFTable() *VFTable {
	return &VFTable{online: make(map[uint16]bool)}
}

// MarkOnline idempotently marks funcID online; a repeated call is a
// no-op (P-M1: duplicate VF_ONLINE messages leave the table in the
// same state as a single one).
func (t *VFTable) MarkOnline(funcID uint16) {
	t.online[funcID] = true
}

// MarkOffline idempotently marks funcID offline.
func (t *VFTable) MarkOffline(funcID uint16) {
	delete(t.online, funcID)
}

// IsOnline reports whether funcID is currently marked online.
func (t *VFTable) IsOnline(funcID uint16) bool { return t.online[funcID] }

// OnlineCount returns the number of VFs currently marked online.
func (t *VFTable) OnlineCount() int { return len(t.online) }

// RegisterIdempotentDefaults wires the PF-side handlers whose
// idempotency spec.md calls out by name: queue-add silently succeeds
// (responds FunctionExists-equivalent success) on a duplicate, and
// queue-del tolerates a missing entry. qExists/qAdd/qDel are supplied
// by the caller to check, record, and remove queue presence.
func (m *Mailbox) RegisterIdempotentDefaults(vf *VFTable, qExists func(funcID uint16, qidx int) bool, qAdd func(funcID uint16, qidx int) error, qDel func(funcID uint16, qidx int) error) {
	m.Handlers[wire.OpQAddNotify] = func(req wire.Message) wire.Message {
		qidx := int(req.Payload[0])
		if !qExists(req.SrcFunc, qidx) {
			_ = qAdd(req.SrcFunc, qidx)
		}
		return wire.Message{Opcode: wire.OpQAddNotifyResp, SrcFunc: m.FuncID, DstFunc: req.SrcFunc}
	}
	m.Handlers[wire.OpQDelNotify] = func(req wire.Message) wire.Message {
		qidx := int(req.Payload[0])
		if qExists(req.SrcFunc, qidx) {
			_ = qDel(req.SrcFunc, qidx)
		}
		return wire.Message{Opcode: wire.OpQDelNotifyResp, SrcFunc: m.FuncID, DstFunc: req.SrcFunc}
	}
	m.Handlers[wire.OpHello] = func(req wire.Message) wire.Message {
		vf.MarkOnline(req.SrcFunc)
		return wire.Message{Opcode: wire.OpHelloResp, SrcFunc: m.FuncID, DstFunc: req.SrcFunc}
	}
	m.Handlers[wire.OpBye] = func(req wire.Message) wire.Message {
		vf.MarkOffline(req.SrcFunc)
		return wire.Message{Opcode: wire.OpByeResp, SrcFunc: m.FuncID, DstFunc: req.SrcFunc}
	}
}
