package qdma

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is one of the specification's stable numeric error codes
// (spec.md 6), preserved as a concrete, comparable value across the
// wire (mailbox transport errors) and across API boundaries.
type Code int

const (
	CodeSuccess Code = iota
	CodeInvalidParameter
	CodeOutOfMemory
	CodeHardwareBusy
	CodeInvalidConfigBAR
	CodeNoPendingLegacyInterrupt
	CodeBARNotFound
	CodeNotSupported

	// 8..13: resource-manager errors.
	CodeResourceExists
	CodeNoDevice
	CodeFunctionExists
	CodeNoFunction
	CodeQmaxConfRejected
	CodeNoQueuesLeft

	// 14..25: mailbox errors.
	CodeMailboxBusy
	CodeMailboxTimeout
	CodeMailboxStopped
	CodeMailboxMalformed
	CodeMailboxUnsupportedOpcode
	CodeMailboxCorrelationFailed
	CodeMailboxFLRInProgress
	CodeMailboxRetryExhausted
	CodeMailboxNotReady
	CodeMailboxPermission
	CodeMailboxUnexpectedReply
	CodeMailboxBroken
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeOutOfMemory:
		return "out of memory"
	case CodeHardwareBusy:
		return "hardware busy or timeout"
	case CodeInvalidConfigBAR:
		return "invalid config BAR"
	case CodeNoPendingLegacyInterrupt:
		return "no pending legacy interrupt"
	case CodeBARNotFound:
		return "BAR not found"
	case CodeNotSupported:
		return "feature not supported"
	case CodeResourceExists:
		return "resource already exists"
	case CodeNoDevice:
		return "no such device"
	case CodeFunctionExists:
		return "function already exists"
	case CodeNoFunction:
		return "no such function"
	case CodeQmaxConfRejected:
		return "qmax reconfiguration rejected"
	case CodeNoQueuesLeft:
		return "no queues left"
	case CodeMailboxBusy:
		return "mailbox hardware send busy"
	case CodeMailboxTimeout:
		return "mailbox round-trip timeout"
	case CodeMailboxStopped:
		return "mailbox remote end disabled"
	case CodeMailboxMalformed:
		return "mailbox message malformed"
	case CodeMailboxUnsupportedOpcode:
		return "mailbox opcode not supported"
	case CodeMailboxCorrelationFailed:
		return "mailbox response did not correlate"
	case CodeMailboxFLRInProgress:
		return "mailbox request rejected: FLR in progress"
	case CodeMailboxRetryExhausted:
		return "mailbox fire-and-forget retries exhausted"
	case CodeMailboxNotReady:
		return "mailbox not yet initialized"
	case CodeMailboxPermission:
		return "mailbox request not permitted for this function"
	case CodeMailboxUnexpectedReply:
		return "mailbox received an unexpected reply"
	case CodeMailboxBroken:
		return "mailbox pipeline broken"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// codeErrno maps each Code to a host-OS errno (spec.md 6: "each maps to a
// host-OS errno; the mapping table is part of the external
// interface").
var codeErrno = map[Code]syscall.Errno{
	CodeSuccess:                  0,
	CodeInvalidParameter:         syscall.EINVAL,
	CodeOutOfMemory:              syscall.ENOMEM,
	CodeHardwareBusy:             syscall.EBUSY,
	CodeInvalidConfigBAR:         syscall.EINVAL,
	CodeNoPendingLegacyInterrupt: syscall.EAGAIN,
	CodeBARNotFound:              syscall.ENXIO,
	CodeNotSupported:             syscall.EOPNOTSUPP,
	CodeResourceExists:           syscall.EEXIST,
	CodeNoDevice:                 syscall.ENODEV,
	CodeFunctionExists:           syscall.EEXIST,
	CodeNoFunction:               syscall.ENODEV,
	CodeQmaxConfRejected:         syscall.EBUSY,
	CodeNoQueuesLeft:             syscall.ENOSPC,
	CodeMailboxBusy:              syscall.EBUSY,
	CodeMailboxTimeout:           syscall.ETIMEDOUT,
	CodeMailboxStopped:           syscall.ESHUTDOWN,
	CodeMailboxMalformed:         syscall.EBADMSG,
	CodeMailboxUnsupportedOpcode: syscall.ENOSYS,
	CodeMailboxCorrelationFailed: syscall.EBADMSG,
	CodeMailboxFLRInProgress:     syscall.EBUSY,
	CodeMailboxRetryExhausted:    syscall.ETIMEDOUT,
	CodeMailboxNotReady:          syscall.ENODEV,
	CodeMailboxPermission:        syscall.EPERM,
	CodeMailboxUnexpectedReply:   syscall.EBADMSG,
	CodeMailboxBroken:            syscall.EPIPE,
}

// Errno returns the host-OS errno this code maps to.
func (c Code) Errno() syscall.Errno { return codeErrno[c] }

// Error is a structured driver error: operation, device/queue
// context, stable code, mapped errno, message, and an optionally
// wrapped inner cause.
type Error struct {
	Op          string
	DeviceIndex uint32
	HasDevice   bool
	QIdx        int
	Code        Code
	Errno       syscall.Errno
	Msg         string
	Inner       error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.HasDevice {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DeviceIndex))
	}
	if e.QIdx >= 0 {
		parts = append(parts, fmt.Sprintf("qidx=%d", e.QIdx))
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if len(parts) > 0 {
		return fmt.Sprintf("qdma: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("qdma: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError builds a structured error with no device/queue context.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Errno: code.Errno(), Msg: msg, QIdx: -1}
}

// NewDeviceError builds a structured error scoped to a device.
func NewDeviceError(op string, deviceIndex uint32, code Code, msg string) *Error {
	return &Error{Op: op, DeviceIndex: deviceIndex, HasDevice: true, Code: code, Errno: code.Errno(), Msg: msg, QIdx: -1}
}

// NewQueueError builds a structured error scoped to a device and
// queue index.
func NewQueueError(op string, deviceIndex uint32, qidx int, code Code, msg string) *Error {
	return &Error{Op: op, DeviceIndex: deviceIndex, HasDevice: true, QIdx: qidx, Code: code, Errno: code.Errno(), Msg: msg}
}

// WrapError wraps inner with operation context, preserving an existing
// structured error's code or mapping a bare syscall.Errno.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var qe *Error
	if errors.As(inner, &qe) {
		return &Error{
			Op: op, DeviceIndex: qe.DeviceIndex, HasDevice: qe.HasDevice, QIdx: qe.QIdx,
			Code: qe.Code, Errno: qe.Errno, Msg: qe.Msg, Inner: qe.Inner,
		}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		code := errnoToCode(errno)
		return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner, QIdx: -1}
	}
	return &Error{Op: op, Code: CodeInvalidParameter, Msg: inner.Error(), Inner: inner, QIdx: -1}
}

func errnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENODEV:
		return CodeNoDevice
	case syscall.EEXIST:
		return CodeResourceExists
	case syscall.EBUSY:
		return CodeHardwareBusy
	case syscall.ENOSPC:
		return CodeNoQueuesLeft
	case syscall.ENOMEM:
		return CodeOutOfMemory
	case syscall.EOPNOTSUPP:
		return CodeNotSupported
	case syscall.ETIMEDOUT:
		return CodeMailboxTimeout
	default:
		return CodeInvalidParameter
	}
}

// IsCode reports whether err is a structured Error with the given
// Code.
func IsCode(err error, code Code) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}
