package qdma

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("update_function", CodeInvalidParameter, "invalid qmax")
	assert.Equal(t, "update_function", err.Op)
	assert.Equal(t, CodeInvalidParameter, err.Code)
	assert.Equal(t, "qdma: invalid qmax (op=update_function)", err.Error())
}

func TestDeviceError(t *testing.T) {
	err := NewDeviceError("open", 3, CodeHardwareBusy, "bar mapping busy")
	assert.EqualValues(t, 3, err.DeviceIndex)
	assert.Equal(t, "qdma: bar mapping busy (op=open)", err.Error())
}

func TestQueueError(t *testing.T) {
	err := NewQueueError("stop", 2, 7, CodeNoQueuesLeft, "queue stalled")
	assert.EqualValues(t, 2, err.DeviceIndex)
	assert.Equal(t, 7, err.QIdx)
}

func TestWrapErrorMapsErrno(t *testing.T) {
	err := WrapError("destroy_function", syscall.ENODEV)
	require.NotNil(t, err)
	assert.Equal(t, CodeNoDevice, err.Code)
	assert.Equal(t, syscall.ENODEV, err.Errno)
}

func TestWrapErrorPreservesStructuredCode(t *testing.T) {
	inner := NewError("update_function", CodeNoQueuesLeft, "none left")
	wrapped := WrapError("outer_op", inner)
	assert.Equal(t, CodeNoQueuesLeft, wrapped.Code)
	assert.Equal(t, "outer_op", wrapped.Op)
}

func TestIsCode(t *testing.T) {
	err := NewError("send", CodeMailboxTimeout, "timed out")
	assert.True(t, IsCode(err, CodeMailboxTimeout))
	assert.False(t, IsCode(err, CodeMailboxBusy))
	assert.False(t, IsCode(nil, CodeMailboxTimeout))
}

func TestCodeErrnoMapping(t *testing.T) {
	cases := []struct {
		code  Code
		errno syscall.Errno
	}{
		{CodeNoDevice, syscall.ENODEV},
		{CodeHardwareBusy, syscall.EBUSY},
		{CodeInvalidParameter, syscall.EINVAL},
		{CodeOutOfMemory, syscall.ENOMEM},
		{CodeNoQueuesLeft, syscall.ENOSPC},
		{CodeMailboxTimeout, syscall.ETIMEDOUT},
	}
	for _, c := range cases {
		assert.Equal(t, c.errno, c.code.Errno())
	}
}
