package interrupt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnregisteredExceptionHalts(t *testing.T) {
	tab := New()
	err := tab.Raise(&Frame{Vector: 13, ErrorCode: 0, RIP: 0x1000})
	var halt *HaltSignal
	require.True(t, errors.As(err, &halt))
	require.Equal(t, 13, halt.Vector)
}

func TestRegisteredExceptionRuns(t *testing.T) {
	tab := New()
	called := false
	require.NoError(t, tab.RegisterHandler(0, func(f *Frame) { called = true }))
	require.NoError(t, tab.Raise(&Frame{Vector: 0}))
	require.True(t, called)
	require.True(t, tab.Present(0))
}

func TestUnregisteredIRQDoesNothingAfterEOI(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Raise(&Frame{Vector: 35}))
	master, slave := tab.PIC().EOICounts()
	require.Equal(t, uint64(1), master)
	require.Equal(t, uint64(0), slave)
}

func TestHighIRQSendsEOIToBothControllers(t *testing.T) {
	tab := New()
	require.NoError(t, tab.Raise(&Frame{Vector: 44})) // IRQ 12, vector >= 40
	master, slave := tab.PIC().EOICounts()
	require.Equal(t, uint64(1), master)
	require.Equal(t, uint64(1), slave)
}

func TestSyscallVectorDispatchesToRegisteredHandler(t *testing.T) {
	tab := New()
	var got int64
	require.NoError(t, tab.RegisterHandler(SyscallVector, func(f *Frame) {
		got = int64(f.RAX)
	}))
	require.NoError(t, tab.Raise(&Frame{Vector: SyscallVector, RAX: 39}))
	require.Equal(t, int64(39), got)
}

func TestNestedRaiseRejected(t *testing.T) {
	tab := New()
	require.NoError(t, tab.RegisterHandler(0, func(f *Frame) {
		err := tab.Raise(&Frame{Vector: 1})
		require.Error(t, err)
	}))
	require.NoError(t, tab.Raise(&Frame{Vector: 0}))
}
