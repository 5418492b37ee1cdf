package kernel32

import (
	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/stubs"
)

// tlsOutOfIndexes is TLS_OUT_OF_INDEXES.
const tlsOutOfIndexes = 0xFFFFFFFF

// tlsMinimumAvailable is the number of slots Windows guarantees.
const tlsMinimumAvailable = 64

// tlsTable is the slot table of one emulated process. The process is single
// threaded, so one table serves every thread.
type tlsTable struct {
	slots map[uint32]uint64
	next  uint32
}

type tlsKey struct{}

func tls(e *emulator.Emulator) *tlsTable {
	return e.State(tlsKey{}, func() any {
		return &tlsTable{slots: make(map[uint32]uint64)}
	}).(*tlsTable)
}

func init() {
	register("TlsAlloc", 0, stubTlsAlloc)
	register("TlsFree", 1, stubTlsFree)
	register("TlsGetValue", 1, stubTlsGetValue)
	register("TlsSetValue", 2, stubTlsSetValue)

	// Critical sections never contend with one thread.
	for _, name := range []string{
		"InitializeCriticalSection",
		"EnterCriticalSection",
		"LeaveCriticalSection",
		"DeleteCriticalSection",
	} {
		register(name, 1, func(e *emulator.Emulator) uint64 { return 0 })
	}
	register("InitializeCriticalSectionAndSpinCount", 2, func(e *emulator.Emulator) uint64 { return 1 })
	register("TryEnterCriticalSection", 1, func(e *emulator.Emulator) uint64 { return 1 })
}

func stubTlsAlloc(e *emulator.Emulator) uint64 {
	t := tls(e)
	idx := t.next
	if idx >= tlsMinimumAvailable {
		return tlsOutOfIndexes
	}
	t.next++
	t.slots[idx] = 0
	stubs.DefaultRegistry.Log(e, category, "TlsAlloc", stubs.FormatPtr("index", uint64(idx)))
	return uint64(idx)
}

func stubTlsFree(e *emulator.Emulator) uint64 {
	t := tls(e)
	idx := uint32(e.Arg(0))
	if _, ok := t.slots[idx]; !ok {
		return 0
	}
	delete(t.slots, idx)
	return 1
}

func stubTlsGetValue(e *emulator.Emulator) uint64 {
	// GetLastError is ERROR_SUCCESS after a successful read, even of 0.
	e.SetLastError(0)
	return tls(e).slots[uint32(e.Arg(0))]
}

func stubTlsSetValue(e *emulator.Emulator) uint64 {
	t := tls(e)
	idx := uint32(e.Arg(0))
	if _, ok := t.slots[idx]; !ok {
		return 0
	}
	t.slots[idx] = e.Arg(1)
	return 1
}
