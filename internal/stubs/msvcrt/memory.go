package msvcrt

import (
	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/stubs"
)

func init() {
	register("malloc", stubMalloc)
	register("calloc", stubCalloc)
	register("realloc", stubRealloc)
	register("free", stubFree)
	register("??2@YAPAXI@Z", stubMalloc) // operator new
	register("??3@YAXPAX@Z", stubFree)   // operator delete
}

// alloc returns zeroed heap memory; zero sizes get a minimal block.
func alloc(e *emulator.Emulator, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	ptr := e.Malloc(size)
	if ptr != 0 {
		_ = e.MemWrite(ptr, make([]byte, min(size, 4096)))
	}
	return ptr
}

func stubMalloc(e *emulator.Emulator) uint64 {
	size := e.Arg(0)
	ptr := alloc(e, size)
	stubs.DefaultRegistry.Log(e, category, "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr
}

func stubCalloc(e *emulator.Emulator) uint64 {
	total := e.Arg(0) * e.Arg(1)
	ptr := alloc(e, total)
	stubs.DefaultRegistry.Log(e, category, "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	return ptr
}

// stubRealloc always moves: the bump heap cannot grow a block in place.
// The old block is leaked.
func stubRealloc(e *emulator.Emulator) uint64 {
	old, size := e.Arg(0), e.Arg(1)
	ptr := alloc(e, size)
	if old >= emulator.HeapBase && old < emulator.HeapBase+emulator.HeapSize && ptr != 0 && size > 0 {
		n := min(size, emulator.HeapBase+emulator.HeapSize-old)
		if data, err := e.MemRead(old, n); err == nil {
			_ = e.MemWrite(ptr, data)
		}
	}
	stubs.DefaultRegistry.Log(e, category, "realloc", stubs.FormatPtrPair("old", old, "->", ptr))
	return ptr
}

func stubFree(e *emulator.Emulator) uint64 {
	stubs.DefaultRegistry.Log(e, category, "free", stubs.FormatPtr("ptr", e.Arg(0)))
	return 0
}
