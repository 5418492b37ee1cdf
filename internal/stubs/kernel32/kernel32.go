// Package kernel32 provides the kernel32.dll stubs a packer stub needs to
// rebuild its import table: module loading, symbol resolution, memory
// protection and process exit.
package kernel32

import (
	"fmt"
	"os"

	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/stubs"
)

const category = "kernel32"

// Win32 error codes
const (
	errorModNotFound  = 126
	errorProcNotFound = 127
)

// commandLine is the string GetCommandLineA returns.
const commandLine = "target.exe"

func init() {
	register("LoadLibraryA", 1, stubLoadLibraryA)
	register("LoadLibraryW", 1, stubLoadLibraryW)
	register("GetModuleHandleA", 1, stubGetModuleHandleA)
	register("GetModuleHandleW", 1, stubGetModuleHandleW)
	register("GetProcAddress", 2, stubGetProcAddress)
	register("VirtualProtect", 4, stubVirtualProtect)
	register("VirtualAlloc", 4, stubVirtualAlloc)
	register("VirtualFree", 3, stubVirtualFree)
	register("GetLastError", 0, func(e *emulator.Emulator) uint64 { return uint64(e.LastError()) })
	register("SetLastError", 1, func(e *emulator.Emulator) uint64 {
		e.SetLastError(uint32(e.Arg(0)))
		return 0
	})
	register("GetTickCount", 0, func(e *emulator.Emulator) uint64 { return 0x1000 })
	register("GetCurrentProcessId", 0, func(e *emulator.Emulator) uint64 { return uint64(os.Getpid()) })
	register("Sleep", 1, func(e *emulator.Emulator) uint64 { return 0 })
	register("IsDebuggerPresent", 0, func(e *emulator.Emulator) uint64 { return 0 })
	register("GetCommandLineA", 0, stubGetCommandLineA)

	// ExitProcess never returns to its caller.
	stubs.Register(stubs.StubDef{
		Name:     "ExitProcess",
		Module:   "kernel32.dll",
		Args:     1,
		Category: category,
		Hook: func(e *emulator.Emulator) bool {
			code := uint32(e.Arg(0))
			stubs.DefaultRegistry.Log(e, category, "ExitProcess", stubs.FormatPtr("code", uint64(code)))
			e.Exit(code)
			return true
		},
	})
}

func register(name string, args int, fn func(*emulator.Emulator) uint64, aliases ...string) {
	stubs.Register(stubs.StubDef{
		Name:     name,
		Aliases:  aliases,
		Module:   "kernel32.dll",
		Args:     args,
		Hook:     stubs.Stdcall(args, fn),
		Category: category,
	})
}

// loadModule returns the handle for a module name, resolving it against the
// dependency set. Unknown names yield 0 and ERROR_MOD_NOT_FOUND.
func loadModule(e *emulator.Emulator, name string) uint64 {
	deps := e.Dependencies()
	if deps == nil {
		e.SetLastError(errorModNotFound)
		return 0
	}
	m, err := deps.Resolve(name)
	if err != nil {
		e.SetLastError(errorModNotFound)
		return 0
	}
	return m.Handle
}

func stubLoadLibraryA(e *emulator.Emulator) uint64 {
	name, _ := e.MemReadString(e.Arg(0), 260)
	h := loadModule(e, name)
	stubs.DefaultRegistry.Log(e, category, "LoadLibraryA", fmt.Sprintf("%q -> %s", name, stubs.FormatHex(h)))
	return h
}

func stubLoadLibraryW(e *emulator.Emulator) uint64 {
	name, _ := e.MemReadWString(e.Arg(0), 260)
	h := loadModule(e, name)
	stubs.DefaultRegistry.Log(e, category, "LoadLibraryW", fmt.Sprintf("%q -> %s", name, stubs.FormatHex(h)))
	return h
}

func getModuleHandle(e *emulator.Emulator, name string, ptr uint64) uint64 {
	if ptr == 0 {
		if img := e.Image(); img != nil {
			return img.ImageBase
		}
		return 0
	}
	deps := e.Dependencies()
	if deps == nil {
		return 0
	}
	if m, ok := deps.Lookup(name); ok {
		return m.Handle
	}
	// Modules in the dependency directory count as already loaded.
	return loadModule(e, name)
}

func stubGetModuleHandleA(e *emulator.Emulator) uint64 {
	ptr := e.Arg(0)
	var name string
	if ptr != 0 {
		name, _ = e.MemReadString(ptr, 260)
	}
	h := getModuleHandle(e, name, ptr)
	stubs.DefaultRegistry.Log(e, category, "GetModuleHandleA", fmt.Sprintf("%q -> %s", name, stubs.FormatHex(h)))
	return h
}

func stubGetModuleHandleW(e *emulator.Emulator) uint64 {
	ptr := e.Arg(0)
	var name string
	if ptr != 0 {
		name, _ = e.MemReadWString(ptr, 260)
	}
	h := getModuleHandle(e, name, ptr)
	stubs.DefaultRegistry.Log(e, category, "GetModuleHandleW", fmt.Sprintf("%q -> %s", name, stubs.FormatHex(h)))
	return h
}

// stubGetProcAddress hands out a stub slot for the requested export.
// Names below 0x10000 are ordinals.
func stubGetProcAddress(e *emulator.Emulator) uint64 {
	handle := e.Arg(0)
	namePtr := e.Arg(1)

	var (
		name    string
		ordinal uint32
	)
	if namePtr < 0x10000 {
		ordinal = uint32(namePtr)
	} else {
		name, _ = e.MemReadString(namePtr, 256)
	}

	module := "unknown.dll"
	if deps := e.Dependencies(); deps != nil {
		if m, ok := deps.ByHandle(handle); ok {
			module = m.Name
			if name != "" && !m.HasExport(name) {
				e.SetLastError(errorProcNotFound)
				stubs.DefaultRegistry.Log(e, category, "GetProcAddress", fmt.Sprintf("%s!%s not exported", module, name))
				return 0
			}
		}
	}
	if img := e.Image(); img != nil && handle == img.ImageBase {
		module = "self"
	}

	slot, err := stubs.DefaultRegistry.Resolve(e, module, name, ordinal)
	if err != nil {
		e.SetLastError(errorProcNotFound)
		return 0
	}
	stubs.DefaultRegistry.Log(e, category, "GetProcAddress",
		fmt.Sprintf("%s -> %s", emulator.ImportLabel(module, name, ordinal), stubs.FormatHex(slot)))
	return slot
}

// stubVirtualProtect reports success without changing protection; the whole
// address space is mapped RWX. The previous protection reads as
// PAGE_EXECUTE_READWRITE.
func stubVirtualProtect(e *emulator.Emulator) uint64 {
	addr, size, prot, oldPtr := e.Arg(0), e.Arg(1), e.Arg(2), e.Arg(3)
	if oldPtr != 0 {
		if err := e.MemWriteU32(oldPtr, 0x40); err != nil {
			return 0
		}
	}
	stubs.DefaultRegistry.Log(e, category, "VirtualProtect",
		fmt.Sprintf("%s %s %s", stubs.FormatPtr("addr", addr), stubs.FormatPtr("size", size), stubs.FormatPtr("prot", prot)))
	return 1
}

func stubVirtualAlloc(e *emulator.Emulator) uint64 {
	addr, size := e.Arg(0), e.Arg(1)
	if addr != 0 && e.Mapped(addr, size) {
		// Committing inside an existing reservation.
		stubs.DefaultRegistry.Log(e, category, "VirtualAlloc", stubs.FormatPtrPair("addr", addr, "size", size))
		return addr
	}
	ptr := e.AllocPages(size)
	stubs.DefaultRegistry.Log(e, category, "VirtualAlloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr
}

func stubVirtualFree(e *emulator.Emulator) uint64 {
	stubs.DefaultRegistry.Log(e, category, "VirtualFree", stubs.FormatPtr("addr", e.Arg(0)))
	return 1
}

func stubGetCommandLineA(e *emulator.Emulator) uint64 {
	ptr := e.Malloc(uint64(len(commandLine) + 1))
	if ptr != 0 {
		_ = e.MemWriteString(ptr, commandLine)
	}
	return ptr
}
