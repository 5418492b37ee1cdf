// Package msvcrt provides cdecl C runtime stubs commonly called right after
// an unpacked program reaches its original entry point.
package msvcrt

import (
	"fmt"

	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/stubs"
)

const category = "msvcrt"

func init() {
	register("printf", stubPrintf)
	register("puts", stubPuts)

	stubs.Register(stubs.StubDef{
		Name:     "exit",
		Aliases:  []string{"_exit"},
		Module:   "msvcrt.dll",
		Category: category,
		Hook: func(e *emulator.Emulator) bool {
			code := uint32(e.Arg(0))
			stubs.DefaultRegistry.Log(e, category, "exit", stubs.FormatPtr("code", uint64(code)))
			e.Exit(code)
			return true
		},
	})
}

func register(name string, fn func(*emulator.Emulator) uint64) {
	stubs.Register(stubs.StubDef{
		Name:     name,
		Module:   "msvcrt.dll",
		Hook:     stubs.Stdcall(0, fn), // cdecl: caller pops
		Category: category,
	})
}

// stubPrintf logs the format string; arguments are not expanded.
func stubPrintf(e *emulator.Emulator) uint64 {
	format, _ := e.MemReadString(e.Arg(0), 1024)
	stubs.DefaultRegistry.Log(e, category, "printf", fmt.Sprintf("%q", format))
	return uint64(len(format))
}

func stubPuts(e *emulator.Emulator) uint64 {
	s, _ := e.MemReadString(e.Arg(0), 1024)
	stubs.DefaultRegistry.Log(e, category, "puts", fmt.Sprintf("%q", s))
	return 1
}
