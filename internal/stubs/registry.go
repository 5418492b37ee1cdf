// Package stubs provides a registry for self-registering Win32 API stubs.
// Each stub package uses init() to register its hooks; Install binds them
// to the import slots of a loaded image.
//
// Stubs are deliberately minimal: they implement just enough of an API for
// a packer's decompression stub to rebuild its import table and reach the
// original entry point. Unknown imports get a fallback that returns 0 and
// pops as many arguments as the real export does.
package stubs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zboralski/peunpack/internal/emulator"
	glog "github.com/zboralski/peunpack/internal/log"
)

// HookFunc is the signature for stub hook functions.
// It must return through emu.ReturnStdcall. Returns true to stop emulation.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Export name (e.g., "LoadLibraryA")
	Aliases  []string // Alternative export names
	Module   string   // Owning module (e.g., "kernel32.dll"), informational
	Args     int      // Stack arguments popped on return (0 for cdecl)
	Hook     HookFunc
	Category string // For logging: "kernel32", "msvcrt", ...
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // export name -> stub definition
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition to the registry.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// Lookup returns the stub registered for an export name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Install binds registered stubs to every import slot of the loaded image.
// Imports without a registered stub get a fallback when InstallFallbacks is set.
// Returns the number of bound slots.
func (r *Registry) Install(emu *emulator.Emulator, imports []emulator.Import) int {
	installed := 0
	seen := make(map[uint64]bool)
	for _, imp := range imports {
		if imp.Slot == 0 || seen[imp.Slot] {
			continue
		}
		seen[imp.Slot] = true
		if r.Bind(emu, imp.Slot, imp.Label(), "import") {
			installed++
		}
	}
	return installed
}

// Bind attaches the stub for label ("module!name") to slot. Returns false
// when no stub exists and fallbacks are disabled.
func (r *Registry) Bind(emu *emulator.Emulator, slot uint64, label, source string) bool {
	name := label
	if i := strings.IndexByte(label, '!'); i >= 0 {
		name = label[i+1:]
	}

	if def, ok := r.Lookup(name); ok {
		stub := def
		emu.BindStub(slot, func(e *emulator.Emulator) bool {
			return stub.Hook(e)
		})
		glog.Get().StubInstall(def.Category, name, slot, source)
		return true
	}

	if !InstallFallbacks {
		return false
	}

	emu.BindStub(slot, func(e *emulator.Emulator) bool {
		args := fallbackArgs(e, label)
		glog.Get().StubFallback(label, slot)
		r.Log(e, "fallback", label, FormatPtr("args", uint64(args)))
		e.ReturnStdcall(0, args)
		return false
	})
	glog.Get().StubInstall("fallback", label, slot, source)
	return true
}

// Resolve returns a stub slot for a function resolved at runtime
// (GetProcAddress), allocating and binding one on first use.
func (r *Registry) Resolve(emu *emulator.Emulator, module, name string, ordinal uint32) (uint64, error) {
	label := emulator.ImportLabel(module, name, ordinal)
	if slot, ok := emu.StubAddress(label); ok {
		return slot, nil
	}
	slot, err := emu.AllocStub(label)
	if err != nil {
		return 0, err
	}
	r.Bind(emu, slot, label, "runtime")
	return slot, nil
}

// fallbackArgs returns how many stack arguments the real export for label
// pops, read from its ret imm16. Unknown modules and exports count as cdecl.
func fallbackArgs(e *emulator.Emulator, label string) int {
	deps := e.Dependencies()
	i := strings.IndexByte(label, '!')
	if deps == nil || i < 0 {
		return 0
	}
	m, ok := deps.Lookup(label[:i])
	if !ok {
		return 0
	}
	n, ok := m.StdcallArgs(label[i+1:])
	if !ok {
		return 0
	}
	return n
}

// Log reports a stub call to the session's call handler and logs via zap.
// This is the primary method for stubs to report their activity.
func (r *Registry) Log(emu *emulator.Emulator, category, name, detail string) {
	ret := emu.ReturnAddress()
	if cb := emu.CallHandler(); cb != nil {
		cb(ret, category, name, detail)
	}
	glog.Get().Call(ret, category, name, detail)
}

// Count returns the number of registered names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names, aliases excluded.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[*StubDef]bool)
	for _, def := range r.stubs {
		if seen[def] {
			continue
		}
		seen[def] = true
		names = append(names, def.Name)
	}
	return names
}

// InstallFallbacks enables fallback stubs for unstubbed imports.
// When true, all unknown imports get a stub that returns 0.
var InstallFallbacks = true

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// Install binds all stubs in the default registry.
func Install(emu *emulator.Emulator, imports []emulator.Import) int {
	return DefaultRegistry.Install(emu, imports)
}

// Helper functions for stubs

// Stdcall adapts fn into a HookFunc that returns fn's result in EAX and
// pops args stack arguments. Use args=0 for cdecl functions.
func Stdcall(args int, fn func(emu *emulator.Emulator) uint64) HookFunc {
	return func(emu *emulator.Emulator) bool {
		emu.ReturnStdcall(fn(emu), args)
		return false
	}
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
