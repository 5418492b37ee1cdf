package emulator

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/saferwall/pe"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/peunpack/internal/disasm"
)

// ModuleHandleBase is the first fake HMODULE handed out for dependency DLLs.
// Handles are opaque to the emulated program and are never mapped.
const (
	ModuleHandleBase = 0x70000000
	moduleHandleStep = 0x00100000

	// maxEpilogScan bounds the bytes decoded when looking for an export's ret.
	maxEpilogScan = 0x400
)

// Subdirectories searched below the dependency root, in order.
var searchDirs = []string{
	".",
	filepath.Join("Windows", "System32"),
	filepath.Join("Windows", "SysWOW64"),
	"System32",
	"SysWOW64",
}

// Module is one resolved dependency DLL.
type Module struct {
	Name    string // lower-case file name, e.g. "kernel32.dll"
	Path    string
	Handle  uint64
	Exports map[string]uint32 // export name or "#ordinal" -> RVA

	raw      []byte
	sections []fileSection
}

type fileSection struct {
	rva, size, offset uint32
}

// HasExport reports whether the module exports name.
// Ordinal lookups ("#N") and modules without an export table are accepted
// without checking.
func (m *Module) HasExport(name string) bool {
	if strings.HasPrefix(name, "#") || len(m.Exports) == 0 {
		return true
	}
	_, ok := m.Exports[name]
	return ok
}

// StdcallArgs returns the number of stack arguments the export pops on
// return, read from the first ret in a linear sweep of its code. It reports
// false when the export is unknown or the sweep hits a jump or undecodable
// bytes first.
func (m *Module) StdcallArgs(name string) (int, bool) {
	rva, ok := m.Exports[name]
	if !ok {
		return 0, false
	}
	code := m.code(rva, maxEpilogScan)
	for inst := range disasm.Trace(code, uint64(rva)) {
		switch inst.Op {
		case x86asm.RET:
			if inst.Bytes[0] == 0xC2 && len(inst.Bytes) == 3 {
				return int(binary.LittleEndian.Uint16(inst.Bytes[1:])) / 4, true
			}
			return 0, true
		case x86asm.JMP, x86asm.LJMP, x86asm.LRET, x86asm.IRETD, x86asm.HLT:
			return 0, false
		}
	}
	return 0, false
}

// code returns up to n file bytes backing rva.
func (m *Module) code(rva, n uint32) []byte {
	for _, s := range m.sections {
		if rva < s.rva || rva-s.rva >= s.size {
			continue
		}
		start := uint64(s.offset) + uint64(rva-s.rva)
		end := min(start+uint64(min(n, s.size-(rva-s.rva))), uint64(len(m.raw)))
		if start >= end {
			return nil
		}
		return m.raw[start:end]
	}
	return nil
}

// DependencySet holds the runtime libraries a target requires.
type DependencySet struct {
	Dir     string
	modules map[string]*Module
	handles map[uint64]*Module
	next    uint64
}

// MissingDependencyError lists imported modules not found in the dependency directory.
type MissingDependencyError struct {
	Dir     string
	Modules []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependencies in %s: %s", e.Dir, strings.Join(e.Modules, ", "))
}

// NormalizeModule lower-cases a module name and adds the .dll suffix when absent.
func NormalizeModule(name string) string {
	name = strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if filepath.Ext(name) == "" {
		name += ".dll"
	}
	return name
}

// NewDependencySet creates an empty set rooted at dir.
func NewDependencySet(dir string) *DependencySet {
	return &DependencySet{
		Dir:     dir,
		modules: make(map[string]*Module),
		handles: make(map[uint64]*Module),
		next:    ModuleHandleBase,
	}
}

// LoadDependencies resolves every module in modules against dir and parses
// their export tables. All missing modules are reported together.
func LoadDependencies(dir string, modules []string) (*DependencySet, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dependency directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("dependency directory %s is not a directory", dir)
	}

	set := NewDependencySet(dir)
	var missing []string
	for _, name := range modules {
		if _, err := set.Resolve(name); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, NormalizeModule(name))
				continue
			}
			return nil, err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingDependencyError{Dir: dir, Modules: missing}
	}
	return set, nil
}

// Resolve returns the module for name, loading it from the directory on first use.
// The returned error satisfies os.IsNotExist when the DLL is absent.
func (d *DependencySet) Resolve(name string) (*Module, error) {
	key := NormalizeModule(name)
	if m, ok := d.modules[key]; ok {
		return m, nil
	}

	path, err := d.find(key)
	if err != nil {
		return nil, err
	}

	m, err := parseModule(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Name = key
	m.Handle = d.next
	d.next += moduleHandleStep
	d.modules[key] = m
	d.handles[m.Handle] = m
	return m, nil
}

// Lookup returns an already resolved module by name.
func (d *DependencySet) Lookup(name string) (*Module, bool) {
	m, ok := d.modules[NormalizeModule(name)]
	return m, ok
}

// ByHandle returns the module owning an HMODULE handle.
func (d *DependencySet) ByHandle(h uint64) (*Module, bool) {
	m, ok := d.handles[h]
	return m, ok
}

// Modules returns the resolved modules sorted by name.
func (d *DependencySet) Modules() []*Module {
	out := make([]*Module, 0, len(d.modules))
	for _, m := range d.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// find locates a DLL case-insensitively below the dependency root.
func (d *DependencySet) find(name string) (string, error) {
	for _, sub := range searchDirs {
		dir := filepath.Join(d.Dir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !ent.IsDir() && strings.EqualFold(ent.Name(), name) {
				return filepath.Join(dir, ent.Name()), nil
			}
		}
	}
	return "", &os.PathError{Op: "resolve", Path: filepath.Join(d.Dir, name), Err: os.ErrNotExist}
}

func parseModule(path string) (*Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := pe.NewBytes(raw, &pe.Options{})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return nil, err
	}

	m := &Module{
		Path:    path,
		Exports: make(map[string]uint32, len(f.Export.Functions)),
		raw:     raw,
	}
	for _, fn := range f.Export.Functions {
		if fn.Name != "" {
			m.Exports[fn.Name] = fn.FunctionRVA
		}
		m.Exports["#"+strconv.FormatUint(uint64(fn.Ordinal), 10)] = fn.FunctionRVA
	}
	for _, s := range f.Sections {
		h := s.Header
		m.sections = append(m.sections, fileSection{
			rva:    h.VirtualAddress,
			size:   h.SizeOfRawData,
			offset: h.PointerToRawData,
		})
	}
	return m, nil
}
