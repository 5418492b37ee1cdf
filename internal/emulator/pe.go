package emulator

import (
	"fmt"
	"os"
	"strings"

	"github.com/saferwall/pe"
)

const machineI386 = 0x14c

// Section characteristics
const (
	SectionExecute = 0x20000000
	SectionRead    = 0x40000000
	SectionWrite   = 0x80000000
)

// PEInfo contains parsed PE metadata
type PEInfo struct {
	Path          string
	ImageBase     uint64 // Preferred (and actual) load base
	SizeOfImage   uint64
	SizeOfHeaders uint64
	Entry         uint64 // Absolute entry point address
	Sections      []Section
	Imports       []Import
}

// Section represents a PE section header
type Section struct {
	Name            string
	VAddr           uint64 // absolute virtual address
	VSize           uint64
	RawOffset       uint64
	RawSize         uint64
	Characteristics uint32
}

// Import is one imported function bound to an API stub slot.
type Import struct {
	Module    string
	Name      string
	Ordinal   uint32
	ByOrdinal bool
	IAT       uint64 // absolute address of the IAT entry
	Slot      uint64 // stub slot written into the IAT entry
}

// Label returns "module!name" (or "module!#ordinal").
func (i Import) Label() string {
	return ImportLabel(i.Module, i.Name, i.Ordinal)
}

// ImportLabel builds the canonical stub label for an imported function.
func ImportLabel(module, name string, ordinal uint32) string {
	module = strings.ToLower(module)
	if name == "" {
		return fmt.Sprintf("%s!#%d", module, ordinal)
	}
	return module + "!" + name
}

// End returns the first address past the mapped image.
func (info *PEInfo) End() uint64 {
	return info.ImageBase + info.SizeOfImage
}

// Contains reports whether addr lies inside the mapped image.
func (info *PEInfo) Contains(addr uint64) bool {
	return addr >= info.ImageBase && addr < info.End()
}

// Modules returns the distinct imported module names in import order.
func (info *PEInfo) Modules() []string {
	var out []string
	seen := make(map[string]bool)
	for _, imp := range info.Imports {
		key := strings.ToLower(imp.Module)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, imp.Module)
	}
	return out
}

// SectionAt returns the section containing addr, or nil.
func (info *PEInfo) SectionAt(addr uint64) *Section {
	for i := range info.Sections {
		s := &info.Sections[i]
		size := max(s.VSize, s.RawSize)
		if addr >= s.VAddr && addr < s.VAddr+size {
			return s
		}
	}
	return nil
}

// IsExecutable returns true if the section is executable
func (s *Section) IsExecutable() bool {
	return s.Characteristics&SectionExecute != 0
}

// IsWritable returns true if the section is writable
func (s *Section) IsWritable() bool {
	return s.Characteristics&SectionWrite != 0
}

// ParsePE parses a 32-bit PE file without mapping it.
// It also returns the raw file contents.
func ParsePE(path string) (*PEInfo, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	f, err := pe.NewBytes(raw, &pe.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("open PE: %w", err)
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return nil, nil, fmt.Errorf("parse PE: %w", err)
	}

	if m := uint16(f.NtHeader.FileHeader.Machine); m != machineI386 {
		return nil, nil, fmt.Errorf("expected i386 image, got machine 0x%x", m)
	}

	info := &PEInfo{Path: path}
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		info.ImageBase = uint64(oh.ImageBase)
		info.SizeOfImage = uint64(oh.SizeOfImage)
		info.SizeOfHeaders = uint64(oh.SizeOfHeaders)
		info.Entry = uint64(oh.ImageBase) + uint64(oh.AddressOfEntryPoint)
	case *pe.ImageOptionalHeader32:
		info.ImageBase = uint64(oh.ImageBase)
		info.SizeOfImage = uint64(oh.SizeOfImage)
		info.SizeOfHeaders = uint64(oh.SizeOfHeaders)
		info.Entry = uint64(oh.ImageBase) + uint64(oh.AddressOfEntryPoint)
	default:
		return nil, nil, fmt.Errorf("unsupported optional header %T", oh)
	}

	for _, s := range f.Sections {
		h := s.Header
		info.Sections = append(info.Sections, Section{
			Name:            strings.TrimRight(string(h.Name[:]), "\x00"),
			VAddr:           info.ImageBase + uint64(h.VirtualAddress),
			VSize:           uint64(h.VirtualSize),
			RawOffset:       uint64(h.PointerToRawData),
			RawSize:         uint64(h.SizeOfRawData),
			Characteristics: h.Characteristics,
		})
	}

	for _, imp := range f.Imports {
		for _, fn := range imp.Functions {
			info.Imports = append(info.Imports, Import{
				Module:    imp.Name,
				Name:      fn.Name,
				Ordinal:   fn.Ordinal,
				ByOrdinal: fn.ByOrdinal,
				IAT:       info.ImageBase + uint64(fn.ThunkRVA),
			})
		}
	}

	return info, raw, nil
}

// LoadPE parses a 32-bit PE file and maps it into the emulator at its
// preferred base. Every IAT entry is pointed at an API stub slot, the exit
// sentinel is pushed as return address and EIP is set to the entry point.
func (e *Emulator) LoadPE(path string) (*PEInfo, error) {
	info, raw, err := ParsePE(path)
	if err != nil {
		return nil, err
	}

	if info.SizeOfImage == 0 {
		return nil, fmt.Errorf("SizeOfImage is zero")
	}
	if err := e.MapRegion(info.ImageBase, info.SizeOfImage); err != nil {
		return nil, fmt.Errorf("map image: %w", err)
	}

	hdr := min(info.SizeOfHeaders, uint64(len(raw)), info.SizeOfImage)
	if err := e.MemWrite(info.ImageBase, raw[:hdr]); err != nil {
		return nil, fmt.Errorf("write headers: %w", err)
	}

	for _, s := range info.Sections {
		size := s.RawSize
		if s.VSize != 0 && s.VSize < size {
			size = s.VSize
		}
		if size == 0 || s.RawOffset >= uint64(len(raw)) {
			continue // uninitialized data, left zeroed by the mapping
		}
		size = min(size, uint64(len(raw))-s.RawOffset, info.End()-s.VAddr)
		if err := e.MemWrite(s.VAddr, raw[s.RawOffset:s.RawOffset+size]); err != nil {
			return nil, fmt.Errorf("write section %s at 0x%x: %w", s.Name, s.VAddr, err)
		}
	}

	for i := range info.Imports {
		imp := &info.Imports[i]
		slot, ok := e.StubAddress(imp.Label())
		if !ok {
			if slot, err = e.AllocStub(imp.Label()); err != nil {
				return nil, err
			}
		}
		imp.Slot = slot
		if err := e.MemWriteU32(imp.IAT, uint32(slot)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", imp.Label(), err)
		}
	}

	if err := e.Push(ExitSentinel); err != nil {
		return nil, fmt.Errorf("push exit sentinel: %w", err)
	}
	if err := e.SetEIP(info.Entry); err != nil {
		return nil, fmt.Errorf("set EIP: %w", err)
	}
	e.entry = info.Entry
	e.image = info

	return info, nil
}

// LoadCode maps a flat image at base and prepares it to run from entry, as
// LoadPE does for a parsed file. It has no imports.
func (e *Emulator) LoadCode(base uint64, image []byte, entry uint64) (*PEInfo, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	size := (uint64(len(image)) + pageSize - 1) &^ (pageSize - 1)
	info := &PEInfo{
		ImageBase:   base,
		SizeOfImage: size,
		Entry:       entry,
	}
	if !info.Contains(entry) {
		return nil, fmt.Errorf("entry 0x%x outside image [0x%x, 0x%x)", entry, base, info.End())
	}
	if err := e.MapRegion(base, size); err != nil {
		return nil, fmt.Errorf("map image: %w", err)
	}
	if err := e.MemWrite(base, image); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := e.Push(ExitSentinel); err != nil {
		return nil, fmt.Errorf("push exit sentinel: %w", err)
	}
	if err := e.SetEIP(entry); err != nil {
		return nil, fmt.Errorf("set EIP: %w", err)
	}
	e.entry = entry
	e.image = info
	return info, nil
}
