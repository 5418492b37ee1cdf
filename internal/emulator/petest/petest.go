// Package petest builds minimal 32-bit PE images for tests.
//
// Layout: headers in the first 0x200 file bytes, code in .text at RVA
// 0x1000, then an optional .idata section (IAT, lookup table, descriptors
// and names) and an optional .edata section, each section aligned.
package petest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	DefaultBase = 0x400000
	TextRVA     = 0x1000

	fileAlign    = 0x200
	sectionAlign = 0x1000
	headerSize   = 0x200
	lfanew       = 0x40
	optHdrSize   = 0xE0
)

// Import lists the functions imported from one module.
type Import struct {
	Module string
	Funcs  []string
}

// Image describes a PE to build.
type Image struct {
	Base    uint64 // defaults to DefaultBase
	Code    []byte // entry point is the first byte
	Imports []Import
	Name    string   // export module name, for DLLs
	Exports []string // all exports point at the entry point
}

func (img Image) base() uint64 {
	if img.Base == 0 {
		return DefaultBase
	}
	return img.Base
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func (img Image) textSize() uint32 {
	return align(max(uint32(len(img.Code)), 1), sectionAlign)
}

func (img Image) idataRVA() uint32 {
	return TextRVA + img.textSize()
}

func (img Image) idataSize() uint32 {
	if len(img.Imports) == 0 {
		return 0
	}
	data, _, _ := img.idata()
	return align(uint32(len(data)), sectionAlign)
}

func (img Image) edataRVA() uint32 {
	return img.idataRVA() + img.idataSize()
}

// Entry returns the virtual address of the entry point.
func (img Image) Entry() uint64 {
	return img.base() + TextRVA
}

// IAT returns the virtual address of the IAT entry for module!fn, or 0.
func (img Image) IAT(module, fn string) uint64 {
	rva := img.idataRVA()
	for _, imp := range img.Imports {
		for _, f := range imp.Funcs {
			if imp.Module == module && f == fn {
				return img.base() + uint64(rva)
			}
			rva += 4
		}
		rva += 4
	}
	return 0
}

// idata lays out the import section.
func (img Image) idata() (data []byte, importDir, iatDir [2]uint32) {
	rva := img.idataRVA()

	thunks := 0
	for _, imp := range img.Imports {
		thunks += len(imp.Funcs) + 1
	}
	iatOff := uint32(0)
	iltOff := iatOff + uint32(thunks)*4
	descOff := iltOff + uint32(thunks)*4
	namesOff := descOff + uint32(len(img.Imports)+1)*20

	// Names first, so thunk values are known.
	var names []byte
	modNameRVA := make([]uint32, len(img.Imports))
	fnNameRVA := make([][]uint32, len(img.Imports))
	for i, imp := range img.Imports {
		modNameRVA[i] = rva + namesOff + uint32(len(names))
		names = append(names, imp.Module...)
		names = append(names, 0)
		if len(names)%2 == 1 {
			names = append(names, 0)
		}
		for _, fn := range imp.Funcs {
			fnNameRVA[i] = append(fnNameRVA[i], rva+namesOff+uint32(len(names)))
			names = append(names, 0, 0) // hint
			names = append(names, fn...)
			names = append(names, 0)
			if len(names)%2 == 1 {
				names = append(names, 0)
			}
		}
	}

	data = make([]byte, namesOff+uint32(len(names)))
	copy(data[namesOff:], names)

	le := binary.LittleEndian
	slot := uint32(0)
	for i, imp := range img.Imports {
		first := slot
		for j := range imp.Funcs {
			le.PutUint32(data[iatOff+slot*4:], fnNameRVA[i][j])
			le.PutUint32(data[iltOff+slot*4:], fnNameRVA[i][j])
			slot++
		}
		slot++ // null terminator

		d := data[descOff+uint32(i)*20:]
		le.PutUint32(d[0:], rva+iltOff+first*4)  // OriginalFirstThunk
		le.PutUint32(d[12:], modNameRVA[i])      // Name
		le.PutUint32(d[16:], rva+iatOff+first*4) // FirstThunk
	}

	importDir = [2]uint32{rva + descOff, uint32(len(img.Imports)+1) * 20}
	iatDir = [2]uint32{rva + iatOff, uint32(thunks) * 4}
	return data, importDir, iatDir
}

// edata lays out the export section.
func (img Image) edata() (data []byte, exportDir [2]uint32) {
	rva := img.edataRVA()
	n := uint32(len(img.Exports))

	funcsOff := uint32(40)
	namesOff := funcsOff + n*4
	ordsOff := namesOff + n*4
	strOff := align(ordsOff+n*2, 4)

	var strs []byte
	modName := rva + strOff
	strs = append(strs, img.Name...)
	strs = append(strs, 0)
	nameRVA := make([]uint32, n)
	for i, fn := range img.Exports {
		nameRVA[i] = rva + strOff + uint32(len(strs))
		strs = append(strs, fn...)
		strs = append(strs, 0)
	}

	data = make([]byte, strOff+uint32(len(strs)))
	copy(data[strOff:], strs)

	le := binary.LittleEndian
	le.PutUint32(data[12:], modName)
	le.PutUint32(data[16:], 1) // ordinal base
	le.PutUint32(data[20:], n)
	le.PutUint32(data[24:], n)
	le.PutUint32(data[28:], rva+funcsOff)
	le.PutUint32(data[32:], rva+namesOff)
	le.PutUint32(data[36:], rva+ordsOff)
	for i := uint32(0); i < n; i++ {
		le.PutUint32(data[funcsOff+i*4:], TextRVA)
		le.PutUint32(data[namesOff+i*4:], nameRVA[i])
		le.PutUint16(data[ordsOff+i*2:], uint16(i))
	}
	return data, [2]uint32{rva, uint32(len(data))}
}

// Bytes renders the image as a PE file.
func (img Image) Bytes() []byte {
	le := binary.LittleEndian

	type section struct {
		name     string
		rva      uint32
		data     []byte
		vsize    uint32
		rawOff   uint32
		rawSize  uint32
		charactr uint32
	}

	sections := []section{{
		name:     ".text",
		rva:      TextRVA,
		data:     img.Code,
		vsize:    uint32(len(img.Code)),
		charactr: 0xE0000020, // code, RWX
	}}
	var importDir, iatDir, exportDir [2]uint32
	if len(img.Imports) > 0 {
		var data []byte
		data, importDir, iatDir = img.idata()
		sections = append(sections, section{
			name:     ".idata",
			rva:      img.idataRVA(),
			data:     data,
			vsize:    uint32(len(data)),
			charactr: 0xC0000040, // initialized data, RW
		})
	}
	if len(img.Exports) > 0 {
		var data []byte
		data, exportDir = img.edata()
		sections = append(sections, section{
			name:     ".edata",
			rva:      img.edataRVA(),
			data:     data,
			vsize:    uint32(len(data)),
			charactr: 0x40000040, // initialized data, R
		})
	}

	off := uint32(headerSize)
	sizeOfImage := uint32(TextRVA)
	for i := range sections {
		s := &sections[i]
		s.rawOff = off
		s.rawSize = align(max(uint32(len(s.data)), 1), fileAlign)
		off += s.rawSize
		sizeOfImage = s.rva + align(max(s.vsize, 1), sectionAlign)
	}

	out := make([]byte, off)

	// DOS header
	copy(out, "MZ")
	le.PutUint32(out[0x3C:], lfanew)

	// NT signature and file header
	p := out[lfanew:]
	copy(p, "PE\x00\x00")
	fh := p[4:]
	le.PutUint16(fh[0:], 0x14c) // i386
	le.PutUint16(fh[2:], uint16(len(sections)))
	le.PutUint16(fh[16:], optHdrSize)
	chars := uint16(0x0102) // executable, 32-bit
	if img.Name != "" {
		chars |= 0x2000 // DLL
	}
	le.PutUint16(fh[18:], chars)

	// Optional header
	oh := fh[20:]
	le.PutUint16(oh[0:], 0x10b)
	le.PutUint32(oh[4:], sections[0].rawSize) // SizeOfCode
	le.PutUint32(oh[16:], TextRVA)            // AddressOfEntryPoint
	le.PutUint32(oh[20:], TextRVA)            // BaseOfCode
	le.PutUint32(oh[28:], uint32(img.base())) // ImageBase
	le.PutUint32(oh[32:], sectionAlign)
	le.PutUint32(oh[36:], fileAlign)
	le.PutUint16(oh[40:], 4) // MajorOperatingSystemVersion
	le.PutUint16(oh[48:], 4) // MajorSubsystemVersion
	le.PutUint32(oh[56:], sizeOfImage)
	le.PutUint32(oh[60:], headerSize)
	le.PutUint16(oh[68:], 3) // console
	le.PutUint32(oh[72:], 0x100000)
	le.PutUint32(oh[76:], 0x1000)
	le.PutUint32(oh[80:], 0x100000)
	le.PutUint32(oh[84:], 0x1000)
	le.PutUint32(oh[92:], 16) // NumberOfRvaAndSizes
	dirs := oh[96:]
	le.PutUint32(dirs[0:], exportDir[0])
	le.PutUint32(dirs[4:], exportDir[1])
	le.PutUint32(dirs[1*8:], importDir[0])
	le.PutUint32(dirs[1*8+4:], importDir[1])
	le.PutUint32(dirs[12*8:], iatDir[0])
	le.PutUint32(dirs[12*8+4:], iatDir[1])

	// Section table
	st := oh[optHdrSize:]
	for i, s := range sections {
		h := st[i*40:]
		copy(h[0:8], s.name)
		le.PutUint32(h[8:], s.vsize)
		le.PutUint32(h[12:], s.rva)
		le.PutUint32(h[16:], s.rawSize)
		le.PutUint32(h[20:], s.rawOff)
		le.PutUint32(h[36:], s.charactr)
		copy(out[s.rawOff:], s.data)
	}

	return out
}

// Write stores the image as name in a fresh temporary directory and returns its path.
func Write(t testing.TB, name string, img Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, img.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// WriteDLL writes a DLL stand-in named name into dir, exporting exports.
func WriteDLL(t testing.TB, dir, name string, exports ...string) string {
	t.Helper()
	return WriteDLLCode(t, dir, name, []byte{0xc3}, exports...)
}

// WriteDLLCode is WriteDLL with every export pointing at code.
func WriteDLLCode(t testing.TB, dir, name string, code []byte, exports ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := Image{Base: 0x10000000, Code: code, Name: name, Exports: exports}
	if err := os.WriteFile(path, img.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
