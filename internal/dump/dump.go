// Package dump copies a region of emulated memory to a file.
package dump

import (
	"errors"
	"fmt"
	"os"
)

// Memory is the read side of an emulation session.
type Memory interface {
	Mapped(addr, size uint64) bool
	MemRead(addr, size uint64) ([]byte, error)
}

// Region is a contiguous span of emulated memory.
type Region struct {
	Base uint64
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Validate rejects empty regions and regions that wrap the address space.
func (r Region) Validate() error {
	if r.Size == 0 {
		return errors.New("dump region: zero size")
	}
	if r.End() < r.Base {
		return fmt.Errorf("dump region 0x%x+0x%x: overflows address space", r.Base, r.Size)
	}
	return nil
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.End())
}

// UnmappedMemoryError reports a dump region not fully backed by mapped memory.
type UnmappedMemoryError struct {
	Region Region
	Err    error // engine error, if the read itself failed
}

func (e *UnmappedMemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dump %s: unmapped memory: %v", e.Region, e.Err)
	}
	return fmt.Sprintf("dump %s: unmapped memory", e.Region)
}

func (e *UnmappedMemoryError) Unwrap() error { return e.Err }

// IOError reports a failure writing the dump file.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write dump %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Dump reads region from src and writes it verbatim to path, replacing any
// existing file. It returns the number of bytes written, always region.Size
// on success. Emulated memory is never modified.
func Dump(src Memory, region Region, path string) (int, error) {
	if err := region.Validate(); err != nil {
		return 0, err
	}
	if !src.Mapped(region.Base, region.Size) {
		return 0, &UnmappedMemoryError{Region: region}
	}

	data, err := src.MemRead(region.Base, region.Size)
	if err != nil {
		return 0, &UnmappedMemoryError{Region: region, Err: err}
	}
	if uint64(len(data)) != region.Size {
		return 0, &UnmappedMemoryError{
			Region: region,
			Err:    fmt.Errorf("short read: %d of %d bytes", len(data), region.Size),
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, &IOError{Path: path, Err: err}
	}
	return len(data), nil
}
