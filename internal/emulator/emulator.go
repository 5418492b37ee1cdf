// Package emulator provides x86-32 emulation of Windows executables using Unicorn Engine.
package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	StackBase = 0x00100000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x10000000
	HeapSize  = 0x01000000 // 16MB heap, also backs VirtualAlloc
	StubBase  = 0x7FF00000 // API stub slots mapped here
	StubSize  = 0x00010000 // 64KB
	StubSlot  = 0x10       // bytes per stub slot

	// ExitSentinel is pushed as the return address of the entry point.
	// Reaching it ends the run cleanly.
	ExitSentinel = 0xDEADBEEF

	pageSize = 0x1000
)

// retInsn fills unbound stub slots so an unhooked call returns to its caller.
const retInsn = 0xC3

// StubFunc is called when execution reaches a bound API stub slot.
// Return true to stop emulation.
type StubFunc func(emu *Emulator) bool

type region struct {
	base uint64
	size uint64
	name string
}

// Emulator wraps Unicorn for x86-32 emulation
type Emulator struct {
	mu uc.Unicorn

	// Mapped regions, sorted by base
	regions []region

	// Memory management
	heapPtr uint64

	// API stub slots
	stubPtr    uint64
	stubs      map[uint64]StubFunc
	stubLabels map[uint64]string
	stubsMu    sync.RWMutex

	deps *DependencySet

	entry    uint64
	image    *PEInfo
	stopped  atomic.Bool
	exited   bool
	exitCode uint32
	lastErr  uint32

	fault *EmulationFault

	onCall  CallFunc
	state   map[any]any
	stateMu sync.Mutex
}

// CallFunc receives API stub calls made from pc.
type CallFunc func(pc uint64, category, name, detail string)

// New creates a new x86-32 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:         mu,
		heapPtr:    HeapBase,
		stubPtr:    StubBase,
		stubs:      make(map[uint64]StubFunc),
		stubLabels: make(map[uint64]string),
		state:      make(map[any]any),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the fixed memory layout
func (e *Emulator) mapMemory() error {
	regions := []region{
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mapRegion(r.base, r.size, r.name); err != nil {
			return err
		}
	}

	// Unbound slots behave as a plain RET
	fill := make([]byte, StubSize)
	for i := range fill {
		fill[i] = retInsn
	}
	if err := e.mu.MemWrite(StubBase, fill); err != nil {
		return fmt.Errorf("init stub region: %w", err)
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.X86_REG_ESP, sp); err != nil {
		return fmt.Errorf("set ESP: %w", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_EBP, sp); err != nil {
		return fmt.Errorf("set EBP: %w", err)
	}

	return nil
}

func (e *Emulator) mapRegion(base, size uint64, name string) error {
	if err := e.mu.MemMap(base, size); err != nil {
		return fmt.Errorf("map %s (0x%x+0x%x): %w", name, base, size, err)
	}
	e.regions = append(e.regions, region{base, size, name})
	sort.Slice(e.regions, func(i, j int) bool { return e.regions[i].base < e.regions[j].base })
	return nil
}

// setupHooks installs the engine-wide hooks: stub dispatch, faults and interrupts.
func (e *Emulator) setupHooks() error {
	// Stub dispatch is limited to the stub region so ordinary code
	// never pays for a per-instruction callback.
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		e.stubsMu.RLock()
		fn, ok := e.stubs[addr]
		e.stubsMu.RUnlock()

		if ok && fn(e) {
			e.Stop()
		}
	}, StubBase, StubBase+StubSize-1)
	if err != nil {
		return fmt.Errorf("hook stubs: %w", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		if e.fault == nil {
			e.fault = &EmulationFault{
				Address: addr,
				PC:      e.EIP(),
				Access:  accessKind(access),
				Size:    size,
			}
		}
		return false
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook invalid memory: %w", err)
	}

	_, err = e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		if e.fault == nil {
			pc := e.EIP()
			e.fault = &EmulationFault{
				Address:   pc,
				PC:        pc,
				Access:    AccessInterrupt,
				Interrupt: intno,
			}
		}
		e.Stop()
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook interrupts: %w", err)
	}

	return nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapRegion maps additional memory, page aligned
func (e *Emulator) MapRegion(addr, size uint64) error {
	base := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	return e.mapRegion(base, end-base, "user")
}

// Mapped reports whether every byte of [addr, addr+size) is mapped.
func (e *Emulator) Mapped(addr, size uint64) bool {
	if size == 0 {
		return true
	}
	end := addr + size
	if end < addr {
		return false
	}
	cur := addr
	for _, r := range e.regions {
		if r.base > cur {
			break
		}
		if rEnd := r.base + r.size; rEnd > cur {
			cur = rEnd
			if cur >= end {
				return true
			}
		}
	}
	return false
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a NUL-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	for i := 0; i < maxLen; i++ {
		b, err := e.mu.MemRead(addr+uint64(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

// MemReadWString reads a NUL-terminated UTF-16LE string, keeping the low byte of each unit.
func (e *Emulator) MemReadWString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 2048
	}
	var out []byte
	for i := 0; i < maxLen; i++ {
		u, err := e.mu.MemRead(addr+uint64(i*2), 2)
		if err != nil {
			return "", err
		}
		if u[0] == 0 && u[1] == 0 {
			break
		}
		out = append(out, u[0])
	}
	return string(out), nil
}

// MemWriteString writes a NUL-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	return e.mu.MemWrite(addr, append([]byte(s), 0))
}

func (e *Emulator) reg(r int) uint64 {
	v, _ := e.mu.RegRead(r)
	return v & 0xFFFFFFFF
}

// EAX returns the accumulator
func (e *Emulator) EAX() uint64 { return e.reg(uc.X86_REG_EAX) }

// SetEAX sets the accumulator
func (e *Emulator) SetEAX(val uint64) error { return e.mu.RegWrite(uc.X86_REG_EAX, val) }

// ECX returns the counter register
func (e *Emulator) ECX() uint64 { return e.reg(uc.X86_REG_ECX) }

// ESP returns the stack pointer
func (e *Emulator) ESP() uint64 { return e.reg(uc.X86_REG_ESP) }

// SetESP sets the stack pointer
func (e *Emulator) SetESP(val uint64) error { return e.mu.RegWrite(uc.X86_REG_ESP, val) }

// EIP returns the program counter
func (e *Emulator) EIP() uint64 { return e.reg(uc.X86_REG_EIP) }

// SetEIP sets the program counter
func (e *Emulator) SetEIP(val uint64) error { return e.mu.RegWrite(uc.X86_REG_EIP, val) }

// Push pushes a 32-bit value onto the stack
func (e *Emulator) Push(val uint32) error {
	sp := e.ESP() - 4
	if err := e.MemWriteU32(sp, val); err != nil {
		return err
	}
	return e.SetESP(sp)
}

// Arg reads the n-th stack argument of a stdcall/cdecl call at function entry.
func (e *Emulator) Arg(n int) uint64 {
	v, err := e.MemReadU32(e.ESP() + 4 + uint64(n)*4)
	if err != nil {
		return 0
	}
	return uint64(v)
}

// ReturnAddress reads the return address at the top of the stack.
func (e *Emulator) ReturnAddress() uint64 {
	v, _ := e.MemReadU32(e.ESP())
	return uint64(v)
}

// ReturnStdcall returns from the current stub: EAX=ret, pops the return
// address and nargs stack arguments, and resumes at the caller.
// Use nargs=0 for cdecl functions.
func (e *Emulator) ReturnStdcall(ret uint64, nargs int) {
	retAddr := e.ReturnAddress()
	e.SetEAX(ret)
	e.SetESP(e.ESP() + 4 + uint64(nargs)*4)
	e.SetEIP(retAddr)
}

// Malloc allocates memory from the heap (bump allocator).
// Returns 0 when the heap is exhausted.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ uint64(15)
	if e.heapPtr+size > HeapBase+HeapSize {
		return 0
	}
	addr := e.heapPtr
	e.heapPtr += size
	return addr
}

// AllocPages allocates page-aligned, zeroed memory from the heap.
func (e *Emulator) AllocPages(size uint64) uint64 {
	e.heapPtr = (e.heapPtr + pageSize - 1) &^ uint64(pageSize-1)
	size = (size + pageSize - 1) &^ uint64(pageSize-1)
	addr := e.Malloc(size)
	if addr == 0 {
		return 0
	}
	_ = e.mu.MemWrite(addr, make([]byte, size))
	return addr
}

// AllocStub reserves a stub slot for an API function and returns its address.
func (e *Emulator) AllocStub(label string) (uint64, error) {
	e.stubsMu.Lock()
	defer e.stubsMu.Unlock()

	if e.stubPtr+StubSlot > StubBase+StubSize {
		return 0, fmt.Errorf("stub region exhausted allocating %s", label)
	}
	addr := e.stubPtr
	e.stubPtr += StubSlot
	e.stubLabels[addr] = label
	return addr, nil
}

// BindStub attaches fn to a stub slot.
func (e *Emulator) BindStub(addr uint64, fn StubFunc) {
	e.stubsMu.Lock()
	defer e.stubsMu.Unlock()
	e.stubs[addr] = fn
}

// StubLabel returns the label of a stub slot, or "" for non-stub addresses.
func (e *Emulator) StubLabel(addr uint64) string {
	e.stubsMu.RLock()
	defer e.stubsMu.RUnlock()
	return e.stubLabels[addr]
}

// StubAddress looks up a previously allocated slot by label.
func (e *Emulator) StubAddress(label string) (uint64, bool) {
	e.stubsMu.RLock()
	defer e.stubsMu.RUnlock()
	for addr, l := range e.stubLabels {
		if l == label {
			return addr, true
		}
	}
	return 0, false
}

// SetDependencies attaches the resolved dependency set used by loader stubs.
func (e *Emulator) SetDependencies(d *DependencySet) {
	e.deps = d
}

// Dependencies returns the attached dependency set, possibly nil.
func (e *Emulator) Dependencies() *DependencySet {
	return e.deps
}

// Image returns the loaded target image, or nil before LoadPE.
func (e *Emulator) Image() *PEInfo {
	return e.image
}

// SetLastError sets the emulated thread's last-error value.
func (e *Emulator) SetLastError(code uint32) {
	e.lastErr = code
}

// LastError returns the emulated thread's last-error value.
func (e *Emulator) LastError() uint32 {
	return e.lastErr
}

// Exit records a process exit and stops emulation.
func (e *Emulator) Exit(code uint32) {
	e.exited = true
	e.exitCode = code
	e.Stop()
}

// Exited reports whether the emulated program called an exit API, and its code.
func (e *Emulator) Exited() (bool, uint32) {
	return e.exited, e.exitCode
}

// SetCallHandler sets the function notified of stub calls in this session.
func (e *Emulator) SetCallHandler(fn CallFunc) {
	e.onCall = fn
}

// CallHandler returns the stub call handler, or nil.
func (e *Emulator) CallHandler() CallFunc {
	return e.onCall
}

// State returns the value stored under key for this session, creating it
// with create on first use. Stub packages keep their per-process tables here.
func (e *Emulator) State(key any, create func() any) any {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	v, ok := e.state[key]
	if !ok {
		v = create()
		e.state[key] = v
	}
	return v
}

// HookAddress calls fn when execution reaches addr. fn returns true to stop emulation.
func (e *Emulator) HookAddress(addr uint64, fn func(addr uint64, size uint32) bool) error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, a uint64, size uint32) {
		if fn(a, size) {
			e.Stop()
		}
	}, addr, addr)
	if err != nil {
		return fmt.Errorf("hook address 0x%x: %w", addr, err)
	}
	return nil
}

// HookBlock calls fn for every basic block starting in [begin, end).
// fn returns true to stop emulation.
func (e *Emulator) HookBlock(begin, end uint64, fn func(addr uint64, size uint32) bool) error {
	if end <= begin {
		return fmt.Errorf("empty block range [0x%x, 0x%x)", begin, end)
	}
	_, err := e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, a uint64, size uint32) {
		if fn(a, size) {
			e.Stop()
		}
	}, begin, end-1)
	if err != nil {
		return fmt.Errorf("hook block [0x%x, 0x%x): %w", begin, end, err)
	}
	return nil
}

// Run starts emulation at the loaded entry point and blocks until the
// program exits, faults, is stopped by a hook, or ctx is done.
func (e *Emulator) Run(ctx context.Context) error {
	if e.entry == 0 {
		return errors.New("no entry point: load an image first")
	}
	return e.RunRange(ctx, e.entry, ExitSentinel)
}

// RunRange emulates from start until execution reaches until.
func (e *Emulator) RunRange(ctx context.Context, start, until uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.stopped.Store(false)
	e.fault = nil

	// Watchdog: stop the engine from outside hook context.
	var cancelled atomic.Bool
	done := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				e.mu.Stop()
			case <-done:
			}
		}()
	}

	err := e.mu.Start(start, until)
	close(done)

	if cancelled.Load() {
		return ctx.Err()
	}
	if e.fault != nil {
		// Returning into the exit sentinel is the normal end of a run.
		if e.fault.Access == AccessFetch && e.fault.Address == until {
			return nil
		}
		f := *e.fault
		f.Err = err
		return &f
	}
	if err != nil {
		pc := e.EIP()
		if pc == until {
			return nil
		}
		return &EmulationFault{Address: pc, PC: pc, Access: AccessUnknown, Err: err}
	}
	return nil
}

// Stop stops emulation. Safe to call from hooks and from other goroutines.
func (e *Emulator) Stop() {
	e.stopped.Store(true)
	e.mu.Stop()
}

// Stopped reports whether the last run was stopped explicitly.
func (e *Emulator) Stopped() bool {
	return e.stopped.Load()
}
