package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

const codeBase = 0x400000

// mov eax, 5; mov ecx, 3; add eax, ecx; ret
var addTestCode = []byte{
	0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
	0xb9, 0x03, 0x00, 0x00, 0x00, // mov ecx, 3
	0x01, 0xc8, // add eax, ecx
	0xc3, // ret
}

func newLoaded(t *testing.T, code []byte) *Emulator {
	t.Helper()
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	if _, err := emu.LoadCode(codeBase, code, codeBase); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	return emu
}

func imm32(v uint64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestEmulatorBasic(t *testing.T) {
	emu := newLoaded(t, addTestCode)

	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eax := emu.EAX(); eax != 8 {
		t.Errorf("Expected EAX=8, got EAX=%d", eax)
	}
	if ecx := emu.ECX(); ecx != 3 {
		t.Errorf("Expected ECX=3, got ECX=%d", ecx)
	}
}

func TestMemoryOperations(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr := uint64(HeapBase)
	if err := emu.MemWriteU32(addr, 0xCAFEBABE); err != nil {
		t.Fatalf("Failed to write U32: %v", err)
	}
	v, err := emu.MemReadU32(addr)
	if err != nil {
		t.Fatalf("Failed to read U32: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Errorf("U32 mismatch: read 0x%x", v)
	}

	strAddr := addr + 0x100
	if err := emu.MemWriteString(strAddr, "kernel32.dll"); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	s, err := emu.MemReadString(strAddr, 256)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if s != "kernel32.dll" {
		t.Errorf("String mismatch: %q", s)
	}

	wAddr := addr + 0x200
	if err := emu.MemWrite(wAddr, []byte{'A', 0, 'B', 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if ws, _ := emu.MemReadWString(wAddr, 16); ws != "AB" {
		t.Errorf("WString mismatch: %q", ws)
	}
}

func TestMapped(t *testing.T) {
	emu := newLoaded(t, addTestCode)

	tests := []struct {
		name       string
		addr, size uint64
		want       bool
	}{
		{"image", codeBase, 0x1000, true},
		{"stack", StackBase, StackSize, true},
		{"heap tail", HeapBase + HeapSize - 1, 1, true},
		{"stub region", StubBase, StubSize, true},
		{"past image", codeBase + 0x1000, 1, false},
		{"straddles image end", codeBase + 0xff0, 0x20, false},
		{"unmapped", 0x30000000, 0x10, false},
		{"zero size", 0x30000000, 0, true},
		{"wraps", ^uint64(0) - 4, 0x10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := emu.Mapped(tt.addr, tt.size); got != tt.want {
				t.Errorf("Mapped(0x%x, 0x%x) = %v, want %v", tt.addr, tt.size, got, tt.want)
			}
		})
	}
}

func TestReturnStdcall(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	// Caller pushed two args then the return address
	emu.Push(0x22)
	emu.Push(0x11)
	emu.Push(0x401234)
	sp := emu.ESP()

	if emu.Arg(0) != 0x11 || emu.Arg(1) != 0x22 {
		t.Fatalf("args = 0x%x, 0x%x", emu.Arg(0), emu.Arg(1))
	}
	if emu.ReturnAddress() != 0x401234 {
		t.Fatalf("return address = 0x%x", emu.ReturnAddress())
	}

	emu.ReturnStdcall(7, 2)

	if emu.EAX() != 7 {
		t.Errorf("EAX = %d, want 7", emu.EAX())
	}
	if emu.ESP() != sp+12 {
		t.Errorf("ESP = 0x%x, want 0x%x", emu.ESP(), sp+12)
	}
	if emu.EIP() != 0x401234 {
		t.Errorf("EIP = 0x%x, want 0x401234", emu.EIP())
	}
}

func TestStubDispatch(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	slot, err := emu.AllocStub("test.dll!Add")
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	emu.BindStub(slot, func(e *Emulator) bool {
		calls++
		e.ReturnStdcall(e.Arg(0)+e.Arg(1), 2)
		return false
	})

	code := append([]byte{0xb8}, imm32(slot)...) // mov eax, slot
	code = append(code,
		0x6a, 0x01, // push 1
		0x6a, 0x02, // push 2
		0xff, 0xd0, // call eax
		0xc3, // ret
	)
	if _, err := emu.LoadCode(codeBase, code, codeBase); err != nil {
		t.Fatal(err)
	}
	sp := emu.ESP()

	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("stub called %d times", calls)
	}
	if emu.EAX() != 3 {
		t.Errorf("EAX = %d, want 3", emu.EAX())
	}
	// stdcall popped both args; the final ret popped the sentinel
	if emu.ESP() != sp+4 {
		t.Errorf("ESP = 0x%x, want 0x%x", emu.ESP(), sp+4)
	}

	if got := emu.StubLabel(slot); got != "test.dll!Add" {
		t.Errorf("StubLabel = %q", got)
	}
	if a, ok := emu.StubAddress("test.dll!Add"); !ok || a != slot {
		t.Errorf("StubAddress = 0x%x, %v", a, ok)
	}
}

func TestUnboundStubReturns(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	slot, _ := emu.AllocStub("test.dll!Nothing")
	code := append([]byte{0xb8}, imm32(slot)...)
	code = append(code, 0xff, 0xd0, 0xc3) // call eax; ret
	if _, err := emu.LoadCode(codeBase, code, codeBase); err != nil {
		t.Fatal(err)
	}
	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestStubExit(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	slot, _ := emu.AllocStub("kernel32.dll!ExitProcess")
	emu.BindStub(slot, func(e *Emulator) bool {
		e.Exit(uint32(e.Arg(0)))
		return true
	})

	code := []byte{0x6a, 0x05, 0xb8} // push 5; mov eax, slot
	code = append(code, imm32(slot)...)
	code = append(code,
		0xff, 0xd0, // call eax
		0xcc, // int3, never reached
	)
	if _, err := emu.LoadCode(codeBase, code, codeBase); err != nil {
		t.Fatal(err)
	}

	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	exited, code32 := emu.Exited()
	if !exited || code32 != 5 {
		t.Errorf("Exited = %v, %d; want true, 5", exited, code32)
	}
	if !emu.Stopped() {
		t.Error("Stopped = false")
	}
}

func TestHookAddressStops(t *testing.T) {
	code := []byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xb8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xc3,
	}
	emu := newLoaded(t, code)

	var hit uint64
	if err := emu.HookAddress(codeBase+5, func(addr uint64, size uint32) bool {
		hit = addr
		return true
	}); err != nil {
		t.Fatal(err)
	}

	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hit != codeBase+5 {
		t.Errorf("hook address = 0x%x", hit)
	}
	if emu.EAX() != 1 {
		t.Errorf("EAX = %d, hooked instruction should not run", emu.EAX())
	}
	if !emu.Stopped() {
		t.Error("Stopped = false")
	}
}

func TestHookBlock(t *testing.T) {
	code := []byte{
		0xeb, 0x00, // jmp next
		0x90, // nop
		0xc3, // ret
	}
	emu := newLoaded(t, code)

	var first, second []uint64
	if err := emu.HookBlock(codeBase, codeBase+2, func(addr uint64, size uint32) bool {
		first = append(first, addr)
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if err := emu.HookBlock(codeBase+2, codeBase+0x1000, func(addr uint64, size uint32) bool {
		second = append(second, addr)
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if err := emu.HookBlock(codeBase, codeBase, nil); err == nil {
		t.Error("expected error for empty range")
	}

	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(first) != 1 || first[0] != codeBase {
		t.Errorf("first range blocks = %x", first)
	}
	if len(second) != 1 || second[0] != codeBase+2 {
		t.Errorf("second range blocks = %x", second)
	}
}

func TestFaultUnmappedRead(t *testing.T) {
	// mov eax, [0x30000000]
	emu := newLoaded(t, []byte{0xa1, 0x00, 0x00, 0x00, 0x30, 0xc3})

	err := emu.Run(context.Background())
	var fault *EmulationFault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want EmulationFault", err)
	}
	if fault.Address != 0x30000000 || fault.Access != AccessRead {
		t.Errorf("fault = %+v", fault)
	}
	if fault.Err == nil {
		t.Error("engine error not attached")
	}
}

func TestFaultInterrupt(t *testing.T) {
	emu := newLoaded(t, []byte{0x90, 0xcc, 0xc3})

	err := emu.Run(context.Background())
	var fault *EmulationFault
	if !errors.As(err, &fault) {
		t.Fatalf("err = %v, want EmulationFault", err)
	}
	if fault.Access != AccessInterrupt || fault.Interrupt != 3 {
		t.Errorf("fault = %+v", fault)
	}
}

func TestRunWatchdog(t *testing.T) {
	emu := newLoaded(t, []byte{0xeb, 0xfe}) // jmp $

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := emu.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	emu := newLoaded(t, addTestCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emu.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
	if emu.EAX() == 8 {
		t.Error("code ran under a cancelled context")
	}
}

func TestRunWithoutImage(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	if err := emu.Run(context.Background()); err == nil {
		t.Error("expected error without a loaded image")
	}
}

func TestLoadCodeRejectsOutsideEntry(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	if _, err := emu.LoadCode(codeBase, addTestCode, codeBase+0x2000); err == nil {
		t.Error("expected error for entry outside image")
	}
}

func TestAllocators(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	a := emu.Malloc(3)
	b := emu.Malloc(1)
	if a != HeapBase || b != HeapBase+16 {
		t.Errorf("Malloc = 0x%x, 0x%x", a, b)
	}

	p := emu.AllocPages(0x1800)
	if p%0x1000 != 0 {
		t.Errorf("AllocPages = 0x%x, not page aligned", p)
	}
	if next := emu.Malloc(1); next != p+0x2000 {
		t.Errorf("Malloc after pages = 0x%x, want 0x%x", next, p+0x2000)
	}

	if emu.Malloc(HeapSize) != 0 {
		t.Error("Malloc past heap end should return 0")
	}
}

func TestLastError(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	emu.SetLastError(126)
	if emu.LastError() != 126 {
		t.Errorf("LastError = %d", emu.LastError())
	}
}

func TestState(t *testing.T) {
	type key struct{}
	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	created := 0
	create := func() any { created++; return new(int) }

	first := a.State(key{}, create).(*int)
	*first = 7
	if got := a.State(key{}, create).(*int); got != first || *got != 7 {
		t.Errorf("second lookup returned a new value")
	}
	if other := b.State(key{}, create).(*int); other == first {
		t.Error("sessions share state")
	}
	if created != 2 {
		t.Errorf("create called %d times, want 2", created)
	}
}
