package stubs

import (
	"context"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/emulator/petest"
)

const codeBase = 0x400000

// callSlot builds: push args (last first); mov eax, slot; call eax; ret
func callSlot(slot uint64, args ...byte) []byte {
	var code []byte
	for i := len(args) - 1; i >= 0; i-- {
		code = append(code, 0x6a, args[i])
	}
	imm := make([]byte, 4)
	binary.LittleEndian.PutUint32(imm, uint32(slot))
	code = append(code, 0xb8)
	code = append(code, imm...)
	return append(code, 0xff, 0xd0, 0xc3)
}

func newEmu(t *testing.T) *emulator.Emulator {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func run(t *testing.T, emu *emulator.Emulator, code []byte) {
	t.Helper()
	if _, err := emu.LoadCode(codeBase, code, codeBase); err != nil {
		t.Fatalf("LoadCode: %v", err)
	}
	if err := emu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(StubDef{Name: "exit", Aliases: []string{"_exit"}, Category: "msvcrt"})
	r.Register(StubDef{Name: "puts", Category: "msvcrt"})

	def, ok := r.Lookup("_exit")
	if !ok || def.Name != "exit" {
		t.Errorf("Lookup(_exit) = %+v, %v", def, ok)
	}
	if _, ok := r.Lookup("printf"); ok {
		t.Error("Lookup(printf) found an unregistered stub")
	}

	if r.Count() != 3 {
		t.Errorf("Count = %d, want 3", r.Count())
	}
	names := r.List()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "exit" || names[1] != "puts" {
		t.Errorf("List = %v", names)
	}
}

func TestBindStdcall(t *testing.T) {
	emu := newEmu(t)
	r := NewRegistry()
	r.Register(StubDef{
		Name: "Add",
		Args: 2,
		Hook: Stdcall(2, func(e *emulator.Emulator) uint64 { return e.Arg(0) + e.Arg(1) }),
	})

	slot, _ := emu.AllocStub("test.dll!Add")
	if !r.Bind(emu, slot, "test.dll!Add", "import") {
		t.Fatal("Bind returned false")
	}

	code := callSlot(slot, 3, 4)
	sp := emu.ESP()
	run(t, emu, code)

	if emu.EAX() != 7 {
		t.Errorf("EAX = %d, want 7", emu.EAX())
	}
	// sentinel pushed by LoadCode, popped by the final ret
	if emu.ESP() != sp {
		t.Errorf("ESP = 0x%x, want 0x%x", emu.ESP(), sp)
	}
}

func TestBindFallback(t *testing.T) {
	emu := newEmu(t)
	r := NewRegistry()

	var calls []string
	emu.SetCallHandler(func(pc uint64, category, name, detail string) {
		calls = append(calls, category+" "+name)
		if pc < codeBase || pc >= codeBase+0x100 {
			t.Errorf("call from 0x%x, want inside the caller", pc)
		}
	})

	slot, _ := emu.AllocStub("user32.dll!MessageBoxA")
	if !r.Bind(emu, slot, "user32.dll!MessageBoxA", "import") {
		t.Fatal("fallback not bound")
	}

	run(t, emu, callSlot(slot))

	if emu.EAX() != 0 {
		t.Errorf("EAX = 0x%x, fallback should return 0", emu.EAX())
	}
	if len(calls) != 1 || calls[0] != "fallback user32.dll!MessageBoxA" {
		t.Errorf("calls = %v", calls)
	}
}

func TestFallbackPopsExportArgs(t *testing.T) {
	dir := t.TempDir()
	// mov edi, edi; push ebp; mov ebp, esp; pop ebp; ret 0x10
	petest.WriteDLLCode(t, dir, "user32.dll", []byte{0x8b, 0xff, 0x55, 0x8b, 0xec, 0x5d, 0xc2, 0x10, 0x00}, "MessageBoxA")
	deps, err := emulator.LoadDependencies(dir, []string{"user32.dll"})
	if err != nil {
		t.Fatal(err)
	}

	emu := newEmu(t)
	emu.SetDependencies(deps)
	r := NewRegistry()
	slot, _ := emu.AllocStub("user32.dll!MessageBoxA")
	if !r.Bind(emu, slot, "user32.dll!MessageBoxA", "import") {
		t.Fatal("fallback not bound")
	}

	sp := emu.ESP()
	// Four pushed arguments; the trailing ret only reaches the sentinel
	// when the fallback popped all of them.
	run(t, emu, callSlot(slot, 1, 2, 3, 4))
	if emu.ESP() != sp {
		t.Errorf("ESP = 0x%x, want 0x%x", emu.ESP(), sp)
	}
}

func TestFallbackSeparateSessions(t *testing.T) {
	r := NewRegistry()
	a, b := newEmu(t), newEmu(t)

	var fromA, fromB int
	a.SetCallHandler(func(uint64, string, string, string) { fromA++ })
	b.SetCallHandler(func(uint64, string, string, string) { fromB++ })

	slot, _ := a.AllocStub("user32.dll!MessageBoxA")
	r.Bind(a, slot, "user32.dll!MessageBoxA", "import")
	run(t, a, callSlot(slot))

	if fromA != 1 || fromB != 0 {
		t.Errorf("calls a=%d b=%d, want 1 and 0", fromA, fromB)
	}
}

func TestBindWithoutFallbacks(t *testing.T) {
	prev := InstallFallbacks
	InstallFallbacks = false
	defer func() { InstallFallbacks = prev }()

	emu := newEmu(t)
	r := NewRegistry()
	slot, _ := emu.AllocStub("user32.dll!MessageBoxA")
	if r.Bind(emu, slot, "user32.dll!MessageBoxA", "import") {
		t.Error("Bind succeeded without a stub or fallback")
	}
}

func TestInstall(t *testing.T) {
	emu := newEmu(t)
	r := NewRegistry()
	r.Register(StubDef{Name: "GetTickCount", Hook: Stdcall(0, func(*emulator.Emulator) uint64 { return 1 })})

	a, _ := emu.AllocStub("kernel32.dll!GetTickCount")
	b, _ := emu.AllocStub("kernel32.dll!Sleep")
	imports := []emulator.Import{
		{Module: "KERNEL32.dll", Name: "GetTickCount", Slot: a},
		{Module: "KERNEL32.dll", Name: "GetTickCount", Slot: a},
		{Module: "KERNEL32.dll", Name: "Sleep", Slot: b},
		{Module: "KERNEL32.dll", Name: "Unbound"},
	}

	if n := r.Install(emu, imports); n != 2 {
		t.Errorf("Install = %d, want 2", n)
	}
}

func TestResolve(t *testing.T) {
	emu := newEmu(t)
	r := NewRegistry()
	r.Register(StubDef{Name: "GetTickCount", Hook: Stdcall(0, func(*emulator.Emulator) uint64 { return 0x99 })})

	slot, err := r.Resolve(emu, "KERNEL32.DLL", "GetTickCount", 0)
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.Resolve(emu, "kernel32.dll", "GetTickCount", 0)
	if err != nil || again != slot {
		t.Errorf("second Resolve = 0x%x, %v; want 0x%x", again, err, slot)
	}
	if got := emu.StubLabel(slot); got != "kernel32.dll!GetTickCount" {
		t.Errorf("label = %q", got)
	}

	byOrd, err := r.Resolve(emu, "ws2_32.dll", "", 115)
	if err != nil || byOrd == slot {
		t.Errorf("ordinal Resolve = 0x%x, %v", byOrd, err)
	}

	run(t, emu, callSlot(slot))
	if emu.EAX() != 0x99 {
		t.Errorf("EAX = 0x%x, want 0x99", emu.EAX())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct{ got, want string }{
		{FormatHex(0), "0"},
		{FormatHex(0x401000), "0x401000"},
		{FormatPtr("addr", 0x10), "addr=0x10"},
		{FormatPtrPair("size", 0x1000, "->", 0), "size=0x1000 ->=0"},
		{FormatPtrPair("addr", 1, "", 2), "addr=0x1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
