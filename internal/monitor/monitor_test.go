package monitor

import (
	"context"
	"errors"
	"testing"
)

type hook struct {
	begin, end uint64
	fn         func(addr uint64, size uint32) bool
}

// fakeSession replays a fixed list of block entries through installed hooks.
type fakeSession struct {
	blocks  []uint64 // block start addresses in execution order
	fault   error    // returned once all blocks ran
	hooks   []hook
	stopped bool
	visited int
}

func (f *fakeSession) HookAddress(addr uint64, fn func(addr uint64, size uint32) bool) error {
	f.hooks = append(f.hooks, hook{addr, addr + 1, fn})
	return nil
}

func (f *fakeSession) HookBlock(begin, end uint64, fn func(addr uint64, size uint32) bool) error {
	f.hooks = append(f.hooks, hook{begin, end, fn})
	return nil
}

func (f *fakeSession) Run(ctx context.Context) error {
	f.stopped = false
	f.visited = 0
	for _, pc := range f.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.visited++
		for _, h := range f.hooks {
			if pc >= h.begin && pc < h.end && h.fn(pc, 4) {
				f.stopped = true
			}
		}
		if f.stopped {
			return nil
		}
	}
	return f.fault
}

func (f *fakeSession) Stop() { f.stopped = true }

type faultErr struct{ addr uint64 }

func (e *faultErr) Error() string { return "fault" }

var image = Range{Begin: 0x400000, End: 0x40a000}

func TestInstallRejectsMalformed(t *testing.T) {
	m := New(&fakeSession{}, image, nil)
	cb := func(uint64, uint32) Action { return Continue }

	tests := []struct {
		name string
		spec TriggerSpec
	}{
		{"empty range", BlockRange(0x401000, 0x401000)},
		{"inverted range", BlockRange(0x402000, 0x401000)},
		{"unknown kind", TriggerSpec{Kind: Kind(7), Begin: 1, End: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Install(tt.spec, cb); err == nil {
				t.Error("expected error")
			}
		})
	}

	if err := m.Install(Address(0x401000), nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestTriggerFiresAndHalts(t *testing.T) {
	sess := &fakeSession{blocks: []uint64{0x408250, 0x40825c, 0x401349, 0x401360}}
	m := New(sess, image, nil)

	var got []uint64
	if err := m.Install(Address(0x40825c), func(addr uint64, _ uint32) Action {
		got = append(got, addr)
		return Halt
	}); err != nil {
		t.Fatal(err)
	}

	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0] != 0x40825c {
		t.Errorf("callback addresses = %x, want [40825c]", got)
	}
	if !report.Halted || report.HaltedAt != 0x40825c {
		t.Errorf("report = %+v, want halted at 0x40825c", report)
	}
	if sess.visited != 2 {
		t.Errorf("visited %d blocks after halt, want 2", sess.visited)
	}
}

func TestTriggerOutsideImageNeverFires(t *testing.T) {
	sess := &fakeSession{blocks: []uint64{0x401000, 0x401010, 0x402000}}
	m := New(sess, image, nil)

	fired := false
	if err := m.Install(Address(0x900000), func(uint64, uint32) Action {
		fired = true
		return Halt
	}); err != nil {
		t.Fatalf("outside trigger should be accepted: %v", err)
	}

	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fired || report.Fired(0) || report.Halted {
		t.Errorf("outside trigger fired: %+v", report)
	}
	if sess.visited != 3 {
		t.Errorf("run ended early after %d blocks", sess.visited)
	}
}

func TestBlockRangeCounts(t *testing.T) {
	tests := []struct {
		name   string
		blocks []uint64
		want   int
	}{
		{"no entries", []uint64{0x408000, 0x408100}, 0},
		{"begin inclusive", []uint64{0x401000}, 1},
		{"end exclusive", []uint64{0x407000}, 0},
		{"mixed", []uint64{0x400fff, 0x401000, 0x403000, 0x406fff, 0x407000}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(&fakeSession{blocks: tt.blocks}, image, nil)
			calls := 0
			if err := m.Install(BlockRange(0x401000, 0x407000), func(uint64, uint32) Action {
				calls++
				return Continue
			}); err != nil {
				t.Fatal(err)
			}
			report, err := m.Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if calls != tt.want || report.Hits[0].Count != tt.want {
				t.Errorf("calls=%d hits=%d, want %d", calls, report.Hits[0].Count, tt.want)
			}
			if report.Halted {
				t.Error("Continue callbacks must not halt")
			}
		})
	}
}

func TestFaultPropagates(t *testing.T) {
	want := &faultErr{addr: 0x1234}
	sess := &fakeSession{blocks: []uint64{0x401000}, fault: want}
	m := New(sess, image, nil)

	report, err := m.Run(context.Background())
	if err == nil {
		t.Fatal("expected fault")
	}
	var fe *faultErr
	if !errors.As(err, &fe) || fe.addr != 0x1234 {
		t.Errorf("err = %v, want wrapped faultErr", err)
	}
	if report == nil || report.Halted {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(&fakeSession{blocks: []uint64{0x401000}}, image, nil)
	if _, err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunResetsCounts(t *testing.T) {
	m := New(&fakeSession{blocks: []uint64{0x401000, 0x401000}}, image, nil)
	if err := m.Install(Address(0x401000), func(uint64, uint32) Action { return Continue }); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		report, err := m.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if report.Hits[0].Count != 2 {
			t.Errorf("run %d: count=%d, want 2", i, report.Hits[0].Count)
		}
	}
}
