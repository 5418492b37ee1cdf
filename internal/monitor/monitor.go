// Package monitor observes emulated execution and detects the
// unpacking-complete condition.
//
// A Monitor never single-steps: triggers are installed either on one exact
// address or on basic blocks starting inside a range, so long decompression
// loops run without host callbacks.
package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	glog "github.com/zboralski/peunpack/internal/log"
)

// Session is the emulation surface the monitor drives.
// Hook callbacks run synchronously inside the emulator's dispatch loop and
// return true to stop emulation.
type Session interface {
	HookAddress(addr uint64, fn func(addr uint64, size uint32) bool) error
	HookBlock(begin, end uint64, fn func(addr uint64, size uint32) bool) error
	Run(ctx context.Context) error
	Stop()
}

// Action tells the monitor what to do after a callback.
type Action int

const (
	Continue Action = iota
	Halt
)

func (a Action) String() string {
	if a == Halt {
		return "halt"
	}
	return "continue"
}

// Callback is invoked when a trigger fires. It must be short and must not block.
type Callback func(addr uint64, size uint32) Action

// Range is a half-open address range [Begin, End).
type Range struct {
	Begin uint64
	End   uint64
}

// Contains reports whether addr lies in the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Begin && addr < r.End
}

// Overlaps reports whether [begin, end) intersects the range.
func (r Range) Overlaps(begin, end uint64) bool {
	return begin < r.End && r.Begin < end
}

// Empty reports whether the range holds no address.
func (r Range) Empty() bool {
	return r.End <= r.Begin
}

// Kind distinguishes trigger shapes.
type Kind int

const (
	KindAddress Kind = iota
	KindBlockRange
)

// TriggerSpec describes where a callback fires.
type TriggerSpec struct {
	Kind  Kind
	Begin uint64
	End   uint64 // exclusive; Begin+1 for address triggers
}

// Address fires when execution reaches addr exactly.
func Address(addr uint64) TriggerSpec {
	return TriggerSpec{Kind: KindAddress, Begin: addr, End: addr + 1}
}

// BlockRange fires for every basic block that starts in [begin, end).
func BlockRange(begin, end uint64) TriggerSpec {
	return TriggerSpec{Kind: KindBlockRange, Begin: begin, End: end}
}

// Validate rejects malformed specs.
func (t TriggerSpec) Validate() error {
	switch t.Kind {
	case KindAddress:
		if t.End != t.Begin+1 {
			return fmt.Errorf("address trigger 0x%x: malformed", t.Begin)
		}
	case KindBlockRange:
		if t.End <= t.Begin {
			return fmt.Errorf("block range [0x%x, 0x%x): empty", t.Begin, t.End)
		}
	default:
		return fmt.Errorf("unknown trigger kind %d", t.Kind)
	}
	return nil
}

func (t TriggerSpec) String() string {
	if t.Kind == KindAddress {
		return fmt.Sprintf("addr 0x%x", t.Begin)
	}
	return fmt.Sprintf("blocks [0x%x, 0x%x)", t.Begin, t.End)
}

// Hit records how often one installed trigger fired.
type Hit struct {
	Spec  TriggerSpec
	Count int
}

// Report summarizes a monitored run.
type Report struct {
	Hits     []Hit
	Halted   bool   // a callback requested Halt
	HaltedAt uint64 // address of the halting callback
}

// Fired reports whether the i-th installed trigger fired at least once.
func (r *Report) Fired(i int) bool {
	return i >= 0 && i < len(r.Hits) && r.Hits[i].Count > 0
}

type installed struct {
	spec TriggerSpec
	hits int
}

// Monitor installs triggers on a session and runs it.
type Monitor struct {
	sess     Session
	image    Range
	log      *glog.Logger
	triggers []*installed
	halted   bool
	haltedAt uint64
}

// New creates a monitor for one session. image is the address range mapped
// by the target; triggers outside it are accepted but can never fire.
func New(sess Session, image Range, logger *glog.Logger) *Monitor {
	if logger == nil {
		logger = glog.NewNop()
	}
	return &Monitor{
		sess:  sess,
		image: image,
		log:   logger.WithCategory("monitor"),
	}
}

// Install registers cb for spec. Subsequent execution reaching spec invokes
// cb synchronously within the emulation context.
func (m *Monitor) Install(spec TriggerSpec, cb Callback) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("%s: nil callback", spec)
	}

	if !m.image.Empty() && !m.image.Overlaps(spec.Begin, spec.End) {
		m.log.Warn("trigger outside image, it will not fire unless code is mapped there at run time",
			zap.Stringer("trigger", spec),
			glog.Ptr("image_begin", m.image.Begin),
			glog.Ptr("image_end", m.image.End),
		)
	}

	t := &installed{spec: spec}
	fn := func(addr uint64, size uint32) bool {
		t.hits++
		if cb(addr, size) == Halt {
			m.halted = true
			m.haltedAt = addr
			return true
		}
		return false
	}

	var err error
	switch spec.Kind {
	case KindAddress:
		err = m.sess.HookAddress(spec.Begin, fn)
	case KindBlockRange:
		err = m.sess.HookBlock(spec.Begin, spec.End, fn)
	}
	if err != nil {
		return fmt.Errorf("install %s: %w", spec, err)
	}

	m.triggers = append(m.triggers, t)
	m.log.Hook(kindName(spec.Kind), spec.Begin, spec.End)
	return nil
}

// Run starts emulation and blocks until the program exits, faults, a
// callback halts it, or ctx is done. Emulation faults are returned to the
// caller wrapped, never swallowed.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	m.halted = false
	m.haltedAt = 0
	for _, t := range m.triggers {
		t.hits = 0
	}

	err := m.sess.Run(ctx)

	report := &Report{Halted: m.halted, HaltedAt: m.haltedAt}
	for _, t := range m.triggers {
		report.Hits = append(report.Hits, Hit{Spec: t.spec, Count: t.hits})
	}

	if err != nil {
		return report, fmt.Errorf("emulation: %w", err)
	}
	return report, nil
}

func kindName(k Kind) string {
	if k == KindAddress {
		return "address"
	}
	return "block"
}
