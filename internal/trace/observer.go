package trace

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/peunpack/internal/disasm"
	glog "github.com/zboralski/peunpack/internal/log"
	"github.com/zboralski/peunpack/internal/ui/colorize"
)

// Memory is the read-only view of emulated memory the observer needs.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
}

// Stats counts what the observer has seen.
type Stats struct {
	Blocks       int
	Instructions int
	DecodeErrors int
	Events       int
	Tags         map[Tag]int
}

// Observer decodes and prints every executed block it is attached to.
// It never modifies emulated state and never stops emulation.
type Observer struct {
	mem      Memory
	out      *Printer
	log      *glog.Logger
	annotate bool // append tag comments and stub call lines

	mu     sync.Mutex
	events []*Event
	stats  Stats
}

// NewObserver creates an observer reading from mem and writing to out.
// With annotate set, lines carry a "; #tag" comment and stub calls made
// between blocks are printed.
func NewObserver(mem Memory, out *Printer, logger *glog.Logger, annotate bool) *Observer {
	if logger == nil {
		logger = glog.NewNop()
	}
	return &Observer{
		mem:      mem,
		out:      out,
		log:      logger.WithCategory("trace"),
		annotate: annotate,
		stats:    Stats{Tags: make(map[Tag]int)},
	}
}

// Collect records a stub call made from pc. It is an emulator.CallFunc.
func (o *Observer) Collect(pc uint64, category, name, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, NewEvent(pc, category, name, detail))
	o.stats.Events++
}

func (o *Observer) takeEvents() []*Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	events := o.events
	o.events = nil
	return events
}

// OnBlock is the block hook. It always returns false.
func (o *Observer) OnBlock(addr uint64, size uint32) bool {
	events := o.takeEvents()

	o.mu.Lock()
	o.stats.Blocks++
	o.mu.Unlock()

	if o.annotate {
		for _, e := range events {
			o.write(FormatEvent(e))
		}
	}

	if size == 0 {
		return false
	}
	code, err := o.mem.MemRead(addr, uint64(size))
	if err != nil {
		o.log.Debug("read block", glog.Addr(addr), glog.Size(uint64(size)), zap.Error(err))
		return false
	}

	insts, err := disasm.Decode(code, addr)
	if err != nil {
		o.mu.Lock()
		o.stats.DecodeErrors++
		o.mu.Unlock()
		o.log.Debug("decode", zap.Error(err))
	}

	for _, inst := range insts {
		tags := InstructionTags(inst)

		o.mu.Lock()
		o.stats.Instructions++
		for _, t := range tags {
			o.stats.Tags[t]++
		}
		o.mu.Unlock()

		o.write(FormatLine(inst, tags, o.annotate))
	}
	return false
}

func (o *Observer) write(line string) {
	if o.out != nil {
		o.out.Write(line)
	}
}

// Stats returns a snapshot of the counters.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Tags = make(map[Tag]int, len(o.stats.Tags))
	for k, v := range o.stats.Tags {
		s.Tags[k] = v
	}
	return s
}

// FormatLine renders one trace entry. Without annotations the line is
// exactly ":: 0x<addr>:\t<mnemonic>\t<operands>".
func FormatLine(inst disasm.Instruction, tags Tags, annotate bool) string {
	line := colorize.TraceLine(inst.Address, inst.Mnemonic, inst.Operands)
	if !annotate || len(tags) == 0 {
		return line
	}
	return line + "\t" + colorize.Tag("; "+strings.Join(tags.Strings(), " "))
}

// FormatEvent renders a stub call as a comment line, prefixed with the
// return address when known.
func FormatEvent(e *Event) string {
	var b strings.Builder
	b.WriteString(colorize.Comment(";"))
	b.WriteByte(' ')
	if e.PC != 0 {
		b.WriteString(colorize.Address(e.PC))
		b.WriteByte(' ')
	}
	b.WriteString(colorize.Tag(strings.Join(e.Tags.Strings(), " ")))
	b.WriteByte(' ')
	b.WriteString(colorize.FuncName(e.Name))
	if e.Detail != "" {
		b.WriteByte(' ')
		b.WriteString(colorize.Detail(e.Detail))
	}
	return b.String()
}
