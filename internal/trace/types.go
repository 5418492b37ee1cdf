// Package trace observes executed blocks and renders them as trace lines.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Instruction tags.
const (
	Call   Tag = "call"
	Jmp    Tag = "jmp"
	Ret    Tag = "ret"
	Loop   Tag = "loop"
	String Tag = "string"
	Stack  Tag = "stack"
)

// Stub call tags. The first tag of an event is the stub category.
const (
	Dynload  Tag = "dynload"
	Resolve  Tag = "resolve"
	Alloc    Tag = "alloc"
	Protect  Tag = "protect"
	Exit     Tag = "exit"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is an API stub call observed during the run.
type Event struct {
	PC        uint64 // return address of the stub call
	Tags      Tags   // first is the stub category
	Name      string // e.g. "LoadLibraryA"
	Detail    string // e.g. `"user32.dll" -> 0x70000000`
	Timestamp time.Time
}

// NewEvent creates a trace event and enriches it with DefaultEnricher.
func NewEvent(pc uint64, category, name, detail string) *Event {
	e := &Event{
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	DefaultEnricher(e)
	return e
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// DefaultEnricher adds tags describing what an unpacking stub is doing.
func DefaultEnricher(e *Event) {
	switch e.Name {
	case "LoadLibraryA", "LoadLibraryW", "GetModuleHandleA", "GetModuleHandleW":
		e.AddTag(Dynload)
	case "GetProcAddress":
		e.AddTag(Resolve)
	case "VirtualAlloc", "VirtualFree", "malloc", "free":
		e.AddTag(Alloc)
	case "VirtualProtect":
		e.AddTag(Protect)
	case "ExitProcess", "exit", "_exit":
		e.AddTag(Exit)
	}
}
