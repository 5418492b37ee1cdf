// Package config holds the per-target unpacking configuration: which binary
// to load, where its DLLs live, and the analyst-supplied addresses.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOutput is the dump path used when none is configured.
const DefaultOutput = "dump_file_compressed.bin"

// Address is a virtual address that unmarshals from YAML as a hex string
// ("0x40825c") or an integer.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	if node.ShortTag() == "!!int" {
		var v uint64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*a = Address(v)
		return nil
	}
	v, err := ParseAddress(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML renders the address as a hex string.
func (a Address) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Set parses a hex address, so *Address can back a command-line flag.
func (a *Address) Set(s string) error {
	v, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = Address(v)
	return nil
}

// Type names the flag value type in usage output.
func (a *Address) Type() string {
	return "addr"
}

// ParseAddress parses a hex address. The 0x prefix and a trailing h are
// optional; underscores are ignored.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", ""))
	if s == "" {
		return 0, errors.New("empty address")
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "h"), "H")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// Dump is the memory region written at trigger time.
type Dump struct {
	Base Address `yaml:"base"`
	Size Address `yaml:"size"`
}

// Trace is the block range the disassembly tracer prints.
type Trace struct {
	Begin Address `yaml:"begin"`
	End   Address `yaml:"end"`
}

// Enabled reports whether a trace range is configured.
func (t Trace) Enabled() bool {
	return t.End > t.Begin
}

// Target is the configuration for one unpacking run.
type Target struct {
	Path     string        `yaml:"target"`
	LibDir   string        `yaml:"libs"`
	OEP      Address       `yaml:"oep,omitempty"`
	Trigger  Address       `yaml:"trigger"`
	Dump     Dump          `yaml:"dump"`
	Output   string        `yaml:"output,omitempty"`
	Trace    Trace         `yaml:"trace,omitempty"`
	Continue bool          `yaml:"continue,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// ConfigurationError reports an invalid or missing setting. It is always
// returned before emulation starts.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func invalid(field string, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks that every required field is present and that the target
// file and dependency directory exist.
func (t *Target) Validate() error {
	if t.Path == "" {
		return invalid("target", "missing path")
	}
	if fi, err := os.Stat(t.Path); err != nil {
		return &ConfigurationError{Field: "target", Err: err}
	} else if fi.IsDir() {
		return invalid("target", "%s is a directory", t.Path)
	}

	if t.LibDir == "" {
		return invalid("libs", "missing dependency directory")
	}
	if fi, err := os.Stat(t.LibDir); err != nil {
		return &ConfigurationError{Field: "libs", Err: err}
	} else if !fi.IsDir() {
		return invalid("libs", "%s is not a directory", t.LibDir)
	}

	if t.Trigger == 0 {
		return invalid("trigger", "missing address")
	}
	if t.Dump.Size == 0 {
		return invalid("dump.size", "missing or zero")
	}
	if uint64(t.Dump.Base)+uint64(t.Dump.Size) < uint64(t.Dump.Base) {
		return invalid("dump", "region overflows address space")
	}
	if t.Trace.End != 0 && t.Trace.End <= t.Trace.Begin {
		return invalid("trace", "empty range [%s, %s)", t.Trace.Begin, t.Trace.End)
	}
	if t.Timeout < 0 {
		return invalid("timeout", "negative duration %s", t.Timeout)
	}
	return nil
}

// OutputPath returns the configured dump path or DefaultOutput.
func (t *Target) OutputPath() string {
	if t.Output == "" {
		return DefaultOutput
	}
	return t.Output
}

// builtins are named profiles for known samples.
var builtins = map[string]Target{
	// UPX-packed hello world: the stub's tail jump to the OEP sits at
	// 0x40825c, after decompression and import rebuilding.
	"upx-hello": {
		OEP:     0x401349,
		Trigger: 0x40825c,
		Dump:    Dump{Base: 0x400000, Size: 0xa000},
		Output:  DefaultOutput,
		Trace:   Trace{Begin: 0x401000, End: 0x407000},
	},
}

// Builtin returns a copy of a named built-in profile.
func Builtin(name string) (Target, bool) {
	t, ok := builtins[name]
	return t, ok
}

// Builtins lists the built-in profile names.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a YAML profile. Unknown keys are rejected.
func Parse(data []byte) (Target, error) {
	var t Target
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Target{}, &ConfigurationError{Field: "profile", Err: err}
	}
	return t, nil
}

// LoadProfile reads a YAML profile from path, or returns the built-in
// profile of that name.
func LoadProfile(path string) (Target, error) {
	if t, ok := Builtin(path); ok {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Target{}, &ConfigurationError{Field: "profile", Err: err}
	}
	return Parse(data)
}

// Marshal renders t as a YAML profile.
func Marshal(t Target) ([]byte, error) {
	return yaml.Marshal(t)
}
