// Package disasm decodes 32-bit x86 machine code into printable instructions.
package disasm

import (
	"errors"
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Mode is the decoder operand size.
const Mode = 32

// Instruction is one decoded instruction.
type Instruction struct {
	Address  uint64
	Mnemonic string
	Operands string
	Bytes    []byte
	Op       x86asm.Op
}

// String renders the trace line form ":: 0x<addr>:\t<mnemonic>\t<operands>".
func (i Instruction) String() string {
	return fmt.Sprintf(":: 0x%x:\t%s\t%s", i.Address, i.Mnemonic, i.Operands)
}

// Len returns the encoded length in bytes.
func (i Instruction) Len() int { return len(i.Bytes) }

// TraceDecodeError reports the first undecodable byte sequence.
type TraceDecodeError struct {
	Address uint64
	Offset  int
	Err     error
}

func (e *TraceDecodeError) Error() string {
	return fmt.Sprintf("decode at 0x%x (offset %d): %v", e.Address, e.Offset, e.Err)
}

func (e *TraceDecodeError) Unwrap() error { return e.Err }

// ErrInvalid is the cause of every TraceDecodeError. Truncated encodings
// match it too: the decoder often reports them as an unknown opcode.
var ErrInvalid = errors.New("invalid instruction")

// decodeOne decodes the instruction at raw[0:], located at pc.
func decodeOne(raw []byte, pc uint64) (Instruction, error) {
	inst, err := x86asm.Decode(raw, Mode)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if inst.Op == 0 || inst.Len == 0 {
		return Instruction{}, ErrInvalid
	}

	text := x86asm.IntelSyntax(inst, pc, nil)
	mnemonic, operands := split(text)

	b := make([]byte, inst.Len)
	copy(b, raw[:inst.Len])

	return Instruction{
		Address:  pc,
		Mnemonic: mnemonic,
		Operands: operands,
		Bytes:    b,
		Op:       inst.Op,
	}, nil
}

// prefixes are the instruction prefixes IntelSyntax prints before the mnemonic.
var prefixes = map[string]bool{
	"rep": true, "repn": true, "repne": true, "lock": true,
	"xacquire": true, "xrelease": true, "bnd": true,
	"hint-taken": true, "hint-not-taken": true,
	"addr16": true, "addr32": true, "data16": true, "data32": true,
}

// split separates Intel syntax text into mnemonic (prefixes included) and operands.
func split(text string) (string, string) {
	tokens := strings.Split(text, " ")
	for i, tok := range tokens {
		if !prefixes[tok] {
			return strings.Join(tokens[:i+1], " "), strings.Join(tokens[i+1:], " ")
		}
	}
	return text, ""
}

// Trace lazily decodes raw as code located at base. The sequence ends at the
// end of raw or silently at the first undecodable byte sequence. Each range
// over the result decodes from the start again.
func Trace(raw []byte, base uint64) iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		for off := 0; off < len(raw); {
			inst, err := decodeOne(raw[off:], base+uint64(off))
			if err != nil {
				return
			}
			if !yield(inst) {
				return
			}
			off += inst.Len()
		}
	}
}

// Decode eagerly decodes raw. It returns the decodable prefix and, when
// decoding stopped early, a *TraceDecodeError for the offending offset.
func Decode(raw []byte, base uint64) ([]Instruction, error) {
	var out []Instruction
	for off := 0; off < len(raw); {
		inst, err := decodeOne(raw[off:], base+uint64(off))
		if err != nil {
			return out, &TraceDecodeError{Address: base + uint64(off), Offset: off, Err: err}
		}
		out = append(out, inst)
		off += inst.Len()
	}
	return out, nil
}
