package trace

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zboralski/peunpack/internal/disasm"
)

// InstructionTags classifies an instruction for the trace comment column.
func InstructionTags(inst disasm.Instruction) Tags {
	var tags Tags
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		tags.Add(Call)
	case x86asm.JMP, x86asm.LJMP:
		tags.Add(Jmp)
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
		tags.Add(Ret)
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JECXZ, x86asm.JCXZ:
		tags.Add(Loop)
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD:
		tags.Add(String)
	case x86asm.PUSH, x86asm.POP, x86asm.PUSHA, x86asm.PUSHAD,
		x86asm.POPA, x86asm.POPAD, x86asm.PUSHF, x86asm.PUSHFD,
		x86asm.POPF, x86asm.POPFD:
		tags.Add(Stack)
	default:
		if isCondJump(inst.Op) {
			tags.Add(Jmp)
		}
	}
	return tags
}

// isCondJump reports whether op is a Jcc. JECXZ/JCXZ are tagged as loops above.
func isCondJump(op x86asm.Op) bool {
	s := op.String()
	return strings.HasPrefix(s, "J") && op != x86asm.JMP
}
