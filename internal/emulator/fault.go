package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Access identifies the kind of operation that faulted.
type Access int

const (
	AccessUnknown Access = iota
	AccessRead
	AccessWrite
	AccessFetch
	AccessReadProt
	AccessWriteProt
	AccessFetchProt
	AccessInterrupt
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read unmapped"
	case AccessWrite:
		return "write unmapped"
	case AccessFetch:
		return "fetch unmapped"
	case AccessReadProt:
		return "read protected"
	case AccessWriteProt:
		return "write protected"
	case AccessFetchProt:
		return "fetch protected"
	case AccessInterrupt:
		return "interrupt"
	}
	return "fault"
}

func accessKind(access int) Access {
	switch access {
	case uc.MEM_READ_UNMAPPED:
		return AccessRead
	case uc.MEM_WRITE_UNMAPPED:
		return AccessWrite
	case uc.MEM_FETCH_UNMAPPED:
		return AccessFetch
	case uc.MEM_READ_PROT:
		return AccessReadProt
	case uc.MEM_WRITE_PROT:
		return AccessWriteProt
	case uc.MEM_FETCH_PROT:
		return AccessFetchProt
	}
	return AccessUnknown
}

// EmulationFault is returned when the emulated program performs an illegal
// operation. Emulation is halted when it is reported.
type EmulationFault struct {
	Address   uint64 // faulting address (data address for memory faults)
	PC        uint64 // program counter at the time of the fault
	Access    Access
	Size      int
	Interrupt uint32
	Err       error // engine error, if any
}

func (f *EmulationFault) Error() string {
	var msg string
	switch f.Access {
	case AccessInterrupt:
		msg = fmt.Sprintf("emulation fault: interrupt 0x%x at 0x%x", f.Interrupt, f.PC)
	case AccessUnknown:
		msg = fmt.Sprintf("emulation fault at 0x%x", f.PC)
	default:
		msg = fmt.Sprintf("emulation fault: %s 0x%x (pc 0x%x)", f.Access, f.Address, f.PC)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *EmulationFault) Unwrap() error {
	return f.Err
}
