package msvcrt

import (
	"bytes"
	"strings"

	"github.com/zboralski/peunpack/internal/emulator"
	"github.com/zboralski/peunpack/internal/stubs"
)

// maxCopy bounds memory operations on garbage lengths.
const maxCopy = 0x100000

// minusOne is -1 as a 32-bit return value.
const minusOne = 0xFFFFFFFF

func init() {
	register("strlen", stubStrlen)
	register("memcpy", stubMemcpy)
	register("memmove", stubMemcpy)
	register("memset", stubMemset)
	register("memcmp", stubMemcmp)
	register("strcmp", stubStrcmp)
	register("_stricmp", stubStricmp)
	register("strncmp", stubStrncmp)
	register("strcpy", stubStrcpy)
	register("strcat", stubStrcat)
	register("strchr", stubStrchr)
}

func compare(c int) uint64 {
	switch {
	case c < 0:
		return minusOne
	case c > 0:
		return 1
	}
	return 0
}

func stubStrlen(e *emulator.Emulator) uint64 {
	s, _ := e.MemReadString(e.Arg(0), 4096)
	return uint64(len(s))
}

// stubMemcpy also serves memmove: the copy goes through a Go buffer, so
// overlapping ranges are safe.
func stubMemcpy(e *emulator.Emulator) uint64 {
	dst, src, n := e.Arg(0), e.Arg(1), e.Arg(2)
	if n > 0 && n < maxCopy {
		if data, err := e.MemRead(src, n); err == nil {
			_ = e.MemWrite(dst, data)
		}
	}
	stubs.DefaultRegistry.Log(e, category, "memcpy", formatMemop(dst, src, n))
	return dst
}

func stubMemset(e *emulator.Emulator) uint64 {
	dst, c, n := e.Arg(0), byte(e.Arg(1)), e.Arg(2)
	if n > 0 && n < maxCopy {
		_ = e.MemWrite(dst, bytes.Repeat([]byte{c}, int(n)))
	}
	stubs.DefaultRegistry.Log(e, category, "memset", stubs.FormatPtrPair("dst", dst, "n", n))
	return dst
}

func stubMemcmp(e *emulator.Emulator) uint64 {
	n := e.Arg(2)
	if n == 0 || n >= maxCopy {
		return 0
	}
	a, _ := e.MemRead(e.Arg(0), n)
	b, _ := e.MemRead(e.Arg(1), n)
	return compare(bytes.Compare(a, b))
}

func stubStrcmp(e *emulator.Emulator) uint64 {
	a, _ := e.MemReadString(e.Arg(0), 4096)
	b, _ := e.MemReadString(e.Arg(1), 4096)
	return compare(strings.Compare(a, b))
}

func stubStricmp(e *emulator.Emulator) uint64 {
	a, _ := e.MemReadString(e.Arg(0), 4096)
	b, _ := e.MemReadString(e.Arg(1), 4096)
	return compare(strings.Compare(strings.ToLower(a), strings.ToLower(b)))
}

func stubStrncmp(e *emulator.Emulator) uint64 {
	n := int(min(e.Arg(2), 4096))
	a, _ := e.MemReadString(e.Arg(0), n)
	b, _ := e.MemReadString(e.Arg(1), n)
	return compare(strings.Compare(a, b))
}

func stubStrcpy(e *emulator.Emulator) uint64 {
	dst := e.Arg(0)
	s, _ := e.MemReadString(e.Arg(1), 4096)
	_ = e.MemWriteString(dst, s)
	return dst
}

func stubStrcat(e *emulator.Emulator) uint64 {
	dst := e.Arg(0)
	head, _ := e.MemReadString(dst, 4096)
	tail, _ := e.MemReadString(e.Arg(1), 4096)
	_ = e.MemWriteString(dst+uint64(len(head)), tail)
	return dst
}

func stubStrchr(e *emulator.Emulator) uint64 {
	addr, c := e.Arg(0), byte(e.Arg(1))
	s, _ := e.MemReadString(addr, 4096)
	if c == 0 {
		return addr + uint64(len(s))
	}
	if i := strings.IndexByte(s, c); i >= 0 {
		return addr + uint64(i)
	}
	return 0
}

func formatMemop(dst, src, n uint64) string {
	return "dst=" + stubs.FormatHex(dst) + " src=" + stubs.FormatHex(src) + " n=" + stubs.FormatHex(n)
}
