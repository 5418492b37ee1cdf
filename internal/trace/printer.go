package trace

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Printer writes trace lines from a background goroutine so hook callbacks
// never block on the terminal. A non-blocking printer drops lines when the
// queue is full; a blocking one waits for room.
type Printer struct {
	ch      chan string
	done    chan struct{}
	writer  *bufio.Writer
	block   bool
	dropped atomic.Int64
}

// NewPrinter starts a printer writing to w that drops lines under pressure.
func NewPrinter(w io.Writer) *Printer {
	return newPrinter(w, false)
}

// NewBlockingPrinter starts a printer writing to w that never drops lines.
func NewBlockingPrinter(w io.Writer) *Printer {
	return newPrinter(w, true)
}

func newPrinter(w io.Writer, block bool) *Printer {
	p := &Printer{
		block:  block,
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go p.run()
	return p
}

func (p *Printer) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-p.ch:
			if !ok {
				p.writer.Flush()
				close(p.done)
				return
			}
			p.writer.WriteString(line)
			p.writer.WriteByte('\n')
		case <-ticker.C:
			p.writer.Flush()
		}
	}
}

// Write queues one line.
func (p *Printer) Write(line string) {
	if p.block {
		p.ch <- line
		return
	}
	select {
	case p.ch <- line:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of lines lost to a full queue.
func (p *Printer) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes queued lines and stops the printer.
func (p *Printer) Close() {
	close(p.ch)
	<-p.done
}
