// Package unpack wires the emulator, monitor, dumper and tracer into one
// unpacking run.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/zboralski/peunpack/internal/config"
	"github.com/zboralski/peunpack/internal/dump"
	"github.com/zboralski/peunpack/internal/emulator"
	glog "github.com/zboralski/peunpack/internal/log"
	"github.com/zboralski/peunpack/internal/monitor"
	"github.com/zboralski/peunpack/internal/stubs"
	_ "github.com/zboralski/peunpack/internal/stubs/all"
	"github.com/zboralski/peunpack/internal/trace"
)

// Options control one run.
type Options struct {
	Target config.Target
	Logger *glog.Logger

	// TraceOut receives trace lines; nil means os.Stdout.
	TraceOut io.Writer
	// Annotate adds tag comments and stub calls to the trace.
	Annotate bool
}

// Result describes what happened during a run.
type Result struct {
	RunID string
	Image *emulator.PEInfo

	Stubs int // import slots bound to stubs

	Triggered   bool   // trigger address executed
	DumpPath    string // set when the dump was written
	DumpSize    int
	DumpErr     error
	OEPReached  bool
	Halted      bool
	Exited      bool
	ExitCode    uint32
	TriggerHits int
	Trace       trace.Stats
	Dropped     int64 // trace lines lost to a full printer queue
}

// Dumped reports whether the dump file was written.
func (r *Result) Dumped() bool {
	return r.DumpPath != ""
}

// Run loads the configured target with its dependencies and unpacks it.
// Configuration problems are reported as *config.ConfigurationError before
// any code executes.
func Run(ctx context.Context, opts Options) (*Result, error) {
	tgt := opts.Target
	if err := tgt.Validate(); err != nil {
		return nil, err
	}

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}
	defer emu.Close()

	info, err := emu.LoadPE(tgt.Path)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "target", Err: err}
	}

	deps, err := emulator.LoadDependencies(tgt.LibDir, info.Modules())
	if err != nil {
		return nil, &config.ConfigurationError{Field: "libs", Err: err}
	}
	emu.SetDependencies(deps)

	return Execute(ctx, emu, info, opts)
}

// Execute runs an already loaded image: it binds stubs, installs the
// trigger, OEP and trace hooks, and emulates until exit, fault, halt or
// timeout. The returned Result is populated even when err is non-nil.
func Execute(ctx context.Context, emu *emulator.Emulator, info *emulator.PEInfo, opts Options) (*Result, error) {
	tgt := opts.Target
	logger := opts.Logger
	if logger == nil {
		logger = glog.Get()
	}

	res := &Result{RunID: uuid.NewString(), Image: info}
	logger = logger.With(zap.String("run", res.RunID))

	res.Stubs = stubs.Install(emu, info.Imports)
	logger.Info("loaded",
		glog.Path(info.Path),
		glog.Ptr("base", info.ImageBase),
		glog.Ptr("entry", info.Entry),
		zap.Int("imports", len(info.Imports)),
		zap.Int("stubs", res.Stubs),
	)

	mon := monitor.New(emu, monitor.Range{Begin: info.ImageBase, End: info.End()}, logger)

	region := dump.Region{Base: uint64(tgt.Dump.Base), Size: uint64(tgt.Dump.Size)}
	if err := region.Validate(); err != nil {
		return res, &config.ConfigurationError{Field: "dump", Err: err}
	}
	out := tgt.OutputPath()

	after := monitor.Halt
	if tgt.Continue {
		after = monitor.Continue
	}

	err := mon.Install(monitor.Address(uint64(tgt.Trigger)), func(addr uint64, _ uint32) monitor.Action {
		if res.Triggered {
			return monitor.Continue
		}
		res.Triggered = true

		n, err := dump.Dump(emu, region, out)
		if err != nil {
			res.DumpErr = err
			logger.Error("dump failed", glog.Addr(addr), zap.Error(err))
			return after
		}
		res.DumpPath = out
		res.DumpSize = n
		logger.Info("dumped",
			glog.Addr(addr),
			glog.Ptr("base", region.Base),
			glog.Size(region.Size),
			glog.Path(out),
		)
		return after
	})
	if err != nil {
		return res, &config.ConfigurationError{Field: "trigger", Err: err}
	}

	if tgt.OEP != 0 {
		err := mon.Install(monitor.Address(uint64(tgt.OEP)), func(addr uint64, _ uint32) monitor.Action {
			if !res.OEPReached {
				res.OEPReached = true
				logger.Info("reached original entry point", glog.Addr(addr))
			}
			return monitor.Continue
		})
		if err != nil {
			return res, &config.ConfigurationError{Field: "oep", Err: err}
		}
	}

	var (
		obs     *trace.Observer
		printer *trace.Printer
	)
	if tgt.Trace.Enabled() {
		w := opts.TraceOut
		if w == nil {
			w = os.Stdout
		}
		// Only an interactive terminal may lose lines; files and pipes get all of them.
		if isTerminal(w) {
			printer = trace.NewPrinter(w)
		} else {
			printer = trace.NewBlockingPrinter(w)
		}
		obs = trace.NewObserver(emu, printer, logger, opts.Annotate)

		err := mon.Install(monitor.BlockRange(uint64(tgt.Trace.Begin), uint64(tgt.Trace.End)),
			func(addr uint64, size uint32) monitor.Action {
				obs.OnBlock(addr, size)
				return monitor.Continue
			})
		if err != nil {
			printer.Close()
			return res, &config.ConfigurationError{Field: "trace", Err: err}
		}
		emu.SetCallHandler(obs.Collect)
	}

	if tgt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tgt.Timeout)
		defer cancel()
	}

	report, runErr := mon.Run(ctx)

	if printer != nil {
		printer.Close()
		res.Dropped = printer.Dropped()
		res.Trace = obs.Stats()
		if res.Dropped > 0 {
			logger.Warn("trace lines dropped, redirect output to keep them", zap.Int64("dropped", res.Dropped))
		}
	}
	if report != nil {
		res.Halted = report.Halted
		if len(report.Hits) > 0 {
			res.TriggerHits = report.Hits[0].Count
		}
	}
	res.Exited, res.ExitCode = emu.Exited()

	if runErr != nil {
		var fault *emulator.EmulationFault
		if errors.As(runErr, &fault) {
			logger.Error("emulation fault",
				glog.Addr(fault.Address),
				glog.Ptr("pc", fault.PC),
				zap.Stringer("access", fault.Access),
			)
		}
		return res, runErr
	}
	if res.DumpErr != nil {
		return res, fmt.Errorf("dump: %w", res.DumpErr)
	}
	if !res.Triggered {
		logger.Warn("trigger never executed, nothing dumped", glog.Ptr("trigger", uint64(tgt.Trigger)))
	}
	return res, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
