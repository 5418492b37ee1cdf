package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zboralski/peunpack/internal/config"
	"github.com/zboralski/peunpack/internal/dump"
	"github.com/zboralski/peunpack/internal/emulator"
	glog "github.com/zboralski/peunpack/internal/log"
	"github.com/zboralski/peunpack/internal/ui/colorize"
	"github.com/zboralski/peunpack/internal/unpack"
)

var (
	verbose bool
	quiet   bool
	color   bool
	profile string

	trigger    config.Address
	oep        config.Address
	dumpBase   config.Address
	dumpSize   config.Address
	traceBegin config.Address
	traceEnd   config.Address
	output     string
	keepGoing  bool
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "peunpack <packed.exe> <dll-dir>",
		Short: "Unpack 32-bit Windows executables by emulation",
		Long: `peunpack runs a packed 32-bit PE under Unicorn Engine until the unpacking
stub reaches a trigger address, then writes a memory region to disk.

The stub runs for real: it decompresses the payload, rebuilds the import
table through LoadLibrary/GetProcAddress stubs, and jumps to the original
entry point. Pick the trigger on that tail jump and the dump holds the
unpacked image.

Without a profile the upx-hello built-in is used (trigger 0x40825c, dump
0x400000+0xa000, trace 0x401000-0x407000). Flags override profile values.

Examples:
  peunpack upx_hello.exe ./dlls                    # Dump with built-in addresses
  peunpack target.exe ./dlls -c target.yaml        # Addresses from a profile
  peunpack target.exe ./dlls --trigger 40a1f3 --dump-base 400000 --dump-size 20000
  peunpack target.exe ./dlls --continue --color    # Dump, then trace the OEP
  peunpack info target.exe                         # Show sections and imports`,
		Args:                  cobra.MaximumNArgs(2),
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		RunE:                  runUnpack,
	}

	f := rootCmd.Flags()
	f.StringVarP(&profile, "config", "c", "", "YAML target profile or built-in name ("+strings.Join(config.Builtins(), ", ")+")")
	f.Var(&trigger, "trigger", "trigger address (hex)")
	f.Var(&oep, "oep", "original entry point (hex, optional)")
	f.Var(&dumpBase, "dump-base", "dump region base (hex)")
	f.Var(&dumpSize, "dump-size", "dump region size (hex)")
	f.StringVarP(&output, "output", "o", config.DefaultOutput, "dump destination")
	f.Var(&traceBegin, "trace-begin", "first address of the traced block range (hex)")
	f.Var(&traceEnd, "trace-end", "end of the traced block range, exclusive (hex)")
	f.BoolVar(&keepGoing, "continue", false, "keep emulating after the dump")
	f.DurationVar(&timeout, "timeout", 0, "watchdog timeout (0 = none)")
	f.BoolVar(&color, "color", false, "colorize and annotate trace lines")
	f.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	f.BoolVarP(&quiet, "quiet", "q", false, "quiet mode (no header or summary)")

	infoCmd := &cobra.Command{
		Use:   "info <packed.exe> [dll-dir]",
		Short: "Show PE layout, imports and missing dependencies",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  showInfo,
	}
	infoCmd.Flags().BoolVar(&color, "color", false, "colorize output")
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadTarget builds the run configuration: profile first, then positional
// arguments and explicitly set flags on top.
func loadTarget(cmd *cobra.Command, args []string) (config.Target, error) {
	name := profile
	if name == "" {
		name = "upx-hello"
	}
	tgt, err := config.LoadProfile(name)
	if err != nil {
		return tgt, err
	}

	if len(args) > 0 {
		tgt.Path = args[0]
	}
	if len(args) > 1 {
		tgt.LibDir = args[1]
	}

	flags := cmd.Flags()
	set := func(name string, dst *config.Address, v config.Address) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("trigger", &tgt.Trigger, trigger)
	set("oep", &tgt.OEP, oep)
	set("dump-base", &tgt.Dump.Base, dumpBase)
	set("dump-size", &tgt.Dump.Size, dumpSize)
	set("trace-begin", &tgt.Trace.Begin, traceBegin)
	set("trace-end", &tgt.Trace.End, traceEnd)
	if flags.Changed("output") || tgt.Output == "" {
		tgt.Output = output
	}
	if flags.Changed("continue") {
		tgt.Continue = keepGoing
	}
	if flags.Changed("timeout") {
		tgt.Timeout = timeout
	}
	return tgt, nil
}

func runUnpack(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && profile == "" {
		return cmd.Help()
	}

	glog.Init(verbose)
	colorize.Enable(color)

	tgt, err := loadTarget(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !quiet {
		printHeader(tgt)
	}

	res, err := unpack.Run(ctx, unpack.Options{
		Target:   tgt,
		Logger:   glog.Get(),
		TraceOut: os.Stdout,
		Annotate: color,
	})

	var ce *config.ConfigurationError
	if errors.As(err, &ce) {
		var missing *emulator.MissingDependencyError
		if errors.As(err, &missing) {
			fmt.Fprintf(os.Stderr, "%s missing DLLs in %s:\n", colorize.Error("✗"), missing.Dir)
			for _, m := range missing.Modules {
				fmt.Fprintf(os.Stderr, "  %s\n", m)
			}
		}
		return err
	}

	if !quiet && res != nil {
		printSummary(res, err)
	}
	return err
}

func printHeader(tgt config.Target) {
	binary := tgt.Path
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}

	fmt.Println()
	fmt.Printf("%s peunpack ─ PE unpacking emulator\n", colorize.Header("▶"))
	fmt.Printf("  %s %s  %s %s\n",
		colorize.Detail("Loading:"), binary,
		colorize.Detail("Libs:"), tgt.LibDir)
	fmt.Printf("  %s %s  %s %s+%s\n",
		colorize.Detail("Trigger:"), colorize.Address(uint64(tgt.Trigger)),
		colorize.Detail("Dump:"), colorize.Address(uint64(tgt.Dump.Base)), tgt.Dump.Size)
	if tgt.Trace.Enabled() {
		fmt.Printf("  %s %s-%s\n",
			colorize.Detail("Trace:"),
			colorize.Address(uint64(tgt.Trace.Begin)), colorize.Address(uint64(tgt.Trace.End)))
	}
	fmt.Println()
}

func printSummary(res *unpack.Result, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s blocks  %s insn  %s stubs",
		colorize.FuncName(fmt.Sprintf("%d", res.Trace.Blocks)),
		colorize.FuncName(fmt.Sprintf("%d", res.Trace.Instructions)),
		colorize.FuncName(fmt.Sprintf("%d", res.Stubs)))
	if res.Dropped > 0 {
		fmt.Printf("  %d %s", res.Dropped, colorize.Detail("dropped"))
	}
	if res.Exited {
		fmt.Printf("  %s %d", colorize.Detail("exit"), res.ExitCode)
	}
	fmt.Println()

	switch {
	case res.Dumped():
		fmt.Printf("%s %d bytes %s %s\n",
			colorize.Tag("dumped"), res.DumpSize, colorize.Detail("→"), res.DumpPath)
	case !res.Triggered && err == nil:
		fmt.Printf("%s\n", colorize.Detail("trigger never reached, nothing dumped"))
	}

	if err != nil {
		var unmapped *dump.UnmappedMemoryError
		if errors.As(err, &unmapped) {
			fmt.Printf("%s\n", colorize.Detail(err.Error()))
		} else {
			fmt.Printf("%s\n", colorize.Error(err.Error()))
		}
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	colorize.Enable(color)
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	info, _, err := emulator.ParsePE(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("Binary: %s\n", filepath.Base(absPath))
	fmt.Printf("Base:   %s\n", colorize.Address(info.ImageBase))
	fmt.Printf("End:    %s\n", colorize.Address(info.End()))
	fmt.Printf("Entry:  %s", colorize.Address(info.Entry))
	if s := info.SectionAt(info.Entry); s != nil {
		fmt.Printf("  %s", colorize.Detail("("+s.Name+")"))
	}
	fmt.Println()

	fmt.Println("\nSections:")
	for _, s := range info.Sections {
		flags := []byte("r--")
		if s.IsWritable() {
			flags[1] = 'w'
		}
		if s.IsExecutable() {
			flags[2] = 'x'
		}
		fmt.Printf("  %-8s %s  vsize 0x%-6x raw 0x%-6x %s\n",
			s.Name, colorize.Address(s.VAddr), s.VSize, s.RawSize, flags)
	}

	byModule := make(map[string][]emulator.Import)
	for _, imp := range info.Imports {
		key := emulator.NormalizeModule(imp.Module)
		byModule[key] = append(byModule[key], imp)
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	fmt.Printf("\nImports: %d from %d modules\n", len(info.Imports), len(modules))
	for _, m := range modules {
		fmt.Printf("  %s\n", colorize.FuncName(m))
		for _, imp := range byModule[m] {
			name := imp.Name
			if name == "" {
				name = fmt.Sprintf("#%d", imp.Ordinal)
			}
			fmt.Printf("    %s  %s\n", colorize.Address(imp.IAT), name)
		}
	}

	if len(args) < 2 {
		return nil
	}
	_, err = emulator.LoadDependencies(args[1], info.Modules())
	var missing *emulator.MissingDependencyError
	switch {
	case errors.As(err, &missing):
		fmt.Printf("\n%s\n", colorize.Error("Missing dependencies:"))
		for _, m := range missing.Modules {
			fmt.Printf("  %s\n", m)
		}
	case err != nil:
		return err
	default:
		fmt.Printf("\nAll %d dependencies found in %s\n", len(modules), args[1])
	}
	return nil
}
