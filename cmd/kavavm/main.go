// Kava CLI - runs compiled .kvb bytecode files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/azuracode464/Kava/manifest"
	"github.com/azuracode464/Kava/trace"
	"github.com/azuracode464/Kava/vm"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0..2)")
	jitEnabled := flag.Bool("jit", false, "Enable the profiling JIT")
	optLevel := flag.String("opt", "", "JIT optimization level (O0..O3)")
	gcDisabled := flag.Bool("no-gc", false, "Disable garbage collection")
	heapSize := flag.String("heap", "", "Initial heap size (e.g. 64MB)")
	stats := flag.Bool("stats", false, "Print runtime statistics on exit")
	disasm := flag.Bool("disasm", false, "Disassemble the program and exit")
	traceDB := flag.String("trace-db", "", "Record GC/JIT events to a SQLite database")
	jitCache := flag.String("jit-cache", "", "Load/save compiled regions from this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kavavm [options] <file.kvb>\n\n")
		fmt.Fprintf(os.Stderr, "Runs a Kava bytecode file. Settings from a kava.toml found in or above\n")
		fmt.Fprintf(os.Stderr, "the file's directory are applied first; flags override them.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kavavm prog.kvb                  # Interpret\n")
		fmt.Fprintf(os.Stderr, "  kavavm -jit -opt O3 prog.kvb     # JIT with full fusion\n")
		fmt.Fprintf(os.Stderr, "  kavavm -disasm prog.kvb          # Show the bytecode\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	commonlog.Configure(*verbose, nil)

	code, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *disasm {
		fmt.Print(vm.Disassemble(code))
		return
	}

	cfg, mf, err := resolveConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *jitEnabled {
		cfg.EnableJIT = true
	}
	if *optLevel != "" {
		level, ok := vm.ParseOptLevel(*optLevel)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown optimization level %q\n", *optLevel)
			os.Exit(1)
		}
		cfg.OptLevel = level
	}
	if *gcDisabled {
		cfg.EnableGC = false
	}
	if *heapSize != "" {
		n, err := units.RAMInBytes(*heapSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: bad heap size %q: %v\n", *heapSize, err)
			os.Exit(1)
		}
		cfg.GC.InitialHeapSize = n
	}

	machine := vm.NewVM(cfg)
	machine.SetProgram(code)

	cachePath := *jitCache
	if cachePath == "" && mf != nil {
		cachePath = mf.JITCachePath()
	}
	if cachePath != "" && machine.JIT() != nil {
		if _, err := os.Stat(cachePath); err == nil {
			if _, err := machine.JIT().LoadCache(cachePath, code); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
	}

	dbPath := *traceDB
	if dbPath == "" && mf != nil && mf.Trace.Enabled {
		dbPath = mf.TraceDBPath()
	}
	var recorder *trace.Recorder
	if dbPath != "" {
		recorder, err = trace.Open(dbPath, filepath.Base(path))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		recorder.Attach(machine)
	}

	runErr := machine.Run()

	if cachePath != "" && machine.JIT() != nil {
		if err := machine.JIT().SaveCache(cachePath, code); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	if recorder != nil {
		if err := recorder.Finish(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: close trace: %v\n", err)
		}
	}
	if *stats {
		machine.PrintStats(os.Stderr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Runtime error: %v\n", runErr)
		os.Exit(1)
	}
}

func loadProgram(path string) ([]int32, error) {
	code, err := vm.LoadProgram(path)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("empty program %s", path)
	}
	return code, nil
}

// resolveConfig applies kava.toml settings when a manifest is present near
// the program, otherwise returns the defaults.
func resolveConfig(programPath string) (vm.VMConfig, *manifest.Manifest, error) {
	mf, err := manifest.FindAndLoad(filepath.Dir(programPath))
	if err != nil {
		return vm.DefaultVMConfig(), nil, err
	}
	if mf == nil {
		return vm.DefaultVMConfig(), nil, nil
	}
	cfg, err := mf.VMConfig()
	return cfg, mf, err
}
