package integration_test

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/azuracode464/Kava/manifest"
	"github.com/azuracode464/Kava/trace"
	"github.com/azuracode464/Kava/vm"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

// sumLoop builds the canonical benchmark: sum the integers 1..n through
// globals, with the loop body shaped so every JIT level has work to do.
func sumLoop(n int32) []int32 {
	b := vm.NewBuilder()
	b.EmitPushInt(0).Emit(vm.OpStoreGlobal, 0)
	b.EmitPushInt(n).Emit(vm.OpStoreGlobal, 1)

	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(vm.OpLoadGlobal, 1)
	b.EmitJump(vm.OpJz, end)
	b.Emit(vm.OpLoadGlobal, 0)
	b.Emit(vm.OpLoadGlobal, 1)
	b.Emit(vm.OpIadd)
	b.Emit(vm.OpStoreGlobal, 0)
	b.Emit(vm.OpIinc, 1, -1)
	b.EmitJump(vm.OpJmp, top)
	b.Mark(end)
	b.Emit(vm.OpLoadGlobal, 0)
	b.Emit(vm.OpPrintln)
	b.Emit(vm.OpHalt)
	return b.Build()
}

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "kava.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// End-to-end pipeline
// ---------------------------------------------------------------------------

// TestManifestDrivenRun exercises the full production path: a kava.toml on
// disk configures the VM, a .kvb file round-trips through the loader, the JIT
// compiles the hot loop, and the trace recorder lands GC and JIT events in
// SQLite.
func TestManifestDrivenRun(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "sum"
entry = "sum.kvb"

[gc]
initial-heap = "1MB"
max-heap = "4MB"

[jit]
enabled = true
opt-level = "O2"

[trace]
enabled = true
database = "run.db"
`)

	kvb := filepath.Join(dir, "sum.kvb")
	if err := os.WriteFile(kvb, vm.EncodeProgram(sumLoop(500)), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := m.VMConfig()
	if err != nil {
		t.Fatal(err)
	}
	machine := vm.NewVM(cfg)
	var out bytes.Buffer
	machine.Stdout = &out
	if err := machine.LoadFile(kvb); err != nil {
		t.Fatal(err)
	}
	machine.JIT().SetThresholds(10, 50)

	rec, err := trace.Open(m.TraceDBPath(), "sum.kvb")
	if err != nil {
		t.Fatal(err)
	}
	rec.Attach(machine)

	if err := machine.Run(); err != nil {
		t.Fatal(err)
	}
	if err := rec.Finish(); err != nil {
		t.Fatal(err)
	}

	if out.String() != "125250\n" {
		t.Errorf("output = %q, want 125250", out.String())
	}
	if machine.JIT().Stats().Compilations == 0 {
		t.Error("JIT never compiled the hot loop")
	}

	db, err := sql.Open("sqlite", m.TraceDBPath())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var jitEvents int
	if err := db.QueryRow("SELECT COUNT(*) FROM jit_events").Scan(&jitEvents); err != nil {
		t.Fatal(err)
	}
	if jitEvents == 0 {
		t.Error("no JIT events recorded")
	}
	var runs int
	if err := db.QueryRow("SELECT COUNT(*) FROM runs WHERE ended_at IS NOT NULL").Scan(&runs); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("finished runs = %d, want 1", runs)
	}
}

// TestJITCachePersistsAcrossRuns saves the compiled-region cache after a warm
// run and restores it cold, the way the CLI does between invocations.
func TestJITCachePersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	code := sumLoop(500)
	cache := filepath.Join(dir, "sum.jitcache")

	warmCfg := vm.DefaultVMConfig()
	warmCfg.EnableJIT = true
	warmCfg.OptLevel = vm.O2
	warm := vm.NewVM(warmCfg)
	warm.Stdout = &bytes.Buffer{}
	warm.SetProgram(code)
	warm.JIT().SetThresholds(10, 50)
	if err := warm.Run(); err != nil {
		t.Fatal(err)
	}
	if err := warm.JIT().SaveCache(cache, code); err != nil {
		t.Fatal(err)
	}

	cold := vm.NewVM(warmCfg)
	var out bytes.Buffer
	cold.Stdout = &out
	cold.SetProgram(code)
	n, err := cold.JIT().LoadCache(cache, code)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("cache restored no regions")
	}
	if err := cold.Run(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "125250\n" {
		t.Errorf("cached run output = %q, want 125250", out.String())
	}
	if cold.JIT().Stats().Compilations != 0 {
		t.Error("cold run recompiled despite a warm cache")
	}
}

// TestGCUnderAllocationPressure runs a program that churns short-lived arrays
// in a small heap; the collector must keep it alive to completion.
func TestGCUnderAllocationPressure(t *testing.T) {
	b := vm.NewBuilder()
	b.EmitPushInt(0).Emit(vm.OpStoreGlobal, 0)

	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(vm.OpLoadGlobal, 0)
	b.EmitPushInt(400)
	b.Emit(vm.OpIge)
	b.EmitJump(vm.OpJnz, end)
	b.EmitPushInt(256)
	b.Emit(vm.OpNewarray, vm.TInt)
	b.Emit(vm.OpPop)
	b.Emit(vm.OpIinc, 0, 1)
	b.EmitJump(vm.OpJmp, top)
	b.Mark(end)
	b.Emit(vm.OpLoadGlobal, 0)
	b.Emit(vm.OpPrintln)
	b.Emit(vm.OpHalt)

	cfg := vm.DefaultVMConfig()
	cfg.GC.InitialHeapSize = 256 * 1024
	cfg.GC.MaxHeapSize = 256 * 1024
	machine := vm.NewVM(cfg)
	var out bytes.Buffer
	machine.Stdout = &out
	machine.SetProgram(b.Build())
	if err := machine.Run(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "400\n" {
		t.Errorf("output = %q, want 400", out.String())
	}
	if machine.GC().Stats().MinorCollections == 0 {
		t.Error("allocation pressure never triggered a minor collection")
	}
}
