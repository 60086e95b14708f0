package vm

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newJITVM(level OptLevel) (*VM, *bytes.Buffer) {
	cfg := DefaultVMConfig()
	cfg.GC = testGCConfig()
	cfg.EnableJIT = true
	cfg.OptLevel = level
	m := NewVM(cfg)
	var out bytes.Buffer
	m.Stdout = &out
	return m, &out
}

// countingLoop sums 1..n through globals and prints the total. The whole
// loop body is a backward-JMP region the profiler can find.
func countingLoop(n int32) []int32 {
	b := NewBuilder()
	b.EmitPushInt(0).Emit(OpStoreGlobal, 0) // sum
	b.EmitPushInt(n).Emit(OpStoreGlobal, 1) // i

	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(OpLoadGlobal, 1)
	b.EmitJump(OpJz, end)
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpLoadGlobal, 1)
	b.Emit(OpIadd)
	b.Emit(OpStoreGlobal, 0)
	b.Emit(OpIinc, 1, -1)
	b.EmitJump(OpJmp, top)
	b.Mark(end)
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpPrint)
	b.Emit(OpHalt)
	return b.Build()
}

func TestDetectLoops(t *testing.T) {
	j := NewJITCompiler(O1)
	code := countingLoop(10)
	j.DetectLoops(code)

	loops := j.Loops()
	if len(loops) != 1 {
		t.Fatalf("detected %d loops, want 1", len(loops))
	}
	l := loops[0]
	if Opcode(code[l.BackEdgePC]) != OpJmp {
		t.Errorf("back edge at %d is %s, not JMP", l.BackEdgePC, Opcode(code[l.BackEdgePC]).Name())
	}
	if int(code[l.BackEdgePC+1]) != l.StartPC {
		t.Errorf("back edge target %d != loop start %d", code[l.BackEdgePC+1], l.StartPC)
	}
	if l.EndPC != l.BackEdgePC+2 {
		t.Errorf("EndPC = %d, want back edge + 2", l.EndPC)
	}

	if _, ok := j.LoopAt(l.StartPC); !ok {
		t.Error("LoopAt missed the detected loop")
	}
	if _, ok := j.LoopAt(l.StartPC + 1); ok {
		t.Error("LoopAt matched a non-start PC")
	}
}

func TestDetectLoopsSkipsOperandWords(t *testing.T) {
	// PUSH_INT with an operand equal to the JMP opcode value, followed by
	// HALT. A naive word scan would see a backward jump inside the operand.
	code := []int32{
		int32(OpNop),
		int32(OpPushInt), int32(OpJmp),
		int32(OpPushInt), 0,
		int32(OpHalt),
	}
	j := NewJITCompiler(O1)
	j.DetectLoops(code)
	if n := len(j.Loops()); n != 0 {
		t.Errorf("detected %d loops in loop-free code", n)
	}
}

func TestProfileCounters(t *testing.T) {
	j := NewJITCompiler(O1)
	j.SetThresholds(3, 5)

	for i := 0; i < 2; i++ {
		j.RecordExecution(40)
	}
	if j.Profile(40).IsHot {
		t.Error("hot before threshold")
	}
	j.RecordExecution(40)
	if !j.Profile(40).IsHot {
		t.Error("not hot at threshold")
	}
	if j.Stats().HotSpots != 1 {
		t.Errorf("hot spots = %d, want 1", j.Stats().HotSpots)
	}

	j.RecordBranch(40, true)
	j.RecordBranch(40, true)
	j.RecordBranch(40, false)
	p := j.Profile(40)
	if p.BranchTaken != 2 || p.BranchNotTaken != 1 {
		t.Errorf("branch counters = %d/%d, want 2/1", p.BranchTaken, p.BranchNotTaken)
	}
}

func TestShouldCompileRequiresLoop(t *testing.T) {
	j := NewJITCompiler(O1)
	j.SetThresholds(2, 4)
	code := countingLoop(10)
	j.DetectLoops(code)
	start := j.Loops()[0].StartPC

	for i := 0; i < 4; i++ {
		j.RecordExecution(start)
		j.RecordExecution(0) // not a loop start
	}
	if !j.ShouldCompile(start) {
		t.Error("loop start past threshold should compile")
	}
	if j.ShouldCompile(0) {
		t.Error("non-loop PC must never compile")
	}

	j.Compile(code, start, j.Loops()[0].EndPC)
	if j.ShouldCompile(start) {
		t.Error("already-compiled region offered again")
	}
}

func TestMarkHotPromotes(t *testing.T) {
	j := NewJITCompiler(O1)
	code := countingLoop(10)
	j.DetectLoops(code)
	start := j.Loops()[0].StartPC

	j.MarkHot(start)
	if !j.ShouldCompile(start) {
		t.Error("MarkHot should satisfy the compile threshold")
	}
}

func TestCompilePopulatesCache(t *testing.T) {
	j := NewJITCompiler(O2)
	code := countingLoop(10)
	j.DetectLoops(code)
	l := j.Loops()[0]

	cc := j.CompileAt(code, l.StartPC)
	if cc == nil {
		t.Fatal("CompileAt returned nil for a detected loop")
	}
	if cc.OriginalStart != l.StartPC || cc.OriginalEnd != l.EndPC {
		t.Errorf("region [%d,%d), want [%d,%d)", cc.OriginalStart, cc.OriginalEnd, l.StartPC, l.EndPC)
	}
	if len(cc.Optimized) == 0 {
		t.Error("empty optimized stream")
	}
	if _, ok := cc.PCMap[int32(l.StartPC)]; !ok {
		t.Error("loop start missing from PC map")
	}
	if j.CompiledAt(l.StartPC) != cc {
		t.Error("cache lookup missed the fresh region")
	}
	if j.Stats().Compilations != 1 {
		t.Errorf("compilations = %d, want 1", j.Stats().Compilations)
	}

	if j.CompileAt(code, l.StartPC+1) != nil {
		t.Error("CompileAt on a non-loop PC should return nil")
	}
}

func TestDeoptimize(t *testing.T) {
	j := NewJITCompiler(O1)
	code := countingLoop(10)
	j.DetectLoops(code)
	start := j.Loops()[0].StartPC
	j.CompileAt(code, start)

	j.Deoptimize()
	if j.CompiledAt(start) != nil {
		t.Error("region survived deoptimization")
	}
	if j.Profile(start).IsCompiled {
		t.Error("profile still marked compiled")
	}
	if j.Stats().Deoptimizations != 1 {
		t.Errorf("deoptimizations = %d, want 1", j.Stats().Deoptimizations)
	}

	// Profiles survive, so the region can come back.
	j.SetThresholds(1, 1)
	if !j.ShouldCompile(start) {
		t.Error("deoptimized region cannot recompile")
	}
}

func TestJITMatchesInterpreter(t *testing.T) {
	code := countingLoop(200)

	plain, plainOut := newTestVM()
	plain.SetProgram(code)
	if err := plain.Run(); err != nil {
		t.Fatal(err)
	}

	for _, level := range []OptLevel{O1, O2, O3} {
		m, out := newJITVM(level)
		m.JIT().SetThresholds(10, 50)
		m.SetProgram(code)
		if err := m.Run(); err != nil {
			t.Fatalf("%s run failed: %v", level, err)
		}
		if out.String() != plainOut.String() {
			t.Errorf("%s output = %q, interpreter = %q", level, out.String(), plainOut.String())
		}
		if m.JIT().Stats().Compilations == 0 {
			t.Errorf("%s never compiled the hot loop", level)
		}
	}
}

func TestJitHintOpcodes(t *testing.T) {
	// JIT_HOTLOOP force-promotes the loop so it compiles on its first
	// profiled visit instead of after thousands of iterations.
	b := NewBuilder()
	b.EmitPushInt(0).Emit(OpStoreGlobal, 0)
	b.EmitPushInt(5).Emit(OpStoreGlobal, 1)

	b.Emit(OpJitHotloop, 0)
	hintOperand := b.PC() - 1
	loopStart := b.PC()

	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(OpLoadGlobal, 1)
	b.EmitJump(OpJz, end)
	b.Emit(OpIinc, 0, 1)
	b.Emit(OpIinc, 1, -1)
	b.EmitJump(OpJmp, top)
	b.Mark(end)
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpPrint)
	b.Emit(OpHalt)
	code := b.Build()
	code[hintOperand] = int32(loopStart)

	m, out := newJITVM(O1)
	m.SetProgram(code)
	if err := m.Run(); err != nil {
		t.Fatal(err)
	}
	if out.String() != "5" {
		t.Errorf("output = %q, want 5", out.String())
	}
	if !m.JIT().Profile(loopStart).IsHot {
		t.Error("JIT_HOTLOOP did not mark the loop hot")
	}
}

func TestJitDeoptOpcode(t *testing.T) {
	m, _ := newJITVM(O1)
	code := NewBuilder().
		Emit(OpJitDeopt).
		Emit(OpHalt).
		Build()
	m.SetProgram(code)
	if err := m.Run(); err != nil {
		t.Fatal(err)
	}
	if m.JIT().Stats().Deoptimizations != 1 {
		t.Errorf("deoptimizations = %d, want 1", m.JIT().Stats().Deoptimizations)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	code := countingLoop(10)
	path := filepath.Join(t.TempDir(), "prog.jitcache")

	j := NewJITCompiler(O2)
	j.DetectLoops(code)
	start := j.Loops()[0].StartPC
	j.CompileAt(code, start)

	if err := j.SaveCache(path, code); err != nil {
		t.Fatal(err)
	}

	j2 := NewJITCompiler(O2)
	j2.DetectLoops(code)
	n, err := j2.LoadCache(path, code)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("loaded %d regions, want 1", n)
	}
	cc := j2.CompiledAt(start)
	if cc == nil {
		t.Fatal("restored cache missing the region")
	}
	orig := j.CompiledAt(start)
	if len(cc.Optimized) != len(orig.Optimized) {
		t.Errorf("restored %d words, saved %d", len(cc.Optimized), len(orig.Optimized))
	}
	if !j2.Profile(start).IsCompiled {
		t.Error("restored region's profile not marked compiled")
	}
}

func TestCacheChecksumMismatch(t *testing.T) {
	code := countingLoop(10)
	path := filepath.Join(t.TempDir(), "prog.jitcache")

	j := NewJITCompiler(O1)
	j.DetectLoops(code)
	j.CompileAt(code, j.Loops()[0].StartPC)
	if err := j.SaveCache(path, code); err != nil {
		t.Fatal(err)
	}

	// A different program invalidates the cache without erroring.
	other := countingLoop(99)
	j2 := NewJITCompiler(O1)
	n, err := j2.LoadCache(path, other)
	if err != nil {
		t.Fatalf("stale cache should be ignored, got %v", err)
	}
	if n != 0 {
		t.Errorf("loaded %d regions from a stale cache, want 0", n)
	}
}

func TestCacheMissingFile(t *testing.T) {
	j := NewJITCompiler(O1)
	_, err := j.LoadCache(filepath.Join(t.TempDir(), "absent"), nil)
	if err == nil {
		t.Error("missing cache file should surface an error")
	}
}

func TestProgramChecksum(t *testing.T) {
	a := []int32{1, 2, 3}
	b := []int32{1, 2, 4}
	if ProgramChecksum(a) == ProgramChecksum(b) {
		t.Error("different programs share a checksum")
	}
	if ProgramChecksum(a) != ProgramChecksum([]int32{1, 2, 3}) {
		t.Error("checksum is not deterministic")
	}
}

func TestParseOptLevel(t *testing.T) {
	for s, want := range map[string]OptLevel{"O0": O0, "1": O1, "O2": O2, "O3": O3} {
		got, ok := ParseOptLevel(s)
		if !ok || got != want {
			t.Errorf("ParseOptLevel(%q) = %v, %v", s, got, ok)
		}
	}
	if _, ok := ParseOptLevel("O9"); ok {
		t.Error("O9 should not parse")
	}
}
