package vm

import (
	"time"

	"github.com/google/btree"
	"github.com/tliron/commonlog"
)

var jitLog = commonlog.GetLogger("kava.jit")

// OptLevel selects how aggressively hot regions are rewritten.
type OptLevel int

const (
	O0 OptLevel = iota // no rewriting
	O1                 // constant folding, dead code elimination
	O2                 // O1 + loop unrolling, redundant load caching
	O3                 // O2 + superinstruction fusion
)

func (l OptLevel) String() string {
	switch l {
	case O0:
		return "O0"
	case O1:
		return "O1"
	case O2:
		return "O2"
	case O3:
		return "O3"
	default:
		return "O?"
	}
}

// ParseOptLevel accepts "O0".."O3" and bare digits.
func ParseOptLevel(s string) (OptLevel, bool) {
	switch s {
	case "O0", "0":
		return O0, true
	case "O1", "1":
		return O1, true
	case "O2", "2":
		return O2, true
	case "O3", "3":
		return O3, true
	}
	return O0, false
}

// Profiling thresholds: a PC is hot after HotThreshold executions and a
// compilation candidate after CompileThreshold.
const (
	HotThreshold     = 1000
	CompileThreshold = 5000
)

// ProfileData counts executions and branch outcomes for one PC.
type ProfileData struct {
	ExecutionCount uint64
	BranchTaken    uint64
	BranchNotTaken uint64
	IsHot          bool
	IsCompiled     bool
}

// CompiledCode is an optimized copy of a hot region. Jump operands inside
// Optimized still carry original absolute addresses; PCMap translates them to
// offsets in the optimized stream, and a missing entry means the jump leaves
// the region. The original stream is never modified.
type CompiledCode struct {
	Optimized     []int32
	OriginalStart int
	OriginalEnd   int
	Level         OptLevel
	PCMap         map[int32]int32
	CompileTime   time.Duration
}

// LoopInfo is one backward-jump loop found by the detection pre-pass.
type LoopInfo struct {
	StartPC    int
	EndPC      int // first word after the back edge's operand
	BackEdgePC int
}

// JITStats aggregates profiler and compiler counters.
type JITStats struct {
	HotSpots         uint64
	Compilations     uint64
	Deoptimizations  uint64
	CacheHits        uint64
	CompiledWords    int
	TotalCompileTime time.Duration
}

// JITCompiler profiles the interpreter and rewrites hot loop regions into
// cached optimized bytecode. Compiled regions are swapped in by start PC;
// lookups that miss fall back to interpretation.
type JITCompiler struct {
	level   OptLevel
	enabled bool

	profiles map[int]*ProfileData
	compiled map[int]*CompiledCode
	loops    *btree.BTreeG[LoopInfo]

	hotThreshold     uint64
	compileThreshold uint64

	stats JITStats

	// OnCompile observes successful compilations, for telemetry sinks.
	OnCompile func(*CompiledCode)
}

func NewJITCompiler(level OptLevel) *JITCompiler {
	return &JITCompiler{
		level:    level,
		enabled:  true,
		profiles: make(map[int]*ProfileData),
		compiled: make(map[int]*CompiledCode),
		loops: btree.NewG[LoopInfo](8, func(a, b LoopInfo) bool {
			return a.StartPC < b.StartPC
		}),
		hotThreshold:     HotThreshold,
		compileThreshold: CompileThreshold,
	}
}

func (j *JITCompiler) Enabled() bool     { return j.enabled }
func (j *JITCompiler) SetEnabled(b bool) { j.enabled = b }
func (j *JITCompiler) Level() OptLevel   { return j.level }
func (j *JITCompiler) Stats() JITStats   { return j.stats }

// SetThresholds overrides the hot/compile trip points; tests lower them to
// avoid million-iteration warmups.
func (j *JITCompiler) SetThresholds(hot, compile uint64) {
	j.hotThreshold = hot
	j.compileThreshold = compile
}

// ---------------------------------------------------------------------------
// Profiling

func (j *JITCompiler) Profile(pc int) *ProfileData {
	p := j.profiles[pc]
	if p == nil {
		p = &ProfileData{}
		j.profiles[pc] = p
	}
	return p
}

func (j *JITCompiler) RecordExecution(pc int) {
	p := j.Profile(pc)
	p.ExecutionCount++
	if !p.IsHot && p.ExecutionCount >= j.hotThreshold {
		p.IsHot = true
		j.stats.HotSpots++
	}
}

func (j *JITCompiler) RecordBranch(pc int, taken bool) {
	p := j.Profile(pc)
	if taken {
		p.BranchTaken++
	} else {
		p.BranchNotTaken++
	}
}

// ShouldCompile reports whether pc has crossed the compile threshold, is not
// yet compiled, and begins a detected loop.
func (j *JITCompiler) ShouldCompile(pc int) bool {
	p := j.profiles[pc]
	if p == nil || p.IsCompiled || p.ExecutionCount < j.compileThreshold {
		return false
	}
	_, ok := j.LoopAt(pc)
	return ok
}

// MarkHot force-promotes a PC, used by the JIT_HOTLOOP/JIT_HOTFUNC hints.
func (j *JITCompiler) MarkHot(pc int) {
	p := j.Profile(pc)
	if p.ExecutionCount < j.compileThreshold {
		p.ExecutionCount = j.compileThreshold
	}
	if !p.IsHot {
		p.IsHot = true
		j.stats.HotSpots++
	}
}

// ---------------------------------------------------------------------------
// Loop detection

// DetectLoops scans for backward unconditional jumps. The scan decodes
// operands through the opcode table, so an operand word that happens to look
// like a JMP opcode is never misread as one.
func (j *JITCompiler) DetectLoops(code []int32) {
	for pc := 0; pc < len(code); {
		op := Opcode(code[pc])
		operands := op.Info().Operands
		if op == OpJmp && pc+1 < len(code) {
			target := code[pc+1]
			if target >= 0 && int(target) < pc {
				j.loops.ReplaceOrInsert(LoopInfo{
					StartPC:    int(target),
					EndPC:      pc + 2,
					BackEdgePC: pc,
				})
			}
		}
		pc += 1 + operands
	}
}

// LoopAt returns the loop starting exactly at pc.
func (j *JITCompiler) LoopAt(pc int) (LoopInfo, bool) {
	return j.loops.Get(LoopInfo{StartPC: pc})
}

// Loops returns all detected loops in start order.
func (j *JITCompiler) Loops() []LoopInfo {
	out := make([]LoopInfo, 0, j.loops.Len())
	j.loops.Ascend(func(l LoopInfo) bool {
		out = append(out, l)
		return true
	})
	return out
}

// ---------------------------------------------------------------------------
// Compilation

// CompileAt compiles the loop region starting at pc and caches the result.
// Returns nil when pc starts no loop or the region resists optimization.
func (j *JITCompiler) CompileAt(code []int32, pc int) *CompiledCode {
	loop, ok := j.LoopAt(pc)
	if !ok {
		return nil
	}
	return j.Compile(code, loop.StartPC, loop.EndPC)
}

// Compile rewrites [start,end) at the configured level and swaps the result
// into the cache under its start PC.
func (j *JITCompiler) Compile(code []int32, start, end int) *CompiledCode {
	began := time.Now()

	optimized, pcMap := optimizeRegion(code, start, end, j.level)
	cc := &CompiledCode{
		Optimized:     optimized,
		OriginalStart: start,
		OriginalEnd:   end,
		Level:         j.level,
		PCMap:         pcMap,
		CompileTime:   time.Since(began),
	}

	j.Profile(start).IsCompiled = true
	j.compiled[start] = cc
	j.stats.Compilations++
	j.stats.CompiledWords += len(optimized)
	j.stats.TotalCompileTime += cc.CompileTime

	jitLog.Debugf("compiled region [%d,%d) at %s: %d -> %d words",
		start, end, j.level, end-start, len(optimized))

	if j.OnCompile != nil {
		j.OnCompile(cc)
	}
	return cc
}

// CompiledAt returns the cached region starting at pc, if any.
func (j *JITCompiler) CompiledAt(pc int) *CompiledCode {
	return j.compiled[pc]
}

func (j *JITCompiler) recordCacheHit() { j.stats.CacheHits++ }

// Deoptimize drops every cached region; profiles survive so regions can
// recompile.
func (j *JITCompiler) Deoptimize() {
	for pc := range j.compiled {
		delete(j.compiled, pc)
		if p := j.profiles[pc]; p != nil {
			p.IsCompiled = false
		}
	}
	j.stats.Deoptimizations++
}

// Reset clears profiles, caches and detected loops.
func (j *JITCompiler) Reset() {
	j.profiles = make(map[int]*ProfileData)
	j.compiled = make(map[int]*CompiledCode)
	j.loops.Clear(false)
	j.stats = JITStats{}
}
