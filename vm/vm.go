package vm

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("kava.vm")

// VMConfig collects runtime tuning for one VM instance.
type VMConfig struct {
	GC           GCConfig
	MaxCallDepth int
	EnableGC     bool
	EnableJIT    bool
	OptLevel     OptLevel
}

func DefaultVMConfig() VMConfig {
	return VMConfig{
		GC:           DefaultGCConfig(),
		MaxCallDepth: 1000,
		EnableGC:     true,
		EnableJIT:    false,
		OptLevel:     O1,
	}
}

// VM executes Kava word streams in script mode: one shared operand stack, a
// global slot table, and per-invocation frames for lambdas. A VM is not
// goroutine safe; the event loop runs cooperatively on the same goroutine.
type VM struct {
	Config VMConfig

	// Stdout receives PRINT output; tests swap in a buffer.
	Stdout io.Writer

	heap *Heap
	gc   *GarbageCollector
	jit  *JITCompiler
	loop *EventLoop

	code []int32
	pc   int

	stack []Value
	sp    int

	globals []Value
	frames  []*Frame

	stringPool []string
	interned   map[string]Handle

	natives     []NativeEntry
	nativeIndex map[string]int32

	// Compiled-region execution state: while compiled is non-nil, code and pc
	// refer to the optimized stream and origCode holds the real program.
	compiled *CompiledCode
	origCode []int32

	running bool

	InstructionsExecuted uint64
	ObjectsAllocated     uint64
	LambdaCalls          uint64

	startTime time.Time
	elapsed   time.Duration
}

func NewVM(cfg VMConfig) *VM {
	vm := &VM{
		Config:      cfg,
		Stdout:      os.Stdout,
		heap:        NewHeap(cfg.GC),
		loop:        NewEventLoop(),
		stack:       make([]Value, 1024),
		globals:     make([]Value, 1024),
		interned:    make(map[string]Handle),
		nativeIndex: make(map[string]int32),
	}
	vm.gc = NewGarbageCollector(vm.heap)
	vm.gc.SetRootScanner(vm.scanRoots)
	if cfg.EnableJIT {
		vm.jit = NewJITCompiler(cfg.OptLevel)
	}
	vm.registerBuiltinNatives()
	return vm
}

func (vm *VM) Heap() *Heap            { return vm.heap }
func (vm *VM) GC() *GarbageCollector  { return vm.gc }
func (vm *VM) JIT() *JITCompiler      { return vm.jit }
func (vm *VM) EventLoop() *EventLoop  { return vm.loop }
func (vm *VM) PC() int                { return vm.pc }
func (vm *VM) Elapsed() time.Duration { return vm.elapsed }

// ---------------------------------------------------------------------------
// Program loading

// LoadFile loads a .kvb word stream from disk.
func (vm *VM) LoadFile(path string) error {
	code, err := LoadProgram(path)
	if err != nil {
		return err
	}
	vm.SetProgram(code)
	return nil
}

// SetProgram installs a word stream and runs loop detection over it.
func (vm *VM) SetProgram(code []int32) {
	vm.code = code
	vm.origCode = code
	vm.pc = 0
	vm.compiled = nil
	if vm.jit != nil {
		vm.jit.DetectLoops(code)
	}
}

// AddString registers a constant for PUSH_STRING and returns its pool index.
func (vm *VM) AddString(s string) int32 {
	vm.stringPool = append(vm.stringPool, s)
	return int32(len(vm.stringPool) - 1)
}

// ---------------------------------------------------------------------------
// Execution

// Run executes until HALT, the end of the stream, or a fatal error.
func (vm *VM) Run() error {
	if vm.code == nil {
		return fmt.Errorf("no program loaded")
	}
	vm.running = true
	vm.startTime = time.Now()
	defer func() {
		vm.elapsed = time.Since(vm.startTime)
	}()

	for vm.running && vm.pc < len(vm.code) {
		if err := vm.step(); err != nil {
			vm.running = false
			return err
		}
		if vm.compiled != nil && vm.pc >= len(vm.code) {
			vm.leaveCompiled(vm.compiled.OriginalEnd)
		}
	}
	vm.running = false
	return nil
}

func (vm *VM) Halt() { vm.running = false }

// Global reads a global slot; out-of-range reads are null.
func (vm *VM) Global(index int32) Value {
	if index < 0 || int(index) >= len(vm.globals) {
		return Null()
	}
	return vm.globals[index]
}

// SetGlobal writes a global slot, growing the table as needed.
func (vm *VM) SetGlobal(index int32, v Value) {
	for int(index) >= len(vm.globals) {
		vm.globals = append(vm.globals, Null())
	}
	vm.globals[index] = v
}

// ---------------------------------------------------------------------------
// Compiled region entry and exit

func (vm *VM) enterCompiled(cc *CompiledCode) {
	vm.compiled = cc
	vm.code = cc.Optimized
	vm.pc = 0
	vm.jit.recordCacheHit()
}

func (vm *VM) leaveCompiled(target int) {
	vm.code = vm.origCode
	vm.compiled = nil
	vm.pc = target
}

// jumpTo transfers control to an absolute address of the original stream.
// Inside a compiled region, mapped targets stay in the optimized code and
// unmapped ones exit back to the interpreter.
func (vm *VM) jumpTo(target int32) {
	if vm.compiled != nil {
		if off, ok := vm.compiled.PCMap[target]; ok {
			vm.pc = int(off)
			return
		}
		vm.leaveCompiled(int(target))
		return
	}
	vm.pc = int(target)
}

// ---------------------------------------------------------------------------
// Operand stack

func (vm *VM) push(v Value) {
	if vm.sp == len(vm.stack) {
		vm.stack = append(vm.stack, v)
		vm.sp++
		return
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() (Value, error) {
	if vm.sp == 0 {
		return Null(), &VmError{Kind: ErrStackUnderflow, PC: vm.pc}
	}
	vm.sp--
	return vm.stack[vm.sp], nil
}

func (vm *VM) peek() (Value, error) {
	if vm.sp == 0 {
		return Null(), &VmError{Kind: ErrStackUnderflow, PC: vm.pc}
	}
	return vm.stack[vm.sp-1], nil
}

// StackDepth reports the live operand count, for stack-balance checks.
func (vm *VM) StackDepth() int { return vm.sp }

func (vm *VM) popInt() (int32, error) {
	v, err := vm.pop()
	return v.ToInt32(), err
}

func (vm *VM) popLong() (int64, error) {
	v, err := vm.pop()
	return v.ToInt64(), err
}

func (vm *VM) popDouble() (float64, error) {
	v, err := vm.pop()
	return v.ToFloat64(), err
}

// ---------------------------------------------------------------------------
// Slots

func (vm *VM) currentFrame() *Frame {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.frames[len(vm.frames)-1]
}

// loadSlot resolves local-variable opcodes: frame locals inside a lambda,
// globals in script mode.
func (vm *VM) loadSlot(index int32) Value {
	if f := vm.currentFrame(); f != nil {
		return f.Local(index)
	}
	return vm.Global(index)
}

func (vm *VM) storeSlot(index int32, v Value) {
	if f := vm.currentFrame(); f != nil {
		f.SetLocal(index, v)
		return
	}
	vm.SetGlobal(index, v)
}

// ---------------------------------------------------------------------------
// Allocation with collect-and-retry

// CollectGarbage forces a collection cycle with the standard policy.
func (vm *VM) CollectGarbage() {
	vm.gc.Collect()
}

func (vm *VM) allocateArray(elemType ObjectType, length int32) (*GCObject, error) {
	obj := vm.heap.AllocateArray(elemType, length)
	if obj == nil && vm.Config.EnableGC {
		vm.CollectGarbage()
		obj = vm.heap.AllocateArray(elemType, length)
	}
	if obj == nil {
		return nil, vmErrorf(ErrOutOfMemory, vm.pc, "%s[%d]", elemType, length)
	}
	vm.ObjectsAllocated++
	vm.maybeCollect()
	return obj, nil
}

func (vm *VM) allocateString(s string) (*GCObject, error) {
	obj := vm.heap.AllocateString(s)
	if obj == nil && vm.Config.EnableGC {
		vm.CollectGarbage()
		obj = vm.heap.AllocateString(s)
	}
	if obj == nil {
		return nil, vmErrorf(ErrOutOfMemory, vm.pc, "string of %d bytes", len(s))
	}
	vm.ObjectsAllocated++
	vm.maybeCollect()
	return obj, nil
}

func (vm *VM) maybeCollect() {
	if vm.Config.EnableGC && vm.heap.NeedsGC() {
		vm.CollectGarbage()
	}
}

// InternString returns the shared heap string for s, allocating on first use.
func (vm *VM) InternString(s string) (Handle, error) {
	if h, ok := vm.interned[s]; ok {
		if vm.heap.Get(h) != nil {
			return h, nil
		}
		delete(vm.interned, s)
	}
	obj, err := vm.allocateString(s)
	if err != nil {
		return NilHandle, err
	}
	vm.interned[s] = obj.Handle
	return obj.Handle, nil
}

// ---------------------------------------------------------------------------
// GC roots

// scanRoots walks everything the interpreter can still reach: the live
// operand stack, globals, every frame's locals and captures, interned
// strings, and settled promise payloads.
func (vm *VM) scanRoots(visit func(Value)) {
	for i := 0; i < vm.sp; i++ {
		visit(vm.stack[i])
	}
	for _, g := range vm.globals {
		visit(g)
	}
	for _, f := range vm.frames {
		for _, l := range f.Locals {
			visit(l)
		}
		for _, c := range f.Lambda.Captures {
			visit(c)
		}
	}
	for _, h := range vm.interned {
		visit(ObjectValue(h))
	}
	vm.loop.ScanValues(visit)
}

// ---------------------------------------------------------------------------
// Statistics

// PrintStats writes the end-of-run report.
func (vm *VM) PrintStats(w io.Writer) {
	stats := vm.heap.Stats

	fmt.Fprintln(w, "=== Kava VM Statistics ===")
	fmt.Fprintf(w, "Instructions executed: %d\n", vm.InstructionsExecuted)
	if vm.elapsed > 0 {
		mips := float64(vm.InstructionsExecuted) / vm.elapsed.Seconds() / 1e6
		fmt.Fprintf(w, "Elapsed: %s (%.2f MIPS)\n", vm.elapsed.Round(time.Microsecond), mips)
	}
	fmt.Fprintf(w, "Lambda calls: %d\n", vm.LambdaCalls)
	fmt.Fprintf(w, "Objects allocated: %d\n", vm.ObjectsAllocated)
	fmt.Fprintf(w, "Heap used: %s of %s\n",
		units.HumanSize(float64(vm.heap.TotalUsed())),
		units.HumanSize(float64(vm.heap.TotalCapacity())))
	fmt.Fprintf(w, "GC collections: %d (%d minor, %d major)\n",
		stats.TotalCollections, stats.MinorCollections, stats.MajorCollections)
	fmt.Fprintf(w, "GC time: %d ms (max pause %d ms, avg %.2f ms)\n",
		stats.TotalTimeMs, stats.MaxPauseMs, stats.AvgPauseMs())
	fmt.Fprintf(w, "GC reclaimed: %s in %d objects\n",
		units.HumanSize(float64(stats.TotalBytesCollected)), stats.TotalObjectsCollected)

	if vm.jit != nil {
		js := vm.jit.Stats()
		fmt.Fprintf(w, "JIT (%s): %d hot spots, %d compilations, %d cache hits, %d deopts\n",
			vm.jit.Level(), js.HotSpots, js.Compilations, js.CacheHits, js.Deoptimizations)
		fmt.Fprintf(w, "JIT compiled: %d words in %s\n",
			js.CompiledWords, js.TotalCompileTime.Round(time.Microsecond))
	}
}
