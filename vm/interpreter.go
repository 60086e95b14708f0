package vm

import (
	"fmt"
	"math"
)

// step executes one instruction. It also drives the profile/compile pipeline:
// at a PC that starts a cached region the VM switches to the optimized
// stream, otherwise the PC is profiled and compiled once it qualifies.
func (vm *VM) step() error {
	if vm.compiled == nil && vm.jit != nil && vm.jit.Enabled() {
		if cc := vm.jit.CompiledAt(vm.pc); cc != nil {
			vm.enterCompiled(cc)
		} else {
			vm.jit.RecordExecution(vm.pc)
			if vm.jit.ShouldCompile(vm.pc) {
				if cc := vm.jit.CompileAt(vm.code, vm.pc); cc != nil {
					vm.enterCompiled(cc)
				}
			}
		}
	}
	if vm.pc >= len(vm.code) {
		if vm.compiled != nil {
			vm.leaveCompiled(vm.compiled.OriginalEnd)
			return nil
		}
		vm.running = false
		return nil
	}

	opPC := vm.pc
	op := Opcode(vm.code[vm.pc])
	vm.pc++
	vm.InstructionsExecuted++

	switch op {

	// -------------------------------------------------------------------
	// Constants and stack

	case OpNop:
		// nothing

	case OpHalt:
		vm.running = false

	case OpPushNull:
		vm.push(Null())

	case OpPushTrue:
		vm.push(Int32Value(1))

	case OpPushFalse:
		vm.push(Int32Value(0))

	case OpPushInt:
		w, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(Int32Value(w))

	case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5:
		v, _ := iconstValue(op)
		vm.push(Int32Value(v))

	case OpPushLong:
		lo, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		hi, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(Int64Value(decodeInt64(lo, hi)))

	case OpPushFloat:
		w, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(Float32Value(decodeFloat32(w)))

	case OpPushDouble:
		lo, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		hi, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(Float64Value(decodeFloat64(lo, hi)))

	case OpPushString:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(vm.stringPool) {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "string pool index %d of %d", idx, len(vm.stringPool))
		}
		h, err := vm.InternString(vm.stringPool[idx])
		if err != nil {
			return err
		}
		vm.push(ObjectValue(h))

	case OpPop:
		if _, err := vm.pop(); err != nil {
			return err
		}

	case OpPop2:
		if _, err := vm.pop(); err != nil {
			return err
		}
		if _, err := vm.pop(); err != nil {
			return err
		}

	case OpDup:
		v, err := vm.peek()
		if err != nil {
			return err
		}
		vm.push(v)

	case OpDup2:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(a)
		vm.push(b)
		vm.push(a)
		vm.push(b)

	case OpDupX1:
		v1, err := vm.pop()
		if err != nil {
			return err
		}
		v2, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(v1)
		vm.push(v2)
		vm.push(v1)

	case OpDupX2:
		v1, err := vm.pop()
		if err != nil {
			return err
		}
		v2, err := vm.pop()
		if err != nil {
			return err
		}
		v3, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(v1)
		vm.push(v3)
		vm.push(v2)
		vm.push(v1)

	case OpSwap:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(b)
		vm.push(a)

	case OpNot:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(BoolValue(!v.IsTruthy()))

	// -------------------------------------------------------------------
	// Arithmetic, bitwise, comparisons, conversions

	case OpIadd, OpIsub, OpImul, OpIdiv, OpImod,
		OpIand, OpIor, OpIxor, OpIshl, OpIshr, OpIushr:
		return vm.intBinary(op, opPC)

	case OpIneg:
		a, err := vm.popInt()
		if err != nil {
			return err
		}
		vm.push(Int32Value(-a))

	case OpIinc:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		amount, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.storeSlot(idx, Int32Value(vm.loadSlot(idx).ToInt32()+amount))

	case OpLadd, OpLsub, OpLmul, OpLdiv, OpLmod,
		OpLand, OpLor, OpLxor, OpLshl, OpLshr, OpLushr:
		return vm.longBinary(op, opPC)

	case OpLneg:
		a, err := vm.popLong()
		if err != nil {
			return err
		}
		vm.push(Int64Value(-a))

	case OpFadd, OpFsub, OpFmul, OpFdiv, OpFmod:
		return vm.floatBinary(op, opPC)

	case OpFneg:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(Float32Value(-v.AsFloat32()))

	case OpDadd, OpDsub, OpDmul, OpDdiv, OpDmod:
		return vm.doubleBinary(op, opPC)

	case OpDneg:
		a, err := vm.popDouble()
		if err != nil {
			return err
		}
		vm.push(Float64Value(-a))

	case OpIeq, OpIne, OpIlt, OpIge, OpIgt, OpIle:
		b, err := vm.popInt()
		if err != nil {
			return err
		}
		a, err := vm.popInt()
		if err != nil {
			return err
		}
		vm.push(BoolValue(intCompare(op, a, b)))

	case OpIcmp:
		b, err := vm.popInt()
		if err != nil {
			return err
		}
		a, err := vm.popInt()
		if err != nil {
			return err
		}
		vm.push(Int32Value(threeWayInt(int64(a), int64(b))))

	case OpLcmp:
		b, err := vm.popLong()
		if err != nil {
			return err
		}
		a, err := vm.popLong()
		if err != nil {
			return err
		}
		vm.push(Int32Value(threeWayInt(a, b)))

	case OpFcmpl, OpFcmpg, OpDcmpl, OpDcmpg:
		b, err := vm.popDouble()
		if err != nil {
			return err
		}
		a, err := vm.popDouble()
		if err != nil {
			return err
		}
		vm.push(Int32Value(threeWayFloat(op, a, b)))

	case OpAcmpeq, OpAcmpne:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		same := refEqual(a, b)
		if op == OpAcmpne {
			same = !same
		}
		vm.push(BoolValue(same))

	case OpAnull:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(BoolValue(v.IsNull()))

	case OpAnnull:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.push(BoolValue(!v.IsNull()))

	case OpI2l, OpI2f, OpI2d, OpL2i, OpL2f, OpL2d,
		OpF2i, OpF2l, OpF2d, OpD2i, OpD2l, OpD2f,
		OpI2b, OpI2c, OpI2s:
		return vm.convert(op)

	// -------------------------------------------------------------------
	// Locals and globals

	case OpIload, OpLload, OpFload, OpDload, OpAload:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if idx < 0 {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "slot %d", idx)
		}
		vm.push(vm.loadSlot(idx))

	case OpIload0, OpIload1, OpIload2, OpIload3:
		vm.push(vm.loadSlot(int32(op - OpIload0)))

	case OpAload0, OpAload1, OpAload2, OpAload3:
		vm.push(vm.loadSlot(int32(op - OpAload0)))

	case OpIstore, OpLstore, OpFstore, OpDstore, OpAstore:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if idx < 0 {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "slot %d", idx)
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.storeSlot(idx, v)

	case OpIstore0, OpIstore1, OpIstore2, OpIstore3:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.storeSlot(int32(op-OpIstore0), v)

	case OpAstore0, OpAstore1, OpAstore2, OpAstore3:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.storeSlot(int32(op-OpAstore0), v)

	case OpLoadGlobal:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(vm.Global(idx))

	case OpStoreGlobal:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if idx < 0 {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "global %d", idx)
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.SetGlobal(idx, v)

	// -------------------------------------------------------------------
	// Arrays

	case OpNewarray:
		typeCode, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		count, err := vm.popInt()
		if err != nil {
			return err
		}
		if count < 0 {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "negative array size %d", count)
		}
		obj, err := vm.allocateArray(arrayTypeFor(typeCode), count)
		if err != nil {
			return err
		}
		vm.push(ObjectValue(obj.Handle))

	case OpAnewarray:
		if _, err := vm.operand(opPC); err != nil { // class index, unused
			return err
		}
		count, err := vm.popInt()
		if err != nil {
			return err
		}
		if count < 0 {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "negative array size %d", count)
		}
		obj, err := vm.allocateArray(TypeArrayObject, count)
		if err != nil {
			return err
		}
		vm.push(ObjectValue(obj.Handle))

	case OpArraylength:
		arr, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		vm.push(Int32Value(arr.ArrayLength()))

	case OpIaload, OpLaload, OpFaload, OpDaload, OpAaload, OpBaload, OpCaload, OpSaload:
		idx, err := vm.popInt()
		if err != nil {
			return err
		}
		arr, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		if !arr.InBounds(idx) {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "index %d of %d", idx, arr.ArrayLength())
		}
		vm.push(arr.Elem(idx))

	case OpIastore, OpLastore, OpFastore, OpDastore, OpAastore, OpBastore, OpCastore, OpSastore:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		idx, err := vm.popInt()
		if err != nil {
			return err
		}
		arr, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		if !arr.InBounds(idx) {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "index %d of %d", idx, arr.ArrayLength())
		}
		arr.SetElem(idx, v)
		if op == OpAastore && v.Kind() == KindObjectRef {
			vm.gc.WriteBarrier(arr, vm.heap.Get(v.AsHandle()))
		}

	// -------------------------------------------------------------------
	// Control flow; jump targets are absolute word addresses

	case OpJmp:
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.jumpTo(target)

	case OpJz, OpJnz:
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		cond, err := vm.pop()
		if err != nil {
			return err
		}
		taken := cond.IsTruthy() == (op == OpJnz)
		vm.recordBranch(opPC, taken)
		if taken {
			vm.jumpTo(target)
		}

	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		a, err := vm.popInt()
		if err != nil {
			return err
		}
		taken := unaryCompare(op, a)
		vm.recordBranch(opPC, taken)
		if taken {
			vm.jumpTo(target)
		}

	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		b, err := vm.popInt()
		if err != nil {
			return err
		}
		a, err := vm.popInt()
		if err != nil {
			return err
		}
		taken := intCompare(op-OpIfIcmpeq+OpIeq, a, b)
		vm.recordBranch(opPC, taken)
		if taken {
			vm.jumpTo(target)
		}

	// -------------------------------------------------------------------
	// Lambdas

	case OpLambdaNew:
		entry, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		capc, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		caps := make([]Value, capc)
		for i := int(capc) - 1; i >= 0; i-- {
			v, err := vm.pop()
			if err != nil {
				return err
			}
			caps[i] = v
		}
		vm.push(LambdaValue(&Lambda{Entry: entry, Captures: caps}))

	case OpLambdaCall:
		argc, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		args := make([]Value, argc)
		for i := int(argc) - 1; i >= 0; i-- {
			v, err := vm.pop()
			if err != nil {
				return err
			}
			args[i] = v
		}
		fnv, err := vm.pop()
		if err != nil {
			return err
		}
		if fnv.Kind() != KindLambdaRef {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "LAMBDA_CALL on %s", fnv.Kind())
		}
		if vm.compiled != nil {
			// Inside an optimized region the return address has no stable
			// original PC, so run the call to completion instead.
			res, err := vm.callLambda(fnv.AsLambda(), args...)
			if err != nil {
				return err
			}
			vm.push(res)
			return nil
		}
		return vm.pushFrame(fnv.AsLambda(), args, vm.pc)

	case OpCaptureLocal:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.push(vm.loadSlot(idx))

	case OpCaptureLoad:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		f := vm.currentFrame()
		if f == nil {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "CAPTURE_LOAD outside lambda")
		}
		if idx < 0 || int(idx) >= len(f.Lambda.Captures) {
			return vmErrorf(ErrIndexOutOfBounds, opPC, "capture %d of %d", idx, len(f.Lambda.Captures))
		}
		vm.push(f.Lambda.Captures[idx])

	case OpRet, OpIret, OpLret, OpFret, OpDret, OpAret:
		return vm.returnFromLambda(op)

	case OpPipe:
		fnv, err := vm.pop()
		if err != nil {
			return err
		}
		arg, err := vm.pop()
		if err != nil {
			return err
		}
		if fnv.Kind() != KindLambdaRef {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "PIPE into %s", fnv.Kind())
		}
		res, err := vm.callLambda(fnv.AsLambda(), arg)
		if err != nil {
			return err
		}
		vm.push(res)

	// -------------------------------------------------------------------
	// Streams

	case OpStreamNew, OpStreamFilter, OpStreamMap, OpStreamReduce, OpStreamForeach,
		OpStreamCollect, OpStreamCount, OpStreamSum, OpStreamSort, OpStreamDistinct,
		OpStreamLimit, OpStreamSkip, OpStreamTolist, OpStreamMin, OpStreamMax,
		OpStreamAnymatch, OpStreamAllmatch:
		return vm.streamOp(op, opPC)

	// -------------------------------------------------------------------
	// Async

	case OpAsyncCall, OpAwait, OpPromiseNew, OpPromiseResolve, OpPromiseReject,
		OpEventLoopTick:
		return vm.asyncOp(op, opPC)

	// -------------------------------------------------------------------
	// I/O, natives and hints

	case OpPrint, OpPrintln:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.printValue(v, op == OpPrintln)

	case OpNative:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(vm.natives) {
			return vmErrorf(ErrUnknownOpcode, opPC, "native index %d", idx)
		}
		entry := vm.natives[idx]
		args := make([]Value, entry.Arity)
		for i := entry.Arity - 1; i >= 0; i-- {
			v, err := vm.pop()
			if err != nil {
				return err
			}
			args[i] = v
		}
		res, err := entry.Fn(vm, args)
		if err != nil {
			return err
		}
		vm.push(res)

	case OpBreakpoint:
		vmLog.Infof("breakpoint at pc=%d", opPC)

	case OpJitHotloop, OpJitHotfunc:
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		if vm.jit != nil {
			vm.jit.MarkHot(int(target))
		}

	case OpJitDeopt:
		if vm.jit != nil {
			vm.jit.Deoptimize()
		}
		if vm.compiled != nil {
			vm.leaveCompiled(vm.compiled.OriginalEnd)
		}

	case OpJitOsr:
		// accepted, no effect

	// -------------------------------------------------------------------
	// Superinstructions

	case SuperLoadLoadAdd, SuperLoadLoadMul:
		a, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		b, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		x := vm.Global(a).ToInt32()
		y := vm.Global(b).ToInt32()
		if op == SuperLoadLoadAdd {
			vm.push(Int32Value(x + y))
		} else {
			vm.push(Int32Value(x * y))
		}

	case SuperPushStore:
		v, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		vm.SetGlobal(idx, Int32Value(v))

	case SuperLoadCmpJz:
		idx, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		rhs, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		cmpOp, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		target, err := vm.operand(opPC)
		if err != nil {
			return err
		}
		x := vm.Global(idx).ToInt32()
		if !intCompare(Opcode(cmpOp), x, rhs) {
			vm.jumpTo(target)
		}

	// -------------------------------------------------------------------
	// Class object model and other excluded surfaces

	case OpPushClass, OpGetfield, OpPutfield, OpGetstatic, OpPutstatic,
		OpMultianew, OpTableswitch, OpLookupswitch,
		OpCall, OpInvoke, OpInvokespec, OpInvokeintf, OpInvokedyn,
		OpNew, OpInstanceof, OpCheckcast, OpAthrow,
		OpMonitorenter, OpMonitorexit, OpTryBegin, OpTryEnd, OpCatch, OpFinally,
		OpGfxInit, OpGfxClear, OpGfxDraw, OpGfxEvent,
		OpYield, OpStreamFlatmap:
		return vmErrorf(ErrUnsupportedOpcode, opPC, "%s", op.Name())

	default:
		return vmErrorf(ErrUnknownOpcode, opPC, "0x%X", int32(op))
	}

	return nil
}

// operand fetches the next word of the current instruction.
func (vm *VM) operand(opPC int) (int32, error) {
	if vm.pc >= len(vm.code) {
		return 0, vmErrorf(ErrUnknownOpcode, opPC, "truncated instruction")
	}
	w := vm.code[vm.pc]
	vm.pc++
	return w, nil
}

func (vm *VM) recordBranch(pc int, taken bool) {
	if vm.jit != nil && vm.compiled == nil {
		vm.jit.RecordBranch(pc, taken)
	}
}

// ---------------------------------------------------------------------------
// Frames and lambda calls

func (vm *VM) pushFrame(fn *Lambda, args []Value, retPC int) error {
	if len(vm.frames) >= vm.Config.MaxCallDepth {
		return vmErrorf(ErrCallDepthExceeded, vm.pc, "depth %d", len(vm.frames))
	}
	vm.frames = append(vm.frames, newFrame(fn, args, retPC, vm.sp))
	vm.LambdaCalls++
	vm.pc = int(fn.Entry)
	return nil
}

func (vm *VM) returnFromLambda(op Opcode) error {
	f := vm.currentFrame()
	if f == nil {
		// Top-level return ends the script; a value-bearing return leaves
		// its result on the stack.
		vm.running = false
		return nil
	}

	ret := Null()
	if op != OpRet {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		ret = v
	}
	vm.sp = f.BaseSP
	vm.push(ret)
	vm.frames = vm.frames[:len(vm.frames)-1]
	if f.RetPC >= 0 {
		vm.jumpTo(int32(f.RetPC))
	}
	return nil
}

// callLambda runs fn to completion and returns its result. It is used by
// natives, stream operators, the pipe operator and async macrotasks, all of
// which need a value rather than a frame transfer. Compiled-region state is
// parked for the duration.
func (vm *VM) callLambda(fn *Lambda, args ...Value) (Value, error) {
	savedCompiled, savedCode, savedPC := vm.compiled, vm.code, vm.pc
	if vm.compiled != nil {
		vm.compiled = nil
		vm.code = vm.origCode
	}
	restore := func() {
		vm.compiled, vm.code, vm.pc = savedCompiled, savedCode, savedPC
	}

	depth := len(vm.frames)
	if err := vm.pushFrame(fn, args, -1); err != nil {
		restore()
		return Null(), err
	}

	for vm.running && len(vm.frames) > depth {
		if err := vm.step(); err != nil {
			restore()
			return Null(), err
		}
		if vm.pc >= len(vm.code) {
			break
		}
	}

	if len(vm.frames) > depth {
		// Fell off the stream or halted mid-call.
		vm.frames = vm.frames[:depth]
		restore()
		return Null(), nil
	}

	ret, err := vm.pop()
	restore()
	return ret, err
}

// ---------------------------------------------------------------------------
// Arithmetic helpers

func (vm *VM) intBinary(op Opcode, opPC int) error {
	b, err := vm.popInt()
	if err != nil {
		return err
	}
	a, err := vm.popInt()
	if err != nil {
		return err
	}
	var r int32
	switch op {
	case OpIadd:
		r = a + b
	case OpIsub:
		r = a - b
	case OpImul:
		r = a * b
	case OpIdiv:
		if b == 0 {
			return &VmError{Kind: ErrDivisionByZero, PC: opPC}
		}
		r = a / b
	case OpImod:
		if b == 0 {
			return &VmError{Kind: ErrDivisionByZero, PC: opPC}
		}
		r = a % b
	case OpIand:
		r = a & b
	case OpIor:
		r = a | b
	case OpIxor:
		r = a ^ b
	case OpIshl:
		r = a << (uint32(b) & 31)
	case OpIshr:
		r = a >> (uint32(b) & 31)
	case OpIushr:
		r = int32(uint32(a) >> (uint32(b) & 31))
	}
	vm.push(Int32Value(r))
	return nil
}

func (vm *VM) longBinary(op Opcode, opPC int) error {
	b, err := vm.popLong()
	if err != nil {
		return err
	}
	a, err := vm.popLong()
	if err != nil {
		return err
	}
	var r int64
	switch op {
	case OpLadd:
		r = a + b
	case OpLsub:
		r = a - b
	case OpLmul:
		r = a * b
	case OpLdiv:
		if b == 0 {
			return &VmError{Kind: ErrDivisionByZero, PC: opPC}
		}
		r = a / b
	case OpLmod:
		if b == 0 {
			return &VmError{Kind: ErrDivisionByZero, PC: opPC}
		}
		r = a % b
	case OpLand:
		r = a & b
	case OpLor:
		r = a | b
	case OpLxor:
		r = a ^ b
	case OpLshl:
		r = a << (uint64(b) & 63)
	case OpLshr:
		r = a >> (uint64(b) & 63)
	case OpLushr:
		r = int64(uint64(a) >> (uint64(b) & 63))
	}
	vm.push(Int64Value(r))
	return nil
}

func (vm *VM) floatBinary(op Opcode, opPC int) error {
	bv, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := vm.pop()
	if err != nil {
		return err
	}
	a := float32(av.ToFloat64())
	b := float32(bv.ToFloat64())
	var r float32
	switch op {
	case OpFadd:
		r = a + b
	case OpFsub:
		r = a - b
	case OpFmul:
		r = a * b
	case OpFdiv:
		r = a / b
	case OpFmod:
		r = float32(math.Mod(float64(a), float64(b)))
	}
	vm.push(Float32Value(r))
	return nil
}

func (vm *VM) doubleBinary(op Opcode, opPC int) error {
	b, err := vm.popDouble()
	if err != nil {
		return err
	}
	a, err := vm.popDouble()
	if err != nil {
		return err
	}
	var r float64
	switch op {
	case OpDadd:
		r = a + b
	case OpDsub:
		r = a - b
	case OpDmul:
		r = a * b
	case OpDdiv:
		r = a / b
	case OpDmod:
		r = math.Mod(a, b)
	}
	vm.push(Float64Value(r))
	return nil
}

func (vm *VM) convert(op Opcode) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	switch op {
	case OpI2l:
		vm.push(Int64Value(int64(v.ToInt32())))
	case OpI2f:
		vm.push(Float32Value(float32(v.ToInt32())))
	case OpI2d:
		vm.push(Float64Value(float64(v.ToInt32())))
	case OpL2i:
		vm.push(Int32Value(int32(v.ToInt64())))
	case OpL2f:
		vm.push(Float32Value(float32(v.ToInt64())))
	case OpL2d:
		vm.push(Float64Value(float64(v.ToInt64())))
	case OpF2i:
		vm.push(Int32Value(int32(float32(v.ToFloat64()))))
	case OpF2l:
		vm.push(Int64Value(int64(float32(v.ToFloat64()))))
	case OpF2d:
		vm.push(Float64Value(float64(float32(v.ToFloat64()))))
	case OpD2i:
		vm.push(Int32Value(int32(v.ToFloat64())))
	case OpD2l:
		vm.push(Int64Value(int64(v.ToFloat64())))
	case OpD2f:
		vm.push(Float32Value(float32(v.ToFloat64())))
	case OpI2b:
		vm.push(Int32Value(int32(int8(v.ToInt32()))))
	case OpI2c:
		vm.push(Int32Value(int32(uint16(v.ToInt32()))))
	case OpI2s:
		vm.push(Int32Value(int32(int16(v.ToInt32()))))
	}
	return nil
}

func intCompare(op Opcode, a, b int32) bool {
	switch op {
	case OpIeq:
		return a == b
	case OpIne:
		return a != b
	case OpIlt:
		return a < b
	case OpIge:
		return a >= b
	case OpIgt:
		return a > b
	case OpIle:
		return a <= b
	}
	return false
}

func unaryCompare(op Opcode, a int32) bool {
	switch op {
	case OpIfeq:
		return a == 0
	case OpIfne:
		return a != 0
	case OpIflt:
		return a < 0
	case OpIfge:
		return a >= 0
	case OpIfgt:
		return a > 0
	case OpIfle:
		return a <= 0
	}
	return false
}

func threeWayInt(a, b int64) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func threeWayFloat(op Opcode, a, b float64) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if op == OpFcmpg || op == OpDcmpg {
			return 1
		}
		return -1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func refEqual(a, b Value) bool {
	if a.IsNull() && b.IsNull() {
		return true
	}
	if a.Kind() == KindObjectRef && b.Kind() == KindObjectRef {
		return a.AsHandle() == b.AsHandle()
	}
	if a.Kind() == KindLambdaRef && b.Kind() == KindLambdaRef {
		return a.AsLambda() == b.AsLambda()
	}
	return false
}

// ---------------------------------------------------------------------------
// Array and print helpers

func arrayTypeFor(typeCode int32) ObjectType {
	switch typeCode {
	case TBoolean, TByte:
		return TypeArrayByte
	case TChar:
		return TypeArrayChar
	case TShort:
		return TypeArrayShort
	case TLong:
		return TypeArrayLong
	case TFloat:
		return TypeArrayFloat
	case TDouble:
		return TypeArrayDouble
	default:
		return TypeArrayInt
	}
}

func (vm *VM) popArray(opPC int) (*GCObject, error) {
	v, err := vm.pop()
	if err != nil {
		return nil, err
	}
	return vm.resolveArray(v, opPC)
}

func (vm *VM) resolveArray(v Value, opPC int) (*GCObject, error) {
	if v.Kind() != KindObjectRef {
		return nil, vmErrorf(ErrIndexOutOfBounds, opPC, "not an array: %s", v.Kind())
	}
	obj := vm.heap.Get(v.AsHandle())
	if obj == nil {
		return nil, vmErrorf(ErrIndexOutOfBounds, opPC, "stale reference <object@%d>", v.AsHandle())
	}
	if !obj.IsArray() {
		return nil, vmErrorf(ErrIndexOutOfBounds, opPC, "not an array: %s", obj.Type)
	}
	return obj, nil
}

// printValue writes numbers verbatim, heap strings by content, other
// objects by handle and null as "null".
func (vm *VM) printValue(v Value, newline bool) {
	s := v.String()
	if v.Kind() == KindObjectRef {
		if obj := vm.heap.Get(v.AsHandle()); obj == nil {
			s = "null"
		} else if obj.Type == TypeString {
			s = obj.StringValue()
		}
	}
	if newline {
		fmt.Fprintln(vm.Stdout, s)
	} else {
		fmt.Fprint(vm.Stdout, s)
	}
}
