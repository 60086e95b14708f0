package vm

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVM() (*VM, *bytes.Buffer) {
	cfg := DefaultVMConfig()
	cfg.GC = testGCConfig()
	m := NewVM(cfg)
	var out bytes.Buffer
	m.Stdout = &out
	return m, &out
}

func runProgram(t *testing.T, code []int32) (*VM, string) {
	t.Helper()
	m, out := newTestVM()
	m.SetProgram(code)
	if err := m.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return m, out.String()
}

func wantErrKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	var ve *VmError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *VmError", err)
	}
	if ve.Kind != kind {
		t.Errorf("error kind = %v, want %v", ve.Kind, kind)
	}
}

func TestAddAndPrint(t *testing.T) {
	code := NewBuilder().
		EmitPushInt(10).
		EmitPushInt(20).
		Emit(OpIadd).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()

	m, out := runProgram(t, code)
	if out != "30" {
		t.Errorf("output = %q, want 30", out)
	}
	if m.InstructionsExecuted != 5 {
		t.Errorf("instructions executed = %d, want 5", m.InstructionsExecuted)
	}
	if m.StackDepth() != 0 {
		t.Errorf("stack depth = %d, want 0", m.StackDepth())
	}
}

func TestIntArithmetic(t *testing.T) {
	cases := []struct {
		op   Opcode
		a, b int32
		want int32
	}{
		{OpIadd, 7, 3, 10},
		{OpIsub, 7, 3, 4},
		{OpImul, 7, 3, 21},
		{OpIdiv, 7, 3, 2},
		{OpImod, 7, 3, 1},
		{OpIdiv, -7, 2, -3},
		{OpIand, 0b1100, 0b1010, 0b1000},
		{OpIor, 0b1100, 0b1010, 0b1110},
		{OpIxor, 0b1100, 0b1010, 0b0110},
		{OpIshl, 1, 4, 16},
		{OpIshr, -16, 2, -4},
		{OpIushr, -1, 28, 15},
		{OpIshl, 1, 33, 2}, // shift amount masked to 5 bits
	}
	for _, c := range cases {
		code := NewBuilder().
			EmitPushInt(c.a).
			EmitPushInt(c.b).
			Emit(c.op).
			Emit(OpHalt).
			Build()
		m, _ := runProgram(t, code)
		v, err := m.pop()
		if err != nil {
			t.Fatal(err)
		}
		if got := v.AsInt32(); got != c.want {
			t.Errorf("%s(%d, %d) = %d, want %d", c.op.Name(), c.a, c.b, got, c.want)
		}
	}
}

func TestDivisionByZero(t *testing.T) {
	for _, op := range []Opcode{OpIdiv, OpImod, OpLdiv, OpLmod} {
		b := NewBuilder()
		if op == OpLdiv || op == OpLmod {
			b.EmitPushLong(7).EmitPushLong(0)
		} else {
			b.EmitPushInt(7).EmitPushInt(0)
		}
		b.Emit(op).Emit(OpHalt)

		m, _ := newTestVM()
		m.SetProgram(b.Build())
		err := m.Run()
		if err == nil {
			t.Fatalf("%s by zero did not fail", op.Name())
		}
		wantErrKind(t, err, ErrDivisionByZero)
	}
}

func TestLongArithmetic(t *testing.T) {
	code := NewBuilder().
		EmitPushLong(3_000_000_000).
		EmitPushLong(4_000_000_000).
		Emit(OpLadd).
		Emit(OpHalt).
		Build()
	m, _ := runProgram(t, code)
	v, _ := m.pop()
	if got := v.AsInt64(); got != 7_000_000_000 {
		t.Errorf("LADD = %d, want 7000000000", got)
	}
}

func TestDoubleArithmetic(t *testing.T) {
	code := NewBuilder().
		EmitPushDouble(1.5).
		EmitPushDouble(2.25).
		Emit(OpDmul).
		Emit(OpPrintln).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "3.375\n" {
		t.Errorf("output = %q, want 3.375", out)
	}
}

func TestCompactConstants(t *testing.T) {
	code := NewBuilder().
		Emit(OpIconst3).
		Emit(OpIconstM1).
		Emit(OpIadd).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "2" {
		t.Errorf("output = %q, want 2", out)
	}
}

func TestStackManipulation(t *testing.T) {
	code := NewBuilder().
		EmitPushInt(1).
		EmitPushInt(2).
		Emit(OpSwap).
		Emit(OpIsub). // 2 - 1
		Emit(OpDup).
		Emit(OpIadd). // 1 + 1
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "2" {
		t.Errorf("output = %q, want 2", out)
	}
}

func TestStackUnderflow(t *testing.T) {
	m, _ := newTestVM()
	m.SetProgram([]int32{int32(OpIadd), int32(OpHalt)})
	err := m.Run()
	if err == nil {
		t.Fatal("expected underflow error")
	}
	wantErrKind(t, err, ErrStackUnderflow)
}

func TestConditionalLoop(t *testing.T) {
	// sum = 0; i = 5; while (i != 0) { sum += i; i-- } ; print sum
	b := NewBuilder()
	b.EmitPushInt(0).Emit(OpStoreGlobal, 0) // sum
	b.EmitPushInt(5).Emit(OpStoreGlobal, 1) // i

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

	_, out := runProgram(t, b.Build())
	if out != "15" {
		t.Errorf("output = %q, want 15", out)
	}
}

func TestComparisonBranches(t *testing.T) {
	// if (3 < 5) print 1 else print 0
	b := NewBuilder()
	elseL := b.NewLabel()
	endL := b.NewLabel()
	b.EmitPushInt(3)
	b.EmitPushInt(5)
	b.EmitJump(OpIfIcmpge, elseL)
	b.EmitPushInt(1)
	b.Emit(OpPrint)
	b.EmitJump(OpJmp, endL)
	b.Mark(elseL)
	b.EmitPushInt(0)
	b.Emit(OpPrint)
	b.Mark(endL)
	b.Emit(OpHalt)

	_, out := runProgram(t, b.Build())
	if out != "1" {
		t.Errorf("output = %q, want 1", out)
	}
}

func TestFloatCompareNaN(t *testing.T) {
	b := NewBuilder()
	b.EmitPushFloat(0)
	b.EmitPushFloat(0)
	b.Emit(OpFdiv) // 0/0 = NaN
	b.EmitPushFloat(1)
	b.Emit(OpFcmpg)
	b.Emit(OpPrint)
	b.Emit(OpHalt)

	_, out := runProgram(t, b.Build())
	if out != "1" {
		t.Errorf("FCMPG with NaN = %q, want 1", out)
	}
}

func TestConversions(t *testing.T) {
	// I2B sign extension
	code := NewBuilder().
		EmitPushInt(0x1FF).
		Emit(OpI2b).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "-1" {
		t.Errorf("I2B(0x1FF) = %q, want -1", out)
	}

	code = NewBuilder().
		EmitPushDouble(3.99).
		Emit(OpD2i).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out = runProgram(t, code)
	if out != "3" {
		t.Errorf("D2I(3.99) = %q, want 3", out)
	}
}

func TestStringPrintingAndInterning(t *testing.T) {
	m, out := newTestVM()
	idx := m.AddString("hello kava")
	code := NewBuilder().
		Emit(OpPushString, idx).
		Emit(OpPrintln).
		Emit(OpPushString, idx).
		Emit(OpPushString, idx).
		Emit(OpAcmpeq).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	m.SetProgram(code)
	if err := m.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != "hello kava\n1" {
		t.Errorf("output = %q, want %q", out.String(), "hello kava\n1")
	}
}

func TestNullChecks(t *testing.T) {
	code := NewBuilder().
		Emit(OpPushNull).
		Emit(OpAnull).
		Emit(OpPrint).
		EmitPushInt(1).
		Emit(OpAnnull).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "11" {
		t.Errorf("output = %q, want 11", out)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	// arr = new int[3]; arr[1] = 99; print arr[1]; print arr.length
	b := NewBuilder()
	b.EmitPushInt(3)
	b.Emit(OpNewarray, TInt)
	b.Emit(OpAstore, 0)

	b.Emit(OpAload, 0)
	b.EmitPushInt(1)
	b.EmitPushInt(99)
	b.Emit(OpIastore)

	b.Emit(OpAload, 0)
	b.EmitPushInt(1)
	b.Emit(OpIaload)
	b.Emit(OpPrintln)

	b.Emit(OpAload, 0)
	b.Emit(OpArraylength)
	b.Emit(OpPrintln)
	b.Emit(OpHalt)

	_, out := runProgram(t, b.Build())
	if out != "99\n3\n" {
		t.Errorf("output = %q, want %q", out, "99\n3\n")
	}
}

func TestArrayBounds(t *testing.T) {
	b := NewBuilder()
	b.EmitPushInt(2)
	b.Emit(OpNewarray, TInt)
	b.EmitPushInt(5)
	b.Emit(OpIaload)
	b.Emit(OpHalt)

	m, _ := newTestVM()
	m.SetProgram(b.Build())
	err := m.Run()
	if err == nil {
		t.Fatal("expected bounds error")
	}
	wantErrKind(t, err, ErrIndexOutOfBounds)
}

func TestNullArrayAccess(t *testing.T) {
	code := NewBuilder().
		Emit(OpPushNull).
		Emit(OpArraylength).
		Emit(OpHalt).
		Build()

	m, _ := newTestVM()
	m.SetProgram(code)
	err := m.Run()
	if err == nil {
		t.Fatal("expected error for null array")
	}
	wantErrKind(t, err, ErrIndexOutOfBounds)
}

func TestLambdaCallWithCapture(t *testing.T) {
	b := NewBuilder()
	main := b.NewLabel()
	b.EmitJump(OpJmp, main)

	// fn(x) = x + captured
	body := b.PC()
	b.Emit(OpIload, 0)
	b.Emit(OpCaptureLoad, 0)
	b.Emit(OpIadd)
	b.Emit(OpIret)

	b.Mark(main)
	b.EmitPushInt(5) // capture
	b.Emit(OpLambdaNew, int32(body), 1)
	b.EmitPushInt(10) // argument
	b.Emit(OpLambdaCall, 1)
	b.Emit(OpPrint)
	b.Emit(OpHalt)

	m, out := runProgram(t, b.Build())
	if out != "15" {
		t.Errorf("output = %q, want 15", out)
	}
	if m.LambdaCalls != 1 {
		t.Errorf("lambda calls = %d, want 1", m.LambdaCalls)
	}
}

func TestLambdaLocalsAreIsolated(t *testing.T) {
	// The lambda writes slot 0; global slot 0 must be untouched.
	b := NewBuilder()
	main := b.NewLabel()
	b.EmitJump(OpJmp, main)

	body := b.PC()
	b.EmitPushInt(777)
	b.Emit(OpIstore, 0)
	b.Emit(OpRet)

	b.Mark(main)
	b.EmitPushInt(1)
	b.Emit(OpStoreGlobal, 0)
	b.Emit(OpLambdaNew, int32(body), 0)
	b.Emit(OpLambdaCall, 0)
	b.Emit(OpPop) // discard the null return
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpPrint)
	b.Emit(OpHalt)

	_, out := runProgram(t, b.Build())
	if out != "1" {
		t.Errorf("output = %q, want 1 (lambda locals leaked into globals)", out)
	}
}

func TestPipeOperator(t *testing.T) {
	b := NewBuilder()
	main := b.NewLabel()
	b.EmitJump(OpJmp, main)

	// double(x) = x + x
	body := b.PC()
	b.Emit(OpIload, 0)
	b.Emit(OpIload, 0)
	b.Emit(OpIadd)
	b.Emit(OpIret)

	b.Mark(main)
	b.EmitPushInt(21)
	b.Emit(OpLambdaNew, int32(body), 0)
	b.Emit(OpPipe)
	b.Emit(OpPrint)
	b.Emit(OpHalt)

	_, out := runProgram(t, b.Build())
	if out != "42" {
		t.Errorf("output = %q, want 42", out)
	}
}

func TestCallDepthExceeded(t *testing.T) {
	b := NewBuilder()
	main := b.NewLabel()
	b.EmitJump(OpJmp, main)

	// fn() = fn()
	body := b.PC()
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpLambdaCall, 0)
	b.Emit(OpRet)

	b.Mark(main)
	b.Emit(OpLambdaNew, int32(body), 0)
	b.Emit(OpStoreGlobal, 0)
	b.Emit(OpLoadGlobal, 0)
	b.Emit(OpLambdaCall, 0)
	b.Emit(OpHalt)

	cfg := DefaultVMConfig()
	cfg.GC = testGCConfig()
	cfg.MaxCallDepth = 32
	m := NewVM(cfg)
	m.Stdout = &bytes.Buffer{}
	m.SetProgram(b.Build())
	err := m.Run()
	if err == nil {
		t.Fatal("expected call depth error")
	}
	wantErrKind(t, err, ErrCallDepthExceeded)
}

func TestTopLevelReturnHalts(t *testing.T) {
	code := NewBuilder().
		EmitPushInt(9).
		Emit(OpRet).
		EmitPushInt(1). // unreachable
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "" {
		t.Errorf("output = %q, want empty (RET should end the script)", out)
	}
}

func TestNativeCall(t *testing.T) {
	m, out := newTestVM()
	idx := m.NativeIndex("Math.sqrt")
	if idx < 0 {
		t.Fatal("Math.sqrt not registered")
	}
	code := NewBuilder().
		EmitPushDouble(64).
		Emit(OpNative, idx).
		Emit(OpPrint).
		Emit(OpHalt).
		Build()
	m.SetProgram(code)
	if err := m.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.String() != "8" {
		t.Errorf("output = %q, want 8", out.String())
	}
}

func TestSuperinstructions(t *testing.T) {
	// SUPER_PUSH_STORE g0=6, g1=7; SUPER_LOAD_LOAD_MUL g0*g1
	code := NewBuilder().
		Emit(SuperPushStore, 6, 0).
		Emit(SuperPushStore, 7, 1).
		Emit(SuperLoadLoadAdd, 0, 1).
		Emit(OpPrintln).
		Emit(SuperLoadLoadMul, 0, 1).
		Emit(OpPrintln).
		Emit(OpHalt).
		Build()
	_, out := runProgram(t, code)
	if out != "13\n42\n" {
		t.Errorf("output = %q, want %q", out, "13\n42\n")
	}
}

func TestSuperLoadCmpJz(t *testing.T) {
	// g0 = 3; if (g0 < 10) print 1 else print 0
	code := []int32{
		int32(SuperPushStore), 3, 0,
		int32(SuperLoadCmpJz), 0, 10, int32(OpIlt), 12,
		int32(OpPushInt), 1,
		int32(OpPrint),
		int32(OpHalt),
		int32(OpPushInt), 0, // pc 12: else branch
		int32(OpPrint),
		int32(OpHalt),
	}

	_, out := runProgram(t, code)
	if out != "1" {
		t.Errorf("output = %q, want 1", out)
	}
}

func TestUnknownOpcode(t *testing.T) {
	m, _ := newTestVM()
	m.SetProgram([]int32{0x1A, int32(OpHalt)})
	err := m.Run()
	if err == nil {
		t.Fatal("expected unknown opcode error")
	}
	wantErrKind(t, err, ErrUnknownOpcode)
}

func TestClassOpcodeIsUnsupported(t *testing.T) {
	m, _ := newTestVM()
	m.SetProgram([]int32{int32(OpPushClass), 0, int32(OpHalt)})
	err := m.Run()
	if err == nil {
		t.Fatal("expected unsupported opcode error")
	}
	wantErrKind(t, err, ErrUnsupportedOpcode)
}

func TestUnsupportedOpcode(t *testing.T) {
	m, _ := newTestVM()
	m.SetProgram([]int32{int32(OpNew), 0, int32(OpHalt)})
	err := m.Run()
	if err == nil {
		t.Fatal("expected unsupported opcode error")
	}
	wantErrKind(t, err, ErrUnsupportedOpcode)
}

func TestRunWithoutProgram(t *testing.T) {
	m, _ := newTestVM()
	m.code = nil
	if err := m.Run(); err == nil {
		t.Error("expected error for missing program")
	}
}
