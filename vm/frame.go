package vm

// Lambda is a closure: an entry address into the word stream plus the values
// captured at creation time. Lambdas live outside the GC heap, but their
// captures can reference heap objects and are scanned as roots.
type Lambda struct {
	Entry    int32
	Captures []Value
}

// Frame is one lambda invocation. Each call gets its own locals, so lambda
// locals never alias the global slot table. The operand stack is shared with
// the caller; baseSP records where this frame's portion begins so returns can
// discard leftovers.
type Frame struct {
	Lambda *Lambda
	Locals []Value

	// RetPC is the absolute resume address in the caller, or -1 when the
	// frame was entered through a nested native call.
	RetPC  int
	BaseSP int
}

const defaultFrameLocals = 16

func newFrame(fn *Lambda, args []Value, retPC, baseSP int) *Frame {
	n := len(args)
	if n < defaultFrameLocals {
		n = defaultFrameLocals
	}
	locals := make([]Value, n)
	copy(locals, args)
	return &Frame{Lambda: fn, Locals: locals, RetPC: retPC, BaseSP: baseSP}
}

// Local grows the slot table on demand; unset slots read as null.
func (f *Frame) Local(index int32) Value {
	if int(index) >= len(f.Locals) {
		return Null()
	}
	return f.Locals[index]
}

func (f *Frame) SetLocal(index int32, v Value) {
	for int(index) >= len(f.Locals) {
		f.Locals = append(f.Locals, Null())
	}
	f.Locals[index] = v
}
