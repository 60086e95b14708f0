package vm

import (
	"math"
	"time"
)

// NativeFunc implements a built-in callable. Args arrive in push order.
type NativeFunc func(vm *VM, args []Value) (Value, error)

// NativeEntry binds a native to its NATIVE operand index.
type NativeEntry struct {
	Name  string
	Arity int
	Fn    NativeFunc
}

// RegisterNative adds a native and returns its dispatch index.
func (vm *VM) RegisterNative(name string, arity int, fn NativeFunc) int32 {
	idx := int32(len(vm.natives))
	vm.natives = append(vm.natives, NativeEntry{Name: name, Arity: arity, Fn: fn})
	vm.nativeIndex[name] = idx
	return idx
}

// NativeIndex resolves a native's dispatch index, -1 when unknown.
func (vm *VM) NativeIndex(name string) int32 {
	if idx, ok := vm.nativeIndex[name]; ok {
		return idx
	}
	return -1
}

func (vm *VM) registerBuiltinNatives() {
	vm.RegisterNative("System.currentTimeMillis", 0, func(_ *VM, _ []Value) (Value, error) {
		return Int64Value(time.Now().UnixMilli()), nil
	})

	vm.RegisterNative("System.nanoTime", 0, func(_ *VM, _ []Value) (Value, error) {
		return Int64Value(time.Now().UnixNano()), nil
	})

	vm.RegisterNative("System.gc", 0, func(vm *VM, _ []Value) (Value, error) {
		vm.CollectGarbage()
		return Null(), nil
	})

	vm.RegisterNative("Math.sqrt", 1, func(_ *VM, args []Value) (Value, error) {
		return Float64Value(math.Sqrt(args[0].ToFloat64())), nil
	})

	vm.RegisterNative("Math.sin", 1, func(_ *VM, args []Value) (Value, error) {
		return Float64Value(math.Sin(args[0].ToFloat64())), nil
	})

	vm.RegisterNative("Math.cos", 1, func(_ *VM, args []Value) (Value, error) {
		return Float64Value(math.Cos(args[0].ToFloat64())), nil
	})

	vm.RegisterNative("Math.pow", 2, func(_ *VM, args []Value) (Value, error) {
		return Float64Value(math.Pow(args[0].ToFloat64(), args[1].ToFloat64())), nil
	})

	vm.RegisterNative("Thread.sleep", 1, func(_ *VM, args []Value) (Value, error) {
		time.Sleep(time.Duration(args[0].ToInt64()) * time.Millisecond)
		return Null(), nil
	})
}
