package vm

import (
	"math"
	"sort"
)

// Stream operators work directly on heap arrays: each chainable operator
// consumes its source array and pushes a freshly allocated result array, so
// pipelines compose without a separate stream object.

func (vm *VM) streamOp(op Opcode, opPC int) error {
	switch op {

	case OpStreamNew, OpStreamTolist, OpStreamCollect:
		// The pipeline representation is the array itself.
		v, err := vm.peek()
		if err != nil {
			return err
		}
		if _, err := vm.resolveArray(v, opPC); err != nil {
			return err
		}
		return nil

	case OpStreamFilter:
		fn, src, err := vm.popLambdaAndArray(opPC)
		if err != nil {
			return err
		}
		var kept []Value
		err = vm.withArrayRooted(src, func() error {
			for i := int32(0); i < src.ArrayLength(); i++ {
				res, err := vm.callLambda(fn, src.Elem(i))
				if err != nil {
					return err
				}
				if res.IsTruthy() {
					kept = append(kept, src.Elem(i))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return vm.pushResultArray(src.Type, kept)

	case OpStreamMap:
		fn, src, err := vm.popLambdaAndArray(opPC)
		if err != nil {
			return err
		}
		mapped := make([]Value, src.ArrayLength())
		err = vm.withArrayRooted(src, func() error {
			for i := int32(0); i < src.ArrayLength(); i++ {
				res, err := vm.callLambda(fn, src.Elem(i))
				if err != nil {
					return err
				}
				mapped[i] = res
			}
			return nil
		})
		if err != nil {
			return err
		}
		return vm.pushResultArray(src.Type, mapped)

	case OpStreamReduce:
		fnv, err := vm.pop()
		if err != nil {
			return err
		}
		acc, err := vm.pop()
		if err != nil {
			return err
		}
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		if fnv.Kind() != KindLambdaRef {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "STREAM_REDUCE with %s", fnv.Kind())
		}
		fn := fnv.AsLambda()
		err = vm.withArrayRooted(src, func() error {
			for i := int32(0); i < src.ArrayLength(); i++ {
				next, err := vm.callLambda(fn, acc, src.Elem(i))
				if err != nil {
					return err
				}
				acc = next
			}
			return nil
		})
		if err != nil {
			return err
		}
		vm.push(acc)
		return nil

	case OpStreamForeach:
		fn, src, err := vm.popLambdaAndArray(opPC)
		if err != nil {
			return err
		}
		err = vm.withArrayRooted(src, func() error {
			for i := int32(0); i < src.ArrayLength(); i++ {
				if _, err := vm.callLambda(fn, src.Elem(i)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		vm.push(Null())
		return nil

	case OpStreamCount:
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		vm.push(Int32Value(src.ArrayLength()))
		return nil

	case OpStreamSum:
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		if src.Type == TypeArrayFloat || src.Type == TypeArrayDouble {
			var sum float64
			for i := int32(0); i < src.ArrayLength(); i++ {
				sum += src.Elem(i).ToFloat64()
			}
			vm.push(Float64Value(sum))
			return nil
		}
		var sum int64
		for i := int32(0); i < src.ArrayLength(); i++ {
			sum += src.Elem(i).ToInt64()
		}
		vm.push(Int64Value(sum))
		return nil

	case OpStreamMin, OpStreamMax:
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		n := src.ArrayLength()
		if n == 0 {
			vm.push(Null())
			return nil
		}
		best := src.Elem(0)
		for i := int32(1); i < n; i++ {
			v := src.Elem(i)
			less := v.ToFloat64() < best.ToFloat64()
			if (op == OpStreamMin) == less {
				best = v
			}
		}
		vm.push(best)
		return nil

	case OpStreamSort:
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		vals := arrayValues(src)
		sort.SliceStable(vals, func(i, j int) bool {
			return vals[i].ToFloat64() < vals[j].ToFloat64()
		})
		return vm.pushResultArray(src.Type, vals)

	case OpStreamDistinct:
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool)
		var out []Value
		for _, v := range arrayValues(src) {
			key := v.ToInt64()
			if src.Type == TypeArrayFloat || src.Type == TypeArrayDouble {
				key = int64(math.Float64bits(v.ToFloat64()))
			}
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		return vm.pushResultArray(src.Type, out)

	case OpStreamLimit, OpStreamSkip:
		n, err := vm.popInt()
		if err != nil {
			return err
		}
		src, err := vm.popArray(opPC)
		if err != nil {
			return err
		}
		if n < 0 {
			n = 0
		}
		if n > src.ArrayLength() {
			n = src.ArrayLength()
		}
		vals := arrayValues(src)
		if op == OpStreamLimit {
			vals = vals[:n]
		} else {
			vals = vals[n:]
		}
		return vm.pushResultArray(src.Type, vals)

	case OpStreamAnymatch, OpStreamAllmatch:
		fn, src, err := vm.popLambdaAndArray(opPC)
		if err != nil {
			return err
		}
		result := op == OpStreamAllmatch
		err = vm.withArrayRooted(src, func() error {
			for i := int32(0); i < src.ArrayLength(); i++ {
				res, err := vm.callLambda(fn, src.Elem(i))
				if err != nil {
					return err
				}
				if res.IsTruthy() == (op == OpStreamAnymatch) {
					result = op == OpStreamAnymatch
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		vm.push(BoolValue(result))
		return nil
	}

	return vmErrorf(ErrUnsupportedOpcode, opPC, "%s", op.Name())
}

func (vm *VM) popLambdaAndArray(opPC int) (*Lambda, *GCObject, error) {
	fnv, err := vm.pop()
	if err != nil {
		return nil, nil, err
	}
	if fnv.Kind() != KindLambdaRef {
		return nil, nil, vmErrorf(ErrUnsupportedOpcode, opPC, "stream operator with %s", fnv.Kind())
	}
	src, err := vm.popArray(opPC)
	if err != nil {
		return nil, nil, err
	}
	return fnv.AsLambda(), src, nil
}

// withArrayRooted keeps src alive while fn runs user lambdas that may
// trigger collection.
func (vm *VM) withArrayRooted(src *GCObject, fn func() error) error {
	ref := ObjectValue(src.Handle)
	vm.gc.AddRoot(&ref)
	defer vm.gc.RemoveRoot(&ref)
	return fn()
}

func arrayValues(src *GCObject) []Value {
	vals := make([]Value, src.ArrayLength())
	for i := range vals {
		vals[i] = src.Elem(int32(i))
	}
	return vals
}

func (vm *VM) pushResultArray(elemType ObjectType, vals []Value) error {
	// The pending values must survive a collection triggered by the
	// result allocation.
	for i := range vals {
		vm.gc.AddRoot(&vals[i])
	}
	obj, err := vm.allocateArray(elemType, int32(len(vals)))
	for i := range vals {
		vm.gc.RemoveRoot(&vals[i])
	}
	if err != nil {
		return err
	}
	for i, v := range vals {
		obj.SetElem(int32(i), v)
	}
	vm.push(ObjectValue(obj.Handle))
	return nil
}
