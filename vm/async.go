package vm

// Async opcodes bridge the interpreter to the cooperative event loop.
// ASYNC_CALL schedules a lambda as a macrotask and immediately pushes a
// promise for its eventual result; AWAIT ticks the loop until that promise
// settles.

func (vm *VM) asyncOp(op Opcode, opPC int) error {
	switch op {

	case OpAsyncCall:
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
			return vmErrorf(ErrUnsupportedOpcode, opPC, "ASYNC_CALL on %s", fnv.Kind())
		}
		fn := fnv.AsLambda()
		p := vm.loop.CreatePromise()
		vm.loop.QueueMacrotask(func() {
			res, err := vm.callLambda(fn, args...)
			if err != nil {
				vm.loop.RejectPromise(p.ID, vm.errorValue(err))
				return
			}
			vm.loop.ResolvePromise(p.ID, res)
		})
		vm.push(PromiseValue(p.ID))
		return nil

	case OpAwait:
		pv, err := vm.pop()
		if err != nil {
			return err
		}
		if pv.Kind() != KindPromiseRef {
			// Awaiting a plain value yields the value.
			vm.push(pv)
			return nil
		}
		p := vm.loop.Promise(pv.AsPromiseID())
		if p == nil {
			return vmErrorf(ErrUnsettledPromise, opPC, "unknown promise #%d", pv.AsPromiseID())
		}
		for !p.IsSettled() {
			if !vm.loop.HasRunnableWork() {
				return vmErrorf(ErrUnsettledPromise, opPC, "await would block forever on promise #%d", p.ID)
			}
			vm.loop.Tick()
		}
		// A rejected promise surfaces its reason as the awaited value.
		vm.push(p.Result)
		return nil

	case OpPromiseNew:
		p := vm.loop.CreatePromise()
		vm.push(PromiseValue(p.ID))
		return nil

	case OpPromiseResolve:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		pv, err := vm.pop()
		if err != nil {
			return err
		}
		if pv.Kind() != KindPromiseRef {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "PROMISE_RESOLVE on %s", pv.Kind())
		}
		vm.loop.ResolvePromise(pv.AsPromiseID(), v)
		return nil

	case OpPromiseReject:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		pv, err := vm.pop()
		if err != nil {
			return err
		}
		if pv.Kind() != KindPromiseRef {
			return vmErrorf(ErrUnsupportedOpcode, opPC, "PROMISE_REJECT on %s", pv.Kind())
		}
		vm.loop.RejectPromise(pv.AsPromiseID(), v)
		return nil

	case OpEventLoopTick:
		vm.loop.Tick()
		return nil
	}

	return vmErrorf(ErrUnsupportedOpcode, opPC, "%s", op.Name())
}

// errorValue renders a runtime error as a rejection reason string. The
// allocation is best-effort: if the heap itself is exhausted the rejection
// carries null.
func (vm *VM) errorValue(err error) Value {
	h, aerr := vm.InternString(err.Error())
	if aerr != nil {
		return Null()
	}
	return ObjectValue(h)
}
