package vm

// register_builtins (spec.md §6): alloc/free/load/store/type as native
// globals, backed by the manual heap (spec.md §4.2 "Failure model") and
// adapted from the teacher's hardware-device dispatch table
// (DESIGN.md "Dropped / adapted teacher modules" — vm/devices.go's
// HardwareDevice.TrySend shape becomes NativeObject.Fn here).
func registerBuiltins(vm *VM) {
	vm.RegisterNative("alloc", 1, func(vm *VM, args []Value) (Value, error) {
		size, ok := args[0].AsIntOk()
		if !ok {
			return Value(0), &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "alloc expects an integer size"}
		}
		handle, err := vm.manualHeap.Alloc(int(size))
		if err != nil {
			return Value(0), err
		}
		return Int(int64(handle)), nil
	})

	vm.RegisterNative("free", 1, func(vm *VM, args []Value) (Value, error) {
		handle, ok := args[0].AsIntOk()
		if !ok {
			return Value(0), &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "free expects a handle"}
		}
		if err := vm.manualHeap.Free(ManualHandle(handle)); err != nil {
			return Value(0), err
		}
		return Null, nil
	})

	vm.RegisterNative("load", 2, func(vm *VM, args []Value) (Value, error) {
		handle, ok1 := args[0].AsIntOk()
		offset, ok2 := args[1].AsIntOk()
		if !ok1 || !ok2 {
			return Value(0), &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "load expects (handle, offset)"}
		}
		return vm.manualHeap.Load(ManualHandle(handle), int(offset))
	})

	vm.RegisterNative("store", 3, func(vm *VM, args []Value) (Value, error) {
		handle, ok1 := args[0].AsIntOk()
		offset, ok2 := args[1].AsIntOk()
		if !ok1 || !ok2 {
			return Value(0), &RuntimeError{Kind: ErrArithmeticTypeMismatch, Message: "store expects (handle, offset, value)"}
		}
		if err := vm.manualHeap.Store(ManualHandle(handle), int(offset), args[2]); err != nil {
			return Value(0), err
		}
		return Null, nil
	})

	vm.RegisterNative("type", 1, func(vm *VM, args []Value) (Value, error) {
		ref := vm.heap.InternString(args[0].TypeName())
		return Ptr(ref), nil
	})
}
