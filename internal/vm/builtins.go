package vm

import (
	"fmt"

	"github.com/Rorikss/UMKA/internal/bytecode"
	vmerrors "github.com/Rorikss/UMKA/internal/errors"
	"github.com/Rorikss/UMKA/internal/entity"
	"github.com/Rorikss/UMKA/internal/heap"
)

// callBuiltin dispatches one of the reserved builtin ids, popping
// BuiltinArity(fid) argument handles and pushing exactly one result
// handle, the calling convention every CALL site assumes.
func (vm *VM) callBuiltin(fid int64, offset int) error {
	arity := int(bytecode.BuiltinArity(fid))
	args := make([]heap.Handle, arity)
	for i := arity - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}

	switch fid {
	case bytecode.BuiltinPrint:
		fmt.Fprintln(vm.Stdout, vm.render(vm.entityOf(args[0])))
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinLen:
		obj, ok := vm.Heap.Get(args[0])
		if !ok || obj.Kind != heap.KindArray {
			return vmerrors.New(vmerrors.Type, offset, byte(bytecode.Call), "len() requires an array")
		}
		return vm.allocPush(entity.Int(int64(len(obj.Elements))))

	case bytecode.BuiltinGet:
		obj, ok := vm.Heap.Get(args[0])
		if !ok || obj.Kind != heap.KindArray {
			return vmerrors.New(vmerrors.Type, offset, byte(bytecode.Call), "get() requires an array")
		}
		idx := vm.entityOf(args[1]).AsInt()
		if idx < 0 || int(idx) >= len(obj.Elements) {
			return vmerrors.New(vmerrors.Bounds, offset, byte(bytecode.Call), "index %d out of bounds for array of length %d", idx, len(obj.Elements))
		}
		vm.push(obj.Elements[idx])
		return nil

	case bytecode.BuiltinSet:
		obj, ok := vm.Heap.Get(args[0])
		if !ok || obj.Kind != heap.KindArray {
			return vmerrors.New(vmerrors.Type, offset, byte(bytecode.Call), "set() requires an array")
		}
		idx := vm.entityOf(args[1]).AsInt()
		if idx < 0 || int(idx) >= len(obj.Elements) {
			return vmerrors.New(vmerrors.Bounds, offset, byte(bytecode.Call), "index %d out of bounds for array of length %d", idx, len(obj.Elements))
		}
		elements := make([]heap.Handle, len(obj.Elements))
		copy(elements, obj.Elements)
		elements[idx] = args[2]
		vm.Heap.Set(args[0], heap.Object{Kind: heap.KindArray, Elements: elements})
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinAddElem:
		obj, ok := vm.Heap.Get(args[0])
		if !ok || obj.Kind != heap.KindArray {
			return vmerrors.New(vmerrors.Type, offset, byte(bytecode.Call), "add_elem() requires an array")
		}
		elements := append(append([]heap.Handle{}, obj.Elements...), args[1])
		vm.Heap.Set(args[0], heap.Object{Kind: heap.KindArray, Elements: elements})
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinRemove:
		obj, ok := vm.Heap.Get(args[0])
		if !ok || obj.Kind != heap.KindArray {
			return vmerrors.New(vmerrors.Type, offset, byte(bytecode.Call), "remove() requires an array")
		}
		idx := vm.entityOf(args[1]).AsInt()
		if idx < 0 || int(idx) >= len(obj.Elements) {
			return vmerrors.New(vmerrors.Bounds, offset, byte(bytecode.Call), "index %d out of bounds for array of length %d", idx, len(obj.Elements))
		}
		elements := make([]heap.Handle, 0, len(obj.Elements)-1)
		elements = append(elements, obj.Elements[:idx]...)
		elements = append(elements, obj.Elements[idx+1:]...)
		vm.Heap.Set(args[0], heap.Object{Kind: heap.KindArray, Elements: elements})
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinWrite:
		fmt.Fprint(vm.Stdout, vm.render(vm.entityOf(args[0])))
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinRead:
		line, err := vm.stdin.ReadString('\n')
		if err != nil && line == "" {
			return vm.allocPush(entity.String(""))
		}
		return vm.allocPush(entity.String(trimNewline(line)))

	case bytecode.BuiltinInput:
		line, err := vm.stdin.ReadString('\n')
		if err != nil && line == "" {
			return vm.allocPush(entity.String(""))
		}
		return vm.allocPush(entity.String(trimNewline(line)))

	case bytecode.BuiltinAssert:
		if !vm.entityOf(args[0]).Truthy() {
			return vmerrors.New(vmerrors.Assertion, offset, byte(bytecode.Call), "assertion failed")
		}
		return vm.allocPush(entity.Unit())

	case bytecode.BuiltinRandom:
		return vm.allocPush(entity.Double(vm.rng.Float64()))

	default:
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.Call), "unknown builtin id %d", fid)
	}
}

func trimNewline(s string) string {
	n := len(s)
	if n > 0 && s[n-1] == '\n' {
		n--
		if n > 0 && s[n-1] == '\r' {
			n--
		}
	}
	return s[:n]
}
