// Package vm is the stack-based interpreter: a CallFrame/dispatch-loop
// pair over an operand stack of heap.Handle — the stack holds
// non-owning references, never Entities directly — with a function
// table that also serves virtual method/field dispatch
// (CALL_METHOD/GET_FIELD/SET_FIELD).
package vm

import (
	"bufio"
	"io"
	"math/rand"
	"os"

	"github.com/Rorikss/UMKA/internal/bytecode"
	vmerrors "github.com/Rorikss/UMKA/internal/errors"
	"github.com/Rorikss/UMKA/internal/entity"
	"github.com/Rorikss/UMKA/internal/heap"
	"github.com/Rorikss/UMKA/internal/jit"
	"github.com/Rorikss/UMKA/internal/profiler"
)

// CallFrame is one activation record: its own local slots and the
// instruction view it is executing. Code is always a 0-based slice
// local to the function (either Program.Code[CodeBegin:CodeEnd] or a
// JIT-optimized replacement of the same function), so ip and jump
// targets never need program-wide rebasing.
type CallFrame struct {
	Locals     []heap.Handle
	Code       []bytecode.Instruction
	IP         int
	FunctionID int64
}

// VM executes one loaded Program to completion.
type VM struct {
	Program *bytecode.Program
	Heap    *heap.Heap
	Profiler *profiler.Profiler
	Jit      *jit.Manager

	Stdout io.Writer
	stdin  *bufio.Reader
	rng    *rand.Rand

	stack  []heap.Handle
	frames []CallFrame
}

// New builds a VM ready to run program, whose Run always starts at
// function 0 (main). heapStore's root source is wired to this VM
// automatically.
func New(program *bytecode.Program, heapStore *heap.Heap) *VM {
	v := &VM{
		Program: program,
		Heap:    heapStore,
		Profiler: profiler.New(),
		Stdout:  os.Stdout,
		stdin:   bufio.NewReader(os.Stdin),
		rng:     rand.New(rand.NewSource(1)),
	}
	heapStore.SetRoots(v.roots)
	return v
}

// roots enumerates every Handle reachable from the operand stack and
// every active frame's locals — the GC root set.
func (vm *VM) roots() []heap.Handle {
	out := make([]heap.Handle, 0, len(vm.stack))
	out = append(out, vm.stack...)
	for _, f := range vm.frames {
		out = append(out, f.Locals...)
	}
	return out
}

func (vm *VM) push(h heap.Handle) { vm.stack = append(vm.stack, h) }

func (vm *VM) pop() heap.Handle {
	n := len(vm.stack)
	h := vm.stack[n-1]
	vm.stack = vm.stack[:n-1]
	return h
}

func (vm *VM) entityOf(h heap.Handle) entity.Entity {
	obj, ok := vm.Heap.Get(h)
	if !ok {
		return entity.Unit()
	}
	return objectToEntity(h, obj)
}

func objectToEntity(h heap.Handle, obj *heap.Object) entity.Entity {
	switch obj.Kind {
	case heap.KindInt:
		return entity.Int(obj.Int)
	case heap.KindDouble:
		return entity.Double(obj.Double)
	case heap.KindBool:
		return entity.Bool(obj.Bool)
	case heap.KindString:
		return entity.String(obj.Str)
	case heap.KindArray:
		return entity.Array(int64(h))
	default:
		return entity.Unit()
	}
}

func entityToObject(e entity.Entity) heap.Object {
	switch e.Kind {
	case entity.KindInt:
		return heap.Object{Kind: heap.KindInt, Int: e.Int}
	case entity.KindDouble:
		return heap.Object{Kind: heap.KindDouble, Double: e.Double}
	case entity.KindBool:
		return heap.Object{Kind: heap.KindBool, Bool: e.Bool}
	case entity.KindString:
		return heap.Object{Kind: heap.KindString, Str: e.Str}
	default:
		return heap.Object{Kind: heap.KindUnit}
	}
}

// allocPush boxes a plain Entity into a fresh heap object and pushes
// its handle; every computed value re-enters the heap this way.
func (vm *VM) allocPush(e entity.Entity) error {
	h, err := vm.Heap.Create(entityToObject(e))
	if err != nil {
		return err
	}
	vm.push(h)
	return nil
}

func (vm *VM) popEntity() entity.Entity { return vm.entityOf(vm.pop()) }

func (vm *VM) constantEntity(c bytecode.Constant) entity.Entity {
	switch c.Type {
	case bytecode.ConstInt:
		return entity.Int(c.Int)
	case bytecode.ConstDouble:
		return entity.Double(c.Dbl)
	case bytecode.ConstString:
		return entity.String(c.Str)
	default:
		return entity.Unit()
	}
}

func codeFor(p *bytecode.Program, fe bytecode.FunctionEntry) []bytecode.Instruction {
	return p.Code[fe.CodeBegin:fe.CodeEnd]
}

func (vm *VM) pushFrame(fid int64, fe bytecode.FunctionEntry, locals []heap.Handle) {
	code := codeFor(vm.Program, fe)
	if vm.Jit != nil {
		vm.Profiler.CountEntry(fid)
		if vm.Profiler.IsHot(fid) {
			vm.Jit.RequestJIT(fid, code)
		}
		if optimized, ok := vm.Jit.TryGetJitted(fid); ok {
			// A jitted copy may reference constants folded in by the
			// optimization pipeline that don't exist in the program's
			// original pool yet; pull the manager's grown pool back in
			// before indexing into it via PUSH_CONST.
			if grown := vm.Jit.Constants(); len(grown) > len(vm.Program.Constants) {
				vm.Program.Constants = grown
			}
			code = optimized
		}
	}
	vm.frames = append(vm.frames, CallFrame{Locals: locals, Code: code, FunctionID: fid})
}

// Run executes the program starting from function id 0 (main) to
// completion, returning its final return value.
func (vm *VM) Run() (entity.Entity, error) {
	fe, ok := vm.Program.Function(0)
	if !ok {
		return entity.Entity{}, vmerrors.New(vmerrors.Resolution, 0, 0, "program has no function 0 (main)")
	}
	vm.pushFrame(0, fe, make([]heap.Handle, fe.LocalCount))

	for {
		if len(vm.frames) == 0 {
			return entity.Unit(), nil
		}
		frame := &vm.frames[len(vm.frames)-1]
		if frame.IP >= len(frame.Code) {
			return entity.Entity{}, vmerrors.New(vmerrors.Resolution, frame.IP, 0,
				"function %d fell off the end of its code without RETURN", frame.FunctionID)
		}
		instr := frame.Code[frame.IP]
		offset := frame.IP
		frame.IP++

		switch instr.Op {
		case bytecode.PushConst:
			c := vm.Program.Constants[instr.Arg]
			if err := vm.allocPush(vm.constantEntity(c)); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Pop:
			vm.pop()

		case bytecode.Store:
			frame.Locals[instr.Arg] = vm.pop()

		case bytecode.Load:
			vm.push(frame.Locals[instr.Arg])

		case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div:
			b, a := vm.popEntity(), vm.popEntity()
			result, err := entity.Arith(arithSymbol(instr.Op), a, b, offset, byte(instr.Op))
			if err != nil {
				return entity.Entity{}, err
			}
			if err := vm.allocPush(result); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Rem:
			b, a := vm.popEntity(), vm.popEntity()
			result, err := entity.Rem(a, b, offset, byte(instr.Op))
			if err != nil {
				return entity.Entity{}, err
			}
			if err := vm.allocPush(result); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Not:
			a := vm.popEntity()
			if err := vm.allocPush(entity.Bool(!a.Truthy())); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.And:
			b, a := vm.popEntity(), vm.popEntity()
			if err := vm.allocPush(entity.Bool(a.Truthy() && b.Truthy())); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Or:
			b, a := vm.popEntity(), vm.popEntity()
			if err := vm.allocPush(entity.Bool(a.Truthy() || b.Truthy())); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Eq, bytecode.Neq:
			b, a := vm.popEntity(), vm.popEntity()
			eq, err := entity.Equal(a, b)
			if err != nil {
				return entity.Entity{}, err
			}
			if instr.Op == bytecode.Neq {
				eq = !eq
			}
			if err := vm.allocPush(entity.Bool(eq)); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Gt, bytecode.Lt, bytecode.Gte, bytecode.Lte:
			b, a := vm.popEntity(), vm.popEntity()
			cmp, err := entity.Compare(a, b, offset, byte(instr.Op))
			if err != nil {
				return entity.Entity{}, err
			}
			var result bool
			switch instr.Op {
			case bytecode.Gt:
				result = cmp > 0
			case bytecode.Lt:
				result = cmp < 0
			case bytecode.Gte:
				result = cmp >= 0
			case bytecode.Lte:
				result = cmp <= 0
			}
			if err := vm.allocPush(entity.Bool(result)); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Jmp:
			vm.takeBranch(frame, instr.Arg)

		case bytecode.JmpIfFalse:
			if !vm.popEntity().Truthy() {
				vm.takeBranch(frame, instr.Arg)
			}

		case bytecode.JmpIfTrue:
			if vm.popEntity().Truthy() {
				vm.takeBranch(frame, instr.Arg)
			}

		case bytecode.Call:
			if err := vm.doCall(instr.Arg, offset); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.Return:
			h := vm.pop()
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) == 0 {
				return vm.entityOf(h), nil
			}
			vm.push(h)

		case bytecode.BuildArr:
			n := int(instr.Arg)
			elements := make([]heap.Handle, n)
			for i := n - 1; i >= 0; i-- {
				elements[i] = vm.pop()
			}
			href, err := vm.Heap.Create(heap.Object{Kind: heap.KindArray, Elements: elements})
			if err != nil {
				return entity.Entity{}, err
			}
			vm.push(href)

		case bytecode.Opcot:
			return entity.Entity{}, vmerrors.New(vmerrors.Type, offset, byte(instr.Op),
				"OPCOT is a reserved opcode and carries no defined semantics")

		case bytecode.CallMethod:
			if err := vm.doCallMethod(instr.Arg, offset); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.GetField:
			if err := vm.doGetField(instr.Arg, offset); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.SetField:
			if err := vm.doSetField(instr.Arg, offset); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.ToString:
			a := vm.popEntity()
			if err := vm.allocPush(entity.String(vm.render(a))); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.ToInt:
			a := vm.popEntity()
			result, err := entity.ToInt(a, offset, byte(instr.Op))
			if err != nil {
				return entity.Entity{}, err
			}
			if err := vm.allocPush(result); err != nil {
				return entity.Entity{}, err
			}

		case bytecode.ToDouble:
			a := vm.popEntity()
			result, err := entity.ToDouble(a, offset, byte(instr.Op))
			if err != nil {
				return entity.Entity{}, err
			}
			if err := vm.allocPush(result); err != nil {
				return entity.Entity{}, err
			}

		default:
			return entity.Entity{}, vmerrors.New(vmerrors.Type, offset, byte(instr.Op), "unknown opcode 0x%02X", byte(instr.Op))
		}
	}
}

// takeBranch applies a jump's offset, which is relative to the
// instruction immediately after the jump (frame.IP has already been
// advanced past the jump itself by the time this runs). A negative
// offset moves the IP backward or leaves it in place, which is the
// signature of a loop's back-edge.
func (vm *VM) takeBranch(frame *CallFrame, offset int64) {
	if offset < 0 {
		vm.Profiler.CountBackwardBranch(frame.FunctionID)
	}
	frame.IP += int(offset)
}

func arithSymbol(op bytecode.OpCode) byte {
	switch op {
	case bytecode.Add:
		return '+'
	case bytecode.Sub:
		return '-'
	case bytecode.Mul:
		return '*'
	case bytecode.Div:
		return '/'
	default:
		return 0
	}
}

func (vm *VM) doCall(fid int64, offset int) error {
	if bytecode.IsBuiltin(fid) {
		return vm.callBuiltin(fid, offset)
	}
	fe, ok := vm.Program.Function(fid)
	if !ok {
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.Call), "call to undefined function %d", fid)
	}
	args := make([]heap.Handle, fe.ArgCount)
	for i := int(fe.ArgCount) - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}
	locals := make([]heap.Handle, fe.LocalCount)
	copy(locals, args)
	vm.pushFrame(fid, fe, locals)
	return nil
}

func (vm *VM) classIDOf(receiver heap.Handle, offset int) (int64, *heap.Object, error) {
	obj, ok := vm.Heap.Get(receiver)
	if !ok || obj.Kind != heap.KindArray || len(obj.Elements) == 0 {
		return 0, nil, vmerrors.New(vmerrors.Type, offset, byte(bytecode.CallMethod), "receiver is not an object instance")
	}
	classObj, ok := vm.Heap.Get(obj.Elements[0])
	if !ok || classObj.Kind != heap.KindInt {
		return 0, nil, vmerrors.New(vmerrors.Type, offset, byte(bytecode.CallMethod), "object instance is missing its class tag")
	}
	return classObj.Int, obj, nil
}

func (vm *VM) doCallMethod(methodID int64, offset int) error {
	receiver := vm.pop()
	classID, _, err := vm.classIDOf(receiver, offset)
	if err != nil {
		return err
	}
	fid, ok := vm.Program.ResolveMethod(classID, methodID)
	if !ok {
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.CallMethod),
			"class %d has no method %d", classID, methodID)
	}
	fe, ok := vm.Program.Function(fid)
	if !ok {
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.CallMethod), "method resolves to undefined function %d", fid)
	}
	extra := int(fe.ArgCount) - 1
	args := make([]heap.Handle, extra)
	for i := extra - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}
	locals := make([]heap.Handle, fe.LocalCount)
	locals[0] = receiver
	copy(locals[1:], args)
	vm.pushFrame(fid, fe, locals)
	return nil
}

func (vm *VM) doGetField(fieldID int64, offset int) error {
	receiver := vm.pop()
	classID, obj, err := vm.classIDOf(receiver, offset)
	if err != nil {
		return err
	}
	idx, ok := vm.Program.ResolveField(classID, fieldID)
	if !ok || int(idx) >= len(obj.Elements) {
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.GetField), "class %d has no field %d", classID, fieldID)
	}
	vm.push(obj.Elements[idx])
	return nil
}

func (vm *VM) doSetField(fieldID int64, offset int) error {
	value := vm.pop()
	receiver := vm.pop()
	classID, obj, err := vm.classIDOf(receiver, offset)
	if err != nil {
		return err
	}
	idx, ok := vm.Program.ResolveField(classID, fieldID)
	if !ok || int(idx) >= len(obj.Elements) {
		return vmerrors.New(vmerrors.Resolution, offset, byte(bytecode.SetField), "class %d has no field %d", classID, fieldID)
	}
	elements := make([]heap.Handle, len(obj.Elements))
	copy(elements, obj.Elements)
	elements[idx] = value
	vm.Heap.Set(receiver, heap.Object{Kind: heap.KindArray, Elements: elements})
	return nil
}

// render produces the printable form of an entity, descending into
// arrays via the heap (entity.Entity.Render covers only the scalar
// kinds on its own).
func (vm *VM) render(e entity.Entity) string {
	if e.Kind != entity.KindArray {
		return e.Render()
	}
	obj, ok := vm.Heap.Get(heap.Handle(e.Handle))
	if !ok {
		return "<invalid array>"
	}
	parts := make([]string, len(obj.Elements))
	for i, h := range obj.Elements {
		parts[i] = vm.render(vm.entityOf(h))
	}
	out := "["
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out + "]"
}
