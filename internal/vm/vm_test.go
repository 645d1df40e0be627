package vm

import (
	"bytes"
	"testing"

	"github.com/Rorikss/UMKA/internal/bytecode"
	"github.com/Rorikss/UMKA/internal/heap"
)

func runRaw(t *testing.T, p *bytecode.Program) (string, error) {
	t.Helper()
	p.BuildDispatchTables()
	machine := New(p, heap.New())
	var out bytes.Buffer
	machine.Stdout = &out
	result, err := machine.Run()
	if err != nil {
		return "", err
	}
	return result.Render(), nil
}

func TestVMPushConstAndReturn(t *testing.T) {
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.IntConst(99)},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 2, ArgCount: 0, LocalCount: 0}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.Return},
		},
	}
	got, err := runRaw(t, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "99" {
		t.Errorf("got %q, want %q", got, "99")
	}
}

func TestVMStoreLoadRoundTrip(t *testing.T) {
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.IntConst(5)},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 4, LocalCount: 1}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.Store, Arg: 0},
			{Op: bytecode.Load, Arg: 0},
			{Op: bytecode.Return},
		},
	}
	got, err := runRaw(t, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "5" {
		t.Errorf("got %q, want %q", got, "5")
	}
}

func TestVMJumpIfFalseSkipsBranch(t *testing.T) {
	// push false; jmp_if_false -> 4 ("skipped"); push "taken"; return; push "skipped"; return
	p := &bytecode.Program{
		Constants: []bytecode.Constant{
			bytecode.IntConst(0), // false
			bytecode.StringConst("taken"),
			bytecode.StringConst("skipped"),
		},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 6}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.JmpIfFalse, Arg: 2}, // relative: target 4 - (site 1 + 1) = 2
			{Op: bytecode.PushConst, Arg: 1},
			{Op: bytecode.Return},
			{Op: bytecode.PushConst, Arg: 2},
			{Op: bytecode.Return},
		},
	}
	got, err := runRaw(t, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "skipped" {
		t.Errorf("got %q, want %q", got, "skipped")
	}
}

func TestVMCallUserFunction(t *testing.T) {
	// main (fid 0): push 10; push 32; call fid 1; return
	// fid 1 (add): load 0; load 1; add; return
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.IntConst(10), bytecode.IntConst(32)},
		Functions: []bytecode.FunctionEntry{
			{CodeBegin: 0, CodeEnd: 4},
			{CodeBegin: 4, CodeEnd: 8, ArgCount: 2, LocalCount: 2},
		},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.PushConst, Arg: 1},
			{Op: bytecode.Call, Arg: 1},
			{Op: bytecode.Return},

			{Op: bytecode.Load, Arg: 0},
			{Op: bytecode.Load, Arg: 1},
			{Op: bytecode.Add},
			{Op: bytecode.Return},
		},
	}
	got, err := runRaw(t, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "42" {
		t.Errorf("got %q, want %q", got, "42")
	}
}

func TestVMBuildArrAndGetField(t *testing.T) {
	// object instance: [classID=0, field0=7]
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.IntConst(0), bytecode.IntConst(7)},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 5}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.PushConst, Arg: 1},
			{Op: bytecode.BuildArr, Arg: 2},
			{Op: bytecode.GetField, Arg: 0},
			{Op: bytecode.Return},
		},
		VFields: []bytecode.VFieldEntry{{ClassID: 0, FieldID: 0, FieldIndex: 1}},
	}
	got, err := runRaw(t, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "7" {
		t.Errorf("got %q, want %q", got, "7")
	}
}

func TestVMOpcotIsReservedAndFails(t *testing.T) {
	p := &bytecode.Program{
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 1}},
		Code:      []bytecode.Instruction{{Op: bytecode.Opcot}},
	}
	if _, err := runRaw(t, p); err == nil {
		t.Fatalf("expected OPCOT to fail")
	}
}

func TestVMDivisionByZeroFails(t *testing.T) {
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.IntConst(1), bytecode.IntConst(0)},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 3}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.PushConst, Arg: 1},
			{Op: bytecode.Div},
		},
	}
	if _, err := runRaw(t, p); err == nil {
		t.Fatalf("expected integer division by zero to fail")
	}
}

func TestVMBuiltinPrint(t *testing.T) {
	p := &bytecode.Program{
		Constants: []bytecode.Constant{bytecode.StringConst("hi")},
		Functions: []bytecode.FunctionEntry{{CodeBegin: 0, CodeEnd: 3}},
		Code: []bytecode.Instruction{
			{Op: bytecode.PushConst, Arg: 0},
			{Op: bytecode.Call, Arg: bytecode.BuiltinPrint},
			{Op: bytecode.Return},
		},
	}
	p.BuildDispatchTables()
	machine := New(p, heap.New())
	var out bytes.Buffer
	machine.Stdout = &out
	if _, err := machine.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "hi\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "hi\n")
	}
}
