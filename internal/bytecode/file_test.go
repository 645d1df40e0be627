package bytecode

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	p := &Program{
		Constants: []Constant{IntConst(42), StringConst("hi"), DoubleConst(3.5), UnitConst()},
		Functions: []FunctionEntry{
			{CodeBegin: 0, CodeEnd: 3, ArgCount: 0, LocalCount: 1},
		},
		Code: []Instruction{
			{Op: PushConst, Arg: 0},
			{Op: Store, Arg: 0},
			{Op: Return, Arg: 0},
		},
		VMethods: []VMethodEntry{{ClassID: 0, MethodID: 0, FunctionID: 0}},
		VFields:  []VFieldEntry{{ClassID: 0, FieldID: 0, FieldIndex: 1}},
	}

	var buf bytes.Buffer
	if err := Write(&buf, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(got.Constants) != len(p.Constants) {
		t.Fatalf("constants: got %d, want %d", len(got.Constants), len(p.Constants))
	}
	for i, c := range p.Constants {
		if !got.Constants[i].Equal(c) {
			t.Errorf("constant %d: got %+v, want %+v", i, got.Constants[i], c)
		}
	}
	if len(got.Code) != len(p.Code) {
		t.Fatalf("code: got %d instructions, want %d", len(got.Code), len(p.Code))
	}
	for i, instr := range p.Code {
		if got.Code[i] != instr {
			t.Errorf("instruction %d: got %+v, want %+v", i, got.Code[i], instr)
		}
	}
	if fid, ok := got.ResolveMethod(0, 0); !ok || fid != 0 {
		t.Errorf("ResolveMethod: got (%d, %v)", fid, ok)
	}
	if idx, ok := got.ResolveField(0, 0); !ok || idx != 1 {
		t.Errorf("ResolveField: got (%d, %v)", idx, ok)
	}
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	p := &Program{Constants: []Constant{IntConst(1)}, Functions: []FunctionEntry{{0, 1, 0, 0}}, Code: []Instruction{{Op: Return}}}
	var buf bytes.Buffer
	if err := Write(&buf, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := Read(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected Read to fail on truncated input")
	}
}

func TestReadRejectsBadVersion(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})); err == nil {
		t.Fatalf("expected Read to reject unknown version byte")
	}
}
