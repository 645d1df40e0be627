package builder

import (
	"testing"

	"github.com/Rorikss/UMKA/internal/bytecode"
)

func TestEmitAndFinish(t *testing.T) {
	pool := NewPool()
	b := New(pool)

	idx := b.AddConst(bytecode.IntConst(42))
	b.Emit(bytecode.PushConst, idx)
	b.Emit(bytecode.Return, 0)

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(code) != 2 {
		t.Fatalf("got %d instructions, want 2", len(code))
	}
	if code[0].Op != bytecode.PushConst || code[0].Arg != idx {
		t.Errorf("instruction 0 = %+v", code[0])
	}
}

func TestForwardJumpResolves(t *testing.T) {
	pool := NewPool()
	b := New(pool)

	end := b.NewLabel()
	b.EmitJump(bytecode.Jmp, end)
	b.Emit(bytecode.Pop, 0) // skipped
	b.PlaceLabel(end)
	b.Emit(bytecode.Return, 0)

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// target index 2, site index 0: relative offset = 2 - (0+1) = 1
	if code[0].Arg != 1 {
		t.Errorf("forward jump offset = %d, want 1", code[0].Arg)
	}
}

func TestBackwardJumpResolves(t *testing.T) {
	pool := NewPool()
	b := New(pool)

	top := b.NewLabel()
	b.PlaceLabel(top)
	b.Emit(bytecode.Pop, 0)
	b.EmitJump(bytecode.Jmp, top)

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// target index 0, site index 1: relative offset = 0 - (1+1) = -2
	if code[1].Arg != -2 {
		t.Errorf("backward jump offset = %d, want -2", code[1].Arg)
	}
}

func TestFinishFailsOnUnplacedLabel(t *testing.T) {
	pool := NewPool()
	b := New(pool)

	label := b.NewLabel()
	b.EmitJump(bytecode.Jmp, label)

	if _, err := b.Finish(); err == nil {
		t.Fatalf("expected Finish to fail on an unplaced label")
	}
}

func TestConstantPoolDedupsAcrossFunctions(t *testing.T) {
	pool := NewPool()
	b1 := New(pool)
	b2 := New(pool)

	idx1 := b1.AddConst(bytecode.IntConst(7))
	idx2 := b2.AddConst(bytecode.IntConst(7))
	if idx1 != idx2 {
		t.Errorf("expected the same constant to dedup across builders sharing a pool, got %d and %d", idx1, idx2)
	}
	if len(pool.Constants()) != 1 {
		t.Errorf("expected one pooled constant, got %d", len(pool.Constants()))
	}
}
