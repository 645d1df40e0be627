package passes

import (
	"reflect"
	"testing"

	"github.com/Rorikss/UMKA/internal/bytecode"
)

func internOver(pool *[]bytecode.Constant) Intern {
	return func(c bytecode.Constant) int64 {
		for i, existing := range *pool {
			if existing.Equal(c) {
				return int64(i)
			}
		}
		*pool = append(*pool, c)
		return int64(len(*pool) - 1)
	}
}

func TestConstFoldingFoldsChain(t *testing.T) {
	// 1 + 2, then * 3 => 9
	pool := []bytecode.Constant{bytecode.IntConst(1), bytecode.IntConst(2), bytecode.IntConst(3)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.PushConst, Arg: 1},
		{Op: bytecode.Add},
		{Op: bytecode.PushConst, Arg: 2},
		{Op: bytecode.Mul},
		{Op: bytecode.Return},
	}
	got := ConstFolding(code, pool, internOver(&pool))
	want := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: int64(len(pool) - 1)},
		{Op: bytecode.Return},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d: %+v", len(got), len(want), got)
	}
	if got[len(got)-1].Op != bytecode.Return {
		t.Errorf("expected trailing RETURN, got %+v", got[len(got)-1])
	}
	folded := pool[got[0].Arg]
	if folded.Type != bytecode.ConstInt || folded.Int != 9 {
		t.Errorf("folded constant = %+v, want int 9", folded)
	}
}

func TestConstFoldingSkipsDivisionByZero(t *testing.T) {
	pool := []bytecode.Constant{bytecode.IntConst(1), bytecode.IntConst(0)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.PushConst, Arg: 1},
		{Op: bytecode.Div},
	}
	got := ConstFolding(code, pool, internOver(&pool))
	if !reflect.DeepEqual(got, code) {
		t.Errorf("division by zero should not be folded, got %+v", got)
	}
}

func TestConstantPropagationReplacesLoad(t *testing.T) {
	pool := []bytecode.Constant{bytecode.IntConst(7)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.Store, Arg: 0},
		{Op: bytecode.Load, Arg: 0},
		{Op: bytecode.Return},
	}
	got := ConstantPropagation(code, pool, internOver(&pool))
	if got[2].Op != bytecode.PushConst {
		t.Fatalf("expected LOAD to be replaced by PUSH_CONST, got %+v", got[2])
	}
	if pool[got[2].Arg].Int != 7 {
		t.Errorf("propagated constant = %+v, want 7", pool[got[2].Arg])
	}
}

func TestConstantPropagationStopsAtRedefinition(t *testing.T) {
	pool := []bytecode.Constant{bytecode.IntConst(1), bytecode.IntConst(2)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0}, // 1
		{Op: bytecode.Store, Arg: 0},     // slot0 = 1
		{Op: bytecode.PushConst, Arg: 1}, // 2
		{Op: bytecode.Store, Arg: 0},     // slot0 = 2 (redefinition)
		{Op: bytecode.Load, Arg: 0},
	}
	got := ConstantPropagation(code, pool, internOver(&pool))
	// The LOAD should propagate from the *second* store (2), not the first.
	if got[4].Op != bytecode.PushConst || pool[got[4].Arg].Int != 2 {
		t.Errorf("expected LOAD to propagate the most recent store (2), got %+v", got[4])
	}
}

func TestDeadCodeEliminationDropsUnreachable(t *testing.T) {
	code := []bytecode.Instruction{
		{Op: bytecode.Jmp, Arg: 1},       // 0: jump to 2 (relative: 2 - (0+1) = 1)
		{Op: bytecode.PushConst, Arg: 0}, // 1: unreachable
		{Op: bytecode.Return},            // 2
	}
	got := DeadCodeElimination(code)
	if len(got) != 2 {
		t.Fatalf("expected unreachable instruction dropped, got %+v", got)
	}
	if got[0].Op != bytecode.Jmp || got[0].Arg != 0 {
		t.Errorf("expected retargeted jump with relative offset 0 (new site 0 -> new target 1), got %+v", got[0])
	}
	if got[1].Op != bytecode.Return {
		t.Errorf("expected RETURN at index 1, got %+v", got[1])
	}
}

func TestDeadCodeEliminationKeepsBothBranches(t *testing.T) {
	code := []bytecode.Instruction{
		{Op: bytecode.JmpIfFalse, Arg: 2}, // 0: jump to 3 (relative: 3 - (0+1) = 2)
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.Return},
		{Op: bytecode.PushConst, Arg: 1},
		{Op: bytecode.Return},
	}
	got := DeadCodeElimination(code)
	if len(got) != len(code) {
		t.Fatalf("expected both conditional branches to be kept as reachable, got %d instructions", len(got))
	}
}

func TestDeadCodeEliminationDropsDeadSubexpression(t *testing.T) {
	// PUSH 1; PUSH 2; ADD (dead: result never consumed); PUSH 0; RETURN
	pool := []bytecode.Constant{bytecode.IntConst(1), bytecode.IntConst(2), bytecode.IntConst(0)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.PushConst, Arg: 1},
		{Op: bytecode.Add},
		{Op: bytecode.PushConst, Arg: 2},
		{Op: bytecode.Return},
	}
	got := DeadCodeElimination(code)
	want := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 2},
		{Op: bytecode.Return},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v (pool %v unused)", got, want, pool)
	}
}

func TestDeadCodeEliminationKeepsSideEffectingStore(t *testing.T) {
	// PUSH 1; PUSH 2; ADD; STORE 0; PUSH 0; RETURN -- ADD feeds a STORE, must survive
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},
		{Op: bytecode.PushConst, Arg: 1},
		{Op: bytecode.Add},
		{Op: bytecode.Store, Arg: 0},
		{Op: bytecode.PushConst, Arg: 2},
		{Op: bytecode.Return},
	}
	got := DeadCodeElimination(code)
	if len(got) != len(code) {
		t.Fatalf("expected every instruction kept (ADD feeds a STORE), got %+v", got)
	}
}

func TestConstantPropagationSkipsBranchGuardedLoopCounter(t *testing.T) {
	// var i = 0
	// top: if !(i < 3) goto end
	//   i = i + 1
	//   goto top
	// end: return i
	pool := []bytecode.Constant{bytecode.IntConst(0), bytecode.IntConst(3), bytecode.IntConst(1)}
	code := []bytecode.Instruction{
		{Op: bytecode.PushConst, Arg: 0},  // 0: push 0
		{Op: bytecode.Store, Arg: 0},      // 1: i = 0
		{Op: bytecode.Load, Arg: 0},       // 2: top: load i
		{Op: bytecode.PushConst, Arg: 1},  // 3: push 3
		{Op: bytecode.Lt},                 // 4: i < 3
		{Op: bytecode.JmpIfFalse, Arg: 5}, // 5: if false goto 11 (relative: 11-(5+1)=5)
		{Op: bytecode.Load, Arg: 0},       // 6
		{Op: bytecode.PushConst, Arg: 2},  // 7: push 1
		{Op: bytecode.Add},                // 8
		{Op: bytecode.Store, Arg: 0},      // 9: i = i + 1
		{Op: bytecode.Jmp, Arg: -9},       // 10: goto top (relative: 2-(10+1)=-9)
		{Op: bytecode.Load, Arg: 0},       // 11: end: load i
		{Op: bytecode.Return},             // 12
	}
	got := ConstantPropagation(code, pool, internOver(&pool))
	if got[2].Op != bytecode.Load {
		t.Errorf("expected the loop guard's LOAD to survive propagation, got %+v", got[2])
	}
}
