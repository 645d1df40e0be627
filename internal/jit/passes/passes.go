// Package passes implements optimization passes over
// []bytecode.Instruction (ConstantPropagation, ConstFolding,
// DeadCodeElimination), pipelined together by the JIT manager. Every
// pass takes and returns a fresh instruction slice — they never mutate
// the interpreter's live code, since the manager always hands them a
// defensive copy.
package passes

import "github.com/Rorikss/UMKA/internal/bytecode"

// Intern appends a constant to the shared pool (deduping is the
// caller's business) and returns its index.
type Intern func(bytecode.Constant) int64

func isBarrier(op bytecode.OpCode) bool {
	switch op {
	case bytecode.Jmp, bytecode.JmpIfFalse, bytecode.JmpIfTrue,
		bytecode.Call, bytecode.CallMethod, bytecode.Return:
		return true
	default:
		return false
	}
}

// branchGuardedSlots finds every local slot that ever feeds a branch
// condition: a Load of that slot reachable, through a run of non-barrier
// instructions, to a JMP_IF_FALSE/JMP_IF_TRUE before any intervening
// re-store. Constant-folding such a load is unsound across a loop back
// edge — a loop guard reads the slot on every iteration, not just the
// first — so these slots are blacklisted wholesale rather than
// per-occurrence.
func branchGuardedSlots(code []bytecode.Instruction) map[int64]bool {
	const lookahead = 20

	guarded := map[int64]bool{}
	for i, instr := range code {
		if instr.Op != bytecode.Load {
			continue
		}
		slot := instr.Arg
		if guarded[slot] {
			continue
		}
		limit := i + 1 + lookahead
		if limit > len(code) {
			limit = len(code)
		}
		for j := i + 1; j < limit; j++ {
			op := code[j].Op
			if op == bytecode.JmpIfFalse || op == bytecode.JmpIfTrue {
				guarded[slot] = true
				break
			}
			if op == bytecode.Store && code[j].Arg == slot {
				break // redefined before reaching a branch, this load doesn't guard one
			}
			if isBarrier(op) {
				break
			}
		}
	}
	return guarded
}

// ConstantPropagation replaces a LOAD of a slot with a PUSH_CONST of the
// value most recently stored into it, when that store is an immediately
// preceding PUSH_CONST and no intervening barrier or re-store could have
// changed the slot — the same barrier-bounded forward scan
// const_propagation.h runs, capped at the same 20-instruction lookahead.
// Slots a branchGuardedSlots pre-pass marks as feeding a branch condition
// are never rewritten: propagating a loop guard's only load turns it into
// a constant true/false and the optimized loop no longer terminates the
// way the unoptimized one does.
func ConstantPropagation(code []bytecode.Instruction, constants []bytecode.Constant, intern Intern) []bytecode.Instruction {
	const lookahead = 20

	guarded := branchGuardedSlots(code)

	out := make([]bytecode.Instruction, len(code))
	copy(out, code)

	for i := 1; i < len(out); i++ {
		if out[i].Op != bytecode.Store {
			continue
		}
		prev := out[i-1]
		if prev.Op != bytecode.PushConst {
			continue
		}
		known := constants[prev.Arg]
		slot := out[i].Arg
		if guarded[slot] {
			continue
		}

		limit := i + 1 + lookahead
		if limit > len(out) {
			limit = len(out)
		}
		for j := i + 1; j < limit; j++ {
			if out[j].Op == bytecode.Store && out[j].Arg == slot {
				break // slot redefined, stop propagating this value
			}
			if out[j].Op == bytecode.Load && out[j].Arg == slot {
				out[j] = bytecode.Instruction{Op: bytecode.PushConst, Arg: intern(known)}
				continue
			}
			if isBarrier(out[j].Op) {
				break
			}
		}
	}
	return out
}

func evalFold(op bytecode.OpCode, a, b int64) (int64, bool) {
	switch op {
	case bytecode.Add:
		return a + b, true
	case bytecode.Sub:
		return a - b, true
	case bytecode.Mul:
		return a * b, true
	case bytecode.Div:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case bytecode.Rem:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case bytecode.Lt:
		return boolInt(a < b), true
	case bytecode.Gt:
		return boolInt(a > b), true
	case bytecode.Lte:
		return boolInt(a <= b), true
	case bytecode.Gte:
		return boolInt(a >= b), true
	case bytecode.Eq:
		return boolInt(a == b), true
	case bytecode.Neq:
		return boolInt(a != b), true
	case bytecode.And:
		return boolInt(a != 0 && b != 0), true
	case bytecode.Or:
		return boolInt(a != 0 || b != 0), true
	default:
		return 0, false
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ConstFolding evaluates runs of PUSH_CONST PUSH_CONST <foldable op> at
// compile time, folding the pair into a single PUSH_CONST — an int64-only
// accumulator, matching const_folding.h's restriction to integral
// constants. It repeats to a fixpoint so chained arithmetic
// (PUSH 1, PUSH 2, ADD, PUSH 3, MUL) folds completely.
func ConstFolding(code []bytecode.Instruction, constants []bytecode.Constant, intern Intern) []bytecode.Instruction {
	cur := make([]bytecode.Instruction, len(code))
	copy(cur, code)

	for pass := 0; pass < len(cur)+1; pass++ {
		out := make([]bytecode.Instruction, 0, len(cur))
		changed := false
		for i := 0; i < len(cur); i++ {
			if i+2 < len(cur) && cur[i].Op == bytecode.PushConst && cur[i+1].Op == bytecode.PushConst && bytecode.IsFoldableBinary(cur[i+2].Op) {
				ca := constants[cur[i].Arg]
				cb := constants[cur[i+1].Arg]
				if ca.Type == bytecode.ConstInt && cb.Type == bytecode.ConstInt {
					if result, ok := evalFold(cur[i+2].Op, ca.Int, cb.Int); ok {
						out = append(out, bytecode.Instruction{Op: bytecode.PushConst, Arg: intern(bytecode.IntConst(result))})
						i += 2
						changed = true
						continue
					}
				}
			}
			out = append(out, cur[i])
		}
		cur = out
		if !changed {
			break
		}
	}
	return cur
}

// jumpTarget resolves a jump's relative operand (target - (site + 1)) to
// an absolute instruction index.
func jumpTarget(code []bytecode.Instruction, site int) int {
	return site + 1 + int(code[site].Arg)
}

// isForced reports whether op must survive the stack-demand pass
// regardless of whether its produced value (if any) is ever consumed:
// it either has a side effect (STORE/RETURN/CALL/CALL_METHOD/POP/
// SET_FIELD) or is itself control flow (JMP/JMP_IF_FALSE/JMP_IF_TRUE).
func isForced(op bytecode.OpCode) bool {
	switch op {
	case bytecode.Store, bytecode.Return, bytecode.Call, bytecode.CallMethod,
		bytecode.Pop, bytecode.SetField,
		bytecode.Jmp, bytecode.JmpIfFalse, bytecode.JmpIfTrue:
		return true
	default:
		return false
	}
}

// valuePops reports how many stack slots op consumes and whether it
// produces exactly one value whose liveness is demand-gated (false for
// instructions handled as forced side effects instead).
func valuePops(code []bytecode.Instruction, i int) (pops int, producesValue bool) {
	switch code[i].Op {
	case bytecode.PushConst, bytecode.Load:
		return 0, true
	case bytecode.Not, bytecode.ToString, bytecode.ToInt, bytecode.ToDouble, bytecode.GetField:
		return 1, true
	case bytecode.Add, bytecode.Sub, bytecode.Mul, bytecode.Div, bytecode.Rem,
		bytecode.And, bytecode.Or, bytecode.Eq, bytecode.Neq,
		bytecode.Gt, bytecode.Lt, bytecode.Gte, bytecode.Lte:
		return 2, true
	case bytecode.BuildArr:
		return int(code[i].Arg), true
	default:
		return 0, false
	}
}

// livenessByDemand runs a reverse pass over the reachable instructions,
// keeping a value-producing instruction only when something downstream
// still demands the value it produces, it is forced by a side effect
// (STORE/RETURN/CALL/CALL_METHOD/POP/SET_FIELD), is control flow itself
// (JMP/JMP_IF_FALSE/JMP_IF_TRUE), or is a branch target — a join point no
// single linear backward scan can prove dead. demand is a running count
// of outstanding stack slots later (already-visited, since this scans
// backward) instructions still need filled; keeping an instruction that
// pops n values and satisfied one unit of demand nets demand += n - 1.
// CALL/CALL_METHOD have unknown arity from the instruction stream alone,
// so once one is seen the pass stops pruning anything further back in
// the same function — conservative, but sound.
func livenessByDemand(code []bytecode.Instruction, reachable, isTarget []bool) []bool {
	keep := make([]bool, len(code))
	demand := 0
	opaque := false

	for i := len(code) - 1; i >= 0; i-- {
		if !reachable[i] {
			continue
		}

		if opaque {
			keep[i] = true
			continue
		}

		if isForced(code[i].Op) {
			keep[i] = true
			switch code[i].Op {
			case bytecode.Call, bytecode.CallMethod:
				opaque = true
			case bytecode.Store, bytecode.Pop, bytecode.Return, bytecode.JmpIfFalse, bytecode.JmpIfTrue:
				demand++
			case bytecode.SetField:
				demand += 2
			}
			continue
		}

		pops, producesValue := valuePops(code, i)
		if !producesValue {
			keep[i] = true // unrecognized op, conservative
			continue
		}
		if demand == 0 && !isTarget[i] {
			continue // dead: nothing downstream needs this value
		}
		keep[i] = true
		if demand > 0 {
			demand--
		}
		demand += pops
	}
	return keep
}

// DeadCodeElimination removes instructions unreachable from entry 0
// (following fall-through and every jump edge, both branches of a
// conditional, since it does not try to prove either side statically
// unreachable) and, among what remains reachable, any value-producing
// instruction whose result nothing downstream demands, the way a
// PUSH/PUSH/ADD left over from an optimized-away subexpression is
// discarded alongside it. Jump offsets are recomputed relative to the
// compacted stream's new indices.
func DeadCodeElimination(code []bytecode.Instruction) []bytecode.Instruction {
	if len(code) == 0 {
		return code
	}
	reachable := make([]bool, len(code))
	var walk func(i int)
	walk = func(i int) {
		if i < 0 || i >= len(code) || reachable[i] {
			return
		}
		reachable[i] = true
		switch code[i].Op {
		case bytecode.Jmp:
			walk(jumpTarget(code, i))
		case bytecode.JmpIfFalse, bytecode.JmpIfTrue:
			walk(jumpTarget(code, i))
			walk(i + 1)
		case bytecode.Return:
			// terminal, no fall-through
		default:
			walk(i + 1)
		}
	}
	walk(0)

	isTarget := make([]bool, len(code))
	for i, instr := range code {
		if !reachable[i] {
			continue
		}
		switch instr.Op {
		case bytecode.Jmp, bytecode.JmpIfFalse, bytecode.JmpIfTrue:
			if t := jumpTarget(code, i); t >= 0 && t < len(code) {
				isTarget[t] = true
			}
		}
	}

	keep := livenessByDemand(code, reachable, isTarget)

	oldToNew := make([]int, len(code))
	newToOld := make([]int, 0, len(code))
	out := make([]bytecode.Instruction, 0, len(code))
	for i, instr := range code {
		if !keep[i] {
			oldToNew[i] = -1
			continue
		}
		oldToNew[i] = len(out)
		newToOld = append(newToOld, i)
		out = append(out, instr)
	}
	for newIdx := range out {
		switch out[newIdx].Op {
		case bytecode.Jmp, bytecode.JmpIfFalse, bytecode.JmpIfTrue:
			oldSite := newToOld[newIdx]
			oldTarget := jumpTarget(code, oldSite)
			newTarget := oldToNew[oldTarget]
			out[newIdx].Arg = int64(newTarget - (newIdx + 1))
		}
	}
	return out
}
