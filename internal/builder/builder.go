// Package builder is the per-function instruction emitter that
// internal/lower drives while walking the AST. It uses a label/fixup
// model rather than manual offset patching: callers request a Label,
// emit jumps against it before its target is known, and Finish()
// resolves every pending fixup in one pass.
package builder

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/Rorikss/UMKA/internal/bytecode"
)

// Label is an opaque forward- or backward-referenceable jump target,
// local to the function currently being built.
type Label int

type fixup struct {
	instrIndex int
	label      Label
}

// Builder accumulates one function's instruction stream and the shared,
// whole-program constant pool it draws from.
type Builder struct {
	code   []bytecode.Instruction
	consts *constPool

	labelTargets []int // -1 until PlaceLabel is called
	fixups       []fixup
}

// constPool is shared across every function built during one lowering
// pass: one append-only pool per program.
type constPool struct {
	entries []bytecode.Constant
}

func (p *constPool) intern(c bytecode.Constant) int64 {
	for i, existing := range p.entries {
		if existing.Equal(c) {
			return int64(i)
		}
	}
	p.entries = append(p.entries, c)
	return int64(len(p.entries) - 1)
}

// Pool is shared by every Builder for the functions of one program; hand
// the same Pool to each New call so constants dedup program-wide.
type Pool struct {
	pool constPool
}

// NewPool creates an empty, shared constant pool.
func NewPool() *Pool { return &Pool{} }

// Constants returns the pool's entries in insertion order, ready to
// become Program.Constants.
func (p *Pool) Constants() []bytecode.Constant { return p.pool.entries }

// New starts building one function's instruction stream against the
// given shared pool.
func New(pool *Pool) *Builder {
	return &Builder{consts: &pool.pool}
}

// AddConst interns a constant into the shared pool, returning its index
// for use as a PUSH_CONST operand.
func (b *Builder) AddConst(c bytecode.Constant) int64 {
	return b.consts.intern(c)
}

// Len reports the number of instructions emitted so far, the offset a
// label placed right now would resolve to.
func (b *Builder) Len() int { return len(b.code) }

// Emit appends a plain, non-jump instruction and returns its index.
func (b *Builder) Emit(op bytecode.OpCode, arg int64) int {
	b.code = append(b.code, bytecode.Instruction{Op: op, Arg: arg})
	return len(b.code) - 1
}

// NewLabel allocates an unplaced label.
func (b *Builder) NewLabel() Label {
	b.labelTargets = append(b.labelTargets, -1)
	return Label(len(b.labelTargets) - 1)
}

// PlaceLabel binds label to the current end of the instruction stream —
// the next instruction emitted is the label's target.
func (b *Builder) PlaceLabel(label Label) {
	b.labelTargets[label] = len(b.code)
}

// EmitJump appends a jump instruction whose target is label, which may
// not be placed yet. op must be JMP, JMP_IF_FALSE, or JMP_IF_TRUE.
func (b *Builder) EmitJump(op bytecode.OpCode, label Label) int {
	idx := b.Emit(op, 0) // placeholder, patched in Finish
	b.fixups = append(b.fixups, fixup{instrIndex: idx, label: label})
	return idx
}

// Finish resolves every pending jump fixup to an offset relative to the
// instruction right after the jump site (target - (site + 1), so the
// interpreter's IP += offset lands exactly on the label) and returns the
// function's finished instruction stream. Offsets are local to this
// function's own stream; the interpreter always executes a function
// through that local view, so callers concatenating functions into a
// program-wide code section must not rebase them.
func (b *Builder) Finish() ([]bytecode.Instruction, error) {
	for _, fx := range b.fixups {
		target := b.labelTargets[fx.label]
		if target < 0 {
			return nil, pkgerrors.Errorf("builder: label %d never placed", fx.label)
		}
		b.code[fx.instrIndex].Arg = int64(target - (fx.instrIndex + 1))
	}
	return b.code, nil
}
