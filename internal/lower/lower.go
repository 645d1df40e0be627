// Package lower walks an ast.Program and drives internal/builder to
// produce a bytecode.Program: one whole-program function table and
// constant pool, with jump targets resolved through builder's
// label/fixup model instead of manual byte-offset patching.
//
// A class instance is represented as a heap array whose element 0
// holds the class id and whose elements 1..N hold field values at the
// class's declared field indices; the vfield table maps (class, field)
// to that index.
package lower

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/Rorikss/UMKA/internal/ast"
	"github.com/Rorikss/UMKA/internal/builder"
	"github.com/Rorikss/UMKA/internal/bytecode"
)

var builtinIDs = map[string]int64{
	"print":    bytecode.BuiltinPrint,
	"len":      bytecode.BuiltinLen,
	"get":      bytecode.BuiltinGet,
	"set":      bytecode.BuiltinSet,
	"add_elem": bytecode.BuiltinAddElem,
	"remove":   bytecode.BuiltinRemove,
	"write":    bytecode.BuiltinWrite,
	"read":     bytecode.BuiltinRead,
	"assert":   bytecode.BuiltinAssert,
	"input":    bytecode.BuiltinInput,
	"random":   bytecode.BuiltinRandom,
}

type funcUnit struct {
	id         int64
	decl       *ast.FunctionDecl
	isTopLevel bool
	className  string
}

// Lowerer holds the whole-program id assignment and the in-progress
// code section while lowering proceeds function by function.
type Lowerer struct {
	pool *builder.Pool

	classIDs      map[string]int64
	methodNameIDs map[string]int64
	fieldNameIDs  map[string]int64
	funcNameIDs   map[string]int64 // free function name -> function id

	units []funcUnit

	code      []bytecode.Instruction
	functions []bytecode.FunctionEntry
	vmethods  []bytecode.VMethodEntry
	vfields   []bytecode.VFieldEntry
}

// Lower compiles prog into a loaded, ready-to-run Program.
func Lower(prog *ast.Program) (*bytecode.Program, error) {
	l := &Lowerer{
		pool:          builder.NewPool(),
		classIDs:      map[string]int64{},
		methodNameIDs: map[string]int64{},
		fieldNameIDs:  map[string]int64{},
		funcNameIDs:   map[string]int64{},
	}

	l.assignClassAndMemberIDs(prog)
	l.assignFunctionIDs(prog)

	for _, u := range l.units {
		if err := l.lowerFunction(u); err != nil {
			return nil, err
		}
	}

	p := &bytecode.Program{
		Code:      l.code,
		Constants: l.pool.Constants(),
		Functions: l.functions,
		VMethods:  l.vmethods,
		VFields:   l.vfields,
	}
	p.BuildDispatchTables()
	return p, nil
}

func (l *Lowerer) assignClassAndMemberIDs(prog *ast.Program) {
	for _, c := range prog.Classes {
		if _, ok := l.classIDs[c.Name]; !ok {
			l.classIDs[c.Name] = int64(len(l.classIDs))
		}
		for idx, field := range c.Fields {
			if _, ok := l.fieldNameIDs[field]; !ok {
				l.fieldNameIDs[field] = int64(len(l.fieldNameIDs))
			}
			l.vfields = append(l.vfields, bytecode.VFieldEntry{
				ClassID:    l.classIDs[c.Name],
				FieldID:    l.fieldNameIDs[field],
				FieldIndex: int64(idx) + 1, // element 0 is the class id
			})
		}
		for _, m := range c.Methods {
			if _, ok := l.methodNameIDs[m.Name]; !ok {
				l.methodNameIDs[m.Name] = int64(len(l.methodNameIDs))
			}
		}
	}
}

func (l *Lowerer) assignFunctionIDs(prog *ast.Program) {
	main := &ast.FunctionDecl{Name: "main", Body: prog.TopLevel}
	l.units = append(l.units, funcUnit{id: 0, decl: main, isTopLevel: true})

	nextID := int64(1)
	for _, f := range prog.Functions {
		l.funcNameIDs[f.Name] = nextID
		l.units = append(l.units, funcUnit{id: nextID, decl: f})
		nextID++
	}
	for _, c := range prog.Classes {
		for _, m := range c.Methods {
			fid := nextID
			nextID++
			l.units = append(l.units, funcUnit{id: fid, decl: m, className: c.Name})
			l.vmethods = append(l.vmethods, bytecode.VMethodEntry{
				ClassID:    l.classIDs[c.Name],
				MethodID:   l.methodNameIDs[m.Name],
				FunctionID: fid,
			})
		}
	}
}

type scope struct {
	slots map[string]int64
	next  int64
}

func newScope() *scope { return &scope{slots: map[string]int64{}} }

func (s *scope) declare(name string) int64 {
	slot := s.next
	s.slots[name] = slot
	s.next++
	return slot
}

func (l *Lowerer) lowerFunction(u funcUnit) error {
	b := builder.New(l.pool)
	sc := newScope()

	argCount := int64(0)
	if u.className != "" {
		sc.declare(u.decl.Receiver)
		argCount++
	}
	for _, p := range u.decl.Params {
		sc.declare(p)
		argCount++
	}
	for _, loc := range u.decl.Locals {
		sc.declare(loc)
	}

	for _, stmt := range u.decl.Body {
		if err := l.lowerStmt(b, sc, stmt); err != nil {
			return pkgerrors.Wrapf(err, "function %s", u.decl.Name)
		}
	}
	// Every function falls through to an implicit `return unit` if the
	// body doesn't end with one.
	unitIdx := b.AddConst(bytecode.UnitConst())
	b.Emit(bytecode.PushConst, unitIdx)
	b.Emit(bytecode.Return, 0)

	instrs, err := b.Finish()
	if err != nil {
		return pkgerrors.Wrapf(err, "function %s", u.decl.Name)
	}

	// Jump operands from Finish() are offsets relative to the instruction
	// after each jump, so appending this function at a program-wide
	// position needs no rebasing; the interpreter executes a function
	// through its own slice Code[CodeBegin:CodeEnd] and indexes ip
	// within it.
	begin := len(l.code)
	l.code = append(l.code, instrs...)
	end := len(l.code)

	for int64(len(l.functions)) <= u.id {
		l.functions = append(l.functions, bytecode.FunctionEntry{})
	}
	l.functions[u.id] = bytecode.FunctionEntry{
		CodeBegin:  begin,
		CodeEnd:    end,
		ArgCount:   argCount,
		LocalCount: sc.next,
	}
	return nil
}

func (l *Lowerer) lowerStmt(b *builder.Builder, sc *scope, stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case ast.ExprStmt:
		if err := l.lowerExpr(b, sc, s.X); err != nil {
			return err
		}
		b.Emit(bytecode.Pop, 0)
		return nil

	case ast.VarDecl:
		slot, ok := sc.slots[s.Name]
		if !ok {
			slot = sc.declare(s.Name)
		}
		if s.Init != nil {
			if err := l.lowerExpr(b, sc, s.Init); err != nil {
				return err
			}
		} else {
			idx := b.AddConst(bytecode.UnitConst())
			b.Emit(bytecode.PushConst, idx)
		}
		b.Emit(bytecode.Store, slot)
		return nil

	case ast.Assign:
		return l.lowerAssign(b, sc, s)

	case ast.If:
		return l.lowerIf(b, sc, s)

	case ast.While:
		return l.lowerWhile(b, sc, s)

	case ast.Return:
		if s.X != nil {
			if err := l.lowerExpr(b, sc, s.X); err != nil {
				return err
			}
		} else {
			idx := b.AddConst(bytecode.UnitConst())
			b.Emit(bytecode.PushConst, idx)
		}
		b.Emit(bytecode.Return, 0)
		return nil

	default:
		return pkgerrors.Errorf("lower: unknown statement type %T", stmt)
	}
}

func (l *Lowerer) lowerAssign(b *builder.Builder, sc *scope, s ast.Assign) error {
	switch t := s.Target.(type) {
	case ast.Ident:
		slot, ok := sc.slots[t.Name]
		if !ok {
			return pkgerrors.Errorf("lower: assignment to undeclared variable %q", t.Name)
		}
		if err := l.lowerExpr(b, sc, s.Value); err != nil {
			return err
		}
		b.Emit(bytecode.Store, slot)
		return nil

	case ast.IndexExpr:
		if err := l.lowerExpr(b, sc, t.Array); err != nil {
			return err
		}
		if err := l.lowerExpr(b, sc, t.Index); err != nil {
			return err
		}
		if err := l.lowerExpr(b, sc, s.Value); err != nil {
			return err
		}
		b.Emit(bytecode.Call, bytecode.BuiltinSet)
		b.Emit(bytecode.Pop, 0)
		return nil

	case ast.FieldExpr:
		if err := l.lowerExpr(b, sc, t.Receiver); err != nil {
			return err
		}
		if err := l.lowerExpr(b, sc, s.Value); err != nil {
			return err
		}
		fieldID, ok := l.fieldNameIDs[t.Field]
		if !ok {
			return pkgerrors.Errorf("lower: unknown field %q", t.Field)
		}
		b.Emit(bytecode.SetField, fieldID)
		return nil

	default:
		return pkgerrors.Errorf("lower: invalid assignment target %T", s.Target)
	}
}

func (l *Lowerer) lowerIf(b *builder.Builder, sc *scope, s ast.If) error {
	if err := l.lowerExpr(b, sc, s.Cond); err != nil {
		return err
	}
	elseLabel := b.NewLabel()
	endLabel := b.NewLabel()

	b.EmitJump(bytecode.JmpIfFalse, elseLabel)
	for _, st := range s.Then {
		if err := l.lowerStmt(b, sc, st); err != nil {
			return err
		}
	}
	b.EmitJump(bytecode.Jmp, endLabel)
	b.PlaceLabel(elseLabel)
	for _, st := range s.Else {
		if err := l.lowerStmt(b, sc, st); err != nil {
			return err
		}
	}
	b.PlaceLabel(endLabel)
	return nil
}

func (l *Lowerer) lowerWhile(b *builder.Builder, sc *scope, s ast.While) error {
	top := b.NewLabel()
	end := b.NewLabel()

	b.PlaceLabel(top)
	if err := l.lowerExpr(b, sc, s.Cond); err != nil {
		return err
	}
	b.EmitJump(bytecode.JmpIfFalse, end)
	for _, st := range s.Body {
		if err := l.lowerStmt(b, sc, st); err != nil {
			return err
		}
	}
	b.EmitJump(bytecode.Jmp, top)
	b.PlaceLabel(end)
	return nil
}

func (l *Lowerer) lowerExpr(b *builder.Builder, sc *scope, expr ast.Expr) error {
	switch e := expr.(type) {
	case ast.IntLit:
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.IntConst(e.Value)))
	case ast.DoubleLit:
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.DoubleConst(e.Value)))
	case ast.BoolLit:
		v := int64(0)
		if e.Value {
			v = 1
		}
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.IntConst(v)))
	case ast.StringLit:
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.StringConst(e.Value)))
	case ast.UnitLit:
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.UnitConst()))

	case ast.Ident:
		slot, ok := sc.slots[e.Name]
		if !ok {
			return pkgerrors.Errorf("lower: reference to undeclared variable %q", e.Name)
		}
		b.Emit(bytecode.Load, slot)

	case ast.UnaryExpr:
		switch e.Op {
		case "!":
			if err := l.lowerExpr(b, sc, e.X); err != nil {
				return err
			}
			b.Emit(bytecode.Not, 0)
		case "-":
			b.Emit(bytecode.PushConst, b.AddConst(bytecode.IntConst(0)))
			if err := l.lowerExpr(b, sc, e.X); err != nil {
				return err
			}
			b.Emit(bytecode.Sub, 0)
		case "+":
			if err := l.lowerExpr(b, sc, e.X); err != nil {
				return err
			}
		default:
			return pkgerrors.Errorf("lower: unknown unary operator %q", e.Op)
		}

	case ast.BinaryExpr:
		if err := l.lowerExpr(b, sc, e.X); err != nil {
			return err
		}
		if err := l.lowerExpr(b, sc, e.Y); err != nil {
			return err
		}
		op, ok := binaryOps[e.Op]
		if !ok {
			return pkgerrors.Errorf("lower: unknown binary operator %q", e.Op)
		}
		b.Emit(op, 0)

	case ast.CallExpr:
		callee, ok := e.Callee.(ast.Ident)
		if !ok {
			return pkgerrors.Errorf("lower: call target must be a name")
		}
		for _, a := range e.Args {
			if err := l.lowerExpr(b, sc, a); err != nil {
				return err
			}
		}
		if fid, ok := builtinIDs[callee.Name]; ok {
			b.Emit(bytecode.Call, fid)
			break
		}
		fid, ok := l.funcNameIDs[callee.Name]
		if !ok {
			return pkgerrors.Errorf("lower: call to undeclared function %q", callee.Name)
		}
		b.Emit(bytecode.Call, fid)

	case ast.MethodCallExpr:
		for _, a := range e.Args {
			if err := l.lowerExpr(b, sc, a); err != nil {
				return err
			}
		}
		if err := l.lowerExpr(b, sc, e.Receiver); err != nil {
			return err
		}
		methodID, ok := l.methodNameIDs[e.Method]
		if !ok {
			return pkgerrors.Errorf("lower: unknown method %q", e.Method)
		}
		b.Emit(bytecode.CallMethod, methodID)

	case ast.FieldExpr:
		if err := l.lowerExpr(b, sc, e.Receiver); err != nil {
			return err
		}
		fieldID, ok := l.fieldNameIDs[e.Field]
		if !ok {
			return pkgerrors.Errorf("lower: unknown field %q", e.Field)
		}
		b.Emit(bytecode.GetField, fieldID)

	case ast.IndexExpr:
		if err := l.lowerExpr(b, sc, e.Array); err != nil {
			return err
		}
		if err := l.lowerExpr(b, sc, e.Index); err != nil {
			return err
		}
		b.Emit(bytecode.Call, bytecode.BuiltinGet)

	case ast.ArrayLit:
		for _, el := range e.Elements {
			if err := l.lowerExpr(b, sc, el); err != nil {
				return err
			}
		}
		b.Emit(bytecode.BuildArr, int64(len(e.Elements)))

	case ast.NewExpr:
		classID, ok := l.classIDs[e.Class]
		if !ok {
			return pkgerrors.Errorf("lower: unknown class %q", e.Class)
		}
		b.Emit(bytecode.PushConst, b.AddConst(bytecode.IntConst(classID)))
		for _, a := range e.Args {
			if err := l.lowerExpr(b, sc, a); err != nil {
				return err
			}
		}
		for i := len(e.Args); i < fieldCountForClass(l, e.Class); i++ {
			b.Emit(bytecode.PushConst, b.AddConst(bytecode.UnitConst()))
		}
		b.Emit(bytecode.BuildArr, int64(1+fieldCountForClass(l, e.Class)))

	case ast.CastExpr:
		if err := l.lowerExpr(b, sc, e.X); err != nil {
			return err
		}
		switch e.Kind {
		case "string":
			b.Emit(bytecode.ToString, 0)
		case "int":
			b.Emit(bytecode.ToInt, 0)
		case "double":
			b.Emit(bytecode.ToDouble, 0)
		default:
			return pkgerrors.Errorf("lower: unknown cast kind %q", e.Kind)
		}

	default:
		return pkgerrors.Errorf("lower: unknown expression type %T", expr)
	}
	return nil
}

var binaryOps = map[string]bytecode.OpCode{
	"+": bytecode.Add, "-": bytecode.Sub, "*": bytecode.Mul, "/": bytecode.Div, "%": bytecode.Rem,
	"==": bytecode.Eq, "!=": bytecode.Neq, "<": bytecode.Lt, ">": bytecode.Gt,
	"<=": bytecode.Lte, ">=": bytecode.Gte, "&&": bytecode.And, "||": bytecode.Or,
}

// fieldCountForClass counts the fields seen for a class during id
// assignment, used to pad a NEW expression's array to the class's full
// field width when fewer constructor args were given than fields exist.
func fieldCountForClass(l *Lowerer, class string) int {
	classID, ok := l.classIDs[class]
	if !ok {
		return 0
	}
	n := 0
	for _, vf := range l.vfields {
		if vf.ClassID == classID {
			n++
		}
	}
	return n
}
