package bytecode

// Package bytecode is the immutable, post-load view of a program: the
// instruction stream, the deduplicated constant pool, the function
// table, and the virtual dispatch tables. One constant pool and
// function table is shared by every function in the program.

// Instruction is one decoded bytecode instruction: an opcode plus its
// signed 64-bit operand (zero for operand-less opcodes).
type Instruction struct {
	Op  OpCode
	Arg int64
}

// ConstType tags the payload of a pool entry.
type ConstType uint8

const (
	ConstInt    ConstType = 0x01
	ConstDouble ConstType = 0x02
	ConstString ConstType = 0x03
	ConstUnit   ConstType = 0x04
)

// Constant is one entry of the shared, append-only constant pool.
type Constant struct {
	Type ConstType
	Int  int64
	Dbl  float64
	Str  string
}

func IntConst(v int64) Constant    { return Constant{Type: ConstInt, Int: v} }
func DoubleConst(v float64) Constant { return Constant{Type: ConstDouble, Dbl: v} }
func StringConst(v string) Constant  { return Constant{Type: ConstString, Str: v} }
func UnitConst() Constant            { return Constant{Type: ConstUnit} }

// Equal compares two constants by (type, bit-pattern)/byte-content, the
// dedup key used by the builder's constant interning.
func (c Constant) Equal(other Constant) bool {
	if c.Type != other.Type {
		return false
	}
	switch c.Type {
	case ConstInt:
		return c.Int == other.Int
	case ConstDouble:
		return c.Dbl == other.Dbl
	case ConstString:
		return c.Str == other.Str
	case ConstUnit:
		return true
	default:
		return false
	}
}

// FunctionEntry is one row of the function table: a code range plus
// calling-convention metadata. main is always id 0.
type FunctionEntry struct {
	CodeBegin  int
	CodeEnd    int
	ArgCount   int64
	LocalCount int64
}

// VMethodKey and VFieldKey index the flattened virtual dispatch tables
// built at load time from the vmethod/vfield triples.
type VMethodKey struct {
	ClassID  int64
	MethodID int64
}

type VFieldKey struct {
	ClassID int64
	FieldID int64
}

// VMethodEntry/VFieldEntry are the on-disk triples before being folded
// into the lookup maps below.
type VMethodEntry struct {
	ClassID    int64
	MethodID   int64
	FunctionID int64
}

type VFieldEntry struct {
	ClassID    int64
	FieldID    int64
	FieldIndex int64
}

// Program is the fully loaded, immutable representation of a compiled
// unit: the shared code stream, constant pool, function table, and
// virtual dispatch maps. Functions address sub-ranges of Code via their
// FunctionEntry's CodeBegin/CodeEnd.
type Program struct {
	Code      []Instruction
	Constants []Constant
	Functions []FunctionEntry

	VMethods []VMethodEntry
	VFields  []VFieldEntry

	methodTable map[VMethodKey]int64
	fieldTable  map[VFieldKey]int64
}

// BuildDispatchTables folds the flat VMethods/VFields triples into the
// (class_id, method_id) and (class_id, field_id) maps the interpreter
// uses for CALL_METHOD/GET_FIELD.
func (p *Program) BuildDispatchTables() {
	p.methodTable = make(map[VMethodKey]int64, len(p.VMethods))
	for _, e := range p.VMethods {
		p.methodTable[VMethodKey{e.ClassID, e.MethodID}] = e.FunctionID
	}
	p.fieldTable = make(map[VFieldKey]int64, len(p.VFields))
	for _, e := range p.VFields {
		p.fieldTable[VFieldKey{e.ClassID, e.FieldID}] = e.FieldIndex
	}
}

// ResolveMethod looks up the function id implementing methodID on
// classID. ok is false when no such method was registered at lowering
// time.
func (p *Program) ResolveMethod(classID, methodID int64) (int64, bool) {
	if p.methodTable == nil {
		p.BuildDispatchTables()
	}
	fid, ok := p.methodTable[VMethodKey{classID, methodID}]
	return fid, ok
}

// ResolveField looks up the array element index backing fieldID on
// classID.
func (p *Program) ResolveField(classID, fieldID int64) (int64, bool) {
	if p.fieldTable == nil {
		p.BuildDispatchTables()
	}
	idx, ok := p.fieldTable[VFieldKey{classID, fieldID}]
	return idx, ok
}

// Function looks up a function table entry by id, distinguishing user
// functions (non-negative, dense ids) from built-ins (reserved ids from
// the top of the range, never present in this table).
func (p *Program) Function(fid int64) (FunctionEntry, bool) {
	if fid < 0 || int(fid) >= len(p.Functions) {
		return FunctionEntry{}, false
	}
	return p.Functions[fid], true
}
