package bytecode

// File implements a little-endian on-disk bytecode format, using
// encoding/binary for the wire layout. Every decode failure is returned
// as a Parse VMError carrying its root cause (a short read, a bad tag);
// the decoder's own errors, such as an unknown constant tag, are built
// with github.com/pkg/errors.

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	pkgerrors "github.com/pkg/errors"

	vmerrors "github.com/Rorikss/UMKA/internal/errors"
)

const fileVersion = 1

// Write serializes p into the on-disk wire format.
func Write(w io.Writer, p *Program) error {
	buf := &bytes.Buffer{}

	// code_size is the byte length of the encoded code section, which is
	// what Read budgets against, not the instruction count.
	codeBytes := 0
	for _, instr := range p.Code {
		codeBytes++
		if HasOperand(instr.Op) {
			codeBytes += 8
		}
	}

	buf.WriteByte(fileVersion)
	writeU16(buf, uint16(len(p.Constants)))
	writeU16(buf, uint16(len(p.Functions)))
	writeU32(buf, uint32(codeBytes))
	writeU16(buf, uint16(len(p.VMethods)))
	writeU16(buf, uint16(len(p.VFields)))

	for _, c := range p.Constants {
		if err := writeConstant(buf, c); err != nil {
			return err
		}
	}

	for _, f := range p.Functions {
		writeI64(buf, int64(f.CodeBegin))
		writeI64(buf, int64(f.CodeEnd))
		writeI64(buf, f.ArgCount)
		writeI64(buf, f.LocalCount)
	}

	for _, m := range p.VMethods {
		writeI64(buf, m.ClassID)
		writeI64(buf, m.MethodID)
		writeI64(buf, m.FunctionID)
	}
	for _, fl := range p.VFields {
		writeI64(buf, fl.ClassID)
		writeI64(buf, fl.FieldID)
		writeI64(buf, fl.FieldIndex)
	}

	for _, instr := range p.Code {
		buf.WriteByte(byte(instr.Op))
		if HasOperand(instr.Op) {
			writeI64(buf, instr.Arg)
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func writeConstant(buf *bytes.Buffer, c Constant) error {
	switch c.Type {
	case ConstInt:
		buf.WriteByte(byte(ConstInt))
		writeI64(buf, c.Int)
	case ConstDouble:
		buf.WriteByte(byte(ConstDouble))
		writeF64(buf, c.Dbl)
	case ConstString:
		buf.WriteByte(byte(ConstString))
		bs := []byte(c.Str)
		writeI64(buf, int64(len(bs)))
		buf.Write(bs)
	case ConstUnit:
		buf.WriteByte(byte(ConstUnit))
	default:
		return pkgerrors.Errorf("bytecode: unknown constant type %d", c.Type)
	}
	return nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

// Read parses the wire format, building the function/method/field
// dispatch tables as it decodes the code section.
func Read(r io.Reader) (*Program, error) {
	br := &byteReader{r: r}

	version, err := br.readByte()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading version byte")
	}
	if version != fileVersion {
		return nil, vmerrors.New(vmerrors.Parse, 0, 0, "unsupported bytecode version %d", version)
	}

	constCount, err := br.readU16()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading const_count")
	}
	funcCount, err := br.readU16()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading func_count")
	}
	codeSize, err := br.readU32()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading code_size")
	}
	vmethodCount, err := br.readU16()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading vmethod_count")
	}
	vfieldCount, err := br.readU16()
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading vfield_count")
	}

	p := &Program{
		Constants: make([]Constant, 0, constCount),
		Functions: make([]FunctionEntry, 0, funcCount),
		VMethods:  make([]VMethodEntry, 0, vmethodCount),
		VFields:   make([]VFieldEntry, 0, vfieldCount),
	}

	for i := uint16(0); i < constCount; i++ {
		c, err := readConstant(br)
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading constant %d", i)
		}
		p.Constants = append(p.Constants, c)
	}

	for i := uint16(0); i < funcCount; i++ {
		beg, err1 := br.readI64()
		end, err2 := br.readI64()
		argc, err3 := br.readI64()
		locc, err4 := br.readI64()
		if err := firstErr(err1, err2, err3, err4); err != nil {
			return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading function entry %d", i)
		}
		p.Functions = append(p.Functions, FunctionEntry{
			CodeBegin:  int(beg),
			CodeEnd:    int(end),
			ArgCount:   argc,
			LocalCount: locc,
		})
	}

	for i := uint16(0); i < vmethodCount; i++ {
		classID, err1 := br.readI64()
		methodID, err2 := br.readI64()
		funcID, err3 := br.readI64()
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading vmethod entry %d", i)
		}
		p.VMethods = append(p.VMethods, VMethodEntry{classID, methodID, funcID})
	}

	for i := uint16(0); i < vfieldCount; i++ {
		classID, err1 := br.readI64()
		fieldID, err2 := br.readI64()
		fieldIdx, err3 := br.readI64()
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading vfield entry %d", i)
		}
		p.VFields = append(p.VFields, VFieldEntry{classID, fieldID, fieldIdx})
	}

	// codeSize bounds the byte length of the code section in the file,
	// but the in-memory stream is indexed by instruction, so the decoder
	// just reads until EOF within that byte budget.
	codeBytesRead := 0
	for codeBytesRead < int(codeSize) {
		opByte, err := br.readByte()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading opcode at code offset %d", codeBytesRead)
		}
		codeBytesRead++
		op := OpCode(opByte)

		var arg int64
		if HasOperand(op) {
			arg, err = br.readI64()
			if err != nil {
				return nil, vmerrors.Wrap(vmerrors.Parse, err, "reading operand for %s", op)
			}
			codeBytesRead += 8
		}
		p.Code = append(p.Code, Instruction{Op: op, Arg: arg})
	}

	p.BuildDispatchTables()
	return p, nil
}

func readConstant(br *byteReader) (Constant, error) {
	tag, err := br.readByte()
	if err != nil {
		return Constant{}, err
	}
	switch ConstType(tag) {
	case ConstInt:
		v, err := br.readI64()
		if err != nil {
			return Constant{}, err
		}
		return IntConst(v), nil
	case ConstDouble:
		v, err := br.readF64()
		if err != nil {
			return Constant{}, err
		}
		return DoubleConst(v), nil
	case ConstString:
		n, err := br.readI64()
		if err != nil {
			return Constant{}, err
		}
		bs := make([]byte, n)
		if _, err := io.ReadFull(br.r, bs); err != nil {
			return Constant{}, err
		}
		return StringConst(string(bs)), nil
	case ConstUnit:
		return UnitConst(), nil
	default:
		return Constant{}, pkgerrors.Errorf("bytecode: unknown constant tag 0x%02X", tag)
	}
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// byteReader is a minimal little-endian cursor over an io.Reader.
type byteReader struct {
	r io.Reader
}

func (b *byteReader) readByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *byteReader) readU16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (b *byteReader) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b *byteReader) readI64() (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (b *byteReader) readF64() (float64, error) {
	v, err := b.readI64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}
