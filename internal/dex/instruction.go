package dex

import (
	"fmt"
	"strings"
)

// OperandKind 操作数类别
type OperandKind uint8

const (
	KindRegister OperandKind = iota
	KindLiteral
	KindOffset
	KindString
	KindType
	KindField
	KindMethod
	KindProto
	KindCallSite
	KindMethodHandle
)

var operandKindNames = [...]string{
	KindRegister:     "register",
	KindLiteral:      "literal",
	KindOffset:       "offset",
	KindString:       "string",
	KindType:         "type",
	KindField:        "field",
	KindMethod:       "method",
	KindProto:        "proto",
	KindCallSite:     "call_site",
	KindMethodHandle: "method_handle",
}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Operand 指令操作数
//
// 寄存器、字面量、跳转偏移只填 Value；索引类操作数的 Value 是原始索引，
// Text 是解析后的文本，索引越界或无法解析时 Resolved 为 false 且 Text 为空。
type Operand struct {
	Kind     OperandKind
	Value    int64
	Text     string
	Resolved bool
}

// Instruction 一条已解码的 Dalvik 指令
//
// 操作数顺序：寄存器在前，引用在后（invoke 的方法引用总是最后一个 KindMethod 操作数，
// const-string 为 [vAA, string]）。Truncated 表示方法体在这条指令中途结束，
// 此时 Operands 为空，并且它是该方法产出的最后一条指令。
type Instruction struct {
	Offset    int // 相对 insns 起点的代码单元偏移
	Opcode    Opcode
	Operands  []Operand
	Truncated bool
}

func (in Instruction) String() string {
	if in.Truncated {
		return fmt.Sprintf("%04x: %s <truncated>", in.Offset, in.Opcode)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04x: %s", in.Offset, in.Opcode)
	for i, op := range in.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		switch {
		case op.Kind == KindRegister:
			fmt.Fprintf(&sb, "v%d", op.Value)
		case op.Kind == KindLiteral:
			fmt.Fprintf(&sb, "#%d", op.Value)
		case op.Kind == KindOffset:
			fmt.Fprintf(&sb, "%+d", op.Value)
		case op.Resolved:
			sb.WriteString(op.Text)
		default:
			fmt.Fprintf(&sb, "%s@%d", op.Kind, op.Value)
		}
	}
	return sb.String()
}

func reg(v uint32) Operand   { return Operand{Kind: KindRegister, Value: int64(v)} }
func lit(v int64) Operand    { return Operand{Kind: KindLiteral, Value: v} }
func offset(v int64) Operand { return Operand{Kind: KindOffset, Value: v} }

// decode 按格式解析一条完整指令，调用方保证 units 长度不小于 op.Units()
func (f *File) decode(pos int, units []uint16) Instruction {
	u0 := units[0]
	op := Opcode(u0 & 0xff)
	info := opcodeTable[op]
	in := Instruction{Offset: pos, Opcode: op}

	aa := uint32(u0 >> 8)
	a := uint32(u0>>8) & 0x0f
	b := uint32(u0 >> 12)

	var ops []Operand
	switch info.format {
	case fmt10x:
	case fmt12x:
		ops = []Operand{reg(a), reg(b)}
	case fmt11n:
		ops = []Operand{reg(a), lit(int64(int8(uint8(u0>>8)) >> 4))}
	case fmt11x:
		ops = []Operand{reg(aa)}
	case fmt10t:
		ops = []Operand{offset(int64(int8(aa)))}
	case fmt20t:
		ops = []Operand{offset(int64(int16(units[1])))}
	case fmt22x:
		ops = []Operand{reg(aa), reg(uint32(units[1]))}
	case fmt21t:
		ops = []Operand{reg(aa), offset(int64(int16(units[1])))}
	case fmt21s:
		ops = []Operand{reg(aa), lit(int64(int16(units[1])))}
	case fmt21h:
		shift := 16
		if op == 0x19 { // const-wide/high16
			shift = 48
		}
		ops = []Operand{reg(aa), lit(int64(int16(units[1])) << shift)}
	case fmt21c:
		ops = []Operand{reg(aa), f.ref(info.ref, uint32(units[1]))}
	case fmt23x:
		ops = []Operand{reg(aa), reg(uint32(units[1] & 0xff)), reg(uint32(units[1] >> 8))}
	case fmt22b:
		ops = []Operand{reg(aa), reg(uint32(units[1] & 0xff)), lit(int64(int8(units[1] >> 8)))}
	case fmt22t:
		ops = []Operand{reg(a), reg(b), offset(int64(int16(units[1])))}
	case fmt22s:
		ops = []Operand{reg(a), reg(b), lit(int64(int16(units[1])))}
	case fmt22c:
		ops = []Operand{reg(a), reg(b), f.ref(info.ref, uint32(units[1]))}
	case fmt32x:
		ops = []Operand{reg(uint32(units[1])), reg(uint32(units[2]))}
	case fmt30t:
		ops = []Operand{offset(int64(int32(u32At(units, 1))))}
	case fmt31t:
		ops = []Operand{reg(aa), offset(int64(int32(u32At(units, 1))))}
	case fmt31i:
		ops = []Operand{reg(aa), lit(int64(int32(u32At(units, 1))))}
	case fmt31c:
		ops = []Operand{reg(aa), f.ref(info.ref, u32At(units, 1))}
	case fmt35c, fmt45cc:
		ops = invokeRegisters(u0, units[2])
		ops = append(ops, f.ref(info.ref, uint32(units[1])))
		if info.format == fmt45cc {
			ops = append(ops, f.ref(refProto, uint32(units[3])))
		}
	case fmt3rc, fmt4rcc:
		first := uint32(units[2])
		ops = make([]Operand, 0, aa+2)
		for i := uint32(0); i < aa; i++ {
			ops = append(ops, reg(first+i))
		}
		ops = append(ops, f.ref(info.ref, uint32(units[1])))
		if info.format == fmt4rcc {
			ops = append(ops, f.ref(refProto, uint32(units[3])))
		}
	case fmt51l:
		v := uint64(units[1]) | uint64(units[2])<<16 | uint64(units[3])<<32 | uint64(units[4])<<48
		ops = []Operand{reg(aa), lit(int64(v))}
	}
	in.Operands = ops
	return in
}

// invokeRegisters 35c/45cc 的参数寄存器 {vC, vD, vE, vF, vG}，数量由 A 决定
func invokeRegisters(u0, u2 uint16) []Operand {
	count := int(u0 >> 12)
	if count > 5 {
		count = 5
	}
	all := [5]uint32{
		uint32(u2 & 0x0f),
		uint32(u2>>4) & 0x0f,
		uint32(u2>>8) & 0x0f,
		uint32(u2 >> 12),
		uint32(u0>>8) & 0x0f,
	}
	ops := make([]Operand, 0, count+2)
	for i := 0; i < count; i++ {
		ops = append(ops, reg(all[i]))
	}
	return ops
}

func u32At(units []uint16, i int) uint32 {
	return uint32(units[i]) | uint32(units[i+1])<<16
}

// ref 解析索引类操作数
func (f *File) ref(kind refKind, idx uint32) Operand {
	var (
		op   = Operand{Value: int64(idx)}
		text string
		ok   bool
	)
	switch kind {
	case refString:
		op.Kind = KindString
		text, ok = f.StringAt(idx)
	case refType:
		op.Kind = KindType
		text, ok = f.TypeDescriptor(idx)
		text = ClassName(text)
	case refField:
		op.Kind = KindField
		text, ok = f.FieldRef(idx)
	case refMethod:
		op.Kind = KindMethod
		text, ok = f.MethodRef(idx)
	case refProto:
		op.Kind = KindProto
		text, ok = f.ProtoDescriptor(idx)
	case refCallSite:
		op.Kind = KindCallSite
	case refMethodHandle:
		op.Kind = KindMethodHandle
	}
	if ok {
		op.Text = text
		op.Resolved = true
	}
	return op
}
