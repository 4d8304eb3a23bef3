package dex

import "fmt"

// Opcode Dalvik 操作码
type Opcode uint8

// 特征提取关心的操作码
const (
	OpNop             Opcode = 0x00
	OpConstString     Opcode = 0x1a
	OpConstStringJumb Opcode = 0x1b
	OpInvokeVirtual   Opcode = 0x6e
	OpInvokeSuper     Opcode = 0x6f
	OpInvokeDirect    Opcode = 0x70
	OpInvokeStatic    Opcode = 0x71
	OpInvokeInterface Opcode = 0x72
)

// payload 伪指令标识（出现在 nop 的高字节）
const (
	packedSwitchPayload = 0x0100
	sparseSwitchPayload = 0x0200
	fillArrayPayload    = 0x0300
)

// format 指令编码格式（名称沿用官方文档的 "IDx" 记法）
type format uint8

const (
	fmt10x format = iota
	fmt12x
	fmt11n
	fmt11x
	fmt10t
	fmt20t
	fmt22x
	fmt21t
	fmt21s
	fmt21h
	fmt21c
	fmt23x
	fmt22b
	fmt22t
	fmt22s
	fmt22c
	fmt32x
	fmt30t
	fmt31t
	fmt31i
	fmt31c
	fmt35c
	fmt3rc
	fmt45cc
	fmt4rcc
	fmt51l
)

// formatUnits 每种格式占用的 16 位代码单元数
var formatUnits = [...]int{
	fmt10x: 1, fmt12x: 1, fmt11n: 1, fmt11x: 1, fmt10t: 1,
	fmt20t: 2, fmt22x: 2, fmt21t: 2, fmt21s: 2, fmt21h: 2, fmt21c: 2,
	fmt23x: 2, fmt22b: 2, fmt22t: 2, fmt22s: 2, fmt22c: 2,
	fmt32x: 3, fmt30t: 3, fmt31t: 3, fmt31i: 3, fmt31c: 3, fmt35c: 3, fmt3rc: 3,
	fmt45cc: 4, fmt4rcc: 4,
	fmt51l: 5,
}

// refKind 索引类操作数引用的常量池
type refKind uint8

const (
	refNone refKind = iota
	refString
	refType
	refField
	refMethod
	refProto
	refCallSite
	refMethodHandle
)

type opInfo struct {
	name   string
	format format
	ref    refKind
}

var opcodeTable [256]opInfo

func def(op int, name string, f format, ref refKind) {
	opcodeTable[op] = opInfo{name: name, format: f, ref: ref}
}

func defRange(start int, names []string, f format, ref refKind) {
	for i, name := range names {
		def(start+i, name, f, ref)
	}
}

func init() {
	// 未定义的操作码按 10x 处理，只占一个代码单元
	for i := range opcodeTable {
		opcodeTable[i] = opInfo{name: fmt.Sprintf("unused-%02x", i), format: fmt10x}
	}

	def(0x00, "nop", fmt10x, refNone)
	def(0x01, "move", fmt12x, refNone)
	def(0x04, "move-wide", fmt12x, refNone)
	def(0x07, "move-object", fmt12x, refNone)
	def(0x02, "move/from16", fmt22x, refNone)
	def(0x03, "move/16", fmt32x, refNone)
	def(0x05, "move-wide/from16", fmt22x, refNone)
	def(0x06, "move-wide/16", fmt32x, refNone)
	def(0x08, "move-object/from16", fmt22x, refNone)
	def(0x09, "move-object/16", fmt32x, refNone)
	defRange(0x0a, []string{"move-result", "move-result-wide", "move-result-object", "move-exception"}, fmt11x, refNone)
	def(0x0e, "return-void", fmt10x, refNone)
	defRange(0x0f, []string{"return", "return-wide", "return-object"}, fmt11x, refNone)
	def(0x12, "const/4", fmt11n, refNone)
	def(0x13, "const/16", fmt21s, refNone)
	def(0x14, "const", fmt31i, refNone)
	def(0x15, "const/high16", fmt21h, refNone)
	def(0x16, "const-wide/16", fmt21s, refNone)
	def(0x17, "const-wide/32", fmt31i, refNone)
	def(0x18, "const-wide", fmt51l, refNone)
	def(0x19, "const-wide/high16", fmt21h, refNone)
	def(0x1a, "const-string", fmt21c, refString)
	def(0x1b, "const-string/jumbo", fmt31c, refString)
	def(0x1c, "const-class", fmt21c, refType)
	def(0x1d, "monitor-enter", fmt11x, refNone)
	def(0x1e, "monitor-exit", fmt11x, refNone)
	def(0x1f, "check-cast", fmt21c, refType)
	def(0x20, "instance-of", fmt22c, refType)
	def(0x21, "array-length", fmt12x, refNone)
	def(0x22, "new-instance", fmt21c, refType)
	def(0x23, "new-array", fmt22c, refType)
	def(0x24, "filled-new-array", fmt35c, refType)
	def(0x25, "filled-new-array/range", fmt3rc, refType)
	def(0x26, "fill-array-data", fmt31t, refNone)
	def(0x27, "throw", fmt11x, refNone)
	def(0x28, "goto", fmt10t, refNone)
	def(0x29, "goto/16", fmt20t, refNone)
	def(0x2a, "goto/32", fmt30t, refNone)
	def(0x2b, "packed-switch", fmt31t, refNone)
	def(0x2c, "sparse-switch", fmt31t, refNone)
	defRange(0x2d, []string{"cmpl-float", "cmpg-float", "cmpl-double", "cmpg-double", "cmp-long"}, fmt23x, refNone)
	defRange(0x32, []string{"if-eq", "if-ne", "if-lt", "if-ge", "if-gt", "if-le"}, fmt22t, refNone)
	defRange(0x38, []string{"if-eqz", "if-nez", "if-ltz", "if-gez", "if-gtz", "if-lez"}, fmt21t, refNone)

	suffixes := []string{"", "-wide", "-object", "-boolean", "-byte", "-char", "-short"}
	for i, s := range suffixes {
		def(0x44+i, "aget"+s, fmt23x, refNone)
		def(0x4b+i, "aput"+s, fmt23x, refNone)
		def(0x52+i, "iget"+s, fmt22c, refField)
		def(0x59+i, "iput"+s, fmt22c, refField)
		def(0x60+i, "sget"+s, fmt21c, refField)
		def(0x67+i, "sput"+s, fmt21c, refField)
	}

	kinds := []string{"virtual", "super", "direct", "static", "interface"}
	for i, k := range kinds {
		def(0x6e+i, "invoke-"+k, fmt35c, refMethod)
		def(0x74+i, "invoke-"+k+"/range", fmt3rc, refMethod)
	}

	defRange(0x7b, []string{"neg-int", "not-int", "neg-long", "not-long", "neg-float", "neg-double",
		"int-to-long", "int-to-float", "int-to-double", "long-to-int", "long-to-float", "long-to-double",
		"float-to-int", "float-to-long", "float-to-double", "double-to-int", "double-to-long", "double-to-float",
		"int-to-byte", "int-to-char", "int-to-short"}, fmt12x, refNone)

	binops := []string{
		"add-int", "sub-int", "mul-int", "div-int", "rem-int", "and-int", "or-int", "xor-int", "shl-int", "shr-int", "ushr-int",
		"add-long", "sub-long", "mul-long", "div-long", "rem-long", "and-long", "or-long", "xor-long", "shl-long", "shr-long", "ushr-long",
		"add-float", "sub-float", "mul-float", "div-float", "rem-float",
		"add-double", "sub-double", "mul-double", "div-double", "rem-double",
	}
	for i, name := range binops {
		def(0x90+i, name, fmt23x, refNone)
		def(0xb0+i, name+"/2addr", fmt12x, refNone)
	}

	defRange(0xd0, []string{"add-int/lit16", "rsub-int", "mul-int/lit16", "div-int/lit16", "rem-int/lit16",
		"and-int/lit16", "or-int/lit16", "xor-int/lit16"}, fmt22s, refNone)
	defRange(0xd8, []string{"add-int/lit8", "rsub-int/lit8", "mul-int/lit8", "div-int/lit8", "rem-int/lit8",
		"and-int/lit8", "or-int/lit8", "xor-int/lit8", "shl-int/lit8", "shr-int/lit8", "ushr-int/lit8"}, fmt22b, refNone)

	def(0xfa, "invoke-polymorphic", fmt45cc, refMethod)
	def(0xfb, "invoke-polymorphic/range", fmt4rcc, refMethod)
	def(0xfc, "invoke-custom", fmt35c, refCallSite)
	def(0xfd, "invoke-custom/range", fmt3rc, refCallSite)
	def(0xfe, "const-method-handle", fmt21c, refMethodHandle)
	def(0xff, "const-method-type", fmt21c, refProto)
}

// String 返回助记符
func (op Opcode) String() string {
	return opcodeTable[op].name
}

// Units 指令占用的代码单元数（不含 payload 伪指令）
func (op Opcode) Units() int {
	return formatUnits[opcodeTable[op].format]
}

// payloadUnits 计算 nop 位置上 payload 伪指令的长度；不是 payload 时返回 0
func payloadUnits(units []uint16) int {
	switch units[0] {
	case packedSwitchPayload:
		if len(units) < 2 {
			return len(units)
		}
		return clampUnits(4+int64(units[1])*2, len(units))
	case sparseSwitchPayload:
		if len(units) < 2 {
			return len(units)
		}
		return clampUnits(2+int64(units[1])*4, len(units))
	case fillArrayPayload:
		if len(units) < 4 {
			return len(units)
		}
		width := int64(units[1])
		size := int64(units[2]) | int64(units[3])<<16
		return clampUnits(4+(size*width+1)/2, len(units))
	}
	return 0
}

func clampUnits(n int64, max int) int {
	if n > int64(max) {
		return max
	}
	return int(n)
}
