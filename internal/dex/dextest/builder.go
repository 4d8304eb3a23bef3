// Package dextest 在测试中拼装最小可用的 DEX 文件
package dextest

import (
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
	"sort"
	"unicode/utf16"

	"github.com/apk-analysis/apk-feature-go/internal/dex"
)

const noIndex = 0xffffffff

type proto struct {
	shorty uint32
	ret    uint32
	params []uint16
}

type methodID struct {
	class uint16
	proto uint16
	name  uint32
}

type methodDef struct {
	idx     uint32
	code    []uint16
	virtual bool
	native  bool
}

type class struct {
	typeIdx uint32
	methods []methodDef
}

// Builder 按添加顺序分配各常量池下标（不要求排序，解析器也不依赖排序）
type Builder struct {
	strings   []string
	stringIdx map[string]uint32
	types     []uint32
	typeIdx   map[string]uint32
	protos    []proto
	protoIdx  map[string]uint16
	methods   []methodID
	methodIdx map[string]uint16
	classes   []*class
	classIdx  map[string]*class
}

// New 创建空的 Builder
func New() *Builder {
	return &Builder{
		stringIdx: make(map[string]uint32),
		typeIdx:   make(map[string]uint32),
		protoIdx:  make(map[string]uint16),
		methodIdx: make(map[string]uint16),
		classIdx:  make(map[string]*class),
	}
}

// String 登记字符串，返回 string_ids 下标
func (b *Builder) String(s string) uint32 {
	if i, ok := b.stringIdx[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = i
	return i
}

// Type 登记类型描述符，如 "Ljava/lang/Runtime;"
func (b *Builder) Type(desc string) uint32 {
	if i, ok := b.typeIdx[desc]; ok {
		return i
	}
	i := uint32(len(b.types))
	b.types = append(b.types, b.String(desc))
	b.typeIdx[desc] = i
	return i
}

// Proto 登记方法原型
func (b *Builder) Proto(ret string, params ...string) uint16 {
	key := ret + "("
	shorty := shortyChar(ret)
	for _, p := range params {
		key += p
		shorty += shortyChar(p)
	}
	if i, ok := b.protoIdx[key]; ok {
		return i
	}
	p := proto{shorty: b.String(shorty), ret: b.Type(ret)}
	for _, param := range params {
		p.params = append(p.params, uint16(b.Type(param)))
	}
	i := uint16(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIdx[key] = i
	return i
}

func shortyChar(desc string) string {
	if desc[0] == 'L' || desc[0] == '[' {
		return "L"
	}
	return desc[:1]
}

// Method 登记方法引用，返回 method_ids 下标
func (b *Builder) Method(class, name, ret string, params ...string) uint16 {
	key := class + "->" + name + ret
	for _, p := range params {
		key += "," + p
	}
	if i, ok := b.methodIdx[key]; ok {
		return i
	}
	m := methodID{
		class: uint16(b.Type(class)),
		proto: b.Proto(ret, params...),
		name:  b.String(name),
	}
	i := uint16(len(b.methods))
	b.methods = append(b.methods, m)
	b.methodIdx[key] = i
	return i
}

func (b *Builder) class(desc string) *class {
	if c, ok := b.classIdx[desc]; ok {
		return c
	}
	c := &class{typeIdx: b.Type(desc)}
	b.classes = append(b.classes, c)
	b.classIdx[desc] = c
	return c
}

// AddMethod 为类定义一个 direct 方法 "()V"，code 为原始代码单元
func (b *Builder) AddMethod(classDesc, name string, code []uint16) {
	c := b.class(classDesc)
	idx := b.Method(classDesc, name, "V")
	c.methods = append(c.methods, methodDef{idx: uint32(idx), code: code})
}

// AddVirtualMethod 同 AddMethod，但放在 virtual_methods 列表
func (b *Builder) AddVirtualMethod(classDesc, name string, code []uint16) {
	c := b.class(classDesc)
	idx := b.Method(classDesc, name, "V")
	c.methods = append(c.methods, methodDef{idx: uint32(idx), code: code, virtual: true})
}

// AddNativeMethod 定义一个没有方法体的方法（code_off = 0）
func (b *Builder) AddNativeMethod(classDesc, name string) {
	c := b.class(classDesc)
	idx := b.Method(classDesc, name, "V")
	c.methods = append(c.methods, methodDef{idx: uint32(idx), native: true})
}

// Bytes 输出完整的 DEX 文件
func (b *Builder) Bytes() []byte {
	const headerSize = 112
	ns, nt, np, nm, nc := len(b.strings), len(b.types), len(b.protos), len(b.methods), len(b.classes)
	stringIDsOff := headerSize
	typeIDsOff := stringIDsOff + 4*ns
	protoIDsOff := typeIDsOff + 4*nt
	methodIDsOff := protoIDsOff + 12*np
	classDefsOff := methodIDsOff + 8*nm
	dataOff := classDefsOff + 32*nc

	out := make([]byte, dataOff)
	pad4 := func() {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}

	// string_data_item
	for i, s := range b.strings {
		binary.LittleEndian.PutUint32(out[stringIDsOff+4*i:], uint32(len(out)))
		out = binary.AppendUvarint(out, uint64(len(utf16.Encode([]rune(s)))))
		out = append(out, s...)
		out = append(out, 0)
	}
	for i, t := range b.types {
		binary.LittleEndian.PutUint32(out[typeIDsOff+4*i:], t)
	}

	// type_list + proto_id_item
	for i, p := range b.protos {
		var paramsOff uint32
		if len(p.params) > 0 {
			pad4()
			paramsOff = uint32(len(out))
			out = binary.LittleEndian.AppendUint32(out, uint32(len(p.params)))
			for _, t := range p.params {
				out = binary.LittleEndian.AppendUint16(out, t)
			}
		}
		item := out[protoIDsOff+12*i:]
		binary.LittleEndian.PutUint32(item, p.shorty)
		binary.LittleEndian.PutUint32(item[4:], p.ret)
		binary.LittleEndian.PutUint32(item[8:], paramsOff)
	}

	for i, m := range b.methods {
		item := out[methodIDsOff+8*i:]
		binary.LittleEndian.PutUint16(item, m.class)
		binary.LittleEndian.PutUint16(item[2:], m.proto)
		binary.LittleEndian.PutUint32(item[4:], m.name)
	}

	// code_item
	codeOffs := make(map[*methodDef]uint32)
	for _, c := range b.classes {
		for j := range c.methods {
			md := &c.methods[j]
			if md.native {
				continue
			}
			pad4()
			codeOffs[md] = uint32(len(out))
			out = binary.LittleEndian.AppendUint16(out, 8) // registers_size
			out = binary.LittleEndian.AppendUint16(out, 0) // ins_size
			out = binary.LittleEndian.AppendUint16(out, 5) // outs_size
			out = binary.LittleEndian.AppendUint16(out, 0) // tries_size
			out = binary.LittleEndian.AppendUint32(out, 0) // debug_info_off
			out = binary.LittleEndian.AppendUint32(out, uint32(len(md.code)))
			for _, u := range md.code {
				out = binary.LittleEndian.AppendUint16(out, u)
			}
		}
	}

	// class_data_item + class_def_item
	for i, c := range b.classes {
		var classDataOff uint32
		if len(c.methods) > 0 {
			var direct, virtual []*methodDef
			for j := range c.methods {
				if c.methods[j].virtual {
					virtual = append(virtual, &c.methods[j])
				} else {
					direct = append(direct, &c.methods[j])
				}
			}
			classDataOff = uint32(len(out))
			out = binary.AppendUvarint(out, 0)
			out = binary.AppendUvarint(out, 0)
			out = binary.AppendUvarint(out, uint64(len(direct)))
			out = binary.AppendUvarint(out, uint64(len(virtual)))
			for _, list := range [][]*methodDef{direct, virtual} {
				sort.Slice(list, func(x, y int) bool { return list[x].idx < list[y].idx })
				var prev uint32
				for k, md := range list {
					diff := md.idx
					if k > 0 {
						diff = md.idx - prev
					}
					prev = md.idx
					out = binary.AppendUvarint(out, uint64(diff))
					out = binary.AppendUvarint(out, 0x1) // ACC_PUBLIC
					out = binary.AppendUvarint(out, uint64(codeOffs[md]))
				}
			}
		}
		item := out[classDefsOff+32*i:]
		binary.LittleEndian.PutUint32(item, c.typeIdx)
		binary.LittleEndian.PutUint32(item[4:], 0x1)
		binary.LittleEndian.PutUint32(item[8:], noIndex)
		binary.LittleEndian.PutUint32(item[12:], 0)
		binary.LittleEndian.PutUint32(item[16:], noIndex)
		binary.LittleEndian.PutUint32(item[20:], 0)
		binary.LittleEndian.PutUint32(item[24:], classDataOff)
		binary.LittleEndian.PutUint32(item[28:], 0)
	}

	copy(out, "dex\n035\x00")
	h := out[32:]
	sizes := []uint32{
		uint32(len(out)), headerSize, 0x12345678, 0, 0, 0,
		uint32(ns), uint32(stringIDsOff),
		uint32(nt), uint32(typeIDsOff),
		uint32(np), uint32(protoIDsOff),
		0, 0,
		uint32(nm), uint32(methodIDsOff),
		uint32(nc), uint32(classDefsOff),
		uint32(len(out) - dataOff), uint32(dataOff),
	}
	for i, v := range sizes {
		binary.LittleEndian.PutUint32(h[4*i:], v)
	}
	sig := sha1.Sum(out[32:])
	copy(out[12:32], sig[:])
	binary.LittleEndian.PutUint32(out[8:], adler32.Checksum(out[12:]))
	return out
}

// Code 拼接多条指令
func Code(insns ...[]uint16) []uint16 {
	var out []uint16
	for _, in := range insns {
		out = append(out, in...)
	}
	return out
}

// Invoke 35c 格式的 invoke-* 指令，最多 5 个参数寄存器
func Invoke(op dex.Opcode, method uint16, regs ...uint8) []uint16 {
	var r [5]uint16
	for i, v := range regs {
		r[i] = uint16(v & 0x0f)
	}
	u0 := uint16(op) | r[4]<<8 | uint16(len(regs))<<12
	u2 := r[0] | r[1]<<4 | r[2]<<8 | r[3]<<12
	return []uint16{u0, method, u2}
}

// InvokeRange 3rc 格式的 invoke-*/range 指令
func InvokeRange(op dex.Opcode, method uint16, first, count uint16) []uint16 {
	return []uint16{uint16(op) | count<<8, method, first}
}

// ConstString const-string vAA, string@BBBB
func ConstString(reg uint8, str uint32) []uint16 {
	return []uint16{uint16(dex.OpConstString) | uint16(reg)<<8, uint16(str)}
}

// ConstStringJumbo const-string/jumbo vAA, string@BBBBBBBB
func ConstStringJumbo(reg uint8, str uint32) []uint16 {
	return []uint16{uint16(dex.OpConstStringJumb) | uint16(reg)<<8, uint16(str), uint16(str >> 16)}
}

// ReturnVoid return-void
func ReturnVoid() []uint16 {
	return []uint16{0x000e}
}

// PackedSwitchPayload 含 n 个目标的 packed-switch-payload
func PackedSwitchPayload(n int) []uint16 {
	out := []uint16{0x0100, uint16(n), 0, 0}
	for i := 0; i < n; i++ {
		out = append(out, 0, 0)
	}
	return out
}
