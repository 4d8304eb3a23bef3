// Package dex 解析 Android DEX 字节码文件
//
// 只关心类、方法和方法体指令：Open 校验头部和各索引表，
// Methods / Instructions 以惰性序列的方式逐个产出方法和指令，
// 不会一次性展开整个指令流。File 在 Open 之后只读，可被多次、并发遍历。
//
// 格式说明见 https://source.android.com/docs/core/runtime/dex-format
package dex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

var (
	// ErrNotDEX 魔数不匹配
	ErrNotDEX = errors.New("not a DEX file")
	// ErrTruncated 数据长度不足
	ErrTruncated = errors.New("truncated DEX data")
)

// File 已解析的 DEX 文件
type File struct {
	data      []byte
	header    fileHeader
	stringOff []uint32
	typeIDs   []uint32
	protoIDs  []protoID
	fieldIDs  []fieldID
	methodIDs []methodID
	classDefs []classDef
}

// Open 解析内存中的 DEX 数据
func Open(data []byte) (*File, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if !bytes.Equal(data[:4], []byte("dex\n")) || data[7] != 0 {
		return nil, ErrNotDEX
	}

	f := &File{data: data}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &f.header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	switch f.header.EndianTag {
	case endianConstant:
	case reverseEndianConstant:
		return nil, fmt.Errorf("big-endian DEX is not supported")
	default:
		return nil, fmt.Errorf("bad endian tag 0x%08x", f.header.EndianTag)
	}

	h := &f.header
	var err error
	if f.stringOff, err = f.readU32Table("string_ids", h.StringIDsOff, h.StringIDsSize); err != nil {
		return nil, err
	}
	if f.typeIDs, err = f.readU32Table("type_ids", h.TypeIDsOff, h.TypeIDsSize); err != nil {
		return nil, err
	}
	if err = f.checkTable("proto_ids", h.ProtoIDsOff, h.ProtoIDsSize, protoIDSize); err != nil {
		return nil, err
	}
	f.protoIDs = make([]protoID, h.ProtoIDsSize)
	for i := range f.protoIDs {
		off := h.ProtoIDsOff + uint32(i)*protoIDSize
		f.protoIDs[i] = protoID{
			ShortyIdx:     f.u32(off),
			ReturnTypeIdx: f.u32(off + 4),
			ParametersOff: f.u32(off + 8),
		}
	}
	if err = f.checkTable("field_ids", h.FieldIDsOff, h.FieldIDsSize, fieldIDSize); err != nil {
		return nil, err
	}
	f.fieldIDs = make([]fieldID, h.FieldIDsSize)
	for i := range f.fieldIDs {
		off := h.FieldIDsOff + uint32(i)*fieldIDSize
		f.fieldIDs[i] = fieldID{ClassIdx: f.u16(off), TypeIdx: f.u16(off + 2), NameIdx: f.u32(off + 4)}
	}
	if err = f.checkTable("method_ids", h.MethodIDsOff, h.MethodIDsSize, methodIDSize); err != nil {
		return nil, err
	}
	f.methodIDs = make([]methodID, h.MethodIDsSize)
	for i := range f.methodIDs {
		off := h.MethodIDsOff + uint32(i)*methodIDSize
		f.methodIDs[i] = methodID{ClassIdx: f.u16(off), ProtoIdx: f.u16(off + 2), NameIdx: f.u32(off + 4)}
	}
	if err = f.checkTable("class_defs", h.ClassDefsOff, h.ClassDefsSize, classDefSize); err != nil {
		return nil, err
	}
	f.classDefs = make([]classDef, h.ClassDefsSize)
	for i := range f.classDefs {
		off := h.ClassDefsOff + uint32(i)*classDefSize
		cd := &f.classDefs[i]
		cd.ClassIdx = f.u32(off)
		cd.AccessFlags = f.u32(off + 4)
		cd.SuperclassIdx = f.u32(off + 8)
		cd.InterfacesOff = f.u32(off + 12)
		cd.SourceFileIdx = f.u32(off + 16)
		cd.AnnotationsOff = f.u32(off + 20)
		cd.ClassDataOff = f.u32(off + 24)
		cd.StaticValuesOff = f.u32(off + 28)
	}

	return f, nil
}

// Version DEX 版本号，如 "035"
func (f *File) Version() string {
	return string(f.header.Magic[4:7])
}

// Signature SHA-1 签名
func (f *File) Signature() [20]byte {
	return f.header.Signature
}

// NumClasses 类定义数量
func (f *File) NumClasses() int {
	return len(f.classDefs)
}

// NumMethodIDs 方法引用数量
func (f *File) NumMethodIDs() int {
	return len(f.methodIDs)
}

func (f *File) checkTable(name string, off, count, itemSize uint32) error {
	if count == 0 {
		return nil
	}
	end := uint64(off) + uint64(count)*uint64(itemSize)
	if end > uint64(len(f.data)) {
		return fmt.Errorf("%w: %s table [%d, %d) exceeds file size %d", ErrTruncated, name, off, end, len(f.data))
	}
	return nil
}

func (f *File) readU32Table(name string, off, count uint32) ([]uint32, error) {
	if err := f.checkTable(name, off, count, 4); err != nil {
		return nil, err
	}
	ret := make([]uint32, count)
	for i := range ret {
		ret[i] = f.u32(off + uint32(i)*4)
	}
	return ret, nil
}

// u16/u32 调用方已确保不越界
func (f *File) u16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(f.data[off:])
}

func (f *File) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(f.data[off:])
}

// StringAt 按索引读取字符串池，越界返回 false
func (f *File) StringAt(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.stringOff)) {
		return "", false
	}
	off := f.stringOff[idx]
	if uint64(off) >= uint64(len(f.data)) {
		return "", false
	}
	r := ulebReader{data: f.data[off:]}
	if _, ok := r.next(); !ok { // utf16_size，解码时不需要
		return "", false
	}
	return decodeMUTF8(r.data), true
}

// TypeDescriptor 按类型索引读取描述符，如 "Ljava/lang/String;"
func (f *File) TypeDescriptor(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.typeIDs)) {
		return "", false
	}
	return f.StringAt(f.typeIDs[idx])
}

// MethodRef 渲染方法引用："Lpkg.Cls->name:(params)ret"
func (f *File) MethodRef(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.methodIDs)) {
		return "", false
	}
	m := f.methodIDs[idx]
	class, ok := f.TypeDescriptor(uint32(m.ClassIdx))
	if !ok {
		return "", false
	}
	name, ok := f.StringAt(m.NameIdx)
	if !ok {
		return "", false
	}
	proto, ok := f.ProtoDescriptor(uint32(m.ProtoIdx))
	if !ok {
		return "", false
	}
	return ClassName(class) + "->" + name + ":" + proto, true
}

// FieldRef 渲染字段引用："Lpkg.Cls->name:type"
func (f *File) FieldRef(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.fieldIDs)) {
		return "", false
	}
	fd := f.fieldIDs[idx]
	class, ok := f.TypeDescriptor(uint32(fd.ClassIdx))
	if !ok {
		return "", false
	}
	name, ok := f.StringAt(fd.NameIdx)
	if !ok {
		return "", false
	}
	typ, ok := f.TypeDescriptor(uint32(fd.TypeIdx))
	if !ok {
		return "", false
	}
	return ClassName(class) + "->" + name + ":" + typ, true
}

// ProtoDescriptor 渲染方法原型，如 "(Ljava/lang/String;I)V"
func (f *File) ProtoDescriptor(idx uint32) (string, bool) {
	if uint64(idx) >= uint64(len(f.protoIDs)) {
		return "", false
	}
	p := f.protoIDs[idx]
	ret, ok := f.TypeDescriptor(p.ReturnTypeIdx)
	if !ok {
		return "", false
	}

	var sb strings.Builder
	sb.WriteByte('(')
	if p.ParametersOff != 0 {
		off := p.ParametersOff
		if uint64(off)+4 > uint64(len(f.data)) {
			return "", false
		}
		n := f.u32(off)
		if uint64(off)+4+uint64(n)*2 > uint64(len(f.data)) {
			return "", false
		}
		for i := uint32(0); i < n; i++ {
			param, ok := f.TypeDescriptor(uint32(f.u16(off + 4 + i*2)))
			if !ok {
				return "", false
			}
			sb.WriteString(param)
		}
	}
	sb.WriteByte(')')
	sb.WriteString(ret)
	return sb.String(), true
}

// ClassName 将类型描述符转换为特征表使用的形式：
// "/" 换成 "."，去掉结尾的 ";"，保留前导 "L" 和数组维度 "["。
//
//	Ljava/lang/Class;   -> Ljava.lang.Class
//	[Ljava/lang/Object; -> [Ljava.lang.Object
//	I                   -> I
func ClassName(descriptor string) string {
	s := strings.TrimSuffix(descriptor, ";")
	return strings.ReplaceAll(s, "/", ".")
}

// SourceName 将类型描述符转换为 Java 源码写法，如 "java.lang.Object[]"
func SourceName(d string) string {
	dims := 0
	for dims < len(d) && d[dims] == '[' {
		dims++
	}
	if dims == len(d) {
		return d
	}

	var base string
	switch c := d[dims]; c {
	case 'L':
		base = strings.ReplaceAll(strings.TrimSuffix(d[dims+1:], ";"), "/", ".")
	case 'B':
		base = "byte"
	case 'C':
		base = "char"
	case 'D':
		base = "double"
	case 'F':
		base = "float"
	case 'I':
		base = "int"
	case 'J':
		base = "long"
	case 'S':
		base = "short"
	case 'Z':
		base = "boolean"
	case 'V':
		base = "void"
	default:
		return d
	}
	return base + strings.Repeat("[]", dims)
}

// decodeMUTF8 解码 DEX 使用的 Modified UTF-8（以 0 结尾，补充平面字符以代理对编码）
// https://source.android.com/docs/core/runtime/dex-format#mutf-8
func decodeMUTF8(b []byte) string {
	// 纯 ASCII 快速路径
	ascii := true
	end := 0
	for end < len(b) && b[end] != 0 {
		if b[end] >= 0x80 {
			ascii = false
		}
		end++
	}
	if ascii {
		return string(b[:end])
	}

	units := make([]uint16, 0, end)
	for i := 0; i < end; {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0 && i+1 < end:
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0 && i+2 < end:
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			units = append(units, 0xfffd)
			i++
		}
	}
	return string(utf16.Decode(units))
}

// ulebReader 顺序读取 ULEB128 编码的数值
type ulebReader struct {
	data []byte
}

func (r *ulebReader) next() (uint64, bool) {
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		return 0, false
	}
	r.data = r.data[n:]
	return v, true
}
