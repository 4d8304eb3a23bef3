package dex

import (
	"encoding/binary"
	"iter"
)

// Method 带有方法体的方法（abstract / native 方法没有 code_item，不会出现）
type Method struct {
	file *File

	Index       uint32 // method_ids 下标
	Class       string // ClassName 形式，如 "Landroid.app.Activity"
	Name        string
	Proto       string
	AccessFlags uint32

	codeOff uint32
}

// Ref 方法自身的引用文本，与 invoke 操作数的格式一致
func (m *Method) Ref() string {
	return m.Class + "->" + m.Name + ":" + m.Proto
}

// Methods 依次产出所有类中带方法体的方法
//
// 每次调用都是一次独立的遍历。class_data 损坏时跳过该类的剩余部分。
func (f *File) Methods() iter.Seq[*Method] {
	return func(yield func(*Method) bool) {
		for i := range f.classDefs {
			if !f.classMethods(&f.classDefs[i], yield) {
				return
			}
		}
	}
}

// classMethods 遍历一个类的 direct + virtual 方法，yield 返回 false 时返回 false
func (f *File) classMethods(cd *classDef, yield func(*Method) bool) bool {
	if cd.ClassDataOff == 0 || uint64(cd.ClassDataOff) >= uint64(len(f.data)) {
		return true
	}
	r := ulebReader{data: f.data[cd.ClassDataOff:]}

	var counts [4]uint64 // static_fields, instance_fields, direct_methods, virtual_methods
	for i := range counts {
		v, ok := r.next()
		if !ok {
			return true
		}
		counts[i] = v
	}

	// 字段：field_idx_diff + access_flags
	for i := uint64(0); i < (counts[0]+counts[1])*2; i++ {
		if _, ok := r.next(); !ok {
			return true
		}
	}

	direct := counts[2]
	total := counts[2] + counts[3]
	var idx uint64
	for j := uint64(0); j < total; j++ {
		diff, ok1 := r.next()
		flags, ok2 := r.next()
		codeOff, ok3 := r.next()
		if !ok1 || !ok2 || !ok3 {
			return true
		}
		// 每个列表的第一个元素是绝对下标，其后为差值
		if j == 0 || j == direct {
			idx = diff
		} else {
			idx += diff
		}
		if codeOff == 0 || idx > noIndex || codeOff > noIndex {
			continue
		}
		if !yield(f.newMethod(uint32(idx), uint32(flags), uint32(codeOff))) {
			return false
		}
	}
	return true
}

func (f *File) newMethod(idx, flags, codeOff uint32) *Method {
	m := &Method{file: f, Index: idx, AccessFlags: flags, codeOff: codeOff}
	if uint64(idx) < uint64(len(f.methodIDs)) {
		id := f.methodIDs[idx]
		if class, ok := f.TypeDescriptor(uint32(id.ClassIdx)); ok {
			m.Class = ClassName(class)
		}
		m.Name, _ = f.StringAt(id.NameIdx)
		m.Proto, _ = f.ProtoDescriptor(uint32(id.ProtoIdx))
	}
	return m
}

// Instructions 按顺序产出方法体中的指令
//
// payload 伪指令被跳过；方法体在某条指令中途结束时，产出一条 Truncated 指令后停止。
func (m *Method) Instructions() iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		data := m.file.data
		start := uint64(m.codeOff) + codeItemHeaderSize
		if start > uint64(len(data)) {
			yield(Instruction{Truncated: true})
			return
		}

		size := uint64(binary.LittleEndian.Uint32(data[m.codeOff+12:]))
		avail := (uint64(len(data)) - start) / 2
		short := size > avail
		if short {
			size = avail
		}

		units := make([]uint16, size)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(data[start+uint64(i)*2:])
		}

		pos := 0
		for pos < len(units) {
			op := Opcode(units[pos] & 0xff)
			if op == OpNop {
				if n := payloadUnits(units[pos:]); n > 0 {
					pos += n
					continue
				}
			}
			n := op.Units()
			if pos+n > len(units) {
				yield(Instruction{Offset: pos, Opcode: op, Truncated: true})
				return
			}
			if !yield(m.file.decode(pos, units[pos:pos+n])) {
				return
			}
			pos += n
		}
		if short {
			yield(Instruction{Offset: pos, Truncated: true})
		}
	}
}
