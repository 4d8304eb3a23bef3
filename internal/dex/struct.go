package dex

// DEX 格式常量
// https://source.android.com/docs/core/runtime/dex-format
const (
	endianConstant        = 0x12345678
	reverseEndianConstant = 0x78563412
	headerSize            = 112
	classDefSize          = 32
	methodIDSize          = 8
	fieldIDSize           = 8
	protoIDSize           = 12
	codeItemHeaderSize    = 16
	noIndex               = 0xffffffff
)

// fileHeader header_item，字段顺序与磁盘布局一致（binary.Read 直接填充）
type fileHeader struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIDsSize uint32
	StringIDsOff  uint32
	TypeIDsSize   uint32
	TypeIDsOff    uint32
	ProtoIDsSize  uint32
	ProtoIDsOff   uint32
	FieldIDsSize  uint32
	FieldIDsOff   uint32
	MethodIDsSize uint32
	MethodIDsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// classDef class_def_item
type classDef struct {
	ClassIdx        uint32
	AccessFlags     uint32
	SuperclassIdx   uint32
	InterfacesOff   uint32
	SourceFileIdx   uint32
	AnnotationsOff  uint32
	ClassDataOff    uint32
	StaticValuesOff uint32
}

// methodID method_id_item
type methodID struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

// fieldID field_id_item
type fieldID struct {
	ClassIdx uint16
	TypeIdx  uint16
	NameIdx  uint32
}

// protoID proto_id_item
type protoID struct {
	ShortyIdx     uint32
	ReturnTypeIdx uint32
	ParametersOff uint32
}
