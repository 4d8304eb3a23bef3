package features

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptySchema 特征表为空
	ErrEmptySchema = errors.New("feature schema is empty")
	// ErrDuplicateFeature 特征名重复
	ErrDuplicateFeature = errors.New("duplicate feature name")
)

// Schema 有序、不可变的特征名表，下标即向量位置
//
// 构造后只读，可在并发的提取调用之间共享。
type Schema struct {
	version string
	names   []string
	index   map[string]int
}

// NewSchema 构造特征表，names 会被复制
func NewSchema(version string, names []string) (*Schema, error) {
	if len(names) == 0 {
		return nil, ErrEmptySchema
	}
	s := &Schema{
		version: version,
		names:   make([]string, len(names)),
		index:   make(map[string]int, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("feature %d: empty name", i)
		}
		if prev, ok := s.index[name]; ok {
			return nil, fmt.Errorf("%w: %q at %d and %d", ErrDuplicateFeature, name, prev, i)
		}
		s.names[i] = name
		s.index[name] = i
	}
	return s, nil
}

// MustSchema 同 NewSchema，出错时 panic，用于内置表
func MustSchema(version string, names []string) *Schema {
	s, err := NewSchema(version, names)
	if err != nil {
		panic(err)
	}
	return s
}

// Index 特征名对应的下标
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Name 下标对应的特征名
func (s *Schema) Name(i int) string {
	return s.names[i]
}

// Names 特征名副本
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len 特征数量，即向量长度
func (s *Schema) Len() int {
	return len(s.names)
}

// Version 特征表版本，随分类模型一起变更
func (s *Schema) Version() string {
	return s.version
}

// schemaFile YAML 文件格式
type schemaFile struct {
	Version  string   `yaml:"version"`
	Features []string `yaml:"features"`
}

// LoadSchema 从 YAML 读取特征表
//
//	version: drebin-35
//	features:
//	  - SEND_SMS
//	  - Ljava.lang.Runtime->exec
func LoadSchema(r io.Reader) (*Schema, error) {
	var f schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("schema version is required")
	}
	return NewSchema(f.Version, f.Features)
}

// LoadSchemaFile 从文件读取特征表
func LoadSchemaFile(path string) (*Schema, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer file.Close()

	s, err := LoadSchema(file)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return s, nil
}
