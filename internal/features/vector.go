package features

import "fmt"

// Vector 与特征表逐位对齐的 0/1 向量
type Vector []int

// NewVector 全 0 向量
func NewVector(n int) Vector {
	return make(Vector, n)
}

func (v Vector) set(i int) {
	v[i] = 1
}

// Count 置 1 的位数
func (v Vector) Count() int {
	n := 0
	for _, x := range v {
		n += x
	}
	return n
}

// Matched 置 1 的特征名，按特征表顺序
func (v Vector) Matched(s *Schema) []string {
	var out []string
	for i, x := range v {
		if x == 1 && i < s.Len() {
			out = append(out, s.Name(i))
		}
	}
	return out
}

// Floats 转成分类器输入
func (v Vector) Floats() []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Validate 检查长度与取值范围（用于反序列化得到的向量）
func (v Vector) Validate(s *Schema) error {
	if len(v) != s.Len() {
		return fmt.Errorf("vector length %d does not match schema %s length %d", len(v), s.Version(), s.Len())
	}
	for i, x := range v {
		if x != 0 && x != 1 {
			return fmt.Errorf("feature %q: value %d out of {0,1}", s.Name(i), x)
		}
	}
	return nil
}
