// Package features 将 APK 的清单信息和字节码符号映射为定长 0/1 特征向量
package features

import (
	"context"
	"iter"
	"strings"

	"github.com/apk-analysis/apk-feature-go/internal/dex"
)

// IntentActionPrefix 只有以此开头的字符串常量才作为 Intent Action 收集
const IntentActionPrefix = "android.intent.action."

// ManifestView 清单中声明的权限和四类组件，重复项不影响结果
type ManifestView struct {
	Permissions []string
	Activities  []string
	Services    []string
	Receivers   []string
	Providers   []string
}

// MethodBody 一个方法体的指令序列
type MethodBody = iter.Seq[dex.Instruction]

// Package 已打开的安装包：清单视图 + 方法体枚举
//
// Methods 每次调用都必须返回一次新的、独立的遍历。
type Package interface {
	Manifest() ManifestView
	Methods() iter.Seq[MethodBody]
}

// Stats 单次提取的统计信息
type Stats struct {
	Methods          int `json:"methods"`
	Instructions     int `json:"instructions"`
	Invocations      int `json:"invocations"`
	StringLiterals   int `json:"string_literals"`
	Malformed        int `json:"malformed"`         // 解码为 Other 的 invoke / const-string
	TruncatedMethods int `json:"truncated_methods"` // 方法体在指令中途结束

	UniqueInvocations   int `json:"unique_invocations"`
	UniqueIntentActions int `json:"unique_intent_actions"`

	PermissionHits int `json:"permission_hits"`
	ComponentHits  int `json:"component_hits"`
	InvocationHits int `json:"invocation_hits"`
	IntentHits     int `json:"intent_hits"`
}

// Result 提取结果
type Result struct {
	Vector Vector
	Stats  Stats
}

// Extractor 特征提取器，只持有只读的特征表，可并发使用
type Extractor struct {
	schema *Schema
}

// NewExtractor 创建提取器
func NewExtractor(schema *Schema) *Extractor {
	return &Extractor{schema: schema}
}

// Schema 使用的特征表
func (e *Extractor) Schema() *Schema {
	return e.schema
}

// Extract 提取特征向量
func (e *Extractor) Extract(pkg Package) Vector {
	res, _ := e.ExtractContext(context.Background(), pkg)
	return res.Vector
}

// ExtractContext 提取特征向量并统计；在方法之间检查 ctx，取消时返回 ctx.Err()
func (e *Extractor) ExtractContext(ctx context.Context, pkg Package) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Vector: NewVector(e.schema.Len())}
	st := &res.Stats

	m := pkg.Manifest()
	for _, p := range m.Permissions {
		if e.match(res.Vector, permissionSuffix(p)) {
			st.PermissionHits++
		}
	}
	for _, list := range [][]string{m.Activities, m.Services, m.Receivers, m.Providers} {
		for _, name := range list {
			if e.match(res.Vector, name) {
				st.ComponentHits++
			}
		}
	}

	invocations := make(map[string]struct{})
	actions := make(map[string]struct{})
	for body := range pkg.Methods() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.Methods++
		for in := range body {
			st.Instructions++
			if in.Truncated {
				// 截断的尾部没有操作数，只计数不解码
				st.TruncatedMethods++
				continue
			}
			switch d := Decode(in).(type) {
			case Invocation:
				st.Invocations++
				invocations[d.Symbol()] = struct{}{}
			case StringLiteral:
				st.StringLiterals++
				if strings.HasPrefix(d.Value, IntentActionPrefix) {
					actions[d.Value] = struct{}{}
				}
			default:
				if isCandidate(in.Opcode) {
					st.Malformed++
				}
			}
		}
	}

	st.UniqueInvocations = len(invocations)
	st.UniqueIntentActions = len(actions)
	for sym := range invocations {
		if e.match(res.Vector, sym) {
			st.InvocationHits++
		}
	}
	for action := range actions {
		if e.match(res.Vector, action) {
			st.IntentHits++
		}
	}
	return res, nil
}

// match 精确匹配后置位
func (e *Extractor) match(v Vector, name string) bool {
	i, ok := e.schema.Index(name)
	if ok {
		v.set(i)
	}
	return ok
}

// permissionSuffix "android.permission.READ_SMS" -> "READ_SMS"
func permissionSuffix(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
