package features

import (
	"strings"

	"github.com/apk-analysis/apk-feature-go/internal/dex"
)

// Decoded 指令解码结果：Invocation、StringLiteral 或 Other 之一
type Decoded interface {
	decoded()
}

// Invocation 方法调用，ClassName 形如 "Ljava.lang.Class"
type Invocation struct {
	ClassName  string
	MethodName string
}

// StringLiteral const-string 加载的字符串常量
type StringLiteral struct {
	Value string
}

// Other 不携带特征信号的指令，包括操作数畸形的 invoke / const-string
type Other struct{}

func (Invocation) decoded()    {}
func (StringLiteral) decoded() {}
func (Other) decoded()         {}

// Symbol 特征表中使用的调用符号 "class->method"
func (i Invocation) Symbol() string {
	return i.ClassName + "->" + i.MethodName
}

// isInvoke invoke-virtual / super / direct / static / interface
func isInvoke(op dex.Opcode) bool {
	return op >= dex.OpInvokeVirtual && op <= dex.OpInvokeInterface
}

// isCandidate 属于关心的两类操作码
func isCandidate(op dex.Opcode) bool {
	return isInvoke(op) || op == dex.OpConstString
}

// Decode 解码一条指令，任何异常形态都降级为 Other，不会 panic
func Decode(in dex.Instruction) Decoded {
	switch {
	case isInvoke(in.Opcode):
		return decodeInvocation(in.Operands)
	case in.Opcode == dex.OpConstString:
		return decodeStringLiteral(in.Operands)
	default:
		return Other{}
	}
}

// decodeInvocation 方法引用文本 "Lpkg.Cls->name:(params)ret"
func decodeInvocation(ops []dex.Operand) Decoded {
	ref, ok := methodOperand(ops)
	if !ok {
		return Other{}
	}

	class, rest, found := strings.Cut(ref, "->")
	if !found || class == "" {
		return Other{}
	}
	method := rest
	if i := strings.IndexAny(rest, ":("); i >= 0 {
		method = rest[:i]
	}
	if method == "" {
		return Other{}
	}
	return Invocation{ClassName: class, MethodName: method}
}

// methodOperand 取最后一个已解析的方法引用操作数（35c / 3rc 中寄存器在前）
func methodOperand(ops []dex.Operand) (string, bool) {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Kind != dex.KindMethod {
			continue
		}
		if !op.Resolved || op.Text == "" {
			return "", false
		}
		return op.Text, true
	}
	return "", false
}

// decodeStringLiteral 字符串在第二个操作数：[vAA, string]
func decodeStringLiteral(ops []dex.Operand) Decoded {
	if len(ops) < 2 {
		return Other{}
	}
	op := ops[1]
	if op.Kind != dex.KindString || !op.Resolved {
		return Other{}
	}
	return StringLiteral{Value: op.Text}
}
