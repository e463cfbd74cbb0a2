package workflow

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PositionVector 从根到当前节点的坐标路径, 每一层一个下标
// 空的vector表示已经走到流程末尾(terminal)
type PositionVector []int

const terminalPositionText = "end"

// RootPosition 流程的第一个节点
func RootPosition() PositionVector {
	return PositionVector{0}
}

func (p PositionVector) IsTerminal() bool {
	return len(p) == 0
}

func (p PositionVector) Clone() PositionVector {
	if p == nil {
		return nil
	}
	return append(PositionVector{}, p...)
}

func (p PositionVector) Equal(other PositionVector) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// EnterBlock 进入当前节点后面的block, 追加坐标0
func (p PositionVector) EnterBlock() PositionVector {
	return append(p.Clone(), 0)
}

// NextSibling 最深一层坐标+1
func (p PositionVector) NextSibling() PositionVector {
	return p.JumpTo(1)
}

// ExitBlock 去掉最深的levels层坐标, 然后露出来的那一层+1
// 退出根这一层之后就是terminal
func (p PositionVector) ExitBlock(levels int) PositionVector {
	if levels <= 0 {
		return p.Clone()
	}
	if levels >= len(p) {
		return PositionVector{}
	}
	next := p[:len(p)-levels].Clone()
	next[len(next)-1]++
	return next
}

// JumpTo 最深一层坐标加上偏移量, 最小为0
func (p PositionVector) JumpTo(offset int) PositionVector {
	if p.IsTerminal() {
		return PositionVector{}
	}
	next := p.Clone()
	next[len(next)-1] += offset
	if next[len(next)-1] < 0 {
		next[len(next)-1] = 0
	}
	return next
}

// Parent 去掉最深一层, 根这一层的parent是空
func (p PositionVector) Parent() PositionVector {
	if len(p) <= 1 {
		return PositionVector{}
	}
	return p[:len(p)-1].Clone()
}

// Index 最深一层的下标
func (p PositionVector) Index() int {
	if p.IsTerminal() {
		return -1
	}
	return p[len(p)-1]
}

// HasPrefix p是否在prefix这个路径下面(包含相等)
func (p PositionVector) HasPrefix(prefix PositionVector) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// String 持久化和side state的key使用, 格式 0.2.1, terminal是end
func (p PositionVector) String() string {
	if p.IsTerminal() {
		return terminalPositionText
	}
	parts := make([]string, 0, len(p))
	for _, c := range p {
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ".")
}

// ParsePosition String的逆操作, 空字符串和end都是terminal
func ParsePosition(s string) (PositionVector, error) {
	if s == "" || s == terminalPositionText {
		return PositionVector{}, nil
	}
	parts := strings.Split(s, ".")
	p := make(PositionVector, 0, len(parts))
	for _, part := range parts {
		c, err := strconv.Atoi(part)
		if err != nil || c < 0 {
			return nil, errors.WithMessagef(ErrPositionInvalid, "parse position %q", s)
		}
		p = append(p, c)
	}
	return p, nil
}
