package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type NodeKind = string

const (
	NodeKindTask    NodeKind = "task"
	NodeKindIf      NodeKind = "if"
	NodeKindElse    NodeKind = "else"
	NodeKindFor     NodeKind = "for"
	NodeKindForEach NodeKind = "foreach"
	NodeKindEndFor  NodeKind = "endfor"
	NodeKindBlock   NodeKind = "block"
)

// TaskFunc 任务函数, 可以读写token的payload/side state和run的side state
// 返回nil表示继续下一个节点, 返回*Signal控制流程, 返回其他error表示任务失败
// 不要在函数返回之后继续持有token和run
type TaskFunc func(ctx context.Context, token *Token, run *Run) error

// Evaluator 条件/循环边界/列表的求值函数, 返回值还是Evaluator的会继续求值
type Evaluator func(ctx context.Context, token *Token, run *Run) (any, error)

type ListOrder = string

const (
	ListOrderAsc  ListOrder = "asc"
	ListOrderDesc ListOrder = "desc"
)

// ForSpec For循环的参数, Start/End/Step 可以是整数或者Evaluator
// End是开区间, For(0,3,1)依次得到0,1,2
type ForSpec struct {
	Start    any
	End      any
	Step     any
	Variable string
}

// ForEachSpec ForEach循环的参数, List可以是[]Value, list类型的Value, go切片或者Evaluator
type ForEachSpec struct {
	List any
	// 当前元素额外保存到token side state的key
	SaveAs string
	// true: 第一次进入时求值并缓存, false: 每次迭代重新求值
	Cache bool
	Order ListOrder
}

// Node 流程定义里面的节点, 创建之后不可修改
type Node struct {
	Kind     NodeKind
	Name     string
	Task     TaskFunc
	Cond     any
	Negate   bool
	For      *ForSpec
	ForEach  *ForEachSpec
	Children []*Node
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeKindTask:
		return n.Name
	case NodeKindBlock:
		return fmt.Sprintf("block(%d)", len(n.Children))
	}
	if n.Name != "" {
		return fmt.Sprintf("%s(%s)", n.Kind, n.Name)
	}
	return n.Kind
}

// Task 任务节点, name会记录到token的task history里面
func Task(name string, fn TaskFunc) *Node {
	return &Node{Kind: NodeKindTask, Name: name, Task: fn}
}

// If 条件为true进入后面的block, 否则跳过, 如果后面有Else进入Else的block
func If(cond any) *Node {
	return &Node{Kind: NodeKindIf, Cond: cond}
}

// IfNot 条件取反的If
func IfNot(cond any) *Node {
	return &Node{Kind: NodeKindIf, Cond: cond, Negate: true}
}

func Else() *Node {
	return &Node{Kind: NodeKindElse}
}

func For(start, end, step any, variable string) *Node {
	return &Node{Kind: NodeKindFor, For: &ForSpec{Start: start, End: end, Step: step, Variable: variable}}
}

type ForEachOption func(spec *ForEachSpec)

func WithSaveAs(key string) ForEachOption {
	return func(spec *ForEachSpec) { spec.SaveAs = key }
}

func WithCache(cache bool) ForEachOption {
	return func(spec *ForEachSpec) { spec.Cache = cache }
}

func WithOrder(order ListOrder) ForEachOption {
	return func(spec *ForEachSpec) { spec.Order = order }
}

func ForEach(list any, opts ...ForEachOption) *Node {
	spec := &ForEachSpec{List: list, Order: ListOrderAsc}
	for _, opt := range opts {
		opt(spec)
	}
	return &Node{Kind: NodeKindForEach, ForEach: spec}
}

func EndFor() *Node {
	return &Node{Kind: NodeKindEndFor}
}

// Block 嵌套的子序列, 顺序执行到这里会自动进入
func Block(nodes ...*Node) *Node {
	return &Node{Kind: NodeKindBlock, Children: nodes}
}

// WorkflowDefinition 命名的, 不可变的流程定义, 多个run共享只读
type WorkflowDefinition struct {
	name string
	root []*Node
}

// NewWorkflowDefinition 创建流程定义, 会检查控制节点的嵌套结构
func NewWorkflowDefinition(name string, nodes ...*Node) (*WorkflowDefinition, error) {
	if name == "" {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "name is empty")
	}
	if err := validateSequence(nodes, RootPosition()); err != nil {
		return nil, errors.WithMessagef(err, "workflow %s", name)
	}
	return &WorkflowDefinition{name: name, root: nodes}, nil
}

func (d *WorkflowDefinition) Name() string {
	return d.name
}

// Root 根序列, 调用方不能修改
func (d *WorkflowDefinition) Root() []*Node {
	return d.root
}

func validateSequence(nodes []*Node, start PositionVector) error {
	at := func(i int) string {
		return start.JumpTo(i).String()
	}
	for i, node := range nodes {
		if node == nil {
			return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "nil node at %s", at(i))
		}
		switch node.Kind {
		case NodeKindTask:
			if node.Task == nil || node.Name == "" {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "task at %s needs a name and a function", at(i))
			}
		case NodeKindIf:
			if node.Cond == nil {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "if at %s has no condition", at(i))
			}
			if !isBlockAt(nodes, i+1) {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "if at %s must be followed by a block", at(i))
			}
		case NodeKindElse:
			if i < 2 || nodes[i-2].Kind != NodeKindIf || !isBlockAt(nodes, i-1) {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "else at %s does not follow an if block", at(i))
			}
			if !isBlockAt(nodes, i+1) {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "else at %s must be followed by a block", at(i))
			}
		case NodeKindFor, NodeKindForEach:
			if node.Kind == NodeKindFor && (node.For == nil || node.For.Start == nil || node.For.End == nil || node.For.Step == nil) {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "for at %s needs start, end and step", at(i))
			}
			if node.Kind == NodeKindForEach && (node.ForEach == nil || node.ForEach.List == nil) {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "foreach at %s needs a list", at(i))
			}
			if node.Kind == NodeKindForEach && node.ForEach.Order != ListOrderAsc && node.ForEach.Order != ListOrderDesc {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "foreach at %s has unknown order %q", at(i), node.ForEach.Order)
			}
			if matchingEndFor(nodes, i) < 0 {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "%s at %s has no matching endfor", node.Kind, at(i))
			}
		case NodeKindEndFor:
			if matchingLoop(nodes, i) < 0 {
				return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "endfor at %s has no matching loop", at(i))
			}
		case NodeKindBlock:
			if err := validateSequence(node.Children, start.JumpTo(i).EnterBlock()); err != nil {
				return err
			}
		default:
			return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "unknown node kind %q at %s", node.Kind, at(i))
		}
	}
	return nil
}

func isBlockAt(nodes []*Node, i int) bool {
	return i >= 0 && i < len(nodes) && nodes[i] != nil && nodes[i].Kind == NodeKindBlock
}

// matchingEndFor 同一层里面和nodes[i]这个循环配对的EndFor下标, 找不到返回-1
func matchingEndFor(nodes []*Node, i int) int {
	depth := 0
	for j := i + 1; j < len(nodes); j++ {
		if nodes[j] == nil {
			continue
		}
		switch nodes[j].Kind {
		case NodeKindFor, NodeKindForEach:
			depth++
		case NodeKindEndFor:
			if depth == 0 {
				return j
			}
			depth--
		}
	}
	return -1
}

// matchingLoop 同一层里面和nodes[i]这个EndFor配对的循环下标, 找不到返回-1
func matchingLoop(nodes []*Node, i int) int {
	depth := 0
	for j := i - 1; j >= 0; j-- {
		if nodes[j] == nil {
			continue
		}
		switch nodes[j].Kind {
		case NodeKindEndFor:
			depth++
		case NodeKindFor, NodeKindForEach:
			if depth == 0 {
				return j
			}
			depth--
		}
	}
	return -1
}

// siblings 位置p所在的那一层序列
func (d *WorkflowDefinition) siblings(p PositionVector) ([]*Node, error) {
	if p.IsTerminal() {
		return nil, errors.WithMessage(ErrPositionInvalid, "terminal position has no siblings")
	}
	seq := d.root
	for depth, c := range p[:len(p)-1] {
		if c < 0 || c >= len(seq) || seq[c].Kind != NodeKindBlock {
			return nil, errors.WithMessagef(ErrPositionInvalid, "position %s: level %d is not a block", p, depth)
		}
		seq = seq[c].Children
	}
	return seq, nil
}

// NodeAt 严格按照坐标取节点, 不做任何归一化
func (d *WorkflowDefinition) NodeAt(p PositionVector) (*Node, error) {
	seq, err := d.siblings(p)
	if err != nil {
		return nil, err
	}
	i := p.Index()
	if i < 0 || i >= len(seq) {
		return nil, errors.WithMessagef(ErrPositionInvalid, "position %s out of range", p)
	}
	return seq[i], nil
}

// Resolve 把位置归一化到一个可以执行的节点:
// 超过某一层的末尾就退出这一层, 超过根的末尾就是terminal(返回nil节点),
// 落在block上就进入这个block
func (d *WorkflowDefinition) Resolve(p PositionVector) (PositionVector, *Node, error) {
	current := p.Clone()
	for {
		if current.IsTerminal() {
			return current, nil, nil
		}
		seq, err := d.siblings(current)
		if err != nil {
			return nil, nil, err
		}
		i := current.Index()
		if i >= len(seq) {
			current = current.ExitBlock(1)
			continue
		}
		node := seq[i]
		if node.Kind == NodeKindBlock {
			current = current.EnterBlock()
			continue
		}
		return current, node, nil
	}
}
