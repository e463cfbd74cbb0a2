package workflow

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

const maxEvaluateDepth = 32

// evaluate 一直调用Evaluator, 直到得到一个不是函数的值
func evaluate(ctx context.Context, v any, token *Token, run *Run) (any, error) {
	for depth := 0; ; depth++ {
		if depth > maxEvaluateDepth {
			return nil, errors.WithMessagef(ErrControlValueInvalid, "evaluator nested deeper than %d", maxEvaluateDepth)
		}
		var (
			next any
			err  error
		)
		switch f := v.(type) {
		case Evaluator:
			next, err = f(ctx, token, run)
		case func(context.Context, *Token, *Run) (any, error):
			next, err = f(ctx, token, run)
		default:
			return v, nil
		}
		if err != nil {
			return nil, err
		}
		v = next
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case Value:
		if b, ok := x.AsBool(); ok {
			return b, nil
		}
	}
	return false, errors.WithMessagef(ErrControlValueInvalid, "condition result %v (%T) is not a bool", v, v)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) {
			return int64(x), nil
		}
	case Value:
		if i, ok := x.AsInt(); ok {
			return i, nil
		}
	}
	return 0, errors.WithMessagef(ErrControlValueInvalid, "loop bound %v (%T) is not an integer", v, v)
}

func toList(v any) ([]Value, error) {
	value, err := ValueOf(v)
	if err != nil {
		return nil, errors.WithMessagef(ErrControlValueInvalid, "foreach list: %v", err)
	}
	if value.IsNull() {
		return []Value{}, nil
	}
	list, ok := value.AsList()
	if !ok {
		return nil, errors.WithMessagef(ErrControlValueInvalid, "foreach list is %s, not a list", value.Kind())
	}
	return list, nil
}

func (r *Run) evaluateInt(ctx context.Context, v any, token *Token) (int64, error) {
	raw, err := evaluate(ctx, v, token, r)
	if err != nil {
		return 0, err
	}
	return toInt(raw)
}

// currentSiblings 当前位置所在的序列和下标
func (r *Run) currentSiblings() ([]*Node, int, error) {
	siblings, err := r.definition.siblings(r.Position)
	if err != nil {
		return nil, 0, err
	}
	return siblings, r.Position.Index(), nil
}

// execIf 条件结果按照If的位置缓存在run side state里面, 只有后面跟着Else并且结果为true时才保留,
// Else执行的时候读取并删除
func (r *Run) execIf(ctx context.Context, token *Token, node *Node) error {
	key := r.Position.String()
	result, cached := r.SideState.GetBool(sideStateKeyConditions, key)
	if !cached {
		raw, err := evaluate(ctx, node.Cond, token, r)
		if err != nil {
			return err
		}
		result, err = toBool(raw)
		if err != nil {
			return err
		}
		if node.Negate {
			result = !result
		}
	}
	siblings, i, err := r.currentSiblings()
	if err != nil {
		return err
	}
	hasElse := i+2 < len(siblings) && siblings[i+2].Kind == NodeKindElse
	r.logger.Debug(ctx, "workflow if", "run_id", r.ID, "token_id", token.ID, "position", key, "result", result, "cached", cached)

	switch {
	case result && hasElse:
		if err := r.SideState.Set([]string{sideStateKeyConditions, key}, BoolValue(true)); err != nil {
			return err
		}
		r.moveTo(token, r.Position.NextSibling().EnterBlock())
	case result:
		r.SideState.Delete(sideStateKeyConditions, key)
		r.moveTo(token, r.Position.NextSibling().EnterBlock())
	case hasElse:
		// 直接进入else的block, Else节点本身不会执行
		r.SideState.Delete(sideStateKeyConditions, key)
		r.moveTo(token, r.Position.JumpTo(3).EnterBlock())
	default:
		r.SideState.Delete(sideStateKeyConditions, key)
		r.moveTo(token, r.Position.JumpTo(2))
	}
	return nil
}

// execElse 只有true分支执行完顺序走下来才会到这里
func (r *Run) execElse(ctx context.Context, token *Token) error {
	ifKey := r.Position.JumpTo(-2).String()
	result, cached := r.SideState.GetBool(sideStateKeyConditions, ifKey)
	r.SideState.Delete(sideStateKeyConditions, ifKey)
	if cached && !result {
		r.moveTo(token, r.Position.NextSibling().EnterBlock())
		return nil
	}
	r.logger.Debug(ctx, "workflow else skipped", "run_id", r.ID, "token_id", token.ID, "position", r.Position.String(), "cached", cached)
	r.moveTo(token, r.Position.JumpTo(2))
	return nil
}

// execFor 迭代寄存器按照For的位置保存在run side state里面,
// 挂起后恢复会从寄存器里的值继续, 不会重新开始
func (r *Run) execFor(ctx context.Context, token *Token, node *Node) error {
	siblings, i, err := r.currentSiblings()
	if err != nil {
		return err
	}
	endFor := matchingEndFor(siblings, i)
	if endFor < 0 {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "for at %s has no matching endfor", r.Position)
	}
	key := r.Position.String()

	var value, end, step int64
	register, ok := r.SideState.Get(sideStateKeyIterators, key)
	if ok {
		value, _ = fieldInt(register, "value")
		end, _ = fieldInt(register, "end")
		step, _ = fieldInt(register, "step")
	} else {
		if value, err = r.evaluateInt(ctx, node.For.Start, token); err != nil {
			return err
		}
		if end, err = r.evaluateInt(ctx, node.For.End, token); err != nil {
			return err
		}
		if step, err = r.evaluateInt(ctx, node.For.Step, token); err != nil {
			return err
		}
		if step == 0 {
			return errors.WithMessagef(ErrControlValueInvalid, "for at %s has zero step", r.Position)
		}
	}

	if (step > 0 && value >= end) || (step < 0 && value <= end) {
		r.SideState.Delete(sideStateKeyIterators, key)
		r.moveTo(token, r.Position.JumpTo(endFor-i+1))
		return nil
	}
	r.purgeConditions(i, endFor)
	if node.For.Variable != "" {
		if err := token.SideState.Set([]string{node.For.Variable}, IntValue(value)); err != nil {
			return err
		}
	}
	if err := r.SideState.Set([]string{sideStateKeyIterators, key}, MapValue(map[string]Value{
		"value": IntValue(value + step),
		"end":   IntValue(end),
		"step":  IntValue(step),
	})); err != nil {
		return err
	}
	r.moveTo(token, r.Position.NextSibling())
	return nil
}

// execForEach 循环期间token的payload换成当前元素, 循环结束后恢复
func (r *Run) execForEach(ctx context.Context, token *Token, node *Node) error {
	siblings, i, err := r.currentSiblings()
	if err != nil {
		return err
	}
	endFor := matchingEndFor(siblings, i)
	if endFor < 0 {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "foreach at %s has no matching endfor", r.Position)
	}
	key := r.Position.String()
	spec := node.ForEach

	var (
		list     []Value
		consumed int64
		previous Value
	)
	register, ok := r.SideState.Get(sideStateKeyIterators, key)
	if ok {
		consumed, _ = fieldInt(register, "next")
		previous, _ = register.Field("previous")
	} else {
		previous = token.Payload.Clone()
	}
	if ok && spec.Cache {
		cache, _ := register.Field("cache")
		list, _ = cache.AsList()
	} else {
		if list, err = r.evaluateList(ctx, spec.List, token, previous); err != nil {
			return err
		}
	}

	if consumed >= int64(len(list)) {
		token.Payload = previous
		r.SideState.Delete(sideStateKeyIterators, key)
		r.moveTo(token, r.Position.JumpTo(endFor-i+1))
		return nil
	}
	index := consumed
	if spec.Order == ListOrderDesc {
		index = int64(len(list)) - 1 - consumed
	}
	element := list[index].Clone()
	r.purgeConditions(i, endFor)
	token.Payload = element
	if spec.SaveAs != "" {
		if err := token.SideState.Set([]string{spec.SaveAs}, element); err != nil {
			return err
		}
	}
	fields := map[string]Value{
		"next":     IntValue(consumed + 1),
		"previous": previous,
	}
	if spec.Cache {
		fields["cache"] = ListValue(list...)
	}
	if err := r.SideState.Set([]string{sideStateKeyIterators, key}, MapValue(fields)); err != nil {
		return err
	}
	r.moveTo(token, r.Position.NextSibling())
	return nil
}

// evaluateList 求值时token的payload临时换回循环之前的值
func (r *Run) evaluateList(ctx context.Context, v any, token *Token, payload Value) ([]Value, error) {
	current := token.Payload
	token.Payload = payload
	defer func() {
		token.Payload = current
	}()
	raw, err := evaluate(ctx, v, token, r)
	if err != nil {
		return nil, err
	}
	return toList(raw)
}

// execEndFor 回到配对的循环节点重新判断
func (r *Run) execEndFor(ctx context.Context, token *Token) error {
	siblings, i, err := r.currentSiblings()
	if err != nil {
		return err
	}
	loop := matchingLoop(siblings, i)
	if loop < 0 {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "endfor at %s has no matching loop", r.Position)
	}
	r.moveTo(token, r.Position.JumpTo(loop-i))
	return nil
}

// purgeConditions 新的一轮迭代开始前, 清掉循环体(from, to)里面缓存的If结果
func (r *Run) purgeConditions(from, to int) {
	conditions, ok := r.SideState.Get(sideStateKeyConditions)
	if !ok {
		return
	}
	cached, _ := conditions.AsMap()
	parent := r.Position.Parent()
	depth := len(r.Position) - 1
	for key := range cached {
		p, err := ParsePosition(key)
		if err != nil || len(p) <= depth || !p.HasPrefix(parent) {
			continue
		}
		if p[depth] > from && p[depth] < to {
			r.SideState.Delete(sideStateKeyConditions, key)
		}
	}
}

func fieldInt(v Value, key string) (int64, bool) {
	field, ok := v.Field(key)
	if !ok {
		return 0, false
	}
	return field.AsInt()
}
