package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ValueKind Value的类型标签
type ValueKind = string

const (
	ValueKindNull   ValueKind = "null"
	ValueKindBool   ValueKind = "bool"
	ValueKindInt    ValueKind = "int"
	ValueKindFloat  ValueKind = "float"
	ValueKindString ValueKind = "string"
	ValueKindBytes  ValueKind = "bytes"
	ValueKindList   ValueKind = "list"
	ValueKindMap    ValueKind = "map"
)

// Value 带类型标签的值, token的payload和side state里面保存的都是Value
// 序列化格式是稳定的 {"t":"int","v":3}, 反序列化后类型不会丢失(int不会变成float)
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	list []Value
	m    map[string]Value
}

func NullValue() Value           { return Value{kind: ValueKindNull} }
func BoolValue(b bool) Value     { return Value{kind: ValueKindBool, b: b} }
func IntValue(i int64) Value     { return Value{kind: ValueKindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: ValueKindFloat, f: f} }
func StringValue(s string) Value { return Value{kind: ValueKindString, s: s} }
func BytesValue(b []byte) Value  { return Value{kind: ValueKindBytes, raw: append([]byte(nil), b...)} }
func ListValue(items ...Value) Value {
	return Value{kind: ValueKindList, list: append([]Value{}, items...)}
}

func MapValue(m map[string]Value) Value {
	copied := make(map[string]Value, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return Value{kind: ValueKindMap, m: copied}
}

// ValueOf 把go的原生类型转成Value, 支持json.Unmarshal到any之后得到的所有类型
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return x, nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint32:
		return IntValue(int64(x)), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, errors.WithMessagef(err, "invalid number %s", x.String())
		}
		return FloatValue(f), nil
	case string:
		return StringValue(x), nil
	case []byte:
		return BytesValue(x), nil
	case []Value:
		return ListValue(x...), nil
	case []string:
		items := make([]Value, 0, len(x))
		for _, s := range x {
			items = append(items, StringValue(s))
		}
		return ListValue(items...), nil
	case []int:
		items := make([]Value, 0, len(x))
		for _, i := range x {
			items = append(items, IntValue(int64(i)))
		}
		return ListValue(items...), nil
	case []any:
		items := make([]Value, 0, len(x))
		for idx, item := range x {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, errors.WithMessagef(err, "list index %d", idx)
			}
			items = append(items, converted)
		}
		return ListValue(items...), nil
	case map[string]Value:
		return MapValue(x), nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			converted, err := ValueOf(item)
			if err != nil {
				return Value{}, errors.WithMessagef(err, "map key %s", k)
			}
			m[k] = converted
		}
		return Value{kind: ValueKindMap, m: m}, nil
	}
	return Value{}, errors.Errorf("unsupported value type %T", v)
}

// MustValueOf 和ValueOf一样, 失败直接panic, 只用在常量构造上
func MustValueOf(v any) Value {
	value, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return value
}

func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return ValueKindNull
	}
	return v.kind
}

func (v Value) IsNull() bool { return v.Kind() == ValueKindNull }

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == ValueKindBool
}

func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case ValueKindInt:
		return v.i, true
	case ValueKindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), true
		}
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case ValueKindFloat:
		return v.f, true
	case ValueKindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == ValueKindString
}

func (v Value) AsBytes() ([]byte, bool) {
	return v.raw, v.kind == ValueKindBytes
}

// AsList 返回的切片是内部引用, 修改前先Clone
func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == ValueKindList
}

// AsMap 返回的map是内部引用, 修改前先Clone
func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == ValueKindMap
}

// Field map类型的取值, 非map或者没有这个key返回false
func (v Value) Field(key string) (Value, bool) {
	if v.kind != ValueKindMap {
		return Value{}, false
	}
	field, ok := v.m[key]
	return field, ok
}

// WithField 返回设置了key之后的新map, 原来的值不受影响
func (v Value) WithField(key string, field Value) Value {
	m := make(map[string]Value, len(v.m)+1)
	if v.kind == ValueKindMap {
		for k, item := range v.m {
			m[k] = item
		}
	}
	m[key] = field
	return Value{kind: ValueKindMap, m: m}
}

// Interface 转回go的原生类型
func (v Value) Interface() any {
	switch v.kind {
	case ValueKindBool:
		return v.b
	case ValueKindInt:
		return v.i
	case ValueKindFloat:
		return v.f
	case ValueKindString:
		return v.s
	case ValueKindBytes:
		return append([]byte(nil), v.raw...)
	case ValueKindList:
		items := make([]any, 0, len(v.list))
		for _, item := range v.list {
			items = append(items, item.Interface())
		}
		return items
	case ValueKindMap:
		m := make(map[string]any, len(v.m))
		for k, item := range v.m {
			m[k] = item.Interface()
		}
		return m
	}
	return nil
}

// Clone 深拷贝
func (v Value) Clone() Value {
	switch v.kind {
	case ValueKindBytes:
		return BytesValue(v.raw)
	case ValueKindList:
		items := make([]Value, 0, len(v.list))
		for _, item := range v.list {
			items = append(items, item.Clone())
		}
		return Value{kind: ValueKindList, list: items}
	case ValueKindMap:
		m := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			m[k] = item.Clone()
		}
		return Value{kind: ValueKindMap, m: m}
	}
	return v
}

func (v Value) Equal(other Value) bool {
	if v.Kind() != other.Kind() {
		return false
	}
	switch v.kind {
	case ValueKindBool:
		return v.b == other.b
	case ValueKindInt:
		return v.i == other.i
	case ValueKindFloat:
		return v.f == other.f
	case ValueKindString:
		return v.s == other.s
	case ValueKindBytes:
		return string(v.raw) == string(other.raw)
	case ValueKindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case ValueKindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for k, item := range v.m {
			otherItem, ok := other.m[k]
			if !ok || !item.Equal(otherItem) {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case ValueKindBool:
		return fmt.Sprintf("%t", v.b)
	case ValueKindInt:
		return fmt.Sprintf("%d", v.i)
	case ValueKindFloat:
		return fmt.Sprintf("%g", v.f)
	case ValueKindString:
		return v.s
	case ValueKindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	case ValueKindList:
		parts := make([]string, 0, len(v.list))
		for _, item := range v.list {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, " ") + "]"
	case ValueKindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+v.m[k].String())
		}
		return "{" + strings.Join(parts, " ") + "}"
	}
	return "null"
}

type valueJSON struct {
	T ValueKind       `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var (
		payload any
		kind    = v.Kind()
	)
	switch kind {
	case ValueKindNull:
		return json.Marshal(valueJSON{T: kind})
	case ValueKindBool:
		payload = v.b
	case ValueKindInt:
		payload = v.i
	case ValueKindFloat:
		payload = v.f
	case ValueKindString:
		payload = v.s
	case ValueKindBytes:
		payload = v.raw
	case ValueKindList:
		if v.list == nil {
			payload = []Value{}
		} else {
			payload = v.list
		}
	case ValueKindMap:
		if v.m == nil {
			payload = map[string]Value{}
		} else {
			payload = v.m
		}
	default:
		return nil, errors.Errorf("unknown value kind %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal %s value failed", kind)
	}
	return json.Marshal(valueJSON{T: kind, V: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var encoded valueJSON
	if err := json.Unmarshal(data, &encoded); err != nil {
		return errors.WithMessage(err, "unmarshal value envelope failed")
	}
	var (
		decoded Value
		err     error
	)
	switch encoded.T {
	case ValueKindNull, "":
		decoded = NullValue()
	case ValueKindBool:
		err = json.Unmarshal(encoded.V, &decoded.b)
	case ValueKindInt:
		err = json.Unmarshal(encoded.V, &decoded.i)
	case ValueKindFloat:
		err = json.Unmarshal(encoded.V, &decoded.f)
	case ValueKindString:
		err = json.Unmarshal(encoded.V, &decoded.s)
	case ValueKindBytes:
		err = json.Unmarshal(encoded.V, &decoded.raw)
	case ValueKindList:
		decoded.list = make([]Value, 0)
		err = json.Unmarshal(encoded.V, &decoded.list)
	case ValueKindMap:
		decoded.m = make(map[string]Value)
		err = json.Unmarshal(encoded.V, &decoded.m)
	default:
		return errors.Errorf("unknown value kind %s", encoded.T)
	}
	if err != nil {
		return errors.WithMessagef(err, "unmarshal %s value failed", encoded.T)
	}
	if encoded.T != "" {
		decoded.kind = encoded.T
	}
	*v = decoded
	return nil
}
