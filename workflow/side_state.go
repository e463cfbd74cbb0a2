package workflow

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// SideState token和run的私有kv存储, 提供便捷的嵌套读写方法
// 每次写入都会递增version, 持久化的时候一起保存
type SideState struct {
	data    map[string]Value
	version int64
}

type sideStateJSON struct {
	Version int64            `json:"version"`
	Data    map[string]Value `json:"data"`
}

// NewSideState 创建空的side state
func NewSideState() *SideState {
	return &SideState{data: make(map[string]Value)}
}

// NewSideStateFromBytes 从持久化的字节恢复, 空字节得到空的side state
func NewSideStateFromBytes(b []byte) (*SideState, error) {
	s := NewSideState()
	if len(b) == 0 {
		return s, nil
	}
	var decoded sideStateJSON
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, errors.WithMessage(err, "unmarshal side state failed")
	}
	if decoded.Data != nil {
		s.data = decoded.Data
	}
	s.version = decoded.Version
	return s, nil
}

// NewSideStateFromMap 从go的map创建
func NewSideStateFromMap(m map[string]any) (*SideState, error) {
	s := NewSideState()
	for k, v := range m {
		value, err := ValueOf(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "side state key %s", k)
		}
		s.data[k] = value
	}
	return s, nil
}

// Get 获取值，支持嵌套路径
// 例如: Get("iterators", "0.1") 获取 iterators.0.1
func (s *SideState) Get(keys ...string) (Value, bool) {
	if len(keys) == 0 {
		return Value{}, false
	}
	current, ok := s.data[keys[0]]
	if !ok {
		return Value{}, false
	}
	for _, key := range keys[1:] {
		current, ok = current.Field(key)
		if !ok {
			return Value{}, false
		}
	}
	return current, true
}

func (s *SideState) Has(keys ...string) bool {
	_, ok := s.Get(keys...)
	return ok
}

func (s *SideState) GetString(keys ...string) (string, bool) {
	v, ok := s.Get(keys...)
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (s *SideState) GetInt64(keys ...string) (int64, bool) {
	v, ok := s.Get(keys...)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

func (s *SideState) GetFloat64(keys ...string) (float64, bool) {
	v, ok := s.Get(keys...)
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

func (s *SideState) GetBool(keys ...string) (bool, bool) {
	v, ok := s.Get(keys...)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// Set 设置值，支持嵌套路径, 中间路径不是map的会被覆盖成map
// 例如: Set([]string{"record", "title"}, StringValue("x"))
func (s *SideState) Set(keys []string, value Value) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	s.data[keys[0]] = setIn(s.data[keys[0]], keys[1:], value)
	s.version++
	return nil
}

// SetAny 先把go的值转成Value再Set
func (s *SideState) SetAny(keys []string, v any) error {
	value, err := ValueOf(v)
	if err != nil {
		return err
	}
	return s.Set(keys, value)
}

func setIn(current Value, keys []string, value Value) Value {
	if len(keys) == 0 {
		return value
	}
	child, _ := current.Field(keys[0])
	return current.WithField(keys[0], setIn(child, keys[1:], value))
}

// Delete 删除指定路径的值, 路径不存在什么都不做
func (s *SideState) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	if len(keys) == 1 {
		if _, ok := s.data[keys[0]]; ok {
			delete(s.data, keys[0])
			s.version++
		}
		return
	}
	root, ok := s.data[keys[0]]
	if !ok {
		return
	}
	updated, deleted := deleteIn(root, keys[1:])
	if deleted {
		s.data[keys[0]] = updated
		s.version++
	}
}

func deleteIn(current Value, keys []string) (Value, bool) {
	m, ok := current.AsMap()
	if !ok {
		return current, false
	}
	child, ok := m[keys[0]]
	if !ok {
		return current, false
	}
	copied := make(map[string]Value, len(m))
	for k, v := range m {
		copied[k] = v
	}
	if len(keys) == 1 {
		delete(copied, keys[0])
		return Value{kind: ValueKindMap, m: copied}, true
	}
	updated, deleted := deleteIn(child, keys[1:])
	if !deleted {
		return current, false
	}
	copied[keys[0]] = updated
	return Value{kind: ValueKindMap, m: copied}, true
}

// Keys 顶层key, 排好序的
func (s *SideState) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *SideState) Len() int {
	return len(s.data)
}

func (s *SideState) Version() int64 {
	return s.version
}

// ToBytes 转换为 JSON 字节
func (s *SideState) ToBytes() ([]byte, error) {
	b, err := json.Marshal(sideStateJSON{Version: s.version, Data: s.data})
	if err != nil {
		return nil, errors.WithMessage(err, "marshal side state failed")
	}
	return b, nil
}

// ToMap 转成go的原生map, 返回的是拷贝
func (s *SideState) ToMap() map[string]any {
	m := make(map[string]any, len(s.data))
	for k, v := range s.data {
		m[k] = v.Interface()
	}
	return m
}

// Clone 深拷贝
func (s *SideState) Clone() *SideState {
	cloned := &SideState{data: make(map[string]Value, len(s.data)), version: s.version}
	for k, v := range s.data {
		cloned.data[k] = v.Clone()
	}
	return cloned
}

// Merge 把other的顶层key覆盖到当前side state
func (s *SideState) Merge(other *SideState) {
	if other == nil {
		return
	}
	for k, v := range other.data {
		s.data[k] = v.Clone()
	}
	s.version++
}
