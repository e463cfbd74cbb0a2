package workflow

import (
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ExpressionCompiler 把定义文件里面的表达式编译成Evaluator, 比如lua表达式
type ExpressionCompiler interface {
	Compile(expr string) (Evaluator, error)
}

// DefinitionConfig 流程定义配置, 支持yaml和json
type DefinitionConfig struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Description string        `yaml:"description" json:"description"`
	Steps       []*StepConfig `yaml:"steps" json:"steps" validate:"required,min=1,dive,required"`
}

// StepConfig 一个步骤, task/if/for/foreach/block 只能设置一个
type StepConfig struct {
	Task string `yaml:"task,omitempty" json:"task,omitempty"`
	// 注册的evaluator名字或者表达式
	If   string        `yaml:"if,omitempty" json:"if,omitempty"`
	Not  bool          `yaml:"not,omitempty" json:"not,omitempty"`
	Then []*StepConfig `yaml:"then,omitempty" json:"then,omitempty" validate:"omitempty,dive,required"`
	Else []*StepConfig `yaml:"else,omitempty" json:"else,omitempty" validate:"omitempty,dive,required"`

	For     *ForConfig     `yaml:"for,omitempty" json:"for,omitempty"`
	ForEach *ForEachConfig `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	Do      []*StepConfig  `yaml:"do,omitempty" json:"do,omitempty" validate:"omitempty,dive,required"`

	Block []*StepConfig `yaml:"block,omitempty" json:"block,omitempty" validate:"omitempty,dive,required"`
}

// ForConfig 边界可以是整数, 注册的evaluator名字或者表达式
type ForConfig struct {
	Start any    `yaml:"start" json:"start"`
	End   any    `yaml:"end" json:"end"`
	Step  any    `yaml:"step" json:"step"`
	Var   string `yaml:"var,omitempty" json:"var,omitempty"`
}

type ForEachConfig struct {
	List   string `yaml:"list" json:"list" validate:"required"`
	SaveAs string `yaml:"save_as,omitempty" json:"save_as,omitempty"`
	Cache  bool   `yaml:"cache,omitempty" json:"cache,omitempty"`
	Order  string `yaml:"order,omitempty" json:"order,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Registry 流程定义, 任务和evaluator的注册表, 显式注入到服务里面
type Registry struct {
	configs     sync.Map // name -> *DefinitionConfig
	definitions sync.Map // name -> *WorkflowDefinition
	tasks       sync.Map // name -> TaskFunc
	evaluators  sync.Map // name -> Evaluator
	loadLock    sync.Mutex
	compiler    ExpressionCompiler
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (g *Registry) SetExpressionCompiler(compiler ExpressionCompiler) {
	g.loadLock.Lock()
	defer g.loadLock.Unlock()
	g.compiler = compiler
}

func (g *Registry) HasExpressionCompiler() bool {
	g.loadLock.Lock()
	defer g.loadLock.Unlock()
	return g.compiler != nil
}

/**
 * @description: 注册任务, 定义文件里面通过名字引用
 * @param name string
 * @param fn TaskFunc
 * @return error
 */
func (g *Registry) RegisterTask(name string, fn TaskFunc) error {
	if name == "" || fn == nil {
		return errors.New("task name or function is empty")
	}
	if _, loaded := g.tasks.LoadOrStore(name, fn); loaded {
		return errors.WithMessagef(ErrTaskAlreadyRegistered, "task: %s", name)
	}
	return nil
}

func (g *Registry) Task(name string) (TaskFunc, error) {
	fn, ok := g.tasks.Load(name)
	if !ok {
		return nil, errors.WithMessagef(ErrTaskNotFound, "task: %s", name)
	}
	return fn.(TaskFunc), nil
}

func (g *Registry) RegisterEvaluator(name string, evaluator Evaluator) error {
	if name == "" || evaluator == nil {
		return errors.New("evaluator name or function is empty")
	}
	if _, loaded := g.evaluators.LoadOrStore(name, evaluator); loaded {
		return errors.WithMessagef(ErrEvaluatorAlreadyRegistered, "evaluator: %s", name)
	}
	return nil
}

func (g *Registry) Evaluator(name string) (Evaluator, error) {
	ev, ok := g.evaluators.Load(name)
	if !ok {
		return nil, errors.WithMessagef(ErrEvaluatorNotFound, "evaluator: %s", name)
	}
	return ev.(Evaluator), nil
}

// RegisterDefinition 注册已经构建好的定义
func (g *Registry) RegisterDefinition(definition *WorkflowDefinition) error {
	if definition == nil {
		return errors.WithMessage(ErrWorkflowDefinitionInvalid, "definition is nil")
	}
	if _, ok := g.configs.Load(definition.Name()); ok {
		return errors.WithMessagef(ErrWorkflowDefinitionAlreadyRegistered, "definition: %s", definition.Name())
	}
	if _, loaded := g.definitions.LoadOrStore(definition.Name(), definition); loaded {
		return errors.WithMessagef(ErrWorkflowDefinitionAlreadyRegistered, "definition: %s", definition.Name())
	}
	return nil
}

/*
*
  - @description: 加载流程定义配置
    只做存储使用，配置在第一次Definition的时候才构建, 这样任务可以在配置之后注册
  - @param config *DefinitionConfig
  - @return error
*/
func (g *Registry) LoadDefinitionConfig(config *DefinitionConfig) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "definition config %s: %v", config.Name, err)
	}
	if _, ok := g.definitions.Load(config.Name); ok {
		return errors.WithMessagef(ErrWorkflowDefinitionAlreadyRegistered, "definition: %s", config.Name)
	}
	if _, loaded := g.configs.LoadOrStore(config.Name, config); loaded {
		return errors.WithMessagef(ErrWorkflowDefinitionAlreadyRegistered, "definition: %s", config.Name)
	}
	return nil
}

// LoadDefinitionBytes 解析yaml或者json的定义, json是yaml的子集, 统一用yaml解析
func (g *Registry) LoadDefinitionBytes(data []byte) (*DefinitionConfig, error) {
	config := &DefinitionConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "parse definition failed: %v", err)
	}
	if err := g.LoadDefinitionConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadDefinitionsDir 加载目录下所有的 .yaml/.yml/.json 定义文件
func (g *Registry) LoadDefinitionsDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.WithMessagef(err, "read definitions dir %s failed", dir)
	}
	errorlist := make([]error, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errorlist = append(errorlist, errors.WithMessagef(err, "read %s failed", path))
			continue
		}
		if _, err := g.LoadDefinitionBytes(data); err != nil {
			errorlist = append(errorlist, errors.WithMessagef(err, "load %s failed", path))
		}
	}
	if len(errorlist) > 0 {
		return goerrors.Join(errorlist...)
	}
	return nil
}

// Definition 按名字取定义, 配置第一次使用时构建, 未知的名字返回ErrWorkflowDefinitionNotFound
func (g *Registry) Definition(name string) (*WorkflowDefinition, error) {
	if i, ok := g.definitions.Load(name); ok {
		return i.(*WorkflowDefinition), nil
	}
	g.loadLock.Lock()
	defer g.loadLock.Unlock()
	if i, ok := g.definitions.Load(name); ok {
		return i.(*WorkflowDefinition), nil
	}
	i, ok := g.configs.Load(name)
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionNotFound, "definition: %s", name)
	}
	config := i.(*DefinitionConfig)
	nodes, err := g.buildSteps(config.Steps)
	if err != nil {
		return nil, errors.WithMessagef(err, "build definition %s failed", name)
	}
	definition, err := NewWorkflowDefinition(name, nodes...)
	if err != nil {
		return nil, err
	}
	g.definitions.Store(name, definition)
	return definition, nil
}

// DefinitionNames 所有已知的定义名字, 包括还没有构建的配置
func (g *Registry) DefinitionNames() []string {
	seen := make(map[string]bool)
	collect := func(key, _ any) bool {
		seen[key.(string)] = true
		return true
	}
	g.configs.Range(collect)
	g.definitions.Range(collect)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preload 构建所有的定义, 进程启动时调用, 配置错误在任何run开始之前暴露出来
func (g *Registry) Preload() error {
	errorlist := make([]error, 0)
	for _, name := range g.DefinitionNames() {
		if _, err := g.Definition(name); err != nil {
			errorlist = append(errorlist, err)
		}
	}
	if len(errorlist) > 0 {
		return goerrors.Join(errorlist...)
	}
	return nil
}

func (g *Registry) buildSteps(steps []*StepConfig) ([]*Node, error) {
	nodes := make([]*Node, 0, len(steps))
	for i, step := range steps {
		built, err := g.buildStep(step)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", i)
		}
		nodes = append(nodes, built...)
	}
	return nodes, nil
}

func (g *Registry) buildStep(step *StepConfig) ([]*Node, error) {
	kinds := 0
	for _, set := range []bool{step.Task != "", step.If != "", step.For != nil, step.ForEach != nil, len(step.Block) > 0} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "step must set exactly one of task, if, for, foreach, block")
	}
	switch {
	case step.Task != "":
		fn, err := g.Task(step.Task)
		if err != nil {
			return nil, err
		}
		return []*Node{Task(step.Task, fn)}, nil
	case step.If != "":
		cond, err := g.resolveOperand(step.If)
		if err != nil {
			return nil, err
		}
		then, err := g.buildSteps(step.Then)
		if err != nil {
			return nil, errors.WithMessage(err, "then")
		}
		marker := If(cond)
		if step.Not {
			marker = IfNot(cond)
		}
		nodes := []*Node{marker, Block(then...)}
		if len(step.Else) > 0 {
			otherwise, err := g.buildSteps(step.Else)
			if err != nil {
				return nil, errors.WithMessage(err, "else")
			}
			nodes = append(nodes, Else(), Block(otherwise...))
		}
		return nodes, nil
	case step.For != nil:
		var bounds [3]any
		for i, raw := range []any{step.For.Start, step.For.End, step.For.Step} {
			if raw == nil {
				return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "for needs start, end and step")
			}
			bound, err := g.resolveOperand(raw)
			if err != nil {
				return nil, err
			}
			bounds[i] = bound
		}
		body, err := g.buildSteps(step.Do)
		if err != nil {
			return nil, errors.WithMessage(err, "do")
		}
		return []*Node{For(bounds[0], bounds[1], bounds[2], step.For.Var), Block(body...), EndFor()}, nil
	case step.ForEach != nil:
		list, err := g.resolveOperand(step.ForEach.List)
		if err != nil {
			return nil, err
		}
		body, err := g.buildSteps(step.Do)
		if err != nil {
			return nil, errors.WithMessage(err, "do")
		}
		order := ListOrderAsc
		if step.ForEach.Order != "" {
			order = step.ForEach.Order
		}
		marker := ForEach(list, WithSaveAs(step.ForEach.SaveAs), WithCache(step.ForEach.Cache), WithOrder(order))
		return []*Node{marker, Block(body...), EndFor()}, nil
	}
	body, err := g.buildSteps(step.Block)
	if err != nil {
		return nil, errors.WithMessage(err, "block")
	}
	return []*Node{Block(body...)}, nil
}

// resolveOperand 整数原样返回, 字符串先找注册的evaluator, 找不到按表达式编译
func (g *Registry) resolveOperand(raw any) (any, error) {
	switch v := raw.(type) {
	case int, int64:
		return v, nil
	case float64:
		return v, nil
	case bool:
		return v, nil
	case string:
		if ev, err := g.Evaluator(v); err == nil {
			return ev, nil
		}
		if g.compiler == nil {
			return nil, errors.WithMessagef(ErrEvaluatorNotFound, "%q is not a registered evaluator and no expression compiler is set", v)
		}
		ev, err := g.compiler.Compile(v)
		if err != nil {
			return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "compile expression %q: %v", v, err)
		}
		return ev, nil
	}
	return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "unsupported operand %v (%s)", raw, fmt.Sprintf("%T", raw))
}
