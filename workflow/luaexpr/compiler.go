// Package luaexpr 把YAML定义里面字符串形式的条件和循环参数编译成求值函数, 在受限的lua环境里面执行
package luaexpr

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/blingmoon/resumable-workflow/workflow"
)

var ErrExpressionInvalid = errors.New("lua expression invalid")

// Compiler 把 `payload.amount > 100` 这样的表达式编译成求值函数
// 表达式里面可以用三个全局变量: payload, token(token的side state), run(run的side state)
type Compiler struct{}

func NewCompiler() *Compiler {
	return &Compiler{}
}

// Compile 表达式只解析一次, 每次求值都在新的lua state里面执行编译好的proto
func (c *Compiler) Compile(expr string) (workflow.Evaluator, error) {
	source := strings.TrimSpace(expr)
	if source == "" {
		return nil, errors.WithMessage(ErrExpressionInvalid, "empty expression")
	}
	if !strings.HasPrefix(source, "return ") && !strings.Contains(source, "\n") {
		source = "return " + source
	}
	chunk, err := parse.Parse(strings.NewReader(source), expr)
	if err != nil {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "parse %q: %v", expr, err)
	}
	proto, err := lua.Compile(chunk, expr)
	if err != nil {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "compile %q: %v", expr, err)
	}
	return func(ctx context.Context, token *workflow.Token, run *workflow.Run) (any, error) {
		return evaluate(ctx, proto, expr, token, run)
	}, nil
}

func evaluate(ctx context.Context, proto *lua.FunctionProto, expr string, token *workflow.Token, run *workflow.Run) (any, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)

	if token != nil {
		L.SetGlobal("payload", goToLua(L, token.Payload.Interface()))
		L.SetGlobal("token", goToLua(L, sideStateMap(token.SideState)))
	}
	if run != nil {
		L.SetGlobal("run", goToLua(L, sideStateMap(run.SideState)))
	}

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, errors.WithMessagef(ErrExpressionInvalid, "evaluate %q: %v", expr, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

func sideStateMap(state *workflow.SideState) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	return state.ToMap()
}

// openSafeLibs 只加载base, table, string, math, 不能读写文件也没有随机数
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(string(val))
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		if n == countEntries(val) {
			// 空table当成空列表
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, luaToGo(val.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return v.String()
	}
}

func countEntries(tbl *lua.LTable) int {
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) {
		count++
	})
	return count
}
