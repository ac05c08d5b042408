package runtime

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"netops-console/internal/capability"
)

// LuaUnit wraps an uploaded Lua script as a suspending unit. The script must
// define run(params) and gets a `console` module bound to the capability
// context; the interpreter carries the invocation context, so cancellation
// and the execution timeout interrupt the script between instructions.
func LuaUnit(name string, src []byte) Unit {
	return Unit{
		Name: name,
		Entry: SuspendingEntry(func(ctx context.Context, cc *capability.Context) (map[string]any, error) {
			return runLua(ctx, cc, name, src)
		}),
	}
}

func runLua(ctx context.Context, cc *capability.Context, name string, src []byte) (map[string]any, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	L.SetGlobal("console", consoleModule(L, ctx, cc))

	if err := L.DoString(string(src)); err != nil {
		return nil, fmt.Errorf("load script %s: %w", name, err)
	}
	entry := L.GetGlobal("run")
	fn, ok := entry.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script %s does not define run(params)", name)
	}

	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, goToLua(L, cc.Params()))
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := luaToGo(ret).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return map[string]any{"value": v}, nil
	}
}

// consoleModule binds the capability surface into the interpreter. Provider
// failures are raised as Lua errors: the script may pcall them, and anything
// uncaught surfaces as an execution fault.
func consoleModule(L *lua.LState, ctx context.Context, cc *capability.Context) *lua.LTable {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			cc.Log(L.CheckString(1))
			return 0
		},
		"param": func(L *lua.LState) int {
			v, ok := cc.Param(L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(goToLua(L, v))
			return 1
		},
		"put": func(L *lua.LState) int {
			key := L.CheckString(1)
			value := luaToGo(L.CheckAny(2))
			if err := cc.Data().Put(ctx, key, value); err != nil {
				L.RaiseError("put %s: %s", key, err)
			}
			return 0
		},
		"get": func(L *lua.LState) int {
			key := L.CheckString(1)
			v, err := cc.Data().Get(ctx, key)
			if errors.Is(err, capability.ErrNoValue) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				L.RaiseError("get %s: %s", key, err)
			}
			L.Push(goToLua(L, v))
			return 1
		},
		"probe": func(L *lua.LState) int {
			req := capability.ProbeRequest{Target: L.CheckString(1)}
			if L.GetTop() >= 2 {
				req.Samples = int(L.CheckNumber(2))
			}
			res, err := cc.Net().ProbeLatency(ctx, req)
			if err != nil {
				L.RaiseError("probe %s: %s", req.Target, err)
			}
			out := L.NewTable()
			out.RawSetString("latency_ms", lua.LNumber(res.LatencyMS))
			out.RawSetString("jitter_ms", lua.LNumber(res.JitterMS))
			out.RawSetString("packet_loss_pct", lua.LNumber(res.PacketLossPct))
			L.Push(out)
			return 1
		},
		"fetch_config": func(L *lua.LState) int {
			req := capability.DeviceConfigRequest{
				Host:        L.CheckString(1),
				DeviceClass: L.CheckString(2),
			}
			if L.GetTop() >= 3 {
				req.Port = int(L.CheckNumber(3))
			}
			cfg, err := cc.Net().FetchDeviceConfig(ctx, req)
			if err != nil {
				L.RaiseError("fetch_config %s: %s", req.Host, err)
			}
			L.Push(lua.LString(cfg))
			return 1
		},
		"send_reset": func(L *lua.LState) int {
			req := capability.ResetRequest{
				Host: L.CheckString(1),
				Port: int(L.CheckNumber(2)),
			}
			if err := cc.Net().SendReset(ctx, req); err != nil {
				L.RaiseError("send_reset %s: %s", req.Host, err)
			}
			return 0
		},
	})
	return mod
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", t))
	}
}

func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		// A table with only consecutive integer keys becomes a slice,
		// anything else a map.
		if n := t.Len(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(t.RawGetInt(i)))
			}
			isArray := true
			t.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				return arr
			}
		}
		m := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			m[fmt.Sprintf("%v", luaToGo(k))] = luaToGo(val)
		})
		return m
	default:
		return nil
	}
}
