// Copyright 2025 James Ross
package routing

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ScriptRouter evaluates a user-supplied Lua script exposing a global
// `route(sql, headers)` function. headers is passed as a Lua table
// keyed by canonical header name with its first value. A string return
// is treated as a routing decision; nil/false/an unknown group is "no
// opinion" (script failures never fail the request).
type ScriptRouter struct {
	script string
	groups map[string]bool
}

// NewScriptRouter builds a ScriptRouter. groups is the full set of known
// cluster group names; a returned name outside it is discarded as "no
// opinion", and nothing is logged for it.
func NewScriptRouter(script string, groups map[string]bool) *ScriptRouter {
	return &ScriptRouter{script: script, groups: groups}
}

func (r *ScriptRouter) Name() string { return "script" }

func (r *ScriptRouter) Route(ctx context.Context, req Request) (string, bool, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return "", false, fmt.Errorf("script router: open %s: %w", lib.name, err)
		}
	}

	if err := L.DoString(r.script); err != nil {
		return "", false, fmt.Errorf("script router: load script: %w", err)
	}

	fn := L.GetGlobal("route")
	if fn.Type() != lua.LTFunction {
		return "", false, fmt.Errorf("script router: script does not define a route(sql, headers) function")
	}

	headers := L.NewTable()
	for k := range req.Headers {
		headers.RawSetString(k, lua.LString(req.Headers.Get(k)))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(req.SQL), headers); err != nil {
		return "", false, fmt.Errorf("script router: execute: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	group, ok := ret.(lua.LString)
	if !ok || string(group) == "" {
		return "", false, nil
	}
	if !r.groups[string(group)] {
		return "", false, nil
	}
	return string(group), true, nil
}
