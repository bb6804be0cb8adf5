package nomad

import (
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaValue converts a Go value into a Lua value. Maps become tables keyed by
// string, slices become sequences, and unsupported types are formatted with
// fmt.
func LuaValue(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case time.Time:
		return lua.LString(v.Format(time.RFC3339Nano))
	case map[string]any:
		t := L.NewTable()
		for k, e := range v {
			t.RawSetString(k, LuaValue(L, e))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, e := range v {
			t.Append(LuaValue(L, e))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, e := range v {
			t.Append(lua.LString(e))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}

// GoValue converts a Lua value into a Go value. Tables whose keys are exactly
// 1..n become []any; other tables become map[string]any. Integral numbers
// become int64.
func GoValue(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := v.Len(); n > 0 && tableSize(v) == n {
			s := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				s = append(s, GoValue(v.RawGetInt(i)))
			}
			return s
		}
		m := map[string]any{}
		v.ForEach(func(k, e lua.LValue) {
			m[k.String()] = GoValue(e)
		})
		return m
	case *lua.LUserData:
		return v.Value
	}
	return lv.String()
}

func tableSize(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
