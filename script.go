package nomad

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

type ModuleFunc func(handle any) (lua.LGFunction, error)

type LuaLoader struct {
	Modules map[string]ModuleFunc
	Context map[string]any
	Logger  *slog.Logger
}

var _ Loader = (*LuaLoader)(nil)

// ScriptError is a failure raised while loading or running a script.
type ScriptError struct {
	Filename string
	Err      error
}

func (e *ScriptError) Error() string {
	var apiErr *lua.ApiError
	if errors.As(e.Err, &apiErr) && apiErr.Object != nil {
		return fmt.Sprintf("%s: %s", e.Filename, apiErr.Object.String())
	}
	return fmt.Sprintf("%s: %v", e.Filename, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

func (e *ScriptError) Stack() string {
	var apiErr *lua.ApiError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StackTrace
	}
	return ""
}

func (l *LuaLoader) log() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.Logger
}

func (l *LuaLoader) Load(filename, src string) (*Definition, error) {
	chunk, err := parse.Parse(strings.NewReader(src), filename)
	if err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}
	proto, err := lua.Compile(chunk, filename)
	if err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}

	L, err := l.newState(context.Background(), filename, nil)
	if err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}
	defer L.Close()
	if err := run(L, proto); err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}

	def := &Definition{Digest: digestChunk(chunk)}
	if def.Name, err = globalString(L, "Name", defaultName(filename)); err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}
	if def.Description, err = globalString(L, "Description", ""); err != nil {
		return nil, &ScriptError{Filename: filename, Err: err}
	}

	_, hasUp := L.GetGlobal("Up").(*lua.LFunction)
	_, hasDown := L.GetGlobal("Down").(*lua.LFunction)
	switch v := L.GetGlobal("Reversible").(type) {
	case *lua.LNilType:
		def.IsReversible = hasDown
	case lua.LBool:
		def.IsReversible = bool(v)
		if def.IsReversible && !hasDown {
			return nil, &ScriptError{Filename: filename, Err: errors.New("Reversible is true but Down is not a function")}
		}
	default:
		return nil, &ScriptError{Filename: filename, Err: fmt.Errorf("Reversible must be a boolean, got %s", v.Type())}
	}

	if hasUp {
		def.Up = l.scriptFunc(proto, filename, "Up")
	}
	if def.IsReversible {
		def.Down = l.scriptFunc(proto, filename, "Down")
	} else {
		def.Down = func(context.Context, any) error {
			return &ScriptError{Filename: filename, Err: errors.New("migration is irreversible")}
		}
	}
	return def, nil
}

func (l *LuaLoader) scriptFunc(proto *lua.FunctionProto, filename, name string) Func {
	return func(ctx context.Context, handle any) error {
		L, err := l.newState(ctx, filename, handle)
		if err != nil {
			return &ScriptError{Filename: filename, Err: err}
		}
		defer L.Close()

		if err := run(L, proto); err != nil {
			return &ScriptError{Filename: filename, Err: err}
		}
		fn, ok := L.GetGlobal(name).(*lua.LFunction)
		if !ok {
			return &ScriptError{Filename: filename, Err: fmt.Errorf("%s is not a function", name)}
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}); err != nil {
			return &ScriptError{Filename: filename, Err: err}
		}
		ret, msg := L.Get(-2), L.Get(-1)
		L.Pop(2)
		if msg != lua.LNil {
			return &ScriptError{Filename: filename, Err: errors.New(msg.String())}
		}
		if ret == lua.LFalse {
			return &ScriptError{Filename: filename, Err: fmt.Errorf("%s returned false", name)}
		}
		return nil
	}
}

func run(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, 0, nil)
}

// newState builds a sandboxed Lua state. With a nil handle, modules resolve
// to placeholders that fail when used, so scripts can be loaded without a
// connection.
func (l *LuaLoader) newState(ctx context.Context, filename string, handle any) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}
	for _, name := range []string{"dofile", "loadfile", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	if ctx != nil {
		L.SetContext(ctx)
	}

	log := l.log()
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		log.Info(strings.Join(parts, "\t"), "filename", filename)
		return 0
	}))

	loaded := map[string]lua.LValue{}
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		mf, ok := l.Modules[name]
		if !ok {
			L.RaiseError("module %q is not available to migrations", name)
			return 0
		}
		loader := unavailableModule(name)
		if handle != nil {
			var err error
			if loader, err = mf(handle); err != nil {
				L.RaiseError("module %q: %v", name, err)
				return 0
			}
		}
		L.Push(L.NewFunction(loader))
		L.Call(0, 1)
		v := L.Get(-1)
		L.Pop(1)
		loaded[name] = v
		L.Push(v)
		return 1
	}))

	for k, v := range l.Context {
		L.SetGlobal(k, LuaValue(L, v))
	}
	return L, nil
}

func unavailableModule(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		mod := L.NewTable()
		mt := L.NewTable()
		L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
			L.RaiseError("module %q cannot be used while a migration is loading", name)
			return 0
		}))
		L.SetMetatable(mod, mt)
		L.Push(mod)
		return 1
	}
}

func globalString(L *lua.LState, name, def string) (string, error) {
	switch v := L.GetGlobal(name).(type) {
	case *lua.LNilType:
		return def, nil
	case lua.LString:
		return string(v), nil
	default:
		return "", fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}
}

// defaultName derives a migration name from a filename such as
// "20240101-120000-00.create-users.lua".
func defaultName(filename string) string {
	name := strings.TrimSuffix(filename, ".lua")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
