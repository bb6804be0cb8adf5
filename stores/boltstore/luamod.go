package boltstore

import (
	"errors"
	"fmt"

	"github.com/boltdb/bolt"
	lua "github.com/yuin/gopher-lua"
)

// ModuleName is the name scripts require to reach a Bolt store.
const ModuleName = "kv"

// Module is the nomad.ModuleFunc of the "kv" module. The handle must be a
// *bolt.DB. Every call runs in its own transaction, except update, which
// runs a function against a transaction table and rolls back if it raises.
// Inside that function only the transaction table may be used.
//
//	local kv = require "kv"
//	kv.update(function(tx)
//	    tx.create_bucket("settings")
//	    tx.put("settings", "theme", "dark")
//	end)
func Module(handle any) (lua.LGFunction, error) {
	db, ok := handle.(*bolt.DB)
	if !ok || db == nil {
		return nil, fmt.Errorf("%s module needs a *bolt.DB handle, got %T", ModuleName, handle)
	}
	return func(L *lua.LState) int {
		mod := L.NewTable()
		for name, fn := range txFuncs {
			L.SetField(mod, name, L.NewFunction(func(L *lua.LState) int {
				var n int
				err := db.Update(func(tx *bolt.Tx) error {
					var err error
					n, err = fn(L, tx)
					return err
				})
				if err != nil {
					L.Push(lua.LNil)
					L.Push(lua.LString(err.Error()))
					return 2
				}
				return n
			}))
		}
		L.SetField(mod, "update", L.NewFunction(func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			err := db.Update(func(tx *bolt.Tx) error {
				return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, txTable(L, tx))
			})
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		}))
		L.Push(mod)
		return 1
	}, nil
}

// txFunc runs against tx with its arguments starting at index 1 and
// returns the number of values it pushed.
type txFunc func(L *lua.LState, tx *bolt.Tx) (int, error)

var txFuncs = map[string]txFunc{
	"create_bucket": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		if _, err := tx.CreateBucketIfNotExists([]byte(L.CheckString(1))); err != nil {
			return 0, err
		}
		L.Push(lua.LTrue)
		return 1, nil
	},
	"delete_bucket": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		err := tx.DeleteBucket([]byte(L.CheckString(1)))
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return 0, err
		}
		L.Push(lua.LTrue)
		return 1, nil
	},
	"put": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		b, err := bucket(tx, L.CheckString(1))
		if err != nil {
			return 0, err
		}
		if err := b.Put([]byte(L.CheckString(2)), []byte(L.CheckString(3))); err != nil {
			return 0, err
		}
		L.Push(lua.LTrue)
		return 1, nil
	},
	"get": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		b, err := bucket(tx, L.CheckString(1))
		if err != nil {
			return 0, err
		}
		if v := b.Get([]byte(L.CheckString(2))); v != nil {
			L.Push(lua.LString(v))
		} else {
			L.Push(lua.LNil)
		}
		return 1, nil
	},
	"delete": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		b, err := bucket(tx, L.CheckString(1))
		if err != nil {
			return 0, err
		}
		if err := b.Delete([]byte(L.CheckString(2))); err != nil {
			return 0, err
		}
		L.Push(lua.LTrue)
		return 1, nil
	},
	"keys": func(L *lua.LState, tx *bolt.Tx) (int, error) {
		b, err := bucket(tx, L.CheckString(1))
		if err != nil {
			return 0, err
		}
		keys := L.NewTable()
		if err := b.ForEach(func(k, _ []byte) error {
			keys.Append(lua.LString(k))
			return nil
		}); err != nil {
			return 0, err
		}
		L.Push(keys)
		return 1, nil
	},
}

// txTable exposes txFuncs bound to tx. Its functions raise on failure.
func txTable(L *lua.LState, tx *bolt.Tx) *lua.LTable {
	t := L.NewTable()
	for name, fn := range txFuncs {
		L.SetField(t, name, L.NewFunction(func(L *lua.LState) int {
			n, err := fn(L, tx)
			if err != nil {
				L.RaiseError("%s: %v", name, err)
				return 0
			}
			return n
		}))
	}
	return t
}

func bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", name)
	}
	return b, nil
}
