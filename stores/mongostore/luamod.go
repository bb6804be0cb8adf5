package mongostore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jonathonwebb/nomad"
)

// ModuleName is the name scripts require to reach a MongoDB store.
const ModuleName = "mongo"

// Module is the nomad.ModuleFunc of the "mongo" module. The handle must be a
// *mongo.Database.
//
//	local mongo = require "mongo"
//	mongo.create_index("users", {{"email", 1}}, {unique = true})
//	mongo.update_many("users", {}, {["$set"] = {active = true}})
//
// Documents are Lua tables. Table keys are sorted when converted to BSON, so
// order-sensitive documents such as index keys are written as sequences of
// {key, value} pairs. Functions report failures as nil followed by an error
// message.
func Module(handle any) (lua.LGFunction, error) {
	db, ok := handle.(*mongo.Database)
	if !ok || db == nil {
		return nil, fmt.Errorf("%s module needs a *mongo.Database handle, got %T", ModuleName, handle)
	}
	m := &luaModule{db: db}
	exports := map[string]lua.LGFunction{
		"create_collection": m.createCollection,
		"drop_collection":   m.dropCollection,
		"create_index":      m.createIndex,
		"drop_index":        m.dropIndex,
		"insert_one":        m.insertOne,
		"insert_many":       m.insertMany,
		"update_many":       m.updateMany,
		"delete_many":       m.deleteMany,
		"find":              m.find,
		"find_one":          m.findOne,
		"count":             m.count,
		"run_command":       m.runCommand,
	}
	return func(L *lua.LState) int {
		L.Push(L.SetFuncs(L.NewTable(), exports))
		return 1
	}, nil
}

type luaModule struct {
	db *mongo.Database
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fail(L *lua.LState, format string, a ...any) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(fmt.Sprintf(format, a...)))
	return 2
}

func (m *luaModule) createCollection(L *lua.LState) int {
	name := L.CheckString(1)
	if err := m.db.CreateCollection(luaContext(L), name); err != nil {
		return fail(L, "create collection %s: %v", name, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *luaModule) dropCollection(L *lua.LState) int {
	name := L.CheckString(1)
	if err := m.db.Collection(name).Drop(luaContext(L)); err != nil {
		return fail(L, "drop collection %s: %v", name, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *luaModule) createIndex(L *lua.LState) int {
	coll := L.CheckString(1)
	keys := toBSON(L.CheckTable(2))
	opts := options.Index()
	if t := L.OptTable(3, nil); t != nil {
		if v, ok := t.RawGetString("unique").(lua.LBool); ok {
			opts.SetUnique(bool(v))
		}
		if v, ok := t.RawGetString("name").(lua.LString); ok {
			opts.SetName(string(v))
		}
		if v, ok := t.RawGetString("sparse").(lua.LBool); ok {
			opts.SetSparse(bool(v))
		}
	}
	name, err := m.db.Collection(coll).Indexes().CreateOne(luaContext(L), mongo.IndexModel{Keys: keys, Options: opts})
	if err != nil {
		return fail(L, "create index on %s: %v", coll, err)
	}
	L.Push(lua.LString(name))
	return 1
}

func (m *luaModule) dropIndex(L *lua.LState) int {
	coll, name := L.CheckString(1), L.CheckString(2)
	if _, err := m.db.Collection(coll).Indexes().DropOne(luaContext(L), name); err != nil {
		return fail(L, "drop index %s on %s: %v", name, coll, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *luaModule) insertOne(L *lua.LState) int {
	coll := L.CheckString(1)
	res, err := m.db.Collection(coll).InsertOne(luaContext(L), toBSON(L.CheckTable(2)))
	if err != nil {
		return fail(L, "insert into %s: %v", coll, err)
	}
	L.Push(nomad.LuaValue(L, fromBSON(res.InsertedID)))
	return 1
}

func (m *luaModule) insertMany(L *lua.LState) int {
	coll := L.CheckString(1)
	t := L.CheckTable(2)
	var docs []any
	for i := 1; i <= t.Len(); i++ {
		doc, ok := t.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.ArgError(2, "sequence of documents expected")
			return 0
		}
		docs = append(docs, toBSON(doc))
	}
	res, err := m.db.Collection(coll).InsertMany(luaContext(L), docs)
	if err != nil {
		return fail(L, "insert into %s: %v", coll, err)
	}
	L.Push(lua.LNumber(len(res.InsertedIDs)))
	return 1
}

func (m *luaModule) updateMany(L *lua.LState) int {
	coll := L.CheckString(1)
	filter, update := toBSON(L.CheckTable(2)), toBSON(L.CheckTable(3))
	res, err := m.db.Collection(coll).UpdateMany(luaContext(L), filter, update)
	if err != nil {
		return fail(L, "update %s: %v", coll, err)
	}
	L.Push(lua.LNumber(res.MatchedCount))
	L.Push(lua.LNumber(res.ModifiedCount))
	return 2
}

func (m *luaModule) deleteMany(L *lua.LState) int {
	coll := L.CheckString(1)
	res, err := m.db.Collection(coll).DeleteMany(luaContext(L), toBSON(L.CheckTable(2)))
	if err != nil {
		return fail(L, "delete from %s: %v", coll, err)
	}
	L.Push(lua.LNumber(res.DeletedCount))
	return 1
}

func (m *luaModule) find(L *lua.LState) int {
	coll := L.CheckString(1)
	filter := bson.D{}
	if t := L.OptTable(2, nil); t != nil {
		filter = toBSON(t)
	}
	opts := options.Find()
	if t := L.OptTable(3, nil); t != nil {
		if v, ok := t.RawGetString("sort").(*lua.LTable); ok {
			opts.SetSort(toBSON(v))
		}
		if v, ok := t.RawGetString("limit").(lua.LNumber); ok {
			opts.SetLimit(int64(v))
		}
	}
	ctx := luaContext(L)
	cur, err := m.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return fail(L, "find in %s: %v", coll, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return fail(L, "find in %s: %v", coll, err)
	}
	out := L.NewTable()
	for _, d := range docs {
		out.Append(nomad.LuaValue(L, fromBSON(d)))
	}
	L.Push(out)
	return 1
}

func (m *luaModule) findOne(L *lua.LState) int {
	coll := L.CheckString(1)
	filter := bson.D{}
	if t := L.OptTable(2, nil); t != nil {
		filter = toBSON(t)
	}
	var doc bson.M
	err := m.db.Collection(coll).FindOne(luaContext(L), filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		L.Push(lua.LNil)
		return 1
	}
	if err != nil {
		return fail(L, "find in %s: %v", coll, err)
	}
	L.Push(nomad.LuaValue(L, fromBSON(doc)))
	return 1
}

func (m *luaModule) count(L *lua.LState) int {
	coll := L.CheckString(1)
	filter := bson.D{}
	if t := L.OptTable(2, nil); t != nil {
		filter = toBSON(t)
	}
	n, err := m.db.Collection(coll).CountDocuments(luaContext(L), filter)
	if err != nil {
		return fail(L, "count %s: %v", coll, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (m *luaModule) runCommand(L *lua.LState) int {
	var res bson.M
	if err := m.db.RunCommand(luaContext(L), toBSON(L.CheckTable(1))).Decode(&res); err != nil {
		return fail(L, "run command: %v", err)
	}
	L.Push(nomad.LuaValue(L, fromBSON(res)))
	return 1
}

// toBSON converts a table into a document. A sequence of {key, value} pairs
// keeps its order; other tables are written with sorted keys.
func toBSON(t *lua.LTable) bson.D {
	if pairs, ok := orderedPairs(t); ok {
		return pairs
	}
	values := map[string]lua.LValue{}
	var keys []string
	t.ForEach(func(k, v lua.LValue) {
		keys = append(keys, k.String())
		values[k.String()] = v
	})
	sort.Strings(keys)
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: toBSONValue(values[k])})
	}
	return d
}

func orderedPairs(t *lua.LTable) (bson.D, bool) {
	n := t.Len()
	if n == 0 {
		return nil, false
	}
	d := make(bson.D, 0, n)
	for i := 1; i <= n; i++ {
		pair, ok := t.RawGetInt(i).(*lua.LTable)
		if !ok || pair.Len() != 2 {
			return nil, false
		}
		k, ok := pair.RawGetInt(1).(lua.LString)
		if !ok {
			return nil, false
		}
		d = append(d, bson.E{Key: string(k), Value: toBSONValue(pair.RawGetInt(2))})
	}
	return d, true
}

func toBSONValue(lv lua.LValue) any {
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
		if n := v.Len(); n > 0 {
			if _, ok := orderedPairs(v); !ok {
				a := make(bson.A, 0, n)
				for i := 1; i <= n; i++ {
					a = append(a, toBSONValue(v.RawGetInt(i)))
				}
				return a
			}
		}
		return toBSON(v)
	}
	return lv.String()
}

// fromBSON converts decoded BSON into the plain values nomad.LuaValue knows.
func fromBSON(v any) any {
	switch v := v.(type) {
	case bson.M:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = fromBSON(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(v))
		for _, e := range v {
			m[e.Key] = fromBSON(e.Value)
		}
		return m
	case bson.A:
		a := make([]any, 0, len(v))
		for _, e := range v {
			a = append(a, fromBSON(e))
		}
		return a
	case primitive.ObjectID:
		return v.Hex()
	case primitive.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case int32:
		return int64(v)
	}
	return v
}
