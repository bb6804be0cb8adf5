package nomad

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// SQLModuleName is the name scripts require to reach a database/sql store.
const SQLModuleName = "migrate"

const (
	luaTransactionTypeName = "migrate.transaction"
	luaResultTypeName      = "migrate.result"
	luaRowsTypeName        = "migrate.rows"
	luaRowTypeName         = "migrate.row"
)

var isolationLevels = map[string]sql.IsolationLevel{
	"default":          sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":   sql.LevelReadCommitted,
	"write_committed":  sql.LevelWriteCommitted,
	"repeatable_read":  sql.LevelRepeatableRead,
	"snapshot":         sql.LevelSnapshot,
	"serializable":     sql.LevelSerializable,
	"linearizable":     sql.LevelLinearizable,
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLModule binds the "migrate" module to a *sql.DB handle. Functions report
// failures as a nil value followed by an error message.
func SQLModule(handle any) (lua.LGFunction, error) {
	db, ok := handle.(*sql.DB)
	if !ok || db == nil {
		return nil, fmt.Errorf("%s module needs a *sql.DB handle, got %T", SQLModuleName, handle)
	}
	exports := map[string]lua.LGFunction{
		"begin":     luaBeginFunc(db),
		"execute":   func(L *lua.LState) int { return luaExecute(L, db, 1) },
		"query":     func(L *lua.LState) int { return luaQuery(L, db, 1) },
		"query_row": func(L *lua.LState) int { return luaQueryRow(L, db, 1) },
	}

	return func(L *lua.LState) int {
		registerType(L, luaTransactionTypeName, transactionMethods)
		registerType(L, luaResultTypeName, resultMethods)
		registerType(L, luaRowsTypeName, rowsMethods)
		registerType(L, luaRowTypeName, rowMethods)

		mod := L.SetFuncs(L.NewTable(), exports)
		levels := L.NewTable()
		for k := range isolationLevels {
			levels.RawSetString(k, lua.LString(k))
		}
		L.SetField(mod, "isolation_levels", levels)

		L.Push(mod)
		return 1
	}, nil
}

func registerType(L *lua.LState, name string, methods map[string]lua.LGFunction) {
	mt := L.NewTypeMetatable(name)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), methods))
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func pushUserData(L *lua.LState, typeName string, v any) {
	ud := L.NewUserData()
	ud.Value = v
	L.SetMetatable(ud, L.GetTypeMetatable(typeName))
	L.Push(ud)
}

func pushFailure(L *lua.LState, fail lua.LValue, format string, a ...any) int {
	L.Push(fail)
	L.Push(lua.LString(fmt.Sprintf(format, a...)))
	return 2
}

func luaBeginFunc(db *sql.DB) lua.LGFunction {
	return func(L *lua.LState) int {
		opts := L.OptTable(1, nil)
		var txOptions *sql.TxOptions
		if opts != nil {
			txOptions = &sql.TxOptions{}
			switch v := opts.RawGetString("isolation_level").(type) {
			case *lua.LNilType:
			case lua.LString:
				level, ok := isolationLevels[string(v)]
				if !ok {
					L.RaiseError("invalid isolation_level: %s", v)
					return 0
				}
				txOptions.Isolation = level
			default:
				L.RaiseError("isolation_level must be a string")
				return 0
			}
			switch v := opts.RawGetString("read_only").(type) {
			case *lua.LNilType:
			case lua.LBool:
				txOptions.ReadOnly = bool(v)
			default:
				L.RaiseError("read_only must be a boolean")
				return 0
			}
		}

		tx, err := db.BeginTx(luaContext(L), txOptions)
		if err != nil {
			return pushFailure(L, lua.LNil, "begin transaction: %v", err)
		}
		pushUserData(L, luaTransactionTypeName, tx)
		return 1
	}
}

func luaExecute(L *lua.LState, conn sqlConn, start int) int {
	q, args := checkQueryArgs(L, start)
	res, err := conn.ExecContext(luaContext(L), q, args...)
	if err != nil {
		return pushFailure(L, lua.LNil, "exec: %v", err)
	}
	pushUserData(L, luaResultTypeName, res)
	return 1
}

func luaQuery(L *lua.LState, conn sqlConn, start int) int {
	q, args := checkQueryArgs(L, start)
	rows, err := conn.QueryContext(luaContext(L), q, args...)
	if err != nil {
		return pushFailure(L, lua.LNil, "query: %v", err)
	}
	pushUserData(L, luaRowsTypeName, rows)
	return 1
}

// luaQueryRow runs the query eagerly and keeps only its first row, so that
// the row can report its columns.
func luaQueryRow(L *lua.LState, conn sqlConn, start int) int {
	q, args := checkQueryArgs(L, start)
	rows, err := conn.QueryContext(luaContext(L), q, args...)
	if err != nil {
		pushUserData(L, luaRowTypeName, &sqlRow{err: err})
		return 1
	}
	defer rows.Close()

	row := &sqlRow{}
	if !rows.Next() {
		row.err = rows.Err()
		if row.err == nil {
			row.err = sql.ErrNoRows
		}
		pushUserData(L, luaRowTypeName, row)
		return 1
	}
	row.values, row.err = scanRow(rows)
	pushUserData(L, luaRowTypeName, row)
	return 1
}

type sqlRow struct {
	values []any
	err    error
}

var transactionMethods = map[string]lua.LGFunction{
	"execute":   func(L *lua.LState) int { return luaExecute(L, checkTransaction(L), 2) },
	"query":     func(L *lua.LState) int { return luaQuery(L, checkTransaction(L), 2) },
	"query_row": func(L *lua.LState) int { return luaQueryRow(L, checkTransaction(L), 2) },
	"commit":    luaTransactionCommit,
	"rollback":  luaTransactionRollback,
}

func checkTransaction(L *lua.LState) *sql.Tx {
	ud := L.CheckUserData(1)
	if v, ok := ud.Value.(*sql.Tx); ok {
		return v
	}
	L.ArgError(1, "transaction expected")
	return nil
}

func luaTransactionCommit(L *lua.LState) int {
	if err := checkTransaction(L).Commit(); err != nil {
		return pushFailure(L, lua.LFalse, "commit transaction: %v", err)
	}
	L.Push(lua.LTrue)
	return 1
}

func luaTransactionRollback(L *lua.LState) int {
	err := checkTransaction(L).Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return pushFailure(L, lua.LFalse, "rollback transaction: %v", err)
	}
	L.Push(lua.LTrue)
	return 1
}

var resultMethods = map[string]lua.LGFunction{
	"last_insert_id": luaResultLastInsertID,
	"rows_affected":  luaResultRowsAffected,
}

func checkResult(L *lua.LState) sql.Result {
	ud := L.CheckUserData(1)
	if v, ok := ud.Value.(sql.Result); ok {
		return v
	}
	L.ArgError(1, "result expected")
	return nil
}

func luaResultLastInsertID(L *lua.LState) int {
	id, err := checkResult(L).LastInsertId()
	if err != nil {
		return pushFailure(L, lua.LNil, "last insert id: %v", err)
	}
	L.Push(lua.LNumber(id))
	return 1
}

func luaResultRowsAffected(L *lua.LState) int {
	n, err := checkResult(L).RowsAffected()
	if err != nil {
		return pushFailure(L, lua.LNil, "rows affected: %v", err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

var rowsMethods = map[string]lua.LGFunction{
	"close":   luaRowsClose,
	"columns": luaRowsColumns,
	"err":     luaRowsErr,
	"next":    luaRowsNext,
	"scan":    luaRowsScan,
}

func checkRows(L *lua.LState) *sql.Rows {
	ud := L.CheckUserData(1)
	if v, ok := ud.Value.(*sql.Rows); ok {
		return v
	}
	L.ArgError(1, "rows expected")
	return nil
}

func luaRowsClose(L *lua.LState) int {
	if err := checkRows(L).Close(); err != nil {
		return pushFailure(L, lua.LFalse, "close rows: %v", err)
	}
	L.Push(lua.LTrue)
	return 1
}

func luaRowsColumns(L *lua.LState) int {
	cols, err := checkRows(L).Columns()
	if err != nil {
		return pushFailure(L, lua.LNil, "columns: %v", err)
	}
	L.Push(LuaValue(L, cols))
	return 1
}

func luaRowsErr(L *lua.LState) int {
	if err := checkRows(L).Err(); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

func luaRowsNext(L *lua.LState) int {
	L.Push(lua.LBool(checkRows(L).Next()))
	return 1
}

func luaRowsScan(L *lua.LState) int {
	values, err := scanRow(checkRows(L))
	if err != nil {
		return pushFailure(L, lua.LNil, "scan: %v", err)
	}
	for _, v := range values {
		L.Push(LuaValue(L, v))
	}
	return len(values)
}

var rowMethods = map[string]lua.LGFunction{
	"scan": luaRowScan,
	"err":  luaRowErr,
}

func checkRow(L *lua.LState) *sqlRow {
	ud := L.CheckUserData(1)
	if v, ok := ud.Value.(*sqlRow); ok {
		return v
	}
	L.ArgError(1, "row expected")
	return nil
}

func luaRowScan(L *lua.LState) int {
	row := checkRow(L)
	if row.err != nil {
		return pushFailure(L, lua.LNil, "scan: %v", row.err)
	}
	for _, v := range row.values {
		L.Push(LuaValue(L, v))
	}
	return len(row.values)
}

func luaRowErr(L *lua.LState) int {
	if err := checkRow(L).err; err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

func scanRow(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func checkQueryArgs(L *lua.LState, start int) (string, []any) {
	q := L.CheckString(start)

	var args []any
	for i := start + 1; i <= L.GetTop(); i++ {
		switch lv := L.Get(i).(type) {
		case *lua.LNilType:
			args = append(args, nil)
		case lua.LBool:
			args = append(args, bool(lv))
		case lua.LNumber:
			f := float64(lv)
			if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				args = append(args, int64(f))
			} else {
				args = append(args, f)
			}
		case lua.LString:
			args = append(args, string(lv))
		default:
			L.ArgError(i, fmt.Sprintf("unsupported type for query param: %s", lv.Type()))
		}
	}
	return q, args
}
