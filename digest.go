package nomad

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"

	"github.com/yuin/gopher-lua/ast"
)

// metadataGlobals are script globals that describe a migration without
// affecting what it does.
var metadataGlobals = map[string]bool{
	"Name":        true,
	"Description": true,
	"Reversible":  true,
}

// digestChunk hashes the syntax tree of a script. Only exported node fields
// are visited, so positions, whitespace and comments do not contribute;
// top-level assignments to metadata globals are skipped.
func digestChunk(chunk []ast.Stmt) string {
	h := sha256.New()
	for _, stmt := range chunk {
		if isMetadataAssign(stmt) {
			continue
		}
		hashNode(h, reflect.ValueOf(stmt))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isMetadataAssign(stmt ast.Stmt) bool {
	as, ok := stmt.(*ast.AssignStmt)
	if !ok {
		return false
	}
	for _, lhs := range as.Lhs {
		id, ok := lhs.(*ast.IdentExpr)
		if !ok || !metadataGlobals[id.Value] {
			return false
		}
	}
	return true
}

func hashNode(w io.Writer, v reflect.Value) {
	switch v.Kind() {
	case reflect.Invalid:
		io.WriteString(w, "invalid;")
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			io.WriteString(w, "nil;")
			return
		}
		hashNode(w, v.Elem())
	case reflect.Struct:
		t := v.Type()
		fmt.Fprintf(w, "%s{", t)
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fmt.Fprintf(w, "%s:", f.Name)
			hashNode(w, v.Field(i))
		}
		io.WriteString(w, "}")
	case reflect.Slice, reflect.Array:
		fmt.Fprintf(w, "[%d:", v.Len())
		for i := range v.Len() {
			hashNode(w, v.Index(i))
			io.WriteString(w, ",")
		}
		io.WriteString(w, "]")
	case reflect.String:
		fmt.Fprintf(w, "%q;", v.String())
	case reflect.Bool:
		fmt.Fprintf(w, "%t;", v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fmt.Fprintf(w, "%d;", v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fmt.Fprintf(w, "%d;", v.Uint())
	case reflect.Float32, reflect.Float64:
		fmt.Fprintf(w, "%g;", v.Float())
	default:
		fmt.Fprintf(w, "%s;", v.Kind())
	}
}
