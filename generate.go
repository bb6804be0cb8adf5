package nomad

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"
)

var scriptTmplStr = `local db = require "{{.Module}}"

Name = {{quote .Name}}
Description = {{quote .Description}}
{{- range $fn := list "Up" "Down"}}

function {{$fn}}()
{{- if $.Transactional}}
    local tx = assert(db.begin())
    local ok, err = pcall(function()
        error("{{lower $fn}} migration not implemented")
    end)
    if not ok then
        tx:rollback()
        error(err)
    end
    assert(tx:commit())
{{- else}}
    error("{{lower $fn}} migration not implemented")
{{- end}}
end
{{- end}}
`
var scriptTmpl = template.Must(template.New("migration").
	Funcs(template.FuncMap{
		"quote": luaQuote,
		"lower": strings.ToLower,
		"list":  func(s ...string) []string { return s },
	}).
	Parse(scriptTmplStr))

// GenScript renders the source of a new migration script that requires the
// named Lua module.
func GenScript(module, name, description string) (string, error) {
	if module == "" {
		module = SQLModuleName
	}
	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, struct {
		Module        string
		Name          string
		Description   string
		Transactional bool
	}{module, name, description, module == SQLModuleName}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// luaQuote renders s as a double-quoted Lua string literal.
func luaQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\%03d`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// idGenerator produces sortable migration ids of the form
// YYYYMMDD-HHMMSS-II. Ids generated within the same second get increasing
// indexes.
type idGenerator struct {
	mu    sync.Mutex
	last  time.Time
	index int
}

var ids idGenerator

func (g *idGenerator) next(now time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now = now.Truncate(time.Second)
	if now.Equal(g.last) {
		g.index++
	} else {
		g.last = now
		g.index = 0
	}
	if g.index > 99 {
		return "", fmt.Errorf("more than 100 migrations created within %s", now.Format(time.DateTime))
	}
	return fmt.Sprintf("%s-%02d", now.Format("20060102-150405"), g.index), nil
}

// MigrationFilename returns the filename of a migration with the given id
// and name.
func MigrationFilename(id, name string) string {
	return id + "." + name + ".lua"
}

func checkMigrationName(name string) error {
	if name == "" {
		return fmt.Errorf("migration name must not be empty")
	}
	if strings.ContainsAny(name, `/\.`) || strings.ContainsFunc(name, func(r rune) bool { return r <= ' ' }) {
		return fmt.Errorf("migration name %q must not contain whitespace, dots or path separators", name)
	}
	return nil
}

// WriteMigration generates a new migration script and writes it to disk. It
// returns the new filename.
func (n *Nomad) WriteMigration(ctx context.Context, module, name, description string) (string, error) {
	if n.Disk == nil {
		return "", errorf(ErrNomadFileNotLoaded, "", "no migrations directory configured")
	}
	if err := checkMigrationName(name); err != nil {
		return "", err
	}
	id, err := ids.next(n.now())
	if err != nil {
		return "", err
	}
	script, err := GenScript(module, name, description)
	if err != nil {
		return "", err
	}
	filename := MigrationFilename(id, name)
	if err := n.Disk.WriteMigration(ctx, filename, script); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	n.log().Info("created migration", "filename", filename)
	return filename, nil
}
