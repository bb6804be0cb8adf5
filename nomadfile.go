package nomad

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	lua "github.com/yuin/gopher-lua"
)

// DefaultNomadfile is the configuration file looked up when none is given.
const DefaultNomadfile = "Nomadfile.lua"

// Config is the contents of a Nomadfile.
type Config struct {
	// Driver names the store: "sqlite3", "sqlite", "mysql", "mongodb" or
	// "bolt".
	Driver string
	DSN    string
	// Migrations is the migrations directory, relative paths resolved
	// against the Nomadfile's directory.
	Migrations string
	// Table is the table, collection or bucket holding migration records.
	Table string
	// Database is the MongoDB database name.
	Database string
	// Context is exposed to migration scripts as globals.
	Context map[string]any

	// Path is the file the configuration was loaded from.
	Path string
}

// LoadNomadfile evaluates the Lua configuration file at path and applies the
// NOMAD_DRIVER, NOMAD_DSN and NOMAD_MIGRATIONS environment overrides.
//
//	driver = "sqlite3"
//	dsn = "file:app.db"
//	migrations = "migrations"
//	context = { env = env("APP_ENV") }
//
// The env function reads environment variables.
func LoadNomadfile(path string) (*Config, error) {
	if path == "" {
		path = DefaultNomadfile
	}
	src, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errorf(ErrNomadFileNotLoaded, "", "%s does not exist; run `nomad init` to create one", path)
	}
	if err != nil {
		return nil, newError(ErrNomadFileNotLoaded, "", err)
	}

	cfg, err := parseNomadfile(path, string(src))
	if err != nil {
		return nil, newError(ErrNomadFileNotLoaded, "", err)
	}
	cfg.Path = path

	if v := strings.TrimSpace(os.Getenv("NOMAD_DRIVER")); v != "" {
		cfg.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("NOMAD_DSN")); v != "" {
		cfg.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("NOMAD_MIGRATIONS")); v != "" {
		cfg.Migrations = v
	}
	if cfg.Migrations == "" {
		cfg.Migrations = "migrations"
	}
	if !filepath.IsAbs(cfg.Migrations) {
		cfg.Migrations = filepath.Join(filepath.Dir(path), cfg.Migrations)
	}

	var missing []string
	if cfg.Driver == "" {
		missing = append(missing, "driver")
	}
	if cfg.DSN == "" {
		missing = append(missing, "dsn")
	}
	if len(missing) > 0 {
		return nil, errorf(ErrNomadFileNotLoaded, "", "%s: missing %s", path, strings.Join(missing, ", "))
	}
	return cfg, nil
}

func parseNomadfile(path, src string) (*Config, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return nil, err
		}
	}
	L.SetGlobal("env", L.NewFunction(func(L *lua.LState) int {
		v, ok := os.LookupEnv(L.CheckString(1))
		if !ok {
			L.Push(L.Get(2))
			return 1
		}
		L.Push(lua.LString(v))
		return 1
	}))

	fn, err := L.LoadString(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg := &Config{}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"driver", &cfg.Driver},
		{"dsn", &cfg.DSN},
		{"migrations", &cfg.Migrations},
		{"table", &cfg.Table},
		{"database", &cfg.Database},
	} {
		if *f.dst, err = globalString(L, f.name, ""); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	switch v := L.GetGlobal("context").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		m, ok := GoValue(v).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: context must be a table with string keys", path)
		}
		cfg.Context = m
	default:
		return nil, fmt.Errorf("%s: context must be a table, got %s", path, v.Type())
	}
	return cfg, nil
}

var nomadfileTmpl = template.Must(template.New("nomadfile").Parse(`-- Nomad configuration. Values can be overridden with the NOMAD_DRIVER,
-- NOMAD_DSN and NOMAD_MIGRATIONS environment variables.

driver = "{{.Driver}}"
dsn = env("DATABASE_URL", "{{.DSN}}")
migrations = "migrations"
{{- if .Database}}
database = "{{.Database}}"
{{- end}}

-- Globals visible to every migration script.
context = {}
`))

var nomadfileDefaults = map[string]Config{
	"sqlite3": {DSN: "file:nomad.db"},
	"sqlite":  {DSN: "file:nomad.db"},
	"mysql":   {DSN: "user:password@tcp(localhost:3306)/app"},
	"mongodb": {DSN: "mongodb://localhost:27017", Database: "app"},
	"bolt":    {DSN: "nomad.bolt"},
}

// InitNomadfile writes a template Nomadfile for driver at path. It fails if
// the file already exists.
func InitNomadfile(path, driver string) error {
	if path == "" {
		path = DefaultNomadfile
	}
	if driver == "" {
		driver = "sqlite3"
	}
	cfg, ok := nomadfileDefaults[driver]
	if !ok {
		return fmt.Errorf("unknown driver %q", driver)
	}
	cfg.Driver = driver

	var buf bytes.Buffer
	if err := nomadfileTmpl.Execute(&buf, cfg); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
