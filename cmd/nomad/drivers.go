package main

import (
	"fmt"

	"github.com/jonathonwebb/nomad"
	"github.com/jonathonwebb/nomad/stores/boltstore"
	"github.com/jonathonwebb/nomad/stores/mongostore"
	"github.com/jonathonwebb/nomad/stores/mysqlstore"
	"github.com/jonathonwebb/nomad/stores/sqlite3store"
)

// store is a configured driver together with the Lua module its handle
// serves.
type store struct {
	driver     nomad.Driver
	moduleName string
	module     nomad.ModuleFunc
}

func openStore(cfg *nomad.Config) (*store, error) {
	switch cfg.Driver {
	case "sqlite3", "sqlite":
		return &store{
			driver:     sqlite3store.Open(cfg.Driver, cfg.DSN, cfg.Table),
			moduleName: nomad.SQLModuleName,
			module:     nomad.SQLModule,
		}, nil
	case "mysql":
		d, err := mysqlstore.Open(cfg.DSN, mysqlstore.Config{
			DatabaseName:        cfg.Database,
			MigrationsTableName: cfg.Table,
		})
		if err != nil {
			return nil, err
		}
		return &store{driver: d, moduleName: nomad.SQLModuleName, module: nomad.SQLModule}, nil
	case "mongodb":
		return &store{
			driver:     mongostore.Open(cfg.DSN, cfg.Database, cfg.Table),
			moduleName: mongostore.ModuleName,
			module:     mongostore.Module,
		}, nil
	case "bolt":
		return &store{
			driver:     boltstore.Open(cfg.DSN, cfg.Table),
			moduleName: boltstore.ModuleName,
			module:     boltstore.Module,
		}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}
