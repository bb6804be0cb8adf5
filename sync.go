package nomad

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SyncResult lists the records written by SyncDatabaseAndDisk.
type SyncResult struct {
	Inserted []string
	Updated  []string
}

// SyncDatabaseAndDisk writes new and changed migration files into the store
// and marks stored migrations missing from disk as deleted. Running it again
// without disk changes writes nothing.
func (n *Nomad) SyncDatabaseAndDisk(ctx context.Context) (*SyncResult, error) {
	db, err := n.database()
	if err != nil {
		return nil, err
	}
	if n.Disk == nil {
		return nil, errorf(ErrNomadFileNotLoaded, "", "no migrations directory configured")
	}
	log := n.log()

	var (
		files   []DiskFile
		records []Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		files, err = n.Disk.ListMigrations(gctx)
		if err != nil {
			return fmt.Errorf("list migrations on disk: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		records, err = db.getMigrations(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Every file must load before anything is written. A file that is on
	// disk but broken must never be mistaken for one that was deleted.
	onDisk := make(map[string]Record, len(files))
	for _, f := range files {
		def, err := n.Loader.Load(f.Filename, f.Src)
		if err != nil {
			return nil, newError(ErrLoadMigrationFailed, f.Filename, err)
		}
		if def.Up == nil || def.Down == nil {
			return nil, errorf(ErrInvalidMigration, f.Filename, "up and down must be functions")
		}
		onDisk[f.Filename] = Record{
			Filename:     f.Filename,
			Name:         def.Name,
			Description:  def.Description,
			IsReversible: def.IsReversible,
			Src:          f.Src,
		}
	}

	result := &SyncResult{}
	var inserts, updates []Record
	inStore := make(map[string]bool, len(records))
	for _, r := range records {
		inStore[r.Filename] = true
		d, ok := onDisk[r.Filename]
		if !ok {
			if r.Src != "" {
				r.Src = ""
				updates = append(updates, r)
			}
			continue
		}
		if r.Src != d.Src || r.Name != d.Name || r.Description != d.Description || r.IsReversible != d.IsReversible {
			r.Src = d.Src
			r.Name = d.Name
			r.Description = d.Description
			r.IsReversible = d.IsReversible
			updates = append(updates, r)
		}
	}
	for _, f := range files {
		if d, ok := onDisk[f.Filename]; ok && !inStore[f.Filename] {
			inserts = append(inserts, d)
		}
	}

	for _, r := range inserts {
		if err := db.insertMigration(ctx, r); err != nil {
			return result, err
		}
		log.Debug("inserted migration record", "filename", r.Filename)
		result.Inserted = append(result.Inserted, r.Filename)
	}
	for _, r := range updates {
		if err := db.updateMigration(ctx, r); err != nil {
			return result, err
		}
		log.Debug("updated migration record", "filename", r.Filename)
		result.Updated = append(result.Updated, r.Filename)
	}
	return result, nil
}
