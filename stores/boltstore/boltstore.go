// Package boltstore stores migration records in a bucket of a Bolt database
// file.
package boltstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/jonathonwebb/nomad"
)

// DefaultBucket holds migration records unless another bucket is configured.
const DefaultBucket = "nomad_migrations"

// BoltStore is a nomad.Driver whose handle is the *bolt.DB.
type BoltStore struct {
	DB     *bolt.DB
	bucket string

	path  string
	owned bool
}

var _ nomad.Driver = (*BoltStore)(nil)

// New returns a store over an open database. Disconnect leaves db open.
func New(db *bolt.DB, bucket string) *BoltStore {
	return &BoltStore{DB: db, bucket: bucket}
}

// Open returns a store that opens the database file at path on Connect and
// closes it, releasing the file lock, on Disconnect.
func Open(path, bucket string) *BoltStore {
	return &BoltStore{path: path, bucket: bucket}
}

func (s *BoltStore) bucketName() []byte {
	if s.bucket == "" {
		return []byte(DefaultBucket)
	}
	return []byte(s.bucket)
}

func (s *BoltStore) Connect(ctx context.Context) (_ any, err error) {
	if s.DB == nil {
		db, openErr := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 5 * time.Second})
		if openErr != nil {
			return nil, fmt.Errorf("open %s: %w", s.path, openErr)
		}
		s.DB, s.owned = db, true
		defer func() {
			if err != nil {
				err = errors.Join(err, s.Disconnect(ctx))
			}
		}()
	}
	err = s.DB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucketName())
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.DB, nil
}

func (s *BoltStore) Disconnect(ctx context.Context) error {
	if !s.owned || s.DB == nil {
		return nil
	}
	err := s.DB.Close()
	s.DB, s.owned = nil, false
	return err
}

func (s *BoltStore) InsertMigration(ctx context.Context, r nomad.Record) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucketFor(tx)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(r.Filename)) != nil {
			return fmt.Errorf("record %s already exists", r.Filename)
		}
		return put(bucket, r)
	})
}

func (s *BoltStore) UpdateMigration(ctx context.Context, filename string, r nomad.Record) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucketFor(tx)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(filename)) == nil {
			return fmt.Errorf("no record for %s", filename)
		}
		r.Filename = filename
		return put(bucket, r)
	})
}

func (s *BoltStore) RemoveMigration(ctx context.Context, filename string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucketFor(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(filename))
	})
}

// GetMigrations returns records in key order, which is filename order.
func (s *BoltStore) GetMigrations(ctx context.Context) ([]nomad.Record, error) {
	var records []nomad.Record
	err := s.DB.View(func(tx *bolt.Tx) error {
		bucket, err := s.bucketFor(tx)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var r nomad.Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&r); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) bucketFor(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket(s.bucketName())
	if bucket == nil {
		return nil, errors.New("bucket not found; not connected")
	}
	return bucket, nil
}

func put(bucket *bolt.Bucket, r nomad.Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return err
	}
	return bucket.Put([]byte(r.Filename), buf.Bytes())
}
