// Package mongostore stores migration records in a MongoDB collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jonathonwebb/nomad"
)

// DefaultCollection holds migration records unless another collection is
// configured.
const DefaultCollection = "nomad_migrations"

// recordDoc is the stored shape of a nomad.Record.
type recordDoc struct {
	Filename     string     `bson:"filename"`
	Name         string     `bson:"name"`
	Description  string     `bson:"description"`
	IsReversible bool       `bson:"isReversible"`
	Src          string     `bson:"src"`
	AppliedSrc   string     `bson:"appliedSrc"`
	AppliedAt    *time.Time `bson:"appliedAt,omitempty"`
	ReversedAt   *time.Time `bson:"reversedAt,omitempty"`
	FailedAt     *time.Time `bson:"failedAt,omitempty"`
	ErrorStack   string     `bson:"errorStack"`
}

func toDoc(r nomad.Record) recordDoc {
	return recordDoc{
		Filename:     r.Filename,
		Name:         r.Name,
		Description:  r.Description,
		IsReversible: r.IsReversible,
		Src:          r.Src,
		AppliedSrc:   r.AppliedSrc,
		AppliedAt:    utc(r.AppliedAt),
		ReversedAt:   utc(r.ReversedAt),
		FailedAt:     utc(r.FailedAt),
		ErrorStack:   r.ErrorStack,
	}
}

func (d recordDoc) record() nomad.Record {
	return nomad.Record{
		Filename:     d.Filename,
		Name:         d.Name,
		Description:  d.Description,
		IsReversible: d.IsReversible,
		Src:          d.Src,
		AppliedSrc:   d.AppliedSrc,
		AppliedAt:    utc(d.AppliedAt),
		ReversedAt:   utc(d.ReversedAt),
		FailedAt:     utc(d.FailedAt),
		ErrorStack:   d.ErrorStack,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// MongoStore is a nomad.Driver whose handle is the *mongo.Database.
type MongoStore struct {
	db         *mongo.Database
	collection string

	uri      string
	database string
	client   *mongo.Client
}

var _ nomad.Driver = (*MongoStore)(nil)

// New returns a store over an open database. Disconnect leaves its client
// connected.
func New(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{db: db, collection: collection}
}

// Open returns a store that connects to uri on Connect and disconnects on
// Disconnect.
func Open(uri, database, collection string) *MongoStore {
	return &MongoStore{uri: uri, database: database, collection: collection}
}

func (s *MongoStore) coll() *mongo.Collection {
	name := s.collection
	if name == "" {
		name = DefaultCollection
	}
	return s.db.Collection(name)
}

func (s *MongoStore) Connect(ctx context.Context) (_ any, err error) {
	if s.db == nil {
		if s.database == "" {
			return nil, errors.New("no database name configured")
		}
		client, connErr := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
		if connErr != nil {
			return nil, connErr
		}
		s.client = client
		s.db = client.Database(s.database)
		defer func() {
			if err != nil {
				err = errors.Join(err, s.Disconnect(ctx))
			}
		}()
	}
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := s.coll().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "filename", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("create filename index: %w", err)
	}
	return s.db, nil
}

func (s *MongoStore) Disconnect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	s.client, s.db = nil, nil
	return err
}

func (s *MongoStore) InsertMigration(ctx context.Context, r nomad.Record) error {
	_, err := s.coll().InsertOne(ctx, toDoc(r))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("record %s already exists: %w", r.Filename, err)
	}
	return err
}

func (s *MongoStore) UpdateMigration(ctx context.Context, filename string, r nomad.Record) error {
	res, err := s.coll().ReplaceOne(ctx, bson.D{{Key: "filename", Value: filename}}, toDoc(r))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("no record for %s", filename)
	}
	return nil
}

func (s *MongoStore) RemoveMigration(ctx context.Context, filename string) error {
	_, err := s.coll().DeleteOne(ctx, bson.D{{Key: "filename", Value: filename}})
	return err
}

func (s *MongoStore) GetMigrations(ctx context.Context) ([]nomad.Record, error) {
	cur, err := s.coll().Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "filename", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	var records []nomad.Record
	for _, d := range docs {
		records = append(records, d.record())
	}
	return records, nil
}
