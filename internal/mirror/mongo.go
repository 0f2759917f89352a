package mirror

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoConfig configures the MongoDB mirror.
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MongoConfigFromEnv reads KOBOCAT_MONGO_URI, KOBOCAT_MONGO_DATABASE and
// KOBOCAT_MONGO_COLLECTION.
func MongoConfigFromEnv() MongoConfig {
	return MongoConfig{
		URI:        os.Getenv("KOBOCAT_MONGO_URI"),
		Database:   os.Getenv("KOBOCAT_MONGO_DATABASE"),
		Collection: os.Getenv("KOBOCAT_MONGO_COLLECTION"),
	}
}

func (c MongoConfig) withDefaults() MongoConfig {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "formhub"
	}
	if c.Collection == "" {
		c.Collection = "instances"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Mongo mirrors documents into one MongoDB collection keyed by _id.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// OpenMongo connects, pings and ensures the _userform_id index exists.
func OpenMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	cfg = cfg.withDefaults()
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	m := &Mongo{client: client, coll: client.Database(cfg.Database).Collection(cfg.Collection), timeout: cfg.Timeout}
	if _, err := m.coll.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys: bson.D{{Key: FieldUserFormID, Value: 1}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create mongo index: %w", err)
	}
	return m, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

// Ping checks the server is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Mongo) Upsert(ctx context.Context, doc Document) error {
	id := doc.ID()
	if id == "" {
		return ErrInvalidDocument
	}
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	_, err := m.coll.ReplaceOne(ctx, bson.M{FieldID: id}, bson.M(doc), options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) Delete(ctx context.Context, id string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	_, err := m.coll.DeleteOne(ctx, bson.M{FieldID: id})
	return err
}

func (m *Mongo) DeleteByUserForm(ctx context.Context, userformID string) (int64, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	res, err := m.coll.DeleteMany(ctx, bson.M{FieldUserFormID: userformID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *Mongo) Count(ctx context.Context, userformID string) (int64, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.coll.CountDocuments(ctx, bson.M{FieldUserFormID: userformID})
}

func (m *Mongo) IDs(ctx context.Context, userformID string) ([]string, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	cursor, err := m.coll.Find(ctx, bson.M{FieldUserFormID: userformID},
		options.Find().SetProjection(bson.M{FieldID: 1}).SetSort(bson.D{{Key: FieldID, Value: 1}}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (m *Mongo) Find(ctx context.Context, userformID string, q Query) ([]Document, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: FieldID, Value: 1}})
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cursor, err := m.coll.Find(ctx, bson.M{FieldUserFormID: userformID}, opts)
	if err != nil {
		return nil, err
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		doc, _ := fromBSON(r).(map[string]any)
		out = append(out, Document(doc))
	}
	return out, nil
}

// fromBSON converts decoded documents and arrays into plain maps and slices
// so they encode as ordinary JSON.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = fromBSON(child)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = fromBSON(child)
		}
		return out
	default:
		return v
	}
}
