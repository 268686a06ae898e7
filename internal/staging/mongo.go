package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"commerce-etl/internal/models"
	"commerce-etl/internal/util"
)

const duplicateKeyCode = 11000

// ErrInvalidID is returned for document ids that are not ObjectID hex strings.
var ErrInvalidID = errors.New("invalid staged document id")

// document is the BSON layout of a staged record in raw_<platform>.
type document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	TenantID    string             `bson:"tenant_id"`
	Platform    string             `bson:"platform"`
	DataType    string             `bson:"data_type"`
	Payload     bson.Raw           `bson:"payload"`
	FetchedAt   time.Time          `bson:"fetched_at"`
	Processed   bool               `bson:"processed"`
	ProcessedAt *time.Time         `bson:"processed_at,omitempty"`
}

// Store keeps raw platform payloads in one MongoDB collection per platform.
type Store struct {
	db     *mongo.Database
	logger *zap.Logger
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		db:     db,
		logger: util.GetLogger().Named("staging"),
	}
}

// Connect dials MongoDB and returns the client and a store over dbName.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, NewStore(client.Database(dbName)), nil
}

func CollectionName(p models.Platform) string {
	return "raw_" + string(p)
}

func (s *Store) collection(p models.Platform) *mongo.Collection {
	return s.db.Collection(CollectionName(p))
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// EnsureIndexes creates the scan index used by FetchUnprocessed.
func (s *Store) EnsureIndexes(ctx context.Context, platforms []models.Platform) error {
	for _, p := range platforms {
		_, err := s.collection(p).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "processed", Value: 1}, {Key: "_id", Value: 1}},
				Options: options.Index().SetName("tenant_processed_id"),
			},
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "data_type", Value: 1}, {Key: "fetched_at", Value: -1}},
				Options: options.Index().SetName("tenant_type_fetched"),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", CollectionName(p), err)
		}
	}
	return nil
}

// InsertMany writes docs unordered. Duplicate-key failures are ignored and
// not counted; any other write error is returned with the inserted count.
func (s *Store) InsertMany(ctx context.Context, platform models.Platform, docs []models.StagedDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	batch := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		payload, err := toBSON(d.Payload)
		if err != nil {
			return 0, err
		}
		fetched := d.FetchedAt
		if fetched.IsZero() {
			fetched = time.Now().UTC()
		}
		batch = append(batch, document{
			TenantID:  d.TenantID,
			Platform:  string(platform),
			DataType:  string(d.DataType),
			Payload:   payload,
			FetchedAt: fetched,
		})
	}

	res, err := s.collection(platform).InsertMany(ctx, batch, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(res.InsertedIDs), nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, fmt.Errorf("failed to insert staged documents: %w", err)
	}
	dupes := 0
	for _, we := range bwe.WriteErrors {
		if we.Code == duplicateKeyCode {
			dupes++
		}
	}
	inserted := len(docs) - len(bwe.WriteErrors)
	if dupes == len(bwe.WriteErrors) {
		s.logger.Debug("Ignored duplicate staged documents", zap.Int("duplicates", dupes))
		return inserted, nil
	}
	return inserted, fmt.Errorf("failed to insert %d staged documents: %w", len(bwe.WriteErrors)-dupes, err)
}

// FetchUnprocessed returns up to limit unprocessed documents with _id > afterID
// in _id order, so callers can page past documents they chose to skip.
func (s *Store) FetchUnprocessed(ctx context.Context, tenantID string, platform models.Platform, afterID string, limit int) ([]models.StagedDocument, error) {
	filter := bson.M{"tenant_id": tenantID, "processed": false}
	if afterID != "" {
		oid, err := primitive.ObjectIDFromHex(afterID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidID, afterID)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.collection(platform).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged documents: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.StagedDocument
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("failed to decode staged document: %w", err)
		}
		payload, err := toJSON(d.Payload)
		if err != nil {
			s.logger.Warn("Unreadable staged payload", zap.String("id", d.ID.Hex()), zap.Error(err))
		}
		out = append(out, models.StagedDocument{
			ID:          d.ID.Hex(),
			TenantID:    d.TenantID,
			Platform:    models.Platform(d.Platform),
			DataType:    models.DataType(d.DataType),
			Payload:     payload,
			FetchedAt:   d.FetchedAt,
			Processed:   d.Processed,
			ProcessedAt: d.ProcessedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staged documents: %w", err)
	}
	return out, nil
}

// MarkProcessed flips the processed flag on ids.
func (s *Store) MarkProcessed(ctx context.Context, platform models.Platform, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidID, id)
		}
		oids = append(oids, oid)
	}

	now := time.Now().UTC()
	res, err := s.collection(platform).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}},
		bson.M{"$set": bson.M{"processed": true, "processed_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark staged documents processed: %w", err)
	}
	return res.ModifiedCount, nil
}

// CountUnprocessed reports the backlog for one tenant and platform.
func (s *Store) CountUnprocessed(ctx context.Context, tenantID string, platform models.Platform) (int64, error) {
	n, err := s.collection(platform).CountDocuments(ctx, bson.M{"tenant_id": tenantID, "processed": false})
	if err != nil {
		return 0, fmt.Errorf("failed to count staged documents: %w", err)
	}
	return n, nil
}

// toBSON converts one JSON record into a BSON value. Non-object records are
// wrapped as {"value": ...} since a BSON document must be an object.
func toBSON(payload json.RawMessage) (bson.Raw, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(payload, false, &doc); err == nil {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return raw, nil
	}

	var generic interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	raw, err := bson.Marshal(bson.M{"value": generic})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

func toJSON(raw bson.Raw) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	out, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	return out, nil
}
