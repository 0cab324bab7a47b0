package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mediastream/internal/domain"
)

// SessionRepository persists media sessions so they can be reopened after a
// restart.
type SessionRepository struct {
	collection *mongo.Collection
}

type sessionDoc struct {
	ID         string  `bson:"_id"`
	Title      string  `bson:"title"`
	Descriptor string  `bson:"descriptor"`
	TargetFile string  `bson:"targetFile,omitempty"`
	State      string  `bson:"state"`
	Progress   float64 `bson:"progress"`
	CreatedAt  int64   `bson:"createdAt"`
	UpdatedAt  int64   `bson:"updatedAt"`
}

func NewSessionRepository(client *mongo.Client, dbName, collectionName string) *SessionRepository {
	return &SessionRepository{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *SessionRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "state", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Upsert writes the full record, creating it when missing.
func (r *SessionRepository) Upsert(ctx context.Context, rec domain.SessionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	doc := toDoc(rec)
	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *SessionRepository) Get(ctx context.Context, fp domain.Fingerprint) (domain.SessionRecord, error) {
	var doc sessionDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(fp)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.SessionRecord{}, domain.ErrNotFound
		}
		return domain.SessionRecord{}, err
	}
	return fromDoc(doc), nil
}

// List returns every record that can be restored, oldest first. Sessions that
// ended in error are skipped.
func (r *SessionRepository) List(ctx context.Context) ([]domain.SessionRecord, error) {
	query := bson.M{"state": bson.M{"$ne": string(domain.StateError)}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func (r *SessionRepository) Delete(ctx context.Context, fp domain.Fingerprint) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(fp)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toDoc(rec domain.SessionRecord) sessionDoc {
	return sessionDoc{
		ID:         string(rec.Fingerprint),
		Title:      rec.Title,
		Descriptor: rec.Descriptor,
		TargetFile: rec.TargetFile,
		State:      string(rec.State),
		Progress:   rec.Progress,
		CreatedAt:  rec.CreatedAt.Unix(),
		UpdatedAt:  rec.UpdatedAt.Unix(),
	}
}

func fromDoc(doc sessionDoc) domain.SessionRecord {
	return domain.SessionRecord{
		Fingerprint: domain.Fingerprint(doc.ID),
		Title:       doc.Title,
		Descriptor:  doc.Descriptor,
		TargetFile:  doc.TargetFile,
		State:       domain.StreamState(doc.State),
		Progress:    doc.Progress,
		CreatedAt:   timeFromUnix(doc.CreatedAt),
		UpdatedAt:   timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []sessionDoc) []domain.SessionRecord {
	records := make([]domain.SessionRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
