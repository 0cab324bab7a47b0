package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"mediastream/internal/domain"
)

// testMongoURI returns the MongoDB connection URI for integration tests.
// Defaults to localhost:27017. Set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

// setupTestRepo connects to MongoDB and returns a repository backed by a
// unique test database. Calls t.Skip if MongoDB is unreachable.
func setupTestRepo(t *testing.T) *SessionRepository {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri, options.Client().SetConnectTimeout(3*time.Second).SetServerSelectionTimeout(3*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB ping failed at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("mediastream_test_%d", time.Now().UnixNano())
	repo := NewSessionRepository(client, dbName, "sessions")
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		t.Fatalf("EnsureIndexes: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = client.Database(dbName).Drop(ctx2)
		_ = client.Disconnect(ctx2)
	})
	return repo
}

func TestIntegrationUpsertAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	rec := makeRecord(testFingerprint, domain.StateDownloading)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	rec.State = domain.StateStreamable
	rec.Progress = 0.5
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := repo.Get(ctx, rec.Fingerprint)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != domain.StateStreamable || got.Progress != 0.5 {
		t.Errorf("got %+v", got)
	}
	if got.Descriptor != rec.Descriptor {
		t.Errorf("Descriptor: got %q, want %q", got.Descriptor, rec.Descriptor)
	}
}

func TestIntegrationGetNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	_, err := repo.Get(context.Background(), testFingerprint)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIntegrationListSkipsErrored(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first := makeRecord("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", domain.StateComplete)
	second := makeRecord("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", domain.StateDownloading)
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	failed := makeRecord("cccccccccccccccccccccccccccccccccccccccc", domain.StateError)
	for _, rec := range []domain.SessionRecord{second, failed, first} {
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List: got %d records, want 2", len(got))
	}
	if got[0].Fingerprint != first.Fingerprint || got[1].Fingerprint != second.Fingerprint {
		t.Errorf("order: got %s, %s", got[0].Fingerprint, got[1].Fingerprint)
	}
}

func TestIntegrationDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	rec := makeRecord(testFingerprint, domain.StateDownloading)
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := repo.Delete(ctx, rec.Fingerprint); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, rec.Fingerprint); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}
}
