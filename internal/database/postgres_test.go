package database

import (
	"context"
	"os"
	"testing"
)

// connectForTest skips unless TEST_DATABASE_URL points at a postgres server.
func connectForTest(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := connectForTest(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := db.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema pass %d: %v", i, err)
		}
	}
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('batches', 'session_usage', 'session_activities')`,
	).Scan(&n)
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 tables, got %d", n)
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "::not a url::"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
