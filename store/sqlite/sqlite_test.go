package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/risa-org/streamlink/cache"
	"github.com/risa-org/streamlink/message"
)

var _ cache.Store = (*Store)(nil)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "messages.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, path
}

func sample(hash string) *message.Message {
	return &message.Message{
		Hash:     hash,
		Metadata: message.Metadata{Cacheable: true, DeltaPath: []int{0, 2}},
		Payload:  json.RawMessage(`{"text":"hello"}`),
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTempStore(t)

	if err := s.Put(ctx, "abc", cache.Entry{Message: sample("abc"), LastAccessedRun: 4}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.LastAccessedRun != 4 {
		t.Errorf("expected run 4, got %d", got.LastAccessedRun)
	}
	if got.Message.Hash != "abc" || string(got.Message.Payload) != `{"text":"hello"}` {
		t.Errorf("unexpected message %+v", got.Message)
	}
	if !got.Message.Metadata.Cacheable || len(got.Message.Metadata.DeltaPath) != 2 {
		t.Errorf("metadata lost: %+v", got.Message.Metadata)
	}
}

func TestGetUnknown(t *testing.T) {
	s, _ := openTempStore(t)
	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Error("expected false for unknown hash")
	}
}

func TestPutTouchesExisting(t *testing.T) {
	ctx := context.Background()
	s, _ := openTempStore(t)

	s.Put(ctx, "abc", cache.Entry{Message: sample("abc"), LastAccessedRun: 0})
	s.Put(ctx, "abc", cache.Entry{Message: sample("abc"), LastAccessedRun: 7})

	got, _, _ := s.Get(ctx, "abc")
	if got.LastAccessedRun != 7 {
		t.Errorf("expected run 7, got %d", got.LastAccessedRun)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("expected one row, got %d", n)
	}
}

func TestEvictBefore(t *testing.T) {
	ctx := context.Background()
	s, _ := openTempStore(t)

	s.Put(ctx, "a", cache.Entry{Message: sample("a"), LastAccessedRun: 1})
	s.Put(ctx, "b", cache.Entry{Message: sample("b"), LastAccessedRun: 2})
	s.Put(ctx, "c", cache.Entry{Message: sample("c"), LastAccessedRun: 3})

	n, err := s.EvictBefore(ctx, 3)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 evictions, got %d", n)
	}
	if left, _ := s.Len(ctx); left != 1 {
		t.Errorf("expected 1 row left, got %d", left)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTempStore(t)
	if err := s.Put(ctx, "abc", cache.Entry{Message: sample("abc"), LastAccessedRun: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, ok, err := reopened.Get(ctx, "abc"); err != nil || !ok {
		t.Fatalf("expected entry after reopen, ok=%v err=%v", ok, err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTempStore(t)

	if err := applyMigrations(ctx, s.db); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrations) {
		t.Errorf("expected %d recorded migrations, got %d", len(migrations), n)
	}
}
