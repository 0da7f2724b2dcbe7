package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCheckpoint_Encoding(t *testing.T) {
	cp := Checkpoint{Service: ServiceMixpanel, Position: "2024-03-02"}

	key, err := cp.MarshalKey()
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if string(key) != `{"service":"mixpanel"}` {
		t.Errorf("unexpected key %s", key)
	}

	value, err := cp.MarshalValue()
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	if string(value) != `{"position":"2024-03-02"}` {
		t.Errorf("unexpected value %s", value)
	}

	pos, err := UnmarshalPosition(value)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pos != "2024-03-02" {
		t.Errorf("expected 2024-03-02, got %s", pos)
	}
}

func TestUnmarshalPosition_Invalid(t *testing.T) {
	if _, err := UnmarshalPosition([]byte("nope")); err == nil {
		t.Error("expected error for invalid value")
	}
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.ReadPosition(ctx, ServiceMixpanel); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	for _, pos := range []string{"2024-03-01", "2024-03-02"} {
		if err := s.Commit(ctx, Checkpoint{Service: ServiceMixpanel, Position: pos}); err != nil {
			t.Fatalf("commit %s: %v", pos, err)
		}
	}

	pos, ok, err := s.ReadPosition(ctx, ServiceMixpanel)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok || pos != "2024-03-02" {
		t.Errorf("expected latest position 2024-03-02, got %q ok=%v", pos, ok)
	}

	if _, ok, _ := s.ReadPosition(ctx, "other"); ok {
		t.Error("expected no position for an unknown service")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "offsets.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Commit(ctx, Checkpoint{Service: ServiceMixpanel, Position: "2024-05-05"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()

	pos, ok, err := s.ReadPosition(ctx, ServiceMixpanel)
	if err != nil || !ok || pos != "2024-05-05" {
		t.Errorf("expected 2024-05-05 after reopen, got %q ok=%v err=%v", pos, ok, err)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Options{Backend: BackendMemory}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", mem)
	}

	sq, err := Open(ctx, Options{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "cp.db")}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer sq.Close()
	if _, ok := sq.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", sq)
	}

	if _, err := Open(ctx, Options{Backend: "redis"}, nil); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(ctx, Options{}, nil); err == nil {
		t.Error("expected error for kafka backend without a cluster")
	}
}
