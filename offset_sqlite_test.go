package lance

import (
	"path/filepath"
	"testing"
)

func TestSQLiteOffsetStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s, err := NewSQLiteOffsetStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, ok, err := s.Load("c", 1); ok || err != nil {
		t.Fatalf("empty load: ok=%v err=%v", ok, err)
	}
	if err := s.Save("c", 1, 500); err != nil {
		t.Fatalf("save: %v", err)
	}
	if off, ok, err := s.Load("c", 1); err != nil || !ok || off != 500 {
		t.Fatalf("load = %d, %v, %v", off, ok, err)
	}
	// Upsert overwrites.
	if err := s.Save("c", 1, 600); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if off, _, _ := s.Load("c", 1); off != 600 {
		t.Fatalf("load after upsert = %d", off)
	}
	if err := s.Delete("c", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Load("c", 1); ok {
		t.Fatal("load after delete reported a value")
	}
}

func TestSQLiteOffsetStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	s, err := NewSQLiteOffsetStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save("durable", 7, 12345); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteOffsetStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if off, ok, err := s2.Load("durable", 7); err != nil || !ok || off != 12345 {
		t.Fatalf("load after reopen = %d, %v, %v", off, ok, err)
	}
}

func TestSQLiteOffsetStoreSatisfiesInterface(t *testing.T) {
	var _ OffsetStore = (*SQLiteOffsetStore)(nil)
	var _ OffsetStore = (*MemoryOffsetStore)(nil)
	var _ OffsetStore = (*FileOffsetStore)(nil)
}
