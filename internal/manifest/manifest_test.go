package manifest

import (
	"testing"
	"time"

	"github.com/acolita/remote/internal/chunk"
)

func TestKey_StableAndDistinguishesSides(t *testing.T) {
	k1 := Key("host:user:22:/a", "local:::/b")
	k2 := Key("host:user:22:/a", "local:::/b")
	if k1 != k2 {
		t.Error("expected Key to be deterministic")
	}
	k3 := Key("local:::/b", "host:user:22:/a")
	if k1 == k3 {
		t.Error("expected Key to distinguish src/dst order")
	}
}

func TestTransferConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		cfg  TransferConfig
		ok   bool
	}{
		{"valid serial", TransferConfig{Parallel: 1, Chunk: chunk.DefaultChunkMin, ChunkMin: chunk.DefaultChunkMin}, true},
		{"parallel zero", TransferConfig{Parallel: 0, Chunk: chunk.DefaultChunkMin, ChunkMin: chunk.DefaultChunkMin}, false},
		{"chunk below min", TransferConfig{Parallel: 1, Chunk: 100, ChunkMin: chunk.DefaultChunkMin}, false},
		{"valid aria2", TransferConfig{Parallel: 4, Aria2: true, Split: 8}, true},
		{"aria2 split zero", TransferConfig{Parallel: 4, Aria2: true, Split: 0}, false},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() error = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestStore_SaveLoadDelete(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := Key("host:user:22:/remote/file", "local:::/local/file")
	m := &Manifest{
		Src:    "host:user:22:/remote/file",
		Dst:    "local:::/local/file",
		Size:   100,
		Mtime:  1000,
		Chunks: chunk.Schedule(100, chunk.Config{Chunk: 1 << 20}),
	}

	now := time.Unix(2000, 0)
	if err := s.Save(key, m, now); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := s.Load(key)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if loaded.Size != 100 || loaded.CreatedAt != 2000 {
		t.Errorf("Load got %+v", loaded)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := s.Load(key); err != nil || ok {
		t.Fatalf("expected no manifest after delete, ok=%v err=%v", ok, err)
	}
}

func TestValid(t *testing.T) {
	m := &Manifest{Size: 100, Mtime: 1000}
	if !Valid(m, 100, time.Unix(1000, 0)) {
		t.Error("expected exact match to be valid")
	}
	if !Valid(m, 100, time.Unix(1001, 0)) {
		t.Error("expected 1s mtime skew to be valid")
	}
	if Valid(m, 100, time.Unix(1003, 0)) {
		t.Error("expected mtime skew beyond 1s to be invalid")
	}
	if Valid(m, 200, time.Unix(1000, 0)) {
		t.Error("expected size mismatch to be invalid")
	}
}
