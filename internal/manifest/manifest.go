// Package manifest persists resumable-transfer state: one JSON file per
// (src, dst) endpoint pair, keyed by a SHA-256 digest so arbitrary paths map
// to a flat, filesystem-safe name.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/acolita/remote/internal/chunk"
)

// TransferConfig mirrors spec.md §3's TransferConfig, persisted alongside
// the manifest so a resumed run can tell whether its chunk layout still
// applies.
type TransferConfig struct {
	Resume        bool   `json:"resume"`
	Force         bool   `json:"force"`
	Parallel      int    `json:"parallel"`
	Aria2         bool   `json:"aria2"`
	Split         int    `json:"split"`
	Chunk         int64  `json:"chunk"`
	ChunkMin      int64  `json:"chunkMin"`
	MaxRetries    int    `json:"maxRetries"`
	LimitRate     int64  `json:"limitRate,omitempty"`
	SSHPort       int    `json:"sshPort"`
	TimeoutSec    int    `json:"timeout"`
	Compress      bool   `json:"compress,omitempty"`
	PreservePerms bool   `json:"preservePerms,omitempty"`
}

// Validate enforces the invariants from spec.md §3's TransferConfig entry.
func (c TransferConfig) Validate() error {
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1, got %d", c.Parallel)
	}
	if c.Aria2 {
		if c.Split < 1 {
			return fmt.Errorf("split must be >= 1 in aria2 mode, got %d", c.Split)
		}
	} else if c.Chunk < c.ChunkMin {
		return fmt.Errorf("chunk (%d) must be >= chunkMin (%d)", c.Chunk, c.ChunkMin)
	}
	return nil
}

// Manifest is the persisted resume state for one transfer.
type Manifest struct {
	Version        int            `json:"version"`
	Src            string         `json:"src"`
	Dst            string         `json:"dst"`
	Size           int64          `json:"size"`
	Mtime          int64          `json:"mtime"`
	Chunks         []chunk.Chunk  `json:"chunks"`
	TransferConfig TransferConfig `json:"transferConfig"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// CurrentVersion is the manifest schema version this build writes.
const CurrentVersion = 1

// Key computes the manifest key for an endpoint pair, normalized as
// "host:user:port:path" per side per spec §3.
func Key(srcNormalized, dstNormalized string) string {
	sum := sha256.Sum256([]byte(srcNormalized + "|" + dstNormalized))
	return hex.EncodeToString(sum[:])
}

// Store is a directory-backed manifest store.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string { return filepath.Join(s.dir, key+".json") }

// Load reads the manifest for key. It returns (nil, false, nil) if absent.
func (s *Store) Load(key string) (*Manifest, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read manifest %s: %w", key, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("unmarshal manifest %s: %w", key, err)
	}
	return &m, true, nil
}

// Save persists m under key, stamping UpdatedAt (and CreatedAt, if unset)
// with now.
func (s *Store) Save(key string, m *Manifest, now time.Time) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = now.Unix()
	}
	m.UpdatedAt = now.Unix()
	if m.Version == 0 {
		m.Version = CurrentVersion
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", key, err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", key, err)
	}
	return nil
}

// Delete removes the manifest for key. Missing files are not an error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove manifest %s: %w", key, err)
	}
	return nil
}

// Valid reports whether a loaded manifest still matches the source file's
// current (size, mtime) per spec §3/§8: sizes equal, mtimes within 1s.
func Valid(m *Manifest, currentSize int64, currentMtime time.Time) bool {
	if m.Size != currentSize {
		return false
	}
	return math.Abs(float64(m.Mtime-currentMtime.Unix())) <= 1
}
