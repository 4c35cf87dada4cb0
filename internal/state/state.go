// Package state implements the process-local, one-file-per-instance store
// used by the proxy service: a JSON blob, a PID file, and append-only
// stdio logs per named instance, with signal-0 liveness self-healing.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/acolita/remote/internal/procutil"
	"gopkg.in/yaml.v3"
)

// Store is a directory-backed keyed blob store with PID-aware liveness.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) jsonPath(name string) string { return filepath.Join(s.dir, name+".json") }
func (s *Store) pidPath(name string) string  { return filepath.Join(s.dir, name+".pid") }
func (s *Store) outPath(name string) string  { return filepath.Join(s.dir, name+".out") }
func (s *Store) errPath(name string) string  { return filepath.Join(s.dir, name+".err") }

// Save pretty-prints blob as JSON to <name>.json, overwriting any prior
// state for that instance. The write goes through a temp file plus rename
// so a concurrent Load never observes a truncated or partially written file.
func (s *Store) Save(name string, blob any) error {
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state %s: %w", name, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.jsonPath(name)); err != nil {
		return fmt.Errorf("write state %s: %w", name, err)
	}
	return nil
}

// Load reads <name>.json into out. It returns (false, nil) if no state file
// exists for name.
func (s *Store) Load(name string, out any) (bool, error) {
	data, err := os.ReadFile(s.jsonPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read state %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal state %s: %w", name, err)
	}
	return true, nil
}

// Delete removes all files (pid/json/out/err) belonging to name. Missing
// files are not an error.
//
// The PID file goes first. It's the sole signal Exists and List key off, so
// once it's gone a concurrent liveness check sees the instance as absent
// even if a crash interrupts the rest of this cleanup; the remaining json,
// out, and err files become harmless orphans rather than a dead process
// that still reads as alive.
func (s *Store) Delete(name string) error {
	for _, p := range []string{s.pidPath(name), s.jsonPath(name), s.outPath(name), s.errPath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// SavePid writes pid as a decimal PID file for name.
func (s *Store) SavePid(name string, pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(s.pidPath(name), data, 0o644); err != nil {
		return fmt.Errorf("write pid for %s: %w", name, err)
	}
	return nil
}

// LoadPid reads the PID file for name. It returns (0, false, nil) if no PID
// file exists.
func (s *Store) LoadPid(name string) (int, bool, error) {
	data, err := os.ReadFile(s.pidPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read pid for %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parse pid for %s: %w", name, err)
	}
	return pid, true, nil
}

// Exists reports whether name's PID file is present and the PID is alive.
// If the PID file is present but the process is dead, Exists self-heals by
// deleting the instance's state and returns false.
func (s *Store) Exists(name string) (bool, error) {
	pid, ok, err := s.LoadPid(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if procutil.Alive(pid) {
		return true, nil
	}
	if err := s.Delete(name); err != nil {
		return false, err
	}
	return false, nil
}

// List returns the names of instances whose PID is alive, self-healing any
// stale (dead-PID) entries it encounters.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir %s: %w", s.dir, err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".pid" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if seen[name] {
			continue
		}
		seen[name] = true

		alive, err := s.Exists(name)
		if err != nil {
			return nil, err
		}
		if alive {
			names = append(names, name)
		}
	}
	return names, nil
}

// OutPath and ErrPath expose the append-only log paths for a background
// instance to redirect its stdio to.
func (s *Store) OutPath(name string) string { return s.outPath(name) }
func (s *Store) ErrPath(name string) string { return s.errPath(name) }

// ExportYAML re-renders name's persisted JSON state as YAML, for
// `proxy status --format=yaml`-style debugging callers. It does not change
// how state is stored on disk.
func (s *Store) ExportYAML(name string) ([]byte, error) {
	data, err := os.ReadFile(s.jsonPath(name))
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", name, err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal state %s: %w", name, err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml for %s: %w", name, err)
	}
	return out, nil
}
