// Package machineid resolves a stable identifier for the local machine and
// manages the remote-side RemoteHostState (~/.remote.json) used to detect
// whether a client machine is connecting to a host for the first time.
//
// Local resolution order follows original_source/remote/system.py's chain:
// /etc/machine-id, then /var/lib/dbus/machine-id, then a UUID persisted at
// ~/.remote/machine-id.
package machineid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var osMachineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Local returns this machine's stable identifier, reading the OS-provided
// machine-id files in order and falling back to a UUID persisted at
// fallbackPath (typically ~/.remote/machine-id), generating and saving one
// on first use.
func Local(fallbackPath string) (string, error) {
	for _, p := range osMachineIDPaths {
		if id, ok := readMachineIDFile(p); ok {
			return id, nil
		}
	}
	return persistedUUID(fallbackPath)
}

func readMachineIDFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", false
	}
	return id, true
}

func persistedUUID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create machine-id dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write machine-id %s: %w", path, err)
	}
	return id, nil
}

// MachineRecord is one entry in RemoteHostState.Machines, per spec §3.
type MachineRecord struct {
	FirstConnect int64          `json:"firstConnect"`
	LastSync     int64          `json:"lastSync"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// RemoteHostState is the persisted ~/.remote.json on the remote host.
type RemoteHostState struct {
	Machines map[string]MachineRecord `json:"machines"`
}

// RemotePath is the fixed location of the remote state file, relative to
// the connecting user's $HOME.
const RemotePath = ".remote.json"

// RemoteFile is the minimal interface this package needs from a remote
// file reader/writer; *sftp.Client satisfies it directly.
type RemoteFile interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
}

// LoadRemoteState reads path from rf, returning an empty state if the file
// does not exist. Any other read error, or a malformed file, is returned.
func LoadRemoteState(rf RemoteFile, path string) (RemoteHostState, error) {
	data, err := rf.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RemoteHostState{Machines: map[string]MachineRecord{}}, nil
		}
		return RemoteHostState{}, fmt.Errorf("read remote state %s: %w", path, err)
	}

	var st RemoteHostState
	if err := json.Unmarshal(data, &st); err != nil {
		return RemoteHostState{}, fmt.Errorf("unmarshal remote state %s: %w", path, err)
	}
	if st.Machines == nil {
		st.Machines = map[string]MachineRecord{}
	}
	return st, nil
}

// SaveRemoteState writes st to path on rf, pretty-printed.
func SaveRemoteState(rf RemoteFile, path string, st RemoteHostState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal remote state: %w", err)
	}
	if err := rf.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write remote state %s: %w", path, err)
	}
	return nil
}

// IsFirstConnect reports whether machineID has no record in st.
func IsFirstConnect(st RemoteHostState, machineID string) bool {
	_, ok := st.Machines[machineID]
	return !ok
}

// Register inserts or refreshes machineID's record: FirstConnect is set
// only the first time a machine is seen, LastSync is always stamped to
// nowUnix, and meta is merged into any existing meta map.
func Register(st RemoteHostState, machineID string, nowUnix int64, meta map[string]any) RemoteHostState {
	if st.Machines == nil {
		st.Machines = map[string]MachineRecord{}
	}
	rec, existed := st.Machines[machineID]
	if !existed {
		rec.FirstConnect = nowUnix
	}
	rec.LastSync = nowUnix
	if meta != nil {
		if rec.Meta == nil {
			rec.Meta = map[string]any{}
		}
		for k, v := range meta {
			rec.Meta[k] = v
		}
	}
	st.Machines[machineID] = rec
	return st
}
