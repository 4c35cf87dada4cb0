package syncservice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/acolita/remote/internal/adapters/realclock"
	"github.com/acolita/remote/internal/blocksync"
	"github.com/acolita/remote/internal/filesync"
	"github.com/acolita/remote/internal/machineid"
	"github.com/acolita/remote/internal/scriptsync"
	"github.com/acolita/remote/internal/ssh"
	"github.com/acolita/remote/internal/testing/mockssh"
	gossh "golang.org/x/crypto/ssh"
)

// newTestClient dials a mock SSH server (with sftp subsystem support
// rooted at remoteDir) and returns a connected Client.
func newTestClient(t *testing.T, server *mockssh.Server) *ssh.Client {
	t.Helper()
	port, err := strconv.Atoi(server.Port())
	if err != nil {
		t.Fatalf("invalid port: %v", err)
	}
	client, err := ssh.NewClient(ssh.ClientOptions{
		Host:                server.Host(),
		Port:                port,
		User:                "test",
		PasswordAuthMethods: []gossh.AuthMethod{gossh.Password("test")},
		HostKeyCallback:     gossh.InsecureIgnoreHostKey(),
		Clock:               realclock.New(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

// newSyncedTestEnv spins up a mock SSH server rooted (for sftp) at a fresh
// remote directory, and returns a connected client plus that directory so
// test bodies can inspect what landed on the "remote" side.
func newSyncedTestEnv(t *testing.T) (*ssh.Client, string) {
	t.Helper()
	remoteDir := t.TempDir()
	server, err := mockssh.New(mockssh.WithSFTPRoot(remoteDir))
	if err != nil {
		t.Fatalf("mockssh.New: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client := newTestClient(t, server)
	t.Cleanup(func() { client.Close() })

	return client, remoteDir
}

func TestSync_FileSyncThenBlockSyncThenScripts_RegistersMachineOnSuccess(t *testing.T) {
	client, remoteDir := newSyncedTestEnv(t)

	localSrc := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(localSrc, []byte("debug=true\n"), 0o644); err != nil {
		t.Fatalf("write local src: %v", err)
	}
	blockSrc := filepath.Join(t.TempDir(), "block.txt")
	if err := os.WriteFile(blockSrc, []byte("export PATH=$PATH:/opt/bin\n"), 0o644); err != nil {
		t.Fatalf("write block src: %v", err)
	}

	fallback := filepath.Join(t.TempDir(), "machine-id")
	svc := New(client, fallback, realclock.New())

	cfg := Config{
		FileSyncItems: []filesync.Item{
			{Src: localSrc, Dist: ":app.conf", Mode: filesync.ModeCover},
		},
		BlockGroups: []blocksync.BlockGroup{
			{
				DistRemotePath: "bashrc-blocks.txt",
				Mode:           blocksync.GroupIncremental,
				Blocks: []blocksync.TextBlock{
					{SrcPaths: []string{blockSrc}, Mode: blocksync.ModeCover},
				},
			},
		},
		Scripts: []scriptsync.ScriptExec{
			{Src: ":/bin/echo", Mode: scriptsync.ModeAlways, ExecMode: scriptsync.ExecModeExec, Args: []string{"hi"}},
		},
		GlobalEnv: scriptsync.DefaultGlobalEnv(),
	}

	res, err := svc.Sync(cfg)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.IsFirstConnect {
		t.Error("expected first Sync on a fresh remote to report IsFirstConnect")
	}
	if len(res.ScriptResults) != 1 || res.ScriptResults[0].ExitCode != 0 {
		t.Errorf("unexpected script results: %+v", res.ScriptResults)
	}

	data, err := os.ReadFile(filepath.Join(remoteDir, "app.conf"))
	if err != nil {
		t.Fatalf("read synced file: %v", err)
	}
	if string(data) != "debug=true\n" {
		t.Errorf("synced file content = %q", data)
	}

	blockData, err := os.ReadFile(filepath.Join(remoteDir, "bashrc-blocks.txt"))
	if err != nil {
		t.Fatalf("read block file: %v", err)
	}
	if !strings.Contains(string(blockData), "export PATH=$PATH:/opt/bin") {
		t.Errorf("block file missing declared content: %q", blockData)
	}

	registryData, err := os.ReadFile(filepath.Join(remoteDir, machineid.RemotePath))
	if err != nil {
		t.Fatalf("read remote registry: %v", err)
	}
	var state machineid.RemoteHostState
	if err := json.Unmarshal(registryData, &state); err != nil {
		t.Fatalf("unmarshal registry: %v", err)
	}
	if len(state.Machines) != 1 {
		t.Errorf("expected exactly one registered machine, got %d", len(state.Machines))
	}

	res2, err := svc.Sync(cfg)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res2.IsFirstConnect {
		t.Error("second Sync against the same registry should not report IsFirstConnect")
	}
}

func TestSync_InitScript_OnlyRunsOnFirstConnect(t *testing.T) {
	client, _ := newSyncedTestEnv(t)
	fallback := filepath.Join(t.TempDir(), "machine-id")
	svc := New(client, fallback, realclock.New())

	cfg := Config{
		Scripts: []scriptsync.ScriptExec{
			{Src: ":/bin/echo", Mode: scriptsync.ModeInit, ExecMode: scriptsync.ExecModeExec},
		},
		GlobalEnv: scriptsync.DefaultGlobalEnv(),
	}

	res, err := svc.Sync(cfg)
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if len(res.ScriptResults) != 1 || res.ScriptResults[0].Skipped {
		t.Errorf("expected init script to run on first connect, got %+v", res.ScriptResults)
	}

	res2, err := svc.Sync(cfg)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if len(res2.ScriptResults) != 1 || !res2.ScriptResults[0].Skipped {
		t.Errorf("expected init script to be skipped on later connect, got %+v", res2.ScriptResults)
	}
}

func TestSync_BlockSyncFailure_LeavesRegistryUntouched(t *testing.T) {
	client, remoteDir := newSyncedTestEnv(t)
	fallback := filepath.Join(t.TempDir(), "machine-id")
	svc := New(client, fallback, realclock.New())

	cfg := Config{
		BlockGroups: []blocksync.BlockGroup{
			{
				DistRemotePath: "bashrc-blocks.txt",
				Mode:           blocksync.GroupIncremental,
				Blocks: []blocksync.TextBlock{
					// A src path that doesn't exist makes computeBlock fail,
					// aborting the whole Sync before the registry is touched.
					{SrcPaths: []string{filepath.Join(t.TempDir(), "missing.txt")}, Mode: blocksync.ModeCover},
				},
			},
		},
	}

	if _, err := svc.Sync(cfg); err == nil {
		t.Fatal("expected Sync to fail on an unreadable block source")
	}

	if _, err := os.Stat(filepath.Join(remoteDir, machineid.RemotePath)); !os.IsNotExist(err) {
		t.Errorf("expected remote registry to not exist after a failed Sync, stat err = %v", err)
	}
}
