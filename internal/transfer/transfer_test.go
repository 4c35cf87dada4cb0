package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/acolita/remote/internal/adapters/realclock"
	"github.com/acolita/remote/internal/endpoint"
	"github.com/acolita/remote/internal/manifest"
	"github.com/acolita/remote/internal/ssh"
	"github.com/acolita/remote/internal/testing/mockssh"
	gossh "golang.org/x/crypto/ssh"
)

func validConfig() manifest.TransferConfig {
	return manifest.TransferConfig{
		Parallel: 2,
		Chunk:    1 << 20,
		ChunkMin: 1 << 20,
	}
}

func TestTransfer_RejectsInvalidTopology(t *testing.T) {
	e := &Engine{now: time.Now}
	_, _, err := e.Transfer("/local/a", "/local/b", validConfig(), nil)
	if err == nil {
		t.Fatal("expected error for two local endpoints")
	}
}

func TestTransfer_RejectsInvalidConfig(t *testing.T) {
	e := &Engine{now: time.Now}
	bad := validConfig()
	bad.Parallel = 0
	_, _, err := e.Transfer("/local/a", "host:/remote/b", bad, nil)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestPartPath(t *testing.T) {
	if got := partPath("/a/b/file.txt"); got != "/a/b/file.txt.part" {
		t.Errorf("partPath = %q", got)
	}
}

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c": "/a/b",
		"/a":     "",
		"nodir":  "",
		"/a/b/":  "/a/b",
		"":       "",
	}
	for in, want := range cases {
		if got := parentDir(in); got != want {
			t.Errorf("parentDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := FileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if sum != want {
		t.Errorf("FileSHA256 = %s, want %s", sum, want)
	}
}

func TestResolveChunks_ScheduleWhenNoManifest(t *testing.T) {
	dir := t.TempDir()
	store, err := manifest.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	e := &Engine{manifests: store, now: time.Now}

	chunks, err := e.resolveChunks("somekey", validConfig(), 5<<20, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks to be scheduled")
	}
}

func TestPrepareDownloadTempFile(t *testing.T) {
	dir := t.TempDir()
	e := &Engine{now: time.Now}
	dstPath := filepath.Join(dir, "nested", "out.bin")

	if err := e.prepareDownloadTempFile(endpoint.Endpoint{Path: dstPath, IsLocal: true}, 1024); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(partPath(dstPath))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1024 {
		t.Errorf("size = %d, want 1024", info.Size())
	}
}

func TestSleepForRateLimit_ZeroIsNoop(t *testing.T) {
	start := time.Now()
	sleepForRateLimit(1<<30, 0)
	if time.Since(start) > 50*time.Millisecond {
		t.Error("expected no sleep when limitRate is 0")
	}
}

// newTransferTestEnv spins up a mock SSH server (with sftp subsystem
// support rooted at a fresh remote directory) and a transfer Engine wired
// to it, plus a manifest store under its own temp dir.
func newTransferTestEnv(t *testing.T) (*Engine, string) {
	t.Helper()

	remoteDir := t.TempDir()
	server, err := mockssh.New(mockssh.WithSFTPRoot(remoteDir))
	if err != nil {
		t.Fatalf("mockssh.New: %v", err)
	}
	t.Cleanup(func() { server.Close() })

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
	t.Cleanup(func() { client.Close() })

	store, err := manifest.New(t.TempDir())
	if err != nil {
		t.Fatalf("manifest.New: %v", err)
	}

	return New(client, store), remoteDir
}

// fillPattern returns n bytes of non-uniform content, so a misplaced or
// truncated chunk changes the SHA-256 rather than being masked by
// repetition.
func fillPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%251 + i/251)
	}
	return data
}

func sha256Hex(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestTransfer_Download_Serial(t *testing.T) {
	e, remoteDir := newTransferTestEnv(t)

	content := fillPattern(3 << 20) // 3 MiB, several 1 MiB chunks
	remoteFile := filepath.Join(remoteDir, "src.bin")
	if err := os.WriteFile(remoteFile, content, 0o644); err != nil {
		t.Fatalf("write remote src: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "dst.bin")
	cfg := manifest.TransferConfig{Parallel: 1, Chunk: 1 << 20, ChunkMin: 1 << 20}

	transferred, total, err := e.Transfer(":src.bin", dstPath, cfg, nil)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if transferred != total || total != int64(len(content)) {
		t.Errorf("transferred=%d total=%d want=%d", transferred, total, len(content))
	}

	want := sha256Hex(t, remoteFile)
	got := sha256Hex(t, dstPath)
	if got != want {
		t.Errorf("sha256(dst) = %s, want sha256(src) = %s", got, want)
	}
	if _, err := os.Stat(partPath(dstPath)); !os.IsNotExist(err) {
		t.Errorf("expected part file to be gone after verify, stat err = %v", err)
	}
}

func TestTransfer_Upload_Parallel(t *testing.T) {
	e, remoteDir := newTransferTestEnv(t)

	content := fillPattern(3 << 20)
	srcPath := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write local src: %v", err)
	}

	cfg := manifest.TransferConfig{Parallel: 3, Chunk: 1 << 20, ChunkMin: 1 << 20}

	transferred, total, err := e.Transfer(srcPath, ":dst.bin", cfg, nil)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if transferred != total || total != int64(len(content)) {
		t.Errorf("transferred=%d total=%d want=%d", transferred, total, len(content))
	}

	want := sha256Hex(t, srcPath)
	got := sha256Hex(t, filepath.Join(remoteDir, "dst.bin"))
	if got != want {
		t.Errorf("sha256(dst) = %s, want sha256(src) = %s", got, want)
	}
}

func TestTransfer_Download_Aria2Mode(t *testing.T) {
	e, remoteDir := newTransferTestEnv(t)

	content := fillPattern(2 << 20)
	remoteFile := filepath.Join(remoteDir, "src.bin")
	if err := os.WriteFile(remoteFile, content, 0o644); err != nil {
		t.Fatalf("write remote src: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "dst.bin")
	cfg := manifest.TransferConfig{Parallel: 2, Aria2: true, Split: 4, Chunk: 4 << 20, ChunkMin: 1 << 20}

	if _, _, err := e.Transfer(":src.bin", dstPath, cfg, nil); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	want := sha256Hex(t, remoteFile)
	got := sha256Hex(t, dstPath)
	if got != want {
		t.Errorf("sha256(dst) = %s, want sha256(src) = %s", got, want)
	}
}

// TestTransfer_ResumeThenResume_Idempotent runs the same download twice in
// a row with the default (resume, not force) config: the second run must
// find every chunk already verified, do no data movement, and still
// succeed — the regression covered here is verify() refusing to re-rename
// a .part file that the first run already promoted to its final path.
func TestTransfer_ResumeThenResume_Idempotent(t *testing.T) {
	e, remoteDir := newTransferTestEnv(t)

	content := fillPattern(2 << 20)
	remoteFile := filepath.Join(remoteDir, "src.bin")
	if err := os.WriteFile(remoteFile, content, 0o644); err != nil {
		t.Fatalf("write remote src: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "dst.bin")
	cfg := manifest.TransferConfig{Resume: true, Parallel: 2, Chunk: 1 << 20, ChunkMin: 1 << 20}

	if _, _, err := e.Transfer(":src.bin", dstPath, cfg, nil); err != nil {
		t.Fatalf("first Transfer: %v", err)
	}

	want := sha256Hex(t, remoteFile)
	if got := sha256Hex(t, dstPath); got != want {
		t.Fatalf("sha256(dst) after first run = %s, want %s", got, want)
	}

	transferred, total, err := e.Transfer(":src.bin", dstPath, cfg, nil)
	if err != nil {
		t.Fatalf("second Transfer (resume-then-resume) failed: %v", err)
	}
	if transferred != total {
		t.Errorf("second run transferred=%d total=%d, want equal (already-verified resume)", transferred, total)
	}

	if got := sha256Hex(t, dstPath); got != want {
		t.Errorf("sha256(dst) after second run = %s, want %s", got, want)
	}
}
