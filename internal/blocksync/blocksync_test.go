package blocksync

import (
	"os"
	"strings"
	"testing"
	"time"
)

type fakeRemote struct {
	files map[string]string
}

func newFakeRemote() *fakeRemote { return &fakeRemote{files: map[string]string{}} }

func (f *fakeRemote) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(data), nil
}

func (f *fakeRemote) WriteFile(path string, data []byte, perm os.FileMode) error {
	f.files[path] = string(data)
	return nil
}

func (f *fakeRemote) MkdirAll(path string) error { return nil }

// stubFiles lets a test fake out local block source files without touching
// disk.
type stubFiles struct {
	content map[string]string
	mtime   map[string]time.Time
}

func (s *stubFiles) readFile(path string) ([]byte, error) {
	c, ok := s.content[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(c), nil
}

func (s *stubFiles) stat(path string) (os.FileInfo, error) {
	mt, ok := s.mtime[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return stubFileInfo{mtime: mt}, nil
}

type stubFileInfo struct{ mtime time.Time }

func (s stubFileInfo) Name() string       { return "stub" }
func (s stubFileInfo) Size() int64        { return 0 }
func (s stubFileInfo) Mode() os.FileMode  { return 0 }
func (s stubFileInfo) ModTime() time.Time { return s.mtime }
func (s stubFileInfo) IsDir() bool        { return false }
func (s stubFileInfo) Sys() any           { return nil }

func newEngine(remote RemoteFS, files *stubFiles) *Engine {
	e := New(remote)
	e.readFile = files.readFile
	e.stat = files.stat
	return e
}

func TestApply_RoundTrip_EmptyFile(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{"/a/src.txt": "hello\n"},
		mtime:   map[string]time.Time{"/a/src.txt": time.Unix(1000, 0)},
	}
	e := newEngine(remote, files)

	group := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/src.txt"}, Mode: ModeCover}},
	}
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}

	text := remote.files["/remote/file.conf"]
	if !strings.Contains(text, wrapperStartMarker) || !strings.Contains(text, wrapperEndMarker) {
		t.Fatalf("missing wrapper markers: %s", text)
	}

	blocks := parseBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Body != "hello\n" {
		t.Errorf("body = %q, want %q", blocks[0].Body, "hello\n")
	}
	wantHash := hashBody("hello\n")
	if blocks[0].RecordedHash != wantHash {
		t.Errorf("hash = %s, want %s", blocks[0].RecordedHash, wantHash)
	}
}

func TestApply_UpdateMode_SkipsWhenMtimeNotNewer(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{"/a/src.txt": "v1\n"},
		mtime:   map[string]time.Time{"/a/src.txt": time.Unix(1000, 0)},
	}
	e := newEngine(remote, files)
	group := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/src.txt"}, Mode: ModeUpdate}},
	}
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}

	// Second apply: same mtime, content "changed" but mtime not advanced ->
	// no-op, body must remain v1.
	files.content["/a/src.txt"] = "v2\n"
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}
	blocks := parseBlocks(remote.files["/remote/file.conf"])
	if blocks[0].Body != "v1\n" {
		t.Errorf("body changed despite mtime not advancing: %q", blocks[0].Body)
	}
}

func TestApply_UpdateMode_AppliesWhenMtimeAdvances(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{"/a/src.txt": "v1\n"},
		mtime:   map[string]time.Time{"/a/src.txt": time.Unix(1000, 0)},
	}
	e := newEngine(remote, files)
	group := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/src.txt"}, Mode: ModeUpdate}},
	}
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}

	files.content["/a/src.txt"] = "v2\n"
	files.mtime["/a/src.txt"] = time.Unix(2000, 0)
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}
	blocks := parseBlocks(remote.files["/remote/file.conf"])
	if blocks[0].Body != "v2\n" {
		t.Errorf("body = %q, want %q", blocks[0].Body, "v2\n")
	}
}

func TestApply_UpdateMode_ConflictOnHandEditedRemote(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{"/a/src.txt": "v1\n"},
		mtime:   map[string]time.Time{"/a/src.txt": time.Unix(1000, 0)},
	}
	e := newEngine(remote, files)
	group := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/src.txt"}, Mode: ModeUpdate}},
	}
	if err := e.Apply(group); err != nil {
		t.Fatal(err)
	}

	before := remote.files["/remote/file.conf"]

	// Hand-edit the remote body in place, without updating the hash marker.
	remote.files["/remote/file.conf"] = strings.Replace(before, "v1\n", "HAND EDITED\n", 1)
	handEdited := remote.files["/remote/file.conf"]

	files.content["/a/src.txt"] = "v2\n"
	files.mtime["/a/src.txt"] = time.Unix(2000, 0)

	err := e.Apply(group)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if remote.files["/remote/file.conf"] != handEdited {
		t.Error("remote file was modified despite conflict")
	}
}

func TestApply_IncrementalMode_PreservesUndeclaredBlocks(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{
			"/a/one.txt": "one\n",
			"/a/two.txt": "two\n",
		},
		mtime: map[string]time.Time{
			"/a/one.txt": time.Unix(1000, 0),
			"/a/two.txt": time.Unix(1000, 0),
		},
	}
	e := newEngine(remote, files)

	both := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks: []TextBlock{
			{SrcPaths: []string{"/a/one.txt"}, Mode: ModeCover},
			{SrcPaths: []string{"/a/two.txt"}, Mode: ModeCover},
		},
	}
	if err := e.Apply(both); err != nil {
		t.Fatal(err)
	}

	onlyOne := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/one.txt"}, Mode: ModeCover}},
	}
	if err := e.Apply(onlyOne); err != nil {
		t.Fatal(err)
	}

	blocks := parseBlocks(remote.files["/remote/file.conf"])
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks preserved, got %d", len(blocks))
	}
}

func TestApply_OverwriteMode_DropsUndeclaredBlocks(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{
			"/a/one.txt": "one\n",
			"/a/two.txt": "two\n",
		},
		mtime: map[string]time.Time{
			"/a/one.txt": time.Unix(1000, 0),
			"/a/two.txt": time.Unix(1000, 0),
		},
	}
	e := newEngine(remote, files)

	both := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupOverwrite,
		Blocks: []TextBlock{
			{SrcPaths: []string{"/a/one.txt"}, Mode: ModeCover},
			{SrcPaths: []string{"/a/two.txt"}, Mode: ModeCover},
		},
	}
	if err := e.Apply(both); err != nil {
		t.Fatal(err)
	}

	onlyOne := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupOverwrite,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/one.txt"}, Mode: ModeCover}},
	}
	if err := e.Apply(onlyOne); err != nil {
		t.Fatal(err)
	}

	blocks := parseBlocks(remote.files["/remote/file.conf"])
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block after overwrite, got %d", len(blocks))
	}
}

func TestApply_InitMode_SkipsWhenWrapperAlreadyExists(t *testing.T) {
	remote := newFakeRemote()
	files := &stubFiles{
		content: map[string]string{"/a/one.txt": "one\n"},
		mtime:   map[string]time.Time{"/a/one.txt": time.Unix(1000, 0)},
	}
	e := newEngine(remote, files)

	cover := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/one.txt"}, Mode: ModeCover}},
	}
	if err := e.Apply(cover); err != nil {
		t.Fatal(err)
	}

	files.content["/a/one.txt"] = "changed\n"
	initGroup := BlockGroup{
		DistRemotePath: "/remote/file.conf",
		Mode:           GroupIncremental,
		Blocks:         []TextBlock{{SrcPaths: []string{"/a/one.txt"}, Mode: ModeInit}},
	}
	if err := e.Apply(initGroup); err != nil {
		t.Fatal(err)
	}
	blocks := parseBlocks(remote.files["/remote/file.conf"])
	if blocks[0].Body != "one\n" {
		t.Errorf("init mode overwrote existing block: %q", blocks[0].Body)
	}
}

func TestHashBody_Is16HexChars(t *testing.T) {
	h := hashBody("hello\n")
	if len(h) != 16 {
		t.Errorf("len(hash) = %d, want 16", len(h))
	}
}
