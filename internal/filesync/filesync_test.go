package filesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acolita/remote/internal/endpoint"
)

func TestApply_RejectsSyncWithBothLocal(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("x"), 0o644)
	os.WriteFile(b, []byte("y"), 0o644)

	err := e.Apply(Item{Src: a, Dist: b, Mode: ModeSync}, Options{})
	if err == nil {
		t.Fatal("expected error: sync requires exactly one local endpoint")
	}
}

func TestApply_RejectsUpdateWithBothLocal(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("x"), 0o644)

	err := e.Apply(Item{Src: a, Dist: b, Mode: ModeUpdate}, Options{})
	if err == nil {
		t.Fatal("expected error: update disallows local<->local")
	}
}

func TestApply_Cover_OverwritesUnconditionally(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dist := filepath.Join(dir, "dist")
	os.WriteFile(src, []byte("new"), 0o644)
	os.WriteFile(dist, []byte("old"), 0o644)

	if err := e.Apply(Item{Src: src, Dist: dist, Mode: ModeCover}, Options{}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dist)
	if string(data) != "new" {
		t.Errorf("dist = %q, want %q", data, "new")
	}
}

func TestApply_Init_SkipsIfExists(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dist := filepath.Join(dir, "dist")
	os.WriteFile(src, []byte("new"), 0o644)
	os.WriteFile(dist, []byte("old"), 0o644)

	if err := e.Apply(Item{Src: src, Dist: dist, Mode: ModeInit}, Options{}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dist)
	if string(data) != "old" {
		t.Errorf("dist was overwritten: %q", data)
	}
}

func TestApply_Init_ForceInitOverwrites(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dist := filepath.Join(dir, "dist")
	os.WriteFile(src, []byte("new"), 0o644)
	os.WriteFile(dist, []byte("old"), 0o644)

	if err := e.Apply(Item{Src: src, Dist: dist, Mode: ModeInit}, Options{ForceInit: true}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dist)
	if string(data) != "new" {
		t.Errorf("dist = %q, want %q", data, "new")
	}
}

func TestApply_Init_WritesIfMissing(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dist := filepath.Join(dir, "nested", "dist")
	os.WriteFile(src, []byte("new"), 0o644)

	if err := e.Apply(Item{Src: src, Dist: dist, Mode: ModeInit}, Options{}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dist)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("dist = %q, want %q", data, "new")
	}
}

func TestCopyWithMtime_SetsDestinationMtime(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dist := filepath.Join(dir, "dist")
	os.WriteFile(src, []byte("content"), 0o644)

	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	srcEp, err := endpoint.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	distEp, err := endpoint.Parse(dist)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.copyWithMtime(srcEp, distEp, mtime); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(dist)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("dist mtime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c": "/a/b",
		"/a":     "",
		"a":      "",
	}
	for in, want := range cases {
		if got := parentDir(in); got != want {
			t.Errorf("parentDir(%q) = %q, want %q", in, got, want)
		}
	}
}
