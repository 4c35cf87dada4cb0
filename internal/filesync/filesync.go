// Package filesync implements the declarative per-file sync engine (spec
// §4.6): a small set of whole-file copy modes over SFTP, with mtime
// comparison for the bidirectional modes and mkdir-p of the destination's
// parent before any remote write. Unlike internal/transfer, files here are
// copied whole — this engine is for small annotated config files, not large
// payloads.
package filesync

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/acolita/remote/internal/endpoint"
	"github.com/acolita/remote/internal/errs"
	"github.com/acolita/remote/internal/ssh"
)

// Mode is the tagged-sum FileSync mode from spec §3/§4.6.
type Mode string

const (
	ModeInit   Mode = "init"
	ModeCover  Mode = "cover"
	ModeSync   Mode = "sync"
	ModeUpdate Mode = "update"
)

// Item is one declared FileSync entry.
type Item struct {
	Src  string
	Dist string
	Mode Mode
}

// Options controls engine-wide overrides applied across every item.
type Options struct {
	// ForceInit makes ModeInit items write even if the destination already
	// exists, per spec §4.6's "unless forceInit caller flag".
	ForceInit bool
}

// Engine applies FileSync items over an SSH client for the remote side of
// any endpoint. A nil client is sufficient for an all-local run.
type Engine struct {
	client *ssh.Client
}

// New creates an Engine using client to resolve and access remote
// endpoints.
func New(client *ssh.Client) *Engine {
	return &Engine{client: client}
}

// Apply dispatches item to the mode-specific handler, after resolving "~"
// in any remote path and validating the mode's local/remote constraints.
func (e *Engine) Apply(item Item, opts Options) error {
	src, err := endpoint.Parse(item.Src)
	if err != nil {
		return errs.FileSync(err, "parse src %q", item.Src)
	}
	dist, err := endpoint.Parse(item.Dist)
	if err != nil {
		return errs.FileSync(err, "parse dist %q", item.Dist)
	}

	if src, err = e.resolveHome(src); err != nil {
		return errs.FileSync(err, "resolve ~ in src")
	}
	if dist, err = e.resolveHome(dist); err != nil {
		return errs.FileSync(err, "resolve ~ in dist")
	}

	switch item.Mode {
	case ModeInit:
		return e.applyInit(src, dist, opts)
	case ModeCover:
		return e.applyCover(src, dist)
	case ModeSync:
		if src.IsLocal == dist.IsLocal {
			return errs.FileSync(nil, "mode=sync requires exactly one local endpoint (src=%q dist=%q)", item.Src, item.Dist)
		}
		return e.applySync(src, dist)
	case ModeUpdate:
		if src.IsLocal == dist.IsLocal {
			return errs.FileSync(nil, "mode=update requires exactly one local endpoint (src=%q dist=%q)", item.Src, item.Dist)
		}
		return e.applyUpdate(src, dist)
	default:
		return errs.FileSync(nil, "unknown file sync mode %q", item.Mode)
	}
}

func (e *Engine) applyInit(src, dist endpoint.Endpoint, opts Options) error {
	_, _, exists, err := e.stat(dist)
	if err != nil {
		return errs.FileSync(err, "stat dist %q", dist.Path)
	}
	if exists && !opts.ForceInit {
		return nil
	}
	return e.copy(src, dist)
}

func (e *Engine) applyCover(src, dist endpoint.Endpoint) error {
	return e.copy(src, dist)
}

func (e *Engine) applySync(src, dist endpoint.Endpoint) error {
	_, srcMtime, srcExists, err := e.stat(src)
	if err != nil {
		return errs.FileSync(err, "stat src %q", src.Path)
	}
	_, distMtime, distExists, err := e.stat(dist)
	if err != nil {
		return errs.FileSync(err, "stat dist %q", dist.Path)
	}

	switch {
	case !srcExists && !distExists:
		return errs.FileSync(nil, "sync %q <-> %q: neither side exists", src.Path, dist.Path)
	case !srcExists:
		return e.copyWithMtime(dist, src, distMtime)
	case !distExists:
		return e.copyWithMtime(src, dist, srcMtime)
	case srcMtime.After(distMtime):
		return e.copyWithMtime(src, dist, srcMtime)
	case distMtime.After(srcMtime):
		return e.copyWithMtime(dist, src, distMtime)
	default:
		return nil // equal mtimes: no-op
	}
}

func (e *Engine) applyUpdate(src, dist endpoint.Endpoint) error {
	srcMtime, distMtime, distExists, err := e.updateStats(src, dist)
	if err != nil {
		return err
	}
	if distExists && !srcMtime.After(distMtime) {
		return nil
	}
	return e.copyWithMtime(src, dist, srcMtime)
}

func (e *Engine) updateStats(src, dist endpoint.Endpoint) (srcMtime, distMtime time.Time, distExists bool, err error) {
	_, srcMtime, srcExists, err := e.stat(src)
	if err != nil {
		return time.Time{}, time.Time{}, false, errs.FileSync(err, "stat src %q", src.Path)
	}
	if !srcExists {
		return time.Time{}, time.Time{}, false, errs.FileSync(nil, "update src %q does not exist", src.Path)
	}
	_, distMtime, distExists, err = e.stat(dist)
	if err != nil {
		return time.Time{}, time.Time{}, false, errs.FileSync(err, "stat dist %q", dist.Path)
	}
	return srcMtime, distMtime, distExists, nil
}

// copy copies src's content to dist without touching dist's mtime.
func (e *Engine) copy(src, dist endpoint.Endpoint) error {
	return e.copyWithMtime(src, dist, time.Time{})
}

// copyWithMtime copies src's content to dist, and if mtime is non-zero,
// sets dist's mtime to match afterward (spec §8 scenario 6: "A's mtime ≈
// B's mtime").
func (e *Engine) copyWithMtime(src, dist endpoint.Endpoint, mtime time.Time) error {
	data, err := e.readBytes(src)
	if err != nil {
		return errs.FileSync(err, "read %q", src.Path)
	}
	if err := e.writeBytes(dist, data); err != nil {
		return errs.FileSync(err, "write %q", dist.Path)
	}
	if mtime.IsZero() {
		return nil
	}
	if err := e.setMtime(dist, mtime); err != nil {
		return errs.FileSync(err, "chtimes %q", dist.Path)
	}
	return nil
}

func (e *Engine) resolveHome(ep endpoint.Endpoint) (endpoint.Endpoint, error) {
	if ep.IsLocal {
		return ep, nil
	}
	stdout, _, code, err := e.client.Exec("echo $HOME")
	if err != nil || code != 0 {
		return ep, fmt.Errorf("resolve remote $HOME: %w", err)
	}
	return ep.ResolveHome(trimNewline(stdout)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func (e *Engine) stat(ep endpoint.Endpoint) (size int64, mtime time.Time, exists bool, err error) {
	if ep.IsLocal {
		info, statErr := os.Stat(ep.Path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return 0, time.Time{}, false, nil
			}
			return 0, time.Time{}, false, statErr
		}
		return info.Size(), info.ModTime(), true, nil
	}

	sftpClient, sftpErr := e.client.SFTPClient()
	if sftpErr != nil {
		return 0, time.Time{}, false, sftpErr
	}
	info, statErr := sftpClient.Stat(ep.Path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, statErr
	}
	return info.Size(), info.ModTime(), true, nil
}

func (e *Engine) readBytes(ep endpoint.Endpoint) ([]byte, error) {
	if ep.IsLocal {
		return os.ReadFile(ep.Path)
	}
	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return nil, err
	}
	return sftpClient.ReadFile(ep.Path)
}

func (e *Engine) writeBytes(ep endpoint.Endpoint, data []byte) error {
	if dir := parentDir(ep.Path); dir != "" && dir != "." {
		if err := e.mkdirAll(ep.IsLocal, dir); err != nil {
			return fmt.Errorf("mkdir -p %s: %w", dir, err)
		}
	}
	if ep.IsLocal {
		return os.WriteFile(ep.Path, data, 0o644)
	}
	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return err
	}
	return sftpClient.WriteFile(ep.Path, data, 0o644)
}

func (e *Engine) setMtime(ep endpoint.Endpoint, mtime time.Time) error {
	if ep.IsLocal {
		return os.Chtimes(ep.Path, mtime, mtime)
	}
	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return err
	}
	return sftpClient.Chtimes(ep.Path, mtime, mtime)
}

// mkdirAll creates dir and its parents, ignoring "already exists", for
// either side of an endpoint.
func (e *Engine) mkdirAll(isLocal bool, dir string) error {
	if isLocal {
		return os.MkdirAll(dir, 0o755)
	}
	sftpClient, err := e.client.SFTPClient()
	if err != nil {
		return err
	}
	return sftpClient.MkdirAll(dir)
}

func parentDir(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}
