// Package endpoint parses scp-style transfer endpoints: "[user@]host:path",
// a bare ":path" (remote path on an already-known host), and plain local
// paths.
package endpoint

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Endpoint is one side of a transfer or sync operation.
type Endpoint struct {
	Path    string
	IsLocal bool
	Host    string
	User    string
	Port    int
	KeyFile string
}

// remotePattern matches "[user@]host:path" and ":path", requiring the
// host/user segments to contain no '/' (so local absolute paths with a
// colon in a later segment, e.g. none on Linux, are never misread) and no
// ':' (so the first colon always marks the split point).
var remotePattern = regexp.MustCompile(`^(?:([^@:/]+)@)?([^@:/]*):(.*)$`)

// Parse parses s into an Endpoint. A match of the remote pattern with a
// non-empty path yields IsLocal=false; anything else is treated as a local
// path, including Windows-style drive letters (a single-letter host before
// ':' is rejected as remote since it virtually never is).
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	if m := remotePattern.FindStringSubmatch(s); m != nil {
		user, host, p := m[1], m[2], m[3]
		if p == "" {
			return Endpoint{}, fmt.Errorf("remote endpoint %q has empty path", s)
		}
		if len(host) == 1 {
			// Single-letter "host" before ':' is almost always a drive
			// letter (C:\...); treat the whole string as a local path.
			return Endpoint{Path: s, IsLocal: true}, nil
		}
		return Endpoint{Path: p, IsLocal: false, Host: host, User: user}, nil
	}

	return Endpoint{Path: s, IsLocal: true}, nil
}

// ResolveHome expands a leading "~" or "~/..." in e.Path using home, the
// resolved $HOME for e's side (local $HOME for a local endpoint, the output
// of `echo $HOME` over the SSH client for a remote one). Paths without a
// leading "~" are returned unchanged.
func (e Endpoint) ResolveHome(home string) Endpoint {
	if home == "" {
		return e
	}
	switch {
	case e.Path == "~":
		e.Path = home
	case strings.HasPrefix(e.Path, "~/"):
		e.Path = path.Join(home, e.Path[2:])
	}
	return e
}

// NormalizedKey returns the "host:user:port:path" string spec §3 uses as
// the manifest-key input for this endpoint's side. Local endpoints use the
// literal string "local" in place of host/user/port.
func (e Endpoint) NormalizedKey() string {
	if e.IsLocal {
		return fmt.Sprintf("local:::%s", e.Path)
	}
	port := e.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%s:%d:%s", e.Host, e.User, port, e.Path)
}
