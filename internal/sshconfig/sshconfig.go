// Package sshconfig loads connection defaults from ~/.ssh/config, the way
// the teacher's internal/ssh/auth.go looked up a single IdentityFile, but
// covering every field the spec's ConnectionParams merge needs.
package sshconfig

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// HostEntry is the resolved set of directives that apply to a host alias.
type HostEntry struct {
	HostName     string
	User         string
	Port         int
	IdentityFile string // first IdentityFile entry only, per spec §6
}

// Config is a parsed ~/.ssh/config: an ordered list of Host blocks, each
// with its raw pattern and directives. Lookup applies the first matching
// block per directive, mirroring OpenSSH's "first obtained value wins"
// behavior.
type Config struct {
	blocks []block
}

type block struct {
	patterns []string
	entry    HostEntry
}

// Load parses the SSH config file at path. An empty path defaults to
// ~/.ssh/config. A missing file yields an empty, valid Config.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "~/.ssh/config"
	}
	expanded := expandPath(path)

	f, err := os.Open(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	defer f.Close()

	return parse(f)
}

// parse reads an OpenSSH client config: blocks opened by a "Host" line,
// each collecting HostName/User/Port/IdentityFile directives until the
// next Host line or EOF. Unknown directives are ignored.
func parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)

	var current *block
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")

		switch key {
		case "host":
			cfg.blocks = append(cfg.blocks, block{patterns: strings.Fields(value)})
			current = &cfg.blocks[len(cfg.blocks)-1]
		case "hostname":
			if current != nil && current.entry.HostName == "" {
				current.entry.HostName = value
			}
		case "user":
			if current != nil && current.entry.User == "" {
				current.entry.User = value
			}
		case "port":
			if current != nil && current.entry.Port == 0 {
				current.entry.Port = parsePort(value)
			}
		case "identityfile":
			if current != nil && current.entry.IdentityFile == "" {
				current.entry.IdentityFile = expandPath(value)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Lookup resolves the effective entry for host by scanning blocks in file
// order and taking the first value seen for each field (OpenSSH semantics).
func (c *Config) Lookup(host string) HostEntry {
	var result HostEntry
	if c == nil {
		return result
	}

	for _, b := range c.blocks {
		if !matchesAny(host, b.patterns) {
			continue
		}
		if result.HostName == "" && b.entry.HostName != "" {
			result.HostName = b.entry.HostName
		}
		if result.User == "" && b.entry.User != "" {
			result.User = b.entry.User
		}
		if result.Port == 0 && b.entry.Port != 0 {
			result.Port = b.entry.Port
		}
		if result.IdentityFile == "" && b.entry.IdentityFile != "" {
			result.IdentityFile = b.entry.IdentityFile
		}
	}
	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// matchesAny reports whether host matches any of the space-separated
// patterns from a Host directive.
func matchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchPattern(host, p) {
			return true
		}
	}
	return false
}

// matchPattern matches a single SSH config Host pattern: '*' matches any
// run of characters, '?' matches exactly one.
func matchPattern(host, pattern string) bool {
	if pattern == "*" || pattern == host {
		return true
	}

	i, j := 0, 0
	for i < len(pattern) && j < len(host) {
		switch {
		case pattern[i] == '*':
			for i < len(pattern) && pattern[i] == '*' {
				i++
			}
			if i == len(pattern) {
				return true
			}
			for j < len(host) {
				if matchPattern(host[j:], pattern[i:]) {
					return true
				}
				j++
			}
			return false
		case pattern[i] == '?' || pattern[i] == host[j]:
			i++
			j++
		default:
			return false
		}
	}

	for i < len(pattern) && pattern[i] == '*' {
		i++
	}
	return i == len(pattern) && j == len(host)
}

func parsePort(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
