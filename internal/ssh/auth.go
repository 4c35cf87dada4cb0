package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/acolita/remote/internal/adapters/realfs"
	"github.com/acolita/remote/internal/adapters/realnet"
	"github.com/acolita/remote/internal/ports"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	KeyPath       string // Path to private key file
	KeyPassphrase string // Passphrase for encrypted keys
	UseAgent      bool   // Use SSH agent for authentication
	Password      string // Password for password authentication
	Host          string // Target host for SSH config lookup

	// FS and Dialer let callers substitute fakes in tests. A nil value
	// defaults to the real filesystem and network.
	FS     ports.FileSystem
	Dialer ports.NetworkDialer
}

// BuildAuthMethods constructs SSH auth methods from config, trying each
// source in order: agent, explicit key, SSH config lookup, default key
// locations, then password.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	if cfg.FS == nil {
		cfg.FS = realfs.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = realnet.NewDialer()
	}

	var methods []ssh.AuthMethod
	methods = trySSHAgentAuth(cfg, methods)

	if cfg.KeyPath != "" {
		auth, err := tryExplicitKeyAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		if auth != nil {
			methods = append(methods, auth)
		}
	}

	methods = trySSHConfigAuth(cfg, methods)
	methods = tryDefaultKeysAuth(cfg, methods)
	methods = tryPasswordAuth(cfg, methods)

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}

	return methods, nil
}

// trySSHAgentAuth appends an SSH agent auth method if cfg requests one and
// the agent is reachable.
func trySSHAgentAuth(cfg AuthConfig, methods []ssh.AuthMethod) []ssh.AuthMethod {
	if !cfg.UseAgent {
		return methods
	}
	if auth, err := sshAgentAuth(cfg.FS, cfg.Dialer); err == nil {
		methods = append(methods, auth)
	}
	return methods
}

// tryExplicitKeyAuth builds an auth method from cfg.KeyPath, if set.
func tryExplicitKeyAuth(cfg AuthConfig) (ssh.AuthMethod, error) {
	if cfg.KeyPath == "" {
		return nil, nil
	}
	return privateKeyAuth(cfg.KeyPath, cfg.KeyPassphrase, cfg.FS)
}

// trySSHConfigAuth looks up cfg.Host's IdentityFile in ~/.ssh/config when no
// explicit key was given, and appends an auth method built from it.
func trySSHConfigAuth(cfg AuthConfig, methods []ssh.AuthMethod) []ssh.AuthMethod {
	if cfg.KeyPath != "" || cfg.Host == "" {
		return methods
	}
	configKey := getSSHConfigIdentityFile(cfg.Host, cfg.FS)
	if configKey == "" {
		return methods
	}
	if auth, err := privateKeyAuth(configKey, cfg.KeyPassphrase, cfg.FS); err == nil {
		methods = append(methods, auth)
	}
	return methods
}

// defaultKeyPaths are the well-known identity file locations tried when no
// key path, password, or prior auth method is available.
var defaultKeyPaths = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_rsa",
	"~/.ssh/id_ecdsa",
}

// tryDefaultKeysAuth tries each of defaultKeyPaths in turn, stopping at the
// first one that exists and parses successfully.
func tryDefaultKeysAuth(cfg AuthConfig, methods []ssh.AuthMethod) []ssh.AuthMethod {
	if cfg.KeyPath != "" || cfg.Password != "" || len(methods) > 0 {
		return methods
	}
	for _, keyPath := range defaultKeyPaths {
		expanded := expandPathWithFS(keyPath, cfg.FS)
		if _, err := cfg.FS.Stat(expanded); err != nil {
			continue
		}
		auth, err := privateKeyAuth(expanded, cfg.KeyPassphrase, cfg.FS)
		if err != nil {
			continue
		}
		methods = append(methods, auth)
		break
	}
	return methods
}

// tryPasswordAuth appends password and keyboard-interactive auth methods if
// cfg.Password is set.
func tryPasswordAuth(cfg AuthConfig, methods []ssh.AuthMethod) []ssh.AuthMethod {
	if cfg.Password == "" {
		return methods
	}
	return append(methods, PasswordAuth(cfg.Password), KeyboardInteractiveAuth(cfg.Password))
}

// sshAgentAuth returns an SSH agent auth method, dialing SSH_AUTH_SOCK via
// dialer so tests can substitute a fake.
func sshAgentAuth(fs ports.FileSystem, dialer ports.NetworkDialer) (ssh.AuthMethod, error) {
	socket := fs.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := dialer.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

// privateKeyAuth returns a private key auth method, reading the key through
// fs so tests can substitute a fake filesystem.
func privateKeyAuth(keyPath, passphrase string, fs ports.FileSystem) (ssh.AuthMethod, error) {
	expanded := expandPathWithFS(keyPath, fs)

	keyData, err := fs.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// BuildHostKeyCallback creates a host key callback from known_hosts. An
// optional fs override lets tests substitute a fake; real callers should
// omit it, since knownhosts.New always reads through the real filesystem.
func BuildHostKeyCallback(knownHostsPath string, fsOverride ...ports.FileSystem) (ssh.HostKeyCallback, error) {
	var fs ports.FileSystem = realfs.New()
	if len(fsOverride) > 0 && fsOverride[0] != nil {
		fs = fsOverride[0]
	}

	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	expanded := expandPathWithFS(knownHostsPath, fs)

	if _, err := fs.Stat(expanded); os.IsNotExist(err) {
		// Return a callback that accepts any host key
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			// In production, you might want to prompt the user or auto-add
			return nil
		}, nil
	}

	callback, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}

	return callback, nil
}

// InsecureHostKeyCallback returns a callback that accepts any host key.
// Use only for testing or when host key verification is explicitly disabled.
func InsecureHostKeyCallback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// expandPath expands ~ to the real home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// expandPathWithFS expands ~ to fs's home directory.
func expandPathWithFS(path string, fs ports.FileSystem) string {
	if strings.HasPrefix(path, "~/") {
		home, err := fs.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// getSSHConfigIdentityFile returns the first IdentityFile configured for
// host in ~/.ssh/config, reading through fs so tests can substitute a fake.
func getSSHConfigIdentityFile(host string, fs ports.FileSystem) string {
	configPath := expandPathWithFS("~/.ssh/config", fs)
	data, err := fs.ReadFile(configPath)
	if err != nil {
		return ""
	}

	var matchesHost bool
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.ToLower(parts[0])
		value := strings.Join(parts[1:], " ")
		switch key {
		case "host":
			matchesHost = matchSSHHostPattern(host, value)
		case "identityfile":
			if matchesHost {
				return expandPathWithFS(value, fs)
			}
		}
	}
	return ""
}

// matchSSHHostPattern checks if host matches an SSH config Host pattern.
// Supports wildcards (* matches any sequence, ? matches single char).
func matchSSHHostPattern(host, pattern string) bool {
	// Handle multiple patterns separated by spaces
	patterns := strings.Fields(pattern)
	for _, p := range patterns {
		if matchSinglePattern(host, p) {
			return true
		}
	}
	return false
}

// matchSinglePattern matches a single SSH host pattern.
func matchSinglePattern(host, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == host {
		return true
	}

	i, j := 0, 0
	for i < len(pattern) && j < len(host) {
		switch {
		case pattern[i] == '*':
			return matchWildcard(host, pattern, i, j)
		case pattern[i] == '?' || pattern[i] == host[j]:
			i++
			j++
		default:
			return false
		}
	}

	i = skipWildcards(pattern, i)
	return i == len(pattern) && j == len(host)
}

// matchWildcard resolves the '*' branch of matchSinglePattern: pattern has
// one or more consecutive '*' starting at i, matched against host[j:].
func matchWildcard(host, pattern string, i, j int) bool {
	i = skipWildcards(pattern, i)
	if i == len(pattern) {
		return true // trailing * matches the rest of host
	}
	for ; j < len(host); j++ {
		if matchSinglePattern(host[j:], pattern[i:]) {
			return true
		}
	}
	return false
}

// skipWildcards returns the index of the first character at or after start
// in pattern that isn't '*'.
func skipWildcards(pattern string, start int) int {
	i := start
	for i < len(pattern) && pattern[i] == '*' {
		i++
	}
	return i
}

// PasswordAuth returns a password auth method.
func PasswordAuth(password string) ssh.AuthMethod {
	return ssh.Password(password)
}

// KeyboardInteractiveAuth returns a keyboard-interactive auth method.
func KeyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}
