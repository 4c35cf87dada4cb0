// Package ssh provides SSH client functionality for remote shell sessions.
package ssh

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/acolita/remote/internal/adapters/realclock"
	"github.com/acolita/remote/internal/adapters/realsshdialer"
	"github.com/acolita/remote/internal/ports"
	"github.com/acolita/remote/internal/sftp"
	"golang.org/x/crypto/ssh"
)

// Client manages SSH connections to remote hosts.
type Client struct {
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int
	mu     sync.Mutex

	// passwordConfig is attempted when a dial using config (key-based auth)
	// fails and a password fallback was supplied. Nil when no fallback
	// applies, in which case Connect performs a single dial attempt.
	passwordConfig  *ssh.ClientConfig
	usedKeyFallback bool

	// Keepalive settings
	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}

	// SFTP client (lazy initialized)
	sftpClient *sftp.Client

	// Active reverse port forwards, keyed by remote port.
	reverseListeners map[int]net.Listener

	// Injected dependencies
	clock  ports.Clock
	dialer ports.SSHDialer
}

// ClientOptions configures SSH client behavior.
type ClientOptions struct {
	Host string
	Port int
	User string

	// AuthMethods, when non-empty, is used as-is for the only dial attempt
	// (no key/password fallback tracking). Prefer KeyAuthMethods +
	// PasswordAuthMethods to get the key->password fallback signal.
	AuthMethods []ssh.AuthMethod

	// KeyAuthMethods is attempted first when AuthMethods is empty.
	KeyAuthMethods []ssh.AuthMethod
	// PasswordAuthMethods is attempted if the KeyAuthMethods dial fails;
	// on success, UsedKeyFallback() reports true.
	PasswordAuthMethods []ssh.AuthMethod

	HostKeyCallback   ssh.HostKeyCallback
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	Clock             ports.Clock
	Dialer            ports.SSHDialer
}

// DefaultClientOptions returns default client options.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Port:              22,
		Timeout:           30 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		HostKeyCallback:   ssh.InsecureIgnoreHostKey(), // Will be overridden
	}
}

// NewClient creates a new SSH client with the given options.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if opts.User == "" {
		return nil, fmt.Errorf("user is required")
	}

	primary := opts.AuthMethods
	if len(primary) == 0 {
		primary = opts.KeyAuthMethods
	}
	if len(primary) == 0 && len(opts.PasswordAuthMethods) > 0 {
		// No key methods at all: password is the only (primary) method.
		primary = opts.PasswordAuthMethods
		opts.PasswordAuthMethods = nil
	}
	if len(primary) == 0 {
		return nil, fmt.Errorf("at least one auth method is required")
	}

	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            primary,
		HostKeyCallback: opts.HostKeyCallback,
		Timeout:         opts.Timeout,
	}

	var passwordConfig *ssh.ClientConfig
	if len(opts.KeyAuthMethods) > 0 && len(opts.PasswordAuthMethods) > 0 {
		passwordConfig = &ssh.ClientConfig{
			User:            opts.User,
			Auth:            opts.PasswordAuthMethods,
			HostKeyCallback: opts.HostKeyCallback,
			Timeout:         opts.Timeout,
		}
	}

	clk := opts.Clock
	if clk == nil {
		clk = realclock.New()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = realsshdialer.New()
	}

	return &Client{
		config:            config,
		passwordConfig:    passwordConfig,
		host:              opts.Host,
		port:              opts.Port,
		keepaliveInterval: opts.KeepaliveInterval,
		clock:             clk,
		dialer:            dial,
	}, nil
}

// Connect establishes the SSH connection. If key-based auth was configured
// alongside a password fallback and the key attempt fails, Connect retries
// once with the password methods and records the fallback via
// UsedKeyFallback.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil // Already connected
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := c.dialer.Dial("tcp", addr, c.config)
	if err != nil {
		if c.passwordConfig == nil {
			return fmt.Errorf("ssh dial %s: %w", addr, err)
		}
		conn, err = c.dialer.Dial("tcp", addr, c.passwordConfig)
		if err != nil {
			return fmt.Errorf("ssh dial %s (password fallback): %w", addr, err)
		}
		c.usedKeyFallback = true
	}

	c.conn = conn
	c.keepaliveStop = make(chan struct{})

	slog.Info("ssh connected",
		slog.String("host", c.host),
		slog.Int("port", c.port),
		slog.Bool("used_key_fallback", c.usedKeyFallback),
	)

	// Start keepalive goroutine.
	// Copy the channel reference so the goroutine never reads the struct field.
	stop := c.keepaliveStop
	go c.keepalive(stop)

	return nil
}

// UsedKeyFallback reports whether the most recent Connect fell back from
// key auth to password auth.
func (c *Client) UsedKeyFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedKeyFallback
}

// keepalive sends periodic keepalive requests to prevent connection timeout.
// The stop channel is passed as a parameter to avoid a data race on the struct field.
func (c *Client) keepalive(stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			c.mu.Lock()
			if c.conn != nil {
				// Send a keepalive request
				_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
				if err != nil {
					// Connection may be dead, but don't close here
					// Let the next operation detect the failure
				}
			}
			c.mu.Unlock()
		}
	}
}

// NewSession creates a new SSH session on the connection.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	return session, nil
}

// Close closes the SSH connection and any associated clients.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}

	// Close any active reverse port forwards first.
	for port, ln := range c.reverseListeners {
		ln.Close()
		delete(c.reverseListeners, port)
	}

	// Close SFTP client
	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Host returns the target host.
func (c *Client) Host() string {
	return c.host
}

// Port returns the target port.
func (c *Client) Port() int {
	return c.port
}

// RemoteAddr returns the remote address if connected.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return nil
}

// SFTPClient returns an SFTP client for file transfers.
// The SFTP client is lazily initialized and reuses the SSH connection.
func (c *Client) SFTPClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	if c.sftpClient == nil {
		c.sftpClient = sftp.NewClient(c.conn)
	}

	return c.sftpClient, nil
}

// CloseSFTP closes the SFTP client without closing the SSH connection.
func (c *Client) CloseSFTP() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftpClient != nil {
		err := c.sftpClient.Close()
		c.sftpClient = nil
		return err
	}
	return nil
}

// RequestReversePortForward asks the remote SSH server to listen on port
// (bound as 0.0.0.0:port, which the server treats as a localhost bind) and
// route accepted connections back to this client. Calling it again for a
// port that is already forwarded is a no-op.
func (c *Client) RequestReversePortForward(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	if _, ok := c.reverseListeners[port]; ok {
		return nil
	}

	ln, err := c.conn.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("request reverse port forward on %d: %w", port, err)
	}

	if c.reverseListeners == nil {
		c.reverseListeners = make(map[int]net.Listener)
	}
	c.reverseListeners[port] = ln
	return nil
}

// AcceptChannel blocks up to timeoutSec for an incoming forwarded connection
// on the given reverse-forwarded port. A timeoutSec of 0 blocks forever.
func (c *Client) AcceptChannel(port int, timeoutSec int) (net.Conn, error) {
	c.mu.Lock()
	ln, ok := c.reverseListeners[port]
	clk := c.clock
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no reverse port forward active on port %d", port)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		resCh <- result{conn, err}
	}()

	if timeoutSec <= 0 {
		r := <-resCh
		return r.conn, r.err
	}

	select {
	case r := <-resCh:
		return r.conn, r.err
	case <-clk.After(time.Duration(timeoutSec) * time.Second):
		return nil, &timeoutError{}
	}
}

// CancelReversePortForward stops listening on port and releases the
// associated remote listener. Canceling a port with no active forward is a
// no-op.
func (c *Client) CancelReversePortForward(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ln, ok := c.reverseListeners[port]
	if !ok {
		return nil
	}
	delete(c.reverseListeners, port)
	return ln.Close()
}

// directTCPIPPayload is the RFC 4254 section 6.2 channel-open payload for
// direct-tcpip: destination address/port plus the originator address/port
// reported to the server.
type directTCPIPPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

// OpenDirectTCPIP opens a direct-tcpip channel: the server connects outward
// to destHost:destPort on the client's behalf, reporting origHost:origPort
// as the connection's originator.
func (c *Client) OpenDirectTCPIP(destHost string, destPort int, origHost string, origPort int) (net.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	payload := ssh.Marshal(&directTCPIPPayload{
		DestAddr: destHost,
		DestPort: uint32(destPort),
		OrigAddr: origHost,
		OrigPort: uint32(origPort),
	})

	channel, requests, err := conn.OpenChannel("direct-tcpip", payload)
	if err != nil {
		return nil, fmt.Errorf("open direct-tcpip channel to %s:%d: %w", destHost, destPort, err)
	}
	go ssh.DiscardRequests(requests)

	return newChannelConn(channel, conn.LocalAddr(), conn.RemoteAddr()), nil
}
