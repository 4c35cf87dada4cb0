// Package tunnelengine implements the reverse proxy tunnel engine (spec
// §4.3): a named instance's Stopped→Starting→Running→Stopping lifecycle,
// its acceptor loop over a reverse-forwarded SSH port, and — in built-in
// mode — a local SOCKS5/HTTP-CONNECT listener, both funneling accepted
// connections into a splicer that relays bytes until either side closes.
package tunnelengine

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/acolita/remote/internal/errs"
	"github.com/acolita/remote/internal/socksproxy"
)

// Transport is the subset of *ssh.Client the engine needs: reverse port
// forwarding, accepting forwarded channels, and dialing out through
// direct-tcpip. *ssh.Client satisfies this structurally; tests use a fake.
type Transport interface {
	RequestReversePortForward(port int) error
	AcceptChannel(port int, timeoutSec int) (net.Conn, error)
	CancelReversePortForward(port int) error
	OpenDirectTCPIP(destHost string, destPort int, origHost string, origPort int) (net.Conn, error)
}

// State is one point in the instance lifecycle state machine (spec §4.3).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// acceptorPollTimeout bounds each acceptChannel call so the acceptor loop
// can observe a stop request promptly (spec §5: "acceptChannel(timeout=1s)
// in a loop").
const acceptorPollTimeout = 1

// acceptorJoinTimeout / splicerJoinTimeout bound Stop's wait for in-flight
// goroutines, per spec §5's shutdown discipline.
const (
	acceptorJoinTimeout = 2 * time.Second
	splicerJoinTimeout  = 500 * time.Millisecond
)

// Config describes one tunnel instance.
type Config struct {
	RemotePort int
	LocalHost  string
	LocalPort  int
	// UseBuiltin selects built-in proxy mode: a local SOCKS5/HTTP-CONNECT
	// listener plus direct-tcpip dialing, instead of a plain reverse
	// port-forward to an externally managed local proxy.
	UseBuiltin bool
	Mode       socksproxy.Mode
}

// Engine drives one named tunnel instance over client.
type Engine struct {
	client Transport
	cfg    Config
	neg    socksproxy.Negotiator

	mu    sync.Mutex
	state State

	stopCh          chan struct{}
	acceptorStopped chan struct{}
	listenerStopped chan struct{}
	builtinListener net.Listener
	splicers        sync.WaitGroup
}

// New creates an Engine for cfg. UseBuiltin requires a valid cfg.Mode.
func New(client Transport, cfg Config) (*Engine, error) {
	e := &Engine{client: client, cfg: cfg, state: StateStopped}
	if cfg.UseBuiltin {
		neg, err := socksproxy.New(cfg.Mode)
		if err != nil {
			return nil, errs.Proxy(err, "configure built-in proxy")
		}
		e.neg = neg
	}
	return e, nil
}

// State reports the instance's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Alive reports whether the instance is Running and its acceptor loop has
// not exited — covering both "transport alive" and "acceptor thread alive"
// from spec §4.3's Running-state health check.
func (e *Engine) Alive() bool {
	if e.State() != StateRunning {
		return false
	}
	select {
	case <-e.acceptorStopped:
		return false
	default:
		return true
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start requests the reverse port forward, opens the built-in listener if
// configured, and launches the acceptor loop. It returns once the instance
// is Running.
func (e *Engine) Start() error {
	e.setState(StateStarting)

	if err := e.client.RequestReversePortForward(e.cfg.RemotePort); err != nil {
		e.setState(StateStopped)
		return errs.Proxy(err, "request reverse port forward on %d", e.cfg.RemotePort)
	}

	e.stopCh = make(chan struct{})
	e.acceptorStopped = make(chan struct{})

	if e.cfg.UseBuiltin {
		addr := net.JoinHostPort(e.cfg.LocalHost, strconv.Itoa(e.cfg.LocalPort))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.client.CancelReversePortForward(e.cfg.RemotePort)
			e.setState(StateStopped)
			return errs.Proxy(err, "listen on %s", addr)
		}
		e.builtinListener = ln
		e.listenerStopped = make(chan struct{})
		go e.builtinAcceptLoop()
	}

	go e.reverseAcceptLoop()
	e.setState(StateRunning)

	slog.Info("tunnel started",
		slog.Int("remote_port", e.cfg.RemotePort),
		slog.Bool("use_builtin", e.cfg.UseBuiltin),
	)
	return nil
}

// reverseAcceptLoop accepts forwarded channels until stopped or the
// transport is lost. Loss of transport is fatal to the instance (spec
// §4.3's failure semantics), so a non-timeout accept error triggers a stop.
func (e *Engine) reverseAcceptLoop() {
	defer close(e.acceptorStopped)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		conn, err := e.client.AcceptChannel(e.cfg.RemotePort, acceptorPollTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			go e.Stop()
			return
		}

		e.splicers.Add(1)
		go e.handle(conn)
	}
}

// builtinAcceptLoop accepts local connections on the built-in listener
// until it is closed by Stop.
func (e *Engine) builtinAcceptLoop() {
	defer close(e.listenerStopped)
	for {
		conn, err := e.builtinListener.Accept()
		if err != nil {
			return
		}
		e.splicers.Add(1)
		go e.handle(conn)
	}
}

// handle dispatches one accepted connection: a plain splice to the
// externally managed local proxy in reverse-tunnel mode, or a protocol
// negotiation followed by a direct-tcpip dial in built-in mode.
func (e *Engine) handle(conn net.Conn) {
	defer e.splicers.Done()
	defer conn.Close()

	if !e.cfg.UseBuiltin {
		addr := net.JoinHostPort(e.cfg.LocalHost, strconv.Itoa(e.cfg.LocalPort))
		upstream, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		defer upstream.Close()
		splice(conn, upstream)
		return
	}

	origHost, origPort := splitRemoteAddr(conn)

	req, wrapped, err := e.neg.Negotiate(conn)
	if err != nil {
		return
	}

	upstream, err := e.client.OpenDirectTCPIP(req.Host, req.Port, origHost, origPort)
	if err != nil {
		e.neg.Fail(wrapped)
		return
	}
	defer upstream.Close()

	if err := e.neg.Succeed(wrapped); err != nil {
		return
	}
	splice(wrapped, upstream)
}

func splitRemoteAddr(conn net.Conn) (host string, port int) {
	h, p, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", 0
	}
	portNum, _ := strconv.Atoi(p)
	return h, portNum
}

// splice relays bytes bidirectionally between a and b, 8 KiB at a time,
// until either side's copy returns (EOF or error), then closes both so the
// other copy unblocks.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.CopyBuffer(a, b, make([]byte, 8*1024))
		a.Close()
		b.Close()
	}()
	go func() {
		defer wg.Done()
		io.CopyBuffer(b, a, make([]byte, 8*1024))
		a.Close()
		b.Close()
	}()
	wg.Wait()
}

// Stop cancels the reverse forward, closes the built-in listener if any,
// and waits (with bounded timeouts) for the acceptor and any in-flight
// splicers before marking the instance Stopped. Calling Stop on an
// already-stopped or already-stopping instance is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateStopped || e.state == StateStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	e.mu.Unlock()

	close(e.stopCh)
	e.client.CancelReversePortForward(e.cfg.RemotePort)
	if e.builtinListener != nil {
		e.builtinListener.Close()
	}

	waitWithTimeout(e.acceptorStopped, acceptorJoinTimeout)
	if e.listenerStopped != nil {
		waitWithTimeout(e.listenerStopped, acceptorJoinTimeout)
	}

	splicersDone := make(chan struct{})
	go func() {
		e.splicers.Wait()
		close(splicersDone)
	}()
	waitWithTimeout(splicersDone, splicerJoinTimeout)

	e.setState(StateStopped)
	slog.Info("tunnel stopped", slog.Int("remote_port", e.cfg.RemotePort))
	return nil
}

func waitWithTimeout(ch <-chan struct{}, d time.Duration) {
	select {
	case <-ch:
	case <-time.After(d):
	}
}

func isTimeout(err error) bool {
	te, ok := err.(interface{ Timeout() bool })
	return ok && te.Timeout()
}
