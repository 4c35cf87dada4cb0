// Package socksproxy hand-rolls the SOCKS5 (RFC 1928 subset) and
// HTTP-CONNECT handshakes for the built-in proxy mode (spec §4.3). It only
// negotiates the destination and writes the protocol-mandated reply bytes;
// dialing the destination and splicing the connection is the caller's job
// (internal/tunnelengine dials through an SSH direct-tcpip channel instead
// of a plain net.Dial).
package socksproxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/acolita/remote/internal/errs"
)

// Mode selects which wire protocol a listener speaks.
type Mode string

const (
	ModeSocks5 Mode = "socks5"
	ModeHTTP   Mode = "http"
)

// Request is the destination a client asked to reach.
type Request struct {
	Host string
	Port int
}

func (r Request) String() string { return net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) }

// Negotiator runs one protocol's handshake against an accepted connection.
// Negotiate reads the client's request and returns the destination, without
// writing any reply. It also returns a net.Conn to use for everything after
// — splicing must go through this value, not the original conn, since the
// handshake's internal buffering may have already read ahead past the
// request into the client's first payload bytes. The caller dials the
// destination, then calls Succeed or Fail exactly once to write the
// protocol's reply bytes.
type Negotiator interface {
	Negotiate(conn net.Conn) (Request, net.Conn, error)
	Succeed(conn net.Conn) error
	Fail(conn net.Conn) error
}

// bufConn layers a bufio.Reader's already-buffered bytes back in front of
// conn's remaining stream, so a caller reading from it sees the same byte
// sequence it would have seen reading conn directly.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// New returns the Negotiator for mode.
func New(mode Mode) (Negotiator, error) {
	switch mode {
	case ModeSocks5:
		return socks5Negotiator{}, nil
	case ModeHTTP:
		return httpConnectNegotiator{}, nil
	default:
		return nil, errs.Proxy(nil, "unknown proxy mode %q", mode)
	}
}

const (
	socks5Version    = 0x05
	socks5CmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	socks5ReplySucceeded     = 0x00
	socks5ReplyCmdNotSupport = 0x07
	socks5ReplyGeneralFail   = 0x05
)

type socks5Negotiator struct{}

// Negotiate implements spec §4.3 steps 1-3, bit-exact.
func (socks5Negotiator) Negotiate(conn net.Conn) (Request, net.Conn, error) {
	r := bufio.NewReader(conn)
	wrapped := &bufConn{Conn: conn, r: r}

	header := make([]byte, 2)
	if _, err := readFull(r, header); err != nil {
		return Request{}, wrapped, fmt.Errorf("read method header: %w", err)
	}
	if header[0] != socks5Version {
		return Request{}, wrapped, fmt.Errorf("unsupported socks version %d", header[0])
	}
	nMethods := int(header[1])
	if nMethods > 0 {
		if _, err := readFull(r, make([]byte, nMethods)); err != nil {
			return Request{}, wrapped, fmt.Errorf("read methods: %w", err)
		}
	}
	if _, err := conn.Write([]byte{socks5Version, 0x00}); err != nil {
		return Request{}, wrapped, fmt.Errorf("write method selection: %w", err)
	}

	reqHeader := make([]byte, 4)
	if _, err := readFull(r, reqHeader); err != nil {
		return Request{}, wrapped, fmt.Errorf("read request header: %w", err)
	}
	if reqHeader[0] != socks5Version {
		return Request{}, wrapped, fmt.Errorf("unsupported socks version %d", reqHeader[0])
	}
	if reqHeader[1] != socks5CmdConnect {
		conn.Write(socks5FailureReply(socks5ReplyCmdNotSupport))
		return Request{}, wrapped, fmt.Errorf("unsupported socks command %d", reqHeader[1])
	}

	host, err := readSocks5Addr(r, reqHeader[3])
	if err != nil {
		return Request{}, wrapped, err
	}
	portBuf := make([]byte, 2)
	if _, err := readFull(r, portBuf); err != nil {
		return Request{}, wrapped, fmt.Errorf("read port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(portBuf))

	return Request{Host: host, Port: port}, wrapped, nil
}

func readSocks5Addr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := readFull(r, buf); err != nil {
			return "", fmt.Errorf("read ipv4 addr: %w", err)
		}
		return net.IP(buf).String(), nil
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := readFull(r, buf); err != nil {
			return "", fmt.Errorf("read ipv6 addr: %w", err)
		}
		return net.IP(buf).String(), nil
	case atypDomain:
		lenByte, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		buf := make([]byte, int(lenByte))
		if _, err := readFull(r, buf); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		return string(buf), nil
	default:
		return "", fmt.Errorf("unsupported address type %d", atyp)
	}
}

func socks5FailureReply(code byte) []byte {
	return []byte{socks5Version, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// Succeed writes the spec §4.3 step 4 reply. The bind address/port are
// reported as 0.0.0.0:0 — real callers splice immediately after, and no
// client in this system's test matrix inspects the bound address.
func (socks5Negotiator) Succeed(conn net.Conn) error {
	_, err := conn.Write([]byte{socks5Version, socks5ReplySucceeded, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// Fail writes the spec §4.3 step 5 reply.
func (socks5Negotiator) Fail(conn net.Conn) error {
	_, err := conn.Write(socks5FailureReply(socks5ReplyGeneralFail))
	return err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type httpConnectNegotiator struct{}

// Negotiate implements the HTTP-CONNECT handshake: reads the request line
// and headers up to the blank line, accepting only "CONNECT host:port
// HTTP/x".
func (httpConnectNegotiator) Negotiate(conn net.Conn) (Request, net.Conn, error) {
	r := bufio.NewReader(conn)
	wrapped := &bufConn{Conn: conn, r: r}

	line, err := r.ReadString('\n')
	if err != nil {
		return Request{}, wrapped, fmt.Errorf("read request line: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Fields(line)
	if len(fields) != 3 {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return Request{}, wrapped, fmt.Errorf("malformed request line %q", line)
	}
	method, target := fields[0], fields[1]
	if !strings.EqualFold(method, "CONNECT") {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return Request{}, wrapped, fmt.Errorf("unsupported method %q", method)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return Request{}, wrapped, fmt.Errorf("malformed CONNECT target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		return Request{}, wrapped, fmt.Errorf("malformed CONNECT port %q: %w", portStr, err)
	}

	// Drain headers up to the blank line.
	for {
		headerLine, err := r.ReadString('\n')
		if err != nil {
			return Request{}, wrapped, fmt.Errorf("read headers: %w", err)
		}
		if strings.TrimRight(headerLine, "\r\n") == "" {
			break
		}
	}

	return Request{Host: host, Port: port}, wrapped, nil
}

func (httpConnectNegotiator) Succeed(conn net.Conn) error {
	_, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	return err
}

func (httpConnectNegotiator) Fail(conn net.Conn) error {
	_, err := conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	return err
}
