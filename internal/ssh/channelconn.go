package ssh

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// channelConn adapts an ssh.Channel (direct-tcpip or forwarded-tcpip) to the
// net.Conn interface so splicers can treat it like any other socket.
// ssh.Channel has no deadline support; the deadline setters are no-ops.
type channelConn struct {
	ssh.Channel
	localAddr  net.Addr
	remoteAddr net.Addr
}

func newChannelConn(ch ssh.Channel, local, remote net.Addr) *channelConn {
	return &channelConn{Channel: ch, localAddr: local, remoteAddr: remote}
}

func (c *channelConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *channelConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *channelConn) SetDeadline(t time.Time) error     { return nil }
func (c *channelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *channelConn) SetWriteDeadline(t time.Time) error { return nil }
