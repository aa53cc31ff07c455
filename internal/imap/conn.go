package imap

import (
	"bytes"
	"net"
	"strings"
	"time"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation, so a dead server cannot block a fetch forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// crlfConn rewrites bare LF to CRLF on the write path. Local bridge proxies
// reject commands terminated with a lone LF. The read path is untouched, and
// normalization is idempotent: already CRLF-terminated bytes pass through
// unchanged.
type crlfConn struct {
	net.Conn
}

func (c *crlfConn) Write(b []byte) (int, error) {
	normalized := normalizeCRLF(b)
	if _, err := c.Conn.Write(normalized); err != nil {
		return 0, err
	}
	// Report the caller's byte count, not the expanded one.
	return len(b), nil
}

func normalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte{'\n'}) {
		return b
	}
	out := make([]byte, 0, len(b)+8)
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b[i])
	}
	return out
}

// isBridgeEndpoint reports whether (host, port) looks like a local bridge
// proxy: a loopback or private host on a non-standard IMAP port. Misdetection
// is harmless since the CRLF normalization it enables is idempotent.
func isBridgeEndpoint(host string, port int) bool {
	if port == 143 || port == 993 {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
