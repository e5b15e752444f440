// Copyright 2020 The uWebSockets Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tlsOutHighWater bounds how much encrypted output may pile up: once the
// backlog reaches it, write encrypts no new data until the backlog flushes.
// Any unflushed backlog makes write report ioWantWrite.
const tlsOutHighWater = 64 * 1024

// errWouldBlock is returned by the record conn when no ciphertext is
// buffered. It is a temporary net.Error, which keeps crypto/tls from
// poisoning the connection so the read can be retried on readiness.
var errWouldBlock net.Error = &wouldBlockError{}

type wouldBlockError struct{}

func (*wouldBlockError) Error() string   { return "operation would block" }
func (*wouldBlockError) Timeout() bool   { return true }
func (*wouldBlockError) Temporary() bool { return true }

// recordConn is the net.Conn crypto/tls runs against. During the handshake
// (direct mode, driven from a dedicated goroutine over the then-blocking fd)
// it performs real syscalls; afterwards the loop shuttles ciphertext through
// the in/out buffers, since crypto/tls handshake errors are sticky and only
// the established-connection read path tolerates temporary errors.
type recordConn struct {
	fd     int
	direct bool
	in     []byte
	out    []byte
}

func (c *recordConn) Read(p []byte) (int, error) {
	if c.direct {
		for {
			n, err := unix.Read(c.fd, p)
			switch {
			case err == unix.EINTR:
				continue
			case err != nil:
				return 0, err
			case n == 0:
				return 0, io.EOF
			}
			return n, nil
		}
	}
	if len(c.in) == 0 {
		return 0, errWouldBlock
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	if len(c.in) == 0 {
		c.in = nil
	}
	return n, nil
}

func (c *recordConn) Write(p []byte) (int, error) {
	if c.direct {
		var total int
		for total < len(p) {
			n, err := unix.Write(c.fd, p[total:])
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}
	c.out = append(c.out, p...)
	return len(p), nil
}

func (c *recordConn) Close() error                     { return nil }
func (c *recordConn) LocalAddr() net.Addr              { return recordAddr{} }
func (c *recordConn) RemoteAddr() net.Addr             { return recordAddr{} }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

type recordAddr struct{}

func (recordAddr) Network() string { return "mem" }
func (recordAddr) String() string  { return "mem" }

// tlsTransport carries a crypto/tls connection over the non-blocking
// transport contract. blockingHandshake must have completed before the
// loop-side read/write paths are used.
type tlsTransport struct {
	tcp       *tcpTransport
	rec       *recordConn
	conn      *tls.Conn
	rbuf      []byte
	handshook bool
}

func newTLSServerTransport(fd int, config *tls.Config) *tlsTransport {
	rec := &recordConn{fd: fd}
	return &tlsTransport{
		tcp:  newTCPTransport(fd),
		rec:  rec,
		conn: tls.Server(rec, config),
		rbuf: make([]byte, 16*1024),
	}
}

func newTLSClientTransport(fd int, config *tls.Config) *tlsTransport {
	rec := &recordConn{fd: fd}
	return &tlsTransport{
		tcp:  newTCPTransport(fd),
		rec:  rec,
		conn: tls.Client(rec, config),
		rbuf: make([]byte, 16*1024),
	}
}

func (t *tlsTransport) fd() int { return t.tcp.fd() }

// blockingHandshake runs the TLS handshake over the temporarily-blocking fd.
// It is called from a dedicated goroutine while the fd is not registered
// with the poller; socket send/receive timeouts bound the syscalls so a
// silent peer cannot pin the goroutine.
func (t *tlsTransport) blockingHandshake(tmo time.Duration) error {
	fd := t.tcp.sfd
	if err := unix.SetNonblock(fd, false); err != nil {
		return errors.Wrap(err, "tls handshake")
	}
	tv := unix.NsecToTimeval(tmo.Nanoseconds())
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	t.rec.direct = true
	err := t.conn.Handshake()
	t.rec.direct = false
	var zero unix.Timeval
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &zero)
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &zero)
	if e := unix.SetNonblock(fd, true); err == nil && e != nil {
		err = errors.Wrap(e, "tls handshake")
	}
	if err == nil {
		t.handshook = true
	}
	return err
}

func isWouldBlock(err error) bool {
	return err == errWouldBlock
}

// fill pulls one chunk of ciphertext from the wire into the record buffer.
func (t *tlsTransport) fill() ioStatus {
	n, st := t.tcp.read(t.rbuf)
	if st == ioOK {
		t.rec.in = append(t.rec.in, t.rbuf[:n]...)
	}
	return st
}

func (t *tlsTransport) flushOut() ioStatus {
	for len(t.rec.out) > 0 {
		n, st := t.tcp.write(t.rec.out)
		t.rec.out = t.rec.out[n:]
		if len(t.rec.out) == 0 {
			t.rec.out = nil
		}
		if st != ioOK {
			return st
		}
	}
	return ioOK
}

func (t *tlsTransport) pending() bool {
	return len(t.rec.out) > 0
}

func (t *tlsTransport) read(p []byte) (int, ioStatus) {
	if !t.handshook {
		return 0, ioWantRead
	}
	for {
		n, err := t.conn.Read(p)
		// Alerts produced during reads (close_notify replies) go out too.
		if fs := t.flushOut(); fs == ioFatal {
			return n, ioFatal
		}
		if n > 0 {
			return n, ioOK
		}
		switch {
		case err == nil:
			continue
		case isWouldBlock(err):
			switch t.fill() {
			case ioOK:
				continue
			case ioWantRead:
				return 0, ioWantRead
			case ioEOF:
				return 0, ioEOF
			default:
				return 0, ioFatal
			}
		case err == io.EOF:
			return 0, ioEOF
		default:
			return 0, ioFatal
		}
	}
}

func (t *tlsTransport) write(p []byte) (int, ioStatus) {
	if !t.handshook {
		return 0, ioWantWrite
	}
	if len(t.rec.out) >= tlsOutHighWater {
		if st := t.flushOut(); st != ioOK {
			return 0, st
		}
	}
	n, err := t.conn.Write(p)
	st := t.flushOut()
	if err != nil && !isWouldBlock(err) {
		return n, ioFatal
	}
	if st == ioFatal {
		return n, ioFatal
	}
	if t.pending() {
		return n, ioWantWrite
	}
	return n, ioOK
}

func (t *tlsTransport) shutdown() ioStatus {
	if t.handshook {
		t.conn.CloseWrite()
	}
	if st := t.flushOut(); st != ioOK {
		return st
	}
	return t.tcp.shutdown()
}

func (t *tlsTransport) close() {
	t.tcp.close()
}
