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
	"golang.org/x/sys/unix"
)

// ioStatus is the outcome of a non-blocking transport operation.
type ioStatus int

const (
	ioOK ioStatus = iota
	ioWantRead
	ioWantWrite
	ioEOF
	ioFatal
)

// transport unifies plain TCP and TLS behind one non-blocking byte-stream
// contract. On ioWantRead/ioWantWrite the caller reprograms poll interest and
// retries on the matching readiness.
type transport interface {
	fd() int
	read(p []byte) (int, ioStatus)
	write(p []byte) (int, ioStatus)
	// pending reports whether the transport buffers bytes that still have
	// to reach the wire (TLS records); flushOut pushes them.
	pending() bool
	flushOut() ioStatus
	// shutdown initiates a graceful close of the write side.
	shutdown() ioStatus
	close()
}

type tcpTransport struct {
	sfd    int
	closed bool
}

func newTCPTransport(fd int) *tcpTransport {
	return &tcpTransport{sfd: fd}
}

func (t *tcpTransport) fd() int { return t.sfd }

func (t *tcpTransport) read(p []byte) (int, ioStatus) {
	for {
		n, err := unix.Read(t.sfd, p)
		switch err {
		case nil:
			if n == 0 {
				return 0, ioEOF
			}
			return n, ioOK
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ioWantRead
		default:
			return 0, ioFatal
		}
	}
}

func (t *tcpTransport) write(p []byte) (int, ioStatus) {
	var total int
	for total < len(p) {
		n, err := unix.Write(t.sfd, p[total:])
		switch err {
		case nil:
			total += n
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return total, ioWantWrite
		default:
			return total, ioFatal
		}
	}
	return total, ioOK
}

func (t *tcpTransport) pending() bool      { return false }
func (t *tcpTransport) flushOut() ioStatus { return ioOK }

func (t *tcpTransport) shutdown() ioStatus {
	if err := unix.Shutdown(t.sfd, unix.SHUT_WR); err != nil {
		return ioFatal
	}
	return ioOK
}

func (t *tcpTransport) close() {
	if t.closed {
		return
	}
	t.closed = true
	unix.Close(t.sfd)
}
