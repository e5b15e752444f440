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
	"time"

	"github.com/nats-io/nuid"
)

type socketState uint8

const (
	stateHTTPServer socketState = iota
	stateHTTPClient
	stateWSServer
	stateWSClient
	stateClosed
)

// Socket is one connection on a Node's loop. Per-state data lives behind the
// http/wsd pointers and is swapped atomically on state transitions; CLOSED is
// terminal. All methods must be called from the loop goroutine.
type Socket struct {
	id    string
	sfd   int
	tr    transport
	node  *Node
	group *Group

	state        socketState
	interest     pollInterest
	registered   bool
	connecting   bool
	shuttingDown bool
	hsTimeout    time.Duration

	// Intrusive links into the owning group's socket list.
	prev, next *Socket

	http *httpSocketData
	wsd  *wsSocketData

	// Outbound FIFO. transmitted counts bytes of outHead already written.
	outHead, outTail *outMessage
	transmitted      int
}

type httpSocketData struct {
	buf  []byte
	path string
	host string
	user interface{}
}

type wsSocketData struct {
	ri   wsReadInfo
	frag []byte
	ctrl []byte
	utf  wsUTF8

	user      interface{}
	clearHook func(interface{})

	closeSent     bool
	closeReceived bool
	closeCode     int
	closeReason   []byte
}

type outMessage struct {
	data     []byte
	callback func(cancelled bool)
	prepared *PreparedMessage
	next     *outMessage
}

func newSocket(n *Node, g *Group, tr transport) *Socket {
	return &Socket{id: nuid.Next(), sfd: tr.fd(), tr: tr, node: n, group: g}
}

// ID returns the socket's unique identifier, assigned at creation.
func (s *Socket) ID() string { return s.id }

// UserData returns the opaque value attached with SetUserData.
func (s *Socket) UserData() interface{} {
	if s.wsd != nil {
		return s.wsd.user
	}
	return nil
}

// SetUserData attaches an opaque value to a WebSocket-state socket.
func (s *Socket) SetUserData(v interface{}) {
	if s.wsd != nil {
		s.wsd.user = v
	}
}

// SetUserDataClear installs a hook invoked with the attached user data after
// the disconnection handler runs.
func (s *Socket) SetUserDataClear(fn func(interface{})) {
	if s.wsd != nil {
		s.wsd.clearHook = fn
	}
}

func (s *Socket) register(interest pollInterest) error {
	s.interest = interest
	if err := s.node.poller.add(s.sfd, interest, s); err != nil {
		return err
	}
	s.registered = true
	return nil
}

func (s *Socket) setInterest(i pollInterest) {
	if i == s.interest {
		return
	}
	s.interest = i
	if !s.registered {
		return
	}
	if err := s.node.poller.modify(s.sfd, i); err != nil {
		s.node.log.Warnf("socket %s: modify interest: %v", s.id, err)
	}
}

func (s *Socket) addInterest(i pollInterest)    { s.setInterest(s.interest | i) }
func (s *Socket) removeInterest(i pollInterest) { s.setInterest(s.interest &^ i) }

// startTLS runs the transport's TLS handshake on its own goroutine and
// finishes socket setup on the loop once it completes. The fd is not
// registered with the poller while the handshake owns it; the loop stays
// alive through the node's pending count.
func (s *Socket) startTLS(tmo time.Duration, onReady func()) {
	t := s.tr.(*tlsTransport)
	s.node.pending++
	go func() {
		err := t.blockingHandshake(tmo)
		s.node.post(func() {
			s.node.pending--
			if s.state == stateClosed {
				t.close()
				return
			}
			if err != nil {
				s.node.log.Debugf("socket %s: tls handshake: %v", s.id, err)
				s.httpEnd()
				return
			}
			if rerr := s.register(pollRead); rerr != nil {
				s.httpEnd()
				return
			}
			s.node.startTimeout(s, tmo)
			if onReady != nil {
				onReady()
			}
		})
	}()
}

// queue helpers

func (s *Socket) pushMessage(m *outMessage) {
	if s.outTail != nil {
		s.outTail.next = m
		s.outTail = m
	} else {
		s.outHead, s.outTail = m, m
	}
}

func (s *Socket) popMessage() {
	m := s.outHead
	if s.outHead = m.next; s.outHead == nil {
		s.outTail = nil
	}
	s.transmitted = 0
	m.next = nil
}

func (s *Socket) releaseMessage(m *outMessage) {
	if m.prepared != nil {
		m.prepared.release(s.node)
	} else {
		s.node.pool.putBlock(m.data)
	}
	m.data = nil
}

func (s *Socket) failMessage(m *outMessage) {
	if m.callback != nil {
		m.callback(true)
	}
	s.releaseMessage(m)
}

// cancelQueue invokes every pending callback with cancelled=true in FIFO
// order and releases the queue memory.
func (s *Socket) cancelQueue() {
	for m := s.outHead; m != nil; {
		next := m.next
		s.failMessage(m)
		m = next
	}
	s.outHead, s.outTail, s.transmitted = nil, nil, 0
}

// queueMessage attempts an immediate write when the queue is empty and parks
// the remainder under WRITE interest otherwise. Returns false when the
// socket is unusable; the message is consumed either way.
func (s *Socket) queueMessage(m *outMessage) bool {
	if s.state == stateClosed {
		s.failMessage(m)
		return false
	}
	if s.outHead == nil {
		n, st := s.tr.write(m.data)
		if st == ioFatal {
			s.failMessage(m)
			s.Terminate()
			return false
		}
		if n == len(m.data) && !s.tr.pending() {
			if m.callback != nil {
				m.callback(false)
			}
			s.releaseMessage(m)
			return true
		}
		s.transmitted = n
		s.pushMessage(m)
		s.addInterest(pollWrite)
		return true
	}
	s.pushMessage(m)
	s.addInterest(pollWrite)
	return true
}

// readiness

func (s *Socket) readable() {
	if s.connecting {
		s.connectReady()
		return
	}
	for s.state != stateClosed {
		n, st := s.tr.read(s.node.recvBuf)
		switch st {
		case ioOK:
			s.consume(s.node.recvBuf[:n])
		case ioWantRead:
			if s.outHead != nil || s.tr.pending() {
				s.addInterest(pollWrite)
			}
			return
		case ioWantWrite:
			s.addInterest(pollWrite)
			return
		case ioEOF:
			s.onEOF()
			return
		default:
			s.onIOError()
			return
		}
	}
}

func (s *Socket) writable() {
	if s.connecting {
		s.connectReady()
		return
	}
	if s.state == stateClosed {
		return
	}
	if st := s.tr.flushOut(); st == ioFatal {
		s.onIOError()
		return
	}
	for s.outHead != nil {
		m := s.outHead
		if s.transmitted < len(m.data) {
			n, st := s.tr.write(m.data[s.transmitted:])
			s.transmitted += n
			if st == ioFatal {
				s.onIOError()
				return
			}
			if st == ioWantRead && n == 0 {
				// TLS wants inbound bytes first; stop polling for write
				// readiness until the read side makes progress.
				s.removeInterest(pollWrite)
				return
			}
		}
		if s.transmitted < len(m.data) || s.tr.pending() {
			return
		}
		s.popMessage()
		if m.callback != nil {
			m.callback(false)
		}
		s.releaseMessage(m)
		if s.state == stateClosed {
			return
		}
	}
	if s.tr.pending() {
		return
	}
	s.removeInterest(pollWrite)
}

func (s *Socket) consume(data []byte) {
	switch s.state {
	case stateHTTPServer, stateHTTPClient:
		s.httpConsume(data)
	case stateWSServer, stateWSClient:
		s.wsConsume(data)
	}
}

func (s *Socket) onEOF() {
	switch s.state {
	case stateHTTPServer, stateHTTPClient:
		s.httpEnd()
	case stateWSServer, stateWSClient:
		if s.wsd.closeReceived {
			s.closeSocket(s.wsd.closeCode, s.wsd.closeReason)
		} else {
			s.closeSocket(closeStatusAbnormalClosure, nil)
		}
	}
}

func (s *Socket) onIOError() {
	switch s.state {
	case stateHTTPServer, stateHTTPClient:
		s.httpEnd()
	case stateWSServer, stateWSClient:
		s.closeSocket(closeStatusAbnormalClosure, nil)
	}
}

func (s *Socket) timedOut() {
	switch s.state {
	case stateHTTPServer, stateHTTPClient:
		s.node.log.Debugf("socket %s: handshake timeout", s.id)
		s.httpEnd()
	}
}

// Terminate performs an immediate socket-layer close without a closing
// handshake. WebSocket-state sockets report 1006 to the disconnection
// handler; HTTP-state client sockets report through the error handler.
func (s *Socket) Terminate() {
	switch s.state {
	case stateHTTPServer, stateHTTPClient:
		s.httpEnd()
	case stateWSServer, stateWSClient:
		s.closeSocket(closeStatusAbnormalClosure, nil)
	}
}

// httpEnd tears down a socket that never left HTTP state. Client-side ends
// report the user token through the group's error handler; server-side ends
// are silent.
func (s *Socket) httpEnd() {
	if s.state == stateClosed {
		return
	}
	clientSide := s.state == stateHTTPClient
	d := s.http
	s.node.cancelTimeout(s)
	if s.registered {
		s.node.poller.remove(s.sfd)
		s.registered = false
	}
	s.cancelQueue()
	s.tr.close()
	s.http = nil
	s.state = stateClosed
	if clientSide && s.group != nil && d != nil {
		s.group.errorHandler(d.user)
	}
}

// closeSocket is the single teardown path for WebSocket-state sockets. The
// group unlink happens before the disconnection handler so iteration stays
// safe; the handler fires exactly once.
func (s *Socket) closeSocket(code int, reason []byte) {
	if s.state == stateClosed {
		return
	}
	s.node.cancelTimeout(s)
	if s.registered {
		s.node.poller.remove(s.sfd)
		s.registered = false
	}
	s.cancelQueue()
	s.tr.close()
	wasWS := s.state == stateWSServer || s.state == stateWSClient
	d := s.wsd
	s.state = stateClosed
	if wasWS && s.group != nil {
		s.group.removeSocket(s)
		s.group.disconnectionHandler(s, code, reason)
	}
	if d != nil {
		if d.clearHook != nil && d.user != nil {
			d.clearHook(d.user)
		}
		s.wsd = nil
	}
	s.http = nil
}
