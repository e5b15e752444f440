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

// Role discriminates server-side and client-side groups. The role decides
// mask direction on framing and the error-handler payload: server groups
// report the listening port (int), client groups the caller's user token.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// Group is a collection of sockets sharing one set of event handlers.
// Members form an intrusive doubly-linked list headed here; server groups
// additionally own their listening sockets.
type Group struct {
	role Role
	node *Node

	head      *Socket
	listeners []*listenSocket

	connectionHandler    func(*Socket)
	messageHandler       func(*Socket, []byte, OpCode)
	disconnectionHandler func(*Socket, int, []byte)
	pingHandler          func(*Socket, []byte)
	pongHandler          func(*Socket, []byte)
	errorHandler         func(interface{})
}

func newGroup(n *Node, role Role) *Group {
	return &Group{
		role:                 role,
		node:                 n,
		connectionHandler:    func(*Socket) {},
		messageHandler:       func(*Socket, []byte, OpCode) {},
		disconnectionHandler: func(*Socket, int, []byte) {},
		pingHandler:          func(*Socket, []byte) {},
		pongHandler:          func(*Socket, []byte) {},
		errorHandler:         func(interface{}) {},
	}
}

// Role returns whether this group holds server- or client-side sockets.
func (g *Group) Role() Role { return g.role }

// OnConnection sets the handler fired when a socket completes the upgrade.
func (g *Group) OnConnection(h func(*Socket)) {
	if h == nil {
		h = func(*Socket) {}
	}
	g.connectionHandler = h
}

// OnMessage sets the handler fired for every complete data message. The
// payload slice is only valid for the duration of the call.
func (g *Group) OnMessage(h func(*Socket, []byte, OpCode)) {
	if h == nil {
		h = func(*Socket, []byte, OpCode) {}
	}
	g.messageHandler = h
}

// OnDisconnection sets the handler fired exactly once when a member leaves,
// with the close code (1006 on abnormal termination) and reason.
func (g *Group) OnDisconnection(h func(*Socket, int, []byte)) {
	if h == nil {
		h = func(*Socket, int, []byte) {}
	}
	g.disconnectionHandler = h
}

// OnPing sets the handler fired after a ping is answered with its pong.
func (g *Group) OnPing(h func(*Socket, []byte)) {
	if h == nil {
		h = func(*Socket, []byte) {}
	}
	g.pingHandler = h
}

// OnPong sets the handler fired when a pong arrives.
func (g *Group) OnPong(h func(*Socket, []byte)) {
	if h == nil {
		h = func(*Socket, []byte) {}
	}
	g.pongHandler = h
}

// OnError sets the failure handler. Server groups receive the listening
// port as an int; client groups receive the user token given to Connect.
func (g *Group) OnError(h func(payload interface{})) {
	if h == nil {
		h = func(interface{}) {}
	}
	g.errorHandler = h
}

func (g *Group) addSocket(s *Socket) {
	if g.head != nil {
		g.head.prev = s
		s.next = g.head
	}
	g.head = s
}

func (g *Group) removeSocket(s *Socket) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if g.head == s {
		g.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// forEach visits every current member once. The next pointer is captured
// before the callback so members may close themselves during iteration.
func (g *Group) forEach(fn func(*Socket)) {
	for s := g.head; s != nil; {
		next := s.next
		fn(s)
		s = next
	}
}

// Len returns the current number of member sockets.
func (g *Group) Len() int {
	n := 0
	for s := g.head; s != nil; s = s.next {
		n++
	}
	return n
}

// Broadcast sends one message to every member. Server groups encode the
// frame once into a shared PreparedMessage; client groups mask per member
// as the protocol requires.
func (g *Group) Broadcast(data []byte, op OpCode) {
	if g.role == RoleServer {
		pm := prepareMessage(g.node, data, op)
		g.forEach(func(s *Socket) {
			s.sendPrepared(pm)
		})
		pm.release(g.node)
		return
	}
	g.forEach(func(s *Socket) {
		s.Send(data, op)
	})
}

func (g *Group) closeListeners() {
	for _, l := range g.listeners {
		l.closeListener()
	}
	g.listeners = nil
}

// Close starts a normal closing handshake with every member and closes any
// listening sockets. Once the members depart, the loop runs dry and Run
// returns.
func (g *Group) Close() {
	g.forEach(func(s *Socket) {
		s.Close(closeStatusNormalClosure, nil)
	})
	g.closeListeners()
}

// Terminate abruptly closes every member's transport, without a closing
// handshake, and closes any listening sockets.
func (g *Group) Terminate() {
	g.forEach(func(s *Socket) {
		s.Terminate()
	})
	g.closeListeners()
}
