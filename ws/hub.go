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
	"net"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Hub bundles a Node with a default server group and a default client group.
// One Hub means one loop and one owning goroutine: every public method other
// than the resolver internals of Connect must run on that goroutine (or
// before Run starts).
type Hub struct {
	node   *Node
	server *Group
	client *Group

	acceptLimit *rate.Limiter
}

func NewHub() (*Hub, error) {
	return NewHubWithLogger(nil)
}

func NewHubWithLogger(factory logging.LoggerFactory) (*Hub, error) {
	n, err := newNode(factory)
	if err != nil {
		return nil, err
	}
	return &Hub{
		node:   n,
		server: newGroup(n, RoleServer),
		client: newGroup(n, RoleClient),
	}, nil
}

// Server returns the default server group.
func (h *Hub) Server() *Group { return h.server }

// Client returns the default client group.
func (h *Hub) Client() *Group { return h.client }

// CreateGroup yields an additional group of the given role sharing this
// Hub's loop.
func (h *Hub) CreateGroup(role Role) *Group {
	return newGroup(h.node, role)
}

// SetClientTLSConfig replaces the TLS configuration used for wss:// dials.
func (h *Hub) SetClientTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	h.node.clientTLS = cfg
}

// SetAcceptRate limits how fast listeners accept new connections;
// connections over the limit are closed immediately. Zero burst disables
// the limiter.
func (h *Hub) SetAcceptRate(limit rate.Limit, burst int) {
	if burst <= 0 {
		h.acceptLimit = nil
		return
	}
	h.acceptLimit = rate.NewLimiter(limit, burst)
}

// Run drives the loop until no sockets remain registered and no dials or
// TLS handshakes are in flight.
func (h *Hub) Run() {
	h.node.run()
}

// Shutdown releases the loop's own resources. Call after Run returns; the
// Hub is unusable afterwards.
func (h *Hub) Shutdown() {
	h.node.shutdownNode()
}

type listenSocket struct {
	fd         int
	hub        *Hub
	group      *Group
	tlsConfig  *tls.Config
	port       int
	registered bool
}

// Listen binds 0.0.0.0:port (IPv6 dual-stack when available) and starts
// accepting upgrade requests into the given server group (default group if
// nil). On failure the group's error handler fires with the port.
func (h *Hub) Listen(port int, tlsConfig *tls.Config, g *Group) bool {
	if g == nil {
		g = h.server
	}
	fd, err := listenFD(port)
	if err != nil {
		h.node.log.Warnf("listen on port %d: %v", port, err)
		g.errorHandler(port)
		return false
	}
	l := &listenSocket{fd: fd, hub: h, group: g, tlsConfig: tlsConfig, port: port}
	if err := h.node.poller.add(fd, pollRead, l); err != nil {
		unix.Close(fd)
		h.node.log.Warnf("listen on port %d: %v", port, err)
		g.errorHandler(port)
		return false
	}
	l.registered = true
	g.listeners = append(g.listeners, l)
	return true
}

func listenFD(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err == nil {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
		if err = unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err == nil {
			if err = unix.Listen(fd, 512); err == nil {
				return fd, nil
			}
		}
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	// No IPv6 support; fall back to plain IPv4.
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err == nil {
		if err = unix.Listen(fd, 512); err == nil {
			return fd, nil
		}
	}
	unix.Close(fd)
	return -1, errors.Wrap(err, "listen")
}

func (l *listenSocket) readable() {
	n := l.hub.node
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				n.log.Warnf("accept on port %d: %v", l.port, err)
				return
			}
		}
		if lim := l.hub.acceptLimit; lim != nil && !lim.Allow() {
			unix.Close(fd)
			continue
		}
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		var tr transport
		if l.tlsConfig != nil {
			tr = newTLSServerTransport(fd, l.tlsConfig)
		} else {
			tr = newTCPTransport(fd)
		}
		s := newSocket(n, l.group, tr)
		s.state = stateHTTPServer
		s.http = &httpSocketData{}
		s.hsTimeout = defaultHandshakeTimeout
		if l.tlsConfig != nil {
			s.startTLS(defaultHandshakeTimeout, nil)
			continue
		}
		if err := s.register(pollRead); err != nil {
			n.log.Warnf("accept on port %d: %v", l.port, err)
			tr.close()
			continue
		}
		n.startTimeout(s, defaultHandshakeTimeout)
	}
}

func (l *listenSocket) writable() {}

func (l *listenSocket) closeListener() {
	if l.registered {
		l.hub.node.poller.remove(l.fd)
		l.registered = false
		unix.Close(l.fd)
	}
}

// parseWSURI implements the grammar scheme://host[:port][/path]. The query
// string, if any, is carried as part of the path remainder.
func parseWSURI(uri string) (scheme, host string, port int, path string, ok bool) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return
	}
	scheme = uri[:i]
	for j := 0; j < len(scheme); j++ {
		if scheme[j] < 'a' || scheme[j] > 'z' {
			return
		}
	}
	rest := uri[i+3:]
	hostEnd := strings.IndexAny(rest, ":/")
	if hostEnd == 0 {
		return
	}
	if hostEnd < 0 {
		host = rest
		return scheme, host, 0, "", host != ""
	}
	host = rest[:hostEnd]
	if rest[hostEnd] == ':' {
		rest = rest[hostEnd+1:]
		portEnd := strings.IndexByte(rest, '/')
		digits := rest
		if portEnd >= 0 {
			digits = rest[:portEnd]
			path = rest[portEnd+1:]
		}
		if len(digits) == 0 {
			return
		}
		for j := 0; j < len(digits); j++ {
			if digits[j] < '0' || digits[j] > '9' {
				return
			}
			port = port*10 + int(digits[j]-'0')
		}
		if port > 65535 {
			return
		}
	} else {
		path = rest[hostEnd+1:]
	}
	return scheme, host, port, path, true
}

// Connect dials a ws:// or wss:// URI and, once the TCP/TLS connect
// completes, runs the client-side upgrade handshake. All failures before
// the upgrade completes (bad URI, resolution, connect, timeout, non-upgrade
// response) surface through the client group's error handler with the
// caller's user token; no socket is ever observed by user code in that case.
func (h *Hub) Connect(uri string, user interface{}, timeout time.Duration, g *Group) {
	if g == nil {
		g = h.client
	}
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	scheme, host, port, path, ok := parseWSURI(uri)
	if ok {
		switch scheme {
		case "ws":
			if port == 0 {
				port = 80
			}
		case "wss":
			if port == 0 {
				port = 443
			}
		default:
			ok = false
		}
	}
	if !ok {
		g.errorHandler(user)
		return
	}
	secure := scheme == "wss"
	h.node.pending++
	go func() {
		addrs, err := net.LookupHost(host)
		h.node.post(func() {
			h.node.pending--
			if err != nil || len(addrs) == 0 {
				h.node.log.Debugf("connect %s: resolve: %v", uri, err)
				g.errorHandler(user)
				return
			}
			h.startConnect(g, user, host, path, addrs[0], port, secure, timeout)
		})
	}()
}

func (h *Hub) startConnect(g *Group, user interface{}, host, path, addr string, port int, secure bool, timeout time.Duration) {
	ip := net.ParseIP(addr)
	if ip == nil {
		g.errorHandler(user)
		return
	}
	var (
		fd  int
		err error
		sa  unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}
	if err != nil {
		g.errorHandler(user)
		return
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		h.node.log.Debugf("connect %s:%d: %v", host, port, err)
		g.errorHandler(user)
		return
	}
	var tr transport
	if secure {
		cfg := h.node.clientTLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tr = newTLSClientTransport(fd, cfg)
	} else {
		tr = newTCPTransport(fd)
	}
	s := newSocket(h.node, g, tr)
	s.state = stateHTTPClient
	s.connecting = true
	s.hsTimeout = timeout
	s.http = &httpSocketData{host: host, path: path, user: user}
	if err := s.register(pollRead | pollWrite); err != nil {
		tr.close()
		g.errorHandler(user)
		return
	}
	h.node.startTimeout(s, timeout)
}

// connectReady runs when a connecting socket reports readiness: either the
// non-blocking connect finished or it failed with a pending SO_ERROR.
func (s *Socket) connectReady() {
	soerr, err := unix.GetsockoptInt(s.sfd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		s.httpEnd()
		return
	}
	s.connecting = false
	if t, ok := s.tr.(*tlsTransport); ok && !t.handshook {
		// Hand the fd to the TLS handshake; the socket re-registers when
		// it completes.
		s.node.cancelTimeout(s)
		if s.registered {
			s.node.poller.remove(s.sfd)
			s.registered = false
		}
		s.startTLS(s.hsTimeout, func() { s.sendUpgradeRequest() })
		return
	}
	s.setInterest(pollRead)
	// The handshake timeout stays armed until the 101 arrives.
	s.sendUpgradeRequest()
}

// Upgrade adopts a connected fd whose HTTP upgrade request was consumed
// elsewhere: it answers the handshake from the supplied Sec-WebSocket-Key
// and places the socket directly into the chosen server group. The
// extensions blob is accepted for signature compatibility; none are ever
// negotiated.
func (h *Hub) Upgrade(fd int, secKey string, tlsConfig *tls.Config, extensions []byte, g *Group) bool {
	if g == nil {
		g = h.server
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return false
	}
	var tr transport
	if tlsConfig != nil {
		tr = newTLSServerTransport(fd, tlsConfig)
	} else {
		tr = newTCPTransport(fd)
	}
	s := newSocket(h.node, g, tr)
	s.state = stateHTTPServer
	s.http = &httpSocketData{}
	s.hsTimeout = defaultHandshakeTimeout
	if tlsConfig != nil {
		s.startTLS(defaultHandshakeTimeout, func() {
			if s.sendUpgradeResponse(secKey) {
				s.becomeWebSocket(stateWSServer, nil, nil)
			}
		})
		return true
	}
	if err := s.register(pollRead); err != nil {
		tr.close()
		return false
	}
	if !s.sendUpgradeResponse(secKey) {
		return false
	}
	s.becomeWebSocket(stateWSServer, nil, nil)
	return true
}
