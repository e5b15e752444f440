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
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// Shared receive buffer for all sockets on the loop. A socket's read
	// never outlives one loop iteration, so one buffer serves them all.
	recvBufferSize = 300 * 1024

	defaultHandshakeTimeout = 5 * time.Second
)

// Node is the loop context: it owns the poller, the shared receive buffer,
// the block pool and the client-side TLS configuration. All sockets bound to
// a Node are driven by its single loop goroutine.
type Node struct {
	poller    *poller
	recvBuf   []byte
	pool      memoryPool
	log       logging.LeveledLogger
	rand      randutil.MathRandomGenerator
	clientTLS *tls.Config

	wake *wakePipe

	// Sockets with an armed timeout; only handshaking sockets live here,
	// so linear sweeps are fine.
	deadlines map[*Socket]time.Time

	mu     sync.Mutex
	posted []func()

	// In-flight asynchronous dials and TLS handshakes; they keep the loop
	// alive until their socket registers or their error handler fires.
	pending int

	stopped bool
}

func newNode(factory logging.LoggerFactory) (*Node, error) {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	n := &Node{
		poller:    p,
		recvBuf:   make([]byte, recvBufferSize),
		log:       factory.NewLogger("ws"),
		rand:      randutil.NewMathRandomGenerator(),
		clientTLS: &tls.Config{},
		deadlines: make(map[*Socket]time.Time),
	}
	if n.wake, err = newWakePipe(n); err != nil {
		p.close()
		return nil, err
	}
	if err := p.add(n.wake.r, pollRead, n.wake); err != nil {
		n.wake.close()
		p.close()
		return nil, err
	}
	return n, nil
}

// post schedules fn to run on the loop goroutine. It is the only Node entry
// point that is safe to call from other goroutines.
func (n *Node) post(fn func()) {
	n.mu.Lock()
	n.posted = append(n.posted, fn)
	n.mu.Unlock()
	n.wake.signal()
}

func (n *Node) runPosted() {
	n.mu.Lock()
	fns := n.posted
	n.posted = nil
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (n *Node) startTimeout(s *Socket, d time.Duration) {
	n.deadlines[s] = time.Now().Add(d)
}

func (n *Node) cancelTimeout(s *Socket) {
	delete(n.deadlines, s)
}

// pollTimeout returns the epoll timeout in milliseconds until the nearest
// deadline, or -1 to block indefinitely.
func (n *Node) pollTimeout() int {
	if len(n.deadlines) == 0 {
		return -1
	}
	var next time.Time
	for _, t := range n.deadlines {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	ms := int(time.Until(next) / time.Millisecond)
	if ms < 0 {
		return 0
	}
	return ms + 1
}

func (n *Node) sweepTimeouts() {
	if len(n.deadlines) == 0 {
		return
	}
	now := time.Now()
	var expired []*Socket
	for s, t := range n.deadlines {
		if !t.After(now) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		delete(n.deadlines, s)
		s.timedOut()
	}
}

// run drives the poller until only the wakeup pipe remains registered and
// no dial is in flight.
func (n *Node) run() {
	for !n.stopped && (n.poller.registered() > 1 || n.pending > 0) {
		if err := n.poller.wait(n.pollTimeout()); err != nil {
			n.log.Errorf("poll: %v", err)
			return
		}
		n.runPosted()
		n.sweepTimeouts()
	}
}

func (n *Node) shutdownNode() {
	n.stopped = true
	n.poller.remove(n.wake.r)
	n.wake.close()
	n.poller.close()
}

// wakePipe interrupts a blocked poll so posted functions run promptly.
type wakePipe struct {
	r, w int
}

func newWakePipe(*Node) (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "pipe2")
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

func (w *wakePipe) signal() {
	var b [1]byte
	// A full pipe already guarantees a pending wakeup.
	unix.Write(w.w, b[:])
}

func (w *wakePipe) readable() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.r, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakePipe) writable() {}

func (w *wakePipe) close() {
	unix.Close(w.r)
	unix.Close(w.w)
}
