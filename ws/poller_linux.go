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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type pollInterest uint8

const (
	pollRead pollInterest = 1 << iota
	pollWrite
)

// pollHandler is implemented by everything a file descriptor can be tagged
// with: connection sockets, listening sockets and the loop's wakeup pipe.
type pollHandler interface {
	readable()
	writable()
}

// poller is a thin, level-triggered wrapper over epoll. It is owned by a
// single Node and must only be used from the loop goroutine.
type poller struct {
	epfd   int
	events []unix.EpollEvent
	tags   map[int32]pollHandler
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 512),
		tags:   make(map[int32]pollHandler),
	}, nil
}

func epollMask(interest pollInterest) uint32 {
	var ev uint32
	if interest&pollRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&pollWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *poller) add(fd int, interest pollInterest, tag pollHandler) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	p.tags[int32(fd)] = tag
	return nil
}

func (p *poller) modify(fd int, interest pollInterest) error {
	if _, ok := p.tags[int32(fd)]; !ok {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)})
}

func (p *poller) remove(fd int) {
	if _, ok := p.tags[int32(fd)]; !ok {
		return
	}
	delete(p.tags, int32(fd))
	// The fd may already be closed; nothing to do about errors here.
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// registered returns the number of fds currently tagged, including the
// Node's wakeup pipe.
func (p *poller) registered() int {
	return len(p.tags)
}

// wait runs one poll iteration and delivers readiness to the tagged
// handlers. timeoutMs < 0 blocks indefinitely. Handlers may remove fds
// (including their own) while being delivered; stale events are skipped.
func (p *poller) wait(timeoutMs int) error {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		ev := p.events[i]
		tag := p.tags[ev.Fd]
		if tag == nil {
			continue
		}
		// Errors and hangups surface through a read attempt.
		if ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			tag.readable()
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			// readable may have closed the socket.
			if p.tags[ev.Fd] == tag {
				tag.writable()
			}
		}
	}
	return nil
}

func (p *poller) close() {
	unix.Close(p.epfd)
}
