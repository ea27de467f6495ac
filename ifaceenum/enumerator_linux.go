//go:build linux

package ifaceenum

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxEnumerator watches RTM_NEWADDR/RTM_DELADDR on a netlink route
// socket (grounded on golang.org/x/sys already being a teacher
// dependency, pulled in transitively by rawsocket) and turns each
// notification into a fresh snapshot+diff rather than parsing the
// netlink message bytes -- a renumbering is rare enough that a rescan
// on every wakeup costs nothing the caller would notice.
type linuxEnumerator struct {
	fd int

	mu     sync.Mutex
	closed bool
}

func newPlatformEnumerator() (Enumerator, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR | unix.RTMGRP_LINK,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &linuxEnumerator{fd: fd}, nil
}

func (e *linuxEnumerator) Enumerate(cb func(Event)) error {
	initial, err := snapshot()
	if err != nil {
		return err
	}
	for _, ev := range initial {
		cb(ev)
	}

	go e.watch(initial, cb)
	return nil
}

func (e *linuxEnumerator) watch(prev []Event, cb func(Event)) {
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(e.fd, buf, 0)
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		if err != nil || n == 0 {
			time.Sleep(time.Second)
			continue
		}

		cur, err := snapshot()
		if err != nil {
			continue
		}
		for _, ev := range diff(prev, cur) {
			cb(ev)
		}
		prev = cur
	}
}

func (e *linuxEnumerator) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return unix.Close(e.fd)
}
