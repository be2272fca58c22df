package network

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Token identifies a registration within one poller.
type Token int32

const (
	// ListenerToken is reserved for the inbound listener socket.
	ListenerToken Token = 0

	// WakeToken is reserved for the poller's own eventfd.
	WakeToken Token = -1
)

// Interest is the set of readiness kinds a registration waits for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) epollEvents() uint32 {
	// Level-triggered. RDHUP lets the loop notice a peer close without a read.
	var ev uint32 = unix.EPOLLRDHUP
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Event is one readiness notification.
type Event struct {
	Token    Token
	Readable bool
	Writable bool
	// Closed is set on EPOLLERR, EPOLLHUP or EPOLLRDHUP.
	Closed bool
}

// Poller is a level-triggered epoll instance with a cross-goroutine wakeup.
// Only Wake may be called from goroutines other than the owning loop.
type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
	woken  atomic.Bool
	closed atomic.Bool
}

// NewPoller creates an epoll instance able to report up to capacity events per Wait.
func NewPoller(capacity int) (*Poller, error) {
	if capacity <= 0 {
		capacity = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{epfd: epfd, wakefd: wakefd, raw: make([]unix.EpollEvent, capacity)}
	if err := p.Add(wakefd, WakeToken, Readable); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add registers fd under tok.
func (p *Poller) Add(fd int, tok Token, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.epollEvents(), Fd: int32(tok)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

// Modify changes the interest set of a registered fd.
func (p *Poller) Modify(fd int, tok Token, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.epollEvents(), Fd: int32(tok)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	return nil
}

// Delete removes fd from the interest list. It must be called before fd is closed.
func (p *Poller) Delete(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one event is ready, timeout elapses or Wake is
// called. A negative timeout waits indefinitely. It returns the number of
// entries written to events.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	max := len(events)
	if max > len(p.raw) {
		max = len(p.raw)
	}

	msec := -1
	if timeout >= 0 {
		// Round up so a deadline is never polled early.
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, p.raw[:max], msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		raw := p.raw[i]
		tok := Token(raw.Fd)
		if tok == WakeToken {
			p.drainWake()
		}
		events[i] = Event{
			Token:    tok,
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Closed:   raw.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return n, nil
}

// Wake interrupts a concurrent or the next Wait. Repeated calls before the
// loop observes the wakeup are coalesced.
func (p *Poller) Wake() error {
	if p.closed.Load() || !p.woken.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	// The flag is cleared after the read: a Wake coalesced in between is
	// covered by the dispatch that follows this Wait.
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
	p.woken.Store(false)
}

// Close releases the epoll instance and the eventfd.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(p.epfd)
	if werr := unix.Close(p.wakefd); err == nil {
		err = werr
	}
	return err
}
