package network

import (
	"errors"
	"math"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newSocketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := NewPoller(16)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPollerWaitTimeout(t *testing.T) {
	p := newTestPoller(t)
	events := make([]Event, 8)

	start := time.Now()
	n, err := p.Wait(events, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no events, got %d", n)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait returned early after %v", elapsed)
	}
}

func TestPollerWake(t *testing.T) {
	p := newTestPoller(t)
	events := make([]Event, 8)

	if err := p.Wake(); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	if err := p.Wake(); err != nil { // coalesced
		t.Fatalf("Wake failed: %v", err)
	}

	n, err := p.Wait(events, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 1 || events[0].Token != WakeToken {
		t.Fatalf("Expected one wake event, got %d events (%+v)", n, events[:n])
	}

	// The eventfd was drained, so the next wait must time out.
	n, err = p.Wait(events, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected wakeup to be consumed, got %d events", n)
	}

	// And a new Wake is delivered again.
	if err := p.Wake(); err != nil {
		t.Fatalf("Wake failed: %v", err)
	}
	n, _ = p.Wait(events, time.Second)
	if n != 1 || events[0].Token != WakeToken {
		t.Errorf("Expected second wake event, got %d events", n)
	}
}

func TestPollerWakeInterruptsWait(t *testing.T) {
	p := newTestPoller(t)
	events := make([]Event, 8)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Wake()
	}()

	n, err := p.Wait(events, -1)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 1 || events[0].Token != WakeToken {
		t.Fatalf("Expected one wake event, got %d events (%+v)", n, events[:n])
	}
}

func TestPollerWakeAfterClose(t *testing.T) {
	p, err := NewPoller(4)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Wake(); err != nil {
		t.Errorf("Wake on closed poller should be a no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestRegistryTokens(t *testing.T) {
	p := newTestPoller(t)
	r := NewRegistry[string](p)

	a, _ := newSocketPair(t)
	b, _ := newSocketPair(t)

	tokA, err := r.Register(a, Readable, "a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	tokB, err := r.Register(b, Readable, "b")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if tokA != 1 || tokB != 2 {
		t.Errorf("Expected tokens 1 and 2, got %d and %d", tokA, tokB)
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 registrations, got %d", r.Len())
	}

	if _, err := r.Register(a, Readable, "again"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
	}

	if err := r.Deregister(tokA); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if _, ok := r.Get(tokA); ok {
		t.Error("Deregistered token should not resolve")
	}

	// Tokens are never reused.
	tokC, err := r.Register(a, Readable, "c")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if tokC != 3 {
		t.Errorf("Expected token 3, got %d", tokC)
	}
}

func TestRegistryTokensExhausted(t *testing.T) {
	r := NewRegistry[string](newTestPoller(t))
	a, _ := newSocketPair(t)
	b, _ := newSocketPair(t)

	r.next = math.MaxInt32
	tok, err := r.Register(a, Readable, "last")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if tok != math.MaxInt32 {
		t.Errorf("Expected token %d, got %d", math.MaxInt32, tok)
	}

	if _, err := r.Register(b, Readable, "wrapped"); !errors.Is(err, ErrTokensExhausted) {
		t.Fatalf("Expected ErrTokensExhausted, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 registration, got %d", r.Len())
	}
}

func TestRegistryMustGetPanicsOnUnknownToken(t *testing.T) {
	r := NewRegistry[int](newTestPoller(t))

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for unknown token")
		}
	}()
	r.MustGet(42)
}

func TestRegistryReadinessDispatch(t *testing.T) {
	p := newTestPoller(t)
	r := NewRegistry[string](p)
	local, remote := newSocketPair(t)

	tok, err := r.Register(local, Readable, "conn")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	events := make([]Event, 8)
	if n, _ := p.Wait(events, 10*time.Millisecond); n != 0 {
		t.Fatalf("Expected no readiness before write, got %d events", n)
	}

	if _, err := unix.Write(remote, []byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	n, err := p.Wait(events, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 1 || events[0].Token != tok || !events[0].Readable {
		t.Fatalf("Expected readable event for token %d, got %+v", tok, events[:n])
	}
	if v := r.MustGet(events[0].Token); v != "conn" {
		t.Errorf("Expected value %q, got %q", "conn", v)
	}

	// Write interest on an idle socket reports writable immediately.
	if err := r.Reregister(tok, Readable|Writable); err != nil {
		t.Fatalf("Reregister failed: %v", err)
	}
	if r.Interest(tok) != Readable|Writable {
		t.Errorf("Expected interest to be updated, got %v", r.Interest(tok))
	}
	n, _ = p.Wait(events, time.Second)
	if n != 1 || !events[0].Writable {
		t.Errorf("Expected writable event, got %+v", events[:n])
	}
}

func TestPollerReportsPeerClose(t *testing.T) {
	p := newTestPoller(t)
	r := NewRegistry[int](p)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	defer unix.Close(fds[0])

	tok, err := r.Register(fds[0], Readable, 1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_ = unix.Close(fds[1])

	events := make([]Event, 8)
	n, err := p.Wait(events, time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if n != 1 || events[0].Token != tok || !events[0].Closed {
		t.Errorf("Expected close event for token %d, got %+v", tok, events[:n])
	}
}
