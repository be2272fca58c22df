package network

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRegistered is returned when an fd is registered twice.
	ErrAlreadyRegistered = errors.New("fd already registered")

	// ErrTokensExhausted is returned once every positive token has been
	// handed out. Tokens never wrap onto ListenerToken or WakeToken.
	ErrTokensExhausted = errors.New("poller tokens exhausted")
)

type registration[T any] struct {
	fd       int
	interest Interest
	value    T
}

// Registry maps poller tokens to the entities that own them. Tokens are
// allocated monotonically starting at 1 and never reused, so a registry hands
// out at most math.MaxInt32 tokens; ListenerToken and WakeToken are never
// handed out. A Registry is confined to its loop goroutine.
type Registry[T any] struct {
	poller  *Poller
	next    Token
	entries map[Token]*registration[T]
	fds     map[int]Token
}

// NewRegistry creates an empty registry backed by p.
func NewRegistry[T any](p *Poller) *Registry[T] {
	return &Registry[T]{
		poller:  p,
		next:    ListenerToken + 1,
		entries: make(map[Token]*registration[T]),
		fds:     make(map[int]Token),
	}
}

// Register adds fd to the poller under a fresh token.
func (r *Registry[T]) Register(fd int, interest Interest, value T) (Token, error) {
	if tok, ok := r.fds[fd]; ok {
		return 0, fmt.Errorf("%w: fd %d (token %d)", ErrAlreadyRegistered, fd, tok)
	}

	tok := r.next
	if tok <= ListenerToken {
		return 0, ErrTokensExhausted
	}
	if err := r.poller.Add(fd, tok, interest); err != nil {
		return 0, err
	}
	// Wraps negative after math.MaxInt32, which the check above rejects.
	r.next++

	r.entries[tok] = &registration[T]{fd: fd, interest: interest, value: value}
	r.fds[fd] = tok
	return tok, nil
}

// Reregister changes the interest set for tok. It is a no-op when unchanged.
func (r *Registry[T]) Reregister(tok Token, interest Interest) error {
	reg := r.mustLookup(tok)
	if reg.interest == interest {
		return nil
	}
	if err := r.poller.Modify(reg.fd, tok, interest); err != nil {
		return err
	}
	reg.interest = interest
	return nil
}

// Deregister removes tok from the poller and the table. The caller closes the
// fd afterwards.
func (r *Registry[T]) Deregister(tok Token) error {
	reg := r.mustLookup(tok)
	delete(r.entries, tok)
	delete(r.fds, reg.fd)
	return r.poller.Delete(reg.fd)
}

// Get returns the value registered under tok.
func (r *Registry[T]) Get(tok Token) (T, bool) {
	reg, ok := r.entries[tok]
	if !ok {
		var zero T
		return zero, false
	}
	return reg.value, true
}

// MustGet returns the value registered under tok. An unknown token means the
// loop's bookkeeping is broken, so it panics.
func (r *Registry[T]) MustGet(tok Token) T {
	return r.mustLookup(tok).value
}

// Interest returns the current interest set of tok.
func (r *Registry[T]) Interest(tok Token) Interest {
	return r.mustLookup(tok).interest
}

// Len returns the number of registrations.
func (r *Registry[T]) Len() int {
	return len(r.entries)
}

// Tokens returns all registered tokens in no particular order.
func (r *Registry[T]) Tokens() []Token {
	toks := make([]Token, 0, len(r.entries))
	for tok := range r.entries {
		toks = append(toks, tok)
	}
	return toks
}

func (r *Registry[T]) mustLookup(tok Token) *registration[T] {
	reg, ok := r.entries[tok]
	if !ok {
		panic(fmt.Sprintf("network: unknown token %d", tok))
	}
	return reg
}
