// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokens implements the producer/consumer synchronization between the stages of a core.
//
// A Token is a two-state flag: armed or clear. The producer of a resource arms it, the consumer
// waits for it (and clears it in doing so). Tokens are grouped in a Ring, one per parity of a
// multi-buffered resource, and the rings of a core are owned by a Pool, created once at setup.
package tokens

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrAborted is the panic value raised by Wait on the tokens of an aborted Pool.
var ErrAborted = errors.New("tokens: pool aborted")

// ProtocolViolation is the panic value raised when a token is armed twice without a wait in
// between: the stages disagree about the ownership of a resource.
type ProtocolViolation struct {
	Token string
}

// Error implements error.
func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("token protocol violation: %q armed while already armed", v.Token)
}

// Token is a capacity-1 signal between two stages.
type Token struct {
	name  string
	ch    chan struct{}
	abort <-chan struct{}
}

// NewToken creates a clear token.
func NewToken(name string) *Token {
	return &Token{name: name, ch: make(chan struct{}, 1)}
}

// Name of the token, used in error messages.
func (t *Token) Name() string { return t.name }

// Arm the token. It never blocks: arming an armed token panics with a *ProtocolViolation.
func (t *Token) Arm() {
	select {
	case t.ch <- struct{}{}:
	default:
		panic(&ProtocolViolation{Token: t.name})
	}
}

// Wait blocks until the token is armed, and clears it. If the token belongs to a Pool that is
// aborted while waiting, it panics with ErrAborted.
func (t *Token) Wait() {
	select {
	case <-t.ch:
	case <-t.abort:
		panic(ErrAborted)
	}
}

// IsArmed returns whether the token is currently armed. Only meaningful when no other stage is
// running, for instance in tests or after Drain.
func (t *Token) IsArmed() bool {
	return len(t.ch) > 0
}

// Ring is a fixed set of tokens, one per parity of a multi-buffered resource.
type Ring struct {
	tokens []*Token
}

// NewRing creates a ring of depth clear tokens named "<name>[<parity>]".
func NewRing(name string, depth int) *Ring {
	if depth <= 0 {
		exceptions.Panicf("tokens.NewRing(%q): depth must be positive, got %d", name, depth)
	}
	r := &Ring{tokens: make([]*Token, depth)}
	for parity := range depth {
		r.tokens[parity] = NewToken(fmt.Sprintf("%s[%d]", name, parity))
	}
	return r
}

// Depth returns the number of tokens in the ring.
func (r *Ring) Depth() int { return len(r.tokens) }

// At returns the token of the parity corresponding to the counter.
func (r *Ring) At(counter int) *Token { return r.tokens[counter%len(r.tokens)] }

// Arm the token of the counter's parity.
func (r *Ring) Arm(counter int) { r.At(counter).Arm() }

// Wait for the token of the counter's parity.
func (r *Ring) Wait(counter int) { r.At(counter).Wait() }

// ArmAll arms every token of the ring, marking all buffers as available.
func (r *Ring) ArmAll() {
	for _, t := range r.tokens {
		t.Arm()
	}
}

// WaitAll waits for every token of the ring.
func (r *Ring) WaitAll() {
	for _, t := range r.tokens {
		t.Wait()
	}
}

// Pool owns the rings of a core. Rings are added at setup only.
type Pool struct {
	rings  []*Ring
	byName map[string]*Ring
	// initiallyArmed rings are armed by PreArm and waited by Drain.
	initiallyArmed []*Ring

	abort     chan struct{}
	abortOnce sync.Once
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{byName: make(map[string]*Ring), abort: make(chan struct{})}
}

// Abort releases every stage blocked, or about to block, on a token of the pool: their Wait
// panics with ErrAborted. Used when one stage of a core fails. It can be called more than once.
func (p *Pool) Abort() {
	p.abortOnce.Do(func() { close(p.abort) })
}

// Add a ring to the pool. If initiallyArmed is true, the ring signals available resources:
// PreArm arms all its tokens and Drain waits for all of them.
func (p *Pool) Add(name string, depth int, initiallyArmed bool) *Ring {
	if _, found := p.byName[name]; found {
		exceptions.Panicf("tokens.Pool.Add: duplicate ring %q", name)
	}
	r := NewRing(name, depth)
	for _, t := range r.tokens {
		t.abort = p.abort
	}
	p.rings = append(p.rings, r)
	p.byName[name] = r
	if initiallyArmed {
		p.initiallyArmed = append(p.initiallyArmed, r)
	}
	return r
}

// Ring returns the ring with the given name, or nil.
func (p *Pool) Ring(name string) *Ring { return p.byName[name] }

// PreArm arms the tokens of the initially armed rings. Called once before the stages start.
func (p *Pool) PreArm() {
	for _, r := range p.initiallyArmed {
		r.ArmAll()
	}
}

// Drain waits for every token of the initially armed rings: it returns once every resource
// has been released by its consumer, leaving all tokens clear.
func (p *Pool) Drain() {
	for _, r := range p.initiallyArmed {
		r.WaitAll()
	}
}

// NumArmed returns how many tokens of the pool are armed. Only meaningful when the stages are
// not running.
func (p *Pool) NumArmed() int {
	var count int
	for _, r := range p.rings {
		for _, t := range r.tokens {
			if t.IsArmed() {
				count++
			}
		}
	}
	return count
}
