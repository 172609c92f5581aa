package sftpcodec

import (
	"sync"
	"time"

	"github.com/fdcore/dispatcher/lib/pacer"
)

// DialPool serializes dials by address, so concurrent workers targeting
// the same host don't open a flood of simultaneous SSH handshakes. It
// also tracks a per-address backoff: a run of failed dials to addr
// grows the delay the next Lock(addr) sleeps before returning, using
// the same Default calculator ftpcodec's connect pacer uses, so a host
// that just refused a connection isn't immediately hammered again by
// the next worker waiting on its slot.
type DialPool struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	calc  pacer.Calculator
	state map[string]pacer.State
}

// NewDialPool creates an empty DialPool.
func NewDialPool() *DialPool {
	return &DialPool{
		locks: make(map[string]chan struct{}),
		calc:  pacer.NewDefault(),
		state: make(map[string]pacer.State),
	}
}

// Lock blocks until no other caller holds addr's slot, then takes it,
// sleeping first for any backoff accumulated by a prior failed dial to
// addr (see RecordResult).
func (p *DialPool) Lock(addr string) {
	p.mu.Lock()
	for {
		ch, ok := p.locks[addr]
		if !ok {
			break
		}
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
	}
	p.locks[addr] = make(chan struct{})
	sleep := p.state[addr].SleepTime
	p.mu.Unlock()
	if sleep > 0 {
		time.Sleep(sleep)
	}
}

// Unlock releases addr's slot. Panics if Lock wasn't called first.
func (p *DialPool) Unlock(addr string) {
	p.mu.Lock()
	ch, ok := p.locks[addr]
	if !ok {
		p.mu.Unlock()
		panic("sftpcodec: DialPool Unlock before Lock")
	}
	close(ch)
	delete(p.locks, addr)
	p.mu.Unlock()
}

// RecordResult folds a dial attempt's outcome into addr's backoff
// state: a non-nil err grows the next Lock(addr)'s sleep, a nil err
// decays it towards the Default calculator's 10ms minimum (it does not
// return to zero once an address has a recorded result).
func (p *DialPool) RecordResult(addr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[addr]
	if err != nil {
		st.ConsecutiveRetries++
	} else {
		st.ConsecutiveRetries = 0
	}
	st.SleepTime = p.calc.Calculate(st)
	p.state[addr] = st
}

// Backoff returns addr's current accumulated sleep time, for tests and
// diagnostics.
func (p *DialPool) Backoff(addr string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[addr].SleepTime
}
