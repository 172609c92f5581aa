package pacer

import (
	"sync"
	"time"
)

// Paced is a function passed to Call/CallNoRetry. It returns whether the
// call should be retried and the error to propagate if it (eventually)
// isn't.
type Paced func() (bool, error)

// Pacer serializes and paces calls to a single flaky resource (a host, a
// bucket, a directory), deciding how long to sleep between attempts via a
// pluggable Calculator and capping the number of concurrent in-flight
// calls.
type Pacer struct {
	mu             sync.Mutex
	pacer          chan struct{}
	connTokens     chan struct{}
	state          State
	retries        int
	maxConnections int
	calculator     Calculator
}

// Option configures a Pacer
type Option func(*Pacer)

// RetriesOption sets the number of retries Call will attempt
func RetriesOption(retries int) Option {
	return func(p *Pacer) { p.retries = retries }
}

// MaxConnectionsOption sets the maximum number of concurrent connections
func MaxConnectionsOption(maxConnections int) Option {
	return func(p *Pacer) { p.SetMaxConnections(maxConnections) }
}

// CalculatorOption sets the Calculator used to compute sleep times
func CalculatorOption(calculator Calculator) Option {
	return func(p *Pacer) { p.calculator = calculator }
}

// New creates a Pacer with sensible defaults: a Default calculator, no
// connection limit and 10 retries.
func New(options ...Option) *Pacer {
	p := &Pacer{
		pacer:      make(chan struct{}, 1),
		retries:    10,
		calculator: NewDefault(),
	}
	for _, o := range options {
		o(p)
	}
	if d, ok := p.calculator.(*Default); ok {
		p.state.SleepTime = d.minSleep
	}
	p.pacer <- struct{}{}
	return p
}

// SetMaxConnections sets the maximum number of concurrent connections.
// 0 (or less) means no limit.
func (p *Pacer) SetMaxConnections(maxConnections int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = maxConnections
	if maxConnections <= 0 {
		p.maxConnections = 0
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, maxConnections)
	for i := 0; i < maxConnections; i++ {
		p.connTokens <- struct{}{}
	}
}

// SetRetries sets the number of retries Call will attempt
func (p *Pacer) SetRetries(retries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = retries
}

// SetCalculator sets the Calculator used to compute sleep times
func (p *Pacer) SetCalculator(c Calculator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calculator = c
}

// beginCall acquires the single pacing slot, then (if limited) a
// connection token, computes the next sleep time and sleeps it before
// returning the pacing slot for the next caller.
func (p *Pacer) beginCall() {
	<-p.pacer
	p.mu.Lock()
	maxConnections := p.maxConnections
	p.mu.Unlock()
	if maxConnections > 0 {
		<-p.connTokens
	}
	p.mu.Lock()
	state := p.state
	calculator := p.calculator
	p.mu.Unlock()
	sleepTime := calculator.Calculate(state)
	p.mu.Lock()
	p.state.SleepTime = sleepTime
	p.mu.Unlock()
	if sleepTime > 0 {
		time.Sleep(sleepTime)
	}
	p.pacer <- struct{}{}
}

// endCall returns the connection token (if limited) and updates the
// consecutive-retry counter.
func (p *Pacer) endCall(retry bool, err error) {
	p.mu.Lock()
	maxConnections := p.maxConnections
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.mu.Unlock()
	if maxConnections > 0 {
		p.connTokens <- struct{}{}
	}
	_ = err
}

// call runs fn up to retries times, pacing and retrying as fn demands
func (p *Pacer) call(fn Paced, retries int) (err error) {
	var retry bool
	for i := 1; i <= retries; i++ {
		p.beginCall()
		retry, err = fn()
		p.endCall(retry, err)
		if !retry {
			break
		}
	}
	return err
}

// Call runs fn, retrying it (paced and backed off) up to the Pacer's
// configured retry count while fn asks for a retry.
func (p *Pacer) Call(fn Paced) error {
	p.mu.Lock()
	retries := p.retries
	p.mu.Unlock()
	return p.call(fn, retries)
}

// CallNoRetry runs fn exactly once (still paced and connection-limited)
func (p *Pacer) CallNoRetry(fn Paced) error {
	return p.call(fn, 1)
}
