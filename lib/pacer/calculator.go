// Package pacer implements a generic retry/backoff pacer used to throttle
// and retry calls to a flaky remote endpoint (a connect, a chunk write, a
// directory listing): it serializes calls one at a time, tracks how many
// connections are currently in flight, and asks a pluggable Calculator how
// long to sleep before the next attempt.
package pacer

import "time"

// State is passed to a Calculator to work out the sleep time before
// the next retry
type State struct {
	SleepTime          time.Duration // current sleep time between calls
	ConsecutiveRetries int           // number of consecutive retries, 0 on success
}

// Calculator works out the sleep time for the next call
type Calculator interface {
	// Calculate the next sleep time given the current State
	Calculate(state State) time.Duration
}

// base holds the knobs shared by every Calculator implementation
type base struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
	burst          int
}

// Setting configures a Calculator's base fields
type Setting func(*base)

// MinSleep sets the minimum sleep time for a Calculator
func MinSleep(minSleep time.Duration) Setting {
	return func(b *base) { b.minSleep = minSleep }
}

// MaxSleep sets the maximum sleep time for a Calculator
func MaxSleep(maxSleep time.Duration) Setting {
	return func(b *base) { b.maxSleep = maxSleep }
}

// DecayConstant sets the decay constant (applied on success) for a Calculator
func DecayConstant(decayConstant uint) Setting {
	return func(b *base) { b.decayConstant = decayConstant }
}

// AttackConstant sets the attack constant (applied on retry) for a Calculator
func AttackConstant(attackConstant uint) Setting {
	return func(b *base) { b.attackConstant = attackConstant }
}

// Burst sets the base burst field; none of the Calculators in this
// package reads it
func Burst(burst int) Setting {
	return func(b *base) { b.burst = burst }
}

func newBase(settings ...Setting) base {
	b := base{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
		burst:          1 << 20, // effectively unlimited unless overridden
	}
	for _, s := range settings {
		s(&b)
	}
	return b
}

func (b *base) clamp(d time.Duration) time.Duration {
	if d < b.minSleep {
		return b.minSleep
	}
	if d > b.maxSleep {
		return b.maxSleep
	}
	return d
}

// Default is the calculator rclone-style backends use: exponential decay
// of the sleep time on success, exponential attack on retry.
type Default struct {
	base
}

// NewDefault creates a Default calculator
func NewDefault(settings ...Setting) *Default {
	return &Default{base: newBase(settings...)}
}

// Calculate the next sleep time
func (c *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		decay := state.SleepTime - (state.SleepTime >> c.decayConstant)
		return c.clamp(decay)
	}
	return c.clamp(c.attack(state.SleepTime))
}

// attack grows sleepTime towards maxSleep; attackConstant == 0 means
// "jump straight to maxSleep"
func (c *base) attack(sleepTime time.Duration) time.Duration {
	denom := (time.Duration(1) << c.attackConstant) - 1
	if denom <= 0 {
		return c.maxSleep
	}
	return sleepTime + sleepTime/denom
}

// AzureIMDS implements the Azure Instance Metadata Service backoff: no
// sleep on success, otherwise double the previous sleep and add a fixed
// 2s step, capped at maxSleep.
type AzureIMDS struct {
	base
}

// NewAzureIMDS creates an AzureIMDS calculator
func NewAzureIMDS(settings ...Setting) *AzureIMDS {
	b := newBase(settings...)
	b.minSleep = 0
	b.maxSleep = 60 * time.Second
	for _, s := range settings {
		s(&b)
	}
	return &AzureIMDS{base: b}
}

// Calculate the next sleep time
func (c *AzureIMDS) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		return 0
	}
	sleep := state.SleepTime*2 + 2*time.Second
	if sleep > c.maxSleep {
		sleep = c.maxSleep
	}
	return sleep
}

// S3 implements the AWS S3 style calculator: on success, decay towards
// zero (not towards minSleep — a healthy S3 endpoint needs no pacing at
// all), on retry attack towards maxSleep same as Default.
type S3 struct {
	base
}

// NewS3 creates an S3 calculator
func NewS3(settings ...Setting) *S3 {
	return &S3{base: newBase(settings...)}
}

// Calculate the next sleep time
func (c *S3) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		decay := state.SleepTime - (state.SleepTime >> c.decayConstant)
		if decay <= c.minSleep {
			return 0
		}
		if decay > c.maxSleep {
			return c.maxSleep
		}
		return decay
	}
	return c.clamp(c.attack(state.SleepTime))
}
