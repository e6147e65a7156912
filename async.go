// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/extension/packets"
)

// TimeoutFallback is the policy applied when an async output reaches its deadline
// without being resumed.
type TimeoutFallback byte

const (
	FallbackFailure TimeoutFallback = iota // fail (or deny) with the supplied or default reason
	FallbackSuccess                        // treated the same as delegating to the next extension
)

// String returns the readable name of a fallback policy.
func (f TimeoutFallback) String() string {
	switch f {
	case FallbackSuccess:
		return "success"
	case FallbackFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// AsyncOptions configures the suspension of an output.
type AsyncOptions struct {
	Code     Option[packets.Code] // reason code used by a FallbackFailure; domain default if empty
	Reason   Option[string]       // reason string used by a FallbackFailure; domain default if empty
	Timeout  time.Duration        // maximum time to wait for Resume
	Fallback TimeoutFallback      // policy applied when the timeout elapses
}

// AsyncToken is the single-use capability returned when an output is suspended.
// Calling Resume releases the decision chain with whatever outcome the handler
// recorded on the output, or a delegation if it recorded none.
type AsyncToken struct {
	out      *Output
	deadline time.Time
	used     atomic.Bool
}

// Resume releases the suspended output. If the deadline already fired, Resume is
// a no-op. Calling Resume more than once returns ErrAlreadyResumed.
func (t *AsyncToken) Resume() error {
	if !t.used.CompareAndSwap(false, true) {
		return ErrAlreadyResumed
	}

	t.out.resume()
	return nil
}

// Deadline returns the time at which the fallback policy will be applied.
func (t *AsyncToken) Deadline() time.Time {
	return t.deadline
}

// TimedOut returns true if the deadline fired before the token was resumed.
func (t *AsyncToken) TimedOut() bool {
	return t.out.timedOut()
}

// Scheduler schedules deadline timers for suspended outputs.
type Scheduler interface {
	// AfterFunc calls f in its own goroutine after d, returning a function which
	// stops the timer.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

// AfterFunc calls f after d.
func (TimerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// validateAsync checks the timeout and fallback of a suspension request against the capabilities.
func validateAsync(caps *Capabilities, opts AsyncOptions) error {
	if opts.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if caps != nil {
		if caps.MinimumAsyncTimeout > 0 && opts.Timeout < caps.MinimumAsyncTimeout {
			return ErrInvalidTimeout
		}
		if caps.MaximumAsyncTimeout > 0 && opts.Timeout > caps.MaximumAsyncTimeout {
			return ErrInvalidTimeout
		}
	}

	if opts.Fallback != FallbackFailure && opts.Fallback != FallbackSuccess {
		return ErrInvalidFallback
	}

	if r, ok := opts.Reason.Get(); ok {
		if err := validateReasonString(r); err != nil {
			return err
		}
	}

	return nil
}
