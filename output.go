// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the decision state of an Output.
type State byte

const (
	StatePending State = iota
	StateDecided
)

// asyncState tracks the suspension of an Output.
type asyncState byte

const (
	asyncNone asyncState = iota
	asyncSuspended
	asyncResumed
)

// decision is the single value stored in an Output slot.
type decision struct {
	outcome  Outcome
	timedOut bool // recorded by the deadline rather than by the handler
}

// Output is the one-shot decision slot handed to a single extension handler for a
// single event. Exactly one decisive call ever succeeds; the transition is a
// compare-and-set on slot, so a handler racing its own deadline timer produces
// exactly one recorded outcome.
type Output struct {
	slot        atomic.Pointer[decision]
	asyncCalled atomic.Bool // set by Async, or by the executor when the handler returns without suspending
	lost        atomic.Bool // a decisive call already lost to the deadline fallback
	sched       Scheduler
	fallback    Outcome     // applied by the deadline if nothing was decided
	cont        func()      // executor continuation, parked while suspended
	stop        func() bool // stops the deadline timer
	deadline    time.Time
	state       asyncState
	released    bool // the executor has been (or is being) released from this output
	mu          sync.Mutex
}

// newOutput returns a pending output which schedules deadlines on s.
func newOutput(s Scheduler) *Output {
	return &Output{
		sched: s,
	}
}

// State returns whether a decision has been recorded.
func (o *Output) State() State {
	if o.slot.Load() == nil {
		return StatePending
	}
	return StateDecided
}

// Decided returns the recorded outcome, if any.
func (o *Output) Decided() (Outcome, bool) {
	d := o.slot.Load()
	if d == nil {
		return Outcome{}, false
	}
	return d.outcome, true
}

// IsSuspended returns true if the output is waiting on an async token or its deadline.
func (o *Output) IsSuspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == asyncSuspended
}

// timedOut returns true if the recorded decision was applied by the deadline.
func (o *Output) timedOut() bool {
	d := o.slot.Load()
	return d != nil && d.timedOut
}

// decide attempts the PENDING to DECIDED transition. The first decisive call
// which loses to the deadline fallback is silently ignored; every other
// repeated call fails.
func (o *Output) decide(oc Outcome) error {
	if o.slot.CompareAndSwap(nil, &decision{outcome: oc}) {
		return nil
	}

	if o.timedOut() && o.lost.CompareAndSwap(false, true) {
		return nil
	}

	return ErrAlreadyDecided
}

// outcome returns the recorded outcome, treating an empty slot as a delegation.
func (o *Output) outcome() Outcome {
	o.slot.CompareAndSwap(nil, &decision{outcome: DelegateOutcome()})
	return o.slot.Load().outcome
}

// suspend starts the deadline timer. It may only succeed once per output.
func (o *Output) suspend(timeout time.Duration, fallback Outcome) (*AsyncToken, error) {
	if !o.asyncCalled.CompareAndSwap(false, true) {
		return nil, ErrAsyncAlreadyCalled
	}

	deadline := time.Now().Add(timeout)
	o.mu.Lock()
	o.state = asyncSuspended
	o.fallback = fallback
	o.deadline = deadline
	o.mu.Unlock()

	// the timer is started outside the lock, as a scheduler may fire it immediately.
	stop := o.sched.AfterFunc(timeout, o.expire)
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		stop()
	} else {
		o.stop = stop
		o.mu.Unlock()
	}

	return &AsyncToken{out: o, deadline: deadline}, nil
}

// seal marks the output as synchronous once its handler has returned. It reports
// false if the handler suspended the output instead.
func (o *Output) seal() bool {
	return o.asyncCalled.CompareAndSwap(false, true)
}

// expire is called by the deadline timer.
func (o *Output) expire() {
	o.mu.Lock()
	fallback := o.fallback
	o.mu.Unlock()

	o.slot.CompareAndSwap(nil, &decision{outcome: fallback, timedOut: true})
	o.release(true)
}

// resume is called through the async token.
func (o *Output) resume() {
	o.slot.CompareAndSwap(nil, &decision{outcome: DelegateOutcome()})
	o.release(false)
}

// release ends the suspension and runs the parked continuation, if any. Only the
// first caller has any effect.
func (o *Output) release(byTimer bool) bool {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return false
	}

	o.released = true
	o.state = asyncResumed
	cont, stop := o.cont, o.stop
	o.cont = nil
	o.mu.Unlock()

	if !byTimer && stop != nil {
		stop()
	}

	if cont != nil {
		cont()
	}

	return true
}

// park stores the executor continuation for a suspended output. It returns true
// if the output was already released, in which case the caller continues inline.
func (o *Output) park(cont func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return true
	}

	o.cont = cont
	return false
}

// abandon closes the output after its handler faulted. Later resumes and timer
// fires are no-ops and later decisive calls fail.
func (o *Output) abandon(oc Outcome) {
	o.asyncCalled.Store(true)
	o.slot.CompareAndSwap(nil, &decision{outcome: oc})

	o.mu.Lock()
	o.released = true
	o.state = asyncResumed
	o.cont = nil
	stop := o.stop
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
}
