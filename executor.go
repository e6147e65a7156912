// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Domain identifies the kind of decision a chain resolves.
type Domain byte

const (
	DomainAuthentication Domain = iota
	DomainPublish
	DomainSubscription
)

// String returns the readable name of a domain.
func (d Domain) String() string {
	switch d {
	case DomainAuthentication:
		return "authentication"
	case DomainPublish:
		return "publish-authorization"
	case DomainSubscription:
		return "subscription-authorization"
	default:
		return "unknown"
	}
}

// Resolution describes the final outcome of a decision chain and how it was reached.
type Resolution struct {
	Started   time.Time      // when the chain started
	Resolved  time.Time      // when the final outcome was reached
	Extension Option[string] // the id of the deciding extension; empty if the domain default decided
	ID        string         // a unique id for the event
	Outcome   Outcome        // the final outcome
	Domain    Domain         // the decision domain
	TimedOut  bool           // the deciding outcome was applied by an async deadline
	Faulted   bool           // the deciding extension handler panicked
	Defaulted bool           // no extension decided and the domain default was applied
}

// policy holds the domain-specific outcomes used by the executor.
type policy struct {
	fault     func() Outcome // the safe-failure outcome for a faulting handler
	exhausted func() Outcome // the default applied when every extension delegated
	domain    Domain
}

// executor walks decision chains.
type executor struct {
	log       *slog.Logger
	tracer    trace.Tracer
	scheduler Scheduler
}

// resolve walks the steps for a single event until one of them reaches a final
// outcome, or applies the domain default. done is called exactly once, after the
// chain is fully resolved. resolve returns as soon as the chain finishes or the
// first handler suspends; the remainder of the chain then runs on the goroutine
// which resumes the handler (or on the deadline timer).
func (e *executor) resolve(ctx context.Context, steps []step, pol policy, attrs []attribute.KeyValue, done func(Resolution)) {
	w := &walk{
		e:     e,
		steps: steps,
		pol:   pol,
		done:  done,
		res: Resolution{
			ID:      xid.New().String(),
			Domain:  pol.domain,
			Started: time.Now(),
		},
	}

	_, w.span = e.tracer.Start(ctx, "extension.chain."+pol.domain.String(),
		trace.WithAttributes(append(attrs,
			attribute.String("extension.chain.id", w.res.ID),
			attribute.Int("extension.chain.length", len(steps)),
		)...),
	)

	w.log = e.log.With("chain", w.res.ID, "domain", pol.domain.String())
	w.run()
}

// walk is the state of a single chain resolution.
type walk struct {
	e     *executor
	log   *slog.Logger
	span  trace.Span
	steps []step
	pol   policy
	done  func(Resolution)
	res   Resolution
	pos   int
	once  sync.Once
}

// run invokes handlers from the current position.
func (w *walk) run() {
	for w.pos < len(w.steps) {
		st := w.steps[w.pos]
		out := newOutput(w.e.scheduler)

		if err := w.invoke(st, out); err != nil {
			oc := w.pol.fault()
			out.abandon(oc)
			w.log.Error("extension handler fault", "error", err, "extension", st.handle.ID)
			w.span.RecordError(err)
			w.res.Faulted = true
			w.finish(Some(st.handle.ID), oc)
			return
		}

		if !out.seal() && !out.park(func() { w.resume(out, st.handle) }) {
			w.log.Debug("extension suspended decision", "extension", st.handle.ID)
			return
		}

		if w.settle(out, st.handle) {
			return
		}
	}

	w.res.Defaulted = true
	w.finish(None[string](), w.pol.exhausted())
}

// resume continues the chain after a suspended output is released.
func (w *walk) resume(out *Output, h ExtensionHandle) {
	if w.settle(out, h) {
		return
	}
	w.run()
}

// settle inspects the outcome of the handler at the current position. It returns
// true if the chain is finished.
func (w *walk) settle(out *Output, h ExtensionHandle) bool {
	oc := out.outcome()
	if out.timedOut() {
		w.log.Debug("extension decision timed out", "extension", h.ID, "verdict", oc.Verdict.String())
	}

	if !oc.Verdict.IsFinal() {
		w.pos++
		return false
	}

	w.res.TimedOut = out.timedOut()
	w.finish(Some(h.ID), oc)
	return true
}

// invoke calls a handler, recovering any panic as a handler fault.
func (w *walk) invoke(st step, out *Output) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerFault, st.handle.ID, r)
		}
	}()

	st.call(out)
	return nil
}

// finish records the final outcome and realizes it exactly once.
func (w *walk) finish(ext Option[string], oc Outcome) {
	w.once.Do(func() {
		w.res.Outcome = oc
		w.res.Extension = ext
		w.res.Resolved = time.Now()

		id, _ := ext.Get()
		w.span.SetAttributes(
			attribute.String("extension.verdict", oc.Verdict.String()),
			attribute.Int("extension.reason_code", int(oc.Code.Code)),
			attribute.String("extension.decided_by", id),
			attribute.Bool("extension.timed_out", w.res.TimedOut),
			attribute.Bool("extension.defaulted", w.res.Defaulted),
		)
		if w.res.Faulted {
			w.span.SetStatus(codes.Error, "extension handler fault")
		}
		w.span.End()

		w.log.Debug("decision chain resolved",
			"verdict", oc.Verdict.String(),
			"code", oc.Code.Code,
			"extension", id,
			"defaulted", w.res.Defaulted,
			"elapsed", w.res.Resolved.Sub(w.res.Started))

		w.done(w.res)
	})
}
