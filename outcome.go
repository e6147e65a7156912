// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"unicode/utf8"

	"github.com/mochi-mqtt/extension/packets"
)

// Verdict is the tag of an Outcome.
type Verdict byte

const (
	VerdictUndecided  Verdict = iota // no decision has been recorded
	VerdictSuccess                   // the client is authenticated or the action is authorized
	VerdictFail                      // authentication or authorization failed
	VerdictDisconnect                // the client is to be disconnected
	VerdictDelegate                  // the next extension, or the domain default, decides
)

// String returns the readable name of a verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictFail:
		return "fail"
	case VerdictDisconnect:
		return "disconnect"
	case VerdictDelegate:
		return "delegate"
	default:
		return "undecided"
	}
}

// IsFinal returns true if the verdict ends a decision chain.
func (v Verdict) IsFinal() bool {
	return v == VerdictSuccess || v == VerdictFail || v == VerdictDisconnect
}

// Outcome is the decision recorded by one extension, or the final decision for an event.
type Outcome struct {
	Reason        Option[string] // the reason string; empty lets the protocol layer decide
	Code          packets.Code   // the reason code for the packet realizing the outcome
	Verdict       Verdict        // the kind of outcome
	ClearPassword bool           // authentication only; clear the password once authenticated
}

// SuccessOutcome returns a success outcome with the given code.
func SuccessOutcome(code packets.Code) Outcome {
	return Outcome{Verdict: VerdictSuccess, Code: code}
}

// FailOutcome returns a failure outcome.
func FailOutcome(code packets.Code, reason Option[string]) Outcome {
	return Outcome{Verdict: VerdictFail, Code: code, Reason: reason}
}

// DisconnectOutcome returns an outcome which disconnects the client.
func DisconnectOutcome(code packets.Code, reason Option[string]) Outcome {
	return Outcome{Verdict: VerdictDisconnect, Code: code, Reason: reason}
}

// DelegateOutcome returns an outcome which passes the decision on.
func DelegateOutcome() Outcome {
	return Outcome{Verdict: VerdictDelegate}
}

// ReasonString returns the reason string of the outcome, or "" if none was set.
func (o Outcome) ReasonString() string {
	return o.Reason.OrElse("")
}

// maxReasonStringLength is the largest utf-8 string which can be encoded in a packet property.
const maxReasonStringLength = 65535

// validateReasonString returns an error if a reason string cannot be sent to a client.
func validateReasonString(r string) error {
	if len(r) > maxReasonStringLength || !utf8.ValidString(r) {
		return ErrInvalidReasonString
	}

	return nil
}

// validateFailCode returns an error if code is not an error code within the set.
func validateFailCode(set packets.CodeSet, code packets.Code) error {
	if !code.IsError() || !set.Contains(code) {
		return ErrInvalidReasonCode
	}

	return nil
}
