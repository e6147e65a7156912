// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package audit provides the storable record of a resolved decision, shared by
// the extensions which persist decisions to a database.
package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mochi-mqtt/extension"
)

const (
	RecordKey = "AUD" // unique key to denote decision records in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")

	// ErrKeyNotFound indicates that no record exists for a key.
	ErrKeyNotFound = errors.New("key not found")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Key returns the primary key of a record. Decision ids sort by creation time,
// so records iterate in the order their chains started.
func Key(id string) string {
	return RecordKey + "_" + id
}

// Record is a storable representation of a resolved decision.
type Record struct {
	Started         time.Time `json:"started"`             // when the decision chain started
	Resolved        time.Time `json:"resolved"`            // when the final outcome was reached
	Username        []byte    `json:"username,omitempty"`  // the username of the client
	ID              string    `json:"id"`                  // the decision id / storage key
	T               string    `json:"t"`                   // the data type (decision)
	Domain          string    `json:"domain"`              // authentication, publish-authorization, or subscription-authorization
	Verdict         string    `json:"verdict"`             // the final verdict
	Reason          string    `json:"reason,omitempty"`    // the reason string of the outcome
	Extension       string    `json:"extension,omitempty"` // the deciding extension; empty if the default decided
	Client          string    `json:"client"`              // the client id
	Remote          string    `json:"remote"`              // the remote address of the client
	Listener        string    `json:"listener"`            // the listener the client connected on
	Subject         string    `json:"subject"`             // the username, topic, or filter the decision concerns
	Code            byte      `json:"code"`                // the reason code of the outcome
	ProtocolVersion byte      `json:"protocolVersion"`     // mqtt protocol version of the client
	TimedOut        bool      `json:"timedOut,omitempty"`  // the outcome was applied by an async deadline
	Faulted         bool      `json:"faulted,omitempty"`   // the deciding extension panicked
	Defaulted       bool      `json:"defaulted,omitempty"` // the domain default decided
}

// FromDecision returns the record of a resolved decision.
func FromDecision(d extension.Decision) Record {
	return Record{
		ID:              d.ID,
		T:               RecordKey,
		Started:         d.Started,
		Resolved:        d.Resolved,
		Domain:          d.Domain.String(),
		Verdict:         d.Outcome.Verdict.String(),
		Reason:          d.Outcome.ReasonString(),
		Code:            d.Outcome.Code.Code,
		Extension:       d.Extension.OrElse(""),
		Client:          d.Client.ID,
		Username:        d.Client.Username,
		Remote:          d.Client.Remote,
		Listener:        d.Client.Listener,
		ProtocolVersion: d.Client.ProtocolVersion,
		Subject:         d.Subject,
		TimedOut:        d.TimedOut,
		Faulted:         d.Faulted,
		Defaulted:       d.Defaulted,
	}
}

// MarshalBinary encodes the values into a json string.
func (d Record) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Record) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Filter selects records. Empty fields match any value.
type Filter struct {
	Client  string `yaml:"client" json:"client"`
	Domain  string `yaml:"domain" json:"domain"`
	Verdict string `yaml:"verdict" json:"verdict"`
}

// Matches returns true if the record is selected by the filter.
func (f Filter) Matches(r Record) bool {
	if f.Client != "" && f.Client != r.Client {
		return false
	}

	if f.Domain != "" && f.Domain != r.Domain {
		return false
	}

	if f.Verdict != "" && f.Verdict != r.Verdict {
		return false
	}

	return true
}

// Dispatch runs fn on the extension worker of the client, so the records of one
// client are written in the order they were decided. fn runs inline if there is
// no worker pool or it has been closed.
func Dispatch(opts *extension.ExtensionOptions, client string, fn func()) {
	if opts != nil && opts.Pool != nil && opts.Pool.Enqueue(client, fn) {
		return
	}

	fn()
}
