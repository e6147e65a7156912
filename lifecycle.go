// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"github.com/mochi-mqtt/extension/packets"
)

// LifecycleKind is the kind of a client lifecycle event.
type LifecycleKind byte

const (
	LifecycleConnectionStart LifecycleKind = iota
	LifecycleAuthenticationSuccessful
	LifecycleAuthenticationFailed
	LifecycleClientInitiatedDisconnect
	LifecycleConnectionLost
	LifecycleServerInitiatedDisconnect
)

// String returns the readable name of a lifecycle kind.
func (k LifecycleKind) String() string {
	switch k {
	case LifecycleConnectionStart:
		return "connection-start"
	case LifecycleAuthenticationSuccessful:
		return "authentication-successful"
	case LifecycleAuthenticationFailed:
		return "authentication-failed"
	case LifecycleClientInitiatedDisconnect:
		return "client-initiated-disconnect"
	case LifecycleConnectionLost:
		return "connection-lost"
	case LifecycleServerInitiatedDisconnect:
		return "server-initiated-disconnect"
	default:
		return "unknown"
	}
}

// IsDisconnect returns true for every kind which ends a connection. Handlers which
// do not care why a client went away can branch on this alone.
func (k LifecycleKind) IsDisconnect() bool {
	switch k {
	case LifecycleAuthenticationFailed,
		LifecycleClientInitiatedDisconnect,
		LifecycleConnectionLost,
		LifecycleServerInitiatedDisconnect:
		return true
	}

	return false
}

// LifecycleEvent is a single client lifecycle event.
type LifecycleEvent struct {
	Reason Option[string] // the reason string of the event, if any
	Client ClientInfo     // the client the event concerns
	Code   packets.Code   // the reason code of the event, if any
	Kind   LifecycleKind  // the kind of event
}

// Decision is the resolution of one decision chain, passed to extensions which
// observe decisions once they are final.
type Decision struct {
	Client  ClientInfo // the client which triggered the event
	Subject string     // the username, topic, or filter the decision concerns
	Resolution
}
