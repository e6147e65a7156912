// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"log/slog"
)

// ClientInfo contains the identity and connection metadata of the client which
// triggered an event. It is supplied by the broker.
type ClientInfo struct {
	ID              string `json:"id"`              // the client id
	Username        []byte `json:"username"`        // the username of the client, if any
	Remote          string `json:"remote"`          // the remote address of the client
	Listener        string `json:"listener"`        // the listener the client connected on
	ProtocolVersion byte   `json:"protocolVersion"` // mqtt protocol version of the client
}

// LogValue implements slog.LogValuer.
func (c ClientInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("username", string(c.Username)),
		slog.String("remote", c.Remote),
		slog.String("listener", c.Listener),
		slog.Int("protocol", int(c.ProtocolVersion)),
	)
}
