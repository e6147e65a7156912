// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolState indicates a call which is not allowed in the current state of an output.
	ErrProtocolState = errors.New("protocol state violation")

	// ErrInvalidArgument indicates a call with a structurally invalid argument. No state was changed.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrAlreadyDecided     = fmt.Errorf("%w: a decision has already been made", ErrProtocolState)
	ErrAsyncAlreadyCalled = fmt.Errorf("%w: async may only be called once", ErrProtocolState)
	ErrAlreadyResumed     = fmt.Errorf("%w: async output already resumed", ErrProtocolState)

	ErrInvalidReasonCode   = fmt.Errorf("%w: reason code", ErrInvalidArgument)
	ErrInvalidReasonString = fmt.Errorf("%w: reason string", ErrInvalidArgument)
	ErrInvalidTimeout      = fmt.Errorf("%w: async timeout", ErrInvalidArgument)
	ErrInvalidFallback     = fmt.Errorf("%w: timeout fallback", ErrInvalidArgument)

	// ErrHandlerFault wraps a panic recovered from an extension handler.
	ErrHandlerFault = errors.New("extension handler fault")

	ErrInvalidConfigType = errors.New("invalid config type provided")
	ErrExtensionExists   = errors.New("extension id already exists")
	ErrPipelineClosed    = errors.New("pipeline closed")
)
