// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

const (
	authFailedReason   = "Authentication failed"
	authTimedOutReason = "Authentication failed, authenticator timed out"
)

// ConnectInput contains the values of a CONNECT packet to be authenticated.
type ConnectInput struct {
	Client               ClientInfo // the connecting client
	Password             []byte     // the password of the client, if any
	AuthenticationMethod string     // mqtt v5 enhanced authentication method
	AuthenticationData   []byte     // mqtt v5 enhanced authentication data
	KeepAlive            uint16     // the keepalive requested by the client
	Clean                bool       // the client requested a clean start
}

// AuthOutput is the decision slot of one authenticator for one CONNECT.
type AuthOutput struct {
	*Output
	caps  *Capabilities
	perms *permissions.Permissions
}

// AuthenticateSuccessfully authenticates the client. No further authenticators are called.
func (a *AuthOutput) AuthenticateSuccessfully() error {
	return a.decide(SuccessOutcome(packets.CodeSuccess))
}

// AuthenticateSuccessfullyAndClearPassword authenticates the client and indicates
// that the broker should drop the password from its copy of the CONNECT.
func (a *AuthOutput) AuthenticateSuccessfullyAndClearPassword() error {
	oc := SuccessOutcome(packets.CodeSuccess)
	oc.ClearPassword = true
	return a.decide(oc)
}

// FailAuthentication fails the authentication with NOT_AUTHORIZED.
func (a *AuthOutput) FailAuthentication() error {
	return a.decide(FailOutcome(packets.ErrNotAuthorized, Some(authFailedReason)))
}

// FailAuthenticationCode fails the authentication with a CONNACK error code.
func (a *AuthOutput) FailAuthenticationCode(code packets.Code) error {
	if err := validateFailCode(packets.ConnackCodes, code); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(authFailedReason)))
}

// FailAuthenticationReason fails the authentication with a CONNACK error code and reason string.
func (a *AuthOutput) FailAuthenticationReason(code packets.Code, reason string) error {
	if err := validateFailCode(packets.ConnackCodes, code); err != nil {
		return err
	}

	if err := validateReasonString(reason); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(reason)))
}

// NextExtensionOrDefault passes the decision to the next authenticator.
func (a *AuthOutput) NextExtensionOrDefault() error {
	return a.decide(DelegateOutcome())
}

// DefaultPermissions returns the default permissions of the connecting client,
// which are shared by every authenticator in the chain.
func (a *AuthOutput) DefaultPermissions() *permissions.Permissions {
	return a.perms
}

// Async suspends the output until the returned token is resumed, or the timeout
// elapses and the fallback is applied.
func (a *AuthOutput) Async(opts AsyncOptions) (*AsyncToken, error) {
	if err := validateAsync(a.caps, opts); err != nil {
		return nil, err
	}

	if c, ok := opts.Code.Get(); ok {
		if err := validateFailCode(packets.ConnackCodes, c); err != nil {
			return nil, err
		}
	}

	fallback := DelegateOutcome()
	if opts.Fallback == FallbackFailure {
		fallback = FailOutcome(
			opts.Code.OrElse(packets.ErrNotAuthorized),
			Some(opts.Reason.OrElse(authTimedOutReason)),
		)
	}

	return a.suspend(opts.Timeout, fallback)
}

// AuthResult is the resolved authentication of a CONNECT.
type AuthResult struct {
	Resolution
	Permissions *permissions.Permissions // a snapshot of the client's default permissions
	obscure     bool
}

// Authenticated returns true if the client may connect.
func (r AuthResult) Authenticated() bool {
	return r.Outcome.Verdict == VerdictSuccess
}

// ClearPassword returns true if the authenticator asked for the password to be dropped.
func (r AuthResult) ClearPassword() bool {
	return r.Authenticated() && r.Outcome.ClearPassword
}

// ConnackCode returns the reason code to send in the CONNACK for a protocol version.
func (r AuthResult) ConnackCode(version byte) packets.Code {
	code := packets.CodeSuccess
	if !r.Authenticated() {
		code = obscureCode(r.Outcome.Code, r.obscure)
	}

	if version < packets.Version5 {
		return packets.V3ConnackCode(code)
	}

	return code
}

// ReasonString returns the reason string to send in the CONNACK.
func (r AuthResult) ReasonString() string {
	if r.Authenticated() {
		return ""
	}

	return r.Outcome.ReasonString()
}

// obscureCode replaces NOT_AUTHORIZED with UNSPECIFIED_ERROR if the compatibility flag is set.
func obscureCode(c packets.Code, obscure bool) packets.Code {
	if obscure && c.Code == packets.ErrNotAuthorized.Code {
		return packets.ErrUnspecifiedError
	}

	return c
}

var authPolicy = policy{
	domain: DomainAuthentication,
	fault: func() Outcome {
		return FailOutcome(packets.ErrNotAuthorized, Some(authFailedReason))
	},
	exhausted: func() Outcome {
		return FailOutcome(packets.ErrNotAuthorized, Some(authFailedReason))
	},
}

// Authenticate resolves the authentication chain for a CONNECT, blocking until
// every suspended authenticator has resumed or timed out.
func (p *Pipeline) Authenticate(ctx context.Context, in *ConnectInput) AuthResult {
	ch := make(chan AuthResult, 1)
	p.authenticate(ctx, in, func(r AuthResult) {
		ch <- r
	})
	return <-ch
}

// AuthenticateFunc resolves the authentication chain for a CONNECT and passes
// the result to fn on a dispatch worker. fn is called exactly once.
func (p *Pipeline) AuthenticateFunc(ctx context.Context, in *ConnectInput, fn func(AuthResult)) {
	p.authenticate(ctx, in, func(r AuthResult) {
		p.dispatch(func() {
			fn(r)
		})
	})
}

func (p *Pipeline) authenticate(ctx context.Context, in *ConnectInput, done func(AuthResult)) {
	perms := permissions.New()
	caps := p.Options.Capabilities
	steps := bind(p.Extensions.Chain(OnAuthenticate), func(ext Extension, out *Output) {
		ext.OnAuthenticate(in, &AuthOutput{Output: out, caps: caps, perms: perms})
	})

	attrs := []attribute.KeyValue{
		attribute.String("mqtt.client_id", in.Client.ID),
		attribute.String("mqtt.username", string(in.Client.Username)),
	}

	p.exec.resolve(ctx, steps, authPolicy, attrs, func(res Resolution) {
		r := AuthResult{
			Resolution:  res,
			Permissions: perms.Clone(),
			obscure:     caps.Compatibilities.ObscureNotAuthorized,
		}

		p.decided(Decision{Resolution: res, Client: in.Client, Subject: string(in.Client.Username)})

		kind := LifecycleAuthenticationFailed
		if r.Authenticated() {
			kind = LifecycleAuthenticationSuccessful
		}
		p.Notify(LifecycleEvent{
			Kind:   kind,
			Client: in.Client,
			Code:   r.ConnackCode(packets.Version5),
			Reason: r.Outcome.Reason,
		})

		done(r)
	})
}
