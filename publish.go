// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

// PublishInput contains the values of a PUBLISH packet to be authorized.
type PublishInput struct {
	Client      ClientInfo               // the publishing client
	Permissions *permissions.Permissions // the default permissions established when the client authenticated
	Topic       string                   // the topic name of the publish
	Payload     []byte                   // the message payload
	Qos         byte                     // the qos of the publish
	Retain      bool                     // the retain flag of the publish
}

// notAuthorizedReason returns the default reason string for a denied publish.
func (in *PublishInput) notAuthorizedReason() string {
	return fmt.Sprintf("Not authorized to publish on topic '%s' with QoS '%d' and retain '%t'", in.Topic, in.Qos, in.Retain)
}

// PublishOutput is the decision slot of one authorizer for one PUBLISH.
type PublishOutput struct {
	*Output
	caps *Capabilities
	in   *PublishInput
}

// AuthorizeSuccessfully authorizes the publish. Default permissions are not consulted.
func (a *PublishOutput) AuthorizeSuccessfully() error {
	return a.decide(SuccessOutcome(packets.CodeSuccess))
}

// FailAuthorization denies the publish with NOT_AUTHORIZED.
func (a *PublishOutput) FailAuthorization() error {
	return a.decide(FailOutcome(packets.ErrNotAuthorized, Some(a.in.notAuthorizedReason())))
}

// FailAuthorizationCode denies the publish with a PUBACK/PUBREC error code.
func (a *PublishOutput) FailAuthorizationCode(code packets.Code) error {
	if err := validateFailCode(packets.AckCodes, code); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(a.in.notAuthorizedReason())))
}

// FailAuthorizationReason denies the publish with a PUBACK/PUBREC error code and reason string.
func (a *PublishOutput) FailAuthorizationReason(code packets.Code, reason string) error {
	if err := validateFailCode(packets.AckCodes, code); err != nil {
		return err
	}

	if err := validateReasonString(reason); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(reason)))
}

// DisconnectClient disconnects the publishing client with NOT_AUTHORIZED.
func (a *PublishOutput) DisconnectClient() error {
	return a.decide(DisconnectOutcome(packets.ErrNotAuthorized, Some(a.in.notAuthorizedReason())))
}

// DisconnectClientCode disconnects the publishing client with a DISCONNECT error code.
func (a *PublishOutput) DisconnectClientCode(code packets.Code) error {
	if err := validateFailCode(packets.DisconnectCodes, code); err != nil {
		return err
	}

	return a.decide(DisconnectOutcome(code, Some(a.in.notAuthorizedReason())))
}

// DisconnectClientReason disconnects the publishing client with a DISCONNECT error code and reason string.
func (a *PublishOutput) DisconnectClientReason(code packets.Code, reason string) error {
	if err := validateFailCode(packets.DisconnectCodes, code); err != nil {
		return err
	}

	if err := validateReasonString(reason); err != nil {
		return err
	}

	return a.decide(DisconnectOutcome(code, Some(reason)))
}

// NextExtensionOrDefault passes the decision to the next authorizer, or to the
// default permissions if none remain.
func (a *PublishOutput) NextExtensionOrDefault() error {
	return a.decide(DelegateOutcome())
}

// Async suspends the output until the returned token is resumed, or the timeout
// elapses and the fallback is applied.
func (a *PublishOutput) Async(opts AsyncOptions) (*AsyncToken, error) {
	if err := validateAsync(a.caps, opts); err != nil {
		return nil, err
	}

	if c, ok := opts.Code.Get(); ok {
		if err := validateFailCode(packets.AckCodes, c); err != nil {
			return nil, err
		}
	}

	fallback := DelegateOutcome()
	if opts.Fallback == FallbackFailure {
		fallback = FailOutcome(
			opts.Code.OrElse(packets.ErrNotAuthorized),
			Some(opts.Reason.OrElse(a.in.notAuthorizedReason())),
		)
	}

	return a.suspend(opts.Timeout, fallback)
}

// PublishResult is the resolved authorization of a PUBLISH.
type PublishResult struct {
	Resolution
	obscure bool
}

// Authorized returns true if the publish may be processed.
func (r PublishResult) Authorized() bool {
	return r.Outcome.Verdict == VerdictSuccess
}

// AckCode returns the reason code for the PUBACK or PUBREC of a qos > 0 publish.
// A disconnected client receives no acknowledgement.
func (r PublishResult) AckCode() packets.Code {
	if r.Authorized() {
		return packets.CodeSuccess
	}

	return obscureCode(r.Outcome.Code, r.obscure)
}

// ShouldDisconnect returns true if the client must be disconnected. A denied
// publish closes the connection after the acknowledgement is sent.
func (r PublishResult) ShouldDisconnect() bool {
	return !r.Authorized()
}

// DisconnectCode returns the reason code for the DISCONNECT sent to the client.
func (r PublishResult) DisconnectCode() packets.Code {
	if r.Outcome.Verdict == VerdictDisconnect {
		return obscureCode(r.Outcome.Code, r.obscure)
	}

	return obscureCode(packets.ErrNotAuthorized, r.obscure)
}

// ReasonString returns the reason string of a denied publish.
func (r PublishResult) ReasonString() string {
	if r.Authorized() {
		return ""
	}

	return r.Outcome.ReasonString()
}

// publishPolicy returns the default outcomes for a publish.
func publishPolicy(in *PublishInput) policy {
	return policy{
		domain: DomainPublish,
		fault: func() Outcome {
			return FailOutcome(packets.ErrNotAuthorized, Some(in.notAuthorizedReason()))
		},
		exhausted: func() Outcome {
			if in.Permissions.AuthorizePublish(in.Topic, in.Qos, in.Retain) {
				return SuccessOutcome(packets.CodeSuccess)
			}
			return FailOutcome(packets.ErrNotAuthorized, Some(in.notAuthorizedReason()))
		},
	}
}

// AuthorizePublish resolves the authorization chain for a PUBLISH, blocking until
// every suspended authorizer has resumed or timed out.
func (p *Pipeline) AuthorizePublish(ctx context.Context, in *PublishInput) PublishResult {
	ch := make(chan PublishResult, 1)
	p.authorizePublish(ctx, in, func(r PublishResult) {
		ch <- r
	})
	return <-ch
}

// AuthorizePublishFunc resolves the authorization chain for a PUBLISH and passes
// the result to fn on a dispatch worker. fn is called exactly once.
func (p *Pipeline) AuthorizePublishFunc(ctx context.Context, in *PublishInput, fn func(PublishResult)) {
	p.authorizePublish(ctx, in, func(r PublishResult) {
		p.dispatch(func() {
			fn(r)
		})
	})
}

func (p *Pipeline) authorizePublish(ctx context.Context, in *PublishInput, done func(PublishResult)) {
	caps := p.Options.Capabilities
	steps := bind(p.Extensions.Chain(OnAuthorizePublish), func(ext Extension, out *Output) {
		ext.OnAuthorizePublish(in, &PublishOutput{Output: out, caps: caps, in: in})
	})

	attrs := []attribute.KeyValue{
		attribute.String("mqtt.client_id", in.Client.ID),
		attribute.String("mqtt.topic", in.Topic),
		attribute.Int("mqtt.qos", int(in.Qos)),
		attribute.Bool("mqtt.retain", in.Retain),
	}

	p.exec.resolve(ctx, steps, publishPolicy(in), attrs, func(res Resolution) {
		r := PublishResult{
			Resolution: res,
			obscure:    caps.Compatibilities.ObscureNotAuthorized,
		}

		p.decided(Decision{Resolution: res, Client: in.Client, Subject: in.Topic})
		if res.Outcome.Verdict == VerdictDisconnect {
			p.Notify(LifecycleEvent{
				Kind:   LifecycleServerInitiatedDisconnect,
				Client: in.Client,
				Code:   r.DisconnectCode(),
				Reason: res.Outcome.Reason,
			})
		}

		done(r)
	})
}
