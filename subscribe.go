// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

// reasonSeparator joins the reason strings of failed sibling subscriptions.
const reasonSeparator = ", "

// SubscribeInput contains the values of a SUBSCRIBE packet to be authorized.
type SubscribeInput struct {
	Client        ClientInfo               // the subscribing client
	Permissions   *permissions.Permissions // the default permissions established when the client authenticated
	Subscriptions []packets.Subscription   // the subscriptions carried in the packet, in packet order
	PacketID      uint16                   // the packet id of the SUBSCRIBE
}

// SubscriptionInput contains a single subscription of a SUBSCRIBE packet.
type SubscriptionInput struct {
	Client       ClientInfo
	Permissions  *permissions.Permissions
	Subscription packets.Subscription
	Index        int // the position of the subscription within the packet
}

// notAuthorizedReason returns the default reason string for a denied subscription.
func (in *SubscriptionInput) notAuthorizedReason() string {
	return fmt.Sprintf("Not authorized to subscribe to topic filter '%s' with QoS '%d'", in.Subscription.Filter, in.Subscription.Qos)
}

// grantedCode returns the SUBACK code for an authorized subscription.
func (in *SubscriptionInput) grantedCode() packets.Code {
	if c, ok := packets.QosCodes[in.Subscription.Qos]; ok {
		return c
	}

	return packets.CodeGrantedQos2
}

// SubscriptionOutput is the decision slot of one authorizer for one subscription.
type SubscriptionOutput struct {
	*Output
	caps *Capabilities
	in   *SubscriptionInput
}

// AuthorizeSuccessfully grants the subscription at its requested qos.
func (a *SubscriptionOutput) AuthorizeSuccessfully() error {
	return a.decide(SuccessOutcome(a.in.grantedCode()))
}

// FailAuthorization denies the subscription with NOT_AUTHORIZED.
func (a *SubscriptionOutput) FailAuthorization() error {
	return a.decide(FailOutcome(packets.ErrNotAuthorized, Some(a.in.notAuthorizedReason())))
}

// FailAuthorizationCode denies the subscription with a SUBACK error code.
func (a *SubscriptionOutput) FailAuthorizationCode(code packets.Code) error {
	if err := validateFailCode(packets.SubackCodes, code); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(a.in.notAuthorizedReason())))
}

// FailAuthorizationReason denies the subscription with a SUBACK error code and reason string.
func (a *SubscriptionOutput) FailAuthorizationReason(code packets.Code, reason string) error {
	if err := validateFailCode(packets.SubackCodes, code); err != nil {
		return err
	}

	if err := validateReasonString(reason); err != nil {
		return err
	}

	return a.decide(FailOutcome(code, Some(reason)))
}

// DisconnectClient disconnects the subscribing client with NOT_AUTHORIZED. Every
// subscription of the packet is discarded.
func (a *SubscriptionOutput) DisconnectClient() error {
	return a.decide(DisconnectOutcome(packets.ErrNotAuthorized, Some(a.in.notAuthorizedReason())))
}

// DisconnectClientCode disconnects the subscribing client with a DISCONNECT error code.
func (a *SubscriptionOutput) DisconnectClientCode(code packets.Code) error {
	if err := validateFailCode(packets.DisconnectCodes, code); err != nil {
		return err
	}

	return a.decide(DisconnectOutcome(code, Some(a.in.notAuthorizedReason())))
}

// DisconnectClientReason disconnects the subscribing client with a DISCONNECT error code and reason string.
func (a *SubscriptionOutput) DisconnectClientReason(code packets.Code, reason string) error {
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
func (a *SubscriptionOutput) NextExtensionOrDefault() error {
	return a.decide(DelegateOutcome())
}

// Async suspends the output until the returned token is resumed, or the timeout
// elapses and the fallback is applied.
func (a *SubscriptionOutput) Async(opts AsyncOptions) (*AsyncToken, error) {
	if err := validateAsync(a.caps, opts); err != nil {
		return nil, err
	}

	if c, ok := opts.Code.Get(); ok {
		if err := validateFailCode(packets.SubackCodes, c); err != nil {
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

// SubscribeResult is the resolved authorization of every subscription in a SUBSCRIBE.
type SubscribeResult struct {
	Subscriptions []Resolution    // the resolution of each subscription, in packet order
	Codes         []packets.Code  // the SUBACK codes, in packet order; empty if the client is disconnected
	Reason        Option[string]  // the combined reason string of the failed subscriptions
	Disconnect    Option[Outcome] // set if any subscription resolved to a disconnect
	obscure       bool
}

// ShouldDisconnect returns true if the client must be disconnected instead of
// receiving a SUBACK.
func (r SubscribeResult) ShouldDisconnect() bool {
	return r.Disconnect.IsSet()
}

// DisconnectCode returns the reason code for the DISCONNECT sent to the client.
func (r SubscribeResult) DisconnectCode() packets.Code {
	oc, ok := r.Disconnect.Get()
	if !ok {
		return packets.CodeDisconnect
	}

	return obscureCode(oc.Code, r.obscure)
}

// ReasonString returns the reason string for the SUBACK or DISCONNECT.
func (r SubscribeResult) ReasonString() string {
	return r.Reason.OrElse("")
}

// SubackCodes returns the SUBACK reason code bytes for a protocol version.
func (r SubscribeResult) SubackCodes(version byte) []byte {
	if r.ShouldDisconnect() {
		return nil
	}

	b := make([]byte, len(r.Codes))
	for i, c := range r.Codes {
		c = obscureCode(c, r.obscure)
		if version < packets.Version5 {
			c = packets.V3SubackCode(c)
		}
		b[i] = c.Code
	}

	return b
}

// combineSubscriptions builds the result of a SUBSCRIBE from the resolution of
// each subscription. A disconnect voids every subscription, otherwise the reason
// strings of failed subscriptions are joined into one.
func combineSubscriptions(res []Resolution, obscure bool) SubscribeResult {
	r := SubscribeResult{
		Subscriptions: res,
		obscure:       obscure,
	}

	for _, s := range res {
		if s.Outcome.Verdict == VerdictDisconnect {
			r.Disconnect = Some(s.Outcome)
			r.Reason = s.Outcome.Reason
			return r
		}
	}

	reasons := make([]string, 0, len(res))
	r.Codes = make([]packets.Code, len(res))
	for i, s := range res {
		r.Codes[i] = s.Outcome.Code
		if s.Outcome.Verdict != VerdictFail {
			continue
		}

		if reason, ok := s.Outcome.Reason.Get(); ok && reason != "" {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		r.Reason = Some(strings.Join(reasons, reasonSeparator))
	}

	return r
}

// subscriptionPolicy returns the default outcomes for a subscription.
func subscriptionPolicy(in *SubscriptionInput) policy {
	return policy{
		domain: DomainSubscription,
		fault: func() Outcome {
			return FailOutcome(packets.ErrNotAuthorized, Some(in.notAuthorizedReason()))
		},
		exhausted: func() Outcome {
			if in.Permissions.AuthorizeSubscription(in.Subscription) {
				return SuccessOutcome(in.grantedCode())
			}
			return FailOutcome(packets.ErrNotAuthorized, Some(in.notAuthorizedReason()))
		},
	}
}

// AuthorizeSubscribe resolves the authorization chain of every subscription in a
// SUBSCRIBE, blocking until all of them are resolved. The chains of sibling
// subscriptions run concurrently.
func (p *Pipeline) AuthorizeSubscribe(ctx context.Context, in *SubscribeInput) SubscribeResult {
	res := make([]Resolution, len(in.Subscriptions))

	g := new(errgroup.Group)
	if n := p.Options.Capabilities.MaximumConcurrentSubscriptionChecks; n > 0 {
		g.SetLimit(n)
	}
	for i, sub := range in.Subscriptions {
		g.Go(func() error {
			ch := make(chan Resolution, 1)
			p.authorizeSubscription(ctx, &SubscriptionInput{
				Client:       in.Client,
				Permissions:  in.Permissions,
				Subscription: sub,
				Index:        i,
			}, func(r Resolution) {
				ch <- r
			})
			res[i] = <-ch
			return nil
		})
	}
	_ = g.Wait()

	r := combineSubscriptions(res, p.Options.Capabilities.Compatibilities.ObscureNotAuthorized)
	if r.ShouldDisconnect() {
		p.Notify(LifecycleEvent{
			Kind:   LifecycleServerInitiatedDisconnect,
			Client: in.Client,
			Code:   r.DisconnectCode(),
			Reason: r.Reason,
		})
	}

	return r
}

// AuthorizeSubscribeFunc resolves a SUBSCRIBE in the background and passes the
// result to fn on a dispatch worker. fn is called exactly once.
func (p *Pipeline) AuthorizeSubscribeFunc(ctx context.Context, in *SubscribeInput, fn func(SubscribeResult)) {
	go func() {
		r := p.AuthorizeSubscribe(ctx, in)
		p.dispatch(func() {
			fn(r)
		})
	}()
}

func (p *Pipeline) authorizeSubscription(ctx context.Context, in *SubscriptionInput, done func(Resolution)) {
	caps := p.Options.Capabilities
	steps := bind(p.Extensions.Chain(OnAuthorizeSubscription), func(ext Extension, out *Output) {
		ext.OnAuthorizeSubscription(in, &SubscriptionOutput{Output: out, caps: caps, in: in})
	})

	attrs := []attribute.KeyValue{
		attribute.String("mqtt.client_id", in.Client.ID),
		attribute.String("mqtt.filter", in.Subscription.Filter),
		attribute.Int("mqtt.qos", int(in.Subscription.Qos)),
		attribute.Int("mqtt.subscription_index", in.Index),
	}

	p.exec.resolve(ctx, steps, subscriptionPolicy(in), attrs, func(res Resolution) {
		p.decided(Decision{Resolution: res, Client: in.Client, Subject: in.Subscription.Filter})
		done(res)
	})
}
