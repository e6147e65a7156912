// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"log/slog"

	"github.com/mochi-mqtt/extension"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPayloads  bool `yaml:"show_payloads" json:"show_payloads"`   // include publish payloads (default false)
	ShowPasswords bool `yaml:"show_passwords" json:"show_passwords"` // show connecting user passwords (default false)
}

// Extension is a debugging extension which logs every decision event and
// passes every decision on.
type Extension struct {
	extension.ExtensionBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the extension.
func (h *Extension) ID() string {
	return "debug"
}

// Provides indicates that this extension provides all methods.
func (h *Extension) Provides(b byte) bool {
	return true
}

// Init is called when the extension is initialized.
func (h *Extension) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return extension.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the extension receives inheritable pipeline parameters.
func (h *Extension) SetOpts(l *slog.Logger, opts *extension.ExtensionOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the extension is stopped.
func (h *Extension) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnAuthenticate logs the CONNECT and passes the decision on.
func (h *Extension) OnAuthenticate(in *extension.ConnectInput, out *extension.AuthOutput) {
	attrs := []any{"method", "OnAuthenticate", "client", in.Client}
	if h.config.ShowPasswords {
		attrs = append(attrs, "password", string(in.Password))
	}

	h.Log.Debug("authenticate", attrs...)
	_ = out.NextExtensionOrDefault()
}

// OnAuthorizePublish logs the PUBLISH and passes the decision on.
func (h *Extension) OnAuthorizePublish(in *extension.PublishInput, out *extension.PublishOutput) {
	attrs := []any{"method", "OnAuthorizePublish", "client", in.Client, "topic", in.Topic, "qos", in.Qos, "retain", in.Retain}
	if h.config.ShowPayloads {
		attrs = append(attrs, "payload", string(in.Payload))
	}

	h.Log.Debug("authorize publish", attrs...)
	_ = out.NextExtensionOrDefault()
}

// OnAuthorizeSubscription logs the subscription and passes the decision on.
func (h *Extension) OnAuthorizeSubscription(in *extension.SubscriptionInput, out *extension.SubscriptionOutput) {
	h.Log.Debug("authorize subscription",
		"method", "OnAuthorizeSubscription",
		"client", in.Client,
		"filter", in.Subscription.Filter,
		"qos", in.Subscription.Qos,
		"index", in.Index)
	_ = out.NextExtensionOrDefault()
}

// OnLifecycleEvent logs a client lifecycle event.
func (h *Extension) OnLifecycleEvent(ev extension.LifecycleEvent) {
	h.Log.Debug("lifecycle event",
		"method", "OnLifecycleEvent",
		"kind", ev.Kind.String(),
		"client", ev.Client,
		"code", ev.Code.Code,
		"reason", ev.Reason.OrElse(""))
}

// OnDecision logs a resolved decision.
func (h *Extension) OnDecision(d extension.Decision) {
	id, _ := d.Extension.Get()
	h.Log.Debug("decision",
		"method", "OnDecision",
		"domain", d.Domain.String(),
		"client", d.Client,
		"subject", d.Subject,
		"verdict", d.Outcome.Verdict.String(),
		"code", d.Outcome.Code.Code,
		"extension", id,
		"timed_out", d.TimedOut,
		"defaulted", d.Defaulted)
}
