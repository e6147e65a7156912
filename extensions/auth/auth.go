// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

// Options contains the configuration/rules data for the auth ledger.
type Options struct {
	Data   []byte
	Ledger *Ledger
}

// Extension is an authentication and authorization extension which implements an auth ledger.
type Extension struct {
	extension.ExtensionBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the extension.
func (h *Extension) ID() string {
	return "auth-ledger"
}

// Provides indicates which methods this extension provides.
func (h *Extension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnAuthenticate,
		extension.OnAuthorizePublish,
		extension.OnAuthorizeSubscription,
	}, []byte{b})
}

// Init configures the extension with the auth ledger to be used for checking.
func (h *Extension) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return extension.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	var err error
	if h.config.Ledger != nil {
		h.ledger = h.config.Ledger
	} else if len(h.config.Data) > 0 {
		h.ledger = new(Ledger)
		err = h.ledger.Unmarshal(h.config.Data)
	}
	if err != nil {
		return err
	}

	if h.ledger == nil {
		h.ledger = &Ledger{
			Auth: AuthRules{},
			ACL:  ACLRules{},
		}
	}

	h.Log.Info("loaded auth rules",
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL))

	return nil
}

// OnAuthenticate authenticates the client if the ledger has a rule which
// provides access, fails it if a rule denies access, and otherwise passes the
// decision on. A successfully authenticated user is given their ACL as default
// permissions.
func (h *Extension) OnAuthenticate(in *extension.ConnectInput, out *extension.AuthOutput) {
	_, ok, matched := h.ledger.AuthOk(in.Client, in.Password)
	if !matched {
		_ = out.NextExtensionOrDefault()
		return
	}

	if !ok {
		h.Log.Info("client failed authentication check",
			"username", string(in.Client.Username),
			"remote", in.Client.Remote)
		_ = out.FailAuthenticationCode(packets.ErrBadUsernameOrPassword)
		return
	}

	perms := out.DefaultPermissions()
	perms.Add(h.ledger.UserACL(in.Client.Username).Permissions()...)
	perms.SetDefaultBehaviour(permissions.BehaviourAllow)
	_ = out.AuthenticateSuccessfully()
}

// OnAuthorizePublish denies a publish if the ledger ACL forbids writing to the topic.
func (h *Extension) OnAuthorizePublish(in *extension.PublishInput, out *extension.PublishOutput) {
	if _, ok := h.ledger.ACLOk(in.Client, in.Topic, true); ok {
		_ = out.NextExtensionOrDefault()
		return
	}

	h.Log.Debug("client failed allowed ACL check",
		"client", in.Client.ID,
		"username", string(in.Client.Username),
		"topic", in.Topic)
	_ = out.FailAuthorization()
}

// OnAuthorizeSubscription denies a subscription if the ledger ACL forbids reading the filter.
func (h *Extension) OnAuthorizeSubscription(in *extension.SubscriptionInput, out *extension.SubscriptionOutput) {
	_, filter, _ := in.Subscription.Shared()
	if _, ok := h.ledger.ACLOk(in.Client, filter, false); ok {
		_ = out.NextExtensionOrDefault()
		return
	}

	h.Log.Debug("client failed allowed ACL check",
		"client", in.Client.ID,
		"username", string(in.Client.Username),
		"filter", in.Subscription.Filter)
	_ = out.FailAuthorization()
}
