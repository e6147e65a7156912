// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"

	"github.com/mochi-mqtt/extension"
)

// AllowExtension is an extension which authenticates every client and authorizes
// every publish and subscription.
type AllowExtension struct {
	extension.ExtensionBase
}

// ID returns the ID of the extension.
func (h *AllowExtension) ID() string {
	return "allow-all-auth"
}

// Provides indicates which methods this extension provides.
func (h *AllowExtension) Provides(b byte) bool {
	return bytes.Contains([]byte{
		extension.OnAuthenticate,
		extension.OnAuthorizePublish,
		extension.OnAuthorizeSubscription,
	}, []byte{b})
}

// OnAuthenticate authenticates every client.
func (h *AllowExtension) OnAuthenticate(in *extension.ConnectInput, out *extension.AuthOutput) {
	_ = out.AuthenticateSuccessfully()
}

// OnAuthorizePublish authorizes every publish.
func (h *AllowExtension) OnAuthorizePublish(in *extension.PublishInput, out *extension.PublishOutput) {
	_ = out.AuthorizeSuccessfully()
}

// OnAuthorizeSubscription authorizes every subscription.
func (h *AllowExtension) OnAuthorizeSubscription(in *extension.SubscriptionInput, out *extension.SubscriptionOutput) {
	_ = out.AuthorizeSuccessfully()
}
