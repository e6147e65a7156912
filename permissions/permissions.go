// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

// Package permissions provides the default topic permissions of a client, which
// are evaluated when no extension decides an authorization.
package permissions

import (
	"encoding/json"
	"sync"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/extension/packets"
)

const (
	Allow Type = iota // matching actions are authorized
	Deny              // matching actions are not authorized
)

// Type determines whether a matching permission allows or denies an action.
type Type byte

const (
	ActivityAll       Activity = iota // the permission applies to publishes and subscriptions
	ActivityPublish                   // the permission applies to publishes only
	ActivitySubscribe                 // the permission applies to subscriptions only
)

// Activity determines which actions a permission applies to.
type Activity byte

const (
	RetainAll   Retain = iota // the permission applies to retained and non-retained publishes
	Retained                  // the permission applies to retained publishes only
	NotRetained               // the permission applies to non-retained publishes only
)

// Retain determines which publishes a permission applies to by retain flag.
type Retain byte

const (
	SharedAll Shared = iota // the permission applies to shared and non-shared subscriptions
	SharedOnly              // the permission applies to shared subscriptions only
	NotShared               // the permission applies to non-shared subscriptions only
)

// Shared determines which subscriptions a permission applies to.
type Shared byte

const (
	BehaviourUnset Behaviour = iota // deny, unless overridden
	BehaviourAllow                  // allow actions which match no permission
	BehaviourDeny                   // deny actions which match no permission
)

// Behaviour is the result applied to actions which match no permission.
type Behaviour byte

// TopicPermission is a single rule for a topic filter.
type TopicPermission struct {
	Filter      string   `yaml:"filter" json:"filter"`                                 // the topic filter the permission covers
	SharedGroup string   `yaml:"shared_group,omitempty" json:"shared_group,omitempty"` // the share group for shared subscriptions; empty or # matches any group
	Qos         []byte   `yaml:"qos,omitempty" json:"qos,omitempty"`                   // the qos levels the permission covers; empty covers all
	Type        Type     `yaml:"type" json:"type"`
	Activity    Activity `yaml:"activity" json:"activity"`
	Retain      Retain   `yaml:"retain" json:"retain"`
	Shared      Shared   `yaml:"shared" json:"shared"`
}

// coversQos returns true if the permission applies to the qos.
func (t TopicPermission) coversQos(qos byte) bool {
	if len(t.Qos) == 0 {
		return true
	}

	for _, q := range t.Qos {
		if q == qos {
			return true
		}
	}

	return false
}

// matchesPublish returns true if the permission applies to a publish.
func (t TopicPermission) matchesPublish(topic string, qos byte, retain bool) bool {
	if t.Activity == ActivitySubscribe {
		return false
	}

	if (t.Retain == Retained && !retain) || (t.Retain == NotRetained && retain) {
		return false
	}

	if !t.coversQos(qos) {
		return false
	}

	_, ok := packets.MatchTopic(t.Filter, topic)
	return ok
}

// matchesSubscription returns true if the permission applies to a subscription.
func (t TopicPermission) matchesSubscription(sub packets.Subscription) bool {
	if t.Activity == ActivityPublish {
		return false
	}

	group, filter, shared := sub.Shared()
	switch {
	case shared && t.Shared == NotShared:
		return false
	case !shared && t.Shared == SharedOnly:
		return false
	case shared && t.SharedGroup != "" && t.SharedGroup != "#" && t.SharedGroup != group:
		return false
	}

	if !t.coversQos(sub.Qos) {
		return false
	}

	return packets.FilterCovers(t.Filter, filter)
}

// Permissions is the modifiable set of default permissions for one client
// connection. The first matching permission decides; actions which match none
// fall back to the default behaviour. Permissions is safe for concurrent use.
type Permissions struct {
	mu         sync.RWMutex      `copier:"-"`
	Items      []TopicPermission `yaml:"permissions" json:"permissions"`
	Default    Behaviour         `yaml:"default_behaviour" json:"default_behaviour"`
	configured bool
}

// New returns a new set of permissions containing items.
func New(items ...TopicPermission) *Permissions {
	p := new(Permissions)
	p.Add(items...)
	return p
}

// Add appends permissions to the end of the set.
func (p *Permissions) Add(items ...TopicPermission) {
	if len(items) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Items = append(p.Items, items...)
	p.configured = true
}

// Remove removes every permission for a filter.
func (p *Permissions) Remove(filter string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.Items[:0]
	for _, t := range p.Items {
		if t.Filter != filter {
			items = append(items, t)
		}
	}
	p.Items = items
}

// Clear removes all permissions. The default behaviour is kept.
func (p *Permissions) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Items = nil
}

// SetDefaultBehaviour overrides the behaviour for actions which match no permission.
func (p *Permissions) SetDefaultBehaviour(b Behaviour) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Default = b
	p.configured = true
}

// Len returns the number of permissions.
func (p *Permissions) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.Items)
}

// Configured returns true if any permission or default behaviour was ever set.
func (p *Permissions) Configured() bool {
	if p == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.configured || len(p.Items) > 0 || p.Default != BehaviourUnset
}

// AuthorizePublish returns true if the permissions allow a publish. A nil or
// unconfigured set denies everything.
func (p *Permissions) AuthorizePublish(topic string, qos byte, retain bool) bool {
	if !p.Configured() {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.Items {
		if t.matchesPublish(topic, qos, retain) {
			return t.Type == Allow
		}
	}

	return p.Default == BehaviourAllow
}

// AuthorizeSubscription returns true if the permissions allow a subscription. A
// nil or unconfigured set denies everything.
func (p *Permissions) AuthorizeSubscription(sub packets.Subscription) bool {
	if !p.Configured() {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.Items {
		if t.matchesSubscription(sub) {
			return t.Type == Allow
		}
	}

	return p.Default == BehaviourAllow
}

// Clone returns a deep copy of the permissions. A nil set clones to nil.
func (p *Permissions) Clone() *Permissions {
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c := &Permissions{
		Default:    p.Default,
		configured: p.configured,
	}
	_ = copier.CopyWithOption(&c.Items, p.Items, copier.Option{DeepCopy: true})
	return c
}

// ToJSON encodes the values into a JSON string.
func (p *Permissions) ToJSON() (data []byte, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p)
}

// ToYAML encodes the values into a YAML string.
func (p *Permissions) ToYAML() (data []byte, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return yaml.Marshal(p)
}

// Unmarshal decodes a JSON or YAML string (such as a permissions file) into the set.
func (p *Permissions) Unmarshal(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(data) == 0 {
		return nil
	}

	var err error
	if data[0] == '{' {
		err = json.Unmarshal(data, p)
	} else {
		err = yaml.Unmarshal(data, p)
	}
	if err != nil {
		return err
	}

	p.configured = len(p.Items) > 0 || p.Default != BehaviourUnset
	return nil
}
