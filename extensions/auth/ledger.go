// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/packets"
	"github.com/mochi-mqtt/extension/permissions"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user, in plain text or as a bcrypt hash
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// Permissions converts the filters into default topic permissions, ordered by
// filter. Read-only and write-only filters also deny the other activity, so the
// permissions hold under an allowing default behaviour.
func (f Filters) Permissions() []permissions.TopicPermission {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	tp := make([]permissions.TopicPermission, 0, 2*len(keys))
	for _, k := range keys {
		switch f[RString(k)] {
		case ReadOnly:
			tp = append(tp,
				permissions.TopicPermission{Filter: k, Activity: permissions.ActivitySubscribe},
				permissions.TopicPermission{Filter: k, Activity: permissions.ActivityPublish, Type: permissions.Deny},
			)
		case WriteOnly:
			tp = append(tp,
				permissions.TopicPermission{Filter: k, Activity: permissions.ActivityPublish},
				permissions.TopicPermission{Filter: k, Activity: permissions.ActivitySubscribe, Type: permissions.Deny},
			)
		case ReadWrite:
			tp = append(tp, permissions.TopicPermission{Filter: k, Activity: permissions.ActivityAll})
		default:
			tp = append(tp, permissions.TopicPermission{Filter: k, Type: permissions.Deny})
		}
	}

	return tp
}

// RString is a rule value string.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && strings.Compare(rr[:i], a[:i]) == 0 {
		return true
	}

	return false
}

// FilterMatches returns true if a filter matches a topic rule.
func (r RString) FilterMatches(a string) bool {
	_, ok := packets.MatchTopic(string(r), a)
	return ok
}

// PasswordMatches returns true if the rule matches a password. Rules holding a
// bcrypt hash are compared against the hash.
func (r RString) PasswordMatches(pass []byte) bool {
	if isBcrypt(string(r)) {
		return bcrypt.CompareHashAndPassword([]byte(r), pass) == nil
	}

	return r == RString(pass)
}

// isBcrypt returns true if s looks like a bcrypt hash.
func isBcrypt(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Users      Users     `json:"users" yaml:"users"`
	Auth       AuthRules `json:"auth" yaml:"auth"`
	ACL        ACLRules  `json:"acl" yaml:"acl"`
}

// Update updates the internal values of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules indicate the user is allowed to authenticate.
// matched is false if no user or rule applies to the client at all.
func (l *Ledger) AuthOk(cl extension.ClientInfo, password []byte) (n int, ok, matched bool) {
	l.Lock()
	defer l.Unlock()

	// If the users map is set, always check for a predefined user first instead
	// of iterating through global rules.
	if l.Users != nil {
		if u, ok := l.Users[string(cl.Username)]; ok &&
			u.Password != "" &&
			u.Password.PasswordMatches(password) {
			return 0, !u.Disallow, true
		}
	}

	// If there's no users map, or no user was found, attempt to find a matching
	// rule (which may also contain a user).
	for n, rule := range l.Auth {
		if rule.Client.Matches(cl.ID) &&
			rule.Username.Matches(string(cl.Username)) &&
			rule.Password.Matches(string(password)) &&
			rule.Remote.Matches(cl.Remote) {
			return n, rule.Allow, true
		}
	}

	return 0, false, false
}

// UserACL returns the filters of a predefined user.
func (l *Ledger) UserACL(username []byte) Filters {
	l.Lock()
	defer l.Unlock()
	if u, ok := l.Users[string(username)]; ok {
		return u.ACL
	}

	return nil
}

// ACLOk returns true if the rules indicate the user is allowed to read or write to
// a specific filter or topic respectively, based on the `write` bool.
func (l *Ledger) ACLOk(cl extension.ClientInfo, topic string, write bool) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	// If the users map is set, always check for a predefined user first instead
	// of iterating through global rules.
	if l.Users != nil {
		if u, ok := l.Users[string(cl.Username)]; ok && len(u.ACL) > 0 {
			for filter, access := range u.ACL {
				if filter.FilterMatches(topic) {
					if !write && (access == ReadOnly || access == ReadWrite) {
						return n, true
					} else if write && (access == WriteOnly || access == ReadWrite) {
						return n, true
					} else {
						return n, false
					}
				}
			}
		}
	}

	for n, rule := range l.ACL {
		if rule.Client.Matches(cl.ID) &&
			rule.Username.Matches(string(cl.Username)) &&
			rule.Remote.Matches(cl.Remote) {
			if len(rule.Filters) == 0 {
				return n, true
			}

			for filter, access := range rule.Filters {
				if !filter.FilterMatches(topic) {
					continue
				}

				if (write && (access == WriteOnly || access == ReadWrite)) ||
					(!write && (access == ReadOnly || access == ReadWrite)) {
					return n, true
				}
			}

			for filter := range rule.Filters {
				if filter.FilterMatches(topic) {
					return n, false
				}
			}
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, &l)
}
