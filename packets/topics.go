// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"strings"
)

const (
	SharePrefix = "$SHARE" // the prefix indicating a share topic
	SysPrefix   = "$SYS"   // the prefix indicating a system info topic
)

// Protocol versions a client may connect with.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// Subscription contains the values of a single topic filter subscription carried in a SUBSCRIBE packet.
type Subscription struct {
	Filter            string `yaml:"filter" json:"filter"`
	Identifier        int    `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	Qos               byte   `yaml:"qos" json:"qos"`
	RetainHandling    byte   `yaml:"retain_handling,omitempty" json:"retain_handling,omitempty"`
	NoLocal           bool   `yaml:"no_local,omitempty" json:"no_local,omitempty"`
	RetainAsPublished bool   `yaml:"retain_as_published,omitempty" json:"retain_as_published,omitempty"`
}

// Shared returns the share group and the underlying filter of a shared subscription.
// If the subscription is not shared, ok is false and filter is the original filter.
func (s Subscription) Shared() (group, filter string, ok bool) {
	return SplitSharedFilter(s.Filter)
}

// isolateParticle extracts a particle between d / and d+1 / without allocations.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}

	return
}

// IsSharedFilter returns true if the filter uses the share prefix.
func IsSharedFilter(filter string) bool {
	prefix, _ := isolateParticle(filter, 0)
	return strings.EqualFold(prefix, SharePrefix)
}

// SplitSharedFilter splits a $share/<group>/<filter> value into its group and filter.
func SplitSharedFilter(filter string) (group, f string, ok bool) {
	if !IsSharedFilter(filter) {
		return "", filter, false
	}

	parts := strings.SplitN(filter, "/", 3)
	if len(parts) < 3 {
		return "", filter, false
	}

	return parts[1], parts[2], true
}

// IsValidFilter returns true if the filter is valid.
func IsValidFilter(filter string, forPublish bool) bool {
	if len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	if forPublish && (strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#')) {
		return false //[MQTT-3.3.2-2]
	}

	wildhash := strings.IndexRune(filter, '#')
	if wildhash >= 0 && wildhash != len(filter)-1 { // [MQTT-4.7.1-2]
		return false
	}

	prefix, hasNext := isolateParticle(filter, 0)
	if !hasNext && strings.EqualFold(prefix, SharePrefix) {
		return false // [MQTT-4.8.2-1]
	}

	if hasNext && strings.EqualFold(prefix, SharePrefix) {
		group, hasNext := isolateParticle(filter, 1)
		if !hasNext {
			return false // [MQTT-4.8.2-1]
		}

		if strings.ContainsRune(group, '+') || strings.ContainsRune(group, '#') {
			return false // [MQTT-4.8.2-2]
		}
	}

	return true
}

// MatchTopic checks if a given topic matches a filter, accounting for filter
// wildcards. Eg. filter /a/b/+/c == topic a/b/d/c.
func MatchTopic(filter string, topic string) (elements []string, matched bool) {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	// [MQTT-4.7.2-1] wildcards at the first level never match $ topics.
	if len(topic) > 0 && topic[0] == '$' && (filterParts[0] == "+" || filterParts[0] == "#") {
		return nil, false
	}

	elements = make([]string, 0)
	for i := 0; i < len(filterParts); i++ {
		if filterParts[i] == "#" {
			elements = append(elements, strings.Join(topicParts[i:], "/"))
			return elements, true
		}

		if i >= len(topicParts) {
			return elements, false
		}

		if filterParts[i] == "+" {
			elements = append(elements, topicParts[i])
			continue
		}

		if filterParts[i] != topicParts[i] {
			return elements, false
		}
	}

	return elements, len(filterParts) == len(topicParts)
}

// FilterCovers returns true if every topic matched by filter is also matched by
// the permitting filter. It is used to decide whether a subscription filter falls
// within a permission filter, eg. a/+/c is covered by a/# and by a/+/+.
func FilterCovers(permitting, filter string) bool {
	pParts := strings.Split(permitting, "/")
	fParts := strings.Split(filter, "/")

	for i := 0; i < len(pParts); i++ {
		if pParts[i] == "#" {
			return true
		}

		if i >= len(fParts) {
			return false
		}

		switch {
		case fParts[i] == "#":
			return false
		case pParts[i] == "+":
			continue
		case fParts[i] == "+":
			return false
		case pParts[i] != fParts[i]:
			return false
		}
	}

	return len(pParts) == len(fParts)
}
