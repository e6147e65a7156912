// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"sort"
)

// ExtensionHandle identifies an extension within a decision chain.
type ExtensionHandle struct {
	ID       string // the id of the extension
	Priority int    // higher priorities are consulted first
	seq      uint64 // registration order, for stable ordering of equal priorities
}

// Link is a single extension handler within a decision chain.
type Link[H any] struct {
	Handle  ExtensionHandle
	Handler H
}

// Chain is the ordered set of handlers consulted for one event. It is built once
// per event and never modified afterwards.
type Chain[H any] struct {
	links []Link[H]
}

// NewChain returns a chain of links sorted by descending priority. Links of equal
// priority keep their registration order.
func NewChain[H any](links ...Link[H]) Chain[H] {
	l := make([]Link[H], len(links))
	copy(l, links)
	sort.SliceStable(l, func(i, j int) bool {
		if l[i].Handle.Priority != l[j].Handle.Priority {
			return l[i].Handle.Priority > l[j].Handle.Priority
		}
		return l[i].Handle.seq < l[j].Handle.seq
	})

	return Chain[H]{links: l}
}

// Len returns the number of links in the chain.
func (c Chain[H]) Len() int {
	return len(c.links)
}

// Links returns a copy of the ordered links.
func (c Chain[H]) Links() []Link[H] {
	l := make([]Link[H], len(c.links))
	copy(l, c.links)
	return l
}

// step is a chain link bound to the input of a single event.
type step struct {
	handle ExtensionHandle
	call   func(out *Output)
}

// bind binds each link of a chain to an event using fn.
func bind[H any](c Chain[H], fn func(h H, out *Output)) []step {
	steps := make([]step, len(c.links))
	for i, l := range c.links {
		h := l.Handler
		steps[i] = step{
			handle: l.Handle,
			call: func(out *Output) {
				fn(h, out)
			},
		}
	}
	return steps
}
