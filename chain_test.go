// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt
// SPDX-FileContributor: mochi-co

package extension

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chainIDs[H any](c Chain[H]) []string {
	ids := []string{}
	for _, l := range c.Links() {
		ids = append(ids, l.Handle.ID)
	}
	return ids
}

func TestNewChainOrder(t *testing.T) {
	c := NewChain(
		Link[int]{Handle: ExtensionHandle{ID: "a", Priority: 1, seq: 1}},
		Link[int]{Handle: ExtensionHandle{ID: "b", Priority: 10, seq: 2}},
		Link[int]{Handle: ExtensionHandle{ID: "c", Priority: 1, seq: 3}},
		Link[int]{Handle: ExtensionHandle{ID: "d", Priority: -5, seq: 4}},
		Link[int]{Handle: ExtensionHandle{ID: "e", Priority: 10, seq: 5}},
	)

	require.Equal(t, 5, c.Len())
	require.Equal(t, []string{"b", "e", "a", "c", "d"}, chainIDs(c))
}

func TestNewChainStableTies(t *testing.T) {
	c := NewChain(
		Link[int]{Handle: ExtensionHandle{ID: "c", seq: 3}},
		Link[int]{Handle: ExtensionHandle{ID: "a", seq: 1}},
		Link[int]{Handle: ExtensionHandle{ID: "b", seq: 2}},
	)

	require.Equal(t, []string{"a", "b", "c"}, chainIDs(c))
}

func TestNewChainEmpty(t *testing.T) {
	c := NewChain[int]()
	require.Equal(t, 0, c.Len())
	require.Empty(t, c.Links())
}

func TestNewChainCopiesLinks(t *testing.T) {
	links := []Link[int]{
		{Handle: ExtensionHandle{ID: "a", Priority: 1}, Handler: 1},
		{Handle: ExtensionHandle{ID: "b", Priority: 2}, Handler: 2},
	}

	c := NewChain(links...)
	links[0].Handler = 99
	require.Equal(t, "a", links[0].Handle.ID)

	l := c.Links()
	l[0].Handler = 100
	require.Equal(t, 2, c.Links()[0].Handler)
	require.Equal(t, 1, c.Links()[1].Handler)
}

func TestBind(t *testing.T) {
	c := NewChain(
		Link[int]{Handle: ExtensionHandle{ID: "a", Priority: 1}, Handler: 1},
		Link[int]{Handle: ExtensionHandle{ID: "b", Priority: 2}, Handler: 2},
	)

	got := []int{}
	steps := bind(c, func(h int, out *Output) {
		got = append(got, h)
		_ = out.decide(DelegateOutcome())
	})

	require.Len(t, steps, 2)
	require.Equal(t, "b", steps[0].handle.ID)
	require.Equal(t, "a", steps[1].handle.ID)

	for _, st := range steps {
		st.call(newOutput(TimerScheduler{}))
	}
	require.Equal(t, []int{2, 1}, got)
}
