// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package extension

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/extension/packets"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder collects the order in which extensions were called.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// modifiedExtension is a configurable extension for testing the pipeline.
type modifiedExtension struct {
	ExtensionBase
	id        string
	rec       *recorder
	auth      func(in *ConnectInput, out *AuthOutput)
	pub       func(in *PublishInput, out *PublishOutput)
	sub       func(in *SubscriptionInput, out *SubscriptionOutput)
	initErr   error
	stopErr   error
	calls     atomic.Int64
	stopped   atomic.Bool
	mu        sync.Mutex
	events    []LifecycleEvent
	decisions []Decision
}

func newModifiedExtension(id string, rec *recorder) *modifiedExtension {
	return &modifiedExtension{id: id, rec: rec}
}

func (h *modifiedExtension) ID() string {
	return h.id
}

func (h *modifiedExtension) Provides(b byte) bool {
	switch b {
	case OnAuthenticate:
		return h.auth != nil
	case OnAuthorizePublish:
		return h.pub != nil
	case OnAuthorizeSubscription:
		return h.sub != nil
	case OnLifecycleEvent, OnDecision:
		return true
	}

	return false
}

func (h *modifiedExtension) Init(config any) error {
	return h.initErr
}

func (h *modifiedExtension) Stop() error {
	h.stopped.Store(true)
	return h.stopErr
}

func (h *modifiedExtension) called() {
	h.calls.Add(1)
	if h.rec != nil {
		h.rec.add(h.id)
	}
}

func (h *modifiedExtension) OnAuthenticate(in *ConnectInput, out *AuthOutput) {
	h.called()
	h.auth(in, out)
}

func (h *modifiedExtension) OnAuthorizePublish(in *PublishInput, out *PublishOutput) {
	h.called()
	h.pub(in, out)
}

func (h *modifiedExtension) OnAuthorizeSubscription(in *SubscriptionInput, out *SubscriptionOutput) {
	h.called()
	h.sub(in, out)
}

func (h *modifiedExtension) OnLifecycleEvent(ev LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *modifiedExtension) OnDecision(d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decisions = append(h.decisions, d)
}

func (h *modifiedExtension) getEvents() []LifecycleEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]LifecycleEvent{}, h.events...)
}

func (h *modifiedExtension) getDecisions() []Decision {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Decision{}, h.decisions...)
}

// panicExtension panics in every handler.
type panicExtension struct {
	ExtensionBase
}

func (h *panicExtension) ID() string {
	return "panic"
}

func (h *panicExtension) Provides(b byte) bool {
	return true
}

func (h *panicExtension) OnAuthenticate(in *ConnectInput, out *AuthOutput) {
	panic("authenticate")
}

func (h *panicExtension) OnAuthorizePublish(in *PublishInput, out *PublishOutput) {
	panic("publish")
}

func (h *panicExtension) OnAuthorizeSubscription(in *SubscriptionInput, out *SubscriptionOutput) {
	panic("subscribe")
}

func (h *panicExtension) OnLifecycleEvent(ev LifecycleEvent) {
	panic("lifecycle")
}

func (h *panicExtension) OnDecision(d Decision) {
	panic("decision")
}

func newTestExtensions() *Extensions {
	return &Extensions{Log: logger}
}

func delegateAuth(in *ConnectInput, out *AuthOutput) {
	_ = out.NextExtensionOrDefault()
}

func TestExtensionsAdd(t *testing.T) {
	h := newTestExtensions()
	err := h.Add(newModifiedExtension("a", nil), 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.Len())

	ext, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", ext.ID())

	_, ok = h.Get("b")
	require.False(t, ok)
}

func TestExtensionsAddDuplicate(t *testing.T) {
	h := newTestExtensions()
	require.NoError(t, h.Add(newModifiedExtension("a", nil), 0, nil))

	err := h.Add(newModifiedExtension("a", nil), 5, nil)
	require.ErrorIs(t, err, ErrExtensionExists)
	require.Equal(t, int64(1), h.Len())
}

func TestExtensionsAddInitFailure(t *testing.T) {
	h := newTestExtensions()
	ext := newModifiedExtension("a", nil)
	ext.initErr = ErrInvalidConfigType

	err := h.Add(ext, 0, nil)
	require.ErrorIs(t, err, ErrInvalidConfigType)
	require.Equal(t, int64(0), h.Len())
}

func TestExtensionsGetAllOrder(t *testing.T) {
	h := newTestExtensions()
	require.NoError(t, h.Add(newModifiedExtension("low", nil), 1, nil))
	require.NoError(t, h.Add(newModifiedExtension("high", nil), 10, nil))
	require.NoError(t, h.Add(newModifiedExtension("low-2", nil), 1, nil))
	require.NoError(t, h.Add(newModifiedExtension("mid", nil), 5, nil))

	ids := []string{}
	for _, ext := range h.GetAll() {
		ids = append(ids, ext.ID())
	}

	require.Equal(t, []string{"high", "mid", "low", "low-2"}, ids)
}

func TestExtensionsRemove(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	require.NoError(t, h.Add(a, 0, nil))
	require.NoError(t, h.Add(newModifiedExtension("b", nil), 0, nil))

	require.NoError(t, h.Remove("a"))
	require.True(t, a.stopped.Load())
	require.Equal(t, int64(1), h.Len())
	_, ok := h.Get("a")
	require.False(t, ok)

	require.NoError(t, h.Remove("missing"))
	require.Equal(t, int64(1), h.Len())
}

func TestExtensionsRemoveStopError(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	a.stopErr = errors.New("test")
	require.NoError(t, h.Add(a, 0, nil))

	require.Error(t, h.Remove("a"))
	require.Equal(t, int64(0), h.Len())
}

func TestExtensionsChain(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	a.auth = delegateAuth
	b := newModifiedExtension("b", nil)
	b.pub = func(in *PublishInput, out *PublishOutput) {}
	c := newModifiedExtension("c", nil)
	c.auth = delegateAuth

	require.NoError(t, h.Add(a, 1, nil))
	require.NoError(t, h.Add(b, 5, nil))
	require.NoError(t, h.Add(c, 3, nil))

	ch := h.Chain(OnAuthenticate)
	require.Equal(t, 2, ch.Len())
	require.Equal(t, "c", ch.Links()[0].Handle.ID)
	require.Equal(t, "a", ch.Links()[1].Handle.ID)

	require.Equal(t, 1, h.Chain(OnAuthorizePublish).Len())
	require.Equal(t, 0, h.Chain(OnAuthorizeSubscription).Len())
}

func TestExtensionsChainSnapshot(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	a.auth = delegateAuth
	require.NoError(t, h.Add(a, 0, nil))

	ch := h.Chain(OnAuthenticate)
	require.NoError(t, h.Remove("a"))

	require.Equal(t, 1, ch.Len())
	require.Equal(t, 0, h.Chain(OnAuthenticate).Len())
}

func TestExtensionsProvides(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	a.auth = delegateAuth
	require.NoError(t, h.Add(a, 0, nil))

	require.True(t, h.Provides(OnAuthenticate))
	require.True(t, h.Provides(OnAuthorizePublish, OnDecision))
	require.False(t, h.Provides(OnAuthorizePublish))
	require.False(t, h.Provides(SetOptions))
}

func TestExtensionsStop(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	b := newModifiedExtension("b", nil)
	b.stopErr = errors.New("test")
	require.NoError(t, h.Add(a, 0, nil))
	require.NoError(t, h.Add(b, 0, nil))

	h.Stop()
	require.True(t, a.stopped.Load())
	require.True(t, b.stopped.Load())
}

func TestExtensionsOnLifecycleEvent(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	require.NoError(t, h.Add(new(panicExtension), 10, nil))
	require.NoError(t, h.Add(a, 0, nil))

	ev := LifecycleEvent{
		Kind:   LifecycleConnectionLost,
		Client: ClientInfo{ID: "zen"},
		Code:   packets.ErrKeepAliveTimeout,
	}

	require.NotPanics(t, func() {
		h.OnLifecycleEvent(ev)
	})
	require.Equal(t, []LifecycleEvent{ev}, a.getEvents())
}

func TestExtensionsOnDecision(t *testing.T) {
	h := newTestExtensions()
	a := newModifiedExtension("a", nil)
	require.NoError(t, h.Add(new(panicExtension), 10, nil))
	require.NoError(t, h.Add(a, 0, nil))

	d := Decision{
		Client:  ClientInfo{ID: "zen"},
		Subject: "a/b/c",
		Resolution: Resolution{
			ID:      "test",
			Domain:  DomainPublish,
			Outcome: SuccessOutcome(packets.CodeSuccess),
		},
	}

	require.NotPanics(t, func() {
		h.OnDecision(d)
	})
	require.Equal(t, []Decision{d}, a.getDecisions())
}

func TestExtensionBase(t *testing.T) {
	h := new(ExtensionBase)
	require.Equal(t, "base", h.ID())
	require.False(t, h.Provides(OnAuthenticate))
	require.NoError(t, h.Init(nil))
	require.NoError(t, h.Stop())

	h.SetOpts(logger, &ExtensionOptions{Capabilities: NewDefaultCapabilities()})
	require.Equal(t, logger, h.Log)
	require.NotNil(t, h.Opts.Capabilities)

	require.NotPanics(t, func() {
		h.OnLifecycleEvent(LifecycleEvent{})
		h.OnDecision(Decision{})
	})
}

func TestExtensionBaseDelegates(t *testing.T) {
	h := new(ExtensionBase)

	ao := &AuthOutput{Output: newOutput(TimerScheduler{})}
	h.OnAuthenticate(new(ConnectInput), ao)
	oc, ok := ao.Decided()
	require.True(t, ok)
	require.Equal(t, VerdictDelegate, oc.Verdict)

	in := &PublishInput{Topic: "a/b"}
	po := &PublishOutput{Output: newOutput(TimerScheduler{}), in: in}
	h.OnAuthorizePublish(in, po)
	oc, ok = po.Decided()
	require.True(t, ok)
	require.Equal(t, VerdictDelegate, oc.Verdict)

	sin := &SubscriptionInput{Subscription: packets.Subscription{Filter: "a/#"}}
	so := &SubscriptionOutput{Output: newOutput(TimerScheduler{}), in: sin}
	h.OnAuthorizeSubscription(sin, so)
	oc, ok = so.Decided()
	require.True(t, ok)
	require.Equal(t, VerdictDelegate, oc.Verdict)
}
