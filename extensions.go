// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package extension

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	SetOptions byte = iota
	OnAuthenticate
	OnAuthorizePublish
	OnAuthorizeSubscription
	OnLifecycleEvent
	OnDecision
)

// Extension provides an interface of handlers for the decisions and events an
// extension may take part in.
type Extension interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *ExtensionOptions)
	OnAuthenticate(in *ConnectInput, out *AuthOutput)
	OnAuthorizePublish(in *PublishInput, out *PublishOutput)
	OnAuthorizeSubscription(in *SubscriptionInput, out *SubscriptionOutput)
	OnLifecycleEvent(ev LifecycleEvent)
	OnDecision(d Decision)
}

// ExtensionOptions contains values which are inherited from the pipeline on initialisation.
type ExtensionOptions struct {
	Capabilities *Capabilities
	Pool         *FanPool // the worker pool for async background work, keyed by client id
}

// ExtensionLoadConfig contains the extension and configuration as loaded from a configuration (usually file).
type ExtensionLoadConfig struct {
	Extension Extension
	Config    any
	Priority  int
}

// Extensions is the registry of enabled extensions. Chains are built from an
// immutable snapshot, so adding or removing an extension never affects a chain
// which is already being resolved.
type Extensions struct {
	Log        *slog.Logger   // a logger for the extensions (from the pipeline)
	internal   atomic.Value   // a sorted slice of []Link[Extension]
	wg         sync.WaitGroup // a waitgroup for syncing extension shutdown
	qty        int64          // the number of extensions in use
	seq        uint64         // registration counter
	sync.Mutex                // a mutex for locking when adding extensions
}

// Len returns the number of extensions added.
func (h *Extensions) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one extension provides any of the requested methods.
func (h *Extensions) Provides(b ...byte) bool {
	for _, ext := range h.GetAll() {
		for _, hb := range b {
			if ext.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// links returns the current snapshot.
func (h *Extensions) links() []Link[Extension] {
	i, ok := h.internal.Load().([]Link[Extension])
	if !ok {
		return []Link[Extension]{}
	}

	return i
}

// Add initializes and adds a new extension with a priority. Extensions with a
// higher priority are consulted first; equal priorities keep the order they were
// added in.
func (h *Extensions) Add(ext Extension, priority int, config any) error {
	h.Lock()
	defer h.Unlock()

	for _, l := range h.links() {
		if l.Handle.ID == ext.ID() {
			return fmt.Errorf("%w: %s", ErrExtensionExists, ext.ID())
		}
	}

	err := ext.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s extension: %w", ext.ID(), err)
	}

	h.seq++
	l := Link[Extension]{
		Handle: ExtensionHandle{
			ID:       ext.ID(),
			Priority: priority,
			seq:      h.seq,
		},
		Handler: ext,
	}

	h.internal.Store(NewChain(append(h.links(), l)...).links)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// Remove stops and removes an extension. Chains already being resolved keep
// the extension until they finish.
func (h *Extensions) Remove(id string) error {
	h.Lock()
	defer h.Unlock()

	current := h.links()
	next := make([]Link[Extension], 0, len(current))
	var removed Extension
	for _, l := range current {
		if l.Handle.ID == id {
			removed = l.Handler
			continue
		}
		next = append(next, l)
	}

	if removed == nil {
		return nil
	}

	h.internal.Store(next)
	atomic.AddInt64(&h.qty, -1)
	defer h.wg.Done()

	h.Log.Info("removing extension", "extension", id)
	return removed.Stop()
}

// GetAll returns a slice of all the extensions, in chain order.
func (h *Extensions) GetAll() []Extension {
	links := h.links()
	exts := make([]Extension, len(links))
	for i, l := range links {
		exts[i] = l.Handler
	}

	return exts
}

// Get returns an extension by id.
func (h *Extensions) Get(id string) (Extension, bool) {
	for _, l := range h.links() {
		if l.Handle.ID == id {
			return l.Handler, true
		}
	}

	return nil, false
}

// Chain returns the chain of extensions which provide a method.
func (h *Extensions) Chain(b byte) Chain[Extension] {
	links := h.links()
	l := make([]Link[Extension], 0, len(links))
	for _, link := range links {
		if link.Handler.Provides(b) {
			l = append(l, link)
		}
	}

	return Chain[Extension]{links: l}
}

// Stop indicates all attached extensions to gracefully end.
func (h *Extensions) Stop() {
	go func() {
		for _, ext := range h.GetAll() {
			h.Log.Info("stopping extension", "extension", ext.ID())
			if err := ext.Stop(); err != nil {
				h.Log.Debug("problem stopping extension", "error", err, "extension", ext.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnLifecycleEvent is called for every client lifecycle event.
func (h *Extensions) OnLifecycleEvent(ev LifecycleEvent) {
	for _, ext := range h.GetAll() {
		if ext.Provides(OnLifecycleEvent) {
			h.safely(ext, func() {
				ext.OnLifecycleEvent(ev)
			})
		}
	}
}

// OnDecision is called when a decision chain has resolved.
func (h *Extensions) OnDecision(d Decision) {
	for _, ext := range h.GetAll() {
		if ext.Provides(OnDecision) {
			h.safely(ext, func() {
				ext.OnDecision(d)
			})
		}
	}
}

// safely calls fn, logging any panic instead of propagating it.
func (h *Extensions) safely(ext Extension, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.Log.Error("extension handler fault", "error", fmt.Errorf("%w: %v", ErrHandlerFault, r), "extension", ext.ID())
		}
	}()

	fn()
}

// ExtensionBase provides a set of default methods for each extension. It should
// be embedded in all extensions.
type ExtensionBase struct {
	Extension
	Log  *slog.Logger
	Opts *ExtensionOptions
}

// ID returns the ID of the extension.
func (h *ExtensionBase) ID() string {
	return "base"
}

// Provides indicates which methods an extension provides. The default is none - this method
// should be overridden by the embedding extension.
func (h *ExtensionBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the extension, such as connecting to databases
// or opening files.
func (h *ExtensionBase) Init(config any) error {
	return nil
}

// SetOpts is called by the pipeline to propagate internal values and generally should
// not be called manually.
func (h *ExtensionBase) SetOpts(l *slog.Logger, opts *ExtensionOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the extension.
func (h *ExtensionBase) Stop() error {
	return nil
}

// OnAuthenticate is called when a client sends a CONNECT. The default passes the decision on.
func (h *ExtensionBase) OnAuthenticate(in *ConnectInput, out *AuthOutput) {
	_ = out.NextExtensionOrDefault()
}

// OnAuthorizePublish is called when a client sends a PUBLISH. The default passes the decision on.
func (h *ExtensionBase) OnAuthorizePublish(in *PublishInput, out *PublishOutput) {
	_ = out.NextExtensionOrDefault()
}

// OnAuthorizeSubscription is called for each subscription of a SUBSCRIBE. The default passes the decision on.
func (h *ExtensionBase) OnAuthorizeSubscription(in *SubscriptionInput, out *SubscriptionOutput) {
	_ = out.NextExtensionOrDefault()
}

// OnLifecycleEvent is called for every client lifecycle event.
func (h *ExtensionBase) OnLifecycleEvent(ev LifecycleEvent) {}

// OnDecision is called when a decision chain has resolved.
func (h *ExtensionBase) OnDecision(d Decision) {}
