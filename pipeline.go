// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package extension provides the decision pipeline through which independently
// loaded extensions of an MQTT broker jointly decide the authentication of a
// CONNECT and the authorization of a PUBLISH or SUBSCRIBE.
package extension

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	Version    = "1.0.0"                           // the current pipeline version.
	TracerName = "github.com/mochi-mqtt/extension" // the name of the default tracer.

	defaultMinimumAsyncTimeout = time.Millisecond
	defaultMaximumAsyncTimeout = time.Hour
	defaultSubscriptionChecks  = 64
	defaultWorkerQueue         = 1024
)

// Capabilities indicates the limits and behaviour of the pipeline.
type Capabilities struct {
	MinimumAsyncTimeout                 time.Duration   `yaml:"minimum_async_timeout" json:"minimum_async_timeout"`                                   // the shortest timeout an async output may request
	MaximumAsyncTimeout                 time.Duration   `yaml:"maximum_async_timeout" json:"maximum_async_timeout"`                                   // the longest timeout an async output may request
	MaximumConcurrentSubscriptionChecks int             `yaml:"maximum_concurrent_subscription_checks" json:"maximum_concurrent_subscription_checks"` // the number of subscriptions of one SUBSCRIBE resolved at once
	Compatibilities                     Compatibilities `yaml:"compatibilities" json:"compatibilities"`                                               // compatibility modes the pipeline provides
}

// NewDefaultCapabilities defines the default limits and behaviour of the pipeline.
func NewDefaultCapabilities() *Capabilities {
	return &Capabilities{
		MinimumAsyncTimeout:                 defaultMinimumAsyncTimeout,
		MaximumAsyncTimeout:                 defaultMaximumAsyncTimeout,
		MaximumConcurrentSubscriptionChecks: defaultSubscriptionChecks,
	}
}

// Compatibilities provides flags for using compatibility modes.
type Compatibilities struct {
	ObscureNotAuthorized bool `yaml:"obscure_not_authorized" json:"obscure_not_authorized"` // return unspecified errors instead of not authorized
}

// Options contains configurable options for the pipeline.
type Options struct {
	// Extensions specifies any extensions which should be added on New. Used when setting extensions by config.
	Extensions []ExtensionLoadConfig `yaml:"-" json:"-"`

	// Capabilities defines the pipeline limits and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	pipeline.Options.Capabilities.MaximumAsyncTimeout = time.Minute
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ExtensionWorkers is the number of columns of the extension worker pool.
	ExtensionWorkers uint64 `yaml:"extension_workers" json:"extension_workers"`

	// ExtensionWorkerQueue is the size of the queue of each extension worker.
	ExtensionWorkerQueue uint64 `yaml:"extension_worker_queue" json:"extension_worker_queue"`

	// DispatchWorkers is the number of workers which call result callbacks.
	DispatchWorkers uint64 `yaml:"dispatch_workers" json:"dispatch_workers"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the pipeline default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// Tracer receives a span for each resolved decision chain. The global otel
	// tracer provider is used if none is set.
	Tracer trace.Tracer `yaml:"-" json:"-"`

	// Scheduler schedules the deadlines of async outputs.
	Scheduler Scheduler `yaml:"-" json:"-"`
}

// ensureDefaults ensures that the pipeline starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultCapabilities()
	}

	if o.Capabilities.MinimumAsyncTimeout <= 0 {
		o.Capabilities.MinimumAsyncTimeout = defaultMinimumAsyncTimeout
	}

	if o.Capabilities.MaximumAsyncTimeout <= 0 {
		o.Capabilities.MaximumAsyncTimeout = defaultMaximumAsyncTimeout
	}

	if o.Capabilities.MaximumConcurrentSubscriptionChecks == 0 {
		o.Capabilities.MaximumConcurrentSubscriptionChecks = defaultSubscriptionChecks
	}

	if o.ExtensionWorkers == 0 {
		o.ExtensionWorkers = uint64(runtime.GOMAXPROCS(0))
	}

	if o.ExtensionWorkerQueue == 0 {
		o.ExtensionWorkerQueue = defaultWorkerQueue
	}

	if o.DispatchWorkers == 0 {
		o.DispatchWorkers = uint64(runtime.GOMAXPROCS(0))
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}

	if o.Tracer == nil {
		o.Tracer = otel.Tracer(TracerName)
	}

	if o.Scheduler == nil {
		o.Scheduler = TimerScheduler{}
	}
}

// Pipeline resolves the decision chains of a broker's extensions. It should be
// created with New in order to ensure all the internal fields are correctly populated.
type Pipeline struct {
	Options    *Options     // configurable pipeline options
	Extensions *Extensions  // the enabled extensions
	Log        *slog.Logger // structured logger
	workers    *FanPool     // background workers for extensions, keyed by client id
	dispatcher *Pool        // workers which call result callbacks
	exec       *executor
	closed     atomic.Bool
	closeOnce  sync.Once
}

// New returns a new pipeline. Optional parameters can be specified to override
// some default settings (see Options).
func New(opts *Options) (*Pipeline, error) {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	p := &Pipeline{
		Options:    opts,
		Log:        opts.Logger,
		workers:    NewFanPool(opts.ExtensionWorkers, opts.ExtensionWorkerQueue, opts.Logger),
		dispatcher: NewPool(opts.DispatchWorkers, opts.Logger),
		Extensions: &Extensions{
			Log: opts.Logger,
		},
		exec: &executor{
			log:       opts.Logger,
			tracer:    opts.Tracer,
			scheduler: opts.Scheduler,
		},
	}

	if err := p.AddExtensionsFromConfig(opts.Extensions); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// AddExtension attaches a new extension to the pipeline with a priority.
// Extensions with a higher priority are consulted first.
func (p *Pipeline) AddExtension(ext Extension, priority int, config any) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}

	nl := p.Log.With("extension", ext.ID())
	ext.SetOpts(nl, &ExtensionOptions{
		Capabilities: p.Options.Capabilities,
		Pool:         p.workers,
	})

	if err := p.Extensions.Add(ext, priority, config); err != nil {
		return err
	}

	p.Log.Info("added extension", "extension", ext.ID(), "priority", priority)
	return nil
}

// AddExtensionsFromConfig adds extensions to the pipeline which were specified in
// the extensions config (usually from a config file).
func (p *Pipeline) AddExtensionsFromConfig(exts []ExtensionLoadConfig) error {
	for _, e := range exts {
		if err := p.AddExtension(e.Extension, e.Priority, e.Config); err != nil {
			return err
		}
	}
	return nil
}

// RemoveExtension stops and disables an extension. Chains which are already
// being resolved are not affected.
func (p *Pipeline) RemoveExtension(id string) error {
	return p.Extensions.Remove(id)
}

// Notify passes a client lifecycle event to the extensions. The broker calls it
// for the events it observes; the pipeline calls it for authentication results
// and for authorizations which disconnect a client.
func (p *Pipeline) Notify(ev LifecycleEvent) {
	p.Log.Debug("lifecycle event", "kind", ev.Kind.String(), "client", ev.Client.ID)
	p.Extensions.OnLifecycleEvent(ev)
}

// decided passes a resolved decision to the extensions which observe them.
func (p *Pipeline) decided(d Decision) {
	p.Extensions.OnDecision(d)
}

// dispatch runs fn on a dispatch worker, or inline if the pipeline is closed.
func (p *Pipeline) dispatch(fn func()) {
	if !p.dispatcher.Enqueue(fn) {
		fn()
	}
}

// Close drains the worker pools and then stops the extensions. It must not be
// called from a result callback or an extension task.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.workers.Close()
		p.workers.Wait()
		p.dispatcher.Close()
		p.dispatcher.Wait()
		p.Extensions.Stop()
		p.Log.Info("pipeline closed")
	})
}
