package xnet

import "time"

// reactorOptions holds the resolved configuration for a Reactor, built by
// applying a slice of ReactorOption to reactorDefaults.
type reactorOptions struct {
	logger    Logger
	maxSlots  int
	maxWait   time.Duration
	callbacks Callbacks
	metrics   *Metrics
}

func reactorDefaults() reactorOptions {
	return reactorOptions{
		logger:   noopLogger{},
		maxSlots: 0xFFFF,
		maxWait:  time.Second,
	}
}

// ReactorOption configures a Reactor constructed via New.
type ReactorOption interface {
	applyReactor(*reactorOptions)
}

// reactorOptionImpl implements ReactorOption via a closure, avoiding a
// distinct type per option.
type reactorOptionImpl struct {
	fn func(*reactorOptions)
}

func (o *reactorOptionImpl) applyReactor(opts *reactorOptions) { o.fn(opts) }

// WithLogger sets the structured Logger used for lifecycle, teardown, and
// error events. Defaults to a no-op logger.
func WithLogger(logger Logger) ReactorOption {
	return &reactorOptionImpl{fn: func(opts *reactorOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}}
}

// WithMaxSlots sets the fixed capacity of the socket slot table. Defaults
// to 0xFFFF, matching the 16-bit slot id range.
func WithMaxSlots(n int) ReactorOption {
	return &reactorOptionImpl{fn: func(opts *reactorOptions) {
		if n > 0 {
			opts.maxSlots = n
		}
	}}
}

// WithMaxWait caps how long a single poll iteration may block when no
// timer is pending. Defaults to one second.
func WithMaxWait(d time.Duration) ReactorOption {
	return &reactorOptionImpl{fn: func(opts *reactorOptions) {
		if d > 0 {
			opts.maxWait = d
		}
	}}
}

// WithCallbacks registers the six per-concern callbacks the Reactor
// dispatches into. See Callbacks for the field semantics; unset fields are
// left as no-ops.
func WithCallbacks(cb Callbacks) ReactorOption {
	return &reactorOptionImpl{fn: func(opts *reactorOptions) {
		opts.callbacks = cb
	}}
}

// WithMetrics attaches a Metrics instance the Reactor updates as it runs.
// If omitted, metrics collection is skipped entirely (not merely
// discarded) to avoid the bookkeeping cost on the hot path.
func WithMetrics(m *Metrics) ReactorOption {
	return &reactorOptionImpl{fn: func(opts *reactorOptions) {
		opts.metrics = m
	}}
}

func resolveReactorOptions(options []ReactorOption) reactorOptions {
	opts := reactorDefaults()
	for _, o := range options {
		if o == nil {
			continue
		}
		o.applyReactor(&opts)
	}
	return opts
}
