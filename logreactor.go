package xnet

import (
	"context"
	"time"
)

// LogCommand is the user command code every reactor constructed elsewhere
// in this process is expected to use when forwarding a record to a log
// reactor. NewLogReactor only inspects frames carrying this code; any
// other command reaching its OnCommand is ignored, matching the original
// log thread's single-purpose command callback.
const LogCommand int32 = 1

// NewLogReactor builds a dedicated Reactor whose only job is to receive
// User commands from other reactors in the process and append them as
// structured log records via logger. Grounded on the original design's
// single detached logging thread: one context, one command callback,
// every other reactor forwards records to it instead of writing directly
// -- so concurrent writers never interleave output and the hot dispatch
// path never blocks on log I/O.
//
// The returned Reactor is not yet running; the caller is expected to run
// it (typically in its own goroutine) alongside the reactors that feed it.
func NewLogReactor(logger Logger, options ...ReactorOption) (*Reactor, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	opts := append([]ReactorOption{
		WithCallbacks(Callbacks{
			OnCommand: func(r *Reactor, sourceID int64, command int32, data []byte) bool {
				if command != LogCommand {
					return false
				}
				logger.Info("record",
					F("source", sourceID),
					F("time", time.Now().UTC().Format(time.RFC3339Nano)),
					F("data", string(data)),
				)
				return false
			},
		}),
	}, options...)
	return New(opts...)
}

// Log forwards data to a log reactor built by NewLogReactor, tagging it
// with LogCommand. Equivalent to calling AsyncSendUserCommand(logReactor,
// LogCommand, data) directly; provided for readability at call sites that
// only ever log.
func Log(from *Reactor, logReactor *Reactor, data []byte) error {
	return from.AsyncSendUserCommand(logReactor, LogCommand, data)
}

// RunLogReactor is a convenience that runs a log reactor until ctx is
// done or ctx.Done fires, intended to be launched in its own goroutine:
//
//	logReactor, _ := xnet.NewLogReactor(logger)
//	go xnet.RunLogReactor(ctx, logReactor)
func RunLogReactor(ctx context.Context, logReactor *Reactor) error {
	return logReactor.Run(ctx)
}
