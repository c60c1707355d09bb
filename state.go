package xnet

import "sync/atomic"

// ReactorState represents the lifecycle state of a Reactor.
//
//	StateAwake (0)       -- Run() --> StateRunning (1)
//	StateRunning (1)     -- poll() blocks --> StateSleeping (2)
//	StateSleeping (2)    -- woken by command/timer/IO --> StateRunning (1)
//	StateRunning/Sleeping -- Shutdown()/Exit command --> StateTerminating (3)
//	StateTerminating (3) -- final drain complete --> StateTerminated (4)
//
// Use TryTransition (CAS) for the reversible Running <-> Sleeping edge;
// use Store for the one-way transitions into Terminating/Terminated.
type ReactorState uint32

const (
	// StateAwake is the state of a Reactor that has been constructed but
	// whose Run method has not yet been called.
	StateAwake ReactorState = iota
	// StateRunning is the state of a Reactor actively draining commands,
	// timers, or dispatching I/O events.
	StateRunning
	// StateSleeping is the state of a Reactor blocked inside the OS poll
	// syscall, awaiting a readiness event or a self-pipe wakeup.
	StateSleeping
	// StateTerminating is the state of a Reactor that has been asked to
	// stop (via Shutdown or an Exit command) but has not yet unwound its
	// run loop.
	StateTerminating
	// StateTerminated is the terminal state; the run loop has returned.
	StateTerminated
)

func (s ReactorState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine guarding Reactor lifecycle
// transitions with atomic CAS, avoiding a mutex on the hot dispatch path.
type fastState struct {
	v atomic.Uint32
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *fastState) Load() ReactorState { return ReactorState(s.v.Load()) }

func (s *fastState) Store(state ReactorState) { s.v.Store(uint32(state)) }

func (s *fastState) TryTransition(from, to ReactorState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastState) IsTerminal() bool { return s.Load() == StateTerminated }
