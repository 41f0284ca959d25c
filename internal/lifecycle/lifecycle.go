// Package lifecycle defines the shared vocabulary of job states, test
// phases and lifecycle events.
package lifecycle

// State is the lifecycle state of a job as stored in its result document.
type State string

const (
	StateWaiting        State = "waiting"
	StateSetup          State = "setup"
	StateProvision      State = "provision"
	StateFirmwareUpdate State = "firmware_update"
	StateTest           State = "test"
	StateAllocate       State = "allocate"
	StateAllocated      State = "allocated"
	StateReserve        State = "reserve"
	StateCleanup        State = "cleanup"
	StateCancelled      State = "cancelled"
	StateCompleted      State = "completed"
)

// States lists every state in lifecycle order.
var States = []State{
	StateWaiting,
	StateSetup,
	StateProvision,
	StateFirmwareUpdate,
	StateTest,
	StateAllocate,
	StateAllocated,
	StateReserve,
	StateCleanup,
	StateCancelled,
	StateCompleted,
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Phase is a state that corresponds to an executable stage.
type Phase string

const (
	PhaseSetup          Phase = "setup"
	PhaseProvision      Phase = "provision"
	PhaseFirmwareUpdate Phase = "firmware_update"
	PhaseTest           Phase = "test"
	PhaseAllocate       Phase = "allocate"
	PhaseReserve        Phase = "reserve"
	PhaseCleanup        Phase = "cleanup"
)

// Phases lists the executable phases in the order an agent runs them.
var Phases = []Phase{
	PhaseSetup,
	PhaseProvision,
	PhaseFirmwareUpdate,
	PhaseTest,
	PhaseAllocate,
	PhaseReserve,
	PhaseCleanup,
}

// ParsePhase returns the phase named by s.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range Phases {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// State returns the job state entered when the phase starts.
func (p Phase) State() State {
	return State(p)
}

// Event is an entry in the append-only lifecycle audit stream. Events are
// informational and never drive state transitions.
type Event string

const (
	EventCancelled     Event = "cancelled"
	EventGlobalTimeout Event = "global_timeout"
	EventOutputTimeout Event = "output_timeout"
	EventRecoveryFail  Event = "recovery_fail"
	EventNormalExit    Event = "normal_exit"
	EventJobStart      Event = "job_start"
	EventJobEnd        Event = "job_end"
)

// Start returns the event emitted when the phase begins.
func (p Phase) Start() Event { return Event(string(p) + "_start") }

// Success returns the event emitted when the phase ends with status 0.
func (p Phase) Success() Event { return Event(string(p) + "_success") }

// Fail returns the event emitted when the phase ends with a non-zero status.
func (p Phase) Fail() Event { return Event(string(p) + "_fail") }

// Events lists every lifecycle event.
func Events() []Event {
	events := make([]Event, 0, len(Phases)*3+7)
	for _, p := range Phases {
		events = append(events, p.Start(), p.Success(), p.Fail())
	}
	return append(events,
		EventCancelled,
		EventGlobalTimeout,
		EventOutputTimeout,
		EventRecoveryFail,
		EventNormalExit,
		EventJobStart,
		EventJobEnd,
	)
}

// LogType identifies the stream a log fragment belongs to.
type LogType string

const (
	LogTypeOutput LogType = "output"
	LogTypeSerial LogType = "serial"
)

// ParseLogType returns the log type named by s.
func ParseLogType(s string) (LogType, bool) {
	switch LogType(s) {
	case LogTypeOutput, LogTypeSerial:
		return LogType(s), true
	default:
		return "", false
	}
}

// Label is the suffix used for the log type in reconstructed results.
func (t LogType) Label() string {
	return string(t)
}
