package monitor

// Event stream connection state machine.
//
// The supervisor drives one instance per backend server. Transitions
// are pure: ApplyConnEvent computes the next state and the actions the
// caller must execute, and never touches I/O, timers, or the registry.
// The run loop in supervisor.go owns all side effects.
//
//	Disconnected --Connect--> Connecting
//	Connecting --Established--> Connected
//	Connecting --ConnectFailed--> Reconnecting
//	Connecting --GiveUp--> Failed
//	Connected --StreamClosed--> Reconnecting
//	Reconnecting --BackoffElapsed--> Connecting
//	Failed --Reset--> Disconnected

// -------------------------------------------------------------------------
// States and Events
// -------------------------------------------------------------------------

// ConnState is the supervisor's connection state.
type ConnState uint8

const (
	// ConnDisconnected is the initial state before the first attempt
	// and the state after a Failed supervisor is reset.
	ConnDisconnected ConnState = iota
	// ConnConnecting means a subscribe attempt is in flight.
	ConnConnecting
	// ConnConnected means the event stream is established and being read.
	ConnConnected
	// ConnReconnecting means the supervisor is waiting out a backoff
	// delay before the next attempt.
	ConnReconnecting
	// ConnFailed means the retry budget is exhausted. Only a reset,
	// triggered by a fresh announcement, leaves this state.
	ConnFailed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnEvent is an input to the connection state machine.
type ConnEvent uint8

const (
	// EventConnect starts the first subscribe attempt.
	EventConnect ConnEvent = iota
	// EventEstablished reports a successful subscribe.
	EventEstablished
	// EventStreamClosed reports that an established stream ended.
	EventStreamClosed
	// EventConnectFailed reports a failed subscribe attempt with
	// budget remaining.
	EventConnectFailed
	// EventBackoffElapsed reports that the reconnect delay expired.
	EventBackoffElapsed
	// EventGiveUp reports that consecutive failures exhausted the
	// retry budget.
	EventGiveUp
	// EventReset clears a Failed supervisor after a fresh announcement.
	EventReset
)

// String returns the lowercase event name.
func (e ConnEvent) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventEstablished:
		return "established"
	case EventStreamClosed:
		return "stream_closed"
	case EventConnectFailed:
		return "connect_failed"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventGiveUp:
		return "give_up"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// ConnAction is a side effect the caller must perform after a
// transition.
type ConnAction uint8

const (
	// ActionResetBackoff clears the consecutive failure counter.
	ActionResetBackoff ConnAction = iota
	// ActionScheduleReconnect arms the backoff timer.
	ActionScheduleReconnect
	// ActionNotifyFailed surfaces the terminal failure to subscribers
	// and marks the server unhealthy.
	ActionNotifyFailed
)

// -------------------------------------------------------------------------
// Transition table
// -------------------------------------------------------------------------

type connKey struct {
	state ConnState
	event ConnEvent
}

type connTransition struct {
	next    ConnState
	actions []ConnAction
}

var connTable = map[connKey]connTransition{
	{ConnDisconnected, EventConnect}:        {next: ConnConnecting},
	{ConnConnecting, EventEstablished}:      {next: ConnConnected, actions: []ConnAction{ActionResetBackoff}},
	{ConnConnecting, EventConnectFailed}:    {next: ConnReconnecting, actions: []ConnAction{ActionScheduleReconnect}},
	{ConnConnecting, EventGiveUp}:           {next: ConnFailed, actions: []ConnAction{ActionNotifyFailed}},
	{ConnConnected, EventStreamClosed}:      {next: ConnReconnecting, actions: []ConnAction{ActionScheduleReconnect}},
	{ConnReconnecting, EventBackoffElapsed}: {next: ConnConnecting},
	{ConnFailed, EventReset}:                {next: ConnDisconnected},
}

// ConnResult describes the outcome of applying one event.
type ConnResult struct {
	OldState ConnState
	NewState ConnState
	Actions  []ConnAction
	// Changed is false when the event is not defined for the current
	// state; such events are ignored.
	Changed bool
}

// ApplyConnEvent computes the transition for event in state. Undefined
// combinations leave the state unchanged and carry no actions.
func ApplyConnEvent(state ConnState, event ConnEvent) ConnResult {
	tr, ok := connTable[connKey{state, event}]
	if !ok {
		return ConnResult{OldState: state, NewState: state}
	}
	return ConnResult{
		OldState: state,
		NewState: tr.next,
		Actions:  tr.actions,
		Changed:  tr.next != state,
	}
}
