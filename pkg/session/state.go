package session

// State is a step of the session lifecycle.
//
//	AwaitingConfig -> Validating -> Synthesizing -> Launching -> Streaming -> Terminating -> Closed
//
// Errored can be entered from any state before Closed.
type State int

const (
	StateAwaitingConfig State = iota
	StateValidating
	StateSynthesizing
	StateLaunching
	StateStreaming
	StateTerminating
	StateErrored
	StateClosed
)

var stateNames = [...]string{
	StateAwaitingConfig: "awaiting_config",
	StateValidating:     "validating",
	StateSynthesizing:   "synthesizing",
	StateLaunching:      "launching",
	StateStreaming:      "streaming",
	StateTerminating:    "terminating",
	StateErrored:        "errored",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
