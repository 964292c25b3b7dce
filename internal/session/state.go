package session

// State is a step of the session lifecycle
type State int

const (
	Idle State = iota
	Discovering
	Connecting
	Subscribed
	Draining
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:        "Idle",
	Discovering: "Discovering",
	Connecting:  "Connecting",
	Subscribed:  "Subscribed",
	Draining:    "Draining",
	Closed:      "Closed",
	Failed:      "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// StateNames lists every state name in lifecycle order
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

// Failed is reachable from every non-terminal state and is not listed here.
var transitions = map[State][]State{
	Idle:        {Discovering, Closed},
	Discovering: {Connecting, Closed},
	Connecting:  {Subscribed, Closed},
	Subscribed:  {Draining},
	Draining:    {Closed},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
