package engine

import "fmt"

// State is a channel's lifecycle state. DEPLOYED splits into STOPPED,
// STARTED, and PAUSED sub-states.
type State int

const (
	Undeployed State = iota
	Deploying
	Stopped // DEPLOYED:STOPPED
	Started // DEPLOYED:STARTED
	Paused  // DEPLOYED:PAUSED
	Halting
	Undeploying
)

var stateNames = map[State]string{
	Undeployed:  "UNDEPLOYED",
	Deploying:   "DEPLOYING",
	Stopped:     "DEPLOYED:STOPPED",
	Started:     "DEPLOYED:STARTED",
	Paused:      "DEPLOYED:PAUSED",
	Halting:     "HALTING",
	Undeploying: "UNDEPLOYING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Deployed tells whether the state is one of the DEPLOYED sub-states.
func (s State) Deployed() bool {
	return s == Stopped || s == Started || s == Paused
}

// transitions is the permitted state graph.
var transitions = map[State][]State{
	Undeployed:  {Deploying},
	Deploying:   {Stopped, Undeployed},
	Stopped:     {Started, Halting, Undeploying},
	Started:     {Stopped, Paused, Halting, Undeploying},
	Paused:      {Started, Stopped, Halting, Undeploying},
	Halting:     {Stopped, Undeployed},
	Undeploying: {Undeployed},
}

// CanTransition reports whether s → to is a permitted transition.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
