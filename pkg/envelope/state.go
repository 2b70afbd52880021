package envelope

// State is a step of the dispatcher's per-request state machine.
type State uint8

const (
	StateMatching State = iota
	StatePreMiddleware
	StateGuardResolution
	StateHandling
	StatePostMiddleware
	StateResponding
	StateResponded
	StateFailed
)

var stateNames = [...]string{
	StateMatching:        "matching",
	StatePreMiddleware:   "pre_middleware",
	StateGuardResolution: "guard_resolution",
	StateHandling:        "handling",
	StatePostMiddleware:  "post_middleware",
	StateResponding:      "responding",
	StateResponded:       "responded",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Transition records that the request entered s.
func (r *Request) Transition(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

// State returns the most recent state, StateMatching when none was recorded.
func (r *Request) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.states) == 0 {
		return StateMatching
	}
	return r.states[len(r.states)-1]
}

// States returns the recorded state trace.
func (r *Request) States() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]State(nil), r.states...)
}
