package redisconn

// State is the connection lifecycle state.
type State int

// Connection states. Ready and Fatal are terminal for one connection attempt.
const (
	Disconnected State = iota
	Connecting
	SyncingScripts
	Ready
	Fatal
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	SyncingScripts: "syncing_scripts",
	Ready:          "ready",
	Fatal:          "fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateNames returns the names of all states, in lifecycle order.
func StateNames() []string {
	out := make([]string, len(stateNames))
	copy(out, stateNames[:])
	return out
}
