// internal/session/state.go
package session

// State is the lifecycle position of the session loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateGenerating
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateGenerating:
		return "generating"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
