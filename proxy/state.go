package proxy

// State is the proxy's lifecycle state. Transitions are one-way:
// Initializing->Ready on the worker's initialized message, Ready->Crashed on
// a classified failure, Ready or Crashed->Disposing on the first Dispose,
// Disposing->Disposed once termination ran.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateCrashed
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}
