package call

// State is the lifecycle of one bridged call.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateGoodbyeDetected
	StatePeerClosed
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateGoodbyeDetected:
		return "goodbye_detected"
	case StatePeerClosed:
		return "peer_closed"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateGoodbyeDetected || s == StatePeerClosed || s == StateError
}

func (s State) endReason() EndReason {
	switch s {
	case StateGoodbyeDetected:
		return EndGoodbye
	case StateError:
		return EndError
	default:
		return EndPeerClosed
	}
}
