package realtime

// ConnectionState is the state of the shared real-time connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type event int

const (
	connectRequested event = iota
	handshakeSucceeded
	transportClosed
	disconnectRequested
)

func (e event) String() string {
	switch e {
	case connectRequested:
		return "connect"
	case handshakeSucceeded:
		return "handshake_ok"
	case transportClosed:
		return "transport_closed"
	case disconnectRequested:
		return "disconnect"
	default:
		return "unknown"
	}
}

// transition is the whole reconnect policy. It returns the next state and
// attempt counter, and ok=false when the event does not apply in cur.
//
//	disconnected|error --connect--> connecting (attempts reset)
//	connecting --handshake_ok--> connected (attempts reset)
//	connecting|connected --transport_closed--> connecting, or error once
//	    attempts reaches the ceiling
//	any --disconnect--> disconnected (attempts reset)
func transition(cur ConnectionState, attempts int, ev event, ceiling int) (ConnectionState, int, bool) {
	switch ev {
	case connectRequested:
		if cur == StateConnecting || cur == StateConnected {
			return cur, attempts, false
		}
		return StateConnecting, 0, true

	case handshakeSucceeded:
		if cur != StateConnecting {
			return cur, attempts, false
		}
		return StateConnected, 0, true

	case transportClosed:
		if cur != StateConnecting && cur != StateConnected {
			return cur, attempts, false
		}
		attempts++
		if attempts >= ceiling {
			return StateError, attempts, true
		}
		return StateConnecting, attempts, true

	case disconnectRequested:
		return StateDisconnected, 0, true
	}
	return cur, attempts, false
}
