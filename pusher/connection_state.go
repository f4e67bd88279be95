package pusher

// ConnectionState identifies the lifecycle state of the logical connection.
type ConnectionState int

const (
	ConnectionStateUninitialized ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnecting
	ConnectionStateDisconnected
)

// String returns the lowercase name of the state.
func (state ConnectionState) String() string {
	switch state {
	case ConnectionStateUninitialized:
		return "uninitialized"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnecting:
		return "disconnecting"
	case ConnectionStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
