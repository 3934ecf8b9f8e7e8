package connection

// State is the lifecycle state of one authenticated connection.
type State string

const (
	// StateDisconnected is both the initial and the terminal state; a
	// disconnected connection may connect again.
	StateDisconnected State = "DISCONNECTED"

	// StateInitializing means metadata and credentials are being loaded.
	StateInitializing State = "INITIALIZING"

	// StateConnecting means a transport attempt is in flight.
	StateConnecting State = "CONNECTING"

	// StateAuthenticating means the remote demanded OAuth and the
	// authorization redirect is pending.
	StateAuthenticating State = "AUTHENTICATING"

	// StateAuthenticated means the code exchange completed and a fresh
	// transport connect is about to run.
	StateAuthenticated State = "AUTHENTICATED"

	// StateConnected means the transport handshake succeeded.
	StateConnected State = "CONNECTED"

	// StateDiscovering means a capability listing is in flight.
	StateDiscovering State = "DISCOVERING"

	// StateReady means the connection is connected and discovered.
	StateReady State = "READY"

	// StateValidating means a persisted session is being restored.
	StateValidating State = "VALIDATING"

	// StateFailed marks an unrecoverable error.
	StateFailed State = "FAILED"
)

// Live reports whether the connection holds a usable client handle.
func (s State) Live() bool {
	switch s {
	case StateConnected, StateDiscovering, StateReady:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}
