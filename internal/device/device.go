package device

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Delegate receives unsolicited events from a Session.
type Delegate interface {
	// OnDisconnect reports a link loss the delegate did not request.
	OnDisconnect()
	// OnNotification carries a value update no pending read claimed.
	OnNotification(ok bool, uuid string, data []byte)
	// OnWriteComplete reports the completion of a with-response write.
	OnWriteComplete(ok bool, uuid string)
}
