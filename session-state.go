package portalchat

type SessionState int8

const (
	Idle SessionState = iota
	Connecting
	Open
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}
