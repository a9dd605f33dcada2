package relay

type Status int8

const (
	Inactive Status = iota - 1
	Open
	// Draining keeps existing connections but refuses new ones.
	Draining
)

func (s Status) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Open:
		return "Open"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}
