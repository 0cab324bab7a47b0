package domain

// Priority is the fetch tier assigned to a storage unit.
type Priority int

const (
	PriorityNone     Priority = -1
	PriorityLow      Priority = 0 // Background.
	PriorityModerate Priority = 1 // Sample points across the file.
	PriorityElevated Priority = 2 // Buffer window ahead of the playhead.
	PriorityHigh     Priority = 3 // Critical window and container headers.
	PriorityMax      Priority = 4 // Units the player needs right now.
)

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityModerate:
		return "moderate"
	case PriorityElevated:
		return "elevated"
	case PriorityHigh:
		return "high"
	case PriorityMax:
		return "max"
	default:
		return "unknown"
	}
}
