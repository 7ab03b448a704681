package vault

// State is the lifecycle state of the master key.
type State int

const (
	// Locked means no key is held.
	Locked State = iota
	// Unlocking means a master password is being solicited.
	Unlocking
	// Unlocked means a key is held and usable.
	Unlocked
	// Rotating means a master password change is re-encrypting entries.
	Rotating
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case Rotating:
		return "rotating"
	default:
		return "unknown"
	}
}
