package detector

// State is the detector's episode state.
type State int

const (
	StateIdle State = iota
	StateEvictionDetected
)

func (s State) String() string {
	if s == StateEvictionDetected {
		return "eviction_detected"
	}
	return "idle"
}

// Machine is the edge-triggered episode state machine. Observe returns true
// only on the transition into a new episode, so repeated notices for the
// same episode never fire twice.
type Machine struct {
	state   State
	episode string
}

// Observe records an eviction notice for episode and reports whether it
// starts a new episode.
func (m *Machine) Observe(episode string) bool {
	if m.state == StateEvictionDetected && m.episode == episode {
		return false
	}
	m.state = StateEvictionDetected
	m.episode = episode
	return true
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Episode returns the episode that was last detected.
func (m *Machine) Episode() string { return m.episode }
