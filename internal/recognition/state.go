// Package recognition runs the detect→match→confirm loop: the state machine
// owning the pending candidate, the scan worker feeding it frames and the
// enrollment capture session.
package recognition

import (
	"fmt"
	"image"
	"time"
)

// State is the position of the recognition state machine.
type State int

const (
	// Scanning is the initial state: frames are matched, nothing is pending.
	Scanning State = iota
	// AwaitingConfirmation means a matched candidate waits for confirm or reject.
	AwaitingConfirmation
	// Confirmed is transient: the candidate was logged and scanning resumes.
	Confirmed
	// Cooldown follows a rejection; cycle results are suppressed until it ends.
	Cooldown
)

var stateNames = [...]string{"scanning", "awaiting_confirmation", "confirmed", "cooldown"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Message identifiers of the status and result texts. Localized renderings
// live in the i18n catalog.
const (
	StatusLooking  = "status.looking"
	StatusMatch    = "status.match"
	StatusUnknown  = "status.unknown"
	StatusEmptyDB  = "status.empty_db"
	StatusRejected = "status.rejected"

	ResultNoFace   = "result.no_face"
	ResultHello    = "result.hello"
	ResultUnknown  = "result.unknown"
	ResultTryAgain = "result.try_again"
	ResultWelcome  = "result.welcome"
)

// Message is a status or result text, identified by ID with an optional
// identity name filled into the template.
type Message struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Candidate is the identity waiting for confirmation.
type Candidate struct {
	Name       string          `json:"name"`
	Score      float64         `json:"score"`
	Box        image.Rectangle `json:"box"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Detection is the outcome for one face box of the latest cycle. Name is
// empty for unknown faces and for boxes seen during cooldown.
type Detection struct {
	Box   image.Rectangle `json:"box"`
	Name  string          `json:"name,omitempty"`
	Score float64         `json:"score,omitempty"`
}

// Known reports whether the box matched an identity.
func (d Detection) Known() bool {
	return d.Name != ""
}

// Snapshot is the observer-facing view of the machine.
type Snapshot struct {
	State           State       `json:"state"`
	Status          Message     `json:"status"`
	Result          Message     `json:"result"`
	Candidate       *Candidate  `json:"candidate,omitempty"`
	ShowConfirm     bool        `json:"show_confirm"`
	Threshold       float64     `json:"threshold"`
	Detections      []Detection `json:"detections"`
	CaptureDegraded bool        `json:"capture_degraded"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
