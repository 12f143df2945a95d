package tracking

import (
	"errors"
	"time"

	"github.com/shaunagostinho/course-tracker/internal/session"
)

// State is the tracking session lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingPermission
	AwaitingSessionDetails
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPermission:
		return "awaiting_permission"
	case AwaitingSessionDetails:
		return "awaiting_session_details"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrPermissionDenied = errors.New("tracking: location permission denied")
	ErrStopped          = errors.New("tracking: controller stopped")
)

// Operator-facing texts.
const (
	msgPermissionRequired = "Wymagane uprawnienie lokalizacji!"
	msgIncompleteDetails  = "Wypełnij wszystkie pola!"
	msgCourseTooLong      = "Nr kursu: maksymalnie 4 znaki"
	msgStopped            = "Zatrzymano GPS"
)

// Snapshot is a copy of the controller's session as seen by the event loop.
type Snapshot struct {
	State     State            `json:"state"`
	SessionID string           `json:"sessionId,omitempty"`
	Metadata  session.Metadata `json:"metadata"`
	StartedAt time.Time        `json:"startedAt,omitzero"`
	Fixes     uint64           `json:"fixes"`
}

// trackingSession is the aggregate owned by the event loop. The zero value
// is an idle session.
type trackingSession struct {
	state     State
	id        string
	metadata  session.Metadata
	startedAt time.Time
	fixes     uint64
}

func (t *trackingSession) reset() {
	*t = trackingSession{}
}
