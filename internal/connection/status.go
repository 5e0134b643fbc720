package connection

import (
	"encoding/json"
	"time"
)

// Status is the connection lifecycle state.
type Status int

const (
	NotReady Status = iota
	Initializing
	WaitingForAuthCode
	Ready
	AuthFailed
	Disconnected
	Error
)

var statusNames = map[Status]string{
	NotReady:           "not_ready",
	Initializing:       "initializing",
	WaitingForAuthCode: "waiting_for_auth_code",
	Ready:              "ready",
	AuthFailed:         "auth_failed",
	Disconnected:       "disconnected",
	Error:              "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a point-in-time copy of the connection state.
type Snapshot struct {
	Status       Status
	AuthCode     string
	RetryCount   int
	Strategy     string
	Initializing bool
	HasClient    bool
	LastAttempt  time.Time
}

// StatusEvent is published on the status feed for every transition.
// AuthCode is set only while waiting for the code to be scanned.
type StatusEvent struct {
	Status     string    `json:"status"`
	AuthCode   string    `json:"authCode,omitempty"`
	RetryCount int       `json:"retryCount"`
	Strategy   string    `json:"strategy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event converts a snapshot to its feed representation.
func (s Snapshot) Event(at time.Time) StatusEvent {
	return StatusEvent{
		Status:     s.Status.String(),
		AuthCode:   s.AuthCode,
		RetryCount: s.RetryCount,
		Strategy:   s.Strategy,
		Timestamp:  at.UTC(),
	}
}

// QR endpoint status values
const (
	QRInitializing   = "initializing"
	QRAuthenticated  = "authenticated"
	QRWaitingForScan = "waiting_for_scan"
	QRLoading        = "loading"
	QRError          = "error"
)

// QRStatus maps a snapshot to the vocabulary of the auth-code endpoint.
func QRStatus(s Snapshot) string {
	switch {
	case s.Status == Error:
		return QRError
	case !s.HasClient:
		return QRInitializing
	case s.Status == Ready:
		return QRAuthenticated
	case s.Status == WaitingForAuthCode:
		return QRWaitingForScan
	case s.Status == Initializing:
		return QRLoading
	default:
		return s.Status.String()
	}
}
