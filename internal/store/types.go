package store

import "time"

// Kind names the table a status transition applies to.
type Kind string

const (
	KindFile   Kind = "file"
	KindSensor Kind = "sensor"
)

func (k Kind) table() (string, error) {
	switch k {
	case KindFile:
		return "files", nil
	case KindSensor:
		return "sensor_readings", nil
	}
	return "", &InvalidKindError{Kind: k}
}

// InvalidKindError is returned for a Kind other than KindFile or KindSensor.
type InvalidKindError struct {
	Kind Kind
}

func (e *InvalidKindError) Error() string {
	return "invalid record kind " + string(e.Kind)
}

// Session is one capture run. RecordingStartedAt anchors the relative
// offsets reported upstream and is set at most once.
type Session struct {
	ID                 string     `json:"id"`
	RecordingStartedAt *time.Time `json:"recordingStartedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// FileArtifact is one recorded chunk file. CreatedAt is the filesystem
// birth time and may be nil when it could not be read at creation.
type FileArtifact struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session"`
	Path      string     `json:"path"`
	Filename  string     `json:"filename"`
	MimeType  string     `json:"type"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Status    Status     `json:"status"`
}

// SensorReading is one persisted sensor sample. Payload is JSON text.
type SensorReading struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// Transition is one applied status change from status_history.
// From is nil for the insert that created the record.
type Transition struct {
	Kind     Kind      `json:"kind"`
	RecordID int64     `json:"recordId"`
	From     *Status   `json:"from,omitempty"`
	To       Status    `json:"to"`
	At       time.Time `json:"at"`
}
