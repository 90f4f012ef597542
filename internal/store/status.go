package store

import (
	"fmt"
	"strings"
)

// Status is the upload lifecycle state shared by file artifacts and sensor
// readings. Values are persisted, so existing codes must never change.
type Status int

const (
	StatusRecording      Status = 0
	StatusReadyForUpload Status = 1
	StatusUploading      Status = 2
	StatusUploaded       Status = 3
	StatusDeleted        Status = 4
	StatusFailedToUpload Status = 10
	StatusFileNotExists  Status = 11
)

var statusNames = map[Status]string{
	StatusRecording:      "RECORDING",
	StatusReadyForUpload: "READY_FOR_UPLOAD",
	StatusUploading:      "UPLOADING",
	StatusUploaded:       "UPLOADED",
	StatusDeleted:        "DELETED",
	StatusFailedToUpload: "FAILED_TO_UPLOAD",
	StatusFileNotExists:  "FILE_NOT_EXISTS",
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusRecording,
	StatusReadyForUpload,
	StatusUploading,
	StatusUploaded,
	StatusDeleted,
	StatusFailedToUpload,
	StatusFileNotExists,
}

// NonTerminal lists the statuses a reconciliation pass must drive forward.
var NonTerminal = []Status{
	StatusRecording,
	StatusReadyForUpload,
	StatusUploading,
	StatusFailedToUpload,
}

// transitions is the lifecycle graph. UPLOADING -> READY_FOR_UPLOAD is the
// only backward edge (connectivity lost or a stale claim released).
var transitions = map[Status][]Status{
	StatusRecording:      {StatusReadyForUpload, StatusUploading, StatusFileNotExists},
	StatusReadyForUpload: {StatusUploading, StatusFileNotExists},
	StatusFailedToUpload: {StatusUploading, StatusReadyForUpload, StatusFileNotExists},
	StatusUploading:      {StatusUploaded, StatusFailedToUpload, StatusReadyForUpload},
	StatusUploaded:       {StatusDeleted},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the lifecycle graph has an edge s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every status with an edge into to.
func Sources(to Status) []Status {
	var from []Status
	for _, s := range AllStatuses {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// ParseStatus accepts a status name (case-insensitive, '-' or '_') or its
// numeric code.
func ParseStatus(v string) (Status, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", "_"))
	for s, name := range statusNames {
		if name == norm || fmt.Sprint(int(s)) == norm {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// ParseStatuses parses a list of status names. An empty list yields nil.
func ParseStatuses(values []string) ([]Status, error) {
	var out []Status
	for _, v := range values {
		s, err := ParseStatus(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// MarshalText renders the status name, so JSON output carries names
// rather than codes.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
