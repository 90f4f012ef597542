package control

import "encoding/json"

// Client → server message types.
const (
	TypeUpload = "upload"
	TypeSensor = "sensor"
	TypeStatus = "status"
)

// Server → client message types.
const (
	TypeAck   = "ack"
	TypeError = "error"
)

// Error codes.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// Request is a control command, received over the websocket or as a REST
// body. Fields beyond Type depend on the command.
type Request struct {
	Type     string          `json:"type"`
	Statuses []string        `json:"statuses,omitempty"`
	Session  string          `json:"session,omitempty"`
	Sensor   string          `json:"sensor,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Reply answers one Request.
type Reply struct {
	Type    string    `json:"type"`
	Command string    `json:"command,omitempty"`
	ID      int64     `json:"id,omitempty"`
	Status  *Snapshot `json:"status,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func errorReply(command, code, msg string) Reply {
	return Reply{Type: TypeError, Command: command, Code: code, Error: msg}
}
