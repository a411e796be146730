package messaging

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout applies to requests sent without an explicit timeout.
const DefaultTimeout = 60 * time.Second

// OpCode identifies the operation a message carries.
type OpCode uint16

const (
	OpRegisterWorker OpCode = iota + 1
	OpLaunchProcess
	OpKillProcess
	OpProcessStarted
	OpProcessExited
	OpRegisterInstance
	OpOpenInstance
	OpUnregisterInstance
	OpRequestAccess
	OpProvideAccess
	OpPlayerJoined
	OpPlayerLeft
	OpWorkerStatus
)

var opNames = map[OpCode]string{
	OpRegisterWorker:     "RegisterWorker",
	OpLaunchProcess:      "LaunchProcess",
	OpKillProcess:        "KillProcess",
	OpProcessStarted:     "ProcessStarted",
	OpProcessExited:      "ProcessExited",
	OpRegisterInstance:   "RegisterInstance",
	OpOpenInstance:       "OpenInstance",
	OpUnregisterInstance: "UnregisterInstance",
	OpRequestAccess:      "RequestAccess",
	OpProvideAccess:      "ProvideAccess",
	OpPlayerJoined:       "PlayerJoined",
	OpPlayerLeft:         "PlayerLeft",
	OpWorkerStatus:       "WorkerStatus",
}

func (o OpCode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OpCode(%d)", uint16(o))
}

// Status is the result byte carried by every response.
type Status byte

const (
	StatusSuccess Status = iota
	StatusTimeout
	StatusError
	StatusUnauthorized
	StatusFailed
	StatusNotConnected
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusFailed:
		return "failed"
	case StatusNotConnected:
		return "not-connected"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// Delivery is the ordering class of a notification.
type Delivery byte

const (
	// Reliable messages are ordered and guaranteed.
	Reliable Delivery = iota
	// ReliableSequenced messages are ordered per channel; used for
	// frequent low-priority updates such as occupancy bookkeeping.
	ReliableSequenced
)

// Envelope is the unit written to the wire.
type Envelope struct {
	Op       OpCode   `cbor:"op"`
	ID       uint32   `cbor:"id,omitempty"`
	Response bool     `cbor:"rsp,omitempty"`
	Status   Status   `cbor:"st,omitempty"`
	Delivery Delivery `cbor:"dl,omitempty"`
	Payload  []byte   `cbor:"p,omitempty"`
}

// Response is what a requester receives: the peer's answer, or a
// synthesized timeout / not-connected status.
type Response struct {
	Status  Status
	Payload []byte
}

// Decode unmarshals the response payload into v.
func (r Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.New("messaging: empty response payload")
	}
	return Unmarshal(r.Payload, v)
}

// Err returns nil for a successful response and an error carrying the
// status and the peer's message otherwise.
func (r Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	var msg string
	if len(r.Payload) > 0 {
		_ = Unmarshal(r.Payload, &msg)
	}
	if msg == "" {
		return &ResponseError{Status: r.Status}
	}
	return &ResponseError{Status: r.Status, Message: msg}
}

// ResponseError is a non-success response turned into an error.
type ResponseError struct {
	Status  Status
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// StatusOf extracts the status from an error produced by Response.Err.
// Errors of other kinds map to StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *ResponseError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusError
}
