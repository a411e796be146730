package spawner

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrWorkerFull        = errors.New("spawner: worker at capacity")
	ErrQueueFull         = errors.New("spawner: worker queue full")
	ErrWorkerClosed      = errors.New("spawner: worker disconnected")
	ErrNoWorkerAvailable = errors.New("spawner: no worker available")
	ErrInvalidTransition = errors.New("spawner: invalid task transition")
	ErrUnknownTask       = errors.New("spawner: unknown task")
	ErrLaunchKeyMismatch = errors.New("spawner: launch key mismatch")
)

// Status is the lifecycle position of a Task. Values are ordered: a task
// only moves forward, except that Aborting/Aborted can follow any
// non-terminal status.
type Status int

const (
	StatusInQueue Status = iota
	StatusStartingProcess
	StatusWaitingForProcess
	StatusReady
	StatusOpen
	StatusAborting
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInQueue:
		return "InQueue"
	case StatusStartingProcess:
		return "StartingProcess"
	case StatusWaitingForProcess:
		return "WaitingForProcess"
	case StatusReady:
		return "Ready"
	case StatusOpen:
		return "Open"
	case StatusAborting:
		return "Aborting"
	case StatusAborted:
		return "Aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusOpen || s == StatusAborted
}

// Well-known request property keys.
const (
	PropRegion = "region"
	PropScene  = "scene"
)

// Options tunes worker links and tasks.
type Options struct {
	DispatchInterval    time.Duration
	MaxQueueLength      int
	LaunchTimeout       time.Duration
	KillTimeout         time.Duration
	RegistrationTimeout time.Duration
	FPSLimit            int
	// ConstraintKeys are the request properties matched against worker
	// attributes when routing.
	ConstraintKeys []string
}

func DefaultOptions() Options {
	return Options{
		DispatchInterval:    100 * time.Millisecond,
		MaxQueueLength:      10,
		LaunchTimeout:       10 * time.Second,
		KillTimeout:         10 * time.Second,
		RegistrationTimeout: 60 * time.Second,
		FPSLimit:            60,
		ConstraintKeys:      []string{PropRegion},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = d.DispatchInterval
	}
	if o.MaxQueueLength <= 0 {
		o.MaxQueueLength = d.MaxQueueLength
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = d.LaunchTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = d.RegistrationTimeout
	}
	if o.ConstraintKeys == nil {
		o.ConstraintKeys = d.ConstraintKeys
	}
	return o
}
