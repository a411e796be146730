package spawner

import (
	"fmt"
	"strings"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Task tracks one request to start a game-server process, from the
// worker's queue until the launched instance opens or the task aborts.
type Task struct {
	ID         string
	Properties map[string]string
	Args       string

	worker     *WorkerLink
	launchKey  string
	status     Status
	history    []Status
	instanceID string
	reason     string
	createdAt  time.Time

	launchAccepted bool
	// skipKill is set once there is known to be no process to kill.
	skipKill bool
	deadline *loop.Timer
	whenDone []func(*Task)
}

func newTask(w *WorkerLink, props map[string]string, args string) *Task {
	copied := make(map[string]string, len(props))
	for k, v := range props {
		copied[k] = v
	}
	return &Task{
		ID:         uuid.NewString(),
		Properties: copied,
		Args:       strings.TrimSpace(args),
		worker:     w,
		launchKey:  uuid.NewString(),
		status:     StatusInQueue,
		history:    []Status{StatusInQueue},
		createdAt:  w.loop.Now(),
	}
}

func (t *Task) Worker() *WorkerLink { return t.worker }

func (t *Task) Status() Status { return t.status }

// History returns every status the task has been in, oldest first.
func (t *Task) History() []Status {
	out := make([]Status, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Task) InstanceID() string { return t.instanceID }

func (t *Task) LaunchKey() string { return t.launchKey }

func (t *Task) AbortReason() string { return t.reason }

func (t *Task) Scene() string { return t.Properties[PropScene] }

// LaunchAccepted reports whether the worker acknowledged the launch
// command.
func (t *Task) LaunchAccepted() bool { return t.launchAccepted }

func (t *Task) IsDone() bool { return t.status.Terminal() }

// WhenDone registers fn to run once the task opens or aborts. If the task
// is already done fn runs immediately.
func (t *Task) WhenDone(fn func(*Task)) {
	if t.IsDone() {
		fn(t)
		return
	}
	t.whenDone = append(t.whenDone, fn)
}

// VerifyLaunchKey checks the key a spawned process presents when it
// registers.
func (t *Task) VerifyLaunchKey(key string) error {
	if key == "" || key != t.launchKey {
		return ErrLaunchKeyMismatch
	}
	return nil
}

func (t *Task) start() {
	opts := t.worker.opts
	t.setStatus(StatusStartingProcess)
	t.arm(opts.LaunchTimeout, "process did not report start in time")

	cmd := messaging.LaunchProcess{
		TaskID:    t.ID,
		LaunchKey: t.launchKey,
		Scene:     t.Scene(),
		Args:      t.Args,
		FPSLimit:  opts.FPSLimit,
	}
	t.worker.peer.Send(messaging.OpLaunchProcess, cmd, opts.LaunchTimeout, func(resp messaging.Response) {
		if t.IsDone() || t.status == StatusAborting {
			return
		}
		if resp.Status == messaging.StatusSuccess {
			t.launchAccepted = true
			log.Debug().Str("taskId", t.ID).Str("workerId", t.worker.ID).Msg("spawner: launch accepted by worker")
			return
		}
		if resp.Status != messaging.StatusTimeout && t.status == StatusStartingProcess {
			t.skipKill = true
		}
		t.Abort(fmt.Sprintf("launch failed: %v", resp.Err()))
	})
	log.Info().Str("taskId", t.ID).Str("workerId", t.worker.ID).Str("scene", t.Scene()).Msg("spawner: launch requested")
}

// OnProcessStarted records the launched process reporting back.
func (t *Task) OnProcessStarted() error {
	if t.status != StatusStartingProcess {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, StatusWaitingForProcess)
	}
	t.setStatus(StatusWaitingForProcess)
	t.arm(t.worker.opts.RegistrationTimeout, "process did not register in time")
	return nil
}

// OnRegistered records the process registering as a live instance.
func (t *Task) OnRegistered(instanceID string) error {
	if t.status != StatusWaitingForProcess {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, StatusReady)
	}
	t.disarm()
	t.instanceID = instanceID
	t.setStatus(StatusReady)
	return nil
}

// OnOpened records the instance opening itself to players.
func (t *Task) OnOpened() error {
	if t.status != StatusReady {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, StatusOpen)
	}
	t.finish(StatusOpen)
	return nil
}

// Abort cancels the task. Calls after the first, or on a finished task,
// do nothing. A task that never reached the worker aborts immediately;
// otherwise the worker is asked to kill the process and the task settles
// in Aborted when the kill is answered or times out.
func (t *Task) Abort(reason string) {
	if t.IsDone() || t.status == StatusAborting {
		return
	}
	prev := t.status
	t.reason = reason
	t.disarm()
	t.setStatus(StatusAborting)
	log.Info().Str("taskId", t.ID).Str("workerId", t.worker.ID).Str("from", prev.String()).Str("reason", reason).Msg("spawner: aborting task")

	if prev == StatusInQueue {
		t.worker.queue.Remove(t.ID)
		t.finish(StatusAborted)
		return
	}
	if t.skipKill {
		t.finish(StatusAborted)
		return
	}
	t.worker.peer.Send(messaging.OpKillProcess, messaging.KillProcess{TaskID: t.ID}, t.worker.opts.KillTimeout, func(resp messaging.Response) {
		if err := resp.Err(); err != nil {
			log.Warn().Err(err).Str("taskId", t.ID).Msg("spawner: kill not confirmed; process may still be running")
		}
		t.finish(StatusAborted)
	})
}

func (t *Task) processExited() {
	t.skipKill = true
	t.Abort("process exited")
}

func (t *Task) setStatus(s Status) {
	prev := t.status
	t.status = s
	t.history = append(t.history, s)
	log.Debug().Str("taskId", t.ID).Str("from", prev.String()).Str("to", s.String()).Msg("spawner: task status changed")
	if prev == StatusStartingProcess {
		t.worker.released(t)
	}
}

func (t *Task) finish(s Status) {
	if t.IsDone() {
		return
	}
	t.disarm()
	t.setStatus(s)
	t.worker.finished(t)

	metrics.SpawnTasksTotal.WithLabelValues(strings.ToLower(s.String())).Inc()
	metrics.SpawnDuration.Observe(t.worker.loop.Now().Sub(t.createdAt).Seconds())

	callbacks := t.whenDone
	t.whenDone = nil
	for _, fn := range callbacks {
		fn(t)
	}
}

func (t *Task) arm(d time.Duration, reason string) {
	t.disarm()
	t.deadline = t.worker.loop.After(d, func() {
		t.deadline = nil
		log.Warn().Str("taskId", t.ID).Str("status", t.status.String()).Dur("after", d).Msg("spawner: task deadline passed")
		t.Abort(reason)
	})
}

func (t *Task) disarm() {
	if t.deadline != nil {
		t.deadline.Stop()
		t.deadline = nil
	}
}
