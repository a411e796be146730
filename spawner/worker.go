package spawner

import (
	"math"
	"sort"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"

	"github.com/rs/zerolog/log"
)

// WorkerLink is one registered worker host. It queues spawn tasks and
// hands them to the worker one at a time.
type WorkerLink struct {
	ID           string
	Address      string
	Attributes   map[string]string
	MaxProcesses int

	seq      uint64
	peer     messaging.Peer
	loop     *loop.Loop
	opts     Options
	registry *Registry

	queue       TaskQueue
	dispatching *Task
	// live holds tasks whose process is believed to be running: every
	// task taken off the queue until it aborts or its process exits.
	live map[string]*Task
	// reported is the worker's last count of its live processes. It
	// covers processes started before this link existed.
	reported int
	ticker   *loop.Timer
	closed bool
}

func (w *WorkerLink) Peer() messaging.Peer { return w.peer }

func (w *WorkerLink) QueueLength() int { return w.queue.Len() }

// Running is the larger of the tasks believed alive and the worker's own
// last reported process count.
func (w *WorkerLink) Running() int {
	if w.reported > len(w.live) {
		return w.reported
	}
	return len(w.live)
}

// Reported returns the worker's last reported process count.
func (w *WorkerLink) Reported() int { return w.reported }

// SetReported records the worker's count of live processes.
func (w *WorkerLink) SetReported(n int) {
	if n < 0 {
		n = 0
	}
	if n != w.reported {
		log.Debug().Str("workerId", w.ID).Int("reported", n).Int("tracked", len(w.live)).Msg("spawner: worker process count updated")
	}
	w.reported = n
}

// Dispatching returns the task currently waiting for its process to
// start, or nil.
func (w *WorkerLink) Dispatching() *Task { return w.dispatching }

func (w *WorkerLink) Closed() bool { return w.closed }

// QueuePosition returns the 1-based queue position of a waiting task.
func (w *WorkerLink) QueuePosition(taskID string) (int, bool) {
	return w.queue.Position(taskID)
}

// FreeSlots is max - queued - running; unlimited workers report MaxInt32.
func (w *WorkerLink) FreeSlots() int {
	if w.MaxProcesses <= 0 {
		return math.MaxInt32
	}
	return w.MaxProcesses - w.queue.Len() - w.Running()
}

// OrderSpawn queues a new task, or refuses when the worker is at capacity
// or its queue is full.
func (w *WorkerLink) OrderSpawn(props map[string]string, args string) (*Task, error) {
	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.MaxProcesses > 0 && w.queue.Len()+w.Running() >= w.MaxProcesses {
		return nil, ErrWorkerFull
	}
	if w.queue.Len() >= w.opts.MaxQueueLength {
		return nil, ErrQueueFull
	}
	t := newTask(w, props, args)
	pos := w.queue.Enqueue(t)
	w.registry.tasks[t.ID] = t
	log.Info().Str("taskId", t.ID).Str("workerId", w.ID).Int("position", pos).Msg("spawner: task queued")
	return t, nil
}

// ProcessExited handles the worker reporting that a task's process ended.
func (w *WorkerLink) ProcessExited(taskID string) {
	t, ok := w.live[taskID]
	if !ok {
		log.Debug().Str("taskId", taskID).Str("workerId", w.ID).Msg("spawner: exit reported for unknown process")
		return
	}
	delete(w.live, taskID)
	log.Info().Str("taskId", taskID).Str("workerId", w.ID).Str("status", t.status.String()).Msg("spawner: process exited")
	t.processExited()
}

func (w *WorkerLink) dispatch() {
	if w.closed || w.dispatching != nil || w.queue.Len() == 0 {
		return
	}
	if !w.peer.Connected() {
		return
	}
	t := w.queue.Dequeue()
	w.dispatching = t
	w.live[t.ID] = t
	t.start()
}

func (w *WorkerLink) released(t *Task) {
	if w.dispatching == t {
		w.dispatching = nil
	}
}

func (w *WorkerLink) finished(t *Task) {
	delete(w.registry.tasks, t.ID)
	if t.status == StatusAborted {
		delete(w.live, t.ID)
	}
}

// close stops dispatching and aborts everything queued or in flight.
func (w *WorkerLink) close() {
	if w.closed {
		return
	}
	w.closed = true
	w.ticker.Stop()

	queued := w.queue.Drain()
	for _, t := range queued {
		t.Abort("worker disconnected")
	}
	ids := make([]string, 0, len(w.live))
	for id := range w.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if t, ok := w.live[id]; ok && !t.IsDone() {
			t.Abort("worker disconnected")
		}
	}
	log.Info().Str("workerId", w.ID).Int("queued", len(queued)).Int("inFlight", len(ids)).Msg("spawner: worker closed")
}
