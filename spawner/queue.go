package spawner

// TaskQueue is the FIFO of tasks waiting for a worker's single dispatch
// slot. It is owned by one WorkerLink and only touched on the loop, so it
// carries no lock.
type TaskQueue struct {
	tasks []*Task
}

// Enqueue appends t and returns its 1-based position.
func (q *TaskQueue) Enqueue(t *Task) int {
	q.tasks = append(q.tasks, t)
	return len(q.tasks)
}

// Dequeue removes and returns the head of the queue, or nil.
func (q *TaskQueue) Dequeue() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}

// Position returns the 1-based position of the task with id.
func (q *TaskQueue) Position(id string) (int, bool) {
	for i, t := range q.tasks {
		if t.ID == id {
			return i + 1, true
		}
	}
	return 0, false
}

// Remove drops the task with id (e.g. when it is aborted while queued).
func (q *TaskQueue) Remove(id string) bool {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (q *TaskQueue) Len() int { return len(q.tasks) }

// Drain empties the queue and returns what it held, in order.
func (q *TaskQueue) Drain() []*Task {
	out := q.tasks
	q.tasks = nil
	return out
}
