package spawner

import (
	"testing"
)

func TestTaskQueue_Enqueue(t *testing.T) {
	var q TaskQueue
	for i, id := range []string{"t1", "t2", "t3"} {
		pos := q.Enqueue(&Task{ID: id})
		if pos != i+1 {
			t.Errorf("Enqueue(%s) position = %d, want %d", id, pos, i+1)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Queue length = %d, want 3", q.Len())
	}
}

func TestTaskQueue_Dequeue(t *testing.T) {
	var q TaskQueue
	q.Enqueue(&Task{ID: "t1"})
	q.Enqueue(&Task{ID: "t2"})

	task := q.Dequeue()
	if task == nil {
		t.Fatal("Dequeue() returned nil")
	}
	if task.ID != "t1" {
		t.Errorf("Dequeued task = %s, want t1", task.ID)
	}

	pos, found := q.Position("t2")
	if !found {
		t.Error("t2 not found in queue")
	}
	if pos != 1 {
		t.Errorf("t2 position = %d, want 1", pos)
	}
}

func TestTaskQueue_DequeueEmpty(t *testing.T) {
	var q TaskQueue
	if task := q.Dequeue(); task != nil {
		t.Errorf("Dequeue() on empty queue returned %v, want nil", task)
	}
}

func TestTaskQueue_Remove(t *testing.T) {
	var q TaskQueue
	q.Enqueue(&Task{ID: "t1"})
	q.Enqueue(&Task{ID: "t2"})
	q.Enqueue(&Task{ID: "t3"})

	if !q.Remove("t2") {
		t.Error("Remove() returned false, want true")
	}
	if q.Len() != 2 {
		t.Errorf("Queue length after remove = %d, want 2", q.Len())
	}
	pos, found := q.Position("t3")
	if !found || pos != 2 {
		t.Errorf("t3 position after remove = %d (found=%v), want 2", pos, found)
	}
	if q.Remove("nonexistent") {
		t.Error("Remove() for nonexistent returned true, want false")
	}
}

func TestTaskQueue_Drain(t *testing.T) {
	var q TaskQueue
	q.Enqueue(&Task{ID: "t1"})
	q.Enqueue(&Task{ID: "t2"})

	out := q.Drain()
	if len(out) != 2 || out[0].ID != "t1" || out[1].ID != "t2" {
		t.Errorf("Drain() = %v, want [t1 t2]", out)
	}
	if q.Len() != 0 {
		t.Errorf("Queue length after drain = %d, want 0", q.Len())
	}
}
