package spawner

import (
	"fmt"
	"sort"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/metrics"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/labels"
)

// Registry holds every registered worker and routes spawn requests to the
// least loaded one.
type Registry struct {
	loop    *loop.Loop
	opts    Options
	workers map[string]*WorkerLink
	tasks   map[string]*Task
	seq     uint64
}

func NewRegistry(l *loop.Loop, opts Options) *Registry {
	return &Registry{
		loop:    l,
		opts:    opts.withDefaults(),
		workers: make(map[string]*WorkerLink),
		tasks:   make(map[string]*Task),
	}
}

func (r *Registry) Options() Options { return r.opts }

// Register adds a worker reachable through peer. The worker is removed,
// and its tasks aborted, when peer disconnects.
func (r *Registry) Register(peer messaging.Peer, spec messaging.RegisterWorker) *WorkerLink {
	r.seq++
	attrs := make(map[string]string, len(spec.Attributes))
	for k, v := range spec.Attributes {
		attrs[k] = v
	}
	w := &WorkerLink{
		ID:           fmt.Sprintf("w%d", r.seq),
		Address:      spec.Address,
		Attributes:   attrs,
		MaxProcesses: spec.MaxProcesses,
		seq:          r.seq,
		peer:         peer,
		loop:         r.loop,
		opts:         r.opts,
		registry:     r,
		live:         make(map[string]*Task),
	}
	w.SetReported(spec.Running)
	w.ticker = r.loop.Every(r.opts.DispatchInterval, w.dispatch)
	r.workers[w.ID] = w
	id := w.ID
	peer.OnDisconnect(func() { r.Remove(id) })

	metrics.WorkersRegistered.Set(float64(len(r.workers)))
	log.Info().Str("workerId", w.ID).Str("address", w.Address).Int("maxProcesses", w.MaxProcesses).Int("running", spec.Running).Interface("attributes", w.Attributes).Msg("spawner: worker registered")
	return w
}

// Remove unregisters a worker and aborts its queued and in-flight tasks.
func (r *Registry) Remove(id string) bool {
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	delete(r.workers, id)
	metrics.WorkersRegistered.Set(float64(len(r.workers)))
	w.close()
	log.Info().Str("workerId", id).Msg("spawner: worker removed")
	return true
}

func (r *Registry) Worker(id string) *WorkerLink { return r.workers[id] }

// Workers returns all workers in registration order.
func (r *Registry) Workers() []*WorkerLink {
	out := make([]*WorkerLink, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Task returns an unfinished task by id.
func (r *Registry) Task(id string) *Task { return r.tasks[id] }

// PendingTasks returns the number of unfinished tasks.
func (r *Registry) PendingTasks() int { return len(r.tasks) }

// Candidates returns the workers whose attributes satisfy the constraint
// properties in props, most free slots first, earliest registered first
// on ties.
func (r *Registry) Candidates(props map[string]string) []*WorkerLink {
	constraints := labels.Set{}
	for _, k := range r.opts.ConstraintKeys {
		if v := props[k]; v != "" {
			constraints[k] = v
		}
	}
	selector := labels.SelectorFromSet(constraints)

	out := make([]*WorkerLink, 0, len(r.workers))
	for _, w := range r.Workers() {
		if selector.Matches(labels.Set(w.Attributes)) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FreeSlots() > out[j].FreeSlots()
	})
	return out
}

// Select queues a task on the best candidate willing to take it.
func (r *Registry) Select(props map[string]string, args string) (*Task, error) {
	candidates := r.Candidates(props)
	for _, w := range candidates {
		t, err := w.OrderSpawn(props, args)
		if err == nil {
			return t, nil
		}
		log.Debug().Err(err).Str("workerId", w.ID).Msg("spawner: candidate refused task")
	}
	log.Warn().Int("candidates", len(candidates)).Interface("properties", props).Msg("spawner: no worker available")
	return nil, ErrNoWorkerAvailable
}
