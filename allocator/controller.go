package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gameserver-coordinator/coordinator"
	"gameserver-coordinator/loop"
	"gameserver-coordinator/metrics"
	"gameserver-coordinator/queues"
	"gameserver-coordinator/spawner"

	"github.com/rs/zerolog/log"
)

// PublishTimeout bounds publishing a result once a task completes.
const PublishTimeout = 30 * time.Second

// Coordinator is the part of the control plane the controller drives.
// Its methods are only called on the loop.
type Coordinator interface {
	Select(props map[string]string, args string) (*spawner.Task, error)
	Instance(id string) (coordinator.InstanceInfo, bool)
}

// Controller wires queue consumption to the coordinator: each request is
// routed to a worker on the loop, and its outcome published once the task
// opens or aborts.
type Controller struct {
	publisher queues.Publisher
	loop      *loop.Loop
	coord     Coordinator
}

func NewController(p queues.Publisher, l *loop.Loop, c Coordinator) *Controller {
	return &Controller{publisher: p, loop: l, coord: c}
}

// publishFailure builds and publishes a failure SpawnResult.
func (c *Controller) publishFailure(ctx context.Context, req *queues.SpawnRequest, taskID, message string) error {
	res := &queues.SpawnResult{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeSpawnResult,
		TicketID:        req.TicketID,
		Status:          queues.StatusFailure,
		TaskID:          taskID,
		ErrorMessage:    &message,
	}
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("ticketId", req.TicketID).Msg("controller: failed to publish failure result")
		return err
	}
	return nil
}

type decision struct {
	task *spawner.Task
	err  error
}

// Handle routes req and returns once a worker accepted or refused it. A
// refusal is published as a failure; an accepted request publishes its
// result later from the task's completion callback. The returned error is
// non-nil only when the request should be redelivered.
func (c *Controller) Handle(ctx context.Context, req *queues.SpawnRequest) error {
	start := time.Now()
	props := req.SpawnProperties()
	log.Info().Str("ticketId", req.TicketID).Interface("properties", props).Msg("controller: handling spawn request")

	// claimed is won either by the loop callback, which then routes the
	// request, or by a cancelled Handle, which then owns the outcome.
	var claimed atomic.Bool
	ch := make(chan decision, 1)
	c.loop.Post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		if err := ctx.Err(); err != nil {
			ch <- decision{err: err}
			return
		}
		t, err := c.coord.Select(props, req.Args)
		if err != nil {
			ch <- decision{err: err}
			return
		}
		t.WhenDone(func(t *spawner.Task) { c.completed(req, t, start) })
		ch <- decision{task: t}
	})

	var d decision
	select {
	case d = <-ch:
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		// routing already started; its decision stands
		d = <-ch
	}
	if errors.Is(d.err, context.Canceled) || errors.Is(d.err, context.DeadlineExceeded) {
		return d.err
	}
	if d.err != nil {
		metrics.SpawnRequestsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(d.err).Str("ticketId", req.TicketID).Dur("duration", time.Since(start)).Msg("controller: spawn request rejected")
		return c.publishFailure(ctx, req, "", d.err.Error())
	}
	metrics.SpawnRequestsTotal.WithLabelValues("accepted").Inc()
	log.Info().Str("ticketId", req.TicketID).Str("taskId", d.task.ID).Dur("duration", time.Since(start)).Msg("controller: spawn request accepted")
	return nil
}

// completed runs on the loop. It snapshots the outcome and publishes it
// off-loop.
func (c *Controller) completed(req *queues.SpawnRequest, t *spawner.Task, start time.Time) {
	taskID := t.ID
	if t.Status() != spawner.StatusOpen {
		reason := t.AbortReason()
		if reason == "" {
			reason = strings.ToLower(t.Status().String())
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
			defer cancel()
			_ = c.publishFailure(ctx, req, taskID, fmt.Sprintf("spawn aborted: %s", reason))
		}()
		return
	}

	instanceID := t.InstanceID()
	var address string
	if info, ok := c.coord.Instance(instanceID); ok {
		address = info.Address
	}
	res := &queues.SpawnResult{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.TypeSpawnResult,
		TicketID:        req.TicketID,
		Status:          queues.StatusSuccess,
		TaskID:          taskID,
		InstanceID:      &instanceID,
		Address:         &address,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()
		if err := c.publisher.PublishResult(ctx, res); err != nil {
			log.Error().Err(err).Str("ticketId", req.TicketID).Str("taskId", taskID).Msg("controller: failed to publish result")
			return
		}
		log.Info().Str("ticketId", req.TicketID).Str("taskId", taskID).Str("instanceId", instanceID).Str("address", address).Dur("duration", time.Since(start)).Msg("controller: spawn successful")
	}()
}
