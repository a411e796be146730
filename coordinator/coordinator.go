package coordinator

import (
	"fmt"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/modules"
	"gameserver-coordinator/spawner"

	"github.com/rs/zerolog/log"
)

// DefaultAccessTimeout bounds how long a forwarded access request waits
// for the instance to answer.
const DefaultAccessTimeout = 5 * time.Second

type Options struct {
	Spawner       spawner.Options
	AccessTimeout time.Duration
}

type handlerModule interface {
	modules.Module
	attach(conn *messaging.Conn)
}

// Coordinator is the control plane: it registers worker hosts, routes
// spawn requests, follows launched processes until their instance opens
// and forwards player access requests to live instances. Every method
// must be called on the coordinator's loop.
type Coordinator struct {
	loop      *loop.Loop
	host      *modules.Host
	attachers []handlerModule

	workers   *workersModule
	instances *instancesModule
}

func New(l *loop.Loop, opts Options) (*Coordinator, error) {
	if opts.AccessTimeout <= 0 {
		opts.AccessTimeout = DefaultAccessTimeout
	}
	c := &Coordinator{
		loop:      l,
		host:      modules.NewHost(),
		workers:   &workersModule{loop: l, opts: opts.Spawner},
		instances: &instancesModule{accessTimeout: opts.AccessTimeout},
	}
	// Initialization follows declared dependencies, not this order.
	for _, m := range []handlerModule{c.instances, c.workers} {
		if err := c.host.Add(m); err != nil {
			return nil, err
		}
		c.attachers = append(c.attachers, m)
	}
	if err := c.host.Initialize(); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	log.Info().Dur("accessTimeout", opts.AccessTimeout).Interface("constraintKeys", c.workers.registry.Options().ConstraintKeys).Msg("coordinator: initialized")
	return c, nil
}

// Attach installs the coordinator's handlers on a new connection. The
// same connection may carry worker, instance and client traffic.
func (c *Coordinator) Attach(conn *messaging.Conn) {
	for _, m := range c.attachers {
		m.attach(conn)
	}
	log.Debug().Str("peer", conn.ID()).Msg("coordinator: connection attached")
}

func (c *Coordinator) Loop() *loop.Loop { return c.loop }

func (c *Coordinator) Registry() *spawner.Registry { return c.workers.registry }

// Select routes a spawn request to the least loaded matching worker.
func (c *Coordinator) Select(props map[string]string, args string) (*spawner.Task, error) {
	return c.workers.registry.Select(props, args)
}

// Instance returns a registered instance by id.
func (c *Coordinator) Instance(id string) (InstanceInfo, bool) {
	inst, ok := c.instances.instances[id]
	if !ok {
		return InstanceInfo{}, false
	}
	return inst.info(), true
}

// Instances lists registered instances ordered by name. Private ones are
// left out unless includePrivate is set.
func (c *Coordinator) Instances(includePrivate bool) []InstanceInfo {
	return c.instances.list(includePrivate)
}
