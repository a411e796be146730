package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gameserver-coordinator/messaging"
	"gameserver-coordinator/metrics"
	"gameserver-coordinator/modules"
	"gameserver-coordinator/spawner"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const instancesModuleName = "instances"

var (
	ErrUnknownInstance = errors.New("coordinator: unknown instance")
	ErrInstanceClosed  = errors.New("coordinator: instance not open")
	ErrWrongPassword   = errors.New("coordinator: wrong password")
	errNotOwner        = errors.New("coordinator: instance belongs to another connection")
)

// InstanceInfo is the coordinator's view of a registered game instance.
type InstanceInfo struct {
	ID         string
	TaskID     string
	Name       string
	Address    string
	MaxPlayers int
	Players    int
	Open       bool
	Private    bool
	Properties map[string]string
}

type registeredInstance struct {
	id      string
	task    *spawner.Task
	conn    *messaging.Conn
	req     messaging.RegisterInstance
	players map[string]struct{}
	open    bool
	removed bool
}

func (r *registeredInstance) info() InstanceInfo {
	return InstanceInfo{
		ID:         r.id,
		TaskID:     r.task.ID,
		Name:       r.req.Name,
		Address:    r.req.Address,
		MaxPlayers: r.req.MaxPlayers,
		Players:    len(r.players),
		Open:       r.open,
		Private:    r.req.Private,
		Properties: r.req.Properties,
	}
}

// instancesModule tracks registered instances and forwards access
// requests to them.
type instancesModule struct {
	accessTimeout time.Duration

	workers   *workersModule
	instances map[string]*registeredInstance
}

func (m *instancesModule) Name() string           { return instancesModuleName }
func (m *instancesModule) Dependencies() []string { return []string{workersModuleName} }

func (m *instancesModule) Initialize(h *modules.Host) error {
	w, ok := h.Get(workersModuleName).(*workersModule)
	if !ok {
		return fmt.Errorf("coordinator: module %q has unexpected type", workersModuleName)
	}
	m.workers = w
	m.instances = make(map[string]*registeredInstance)
	return nil
}

func (m *instancesModule) attach(conn *messaging.Conn) {
	conn.Handle(messaging.OpRegisterInstance, m.handleRegister)
	conn.Handle(messaging.OpOpenInstance, m.handleOpen)
	conn.Handle(messaging.OpRequestAccess, m.handleRequestAccess)
	conn.Handle(messaging.OpPlayerJoined, m.handlePlayerJoined)
	conn.Handle(messaging.OpPlayerLeft, m.handlePlayerLeft)
	conn.Handle(messaging.OpUnregisterInstance, m.handleUnregister)
}

func (m *instancesModule) handleRegister(msg *messaging.Message) {
	var req messaging.RegisterInstance
	if err := msg.Decode(&req); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	t := m.workers.registry.Task(req.TaskID)
	if t == nil {
		msg.RespondError(messaging.StatusFailed, spawner.ErrUnknownTask)
		return
	}
	if err := t.VerifyLaunchKey(req.AuthKey); err != nil {
		log.Warn().Str("taskId", t.ID).Str("peer", msg.Conn.ID()).Msg("coordinator: instance registration with bad launch key")
		msg.RespondError(messaging.StatusUnauthorized, err)
		return
	}
	id := uuid.NewString()
	if err := t.OnRegistered(id); err != nil {
		msg.RespondError(messaging.StatusFailed, err)
		return
	}
	inst := &registeredInstance{
		id:      id,
		task:    t,
		conn:    msg.Conn,
		req:     req,
		players: make(map[string]struct{}),
	}
	m.instances[id] = inst
	msg.Conn.OnDisconnect(func() { m.remove(inst, "instance disconnected") })

	log.Info().Str("instanceId", id).Str("taskId", t.ID).Str("name", req.Name).Str("address", req.Address).Int("maxPlayers", req.MaxPlayers).Msg("coordinator: instance registered")
	msg.Respond(messaging.StatusSuccess, messaging.RegisterInstanceResult{InstanceID: id})
}

// owned looks up an instance and checks it belongs to the
// sending connection.
func (m *instancesModule) owned(msg *messaging.Message, instanceID string) (*registeredInstance, messaging.Status, error) {
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, messaging.StatusFailed, ErrUnknownInstance
	}
	if inst.conn != msg.Conn {
		return nil, messaging.StatusUnauthorized, errNotOwner
	}
	return inst, messaging.StatusSuccess, nil
}

func (m *instancesModule) handleOpen(msg *messaging.Message) {
	var ref messaging.InstanceRef
	if err := msg.Decode(&ref); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	inst, status, err := m.owned(msg, ref.InstanceID)
	if err != nil {
		msg.RespondError(status, err)
		return
	}
	if !inst.open {
		if err := inst.task.OnOpened(); err != nil {
			msg.RespondError(messaging.StatusFailed, err)
			return
		}
		inst.open = true
		log.Info().Str("instanceId", inst.id).Str("taskId", inst.task.ID).Msg("coordinator: instance open")
	}
	msg.Respond(messaging.StatusSuccess, nil)
}

func (m *instancesModule) handleRequestAccess(msg *messaging.Message) {
	var req messaging.AccessRequest
	if err := msg.Decode(&req); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	inst, ok := m.instances[req.InstanceID]
	switch {
	case !ok:
		msg.RespondError(messaging.StatusFailed, ErrUnknownInstance)
		return
	case !inst.open:
		msg.RespondError(messaging.StatusFailed, ErrInstanceClosed)
		return
	case inst.req.Password != "" && req.Password != inst.req.Password:
		log.Debug().Str("instanceId", inst.id).Str("requester", req.Requester).Msg("coordinator: access refused, wrong password")
		msg.RespondError(messaging.StatusUnauthorized, ErrWrongPassword)
		return
	}

	fwd := messaging.AccessRequest{InstanceID: inst.id, Requester: req.Requester, Extra: req.Extra}
	inst.conn.Send(messaging.OpProvideAccess, fwd, m.accessTimeout, func(resp messaging.Response) {
		if resp.Status != messaging.StatusSuccess {
			var reason string
			_ = resp.Decode(&reason)
			if reason == "" {
				reason = resp.Status.String()
			}
			log.Debug().Str("instanceId", inst.id).Str("requester", req.Requester).Str("status", resp.Status.String()).Str("reason", reason).Msg("coordinator: access not granted")
			msg.Respond(resp.Status, reason)
			return
		}
		var grant messaging.AccessGrant
		if err := resp.Decode(&grant); err != nil {
			msg.RespondError(messaging.StatusError, err)
			return
		}
		msg.Respond(messaging.StatusSuccess, grant)
	})
}

func (m *instancesModule) handlePlayerJoined(msg *messaging.Message) {
	m.playerEvent(msg, true)
}

func (m *instancesModule) handlePlayerLeft(msg *messaging.Message) {
	m.playerEvent(msg, false)
}

func (m *instancesModule) playerEvent(msg *messaging.Message, joined bool) {
	var p messaging.Player
	if err := msg.Decode(&p); err != nil {
		log.Error().Err(err).Msg("coordinator: malformed player notification")
		return
	}
	inst, _, err := m.owned(msg, p.InstanceID)
	if err != nil {
		log.Warn().Err(err).Str("instanceId", p.InstanceID).Msg("coordinator: dropping player notification")
		return
	}
	_, present := inst.players[p.Player]
	switch {
	case joined && !present:
		inst.players[p.Player] = struct{}{}
		metrics.ConnectedPlayers.Inc()
	case !joined && present:
		delete(inst.players, p.Player)
		metrics.ConnectedPlayers.Dec()
	}
	log.Debug().Str("instanceId", inst.id).Str("player", p.Player).Bool("joined", joined).Int("players", len(inst.players)).Msg("coordinator: player event")
}

func (m *instancesModule) handleUnregister(msg *messaging.Message) {
	var ref messaging.InstanceRef
	if err := msg.Decode(&ref); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	inst, status, err := m.owned(msg, ref.InstanceID)
	if err != nil {
		msg.RespondError(status, err)
		return
	}
	m.remove(inst, "instance unregistered")
	msg.Respond(messaging.StatusSuccess, nil)
}

func (m *instancesModule) remove(inst *registeredInstance, reason string) {
	if inst.removed {
		return
	}
	inst.removed = true
	delete(m.instances, inst.id)
	metrics.ConnectedPlayers.Sub(float64(len(inst.players)))
	if !inst.task.IsDone() {
		inst.task.Abort(reason)
	}
	log.Info().Str("instanceId", inst.id).Str("reason", reason).Msg("coordinator: instance removed")
}

func (m *instancesModule) list(includePrivate bool) []InstanceInfo {
	out := make([]InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.req.Private && !includePrivate {
			continue
		}
		out = append(out, inst.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
