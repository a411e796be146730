package coordinator

import (
	"errors"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/modules"
	"gameserver-coordinator/spawner"

	"github.com/rs/zerolog/log"
)

const workersModuleName = "workers"

var errAlreadyRegistered = errors.New("coordinator: connection already registered a worker")

// workersModule owns the worker registry and the messages worker hosts
// and freshly launched processes send.
type workersModule struct {
	loop *loop.Loop
	opts spawner.Options

	registry *spawner.Registry
	byConn   map[*messaging.Conn]*spawner.WorkerLink
}

func (m *workersModule) Name() string           { return workersModuleName }
func (m *workersModule) Dependencies() []string { return nil }

func (m *workersModule) Initialize(*modules.Host) error {
	m.registry = spawner.NewRegistry(m.loop, m.opts)
	m.byConn = make(map[*messaging.Conn]*spawner.WorkerLink)
	return nil
}

func (m *workersModule) attach(conn *messaging.Conn) {
	conn.Handle(messaging.OpRegisterWorker, m.handleRegisterWorker)
	conn.Handle(messaging.OpProcessStarted, m.handleProcessStarted)
	conn.Handle(messaging.OpProcessExited, m.handleProcessExited)
	conn.Handle(messaging.OpWorkerStatus, m.handleWorkerStatus)
}

func (m *workersModule) handleRegisterWorker(msg *messaging.Message) {
	var req messaging.RegisterWorker
	if err := msg.Decode(&req); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	conn := msg.Conn
	if _, ok := m.byConn[conn]; ok {
		msg.RespondError(messaging.StatusFailed, errAlreadyRegistered)
		return
	}
	w := m.registry.Register(conn, req)
	m.byConn[conn] = w
	conn.OnDisconnect(func() { delete(m.byConn, conn) })
	msg.Respond(messaging.StatusSuccess, messaging.RegisterWorkerResult{WorkerID: w.ID})
}

func (m *workersModule) handleProcessStarted(msg *messaging.Message) {
	var req messaging.ProcessStarted
	if err := msg.Decode(&req); err != nil {
		msg.RespondError(messaging.StatusError, err)
		return
	}
	t := m.registry.Task(req.TaskID)
	if t == nil {
		msg.RespondError(messaging.StatusFailed, spawner.ErrUnknownTask)
		return
	}
	if err := t.OnProcessStarted(); err != nil {
		log.Warn().Err(err).Str("taskId", t.ID).Msg("coordinator: unexpected process start")
		msg.RespondError(messaging.StatusFailed, err)
		return
	}
	msg.Respond(messaging.StatusSuccess, messaging.ProcessStartedResult{Properties: t.Properties})
}

func (m *workersModule) handleProcessExited(msg *messaging.Message) {
	var req messaging.ProcessExited
	if err := msg.Decode(&req); err != nil {
		log.Error().Err(err).Msg("coordinator: malformed process exit notification")
		return
	}
	w, ok := m.byConn[msg.Conn]
	if !ok {
		log.Warn().Str("taskId", req.TaskID).Str("peer", msg.Conn.ID()).Msg("coordinator: process exit from unregistered worker")
		return
	}
	log.Debug().Str("taskId", req.TaskID).Int("exitCode", req.ExitCode).Str("workerId", w.ID).Msg("coordinator: process exit reported")
	w.ProcessExited(req.TaskID)
}

func (m *workersModule) handleWorkerStatus(msg *messaging.Message) {
	var req messaging.WorkerStatus
	if err := msg.Decode(&req); err != nil {
		log.Error().Err(err).Msg("coordinator: malformed worker status")
		return
	}
	w, ok := m.byConn[msg.Conn]
	if !ok {
		log.Warn().Str("peer", msg.Conn.ID()).Msg("coordinator: status from unregistered worker")
		return
	}
	w.SetReported(req.Running)
}
