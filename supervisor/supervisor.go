package supervisor

import (
	"fmt"
	"sort"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"

	"github.com/rs/zerolog/log"
)

// Options describe the worker host to the coordinator.
type Options struct {
	Address         string
	MaxProcesses    int
	Attributes      map[string]string
	RegisterTimeout time.Duration
}

type process struct {
	spec LaunchSpec
	proc Process // nil while launching
	// killed records a kill that arrived before the launch finished.
	killed bool
}

// Supervisor is the worker end of a coordinator connection. It launches
// and kills game-server processes on command and reports exits. Launch,
// wait and kill run on goroutines; their results are posted back to the
// loop.
type Supervisor struct {
	loop     *loop.Loop
	conn     *messaging.Conn
	launcher Launcher
	opts     Options

	workerID string
	procs    map[string]*process
}

func New(l *loop.Loop, conn *messaging.Conn, launcher Launcher, opts Options) *Supervisor {
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = messaging.DefaultTimeout
	}
	s := &Supervisor{
		loop:     l,
		conn:     conn,
		launcher: launcher,
		opts:     opts,
		procs:    make(map[string]*process),
	}
	conn.Handle(messaging.OpLaunchProcess, s.handleLaunch)
	conn.Handle(messaging.OpKillProcess, s.handleKill)
	conn.OnDisconnect(s.KillAll)
	return s
}

func (s *Supervisor) WorkerID() string { return s.workerID }

// Running returns the number of processes launched or launching.
func (s *Supervisor) Running() int { return len(s.procs) }

// Register announces this host to the coordinator.
func (s *Supervisor) Register(done func(error)) {
	msg := messaging.RegisterWorker{
		Address:      s.opts.Address,
		MaxProcesses: s.opts.MaxProcesses,
		Attributes:   s.opts.Attributes,
		Running:      len(s.procs),
	}
	s.conn.Send(messaging.OpRegisterWorker, msg, s.opts.RegisterTimeout, func(resp messaging.Response) {
		if err := resp.Err(); err != nil {
			done(fmt.Errorf("supervisor: register worker: %w", err))
			return
		}
		var out messaging.RegisterWorkerResult
		if err := resp.Decode(&out); err != nil {
			done(fmt.Errorf("supervisor: decode registration: %w", err))
			return
		}
		s.workerID = out.WorkerID
		log.Info().Str("workerId", s.workerID).Str("address", s.opts.Address).Int("maxProcesses", s.opts.MaxProcesses).Msg("supervisor: registered with coordinator")
		done(nil)
	})
}

func (s *Supervisor) handleLaunch(m *messaging.Message) {
	var req messaging.LaunchProcess
	if err := m.Decode(&req); err != nil {
		m.RespondError(messaging.StatusError, err)
		return
	}
	if _, ok := s.procs[req.TaskID]; ok {
		m.RespondError(messaging.StatusFailed, fmt.Errorf("task %s already launched", req.TaskID))
		return
	}
	if s.opts.MaxProcesses > 0 && len(s.procs) >= s.opts.MaxProcesses {
		m.RespondError(messaging.StatusFailed, fmt.Errorf("host at capacity (%d processes)", s.opts.MaxProcesses))
		return
	}

	spec := LaunchSpec{TaskID: req.TaskID, LaunchKey: req.LaunchKey, Scene: req.Scene, Args: req.Args, FPSLimit: req.FPSLimit}
	entry := &process{spec: spec}
	s.procs[spec.TaskID] = entry
	log.Info().Str("taskId", spec.TaskID).Str("scene", spec.Scene).Msg("supervisor: launching process")

	go func() {
		proc, err := s.launcher.Launch(spec)
		s.loop.Post(func() { s.launched(m, entry, proc, err) })
	}()
}

func (s *Supervisor) launched(m *messaging.Message, entry *process, proc Process, err error) {
	id := entry.spec.TaskID
	if err != nil {
		delete(s.procs, id)
		log.Error().Err(err).Str("taskId", id).Msg("supervisor: launch failed")
		m.RespondError(messaging.StatusFailed, err)
		return
	}
	entry.proc = proc
	log.Info().Str("taskId", id).Int("pid", proc.Pid()).Msg("supervisor: process started")
	go func() {
		code, err := proc.Wait()
		s.loop.Post(func() { s.exited(entry, code, err) })
	}()

	if entry.killed {
		s.kill(entry, nil)
		m.RespondError(messaging.StatusFailed, fmt.Errorf("task %s killed during launch", id))
		return
	}
	m.Respond(messaging.StatusSuccess, nil)
}

func (s *Supervisor) exited(entry *process, code int, err error) {
	id := entry.spec.TaskID
	if s.procs[id] == entry {
		delete(s.procs, id)
	}
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("taskId", id).Int("exitCode", code).Msg("supervisor: process exited")
	s.conn.Notify(messaging.OpProcessExited, messaging.ProcessExited{TaskID: id, ExitCode: code}, messaging.Reliable)
	s.conn.Notify(messaging.OpWorkerStatus, messaging.WorkerStatus{Running: len(s.procs)}, messaging.Reliable)
}

func (s *Supervisor) handleKill(m *messaging.Message) {
	var req messaging.KillProcess
	if err := m.Decode(&req); err != nil {
		m.RespondError(messaging.StatusError, err)
		return
	}
	entry, ok := s.procs[req.TaskID]
	if !ok {
		m.Respond(messaging.StatusSuccess, nil)
		return
	}
	if entry.proc == nil {
		entry.killed = true
		m.Respond(messaging.StatusSuccess, nil)
		return
	}
	s.kill(entry, m)
}

// kill signals the process off-loop and answers m, if any, once done.
func (s *Supervisor) kill(entry *process, m *messaging.Message) {
	proc := entry.proc
	id := entry.spec.TaskID
	go func() {
		err := proc.Kill()
		s.loop.Post(func() {
			if err != nil {
				log.Warn().Err(err).Str("taskId", id).Msg("supervisor: kill failed")
				if m != nil {
					m.RespondError(messaging.StatusError, err)
				}
				return
			}
			log.Info().Str("taskId", id).Msg("supervisor: process killed")
			if m != nil {
				m.Respond(messaging.StatusSuccess, nil)
			}
		})
	}()
}

// KillAll kills every process this host started. It runs when the
// coordinator connection drops.
func (s *Supervisor) KillAll() {
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry := s.procs[id]
		if entry.proc == nil {
			entry.killed = true
			continue
		}
		s.kill(entry, nil)
	}
	if len(ids) > 0 {
		log.Warn().Int("processes", len(ids)).Msg("supervisor: killing all processes")
	}
}
