package rooms

import (
	"errors"
	"fmt"
	"time"

	"gameserver-coordinator/messaging"

	"github.com/rs/zerolog/log"
)

// RequestTimeout bounds every request a session sends to the coordinator.
const RequestTimeout = 10 * time.Second

var ErrNotRegistered = errors.New("rooms: instance not registered")

// Session is a spawned game-server process's link to the coordinator. It
// walks the process through started → registered → open and serves
// access requests the coordinator forwards.
type Session struct {
	conn      *messaging.Conn
	taskID    string
	launchKey string

	instanceID string
	inst       *Instance
}

func NewSession(conn *messaging.Conn, taskID, launchKey string) *Session {
	s := &Session{conn: conn, taskID: taskID, launchKey: launchKey}
	conn.Handle(messaging.OpProvideAccess, s.handleProvideAccess)
	return s
}

func (s *Session) InstanceID() string { return s.instanceID }

func (s *Session) Instance() *Instance { return s.inst }

// ReportStarted tells the coordinator the process is up and receives the
// properties the spawn was requested with.
func (s *Session) ReportStarted(done func(props map[string]string, err error)) {
	s.conn.Send(messaging.OpProcessStarted, messaging.ProcessStarted{TaskID: s.taskID}, RequestTimeout, func(resp messaging.Response) {
		if err := resp.Err(); err != nil {
			done(nil, fmt.Errorf("rooms: report started: %w", err))
			return
		}
		var out messaging.ProcessStartedResult
		if len(resp.Payload) > 0 {
			if err := resp.Decode(&out); err != nil {
				done(nil, fmt.Errorf("rooms: decode start result: %w", err))
				return
			}
		}
		done(out.Properties, nil)
	})
}

// Register announces inst to the coordinator, authenticated by the launch
// key the worker passed to this process.
func (s *Session) Register(inst *Instance, done func(error)) {
	opts := inst.Options()
	msg := messaging.RegisterInstance{
		TaskID:     s.taskID,
		Name:       opts.Name,
		Address:    opts.Address,
		Password:   opts.Password,
		MaxPlayers: opts.MaxPlayers,
		Properties: opts.Properties,
		AuthKey:    s.launchKey,
		Private:    opts.Private,
	}
	s.conn.Send(messaging.OpRegisterInstance, msg, RequestTimeout, func(resp messaging.Response) {
		if err := resp.Err(); err != nil {
			done(fmt.Errorf("rooms: register instance: %w", err))
			return
		}
		var out messaging.RegisterInstanceResult
		if err := resp.Decode(&out); err != nil {
			done(fmt.Errorf("rooms: decode registration: %w", err))
			return
		}
		s.instanceID = out.InstanceID
		s.inst = inst
		inst.SetNotifier(s)
		log.Info().Str("instanceId", s.instanceID).Str("name", opts.Name).Msg("rooms: instance registered")
		done(nil)
	})
}

// Open marks the instance ready for players.
func (s *Session) Open(done func(error)) {
	if s.inst == nil {
		done(ErrNotRegistered)
		return
	}
	s.conn.Send(messaging.OpOpenInstance, messaging.InstanceRef{InstanceID: s.instanceID}, RequestTimeout, func(resp messaging.Response) {
		if err := resp.Err(); err != nil {
			done(fmt.Errorf("rooms: open instance: %w", err))
			return
		}
		s.inst.open = true
		done(nil)
	})
}

// Shutdown stops admissions, waits for players to leave, then unregisters.
func (s *Session) Shutdown(done func()) {
	if s.inst == nil {
		done()
		return
	}
	s.inst.Shutdown(func() {
		s.inst.Close()
		s.conn.Notify(messaging.OpUnregisterInstance, messaging.InstanceRef{InstanceID: s.instanceID}, messaging.Reliable)
		log.Info().Str("instanceId", s.instanceID).Msg("rooms: instance unregistered")
		done()
	})
}

func (s *Session) PlayerJoined(player string) {
	s.conn.Notify(messaging.OpPlayerJoined, messaging.Player{InstanceID: s.instanceID, Player: player}, messaging.ReliableSequenced)
}

func (s *Session) PlayerLeft(player string) {
	s.conn.Notify(messaging.OpPlayerLeft, messaging.Player{InstanceID: s.instanceID, Player: player}, messaging.ReliableSequenced)
}

func (s *Session) handleProvideAccess(m *messaging.Message) {
	if s.inst == nil {
		m.RespondError(messaging.StatusNotConnected, ErrNotRegistered)
		return
	}
	var req messaging.AccessRequest
	if err := m.Decode(&req); err != nil {
		m.RespondError(messaging.StatusError, err)
		return
	}
	access, err := s.inst.TryCreateAccess(AccessRequest{Requester: req.Requester, Extra: req.Extra})
	if err != nil {
		m.RespondError(messaging.StatusFailed, err)
		return
	}
	m.Respond(messaging.StatusSuccess, messaging.AccessGrant{
		InstanceID: s.instanceID,
		Token:      access.Token,
		Address:    access.Address,
		Scene:      access.Scene,
		Properties: access.Properties,
	})
}
