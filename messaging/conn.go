package messaging

import (
	"fmt"
	"sort"
	"time"

	"gameserver-coordinator/loop"

	"github.com/rs/zerolog/log"
)

// Peer is the request/response contract the coordinator core consumes.
// All callbacks run on the owning loop.
type Peer interface {
	ID() string
	Connected() bool
	// Send delivers exactly one Response to done: the peer's answer, a
	// synthesized StatusTimeout after timeout, or StatusNotConnected.
	Send(op OpCode, payload any, timeout time.Duration, done func(Response))
	// Notify sends without expecting an acknowledgement.
	Notify(op OpCode, payload any, delivery Delivery)
	// OnDisconnect registers fn to run once when the connection drops.
	OnDisconnect(fn func())
}

// Handler processes an inbound request or notification.
type Handler func(*Message)

// Message is an inbound request or notification.
type Message struct {
	Op       OpCode
	Payload  []byte
	Delivery Delivery
	Conn     *Conn

	id        uint32
	responded bool
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return Unmarshal(m.Payload, v)
}

// ExpectsResponse reports whether the sender is waiting for an answer.
func (m *Message) ExpectsResponse() bool { return m.id != 0 }

// Respond answers the request. Only the first call has an effect, and
// notifications are never answered.
func (m *Message) Respond(status Status, payload any) {
	if m.id == 0 || m.responded {
		return
	}
	m.responded = true
	data, err := Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("op", m.Op.String()).Msg("messaging: failed to encode response")
		status, data = StatusError, nil
	}
	m.Conn.write(Envelope{Op: m.Op, ID: m.id, Response: true, Status: status, Payload: data})
}

// RespondError answers with status and the error text as payload.
func (m *Message) RespondError(status Status, err error) {
	m.Respond(status, err.Error())
}

type pendingRequest struct {
	op    OpCode
	done  func(Response)
	timer *loop.Timer
}

// Conn is one end of a connection. It correlates requests with responses
// and synthesizes timeouts. Every method except those documented otherwise
// must be called on the owning loop.
type Conn struct {
	id          string
	loop        *loop.Loop
	out         func(Envelope)
	closeRemote func()

	handlers  map[OpCode]Handler
	pending   map[uint32]*pendingRequest
	nextID    uint32
	connected bool
	onClose   []func()
}

// NewConn wraps a transport. out writes an envelope to the remote side;
// closeRemote, if set, tells the remote side the connection dropped.
func NewConn(id string, l *loop.Loop, out func(Envelope), closeRemote func()) *Conn {
	return &Conn{
		id:          id,
		loop:        l,
		out:         out,
		closeRemote: closeRemote,
		handlers:    make(map[OpCode]Handler),
		pending:     make(map[uint32]*pendingRequest),
		connected:   true,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Connected() bool { return c.connected }

// Handle installs the handler for op, replacing any previous one.
func (c *Conn) Handle(op OpCode, h Handler) {
	c.handlers[op] = h
}

func (c *Conn) OnDisconnect(fn func()) {
	c.onClose = append(c.onClose, fn)
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Conn) PendingRequests() int { return len(c.pending) }

func (c *Conn) Send(op OpCode, payload any, timeout time.Duration, done func(Response)) {
	if done == nil {
		done = func(Response) {}
	}
	if !c.connected {
		c.loop.Post(func() { done(Response{Status: StatusNotConnected}) })
		return
	}
	data, err := Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("op", op.String()).Str("peer", c.id).Msg("messaging: failed to encode request")
		c.loop.Post(func() { done(Response{Status: StatusError}) })
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.nextID++
	if c.nextID == 0 {
		c.nextID++
	}
	id := c.nextID
	p := &pendingRequest{op: op, done: done}
	p.timer = c.loop.After(timeout, func() {
		log.Debug().Str("op", op.String()).Str("peer", c.id).Dur("timeout", timeout).Msg("messaging: request timed out")
		c.resolve(id, Response{Status: StatusTimeout})
	})
	c.pending[id] = p
	c.write(Envelope{Op: op, ID: id, Payload: data})
}

func (c *Conn) Notify(op OpCode, payload any, delivery Delivery) {
	if !c.connected {
		log.Debug().Str("op", op.String()).Str("peer", c.id).Msg("messaging: dropping notification on closed connection")
		return
	}
	data, err := Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("op", op.String()).Str("peer", c.id).Msg("messaging: failed to encode notification")
		return
	}
	c.write(Envelope{Op: op, Delivery: delivery, Payload: data})
}

func (c *Conn) write(env Envelope) {
	if !c.connected {
		return
	}
	c.out(env)
}

func (c *Conn) resolve(id uint32, resp Response) bool {
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	p.timer.Stop()
	p.done(resp)
	return true
}

// Deliver hands an inbound envelope to the connection.
func (c *Conn) Deliver(env Envelope) {
	if !c.connected {
		return
	}
	if env.Response {
		if !c.resolve(env.ID, Response{Status: env.Status, Payload: env.Payload}) {
			log.Debug().Str("op", env.Op.String()).Uint32("id", env.ID).Str("peer", c.id).Msg("messaging: dropping late or unknown response")
		}
		return
	}
	m := &Message{Op: env.Op, Payload: env.Payload, Delivery: env.Delivery, Conn: c, id: env.ID}
	h, ok := c.handlers[env.Op]
	if !ok {
		log.Warn().Str("op", env.Op.String()).Str("peer", c.id).Msg("messaging: no handler for operation")
		m.Respond(StatusError, fmt.Sprintf("unhandled operation %s", env.Op))
		return
	}
	h(m)
}

// Close drops the connection locally and on the remote side. Pending
// requests resolve with StatusNotConnected.
func (c *Conn) Close() {
	if !c.connected {
		return
	}
	c.closeLocal()
	if c.closeRemote != nil {
		c.closeRemote()
	}
}

func (c *Conn) closeLocal() {
	if !c.connected {
		return
	}
	c.connected = false
	ids := make([]uint32, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.resolve(id, Response{Status: StatusNotConnected})
	}
	callbacks := c.onClose
	c.onClose = nil
	for _, fn := range callbacks {
		fn()
	}
	log.Debug().Str("peer", c.id).Msg("messaging: connection closed")
}

// Pipe connects two in-memory endpoints. Each envelope is CBOR-encoded
// and posted to the receiving loop, so delivery happens on the next
// Advance of that loop, in send order.
func Pipe(a, b *loop.Loop, aID, bID string) (*Conn, *Conn) {
	var ca, cb *Conn
	ca = NewConn(aID, a, pipeWriter(b, &cb), func() { b.Post(func() { cb.closeLocal() }) })
	cb = NewConn(bID, b, pipeWriter(a, &ca), func() { a.Post(func() { ca.closeLocal() }) })
	return ca, cb
}

func pipeWriter(remote *loop.Loop, dst **Conn) func(Envelope) {
	return func(env Envelope) {
		data, err := encMode.Marshal(env)
		if err != nil {
			log.Error().Err(err).Str("op", env.Op.String()).Msg("messaging: failed to encode envelope")
			return
		}
		remote.Post(func() {
			var in Envelope
			if err := Unmarshal(data, &in); err != nil {
				log.Error().Err(err).Msg("messaging: dropping malformed envelope")
				return
			}
			(*dst).Deliver(in)
		})
	}
}
