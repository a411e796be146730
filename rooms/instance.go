package rooms

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gameserver-coordinator/loop"
	"gameserver-coordinator/metrics"

	"github.com/rs/zerolog/log"
)

// DefaultAccessTTL is how long an unclaimed grant stays valid.
const DefaultAccessTTL = 10 * time.Second

var (
	ErrJoiningDisabled = errors.New("rooms: joining disabled")
	ErrRoomFull        = errors.New("rooms: room full")
	ErrAlreadyInGame   = errors.New("rooms: already in game")
	ErrInvalidRequest  = errors.New("rooms: invalid access request")
)

// AccessRequest is what a requester asks for and what a claim returns.
type AccessRequest struct {
	Requester string
	Extra     map[string]string
	CreatedAt time.Time
}

// Access is the connection data handed to an admitted requester.
type Access struct {
	Token      string
	Address    string
	Scene      string
	Properties map[string]string
}

// Validator may refuse a request for instance-specific reasons (bans,
// version checks). A non-nil error is returned to the requester.
type Validator func(*AccessRequest) error

// Notifier is told about players joining and leaving.
type Notifier interface {
	PlayerJoined(player string)
	PlayerLeft(player string)
}

// Options describe a live game instance.
type Options struct {
	Name       string
	Address    string
	Scene      string
	Password   string
	MaxPlayers int
	Private    bool
	Properties map[string]string
	AccessTTL  time.Duration
}

type grant struct {
	request *AccessRequest
	expiry  *loop.Timer
}

// Instance is a running game server's view of itself: the connected
// players and the outstanding admission grants. It is confined to its
// loop; |connected| + |grants| never exceeds MaxPlayers.
type Instance struct {
	loop *loop.Loop
	opts Options

	connected       map[string]struct{}
	grants          map[string]*grant
	joiningDisabled bool
	open            bool
	closed          bool
	validator       Validator
	notifier        Notifier
	onEmpty         []func()
}

func New(l *loop.Loop, opts Options) *Instance {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	return &Instance{
		loop:      l,
		opts:      opts,
		connected: make(map[string]struct{}),
		grants:    make(map[string]*grant),
	}
}

func (i *Instance) Options() Options { return i.opts }

func (i *Instance) SetValidator(v Validator) { i.validator = v }

func (i *Instance) SetNotifier(n Notifier) { i.notifier = n }

// SetJoiningDisabled stops (or resumes) issuing new grants.
func (i *Instance) SetJoiningDisabled(disabled bool) { i.joiningDisabled = disabled }

func (i *Instance) IsOpen() bool { return i.open }

func (i *Instance) ConnectedCount() int { return len(i.connected) }

func (i *Instance) OutstandingGrants() int { return len(i.grants) }

func (i *Instance) IsConnected(player string) bool {
	_, ok := i.connected[player]
	return ok
}

// TryCreateAccess issues a single-use token for req.Requester.
func (i *Instance) TryCreateAccess(req AccessRequest) (*Access, error) {
	if req.Requester == "" {
		return nil, ErrInvalidRequest
	}
	if i.joiningDisabled || i.closed {
		return nil, i.reject(ErrJoiningDisabled, req.Requester)
	}
	if i.opts.MaxPlayers > 0 && len(i.connected)+len(i.grants) >= i.opts.MaxPlayers {
		return nil, i.reject(ErrRoomFull, req.Requester)
	}
	if _, ok := i.connected[req.Requester]; ok {
		return nil, i.reject(ErrAlreadyInGame, req.Requester)
	}
	if i.validator != nil {
		if err := i.validator(&req); err != nil {
			return nil, i.reject(err, req.Requester)
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("rooms: generate token: %w", err)
	}
	req.CreatedAt = i.loop.Now()
	g := &grant{request: &req}
	g.expiry = i.loop.After(i.opts.AccessTTL, func() {
		if i.grants[token] == g {
			delete(i.grants, token)
			metrics.AdmissionsTotal.WithLabelValues("expired").Inc()
			log.Debug().Str("instance", i.opts.Name).Str("requester", req.Requester).Msg("rooms: access grant expired")
		}
	})
	i.grants[token] = g
	metrics.AdmissionsTotal.WithLabelValues("granted").Inc()
	log.Info().Str("instance", i.opts.Name).Str("requester", req.Requester).Int("outstanding", len(i.grants)).Msg("rooms: access granted")

	props := make(map[string]string, len(i.opts.Properties))
	for k, v := range i.opts.Properties {
		props[k] = v
	}
	return &Access{Token: token, Address: i.opts.Address, Scene: i.opts.Scene, Properties: props}, nil
}

func (i *Instance) reject(err error, requester string) error {
	metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
	log.Debug().Err(err).Str("instance", i.opts.Name).Str("requester", requester).Msg("rooms: access rejected")
	return err
}

// TryClaimAccess consumes the grant for token. It succeeds at most once
// per token and never after the grant's TTL.
func (i *Instance) TryClaimAccess(token string) (*AccessRequest, bool) {
	g, ok := i.grants[token]
	if !ok {
		return nil, false
	}
	delete(i.grants, token)
	g.expiry.Stop()
	if !i.loop.Now().Before(g.request.CreatedAt.Add(i.opts.AccessTTL)) {
		metrics.AdmissionsTotal.WithLabelValues("expired").Inc()
		return nil, false
	}
	metrics.AdmissionsTotal.WithLabelValues("claimed").Inc()
	return g.request, true
}

// Admit claims token and marks its requester connected.
func (i *Instance) Admit(token string) (*AccessRequest, error) {
	req, ok := i.TryClaimAccess(token)
	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired token", ErrInvalidRequest)
	}
	if err := i.AddConnectedUser(req.Requester); err != nil {
		return nil, err
	}
	return req, nil
}

// AddConnectedUser records a player as connected.
func (i *Instance) AddConnectedUser(player string) error {
	if _, ok := i.connected[player]; ok {
		return ErrAlreadyInGame
	}
	if i.opts.MaxPlayers > 0 && len(i.connected)+len(i.grants) >= i.opts.MaxPlayers {
		return ErrRoomFull
	}
	i.connected[player] = struct{}{}
	log.Info().Str("instance", i.opts.Name).Str("player", player).Int("connected", len(i.connected)).Msg("rooms: player connected")
	if i.notifier != nil {
		i.notifier.PlayerJoined(player)
	}
	return nil
}

// RemoveConnectedUser records a player leaving.
func (i *Instance) RemoveConnectedUser(player string) {
	if _, ok := i.connected[player]; !ok {
		return
	}
	delete(i.connected, player)
	log.Info().Str("instance", i.opts.Name).Str("player", player).Int("connected", len(i.connected)).Msg("rooms: player disconnected")
	if i.notifier != nil {
		i.notifier.PlayerLeft(player)
	}
	if len(i.connected) == 0 {
		i.drained()
	}
}

// Shutdown disables joining and calls done once every player has left.
func (i *Instance) Shutdown(done func()) {
	i.joiningDisabled = true
	i.onEmpty = append(i.onEmpty, done)
	if len(i.connected) == 0 {
		i.drained()
	}
}

func (i *Instance) drained() {
	callbacks := i.onEmpty
	i.onEmpty = nil
	for _, fn := range callbacks {
		fn()
	}
}

// Close invalidates every outstanding grant. The instance accepts no
// further requests.
func (i *Instance) Close() {
	i.closed = true
	for token, g := range i.grants {
		g.expiry.Stop()
		delete(i.grants, token)
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
