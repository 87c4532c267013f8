package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/kaverin/echorelay/models"
)

var (
	ErrAlreadyRegistered = errors.New("user is already registered")
	ErrNotRegistered     = errors.New("connection is not registered")
)

// Conn is the live connection handle the registry tracks. The websocket
// client implements it; tests use fakes.
type Conn interface {
	ID() string
	Deliver(message []byte)
	Terminate(reason string)
}

// ReconnectPolicy decides what happens when a user registers while already
// holding a live session.
type ReconnectPolicy int

const (
	// PolicyReject refuses the second registration.
	PolicyReject ReconnectPolicy = iota
	// PolicyReplace terminates the old connection and binds the new one.
	PolicyReplace
)

type session struct {
	conn          Conn
	userId        int64
	username      string
	lastHeartbeat time.Time
}

// Registry is the single owner of the user-to-connection mapping. All state
// is behind one mutex; lookups are in-memory and never suspend.
type Registry struct {
	mu            sync.Mutex
	byUserId      map[int64]*session
	byConnId      map[string]*session
	policy        ReconnectPolicy
	sweepInterval time.Duration
	timeout       time.Duration
	onUpdate      func([]models.PresenceUser)
	now           func() time.Time
}

func NewRegistry(policy ReconnectPolicy, sweepInterval, timeout time.Duration) *Registry {
	return &Registry{
		byUserId:      make(map[int64]*session),
		byConnId:      make(map[string]*session),
		policy:        policy,
		sweepInterval: sweepInterval,
		timeout:       timeout,
		now:           time.Now,
	}
}

// SetOnUpdate installs the callback invoked with the full online list after
// every membership change. Called outside the registry lock.
func (r *Registry) SetOnUpdate(fn func([]models.PresenceUser)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

func (r *Registry) Register(conn Conn, userId int64, username string) error {
	if username == "" {
		username = "user"
	}

	r.mu.Lock()
	var replaced Conn
	if existing, ok := r.byUserId[userId]; ok {
		if r.policy == PolicyReject {
			r.mu.Unlock()
			return ErrAlreadyRegistered
		}
		replaced = existing.conn
		delete(r.byConnId, existing.conn.ID())
	}

	s := &session{conn: conn, userId: userId, username: username, lastHeartbeat: r.now()}
	r.byUserId[userId] = s
	r.byConnId[conn.ID()] = s
	r.mu.Unlock()

	if replaced != nil {
		log.Printf("Presence: user %d reconnected, replacing connection %s", userId, replaced.ID())
		replaced.Terminate("Signed in from another connection.")
	}

	r.notifyUpdate()
	return nil
}

func (r *Registry) Heartbeat(connId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConnId[connId]
	if !ok {
		return ErrNotRegistered
	}
	s.lastHeartbeat = r.now()
	return nil
}

// Unregister removes the session bound to connId. Removing an unknown or
// already-removed connection is a no-op.
func (r *Registry) Unregister(connId string) {
	r.mu.Lock()
	s, ok := r.byConnId[connId]
	if ok {
		delete(r.byConnId, connId)
		// Only drop the user binding if it still points at this connection;
		// under PolicyReplace a newer session may own the user id.
		if current, exists := r.byUserId[s.userId]; exists && current == s {
			delete(r.byUserId, s.userId)
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if ok {
		log.Printf("Presence: user %d left", s.userId)
		r.notifyUpdate()
	}
}

func (r *Registry) Resolve(userId int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUserId[userId]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

func (r *Registry) ResolveByUsername(username string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.byUserId {
		if s.username == username {
			return s.conn, true
		}
	}
	return nil, false
}

func (r *Registry) ListOnline() []models.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]models.PresenceUser, 0, len(r.byUserId))
	for _, s := range r.byUserId {
		users = append(users, models.PresenceUser{UserId: s.userId, Username: s.username})
	}
	return users
}

// Run drives the liveness sweep until shutdown. Each tick scans all sessions
// and force-disconnects any whose heartbeat is older than the timeout.
func (r *Registry) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-shutdownCtx.Done():
			return
		}
	}
}

func (r *Registry) sweep() {
	now := r.now()

	r.mu.Lock()
	var expired []*session
	for _, s := range r.byUserId {
		if now.Sub(s.lastHeartbeat) > r.timeout {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		log.Printf("Presence: user %d timed out, removing", s.userId)
		s.conn.Terminate("Your session timed out.")
		r.Unregister(s.conn.ID())
	}
}

func (r *Registry) notifyUpdate() {
	r.mu.Lock()
	fn := r.onUpdate
	r.mu.Unlock()

	if fn != nil {
		fn(r.ListOnline())
	}
}
