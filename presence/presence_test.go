package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kaverin/echorelay/models"
)

type fakeConn struct {
	mu         sync.Mutex
	id         string
	delivered  [][]byte
	terminated []string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Deliver(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, message)
}

func (f *fakeConn) Terminate(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, reason)
}

func (f *fakeConn) terminations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func newTestRegistry(policy ReconnectPolicy) *Registry {
	return NewRegistry(policy, time.Second, 15*time.Second)
}

func TestRegisterAndResolve(t *testing.T) {
	registry := newTestRegistry(PolicyReject)
	conn := newFakeConn("c1")

	err := registry.Register(conn, 1, "alice")
	assert.NoError(t, err)

	resolved, ok := registry.Resolve(1)
	assert.True(t, ok)
	assert.Equal(t, "c1", resolved.ID())

	resolved, ok = registry.ResolveByUsername("alice")
	assert.True(t, ok)
	assert.Equal(t, "c1", resolved.ID())

	_, ok = registry.Resolve(2)
	assert.False(t, ok)
}

func TestRegister_RejectPolicy(t *testing.T) {
	registry := newTestRegistry(PolicyReject)

	assert.NoError(t, registry.Register(newFakeConn("c1"), 1, "alice"))

	err := registry.Register(newFakeConn("c2"), 1, "alice")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The original connection stays bound.
	resolved, ok := registry.Resolve(1)
	assert.True(t, ok)
	assert.Equal(t, "c1", resolved.ID())
}

func TestRegister_ReplacePolicy(t *testing.T) {
	registry := newTestRegistry(PolicyReplace)
	oldConn := newFakeConn("c1")
	newConn := newFakeConn("c2")

	assert.NoError(t, registry.Register(oldConn, 1, "alice"))
	assert.NoError(t, registry.Register(newConn, 1, "alice"))

	assert.Len(t, oldConn.terminations(), 1)

	resolved, ok := registry.Resolve(1)
	assert.True(t, ok)
	assert.Equal(t, "c2", resolved.ID())

	// The dying old connection unregistering must not evict the new one.
	registry.Unregister("c1")
	resolved, ok = registry.Resolve(1)
	assert.True(t, ok)
	assert.Equal(t, "c2", resolved.ID())
}

func TestHeartbeat(t *testing.T) {
	registry := newTestRegistry(PolicyReject)
	conn := newFakeConn("c1")

	assert.ErrorIs(t, registry.Heartbeat("c1"), ErrNotRegistered)

	assert.NoError(t, registry.Register(conn, 1, "alice"))
	assert.NoError(t, registry.Heartbeat("c1"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	registry := newTestRegistry(PolicyReject)
	conn := newFakeConn("c1")

	var updates int
	var mu sync.Mutex
	registry.SetOnUpdate(func([]models.PresenceUser) {
		mu.Lock()
		updates++
		mu.Unlock()
	})

	assert.NoError(t, registry.Register(conn, 1, "alice"))
	registry.Unregister("c1")
	registry.Unregister("c1")
	registry.Unregister("unknown")

	_, ok := registry.Resolve(1)
	assert.False(t, ok)

	// One update for the register, one for the single real removal.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, updates)
}

func TestListOnline(t *testing.T) {
	registry := newTestRegistry(PolicyReject)

	assert.Empty(t, registry.ListOnline())

	assert.NoError(t, registry.Register(newFakeConn("c1"), 1, "alice"))
	assert.NoError(t, registry.Register(newFakeConn("c2"), 2, "bob"))

	online := registry.ListOnline()
	assert.Len(t, online, 2)

	names := map[int64]string{}
	for _, u := range online {
		names[u.UserId] = u.Username
	}
	assert.Equal(t, "alice", names[1])
	assert.Equal(t, "bob", names[2])
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	registry := newTestRegistry(PolicyReject)
	stale := newFakeConn("c1")
	fresh := newFakeConn("c2")

	base := time.Now()
	registry.now = func() time.Time { return base }

	assert.NoError(t, registry.Register(stale, 1, "alice"))
	assert.NoError(t, registry.Register(fresh, 2, "bob"))

	// Only bob heartbeats within the window.
	registry.now = func() time.Time { return base.Add(10 * time.Second) }
	assert.NoError(t, registry.Heartbeat("c2"))

	registry.now = func() time.Time { return base.Add(16 * time.Second) }
	registry.sweep()

	_, ok := registry.Resolve(1)
	assert.False(t, ok)
	assert.Len(t, stale.terminations(), 1)

	_, ok = registry.Resolve(2)
	assert.True(t, ok)
	assert.Empty(t, fresh.terminations())
}

func TestSweepKeepsSessionsInsideWindow(t *testing.T) {
	registry := newTestRegistry(PolicyReject)
	conn := newFakeConn("c1")

	base := time.Now()
	registry.now = func() time.Time { return base }
	assert.NoError(t, registry.Register(conn, 1, "alice"))

	registry.now = func() time.Time { return base.Add(14 * time.Second) }
	registry.sweep()

	_, ok := registry.Resolve(1)
	assert.True(t, ok)
	assert.Empty(t, conn.terminations())
}
