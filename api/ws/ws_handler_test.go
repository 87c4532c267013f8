package ws

import (
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cachemocks "github.com/kaverin/echorelay/cache/mocks"
	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/models"
	mqmocks "github.com/kaverin/echorelay/mq/mocks"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/service"
	storemocks "github.com/kaverin/echorelay/store/mocks"
	"github.com/kaverin/echorelay/worker"
)

// fakeConn stands in for a peer's live connection on the registry side.
type fakeConn struct {
	id        string
	delivered [][]byte
}

func (c *fakeConn) ID() string              { return c.id }
func (c *fakeConn) Deliver(message []byte)  { c.delivered = append(c.delivered, message) }
func (c *fakeConn) Terminate(reason string) {}

func newTestHandler(t *testing.T) (*Handler, *presence.Registry) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	assert.NoError(t, err)
	cipher, err := crypto.NewCipher(masterKey)
	assert.NoError(t, err)

	registry := presence.NewRegistry(presence.PolicyReject, time.Second, 15*time.Second)

	svc, err := service.NewService(
		new(storemocks.MockStore),
		new(cachemocks.MockCache),
		new(mqmocks.MockMQ),
		registry,
		cipher,
		worker.NewKeyEncryptPool(cipher, 2),
		[]byte("secret"),
	)
	assert.NoError(t, err)

	return NewHandler(svc, NewHub(nil, registry)), registry
}

type forwardedMessage struct {
	Type string        `json:"type"`
	Data signalForward `json:"data"`
}

func TestHandleSignal_ForwardsEncryptedPayloadUnchanged(t *testing.T) {
	h, registry := newTestHandler(t)

	target := &fakeConn{id: "t1"}
	assert.NoError(t, registry.Register(target, 2, "bob"))

	sender := NewClient(h.Hub, nil, models.User{Id: 1, Username: "alice"}, nil)
	payload := json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"RSA_PUBLIC"}`)

	resp := h.handleSignal(sender, "offer", signalMessage{TargetUserId: 2, Payload: payload})
	assert.Empty(t, resp.Type)

	assert.Len(t, target.delivered, 1)
	var forwarded forwardedMessage
	assert.NoError(t, json.Unmarshal(target.delivered[0], &forwarded))

	assert.Equal(t, "getOffer", forwarded.Type)
	assert.Equal(t, int64(1), forwarded.Data.FromUserId)
	assert.Equal(t, "alice", forwarded.Data.FromUsername)
	assert.True(t, forwarded.Data.IsEncrypted)
	// The payload must arrive byte-for-byte as sent.
	assert.Equal(t, []byte(payload), []byte(forwarded.Data.Payload))
}

func TestHandleSignal_LegacyPlaintextForwardsWithFlagFalse(t *testing.T) {
	h, registry := newTestHandler(t)

	target := &fakeConn{id: "t1"}
	assert.NoError(t, registry.Register(target, 2, "bob"))

	sender := NewClient(h.Hub, nil, models.User{Id: 1, Username: "alice"}, nil)
	payload := json.RawMessage(`{"sdp":"v=0 legacy plain offer","type":"offer"}`)

	resp := h.handleSignal(sender, "offer", signalMessage{TargetUserId: 2, Payload: payload})
	assert.Empty(t, resp.Type)

	assert.Len(t, target.delivered, 1)
	var forwarded forwardedMessage
	assert.NoError(t, json.Unmarshal(target.delivered[0], &forwarded))

	assert.Equal(t, "getOffer", forwarded.Type)
	assert.False(t, forwarded.Data.IsEncrypted)
	assert.Equal(t, []byte(payload), []byte(forwarded.Data.Payload))
}

func TestHandleSignal_CandidateTypeMapping(t *testing.T) {
	h, registry := newTestHandler(t)

	target := &fakeConn{id: "t1"}
	assert.NoError(t, registry.Register(target, 2, "bob"))

	sender := NewClient(h.Hub, nil, models.User{Id: 1, Username: "alice"}, nil)
	payload := json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"RSA_PUBLIC"}`)

	h.handleSignal(sender, "candidate", signalMessage{TargetUserId: 2, Payload: payload})

	assert.Len(t, target.delivered, 1)
	var forwarded forwardedMessage
	assert.NoError(t, json.Unmarshal(target.delivered[0], &forwarded))
	assert.Equal(t, "getCandidate", forwarded.Type)
}

func TestHandleSignal_OfflineTargetGetsCallError(t *testing.T) {
	h, _ := newTestHandler(t)

	sender := NewClient(h.Hub, nil, models.User{Id: 1, Username: "alice"}, nil)
	payload := json.RawMessage(`{"encryptedData":"b64blob","encryptionType":"RSA_PUBLIC"}`)

	resp := h.handleSignal(sender, "offer", signalMessage{TargetUserId: 3, Payload: payload})

	assert.Equal(t, "call_error", resp.Type)
	data, ok := resp.Data.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, int64(3), data["targetUserId"])
	assert.Equal(t, "user is not online", data["error"])
}
