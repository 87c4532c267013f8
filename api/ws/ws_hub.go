package ws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/kaverin/echorelay/cache"
	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/service"
)

type receiveGroupKeyData struct {
	GroupId      int64  `json:"groupId"`
	KeyVersion   int    `json:"keyVersion"`
	FromUserId   int64  `json:"fromUserId,omitempty"`
	EncryptedKey string `json:"encryptedKey"`
}

type onlineUsersData struct {
	OnlineUsers []models.PresenceUser `json:"onlineUsers"`
}

// Hub maintains the set of active clients, fans broadcasts out to all of
// them, and pushes rotated group keys to the members that are online.
type Hub struct {
	relayCache    cache.RelayCache
	registry      *presence.Registry
	OpenCh        chan *Client
	CloseCh       chan *Client
	BroadcastCh   chan []byte
	RotatedKeysCh chan service.GroupKeysRotatedMessage
	clients       map[*Client]struct{}
}

func NewHub(relayCache cache.RelayCache, registry *presence.Registry) *Hub {
	return &Hub{
		relayCache:    relayCache,
		registry:      registry,
		OpenCh:        make(chan *Client, 256),
		CloseCh:       make(chan *Client, 256),
		BroadcastCh:   make(chan []byte, 256),
		RotatedKeysCh: make(chan service.GroupKeysRotatedMessage, 64),
		clients:       make(map[*Client]struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.OpenCh:
			h.clients[client] = struct{}{}

		case client := <-h.CloseCh:
			// The registry only forgets the binding if this connection
			// still owns it; a replacement connection is left alone.
			h.registry.Unregister(client.connId)
			delete(h.clients, client)

		case message := <-h.BroadcastCh:
			for client := range h.clients {
				client.Deliver(message)
			}

		case rotatedMsg := <-h.RotatedKeysCh:
			for userId, encryptedKey := range rotatedMsg.Keys {
				conn, ok := h.registry.Resolve(userId)
				if !ok {
					// Offline members fetch their key with get_group_key
					// on next connect.
					continue
				}

				msg := struct {
					Type string              `json:"type"`
					Data receiveGroupKeyData `json:"data"`
				}{
					Type: "receive_group_key",
					Data: receiveGroupKeyData{
						GroupId:      rotatedMsg.GroupId,
						KeyVersion:   rotatedMsg.KeyVersion,
						FromUserId:   rotatedMsg.FromUserId,
						EncryptedKey: encryptedKey,
					},
				}
				if msgBytes, err := json.Marshal(msg); err == nil {
					conn.Deliver(msgBytes)
				}
			}
		}
	}
}

// BroadcastOnlineUsers pushes the full online list to every connection. The
// presence registry calls this after each membership change.
func (h *Hub) BroadcastOnlineUsers(users []models.PresenceUser) {
	msg := struct {
		Type string          `json:"type"`
		Data onlineUsersData `json:"data"`
	}{Type: "online_users_update", Data: onlineUsersData{OnlineUsers: users}}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal online users update: %v", err)
		return
	}
	h.BroadcastCh <- msgBytes
}

// InitSubscriptions wires the hub to the rotated-keys channel. Rotations
// commit in the background consumer, possibly on another instance; redis
// pub/sub is what gets the fresh ciphertexts to wherever the member is
// connected.
func (h *Hub) InitSubscriptions(shutdownCtx context.Context) error {
	err := h.relayCache.Subscribe(shutdownCtx, service.GroupKeysRotatedChannel, func(message []byte) {
		var rotatedMsg service.GroupKeysRotatedMessage
		if err := json.Unmarshal(message, &rotatedMsg); err == nil {
			h.RotatedKeysCh <- rotatedMsg
		} else {
			log.Printf("Failed to unmarshal rotated keys message: %v", err)
		}
	})
	if err != nil {
		log.Printf("WS hub failed to subscribe to %s: %v", service.GroupKeysRotatedChannel, err)
		return err
	}

	return nil
}
