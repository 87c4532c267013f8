package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/service"
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{"relay-v1"},
	}
}

// ServeWS handles websocket requests from the peer. The bearer token rides
// in the second subprotocol slot since browsers cannot set headers on
// websocket upgrades.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	user, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, user, h.HandleWsMessage)

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type signalMessage struct {
	TargetUserId int64           `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

type signalForward struct {
	FromUserId   int64           `json:"fromUserId"`
	FromUsername string          `json:"fromUsername"`
	Payload      json.RawMessage `json:"payload"`
	IsEncrypted  bool            `json:"isEncrypted"`
}

type publicKeyRequest struct {
	UserId int64 `json:"userId"`
}

type initiateGroupMessage struct {
	ParticipantIds []int64 `json:"participantIds"`
}

type distributeKeysMessage struct {
	Name          string           `json:"name"`
	EncryptedKeys map[int64]string `json:"encryptedKeys"`
}

type createGroupMessage struct {
	Name           string  `json:"name"`
	ParticipantIds []int64 `json:"participantIds"`
}

type addParticipantsMessage struct {
	GroupId int64   `json:"groupId"`
	UserIds []int64 `json:"userIds"`
}

type removeParticipantMessage struct {
	GroupId int64 `json:"groupId"`
	UserId  int64 `json:"userId"`
}

type getGroupKeyMessage struct {
	GroupId int64 `json:"groupId"`
}

type sendMessageData struct {
	GroupId         int64  `json:"groupId"`
	Content         []byte `json:"content"`
	ClientMessageId string `json:"clientMessageId"`
}

type responseMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// relayedTypes maps an inbound signaling event to the type the target peer
// receives it under.
var relayedTypes = map[string]string{
	"offer":     "getOffer",
	"answer":    "getAnswer",
	"candidate": "getCandidate",
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "register_presence":
		resp = h.handleRegisterPresence(client)

	case "heartbeat":
		resp = h.handleHeartbeat(client)

	case "get_initial_online_users":
		resp = responseMessage{
			Type: "get_initial_online_users_response",
			Data: onlineUsersData{OnlineUsers: h.Service.Registry.ListOnline()},
		}

	case "offer", "answer", "candidate":
		var signalMsg signalMessage
		if err := json.Unmarshal(msg.Data, &signalMsg); err != nil {
			log.Printf("Invalid %s data: %v", msg.Type, err)
			return
		}
		resp = h.handleSignal(client, msg.Type, signalMsg)

	case "get_signaling_public_key":
		var keyReq publicKeyRequest
		if err := json.Unmarshal(msg.Data, &keyReq); err != nil {
			log.Printf("Invalid public key request data: %v", err)
			return
		}
		resp = h.handleGetPublicKey(client, keyReq)

	case "initiate_group_creation":
		var initMsg initiateGroupMessage
		if err := json.Unmarshal(msg.Data, &initMsg); err != nil {
			log.Printf("Invalid initiate group data: %v", err)
			return
		}
		resp = h.handleInitiateGroup(client, initMsg)

	case "distribute_encrypted_keys":
		var distMsg distributeKeysMessage
		if err := json.Unmarshal(msg.Data, &distMsg); err != nil {
			log.Printf("Invalid distribute keys data: %v", err)
			return
		}
		resp = h.handleDistributeKeys(client, distMsg)

	case "create_group":
		var createMsg createGroupMessage
		if err := json.Unmarshal(msg.Data, &createMsg); err != nil {
			log.Printf("Invalid create group data: %v", err)
			return
		}
		resp = h.handleCreateGroup(client, createMsg)

	case "add_participants":
		var addMsg addParticipantsMessage
		if err := json.Unmarshal(msg.Data, &addMsg); err != nil {
			log.Printf("Invalid add participants data: %v", err)
			return
		}
		resp = h.handleAddParticipants(client, addMsg)

	case "remove_participant":
		var removeMsg removeParticipantMessage
		if err := json.Unmarshal(msg.Data, &removeMsg); err != nil {
			log.Printf("Invalid remove participant data: %v", err)
			return
		}
		resp = h.handleRemoveParticipant(client, removeMsg)

	case "get_group_key":
		var keyMsg getGroupKeyMessage
		if err := json.Unmarshal(msg.Data, &keyMsg); err != nil {
			log.Printf("Invalid get group key data: %v", err)
			return
		}
		resp = h.handleGetGroupKey(client, keyMsg)

	case "send_message":
		var sendMsg sendMessageData
		if err := json.Unmarshal(msg.Data, &sendMsg); err != nil {
			log.Printf("Invalid send message data: %v", err)
			return
		}
		resp = h.handleSendMessage(client, sendMsg)

	default:
		log.Printf("Unknown message type: %v", msg.Type)
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			log.Printf("Error marshaling response JSON: %v", err)
			return
		}
		client.Deliver(respBytes)
	}
}

func (h *Handler) handleRegisterPresence(client *Client) responseMessage {
	resp := responseMessage{
		Type: "register_presence_response",
	}

	err := h.Service.Registry.Register(client, client.user.Id, client.user.Username)
	if err != nil {
		if errors.Is(err, presence.ErrAlreadyRegistered) {
			resp.Data = map[string]any{"success": false, "error": "user is already connected"}
			return resp
		}
		log.Printf("Register presence failed: %v", err)
		resp.Data = map[string]any{"success": false, "error": err.Error()}
		return resp
	}

	resp.Data = map[string]any{"success": true}
	return resp
}

func (h *Handler) handleHeartbeat(client *Client) responseMessage {
	resp := responseMessage{
		Type: "heartbeat_response",
	}

	if err := h.Service.Registry.Heartbeat(client.ID()); err != nil {
		resp.Data = map[string]any{"success": false, "error": "presence not registered"}
		return resp
	}

	resp.Data = map[string]any{"success": true}
	return resp
}

// handleSignal forwards an offer, answer or candidate to the target peer
// without touching the payload. IsEncrypted is computed from the envelope
// shape; legacy plaintext payloads forward with the flag false so the peers
// can interoperate. An offline target is an immediate call_error back to the
// sender; there is no buffering and no retry.
func (h *Handler) handleSignal(client *Client, msgType string, signalMsg signalMessage) responseMessage {
	target, ok := h.Service.Registry.Resolve(signalMsg.TargetUserId)
	if !ok {
		return responseMessage{
			Type: "call_error",
			Data: map[string]any{"targetUserId": signalMsg.TargetUserId, "error": "user is not online"},
		}
	}

	forward := responseMessage{
		Type: relayedTypes[msgType],
		Data: signalForward{
			FromUserId:   client.user.Id,
			FromUsername: client.user.Username,
			Payload:      signalMsg.Payload,
			IsEncrypted:  h.Service.ValidateSignalingPayload(signalMsg.Payload),
		},
	}
	forwardBytes, err := json.Marshal(forward)
	if err != nil {
		log.Printf("Error marshaling %s forward: %v", msgType, err)
		return responseMessage{}
	}
	target.Deliver(forwardBytes)

	return responseMessage{}
}

func (h *Handler) handleGetPublicKey(client *Client, keyReq publicKeyRequest) responseMessage {
	resp := responseMessage{
		Type: "get_signaling_public_key_response",
	}

	publicKey, err := h.Service.GetSignalingPublicKey(context.Background(), keyReq.UserId)
	if err != nil {
		log.Printf("Get signaling public key failed: %v", err)
		resp.Data = map[string]any{"success": false, "userId": keyReq.UserId, "error": err.Error()}
		return resp
	}

	resp.Data = map[string]any{"success": true, "userId": keyReq.UserId, "publicKey": publicKey}
	return resp
}

func (h *Handler) handleInitiateGroup(client *Client, initMsg initiateGroupMessage) responseMessage {
	publicKeys, err := h.Service.InitiateGroupCreation(context.Background(), client.user.Id, initMsg.ParticipantIds)
	if err != nil {
		log.Printf("Initiate group creation failed: %v", err)
		return groupError("initiate_group_creation", err)
	}

	return responseMessage{
		Type: "initiate_group_creation_response",
		Data: map[string]any{"success": true, "publicKeys": publicKeys},
	}
}

func (h *Handler) handleDistributeKeys(client *Client, distMsg distributeKeysMessage) responseMessage {
	group, memberIds, err := h.Service.DistributeEncryptedKeys(context.Background(), client.user, distMsg.Name, distMsg.EncryptedKeys)
	if err != nil {
		log.Printf("Distribute encrypted keys failed: %v", err)
		return groupError("distribute_encrypted_keys", err)
	}

	return responseMessage{
		Type: "distribute_encrypted_keys_response",
		Data: map[string]any{"success": true, "group": group, "memberIds": memberIds},
	}
}

func (h *Handler) handleCreateGroup(client *Client, createMsg createGroupMessage) responseMessage {
	group, pkg, err := h.Service.CreateGroupWithServerKeys(context.Background(), client.user.Id, createMsg.Name, createMsg.ParticipantIds)
	if err != nil {
		log.Printf("Create group failed: %v", err)
		return groupError("create_group", err)
	}

	return responseMessage{
		Type: "create_group_response",
		Data: map[string]any{"success": true, "group": group, "skippedUserIds": pkg.SkippedUserIds},
	}
}

func (h *Handler) handleAddParticipants(client *Client, addMsg addParticipantsMessage) responseMessage {
	granted, skipped, err := h.Service.AddParticipants(context.Background(), client.user.Id, addMsg.GroupId, addMsg.UserIds)
	if err != nil {
		log.Printf("Add participants failed: %v", err)
		return groupError("add_participants", err)
	}

	addedIds := make([]int64, 0, len(granted))
	for _, key := range granted {
		addedIds = append(addedIds, key.UserId)
	}

	return responseMessage{
		Type: "add_participants_response",
		Data: map[string]any{"success": true, "groupId": addMsg.GroupId, "addedUserIds": addedIds, "skippedUserIds": skipped},
	}
}

func (h *Handler) handleRemoveParticipant(client *Client, removeMsg removeParticipantMessage) responseMessage {
	err := h.Service.RemoveParticipant(context.Background(), client.user.Id, removeMsg.GroupId, removeMsg.UserId)
	if err != nil {
		log.Printf("Remove participant failed: %v", err)
		return groupError("remove_participant", err)
	}

	// Rotation is asynchronous; members learn the new key via
	// receive_group_key once the job commits.
	return responseMessage{
		Type: "remove_participant_response",
		Data: map[string]any{"success": true, "groupId": removeMsg.GroupId, "userId": removeMsg.UserId},
	}
}

// handleGetGroupKey hands the caller their ciphertext of the current group
// key, so members offline during a rotation can catch up on reconnect.
func (h *Handler) handleGetGroupKey(client *Client, keyMsg getGroupKeyMessage) responseMessage {
	key, err := h.Service.GetGroupKey(context.Background(), client.user.Id, keyMsg.GroupId)
	if err != nil {
		log.Printf("Get group key failed: %v", err)
		return groupError("get_group_key", err)
	}

	return responseMessage{
		Type: "get_group_key_response",
		Data: map[string]any{
			"success":      true,
			"groupId":      key.GroupId,
			"keyVersion":   key.KeyVersion,
			"encryptedKey": key.EncryptedKey,
		},
	}
}

func (h *Handler) handleSendMessage(client *Client, sendMsg sendMessageData) responseMessage {
	resp := responseMessage{
		Type: "send_message_response",
	}

	result, err := h.Service.SubmitMessage(context.Background(), client.user, sendMsg.GroupId, sendMsg.Content, sendMsg.ClientMessageId)
	if err != nil {
		log.Printf("Submit message failed: %v", err)
		resp.Data = map[string]any{"success": false, "clientMessageId": sendMsg.ClientMessageId, "error": err.Error()}
		return resp
	}

	if !result.Duplicate {
		broadcast := responseMessage{Type: "newMessage", Data: result.Message}
		if broadcastBytes, err := json.Marshal(broadcast); err == nil {
			// Best-effort per recipient; offline members read history later.
			for _, recipientId := range result.RecipientIds {
				if conn, ok := h.Service.Registry.Resolve(recipientId); ok {
					conn.Deliver(broadcastBytes)
				}
			}
		}
	}

	resp.Data = map[string]any{
		"success":         true,
		"clientMessageId": sendMsg.ClientMessageId,
		"message":         result.Message,
		"duplicate":       result.Duplicate,
	}
	return resp
}

func groupError(action string, err error) responseMessage {
	return responseMessage{
		Type: "group_error",
		Data: map[string]any{"action": action, "error": err.Error()},
	}
}
