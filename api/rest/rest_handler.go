package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/service"
)

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

type registerRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type registerResponse struct {
	UserId   int64  `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// HandleUsers bootstraps a user: a username and an RSA public key yield a
// directory entry and a bearer token for the ws and REST surfaces.
func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := h.Service.RegisterUser(r.Context(), req.Username, req.PublicKey)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Register user failed: %v", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	resp := registerResponse{
		UserId:   user.Id,
		Username: user.Username,
		Token:    token,
	}
	h.sendResponse(w, resp)
}

type chatsResponse struct {
	Groups []models.Group `json:"groups"`
}

func (h *Handler) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	groups, err := h.Service.ListGroups(r.Context(), user.Id)
	if err != nil {
		log.Printf("List groups failed: %v", err)
		http.Error(w, "failed to list chats", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, chatsResponse{Groups: groups})
}

type messagesResponse struct {
	GroupId  int64            `json:"groupId"`
	Messages []models.Message `json:"messages"`
}

// HandleChatMessages serves GET /chats/{id}/messages?before=<id>&limit=<n>,
// newest first.
func (h *Handler) HandleChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	groupId, ok := groupIdFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
	}

	var limit int64
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.ParseInt(v, 10, 32)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	messages, err := h.Service.GetChatHistory(r.Context(), user.Id, groupId, before, int32(limit))
	if err != nil {
		if errors.Is(err, service.ErrNotAMember) {
			http.Error(w, "not a member of this chat", http.StatusForbidden)
			return
		}
		log.Printf("Get chat history failed: %v", err)
		http.Error(w, "failed to fetch messages", http.StatusInternalServerError)
		return
	}

	h.sendResponse(w, messagesResponse{GroupId: groupId, Messages: messages})
}

// groupIdFromPath extracts <id> from /chats/<id>/messages.
func groupIdFromPath(path string) (int64, bool) {
	trimmed := strings.TrimPrefix(path, "/chats/")
	trimmed = strings.TrimSuffix(trimmed, "/messages")
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
