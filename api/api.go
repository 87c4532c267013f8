package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaverin/echorelay/api/rest"
	"github.com/kaverin/echorelay/api/ws"
	"github.com/kaverin/echorelay/cache"
	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/mq"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/service"
	"github.com/kaverin/echorelay/store"
	"github.com/kaverin/echorelay/worker"
)

const (
	presenceSweepInterval = 7 * time.Second
	presenceTimeout       = 15 * time.Second
	keyPoolSize           = 4
)

type RelayAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	wsUpgrader  websocket.Upgrader
	shutdownCtx context.Context
}

func NewRelayAPI(
	relayStore store.RelayStore,
	rotationQueue mq.MessageQueue,
	relayCache cache.RelayCache,
	cipher *crypto.Cipher,
	reconnectPolicy presence.ReconnectPolicy,
	jwtSecret []byte,
	shutdownCtx context.Context,
) (*RelayAPI, error) {
	registry := presence.NewRegistry(reconnectPolicy, presenceSweepInterval, presenceTimeout)
	go registry.Run(shutdownCtx)

	wsHub := ws.NewHub(relayCache, registry)
	err := wsHub.InitSubscriptions(shutdownCtx)
	if err != nil {
		log.Printf("Failed to start WS Hub subscriptions service: %v", err)
		return &RelayAPI{}, err
	}
	go wsHub.Run()

	registry.SetOnUpdate(wsHub.BroadcastOnlineUsers)

	keyPool := worker.NewKeyEncryptPool(cipher, keyPoolSize)

	svc, err := service.NewService(
		relayStore,
		relayCache,
		rotationQueue,
		registry,
		cipher,
		keyPool,
		jwtSecret,
	)
	if err != nil {
		log.Printf("Failed to create service: %v", err)
		return &RelayAPI{}, err
	}

	rotationConsumer := worker.NewRotationConsumer(rotationQueue, svc)
	go rotationConsumer.Run(shutdownCtx)

	restHandler := rest.NewHandler(svc)
	wsHandler := ws.NewHandler(svc, wsHub)

	return &RelayAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}, nil
}

func (relayAPI *RelayAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/users", relayAPI.restHandler.HandleUsers)
	mux.HandleFunc("/chats", relayAPI.restHandler.HandleChats)
	mux.HandleFunc("/chats/", relayAPI.restHandler.HandleChatMessages)

	wsUpgrader := relayAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		relayAPI.wsHandler.ServeWS(wsUpgrader, w, r, relayAPI.shutdownCtx)
	})
}
