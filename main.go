package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaverin/echorelay/api"
	"github.com/kaverin/echorelay/cache/redis"
	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/mq/sqsmq"
	"github.com/kaverin/echorelay/presence"
	"github.com/kaverin/echorelay/store/dynamo"
)

const (
	DynamoDBTable    = "EchoRelay"
	SQSRotationQueue = "RotateGroupKeyQueue"
)

func main() {
	ctx := context.Background()
	devMode := os.Getenv("DEV_MODE") == "true"

	relayStore, err := dynamo.NewDynamoRelayStore(ctx, devMode, os.Getenv("DYNAMODB_ENDPOINT"), DynamoDBTable)
	if err != nil {
		log.Fatalf("Failed to create dynamodb store: %v", err)
	}

	rotationQueue, err := sqsmq.NewSQSMessageQueue(ctx, devMode, os.Getenv("SQS_ENDPOINT"), SQSRotationQueue)
	if err != nil {
		log.Fatalf("Failed to create SQS MQ: %v", err)
	}

	relayCache, err := redis.NewRedisRelayCache(ctx, devMode, os.Getenv("REDIS_ENDPOINT"))
	if err != nil {
		log.Fatalf("Failed to create redis cache: %v", err)
	}

	jwtSecret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil {
		log.Fatalf("Failed to decode base64 jwtSecret: %v", err)
	}

	masterKey, err := base64.StdEncoding.DecodeString(os.Getenv("MASTER_ENCRYPTION_KEY"))
	if err != nil {
		log.Fatalf("Failed to decode base64 master encryption key: %v", err)
	}
	cipher, err := crypto.NewCipher(masterKey)
	if err != nil {
		log.Fatalf("Failed to create cipher: %v", err)
	}

	reconnectPolicy := presence.PolicyReject
	if os.Getenv("PRESENCE_RECONNECT") == "replace" {
		reconnectPolicy = presence.PolicyReplace
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	relayApi, err := api.NewRelayAPI(relayStore, rotationQueue, relayCache, cipher, reconnectPolicy, jwtSecret, shutdownCtx)
	if err != nil {
		log.Fatalf("Failed to create relay api: %v", err)
	}

	mux := http.NewServeMux()
	relayApi.RegisterRoutes(mux, os.Getenv("ALLOWED_ORIGIN"))

	hostPort := "8080"
	if p := os.Getenv("HOST_PORT"); p != "" {
		hostPort = p
	}
	log.Printf("Starting server on host port: %s\n", hostPort)
	log.Fatal(http.ListenAndServe(":"+hostPort, mux))
}
