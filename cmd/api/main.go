package main

import (
	"context"
	"log"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	fbapp "firebase.google.com/go/v4"

	"fanlink/internal/adapter/api"
	"fanlink/internal/adapter/api/handler"
	apimiddleware "fanlink/internal/adapter/api/middleware"
	"fanlink/internal/adapter/api/router"
	"fanlink/internal/adapter/repository"
	"fanlink/internal/engine"
	"fanlink/internal/infrastructure/firebase"
	"fanlink/internal/infrastructure/realtime"
	"fanlink/internal/infrastructure/websocket"
	"fanlink/internal/usecase"
	"fanlink/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	var opt option.ClientOption

	serviceAccountJSON := os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON")
	if serviceAccountJSON != "" {
		log.Printf("Using Firebase service account from environment variable")
		opt = option.WithCredentialsJSON([]byte(serviceAccountJSON))
	} else {
		serviceAccountPath := os.Getenv("FIREBASE_SERVICE_ACCOUNT_PATH")
		if serviceAccountPath == "" {
			serviceAccountPath = "./service-account.json"
		}

		if _, err := os.Stat(serviceAccountPath); os.IsNotExist(err) {
			log.Fatalf("Service account file does not exist: %s", serviceAccountPath)
		}

		log.Printf("Using Firebase service account from file: %s", serviceAccountPath)
		opt = option.WithCredentialsFile(serviceAccountPath)
	}

	firebaseApp, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: cfg.FirebaseProject}, opt)
	if err != nil {
		log.Fatalf("Failed to initialize Firebase: %v", err)
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize Firebase Auth: %v", err)
	}

	firestoreClient, err := firestore.NewClient(ctx, cfg.FirebaseProject, opt)
	if err != nil {
		log.Fatalf("Failed to create Firestore client: %v", err)
	}
	defer firestoreClient.Close()

	// Redis carries the realtime fanout between instances. Without an
	// address the in-process bus serves single-instance deployments.
	var bus realtime.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		bus = realtime.NewRedisBus(rdb, cfg.PresenceTimeout)
		log.Printf("Realtime bus: redis (%s)", cfg.RedisAddr)
	} else {
		bus = realtime.NewMemoryBus(cfg.PresenceTimeout)
		log.Printf("Realtime bus: in-process")
	}

	userRepo := repository.NewFirestoreUserRepository(firestoreClient)
	chatRepo := repository.NewFirestoreChatRepository(firestoreClient, bus)

	firebaseAuthClient := firebase.NewFirebaseAuthClient(authClient)

	wsManager := websocket.NewManager()
	wsManager.Start(ctx)
	wsManager.StartRevocationSweep(ctx, firebaseAuthClient, cfg.RevocationCheckInterval)

	conversationUseCase := usecase.NewConversationUseCase(chatRepo, userRepo)

	handler.Setup(conversationUseCase)
	handler.SetupHealthHandler(firebaseAuthClient)

	e := echo.New()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(authClient)

	engineDeps := engine.Deps{
		Repo:  chatRepo,
		Users: userRepo,
		Bus:   bus,
	}
	engineSettings := engine.Settings{
		TypingTimeout:     cfg.TypingTimeout,
		TypingDebounce:    cfg.TypingDebounce,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendRetryBudget:   cfg.SendRetryBudget,
		SendRetryBackoff:  cfg.SendRetryBackoff,
	}

	wsHandler := handler.NewWebSocketHandler(wsManager, engineDeps, engineSettings)

	router.Setup(e, authMiddleware)
	router.SetupWebSocketRouter(e, wsHandler, authMiddleware)

	log.Printf("Starting server on port %s...", cfg.ServerPort)
	e.Logger.Fatal(e.Start(":" + cfg.ServerPort))
}
