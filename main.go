package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	apimod "github.com/example/talk-gateway/modules/api"
	storemod "github.com/example/talk-gateway/modules/store"
	talkmod "github.com/example/talk-gateway/modules/talk"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration from environment
	port := getEnv("PORT", "3030")
	backend := getEnv("STORE_BACKEND", storemod.BackendRedis)
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	redisDB := getEnvInt("REDIS_DB", 0)
	keyPrefix := getEnv("TALK_KEY_PREFIX", "talk:")
	historyLimit := getEnvInt("TALK_HISTORY_LIMIT", 0)
	storeTimeout := getEnvDuration("TALK_STORE_TIMEOUT", 3*time.Second)
	replayTimeout := getEnvDuration("TALK_REPLAY_TIMEOUT", 30*time.Second)
	jwtSecret := getEnv("TALK_JWT_SECRET", "")
	jwtIssuer := getEnv("TALK_JWT_ISSUER", "")
	allowedOrigins := getEnv("CORS_ALLOWED_ORIGINS", "*")
	messagesPerSecond := getEnvInt("WS_MESSAGES_PER_SECOND", 10)
	burst := getEnvInt("WS_BURST", 20)
	sendBuffer := getEnvInt("WS_SEND_BUFFER", 256)

	policy, err := talkmod.ParseLoginPolicy(getEnv("TALK_LOGIN_POLICY", string(talkmod.PolicyOverwrite)))
	if err != nil {
		log.Fatalf("Invalid TALK_LOGIN_POLICY: %v", err)
	}

	log.Println("=== Talk Gateway ===")
	log.Printf("Store: %s (%s)", backend, redisAddr)
	log.Printf("HTTP Port: %s", port)
	log.Printf("Key Prefix: %s", keyPrefix)
	log.Printf("Login Policy: %s", policy)

	// Create mono application
	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	logger := app.Logger()

	storeModule, err := storemod.NewModule(logger.WithModule("store"),
		storemod.WithBackend(backend),
		storemod.WithRedisAddr(redisAddr),
		storemod.WithRedisPassword(redisPassword),
		storemod.WithRedisDB(redisDB),
	)
	if err != nil {
		log.Fatalf("Failed to create store module: %v", err)
	}

	var resolver talkmod.IdentityResolver = talkmod.PlainResolver{}
	if jwtSecret != "" {
		resolver = talkmod.NewJWTResolver(jwtSecret, jwtIssuer)
		log.Println("Identity: JWT (HS256)")
	}

	// The hub is the engine's transport and the gateway's connection table.
	hub := apimod.NewHub(logger.WithModule("hub"), sendBuffer)

	engine, err := talkmod.NewEngine(storeModule.Store(), hub, logger.WithModule("talk"),
		talkmod.WithKeyPrefix(keyPrefix),
		talkmod.WithHistoryLimit(int64(historyLimit)),
		talkmod.WithLoginPolicy(policy),
		talkmod.WithResolver(resolver),
		talkmod.WithStoreTimeout(storeTimeout),
		talkmod.WithReplayTimeout(replayTimeout),
	)
	if err != nil {
		log.Fatalf("Failed to create talk engine: %v", err)
	}

	talkModule := talkmod.NewModule(engine, logger.WithModule("talk"))
	apiModule := apimod.NewModule(engine, hub, logger.WithModule("api"),
		apimod.WithPort(port),
		apimod.WithAllowedOrigins(allowedOrigins),
		apimod.WithRateLimit(float64(messagesPerSecond), burst),
	)

	// Register modules in dependency order
	// - store: shared KV/list/pub-sub backend
	// - talk: presence and room fan-out engine (depends on store)
	// - api: Fiber HTTP/WebSocket gateway (depends on talk)
	app.Register(storeModule)
	app.Register(talkModule)
	app.Register(apiModule)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	log.Println("=== Application Started ===")
	log.Printf("Node: %s", engine.NodeID())
	log.Printf("WebSocket: ws://localhost:%s/talk", port)
	log.Println("Endpoints:")
	log.Println("  GET    /health                     - Health check")
	log.Println("  GET    /api/v1/rooms               - Local rooms and member counts")
	log.Println("  GET    /api/v1/rooms/:name/history - Room history")
	log.Println("  GET    /api/v1/stats               - Gateway statistics")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns environment variable as int or default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: invalid int value for %s: %s, using default: %d", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration returns environment variable as duration or default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.Printf("Warning: invalid duration value for %s: %s, using default: %s", key, value, defaultValue)
	}
	return defaultValue
}
