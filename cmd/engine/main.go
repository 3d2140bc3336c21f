package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/rawblock/dropengine/internal/api"
	"github.com/rawblock/dropengine/internal/db"
	"github.com/rawblock/dropengine/internal/drop"
	"github.com/rawblock/dropengine/internal/kv"
	"github.com/rawblock/dropengine/internal/loyalty"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/internal/queue"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/internal/trust"
)

func main() {
	log.Println("Starting drop engine (scarcity-constrained product drop / weighted lottery)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbURL := requireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persisting drop state. Error: %v", err)
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		log.Printf("NATS_URL is configured (%s) but this build fans out events over the in-process pub/sub bus, not NATS", natsURL)
	}
	if restateURL := os.Getenv("RESTATE_INGRESS_URL"); restateURL != "" {
		log.Printf("RESTATE_INGRESS_URL is configured (%s) but this build's durable timers are local, not Restate-backed", restateURL)
	}

	purchaseTokenSecret := os.Getenv("PURCHASE_TOKEN_SECRET")
	if purchaseTokenSecret == "" {
		if os.Getenv("GIN_MODE") == "release" {
			log.Fatal("FATAL: PURCHASE_TOKEN_SECRET is required in production")
		}
		purchaseTokenSecret = "dev-only-purchase-token-secret"
		log.Println("[SECURITY WARNING] PURCHASE_TOKEN_SECRET not set, using an insecure development default")
	}

	ipHashSalt := getEnvOrDefault("IP_HASH_SALT", "dev-only-ip-hash-salt")
	powDifficulty := getEnvIntOrDefault("POW_DIFFICULTY", 4)
	minTrustScore := getEnvFloatOrDefault("MIN_TRUST_SCORE", 50)

	store := kv.New(30 * time.Second)
	bus := pubsub.New()

	powIssuer := trust.NewPowIssuer(store, powDifficulty, 10*time.Minute)
	gate := trust.NewGate(minTrustScore, nil, 200*time.Millisecond)

	rolloverMgr := rollover.NewManager()
	loyaltyMgr := loyalty.NewManager()
	participantMgr := participant.NewManager(rolloverMgr, purchaseTokenSecret)

	timing := drop.Timing{PromoWindow: 0} // 0 => derived from each drop's purchaseWindowSeconds/4
	dropMgr := drop.NewManager(timing, rolloverMgr, loyaltyMgr, participantMgr, bus, purchaseTokenSecret)

	if dbConn != nil {
		rolloverMgr.SetPersister(dbConn)
		loyaltyMgr.SetPersister(dbConn)
		participantMgr.SetPersister(dbConn)
		dropMgr.SetPersistence(dbConn)

		seeds, err := dbConn.LoadDropConfigs(context.Background())
		if err != nil {
			log.Printf("Warning: failed to warm-load persisted drop configs: %v", err)
		} else {
			for _, seed := range seeds {
				if _, err := dropMgr.Initialize(seed.Config); err != nil {
					log.Printf("Warning: failed to warm-reload drop %s: %v", seed.Config.DropID, err)
				}
			}
			if len(seeds) > 0 {
				log.Printf("Warm-loaded %d persisted drop configs", len(seeds))
			}
		}
	}

	queueCfg := queue.Config{
		RatePerSecond:           getEnvFloatOrDefault("ADMISSION_RATE_PER_SECOND", 10),
		MaxConcurrentReady:      getEnvIntOrDefault("MAX_CONCURRENT_READY", 100),
		TickInterval:            time.Duration(getEnvIntOrDefault("ADMISSION_TICK_MS", 250)) * time.Millisecond,
		ReadyWindow:             time.Duration(getEnvIntOrDefault("READY_WINDOW_SECONDS", 120)) * time.Second,
		MaxQueueAge:             time.Duration(getEnvIntOrDefault("MAX_QUEUE_AGE_MINUTES", 30)) * time.Minute,
		MaxTokensPerFingerprint: getEnvIntOrDefault("MAX_TOKENS_PER_FINGERPRINT", 3),
		MaxTokensPerIP:          getEnvIntOrDefault("MAX_TOKENS_PER_IP", 10),
	}

	handler := api.NewAPIHandler(dropMgr, participantMgr, rolloverMgr, powIssuer, gate, bus, store, queueCfg, ipHashSalt)

	// Admin dashboard: the only wildcard consumer of the bus, fed by forwarding every published event.
	adminHub := api.NewHub()
	go adminHub.Run()
	go func() {
		sub := bus.Subscribe("*")
		for msg := range sub.C {
			adminHub.Broadcast(msg)
		}
	}()

	r := api.SetupRouter(handler, adminHub)

	port := getEnvOrDefault("API_PORT", "5339")
	log.Printf("Drop engine listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("Warning: invalid int for %s=%q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Printf("Warning: invalid float for %s=%q, using default %g", key, val, fallback)
		return fallback
	}
	return f
}
