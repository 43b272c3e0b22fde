package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	v1 "github.com/PiEnTran30/XSonic-sub000/internal/controller/http/v1"
	"github.com/PiEnTran30/XSonic-sub000/internal/domain/usecase"
	"github.com/PiEnTran30/XSonic-sub000/internal/repository/rabbitmq"
	redisRepo "github.com/PiEnTran30/XSonic-sub000/internal/repository/redis"
	"github.com/PiEnTran30/XSonic-sub000/pkg/client/billing"
	"github.com/PiEnTran30/XSonic-sub000/pkg/client/gpu"
	redisGo "github.com/PiEnTran30/XSonic-sub000/pkg/client/redis"
	"github.com/PiEnTran30/XSonic-sub000/pkg/middleware"
)

type Config struct {
	ListenAddr   string
	ServiceToken string

	RedisAddr string
	RedisDB   int

	RabbitMQURL string

	BillingEndpoint string
	BillingAPIKey   string

	GPUEndpoint      string
	GPUAPIKey        string
	GPUPodID         string
	GPUCooldownMin   int
	GPUIdleMin       int
	AllowCPUFallback bool
}

func loadConfig() Config {
	if err := godotenv.Load("./.env.local"); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}
	mustGetEnv := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			log.Fatalf("Environment variable %s is not set", key)
		}
		return val
	}
	getEnvInt := func(key string, fallback int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return fallback
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("Invalid %s value: %v", key, err)
		}
		return val
	}

	// REDIS
	redisHost := mustGetEnv("REDIS_HOST")
	redisPort := mustGetEnv("REDIS_PORT")
	redisDB := getEnvInt("REDIS_DB", 0)

	// RABBITMQ
	rmqUser := mustGetEnv("RABBITMQ_USER")
	rmqPassword := mustGetEnv("RABBITMQ_PASSWORD")
	rmqHost := mustGetEnv("RABBITMQ_HOST")
	rmqPort := mustGetEnv("RABBITMQ_PORT")
	rabbitMQURL := "amqp://" + rmqUser + ":" + rmqPassword + "@" + rmqHost + ":" + rmqPort + "/"

	// GPU PROVIDER
	allowFallback := true
	if raw := os.Getenv("GPU_ALLOW_CPU_FALLBACK"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			log.Fatalf("Invalid GPU_ALLOW_CPU_FALLBACK value: %v", err)
		}
		allowFallback = parsed
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return Config{
		ListenAddr:   listenAddr,
		ServiceToken: mustGetEnv("SERVICE_TOKEN"),

		RedisAddr: redisHost + ":" + redisPort,
		RedisDB:   redisDB,

		RabbitMQURL: rabbitMQURL,

		BillingEndpoint: mustGetEnv("BILLING_ENDPOINT"),
		BillingAPIKey:   mustGetEnv("BILLING_API_KEY"),

		GPUEndpoint:      mustGetEnv("GPU_ENDPOINT"),
		GPUAPIKey:        mustGetEnv("GPU_API_KEY"),
		GPUPodID:         os.Getenv("GPU_POD_ID"),
		GPUCooldownMin:   getEnvInt("GPU_COOLDOWN_MIN", 5),
		GPUIdleMin:       getEnvInt("GPU_IDLE_MIN", 10),
		AllowCPUFallback: allowFallback,
	}
}

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	redisClient, err := redisGo.NewRedisClient(ctx, redisGo.Config{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	queueRepo := redisRepo.NewQueueRepo(redisClient)

	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	jobPublisher, err := rabbitmq.NewJobEventPublisher(conn, "jobs.exchange", "job.created")
	if err != nil {
		log.Fatalf("failed to init publisher: %v", err)
	}

	billingClient := billing.NewClient(cfg.BillingEndpoint, cfg.BillingAPIKey)

	uc := usecase.NewQueueUseCase(queueRepo, jobPublisher, billingClient)

	fleetCfg := usecase.DefaultFleetConfig()
	fleetCfg.Cooldown = time.Duration(cfg.GPUCooldownMin) * time.Minute
	fleetCfg.IdleTimeout = time.Duration(cfg.GPUIdleMin) * time.Minute
	fleetCfg.AllowCPUFallback = cfg.AllowCPUFallback

	provider := gpu.NewClient(cfg.GPUEndpoint, cfg.GPUAPIKey, cfg.GPUPodID)
	controller := usecase.NewFleetController(uc, provider, fleetCfg)
	go controller.Run(ctx)

	r := gin.Default()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RedisClient: redisClient,
		Limit:       50,
		Window:      time.Second,
		KeyPrefix:   "rl:",
	})

	handler := v1.NewJobHandler(uc)
	v1Group := r.Group("/api/v1")
	v1Group.Use(middleware.ServiceTokenMiddleware(cfg.ServiceToken))
	v1Group.Use(rl)
	handler.Register(v1Group)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("dispatch service listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server stopped with error: %v", err)
		}
	}()

	<-sigCh
	log.Println("Shutting down dispatch service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}
