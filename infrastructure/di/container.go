// Package di assembles the application's dependency graph. Providers
// stay explicit so the wiring order is readable in one place.
package di

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"casefile-backend/application/ports"
	"casefile-backend/infrastructure/config"
	dynamostore "casefile-backend/infrastructure/persistence/dynamodb"
	memorystore "casefile-backend/infrastructure/persistence/memory"
	redisstore "casefile-backend/infrastructure/persistence/redis"
	"casefile-backend/infrastructure/persistence/resilience"
	"casefile-backend/interfaces/http/rest"
	"casefile-backend/interfaces/http/rest/handlers"
	"casefile-backend/interfaces/websocket"
	"casefile-backend/pkg/auth"
)

// Container holds every long-lived component of the service.
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *websocket.Registry
	Coordinator *websocket.Coordinator
	Router      *rest.Router
	Metrics     *prometheus.Registry

	Memberships ports.MembershipStore
	Commands    ports.CommandLog
	Invitations ports.InvitationStore
	Graphs      ports.GraphDirectory

	closers []func() error
}

// NewContainer builds the full dependency graph from configuration.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger, err := provideLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	c := &Container{Config: cfg, Logger: logger}

	if err := c.provideStores(ctx); err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = promRegistry

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" && !cfg.IsProduction() {
		jwtSecret = "local-development-secret"
		logger.Warn("JWT_SECRET not set, using the development default")
	}
	validator, err := auth.NewJWTValidator(auth.JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     jwtSecret,
		Issuer:        cfg.JWTIssuer,
		Audience:      []string{"casefile-api"},
	})
	if err != nil {
		return nil, fmt.Errorf("jwt validator: %w", err)
	}

	c.Registry = websocket.NewRegistry()
	c.Coordinator = websocket.NewCoordinator(websocket.CoordinatorConfig{
		Registry:     c.Registry,
		Memberships:  c.Memberships,
		Commands:     c.Commands,
		Invitations:  c.Invitations,
		Graphs:       c.Graphs,
		Metrics:      websocket.NewMetrics(promRegistry),
		Logger:       logger.Named("coordinator"),
		HistoryLimit: cfg.HistoryLimit,
	})

	wsServer := websocket.NewServer(c.Coordinator, c.Registry, validator, &websocket.ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     nil,
		MaxConnsPerUser: cfg.MaxConnsPerUser,
		EventsPerSecond: cfg.EventsPerSecond,
	}, logger.Named("ws"))

	collabHandler := handlers.NewCollabHandler(
		c.Coordinator, c.Memberships, c.Commands, cfg.HistoryLimit, logger.Named("rest"))

	c.Router = rest.NewRouter(rest.RouterConfig{
		CollabHandler: collabHandler,
		WSServer:      wsServer,
		Validator:     validator,
		Metrics:       promRegistry,
		Logger:        logger.Named("http"),
		EnableCORS:    cfg.EnableCORS,
		EnableMetrics: cfg.EnableMetrics,
	})

	return c, nil
}

// provideStores selects the persistence backends from configuration.
func (c *Container) provideStores(ctx context.Context) error {
	cfg := c.Config

	switch cfg.StorageBackend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		c.Memberships = dynamostore.NewMembershipStore(client, cfg.DynamoDBTable, c.Logger.Named("memberships"))
		c.Commands = resilience.NewBreakerCommandLog(
			dynamostore.NewCommandLog(client, cfg.DynamoDBTable, c.Logger.Named("commandlog")),
			c.Logger.Named("breaker"))
		c.Graphs = dynamostore.NewGraphDirectory(client, cfg.DynamoDBTable)
	case "memory":
		c.Memberships = memorystore.NewMembershipStore()
		c.Commands = memorystore.NewCommandLog()
		c.Graphs = memorystore.NewGraphDirectory(true)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	invitationTTL := time.Duration(cfg.InvitationTTLMins) * time.Minute
	if cfg.RedisURL != "" {
		store, err := redisstore.NewInvitationStore(cfg.RedisURL, invitationTTL)
		if err != nil {
			return fmt.Errorf("redis invitations: %w", err)
		}
		c.Invitations = store
		c.closers = append(c.closers, store.Close)
	} else {
		c.Invitations = memorystore.NewInvitationStore(invitationTTL)
	}
	return nil
}

// Close releases every resource the container owns.
func (c *Container) Close() {
	for _, closer := range c.closers {
		if err := closer(); err != nil {
			c.Logger.Warn("Close failed", zap.Error(err))
		}
	}
	_ = c.Logger.Sync()
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
