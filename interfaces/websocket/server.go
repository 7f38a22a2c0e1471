package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casefile-backend/pkg/auth"
)

// Server upgrades HTTP requests to websocket connections and hands
// them to the coordinator.
type Server struct {
	coordinator *Coordinator
	registry    *Registry
	upgrader    websocket.Upgrader
	validator   *auth.JWTValidator
	logger      *zap.Logger

	maxConnsPerUser int
	eventsPerSecond int
}

// ServerConfig holds websocket server configuration.
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	MaxConnsPerUser int
	EventsPerSecond int
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		MaxConnsPerUser: 10,
		EventsPerSecond: 30,
	}
}

func NewServer(coordinator *Coordinator, registry *Registry, validator *auth.JWTValidator, config *ServerConfig, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.MaxConnsPerUser <= 0 {
		config.MaxConnsPerUser = 10
	}
	if config.EventsPerSecond <= 0 {
		config.EventsPerSecond = 30
	}
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		validator:       validator,
		logger:          logger,
		maxConnsPerUser: config.MaxConnsPerUser,
		eventsPerSecond: config.EventsPerSecond,
	}
}

// HandleWebSocket handles websocket upgrade requests.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticateRequest(r)
	if err != nil {
		s.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if len(s.registry.ConnectionsForUser(claims.UserID)) >= s.maxConnsPerUser {
		s.logger.Warn("Connection limit exceeded for user",
			zap.String("userID", claims.UserID))
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr))
		return
	}

	connectionID := uuid.New().String()
	presence, err := s.registry.Bind(connectionID, claims.UserID, claims.DisplayName)
	if err != nil {
		s.logger.Error("Failed to bind connection", zap.Error(err))
		conn.Close()
		return
	}

	limiter := auth.NewTokenBucketLimiter(s.eventsPerSecond, time.Second/time.Duration(s.eventsPerSecond))
	client := NewClient(connectionID, claims.UserID, presence.DisplayName, s.coordinator, conn, limiter, s.logger)
	client.Start()

	s.logger.Info("WebSocket connection established",
		zap.String("userID", claims.UserID),
		zap.String("connectionID", connectionID),
		zap.String("color", presence.Color),
		zap.String("remoteAddr", r.RemoteAddr))
}

// authenticateRequest validates the JWT from the query string, the
// Authorization header, or the auth cookie, in that order. Browsers
// cannot set headers on websocket upgrades, hence the query param.
func (s *Server) authenticateRequest(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")

	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}

	if token == "" {
		cookie, err := r.Cookie("auth_token")
		if err == nil {
			token = cookie.Value
		}
	}

	if token == "" {
		return nil, errors.New("no authentication token provided")
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("subject missing from token claims")
	}
	return claims, nil
}
