package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/internal/membership"
	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	"github.com/MarcoPoloResearchLab/murmur/internal/metrics"
	"github.com/MarcoPoloResearchLab/murmur/internal/realtime"
	"github.com/MarcoPoloResearchLab/murmur/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "murmur_user_id"
	apiPrefix        = "/api/v1"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingMessageService   = errors.New("message service dependency required")
	errMissingConversations    = errors.New("conversation store dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type MessageService interface {
	Send(ctx context.Context, request messages.SendRequest) (messages.Message, error)
	Recall(ctx context.Context, conversationID, eventID, actorID string) (messages.Message, error)
	SoftDelete(ctx context.Context, conversationID, eventID, actorID string) (messages.Tombstone, error)
	History(ctx context.Context, request messages.HistoryRequest) (messages.History, error)
}

type ConversationStore interface {
	IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error)
	ActiveMembers(ctx context.Context, conversationID string) ([]membership.Member, error)
	MarkRead(ctx context.Context, conversationID, userID string, readAt time.Time) error
	ApplyUpdates(ctx context.Context, conversationID, actorID string, updates []membership.ConversationUpdate) (membership.Conversation, error)
}

type ConversationPublisher interface {
	PublishConversation(ctx context.Context, conversation membership.Conversation) realtime.DeliveryReport
}

type RealtimeEndpoint interface {
	ServeWebsocket(w http.ResponseWriter, r *http.Request, userID string, upgrader *websocket.Upgrader, sendBuffer int) error
}

type Dependencies struct {
	Sessions       SessionValidator
	Users          UserResolver
	Messages       MessageService
	Conversations  ConversationStore
	Publisher      ConversationPublisher
	Realtime       RealtimeEndpoint
	Limiter        *RateLimiter
	AllowedOrigins []string
	SendBuffer     int
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Messages == nil {
		return nil, errMissingMessageService
	}
	if deps.Conversations == nil {
		return nil, errMissingConversations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		messages:      deps.Messages,
		conversations: deps.Conversations,
		publisher:     deps.Publisher,
		realtime:      deps.Realtime,
		limiter:       deps.Limiter,
		upgrader:      realtime.NewUpgrader(deps.AllowedOrigins),
		sendBuffer:    deps.SendBuffer,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group(apiPrefix)
	api.Use(handler.authorizeRequest)
	api.GET("/conversations/:conversation_id/messages", handler.handleHistory)
	api.POST("/conversations/:conversation_id/messages", handler.limitMutations, handler.handleSendMessage)
	api.PUT("/conversations/:conversation_id/messages/:event_id/recall", handler.limitMutations, handler.handleRecallMessage)
	api.DELETE("/conversations/:conversation_id/messages/:event_id", handler.limitMutations, handler.handleDeleteMessage)
	api.GET("/conversations/:conversation_id/members", handler.handleListMembers)
	api.PATCH("/conversations/:conversation_id", handler.limitMutations, handler.handleUpdateConversation)
	if deps.Realtime != nil {
		api.GET("/ws", handler.handleWebsocket)
	}

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	users         UserResolver
	messages      MessageService
	conversations ConversationStore
	publisher     ConversationPublisher
	realtime      RealtimeEndpoint
	limiter       *RateLimiter
	upgrader      *websocket.Upgrader
	sendBuffer    int
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if allowAll {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// requestLogger records one structured line and the API metrics per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(started)
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
		}
		if userID := c.GetString(userIDContextKey); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", fields...)
		default:
			logger.Debug("request handled", fields...)
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity_unavailable", "retryable": true})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) limitMutations(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	userID := c.GetString(userIDContextKey)
	if !h.limiter.Allow(userID) {
		h.logger.Info("rate limit exceeded", zap.String("user_id", userID))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retryable": true})
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.realtime.ServeWebsocket(c.Writer, c.Request, userID, h.upgrader, h.sendBuffer); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
	}
}
