// Package httpapi is the request/response surface: auth, messages,
// notifications and users over gin, plus health, metrics and the WebSocket
// upgrade endpoint.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/verbose/chat/internal/auth"
	"github.com/verbose/chat/internal/chat"
	"github.com/verbose/chat/internal/metrics"
	"github.com/verbose/chat/internal/store"
)

// Presence answers whether a user has a live connection.
type Presence interface {
	IsOnline(userID string) bool
	// Status returns when the live connection joined.
	Status(userID string) (joinedAt time.Time, online bool)
}

// Stats reports transport health.
type Stats interface {
	ConnectionCount() int
	Uptime() time.Duration
}

// Deps are the collaborators of the router.
type Deps struct {
	Auth         *auth.Service
	Chat         *chat.Service
	Users        store.UserStore
	Presence     Presence
	Stats        Stats
	WebSocket    http.Handler // optional
	CookieSecure bool
	CORSOrigin   string
}

type api struct {
	auth         *auth.Service
	chat         *chat.Service
	users        store.UserStore
	presence     Presence
	stats        Stats
	cookieSecure bool
	log          zerolog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps, log zerolog.Logger) *gin.Engine {
	a := &api{
		auth:         d.Auth,
		chat:         d.Chat,
		users:        d.Users,
		presence:     d.Presence,
		stats:        d.Stats,
		cookieSecure: d.CookieSecure,
		log:          log.With().Str("component", "http").Logger(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(CORS(d.CORSOrigin))
	engine.Use(RequestLogger(a.log))

	engine.GET("/health", a.health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.WebSocket != nil {
		engine.GET("/ws", gin.WrapH(d.WebSocket))
	}

	requireAuth := RequireAuth(d.Auth)

	authGroup := engine.Group("/api/auth")
	{
		authGroup.POST("/signup", a.signup)
		authGroup.POST("/login", a.login)
		authGroup.POST("/verify-otp", a.verifyOTP)
		authGroup.POST("/refresh", a.refresh)
		authGroup.POST("/logout", a.logout)
		authGroup.GET("/me", requireAuth, a.me)
	}

	messages := engine.Group("/api/messages", requireAuth)
	{
		messages.POST("", a.sendMessage)
		messages.GET("/:receiverId", a.conversation)
		messages.GET("/chat/:chatId", a.chatHistory)
		messages.PUT("/edit/:messageId", a.editMessage)
		messages.DELETE("/delete/:messageId", a.deleteMessage)
		messages.PUT("/read/:messageId", a.markRead)
	}

	notifications := engine.Group("/api/notifications", requireAuth)
	{
		notifications.GET("", a.listNotifications)
		notifications.PUT("/read-all", a.markAllNotificationsRead)
		notifications.PUT("/:id/read", a.markNotificationRead)
		notifications.DELETE("/:id", a.deleteNotification)
	}

	users := engine.Group("/api/users", requireAuth)
	{
		users.GET("", a.listUsers)
		users.GET("/:id/status", a.userStatus)
	}

	return engine
}

func (a *api) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if a.stats != nil {
		body["connections"] = a.stats.ConnectionCount()
		body["uptime"] = a.stats.Uptime().Round(time.Second).String()
	}
	c.JSON(http.StatusOK, body)
}
