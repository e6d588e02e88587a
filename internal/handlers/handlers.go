package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tariel-x/invitechat/internal/auth"
	"github.com/tariel-x/invitechat/internal/chat"
	"github.com/tariel-x/invitechat/internal/service"
)

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Registration *service.Registration
	Moderation   *service.Moderation
	Directory    *service.Directory
	Hub          *chat.Hub
	DB           Pinger
	Issuer       *auth.Issuer
	AuthMode     auth.Mode
	Logger       zerolog.Logger
}

type Handlers struct {
	reg      *service.Registration
	mod      *service.Moderation
	dir      *service.Directory
	hub      *chat.Hub
	db       Pinger
	issuer   *auth.Issuer
	authMode auth.Mode
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func New(d Deps) *Handlers {
	mode := d.AuthMode
	if mode == "" {
		mode = auth.ModeToken
	}
	return &Handlers{
		reg:      d.Registration,
		mod:      d.Moderation,
		dir:      d.Directory,
		hub:      d.Hub,
		db:       d.DB,
		issuer:   d.Issuer,
		authMode: mode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: d.Logger.With().Str("component", "http").Logger(),
	}
}

// Mount registers every API route on api, normally the /api group.
func (h *Handlers) Mount(api gin.IRouter) {
	authed := h.issuer.Middleware(h.authMode)

	api.GET("/test", h.Health)
	api.POST("/check-code", h.CheckCode)
	api.POST("/register", h.Register)
	api.GET("/user/:id", h.GetProfile)
	api.GET("/messages", h.GetMessages)
	api.GET("/ws", authed, h.HandleWebSocket)

	admin := api.Group("/admin", authed)
	{
		admin.GET("/users", h.ListUsers)
		admin.POST("/action", h.AdminAction)
		admin.POST("/ban-user", h.AdminAction)
		admin.POST("/generate-code", h.GenerateCode)
		admin.GET("/codes", h.ListCodes)
		admin.POST("/deactivate-code", h.DeactivateCode)
	}
}
