package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Ring/internal/adapters/presence"
	"github.com/dkeye/Ring/internal/adapters/signal"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RingSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/sessions", func(c *gin.Context) {
		uid := domain.UserID(c.GetString("client_token"))
		o, ok := ctrl.Hub.Orchestrator(uid)
		if !ok {
			c.JSON(http.StatusOK, []any{})
			return
		}
		c.JSON(http.StatusOK, o.Sessions())
	})

	registerGroupRoutes(api, ctrl.Registry)

	return r
}

func registerGroupRoutes(api *gin.RouterGroup, reg *presence.Registry) {
	api.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Groups())
	})

	api.POST("/groups", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		name, err := domain.NewGroupName(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		g := reg.CreateGroup(name)
		c.JSON(http.StatusCreated, gin.H{"id": g.ID, "name": g.Name})
	})

	api.DELETE("/groups/:id", func(c *gin.Context) {
		reg.DeleteGroup(domain.GroupID(c.Param("id")))
		c.Status(http.StatusNoContent)
	})

	api.POST("/groups/:id/members", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.AddMember(domain.GroupID(c.Param("id")), domain.UserID(req.UserID)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.DELETE("/groups/:id/members/:uid", func(c *gin.Context) {
		if err := reg.RemoveMember(domain.GroupID(c.Param("id")), domain.UserID(c.Param("uid"))); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}
