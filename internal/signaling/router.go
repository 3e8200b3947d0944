package signaling

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/domain"
)

// ClientTokenMiddleware assigns every browser a stable client token via
// cookie. The token doubles as the participant id, which is what keeps
// identity stable across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Signaling.Secret))
	r.Use(sessions.Sessions("ConclaveSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.Signaling.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.Signaling.StaticPath + "/index.html")
	})

	log.Info().Str("module", "signaling.http").Str("static", cfg.Signaling.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "signaling.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	// Read-only view over the local store; eventual-consistent, good
	// enough for dashboards and health checks.
	api.GET("/rooms", func(c *gin.Context) {
		type roomInfo struct {
			Room  domain.RoomID `json:"room"`
			Count int           `json:"count"`
		}
		ids := ctl.Store.Rooms()
		out := make([]roomInfo, 0, len(ids))
		for _, id := range ids {
			out = append(out, roomInfo{Room: id, Count: len(ctl.Store.Participants(id))})
		}
		c.JSON(http.StatusOK, gin.H{"rooms": out})
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		roomID := domain.RoomID(c.Param("id"))
		if !ctl.Store.RoomExists(roomID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"room":  roomID,
			"users": ctl.Store.Participants(roomID),
		})
	})

	return r
}
