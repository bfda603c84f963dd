package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig controls which browser origins may call the local API.
type RouterConfig struct {
	AllowedOrigins []string
}

const eventsPath = "/api/session/events"

// NewRouter serves the event stream directly and everything else through gin.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(eventsPath, h.Events)
	mux.Handle("/", newEngine(h, cfg))
	return mux
}

func newEngine(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)

		api.GET("/session", h.Session)
		api.POST("/session/local-key", h.LoginWithLocalKey)
		api.POST("/session/third-party-token", h.LoginWithThirdPartyToken)
		api.POST("/session/logout", h.Logout)
		api.POST("/session/refresh", h.Refresh)

		api.GET("/contracts", h.ListContracts)
		api.GET("/contracts/:name", h.Contract)

		if h.chains != nil {
			api.GET("/chain", h.Chain)
			api.POST("/chain/switch", h.SwitchChain)
			api.POST("/chain/reconnect", h.ReconnectChain)
		}
	}

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	return r
}
