package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/relay"
	"github.com/vovakirdan/wirechat-sync/internal/service/contacts"
)

// Deps are the collaborators the relay HTTP server routes to. Nil fields
// disable the routes that need them.
type Deps struct {
	Hub      *relay.Hub
	Auth     *auth.Service
	Contacts *contacts.Service
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// NewServer builds the relay HTTP server.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	r.GET("/ws", gin.WrapH(NewWSHandler(deps.Hub, deps.Auth, cfg, logger)))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.Auth != nil && deps.Contacts != nil {
		h := NewContactsHandlers(deps.Contacts, logger)
		api := r.Group("/api", AuthMiddleware(deps.Auth, logger))
		api.GET("/users", h.LookupUser)
		api.GET("/contacts", h.ListContacts)
		api.POST("/contacts", h.AddContact)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
