package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/trycompai/comp-sub003/internal/config"
	"github.com/trycompai/comp-sub003/internal/http/handler"
	httpmiddleware "github.com/trycompai/comp-sub003/internal/http/middleware"
	"github.com/trycompai/comp-sub003/internal/middleware"
	"github.com/trycompai/comp-sub003/internal/org"
)

// NewRouter wires Gin routes and middleware. The OAuth callback and webhook
// intake routes are reached by providers, not by our callers, so they stay
// outside the org-scoped group.
func NewRouter(cfg config.Config, h *handler.IntegrationsHandler, resolver *org.Resolver, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", h.Healthz)

	integrations := r.Group("/integrations")
	{
		integrations.GET("/oauth/callback", h.OAuthCallback)
		integrations.POST("/connections/:id/webhooks/:provider", h.WebhookIntake)

		scoped := integrations.Group("", httpmiddleware.Org(resolver))
		{
			scoped.GET("/providers", h.ListProviders)
			scoped.GET("/oauth/start", h.OAuthStart)
			scoped.GET("/connections/:id/credentials", h.GetCredentials)
			scoped.POST("/connections/:id/validate", h.ValidateConnection)
			scoped.DELETE("/connections/:id", h.DeleteConnection)
		}
	}

	return r
}
