package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/herdsync/herdsync/internal/version"
)

const defaultRateLimit = 20

type RouteConfig struct {
	Auth TokenAuthConfig
	// RateLimit is requests per second per client. Zero uses the default.
	RateLimit int64
}

func SetupRoutes(h *Handler, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	rate := routeConfig.RateLimit
	if rate <= 0 {
		rate = defaultRateLimit
	}

	r.Use(Logger())
	r.Use(gin.Recovery())
	r.Use(SecureHeaders())
	r.Use(CORS())
	r.Use(Gzip())
	r.Use(RateLimit(rate))

	r.GET("/", IndexHandler)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", h.Status)
		v1.POST("/sync", h.Sync)
		v1.GET("/history", h.History)
		v1.PUT("/connectivity", h.SetConnectivity)
		v1.GET("/events", h.Events)

		v1Actions := v1.Group("/actions")
		{
			v1Actions.GET("", h.ListActions)
			v1Actions.POST("", h.SubmitAction)
			v1Actions.GET("/count", h.CountActions)
			v1Actions.DELETE("/:id", h.DiscardAction)
		}

		v1Rejected := v1.Group("/rejected")
		{
			v1Rejected.GET("", h.ListRejected)
			v1Rejected.DELETE("/:id", h.DiscardRejected)
			v1Rejected.POST("/:id/retry", h.RetryRejected)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ControlPlaneError{ErrorCode: ErrCodeNotFound, Error: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ControlPlaneError{ErrorCode: ErrCodeMethodNotAllowed, Error: "method not allowed"})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Detailed())
}
