package endpoints

import (
	"errors"
	"github.com/Angel-Anselmo/NestPay-sub000/endpoints/payments"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"net/http"
	"time"
)

func NewRouter(art *kernel.AppRuntime) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "a panic occurred, request aborted",
		})
	}))
	if art.DeploymentEnvironment != "production" {
		r.Use(gin.Logger())
	}
	if len(art.CorsAllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     art.CorsAllowOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "X-Api-Key"},
			ExposeHeaders:    []string{"Content-Length", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(otelgin.Middleware(art.ServiceName))
	r.Use(middleware.TracerMiddleware(art))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, &gin.Error{
			Err: errors.New("route not found"),
		})
	})

	r.GET("/flows/callback", Callback)

	authorized := r.Group("/")
	authorized.Use(middleware.ClientKeyMiddleware(art))
	{
		authorized.GET("/wallets", Wallet)
		authorized.GET("/wallets/compatibility", WalletCompatibility)

		payments.RegisterController(authorized)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r, nil
}
