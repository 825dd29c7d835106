package routes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/handlers"
	"github.com/tenure/backend/internal/middleware"
)

// Options configures the router
type Options struct {
	JWTSecret   string
	FrontendURL string
	Production  bool
	Log         *zerolog.Logger
}

// NewRouter builds the API router. Member routes need a bearer token; the
// vendor webhook is public, signature-checked and rate limited per IP.
func NewRouter(kycHandler *handlers.KYCHandler, webhookLimiter *middleware.RateLimiter, opts Options) *gin.Engine {
	router := gin.New()

	secureHeaders := middleware.DefaultSecureHeadersConfig()
	secureHeaders.UseHSTS = opts.Production

	router.Use(gin.Recovery())
	if opts.Log != nil {
		router.Use(middleware.RequestLogger(opts.Log))
	}
	router.Use(middleware.SecureHeadersMiddleware(secureHeaders))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{opts.FrontendURL},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", kycHandler.Health)

	v1 := router.Group("/api/v1")
	{
		kycRoutes := v1.Group("/kyc")
		kycRoutes.Use(middleware.AuthMiddleware(opts.JWTSecret))
		{
			kycRoutes.POST("/session", kycHandler.InitiateVerification)
			kycRoutes.POST("/documents", kycHandler.UploadDocuments)
			kycRoutes.POST("/start", kycHandler.StartVerification)
			kycRoutes.POST("/token", kycHandler.IssueToken)
			kycRoutes.POST("/hosted-link", kycHandler.IssueHostedLink)
			kycRoutes.POST("/refresh", kycHandler.RefreshResult)
			kycRoutes.GET("/status", kycHandler.GetStatus)
			kycRoutes.GET("/history", kycHandler.GetHistory)
		}

		webhooks := v1.Group("/webhooks")
		if webhookLimiter != nil {
			webhooks.Use(webhookLimiter.IPRateLimiterMiddleware())
		}
		webhooks.POST("/kyc", kycHandler.Webhook)
	}

	return router
}
