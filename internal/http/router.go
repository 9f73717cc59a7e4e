package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/consultly/auth-service/internal/config"
	"github.com/consultly/auth-service/internal/http/handler"
	httpmiddleware "github.com/consultly/auth-service/internal/http/middleware"
	"github.com/consultly/auth-service/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	mfaHandler *handler.MFAHandler,
	oauthHandler *handler.OAuthHandler,
	sessionHandler *handler.SessionHandler,
	authMiddleware *httpmiddleware.Auth,
	rateLimiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	auth := r.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/logout-all", authMiddleware.ValidateJWT, authHandler.LogoutAll)
		auth.POST("/password", authMiddleware.ValidateJWT, authHandler.ChangePassword)
		auth.GET("/me", authMiddleware.ValidateJWT, authHandler.Me)

		mfa := auth.Group("/mfa")
		{
			mfa.POST("/setup", authMiddleware.ValidateJWT, mfaHandler.Setup)
			mfa.POST("/verify-setup", authMiddleware.ValidateJWT, mfaHandler.VerifySetup)
			mfa.POST("/verify", mfaHandler.Verify)
			mfa.POST("/disable", authMiddleware.ValidateJWT, mfaHandler.Disable)
			mfa.GET("/status", authMiddleware.ValidateJWT, mfaHandler.Status)
			mfa.POST("/backup-codes", authMiddleware.ValidateJWT, mfaHandler.BackupCodes)
		}

		oauth := auth.Group("/oauth")
		{
			oauth.GET("/providers", oauthHandler.Providers)
			oauth.GET("/:provider", oauthHandler.Start)
			oauth.GET("/:provider/callback", oauthHandler.Callback)
			oauth.GET("/:provider/link", authMiddleware.ValidateJWT, oauthHandler.StartLink)
			oauth.POST("/link/:provider", authMiddleware.ValidateJWT, oauthHandler.Link)
			oauth.DELETE("/unlink/:provider", authMiddleware.ValidateJWT, oauthHandler.Unlink)
			oauth.GET("/linked", authMiddleware.ValidateJWT, oauthHandler.Linked)
		}

		session := auth.Group("/session", authMiddleware.ValidateJWT)
		{
			session.GET("", sessionHandler.Current)
			session.GET("/all", sessionHandler.List)
			session.POST("/terminate-others", sessionHandler.TerminateOthers)
			session.POST("/terminate-all", sessionHandler.TerminateAll)
			session.DELETE("/:sessionId", sessionHandler.Terminate)
			session.POST("/trust-device", sessionHandler.TrustDevice)
			session.DELETE("/trusted-devices/:deviceId", sessionHandler.RemoveTrustedDevice)
		}
	}

	r.GET("/.well-known/jwks.json", authHandler.JWKS)

	return r
}
