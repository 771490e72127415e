package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	// CORSOrigins are the browser origins allowed to call the API. Empty disables CORS headers.
	CORSOrigins []string
	// Debug selects gin's debug mode.
	Debug bool
}

// NewRouter wires the handlers onto a gin engine.
func NewRouter(h *Handlers, opts RouterOptions) *gin.Engine {
	switch {
	case gin.Mode() == gin.TestMode:
	case opts.Debug:
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(ClientIP())
	router.Use(RequestLogger(h.logger.Named("http")))
	if mw := CORS(opts.CORSOrigins); mw != nil {
		router.Use(mw)
	}

	router.GET("/healthz", h.Healthz)

	public := router.Group("/")
	{
		public.POST("/signup", h.Signup)
		public.POST("/verify/email", h.RequestEmailVerification)
		public.GET("/verify", h.VerifyLink)
		public.POST("/verify", h.VerifyCode)
		public.POST("/onboarding/profile", h.SubmitProfile)
		public.POST("/onboarding/organization", h.SubmitOrganization)
		public.POST("/login", h.Login)
		public.POST("/forgot-password", h.ForgotPassword)
		public.POST("/reset-password", h.ResetPassword)
	}

	protected := router.Group("/")
	protected.Use(RequireAuth(h.svc.Auth, h.logger))
	{
		protected.POST("/logout", h.Logout)
		protected.GET("/me", h.Me)
	}

	if h.svc.Mailbox != nil {
		h.logger.Warn("dev mailbox enabled", zap.String("route", "/dev/mailbox"))
		router.GET("/dev/mailbox", h.DevMailbox)
	}
	return router
}
