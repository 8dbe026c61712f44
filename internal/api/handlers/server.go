// Package handlers implements the HTTP surface over the repository
// service. Handlers bind the request, delegate to the service and push
// failures through the centralized error handler; they hold no domain
// logic of their own.
package handlers

import (
	"github.com/gin-gonic/gin"

	"navifleet.io/navifleet/internal/api/middleware"
	"navifleet.io/navifleet/internal/deviceregistry"
	"navifleet.io/navifleet/internal/service"
)

// Server holds the handler dependencies.
type Server struct {
	svc      *service.RepoService
	registry *deviceregistry.Registry // optional, nil when Redis is not configured
	jwtCfg   middleware.JWTConfig
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Service  *service.RepoService
	Registry *deviceregistry.Registry
	JWTCfg   middleware.JWTConfig
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		svc:      deps.Service,
		registry: deps.Registry,
		jwtCfg:   deps.JWTCfg,
	}
}

// RegisterRoutes wires all routes onto the engine. Login, trial
// registration, token resolution and health are public; everything else
// requires a valid bearer token.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.Health)
	r.POST("/auth/login", s.Login)
	r.POST("/auth/register-trial", s.RegisterTrial)
	r.GET("/licenses/by-token/:token", s.LicenseByToken)

	auth := r.Group("/", middleware.JWTAuth(s.jwtCfg.SigningKey))
	{
		auth.POST("/repo/sync", s.Sync)
		auth.POST("/repo/apply", s.Apply)

		auth.POST("/admin/users", s.AddUser)
		auth.POST("/admin/users/with-role", s.AddUserWithRole)
		auth.PUT("/admin/users/:id", s.UpdateUser)
		auth.PUT("/admin/users/:id/with-role", s.UpdateUserWithRole)
		auth.PUT("/admin/users/:id/password", s.SetUserPassword)
		auth.PUT("/admin/devices/:id/ident", s.SetDeviceIdent)
		auth.GET("/devices/resolve/:ident", s.ResolveDevice)
	}
}
