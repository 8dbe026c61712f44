package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"navifleet.io/navifleet/internal/api/middleware"
	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/service"
)

// UserRequest is the body of the user create/update endpoints.
type UserRequest struct {
	LicenseID string   `json:"license_id"`
	Login     string   `json:"login"`
	Password  string   `json:"password"`
	FullName  string   `json:"full_name"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Enabled   bool     `json:"enabled"`
	RoleID    string   `json:"role_id"`
	GroupIDs  []string `json:"group_ids"`
}

func (r UserRequest) params() service.UserParams {
	return service.UserParams{
		LicenseID: r.LicenseID,
		Login:     r.Login,
		Password:  r.Password,
		FullName:  r.FullName,
		Email:     r.Email,
		Phone:     r.Phone,
		Enabled:   r.Enabled,
		RoleID:    r.RoleID,
		GroupIDs:  r.GroupIDs,
	}
}

// userCall runs one administrative user operation and renders its
// result. Validation and permission failures arrive as a UserResult
// with status 200; only structural failures become error responses.
func (s *Server) userCall(c *gin.Context, call func(actorID string, params service.UserParams) (*service.UserResult, error)) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	res, err := call(middleware.GetUserID(c.Request.Context()), req.params())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AddUser handles POST /admin/users.
func (s *Server) AddUser(c *gin.Context) {
	s.userCall(c, func(actorID string, params service.UserParams) (*service.UserResult, error) {
		return s.svc.AddUser(c.Request.Context(), actorID, params)
	})
}

// AddUserWithRole handles POST /admin/users/with-role.
func (s *Server) AddUserWithRole(c *gin.Context) {
	s.userCall(c, func(actorID string, params service.UserParams) (*service.UserResult, error) {
		return s.svc.AddUserWithRole(c.Request.Context(), actorID, params)
	})
}

// UpdateUser handles PUT /admin/users/:id. Group links are left as they
// are; use the with-role variant to reconcile them.
func (s *Server) UpdateUser(c *gin.Context) {
	userID := c.Param("id")
	s.userCall(c, func(actorID string, params service.UserParams) (*service.UserResult, error) {
		return s.svc.UpdateUser(c.Request.Context(), actorID, userID, params)
	})
}

// UpdateUserWithRole handles PUT /admin/users/:id/with-role.
func (s *Server) UpdateUserWithRole(c *gin.Context) {
	userID := c.Param("id")
	s.userCall(c, func(actorID string, params service.UserParams) (*service.UserResult, error) {
		return s.svc.UpdateUserWithRole(c.Request.Context(), actorID, userID, params)
	})
}

// PasswordRequest is the body of the password change endpoint.
type PasswordRequest struct {
	Password string `json:"password"`
}

// SetUserPassword handles PUT /admin/users/:id/password. Users may
// always change their own password; changing someone else's requires
// administer permission on that user.
func (s *Server) SetUserPassword(c *gin.Context) {
	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	actorID := middleware.GetUserID(c.Request.Context())
	if err := s.svc.SetUserPassword(c.Request.Context(), actorID, c.Param("id"), req.Password); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, service.UserResult{Successful: true, UserStaticID: c.Param("id")})
}

// DeviceIdentRequest is the body of the device ident endpoint.
type DeviceIdentRequest struct {
	Ident string `json:"ident"`
}

// SetDeviceIdent handles PUT /admin/devices/:id/ident.
func (s *Server) SetDeviceIdent(c *gin.Context) {
	var req DeviceIdentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	actorID := middleware.GetUserID(c.Request.Context())
	if err := s.svc.SetDeviceIdent(c.Request.Context(), actorID, c.Param("id"), req.Ident); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResolveDevice handles GET /devices/resolve/:ident against the active
// device registry.
func (s *Server) ResolveDevice(c *gin.Context) {
	if s.registry == nil {
		c.Error(apperrors.New("REGISTRY_DISABLED", "device registry is not configured", http.StatusServiceUnavailable))
		return
	}

	ident := c.Param("ident")
	staticID, err := s.registry.Resolve(c.Request.Context(), ident)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.Error(apperrors.NotFound("device", ident))
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_static_id": staticID})
}
