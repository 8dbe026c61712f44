package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"navifleet.io/navifleet/internal/api/middleware"
	"navifleet.io/navifleet/internal/service"
)

// LoginRequest are the credentials of a login attempt.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// Login handles POST /auth/login.
func (s *Server) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	userID, err := s.svc.Authenticate(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		c.Error(err)
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtCfg, userID, req.Login)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt, UserID: userID})
}

// RegisterTrialRequest are the inputs of a trial registration.
type RegisterTrialRequest struct {
	Login       string `json:"login"`
	Password    string `json:"password"`
	CompanyName string `json:"company_name"`
	WelcomeName string `json:"welcome_name"`
	Email       string `json:"email"`
}

// RegisterTrial handles POST /auth/register-trial. Validation failures
// come back as a result message with status 200, not an error status;
// clients display the message verbatim.
func (s *Server) RegisterTrial(c *gin.Context) {
	var req RegisterTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	msg, err := s.svc.RegisterNewTrial(c.Request.Context(), service.RegistrationParams{
		Login:       req.Login,
		Password:    req.Password,
		CompanyName: req.CompanyName,
		WelcomeName: req.WelcomeName,
		Email:       req.Email,
	})
	if err != nil {
		c.Error(err)
		return
	}
	if msg != "" {
		c.JSON(http.StatusOK, service.UserResult{Successful: false, ErrorMessage: msg})
		return
	}
	c.JSON(http.StatusOK, service.UserResult{Successful: true})
}

// LicenseByToken handles GET /licenses/by-token/:token. Tracker
// installations resolve their stored computer-id token to a license.
func (s *Server) LicenseByToken(c *gin.Context) {
	licenseID, err := s.svc.LicenseByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"license_static_id": licenseID})
}
