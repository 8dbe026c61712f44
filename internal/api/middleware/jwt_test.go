package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(signingKey []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuth(signingKey))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c.Request.Context())})
	})
	return r
}

func TestJWTAuthRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cfg := JWTConfig{SigningKey: key, Issuer: "navifleet", ExpiresIn: time.Hour}

	token, expires, err := GenerateToken(cfg, "user-1", "driver1")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	r := testRouter(key)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestJWTAuthRejections(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	r := testRouter(key)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestJWTAuthExpiredToken(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	cfg := JWTConfig{SigningKey: key, Issuer: "navifleet", ExpiresIn: -time.Minute}

	token, _, err := GenerateToken(cfg, "user-1", "driver1")
	require.NoError(t, err)

	r := testRouter(key)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestJWTAuthWrongKey(t *testing.T) {
	cfg := JWTConfig{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "navifleet",
		ExpiresIn:  time.Hour,
	}
	token, _, err := GenerateToken(cfg, "user-1", "driver1")
	require.NoError(t, err)

	r := testRouter([]byte("ffffffffffffffffffffffffffffffff"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
