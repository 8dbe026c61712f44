// Package middleware provides HTTP middleware for navifleet.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/pkg/logger"
)

// ErrorHandler is a Gin middleware that provides centralized error
// handling: it captures errors added via c.Error() and maps each engine
// error kind to its transport shape. Permission failures deliberately
// return the same generic message regardless of which rule failed.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		if ve, ok := apperrors.IsValidation(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "VALIDATION_FAILED",
				"message": ve.Message,
			})
			return
		}
		if pe, ok := apperrors.IsPermissionDenied(err); ok {
			logger.Warn("Permission denied",
				zap.String("kind", pe.Kind),
				zap.String("static_id", pe.StaticID),
			)
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "FORBIDDEN",
				"message": "insufficient permissions",
			})
			return
		}
		if _, ok := apperrors.IsMalformedPatch(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "MALFORMED_PATCH",
				"message": "patch document does not parse",
			})
			return
		}
		if ne, ok := apperrors.IsNotFound(err); ok {
			logger.Warn("Resource not found",
				zap.String("resource", ne.Resource),
				zap.String("id", ne.ID),
			)
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NOT_FOUND",
				"message": ne.Error(),
			})
			return
		}

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			logger.Warn("Request error",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			})
			return
		}

		logger.Error("Unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "An internal error occurred",
		})
	}
}
