package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"navifleet.io/navifleet/internal/api/middleware"
)

// SyncRequest is one client synchronization round. OldCommit is the
// commit the client last caught up to; Diff carries its local edits
// ("{}" or empty when there are none).
type SyncRequest struct {
	OldCommit string `json:"old_commit"`
	Diff      string `json:"diff"`
}

// SyncResponse carries the new head and the catch-up diff scoped to the
// acting user.
type SyncResponse struct {
	NewCommit string `json:"new_commit"`
	OldCommit string `json:"old_commit,omitempty"`
	Diff      string `json:"diff"`
}

// Sync handles POST /repo/sync.
func (s *Server) Sync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	userID := middleware.GetUserID(c.Request.Context())
	res, err := s.svc.Sync(c.Request.Context(), userID, req.OldCommit, req.Diff)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{
		NewCommit: res.NewCommit,
		OldCommit: res.OldCommit,
		Diff:      res.Diff,
	})
}

// ApplyRequest is a trusted write: a patch applied to the head with no
// client-side state to reconcile.
type ApplyRequest struct {
	Diff string `json:"diff"`
}

// Apply handles POST /repo/apply. Unlike sync, a failing patch is an
// error response, and the returned diff is the full viewer-visible
// state from the baseline.
func (s *Server) Apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "malformed request body"})
		return
	}

	userID := middleware.GetUserID(c.Request.Context())
	res, err := s.svc.Apply(c.Request.Context(), userID, req.Diff)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{
		NewCommit: res.NewCommit,
		Diff:      res.Diff,
	})
}
