package analytics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httperr "github.com/moneta-lab/project-moneta/internal/core/errors"
)

// Handler serves the analytics read API over a live Rollup.
type Handler struct {
	rollup *Rollup
}

func NewHandler(rollup *Rollup) *Handler {
	return &Handler{rollup: rollup}
}

// RegisterRoutes registers all analytics API routes on the given router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/analytics/:user_id", h.HandleQueryRollups)
}

// RollupResponse is the response body for a per-user rollup query.
type RollupResponse struct {
	UserID      string    `json:"user_id"`
	Rule        string    `json:"rule,omitempty"`
	BucketCount int       `json:"bucket_count"`
	Buckets     []Bucket  `json:"buckets"`
	GeneratedAt time.Time `json:"generated_at"`
}

// HandleQueryRollups handles GET /v1/analytics/:user_id
// Query parameters: rule (optional filter by rule name)
func (h *Handler) HandleQueryRollups(c *gin.Context) {
	var uri struct {
		UserID string `uri:"user_id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid path parameters",
			Details:   err.Error(),
		})
		return
	}

	rule := c.Query("rule")
	buckets := h.rollup.Snapshot(uri.UserID)
	if rule != "" {
		filtered := buckets[:0]
		for _, b := range buckets {
			if b.Rule == rule {
				filtered = append(filtered, b)
			}
		}
		buckets = filtered
	}
	if buckets == nil {
		buckets = []Bucket{}
	}

	c.JSON(http.StatusOK, RollupResponse{
		UserID:      uri.UserID,
		Rule:        rule,
		BucketCount: len(buckets),
		Buckets:     buckets,
		GeneratedAt: time.Now().UTC(),
	})
}
