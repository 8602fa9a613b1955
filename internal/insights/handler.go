package insights

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	httperr "github.com/moneta-lab/project-moneta/internal/core/errors"
)

// RegisterRoutes registers the anomaly detection API routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/anomalies/detect", s.HandleDetect)
	r.GET("/v1/anomalies/:user_id", s.HandleScanUser)
}

// DetectRequest is the POST /v1/anomalies/detect body. Transactions holds the
// batch under scrutiny; when omitted the user's stored history is analyzed.
type DetectRequest struct {
	UserID       string           `json:"user_id" binding:"required"`
	Transactions []map[string]any `json:"transactions"`
}

// HandleDetect handles POST /v1/anomalies/detect
func (s *Service) HandleDetect(c *gin.Context) {
	var req DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid request body",
			Details:   err.Error(),
		})
		return
	}

	report, err := s.DetectForUser(c.Request.Context(), req.UserID, req.Transactions)
	if err != nil {
		s.writeDetectError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// HandleScanUser handles GET /v1/anomalies/:user_id — a full scan of the
// user's stored transactions with no fresh batch.
func (s *Service) HandleScanUser(c *gin.Context) {
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

	report, err := s.DetectForUser(c.Request.Context(), uri.UserID, nil)
	if err != nil {
		s.writeDetectError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Service) writeDetectError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpValidationError,
			Message:   "Invalid detection request",
			Details:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
		ErrorType: httperr.HttpInternalError,
		Message:   "Failed to run anomaly detection",
		Details:   err.Error(),
	})
}
