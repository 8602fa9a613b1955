package transactions

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	httperr "github.com/moneta-lab/project-moneta/internal/core/errors"
	"github.com/moneta-lab/project-moneta/internal/core/storage"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
)

// apiError carries the structured HTTP error shape from a helper back to the
// handler. Helpers return this instead of writing to gin.Context directly,
// keeping them decoupled from HTTP.
type apiError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *apiError) Error() string {
	return e.message
}

// RegisterRoutes registers the transaction API routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/transactions", s.HandleCreateTransaction)
	r.GET("/v1/transactions/:user_id", s.HandleListTransactions)
	r.GET("/v1/profile/:user_id", s.HandleGetProfile)
	r.POST("/v1/receipts/result", s.HandleReceiptResult)
}

// CreateTransactionRequest is the POST /v1/transactions body.
type CreateTransactionRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Type        string  `json:"type" binding:"required"`
	Date        string  `json:"date"`
	ReceiptID   string  `json:"receipt_id"`
}

// HandleCreateTransaction handles POST /v1/transactions
func (s *Service) HandleCreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if apiErr := s.bindLimitedJSON(c, &req); apiErr != nil {
		writeError(c, apiErr)
		return
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			writeError(c, &apiError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpValidationError,
				message:    "Invalid date",
				details:    err.Error(),
			})
			return
		}
		date = parsed
	}

	tx := &v1.Transaction{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: req.Description,
		Type:        req.Type,
		Date:        date,
		ReceiptID:   req.ReceiptID,
	}
	if err := tx.Validate(); err != nil {
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		})
		return
	}

	if err := s.CreateTransaction(c.Request.Context(), tx); err != nil {
		slog.Error("[Transactions] Create failed", "user_id", req.UserID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to record transaction",
			details:    err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, tx)
}

// HandleListTransactions handles GET /v1/transactions/:user_id
// Query parameters: limit, offset, since
func (s *Service) HandleListTransactions(c *gin.Context) {
	var uri struct {
		UserID string `uri:"user_id" binding:"required"`
	}
	var query struct {
		Limit  int       `form:"limit"`
		Offset int       `form:"offset"`
		Since  time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	}

	if err := c.ShouldBindUri(&uri); err != nil {
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "Invalid path parameters",
			details:    err.Error(),
		})
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "Invalid query parameters",
			details:    err.Error(),
		})
		return
	}

	txs, err := s.ListTransactions(c.Request.Context(), uri.UserID, storage.TransactionQuery{
		Limit:  query.Limit,
		Offset: query.Offset,
		Since:  query.Since,
	})
	if err != nil {
		slog.Error("[Transactions] List failed", "user_id", uri.UserID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to list transactions",
			details:    err.Error(),
		})
		return
	}
	if txs == nil {
		txs = []*v1.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      uri.UserID,
		"count":        len(txs),
		"transactions": txs,
	})
}

// HandleGetProfile handles GET /v1/profile/:user_id
func (s *Service) HandleGetProfile(c *gin.Context) {
	var uri struct {
		UserID string `uri:"user_id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeError(c, &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "Invalid path parameters",
			details:    err.Error(),
		})
		return
	}

	profile, err := s.GetProfile(c.Request.Context(), uri.UserID)
	if err != nil {
		slog.Error("[Transactions] Profile lookup failed", "user_id", uri.UserID, "error", err)
		writeError(c, &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    "Failed to load financial profile",
			details:    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, profile)
}

// ReceiptResultRequest is the POST /v1/receipts/result body.
type ReceiptResultRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Success    bool   `json:"success"`
	ReceiptID  string `json:"receipt_id"`
	ReceiptURL string `json:"receipt_url"`
	Error      string `json:"error"`
	Parsed     *struct {
		Total    float64 `json:"total"`
		Category string  `json:"category"`
		Vendor   string  `json:"vendor"`
		Date     string  `json:"date"`
	} `json:"parsed"`
}

// HandleReceiptResult handles POST /v1/receipts/result
func (s *Service) HandleReceiptResult(c *gin.Context) {
	var req ReceiptResultRequest
	if apiErr := s.bindLimitedJSON(c, &req); apiErr != nil {
		writeError(c, apiErr)
		return
	}

	payload := v1.ReceiptResultPayload{
		Success:    req.Success,
		ReceiptID:  req.ReceiptID,
		ReceiptURL: req.ReceiptURL,
		Error:      req.Error,
	}
	if req.Parsed != nil {
		payload.Parsed = &v1.ParsedReceipt{
			Total:    req.Parsed.Total,
			Category: req.Parsed.Category,
			Vendor:   req.Parsed.Vendor,
			Date:     req.Parsed.Date,
		}
	}

	if err := s.SubmitReceiptResult(c.Request.Context(), req.UserID, payload); err != nil {
		status := http.StatusInternalServerError
		errType := httperr.HttpInternalError
		if errors.Is(err, ErrInvalidReceipt) {
			status = http.StatusBadRequest
			errType = httperr.HttpValidationError
		}
		writeError(c, &apiError{
			statusCode: status,
			errorType:  errType,
			message:    "Failed to record receipt result",
			details:    err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// bindLimitedJSON reads the request body under the configured size cap and
// binds it into out.
func (s *Service) bindLimitedJSON(c *gin.Context, out any) *apiError {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Transactions] Failed to read request body", "error", err)
		return &apiError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Transactions] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return &apiError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err := c.ShouldBindJSON(out); err != nil {
		slog.Warn("[Transactions] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return &apiError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
			details:    err.Error(),
		}
	}
	return nil
}

// writeError serializes an apiError as the JSON HTTP response.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
