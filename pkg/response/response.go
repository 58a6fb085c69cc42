package response

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/opserr"
)

// StatusClientClosedRequest is the non-standard status used when the caller went away.
const StatusClientClosedRequest = 499

// Response is the unified API response format.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the failure category and the context fields relevant to it.
type ErrorBody struct {
	Kind              string `json:"kind"`
	Class             string `json:"class"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	CurrentSpend      string `json:"current_spend,omitempty"`
	Limit             string `json:"limit,omitempty"`
	Size              int    `json:"size,omitempty"`
	MaxSize           int    `json:"max_size,omitempty"`
	Attempts          int    `json:"attempts,omitempty"`
	ElapsedMs         int64  `json:"elapsed_ms,omitempty"`
	Expected          string `json:"expected,omitempty"`
	Actual            string `json:"actual,omitempty"`
	Current           int    `json:"current,omitempty"`
	Max               int    `json:"max,omitempty"`
}

// AppError represents a structured application error with HTTP status and error code.
type AppError struct {
	HTTPStatus int    // HTTP status code (e.g. 400, 404, 500)
	Code       int    // Application-level error code
	Message    string // Human-readable error message
}

func (e *AppError) Error() string {
	return e.Message
}

func NewBadRequest(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadRequest, Code: 400, Message: msg}
}

func NewUnauthorized(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusUnauthorized, Code: 401, Message: msg}
}

func NewNotFound(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusNotFound, Code: 404, Message: msg}
}

func NewConflict(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusConflict, Code: 409, Message: msg}
}

func NewServerError(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusInternalServerError, Code: 500, Message: msg}
}

// HTTPStatus maps an operation error kind to an HTTP status.
func HTTPStatus(kind opserr.Kind) int {
	switch kind {
	case opserr.KindRateLimitExceeded, opserr.KindSpendingLimitExceeded:
		return http.StatusTooManyRequests
	case opserr.KindContentTooLarge:
		return http.StatusRequestEntityTooLarge
	case opserr.KindContentModeration, opserr.KindInvalidRequest:
		return http.StatusUnprocessableEntity
	case opserr.KindInvalidResponse:
		return http.StatusBadGateway
	case opserr.KindTimeout:
		return http.StatusGatewayTimeout
	case opserr.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case opserr.KindRegenerationLimitReached:
		return http.StatusConflict
	case opserr.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorBody converts an operation error to its wire form.
func NewErrorBody(e *opserr.Error) *ErrorBody {
	body := &ErrorBody{
		Kind:      string(e.Kind),
		Class:     string(e.Class()),
		Size:      e.Size,
		MaxSize:   e.MaxSize,
		Attempts:  e.Attempts,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Expected:  e.Expected,
		Actual:    e.Actual,
		Current:   e.Current,
		Max:       e.Max,
	}
	if e.RetryAfter > 0 {
		body.RetryAfterSeconds = int(math.Ceil(e.RetryAfter.Seconds()))
	}
	if e.Kind == opserr.KindSpendingLimitExceeded {
		body.CurrentSpend = e.CurrentSpend.StringFixed(6)
		body.Limit = e.Limit.StringFixed(2)
	}
	return body
}

// Success sends a 200 OK response with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

// Created sends a 201 Created response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "created",
		Data:    data,
	})
}

// Accepted sends a 202 Accepted response with data.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    0,
		Message: "accepted",
		Data:    data,
	})
}

// Error sends an error response. Operation errors are mapped by kind and
// rate-limit denials set Retry-After. *AppError keeps its own status; anything
// else becomes a 500.
func Error(c *gin.Context, err error) {
	if opErr, ok := opserr.As(err); ok {
		status := HTTPStatus(opErr.Kind)
		body := NewErrorBody(opErr)
		if body.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
		}
		c.JSON(status, Response{
			Code:    status,
			Message: opErr.Error(),
			Error:   body,
		})
		return
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, Response{
			Code:    appErr.Code,
			Message: appErr.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, Response{
		Code:    500,
		Message: err.Error(),
	})
}

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: 400, Message: msg})
}

func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, Response{Code: 401, Message: msg})
}

func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: 404, Message: msg})
}

func TooManyRequests(c *gin.Context, msg string, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	c.JSON(http.StatusTooManyRequests, Response{Code: 429, Message: msg})
}

func ServerError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{Code: 500, Message: msg})
}
