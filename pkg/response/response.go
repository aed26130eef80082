package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Machine-readable reason codes. The UI keys its messaging off these, so they
// are part of the API contract and must stay stable.
const (
	ReasonUnauthorized             = "UNAUTHORIZED"
	ReasonUserNotFound             = "USER_NOT_FOUND"
	ReasonDatabaseError            = "DATABASE_ERROR"
	ReasonDailyRequestLimit        = "DAILY_REQUEST_LIMIT_EXCEEDED"
	ReasonDailyTokenLimit          = "DAILY_TOKEN_LIMIT_EXCEEDED"
	ReasonDailyMessageLimit        = "DAILY_MESSAGE_LIMIT_EXCEEDED"
	ReasonNotProUser               = "NOT_PRO_USER"
	ReasonSubscriptionExpired      = "SUBSCRIPTION_EXPIRED"
	ReasonModelNotAvailableForPlan = "MODEL_NOT_AVAILABLE_FOR_PLAN"
	ReasonInsufficientCredits      = "INSUFFICIENT_CREDITS"
	ReasonProviderError            = "PROVIDER_ERROR"
	ReasonAllProvidersUnavailable  = "ALL_PROVIDERS_UNAVAILABLE"
	ReasonModelNotFound            = "MODEL_NOT_FOUND"
	ReasonBadRequest               = "BAD_REQUEST"
)

// Response is the unified API response format.
type Response struct {
	Code    int         `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError represents a structured application error with HTTP status, an
// application code and a machine-readable reason.
type AppError struct {
	HTTPStatus int    // HTTP status code (e.g. 400, 404, 500)
	Code       int    // Application-level error code
	Reason     string // Machine-readable reason code
	Message    string // Human-readable error message
}

func (e *AppError) Error() string {
	return e.Message
}

// Pre-defined error constructors

func NewBadRequest(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadRequest, Code: 400, Reason: ReasonBadRequest, Message: msg}
}

func NewUnauthorized(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusUnauthorized, Code: 401, Reason: ReasonUnauthorized, Message: msg}
}

func NewForbidden(reason, msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusForbidden, Code: 403, Reason: reason, Message: msg}
}

func NewNotFound(reason, msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusNotFound, Code: 404, Reason: reason, Message: msg}
}

func NewTooManyRequests(reason, msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusTooManyRequests, Code: 429, Reason: reason, Message: msg}
}

func NewPaymentRequired(reason, msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusPaymentRequired, Code: 402, Reason: reason, Message: msg}
}

func NewBadGateway(reason, msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadGateway, Code: 502, Reason: reason, Message: msg}
}

func NewServerError(msg string) *AppError {
	return &AppError{HTTPStatus: http.StatusInternalServerError, Code: 500, Reason: ReasonDatabaseError, Message: msg}
}

// --- Gin response helpers ---

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

// Error sends an error response. If err is an *AppError, its code, reason and
// status are used; otherwise a generic 500 internal server error is returned.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, Response{
			Code:    appErr.Code,
			Reason:  appErr.Reason,
			Message: appErr.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, Response{
		Code:    500,
		Message: err.Error(),
	})
}

// Convenience error response functions

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: 400, Reason: ReasonBadRequest, Message: msg})
}

func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, Response{Code: 401, Reason: ReasonUnauthorized, Message: msg})
}

func Forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, Response{Code: 403, Message: msg})
}

func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: 404, Message: msg})
}

func ServerError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{Code: 500, Message: msg})
}
