package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/learnloop/llm-gateway/services"
	"github.com/learnloop/llm-gateway/utils"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}

	var status int
	message := err.Error()
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		status = http.StatusBadRequest
	case services.ErrorTypeNotFound:
		status = http.StatusNotFound
	case services.ErrorTypeUnprocessable:
		status = http.StatusUnprocessableEntity
	case services.ErrorTypeExternal:
		// Provider errors are mapped to 502 Bad Gateway
		status = http.StatusBadGateway
	case services.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	case services.ErrorTypeUnavailable:
		status = http.StatusServiceUnavailable
	case services.ErrorTypeInternal:
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		status = http.StatusInternalServerError
		message = "An internal error occurred"
		details = nil
	default:
		logger.Error("unhandled error type", zap.Error(err))
		status = http.StatusInternalServerError
		message = "An unexpected error occurred"
		details = nil
	}

	var domainErr *services.DomainError
	if errors.As(err, &domainErr) && status != http.StatusInternalServerError {
		message = domainErr.Message
	}

	if err := utils.WriteError(w, status, message, details); err != nil {
		logger.Error("failed to write error response", zap.Int("status", status), zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
