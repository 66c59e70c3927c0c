package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrPayloadTooLarge = &AppError{
		Code:       "PAYLOAD_TOO_LARGE",
		Message:    "Request body exceeds the allowed size",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// Verification failures. Each identifies the pipeline step that rejected the input.
var (
	ErrArchiveExtraction = &AppError{
		Code:       "ARCHIVE_EXTRACTION_ERROR",
		Message:    "Unable to extract archive with the provided share code",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrXMLParse = &AppError{
		Code:       "XML_PARSE_ERROR",
		Message:    "Document is not well-formed identity XML",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrSignatureStructure = &AppError{
		Code:       "SIGNATURE_STRUCTURE_ERROR",
		Message:    "Document signature structure is invalid",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrSignatureRejected = &AppError{
		Code:       "SIGNATURE_REJECTED",
		Message:    "Document signature could not be trusted",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrDecryption = &AppError{
		Code:       "DECRYPTION_ERROR",
		Message:    "Unable to decrypt document payload",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrQRDecode = &AppError{
		Code:       "QR_DECODE_ERROR",
		Message:    "Unable to read identity QR code",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Input failed validation",
		StatusCode: http.StatusBadRequest,
	}

	ErrVerificationTimeout = &AppError{
		Code:       "VERIFICATION_TIMEOUT",
		Message:    "Verification timed out",
		StatusCode: http.StatusGatewayTimeout,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewValidation returns a validation error carrying a specific message.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       ErrValidation.Code,
		Message:    message,
		StatusCode: ErrValidation.StatusCode,
	}
}

// IsCode reports whether err is an AppError with the same code as target.
func IsCode(err error, target *AppError) bool {
	if err == nil || target == nil {
		return false
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}
