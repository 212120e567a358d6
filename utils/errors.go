package utils

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable class of an AppError
type ErrorKind string

const (
	KindConfiguration        ErrorKind = "ConfigurationError"
	KindValidation           ErrorKind = "ValidationError"
	KindCredentialValidation ErrorKind = "CredentialValidationError"
	KindDecryption           ErrorKind = "DecryptionError"
	KindTokenRefresh         ErrorKind = "TokenRefreshError"
	KindNoValidCredential    ErrorKind = "NoValidCredentialError"
	KindSend                 ErrorKind = "SendError"
	KindPersistence          ErrorKind = "PersistenceError"
	KindNotFound             ErrorKind = "NotFoundError"
	KindUnauthorized         ErrorKind = "Unauthorized"
	KindInternal             ErrorKind = "InternalError"
)

// AppError represents a custom application error with context
type AppError struct {
	Kind    ErrorKind              // Machine-readable kind
	Code    int                    // HTTP status code
	Message string                 // User-friendly message
	Err     error                  // Underlying error
	Context map[string]interface{} // Additional context
}

// NewAppError creates a new AppError
func NewAppError(kind ErrorKind, code int, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// Operational reports whether the error is a server-side incident that must be
// hidden from the caller behind a generic message.
func (e *AppError) Operational() bool {
	return e.Kind == KindConfiguration || e.Kind == KindDecryption || e.Kind == KindInternal
}

// KindOf returns the kind of the first AppError in err's chain,
// or KindInternal if there is none.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries an AppError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Common error constructors

func ConfigurationError(message string, err error) *AppError {
	return NewAppError(KindConfiguration, 503, message, err)
}

func ValidationError(message string, err error) *AppError {
	return NewAppError(KindValidation, 400, message, err)
}

func CredentialValidationError(message string, err error) *AppError {
	return NewAppError(KindCredentialValidation, 422, message, err)
}

func DecryptionError(message string, err error) *AppError {
	return NewAppError(KindDecryption, 503, message, err)
}

func TokenRefreshError(message string, err error) *AppError {
	return NewAppError(KindTokenRefresh, 401, message, err)
}

func NoValidCredentialError(message string, err error) *AppError {
	return NewAppError(KindNoValidCredential, 401, message, err)
}

func SendError(message string, err error) *AppError {
	return NewAppError(KindSend, 502, message, err)
}

func PersistenceError(message string, err error) *AppError {
	return NewAppError(KindPersistence, 500, message, err)
}

func NotFoundError(message string, err error) *AppError {
	return NewAppError(KindNotFound, 404, message, err)
}

func UnauthorizedError(message string, err error) *AppError {
	return NewAppError(KindUnauthorized, 401, message, err)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(KindInternal, 500, message, err)
}
