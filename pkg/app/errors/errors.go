// Package errors contains helper functions and types to work with errors
package errors

import (
	"errors"
	"net/http"
)

// Category defines error category
type Category int

const (
	// CategoryNoError is used when a call completed without error.
	CategoryNoError Category = iota
	// CategoryConfig Contract metadata or application config is missing or malformed.
	// Fatal for the whole invocation.
	CategoryConfig
	// CategoryConnectivity The RPC endpoint timed out or could not be reached. Transient.
	CategoryConnectivity
	// CategoryRangeTooLarge The provider refused a log query because of its block span or
	// result size. The caller shrinks the range.
	CategoryRangeTooLarge
	// CategoryBlockNotFound The provider does not (yet) know one of the requested blocks.
	CategoryBlockNotFound
	// CategoryDecode A log could not be decoded into a bridge event.
	CategoryDecode
	// CategoryRevert The target contract rejected the call. Permanent.
	CategoryRevert
	// CategorySubmission The node refused the raw transaction (busy, underpriced, stale nonce).
	// Transient.
	CategorySubmission
	// CategoryDataError The client sent invalid data in the request
	CategoryDataError
	// CategoryResourceNotFound The client is attempting to access a resource that does not exist
	CategoryResourceNotFound
	// CategoryGeneralError The service failed in an unexpected way
	CategoryGeneralError
)

func (c Category) String() string {
	switch c {
	case CategoryNoError:
		return "CategoryNoError"
	case CategoryConfig:
		return "CategoryConfig"
	case CategoryConnectivity:
		return "CategoryConnectivity"
	case CategoryRangeTooLarge:
		return "CategoryRangeTooLarge"
	case CategoryBlockNotFound:
		return "CategoryBlockNotFound"
	case CategoryDecode:
		return "CategoryDecode"
	case CategoryRevert:
		return "CategoryRevert"
	case CategorySubmission:
		return "CategorySubmission"
	case CategoryDataError:
		return "CategoryDataError"
	case CategoryResourceNotFound:
		return "CategoryResourceNotFound"
	default:
		return "CategoryGeneralError"
	}
}

// ServiceError represents service specific type that
// is used all over the services.
type ServiceError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err ServiceError) Error() string {
	switch {
	case err.Err != nil && err.Message != "":
		return err.Message + ": " + err.Err.Error()
	case err.Err != nil:
		return err.Err.Error()
	default:
		return err.Message
	}
}

// Unwrap returns the underlying error
func (err ServiceError) Unwrap() error {
	return err.Err
}

// Is checks that provided error is a ServiceError with desired Category
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// CategoryOf returns the category of the outermost ServiceError in the chain.
// Errors without a ServiceError are CategoryGeneralError, nil is CategoryNoError.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNoError
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Category
	}
	return CategoryGeneralError
}

// Retryable reports whether the error is transient and the operation may be retried.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryConnectivity, CategorySubmission, CategoryBlockNotFound:
		return true
	default:
		return false
	}
}

func newError(cat Category, err error, message string) error {
	if err == nil {
		err = errors.New(message)
		message = ""
	}
	return &ServiceError{
		Category: cat,
		Message:  message,
		Err:      err,
	}
}

// ConfigError returns an error with category Config
func ConfigError(err error, message string) error {
	return newError(CategoryConfig, err, message)
}

// ConnectivityError returns an error with category Connectivity
func ConnectivityError(err error, message string) error {
	return newError(CategoryConnectivity, err, message)
}

// RangeTooLargeError returns an error with category RangeTooLarge
func RangeTooLargeError(err error, message string) error {
	return newError(CategoryRangeTooLarge, err, message)
}

// BlockNotFoundError returns an error with category BlockNotFound
func BlockNotFoundError(err error, message string) error {
	return newError(CategoryBlockNotFound, err, message)
}

// DecodeError returns an error with category Decode
func DecodeError(err error, message string) error {
	return newError(CategoryDecode, err, message)
}

// RevertError returns an error with category Revert
func RevertError(err error, message string) error {
	return newError(CategoryRevert, err, message)
}

// SubmissionError returns an error with category Submission
func SubmissionError(err error, message string) error {
	return newError(CategorySubmission, err, message)
}

// GeneralError returns a general service error
// this error mesage sent to the user is "Internal Server Error"
// the error passed is logged in the logger
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal server error")
	}
	return &ServiceError{
		Category: CategoryGeneralError,
		Message:  "Internal Server Error",
		Err:      err,
	}
}

// ResourceNotFoundError returns an error with category ResourceNotFound
// the error message provided is returned to the user
// the err object provided is logged in logger
func ResourceNotFoundError(err error, message string) error {
	if err == nil {
		err = errors.New("resource not found: " + message)
	}
	return &ServiceError{
		Category: CategoryResourceNotFound,
		Message:  message,
		Err:      err,
	}
}

// BadRequestError returns  an error with category DataError
// the error message provided is returned to the user
// the error object provided is logged in logger
func BadRequestError(err error, message string) error {
	if err == nil {
		err = errors.New("bad request: " + message)
	}
	return &ServiceError{
		Category: CategoryDataError,
		Message:  message,
		Err:      err,
	}
}

// StatusCode returns the HTTP status code for the error category
func (err ServiceError) StatusCode() int {
	switch err.Category {
	case CategoryDataError:
		return http.StatusBadRequest
	case CategoryResourceNotFound:
		return http.StatusNotFound
	case CategoryConnectivity, CategoryBlockNotFound:
		return http.StatusBadGateway
	case CategoryConfig, CategoryGeneralError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
