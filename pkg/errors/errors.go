package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeFetch          Code = "FETCH_FAILED"
	CodeRetryExhausted Code = "RETRY_EXHAUSTED"
	CodeScriptLoad     Code = "SCRIPT_LOAD_FAILED"
	CodeIntentCreation Code = "INTENT_CREATION_FAILED"
	CodeGatewayFailure Code = "GATEWAY_FAILURE"
	CodeVerification   Code = "VERIFICATION_FAILED"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeCancellation   Code = "CANCELLATION_FAILED"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeNotFound       Code = "NOT_FOUND"
	CodeStateConflict  Code = "STATE_CONFLICT"
	CodeInternal       Code = "INTERNAL_ERROR"
	CodeDependency     Code = "DEPENDENCY_ERROR"
)

// Metadata describes how a coded error is surfaced to the buyer.
type Metadata struct {
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeFetch: {
		Retryable:     true,
		PublicMessage: "could not load the order, try again",
	},
	CodeRetryExhausted: {
		Retryable:     false,
		PublicMessage: "retry limit reached, refresh the page to try again",
	},
	CodeScriptLoad: {
		Retryable:     true,
		PublicMessage: "payment service could not be loaded",
	},
	CodeIntentCreation: {
		Retryable:      true,
		PublicMessage:  "payment could not be started",
		DetailsAllowed: true,
	},
	CodeGatewayFailure: {
		Retryable:      true,
		PublicMessage:  "payment was not completed",
		DetailsAllowed: true,
	},
	CodeVerification: {
		Retryable:     true,
		PublicMessage: "payment could not be verified",
	},
	CodeValidation: {
		Retryable:      false,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeCancellation: {
		Retryable:     true,
		PublicMessage: "order could not be cancelled",
	},
	CodeUnauthorized: {
		Retryable:     false,
		PublicMessage: "authentication required",
	},
	CodeNotFound: {
		Retryable:     false,
		PublicMessage: "resource not found",
	},
	CodeStateConflict: {
		Retryable:      false,
		PublicMessage:  "state transition disallowed",
		DetailsAllowed: true,
	},
	CodeInternal: {
		Retryable:     true,
		PublicMessage: "internal error",
	},
	CodeDependency: {
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Retryable reports whether the buyer may re-invoke the step that produced the error.
func (e *Error) Retryable() bool {
	return MetadataFor(e.Code()).Retryable
}

// PublicMessage returns the buyer-facing text for the error code.
func (e *Error) PublicMessage() string {
	return MetadataFor(e.Code()).PublicMessage
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the first coded error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// IsCode reports whether err carries the provided code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}
