// Package errors defines the error surface shared by procedures, middleware and
// clients. Every error that crosses a procedure boundary carries a Code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code discriminates procedure errors.
type Code string

const (
	Unauthorized   Code = "UNAUTHORIZED"
	Forbidden      Code = "FORBIDDEN"
	BadRequest     Code = "BAD_REQUEST"
	RateLimited    Code = "RATE_LIMITED"
	NotFound       Code = "NOT_FOUND"
	Internal       Code = "INTERNAL"
	NotImplemented Code = "NOT_IMPLEMENTED"
)

const InternalServerErrorMsg = "Internal Server Error"

// ReasonUnknownFunction marks NOT_FOUND errors raised because no such function exists,
// as opposed to a read that found nothing.
const ReasonUnknownFunction = "UNKNOWN_FUNCTION"

const errorDomain = "crpc"

var (
	// ErrMiddlewareDidNotCallNext is raised when a middleware stage returns without calling
	// next and without an error. It is a programming defect and is never retried.
	ErrMiddlewareDidNotCallNext = errors.New("MIDDLEWARE_DID_NOT_CALL_NEXT")

	// ErrMiddlewareCalledNextTwice is raised when a middleware stage calls next more than once.
	ErrMiddlewareCalledNextTwice = errors.New("MIDDLEWARE_CALLED_NEXT_TWICE")

	// ErrUnknownFunction is raised when a function is missing from the metadata registry
	// or the router.
	ErrUnknownFunction = errors.New("unknown function")
)

// Error is the error type returned by procedures.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// FunctionName is the qualified name of the function that failed, if known.
	FunctionName string `json:"functionName,omitempty"`

	// Reason refines Code for errors clients branch on. It survives the wire.
	Reason string `json:"reason,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.FunctionName != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.FunctionName)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code. An error decoded from the
// wire with ReasonUnknownFunction also matches ErrUnknownFunction.
func (e *Error) Is(target error) bool {
	if target == ErrUnknownFunction {
		return e.Reason == ReasonUnknownFunction
	}
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// GRPCStatus lets status.Convert and status.FromError map the error to a gRPC status.
// The code, reason and function travel as ErrorInfo details.
func (e *Error) GRPCStatus() *status.Status {
	st := status.New(GRPCCode(e.Code), e.Message)
	info := &errdetails.ErrorInfo{
		Reason: string(e.Code),
		Domain: errorDomain,
		Metadata: map[string]string{
			"reason":   e.Reason,
			"function": e.FunctionName,
		},
	}
	if detailed, err := st.WithDetails(info); err == nil {
		return detailed
	}
	return st
}

// WithFunction returns a copy of e annotated with the function name.
func (e *Error) WithFunction(name string) *Error {
	cp := *e
	cp.FunctionName = name
	return &cp
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an error with the given code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code and message whose cause is err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

func UnauthorizedError(message string) *Error {
	if message == "" {
		message = "Not authenticated"
	}
	return New(Unauthorized, message)
}

func ForbiddenError(message string) *Error {
	if message == "" {
		message = "Access denied"
	}
	return New(Forbidden, message)
}

// BadRequestError reports a structural violation of a procedure's input or output.
func BadRequestError(err error) *Error {
	return Wrap(BadRequest, err.Error(), err)
}

func RateLimitedError(bucket string) *Error {
	return Newf(RateLimited, "Rate limit exceeded for %q", bucket)
}

func NotFoundError(what string) *Error {
	return Newf(NotFound, "%s not found", what)
}

func NotImplementedError(what string) *Error {
	return Newf(NotImplemented, "%s is not implemented", what)
}

// UnknownFunctionError reports a call to a function that is not registered.
func UnknownFunctionError(qualified string) *Error {
	return &Error{
		Code:         NotFound,
		Message:      fmt.Sprintf("function %s not found", qualified),
		FunctionName: qualified,
		Reason:       ReasonUnknownFunction,
		cause:        ErrUnknownFunction,
	}
}

// NewInternalError hides the internal error behind a public message.
func NewInternalError(public string, internal error) *Error {
	if public == "" {
		public = InternalServerErrorMsg
	}
	return Wrap(Internal, public, internal)
}

// IsClientError is the type guard distinguishing procedure errors from generic or
// transport errors.
func IsClientError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf returns the code carried by err, or Internal for errors that carry none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsRetryable reports whether a client may retry the call that produced err. Auth,
// validation and admission errors are never retried by this layer, and neither are
// contract violations.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || IsContractViolation(err) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Code {
	case Unauthorized, Forbidden, BadRequest, RateLimited, NotFound, NotImplemented:
		return false
	default:
		return true
	}
}

// IsContractViolation reports whether err is a programming defect in a middleware chain.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrMiddlewareDidNotCallNext) || errors.Is(err, ErrMiddlewareCalledNextTwice)
}

// HandleError is used to hide internal errors from users. Errors that already carry a
// code pass through unchanged.
func HandleError(public string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(Internal, "Request Cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Internal, "Request Deadline Exceeded", err)
	}
	return NewInternalError(public, err)
}

// GRPCCode maps a Code to the closest gRPC code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case Unauthorized:
		return codes.Unauthenticated
	case Forbidden:
		return codes.PermissionDenied
	case BadRequest:
		return codes.InvalidArgument
	case RateLimited:
		return codes.ResourceExhausted
	case NotFound:
		return codes.NotFound
	case NotImplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// FromGRPCStatus converts a gRPC status back into an *Error.
func FromGRPCStatus(st *status.Status) *Error {
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		return &Error{
			Code:         Code(info.GetReason()),
			Message:      st.Message(),
			FunctionName: info.GetMetadata()["function"],
			Reason:       info.GetMetadata()["reason"],
		}
	}

	var code Code
	switch st.Code() {
	case codes.Unauthenticated:
		code = Unauthorized
	case codes.PermissionDenied:
		code = Forbidden
	case codes.InvalidArgument:
		code = BadRequest
	case codes.ResourceExhausted:
		code = RateLimited
	case codes.NotFound:
		code = NotFound
	case codes.Unimplemented:
		code = NotImplemented
	default:
		code = Internal
	}
	return New(code, st.Message())
}

// HTTPStatus maps a Code to an HTTP status code.
func HTTPStatus(code Code) int {
	switch code {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus maps an HTTP status without a decodable error body to a Code.
func CodeFromHTTPStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return Unauthorized
	case http.StatusForbidden:
		return Forbidden
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return BadRequest
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusNotFound:
		return NotFound
	case http.StatusNotImplemented:
		return NotImplemented
	default:
		return Internal
	}
}
