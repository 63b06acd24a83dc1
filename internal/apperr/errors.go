// Package apperr defines the closed set of failure kinds surfaced to users.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindNotAuthenticated  Kind = "not_authenticated"
	KindLaunch            Kind = "launch"
	KindServerUnavailable Kind = "server_unavailable"
	KindTimedOut          Kind = "timed_out"
	KindCancelled         Kind = "cancelled"
	KindTransport         Kind = "transport"
	KindToolFailed        Kind = "tool_failed"
	KindInternal          Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed and Hint
// tells the user what to do next.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	Hint string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrTimedOut) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrNotAuthenticated  = &Error{Kind: KindNotAuthenticated}
	ErrLaunch            = &Error{Kind: KindLaunch}
	ErrServerUnavailable = &Error{Kind: KindServerUnavailable}
	ErrTimedOut          = &Error{Kind: KindTimedOut}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrToolFailed        = &Error{Kind: KindToolFailed}
)

func newf(kind Kind, op, hint, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...), Hint: hint}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, "Check the values you entered and try again.", format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, "Run 'cloudchat profile list' or 'cloudchat servers list' to see what is configured.", format, args...)
}

func NotAuthenticated(op, profile string) *Error {
	return &Error{
		Kind: KindNotAuthenticated,
		Op:   op,
		Err:  fmt.Errorf("profile %q has no active session", profile),
		Hint: fmt.Sprintf("Run 'cloudchat login %s' to sign in again.", profile),
	}
}

func Launch(op string, err error) *Error {
	return &Error{Kind: KindLaunch, Op: op, Err: err, Hint: "Check the server command and arguments in your config file."}
}

func ServerUnavailable(op, server string, err error) *Error {
	if err == nil {
		err = fmt.Errorf("server %q is not ready", server)
	}
	return &Error{
		Kind: KindServerUnavailable,
		Op:   op,
		Err:  err,
		Hint: fmt.Sprintf("Run 'cloudchat servers check %s' or restart it with 'cloudchat servers start %s'.", server, server),
	}
}

func TimedOut(op string, err error) *Error {
	return &Error{Kind: KindTimedOut, Op: op, Err: err, Hint: "The operation took too long. Try again or raise the timeout."}
}

func Cancelled(op string) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err, Hint: "The tool server connection failed. It will be restarted automatically."}
}

// ToolFailed reports an error returned by the tool itself. Its message is shown
// to the user as is.
func ToolFailed(op string, err error) *Error {
	return &Error{Kind: KindToolFailed, Op: op, Err: err, Hint: "Rephrase the request or check the tool arguments."}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HintOf returns the hint of the first *Error in err's chain.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// UserMessage renders err without raw transport detail.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s failed (%s)", opOrDefault(e.Op), strings.ReplaceAll(string(e.Kind), "_", " "))
	switch e.Kind {
	case KindValidation, KindNotFound, KindNotAuthenticated, KindToolFailed:
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func opOrDefault(op string) string {
	if op == "" {
		return "operation"
	}
	return op
}

// FromAWS classifies an AWS SDK error by its API error code.
func FromAWS(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled(op)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Transport(op, err)
	}
	code := apiErr.ErrorCode()
	switch code {
	case "ExpiredToken", "ExpiredTokenException", "UnauthorizedException", "InvalidClientTokenId", "UnrecognizedClientException":
		return &Error{Kind: KindNotAuthenticated, Op: op, Err: err, Hint: "Your AWS session has expired. Log in again."}
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
		return &Error{Kind: KindValidation, Op: op, Err: err, Hint: "The role does not have permission for this action."}
	case "ResourceNotFoundException", "NoSuchEntity", "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
		return &Error{Kind: KindNotFound, Op: op, Err: err, Hint: "Check the resource identifier."}
	case "Throttling", "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
		return &Error{Kind: KindTransport, Op: op, Err: err, Hint: "AWS is throttling requests. Wait a moment and retry."}
	case "InvalidRequestException", "ValidationException", "InvalidParameterValue":
		return &Error{Kind: KindValidation, Op: op, Err: err, Hint: "Check the request parameters."}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err, Hint: fmt.Sprintf("AWS returned %s.", code)}
}
