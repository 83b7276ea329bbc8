package rpc

import (
	"context"
	"errors"
	"fmt"

	"scopes/internal/variant"
	"scopes/internal/wire"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrObjectNotExist    = errors.New("object does not exist")
	ErrOperationNotExist = errors.New("operation does not exist")
	ErrTimeout           = errors.New("twoway invocation timed out")
	ErrProcessLaunch     = errors.New("scope process failed to launch")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrMiddlewareStopped = errors.New("middleware stopped")
	ErrAlreadyPublished  = errors.New("identity already published")
)

// Exception kinds carried by UserException payloads.
const (
	KindNotFound        = "not_found"
	KindInvalidArgument = "invalid_argument"
	KindProcessLaunch   = "process_launch"
	KindTimeout         = "timeout"
	KindUser            = "user"
)

// NotFoundError reports an unknown identifier for op.
type NotFoundError struct {
	Op   string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no such scope (name = %s)", e.Op, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ArgumentError reports a malformed argument such as an empty id.
type ArgumentError struct {
	Op      string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

// UserException is an application-level failure raised by a servant and
// transported to the caller with a structured payload.
type UserException struct {
	Kind    string
	Message string
	Payload variant.Value
}

func (e *UserException) Error() string {
	if e.Kind == "" || e.Kind == KindUser {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *UserException) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindInvalidArgument:
		return target == ErrInvalidArgument
	case KindProcessLaunch:
		return target == ErrProcessLaunch
	case KindTimeout:
		return target == ErrTimeout
	}
	return false
}

// UnknownException reports an unexpected dispatch failure on the remote side.
type UnknownException struct {
	Message string
}

func (e *UnknownException) Error() string {
	return "unknown exception: " + e.Message
}

type ObjectNotExistError struct {
	Identity  string
	Operation string
}

func (e *ObjectNotExistError) Error() string {
	return fmt.Sprintf("object does not exist (identity = %s, operation = %s)", e.Identity, e.Operation)
}

func (e *ObjectNotExistError) Is(target error) bool { return target == ErrObjectNotExist }

type OperationNotExistError struct {
	Identity  string
	Operation string
}

func (e *OperationNotExistError) Error() string {
	return fmt.Sprintf("operation does not exist (identity = %s, operation = %s)", e.Identity, e.Operation)
}

func (e *OperationNotExistError) Is(target error) bool { return target == ErrOperationNotExist }

// exceptionResponse maps a dispatch error onto a response status and payload.
func exceptionResponse(cur Current, err error) (wire.Status, variant.Value) {
	var (
		user  *UserException
		opErr *OperationNotExistError
	)
	switch {
	case errors.As(err, &user):
		return wire.StatusUserException, userPayload(user.Kind, user.Message, user.Payload)
	case errors.As(err, &opErr), errors.Is(err, ErrOperationNotExist):
		return wire.StatusOperationNotExist, targetPayload(cur)
	case errors.Is(err, ErrObjectNotExist):
		return wire.StatusObjectNotExist, targetPayload(cur)
	case errors.Is(err, ErrNotFound):
		return wire.StatusUserException, userPayload(KindNotFound, err.Error(), variant.Null())
	case errors.Is(err, ErrInvalidArgument):
		return wire.StatusUserException, userPayload(KindInvalidArgument, err.Error(), variant.Null())
	case errors.Is(err, ErrProcessLaunch):
		return wire.StatusUserException, userPayload(KindProcessLaunch, err.Error(), variant.Null())
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return wire.StatusUserException, userPayload(KindTimeout, err.Error(), variant.Null())
	default:
		return wire.StatusUnknownException, variant.FromMap(variant.Map{"message": variant.String(err.Error())})
	}
}

func userPayload(kind, message string, payload variant.Value) variant.Value {
	if kind == "" {
		kind = KindUser
	}
	return variant.FromMap(variant.Map{
		"kind":    variant.String(kind),
		"message": variant.String(message),
		"payload": payload,
	})
}

func targetPayload(cur Current) variant.Value {
	return variant.FromMap(variant.Map{
		"identity":  variant.String(cur.Identity),
		"operation": variant.String(cur.Operation),
	})
}

// decodeException rebuilds the caller-side error for a non-success response.
func decodeException(identity, operation string, status wire.Status, payload []byte) error {
	m, err := variant.DecodeMap(payload)
	if err != nil {
		m = variant.Map{}
	}
	switch status {
	case wire.StatusObjectNotExist:
		return &ObjectNotExistError{Identity: identity, Operation: operation}
	case wire.StatusOperationNotExist:
		return &OperationNotExistError{Identity: identity, Operation: operation}
	case wire.StatusUserException:
		kind, _ := m.OptString("kind")
		message, _ := m.OptString("message")
		return &UserException{Kind: kind, Message: message, Payload: m["payload"]}
	case wire.StatusUnknownException:
		message, _ := m.OptString("message")
		return &UnknownException{Message: message}
	default:
		return &UnknownException{Message: fmt.Sprintf("unexpected response status %s", status)}
	}
}
