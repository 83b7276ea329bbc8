package rpc

import (
	"context"

	"scopes/internal/variant"
	"scopes/internal/wire"
)

// Current describes the request being dispatched.
type Current struct {
	Identity   string
	Operation  string
	Mode       wire.Mode
	Adapter    string
	Middleware *Middleware
}

// Servant is a server-side object published under an identity.
//
// Dispatch runs on an adapter worker. Returning an error built from the
// taxonomy in this package (or a *UserException) reaches the caller as a
// user exception; any other error or a panic reaches it as UnknownException.
type Servant interface {
	Dispatch(ctx context.Context, cur Current, params variant.Value) (variant.Value, error)
}

// Operation handles a single named operation.
type Operation func(ctx context.Context, cur Current, params variant.Value) (variant.Value, error)

// OperationTable is a Servant that routes by operation name.
type OperationTable map[string]Operation

func (t OperationTable) Dispatch(ctx context.Context, cur Current, params variant.Value) (variant.Value, error) {
	op, ok := t[cur.Operation]
	if !ok {
		return variant.Null(), &OperationNotExistError{Identity: cur.Identity, Operation: cur.Operation}
	}
	return op(ctx, cur, params)
}

// Params returns params as a map, treating null as empty.
func Params(params variant.Value) (variant.Map, error) {
	if params.IsNull() {
		return variant.Map{}, nil
	}
	m, err := params.AsMap()
	if err != nil {
		return nil, &UserException{Kind: KindInvalidArgument, Message: "parameters must be a map"}
	}
	return m, nil
}
