package registry

import (
	"context"
	"fmt"

	"scopes/internal/rpc"
	"scopes/internal/scope"
	"scopes/internal/variant"
)

// Identity is the identity the registry servant is published under.
const Identity = "Registry"

// Registry servant operations.
const (
	OpGetMetadata    = "get_metadata"
	OpList           = "list"
	OpLocate         = "locate"
	OpIsScopeRunning = "is_scope_running"
	OpProcesses      = "processes"
)

// Publish exposes r on its middleware's main adapter under Identity.
func Publish(r *Registry) (Proxy, error) {
	p, err := r.mw.Publish(rpc.MainAdapter, Identity, NewServant(r))
	if err != nil {
		return Proxy{}, err
	}
	return Proxy{Proxy: p}, nil
}

// NewServant returns the remote face of r.
func NewServant(r *Registry) rpc.Servant {
	s := &servant{r: r}
	return rpc.OperationTable{
		OpGetMetadata:    s.getMetadata,
		OpList:           s.list,
		OpLocate:         s.locate,
		OpIsScopeRunning: s.isScopeRunning,
		OpProcesses:      s.processes,
	}
}

type servant struct {
	r *Registry
}

func scopeIDParam(op string, params variant.Value) (string, error) {
	p, err := rpc.Params(params)
	if err != nil {
		return "", err
	}
	id, err := p.String("scope_id")
	if err != nil {
		return "", &rpc.ArgumentError{Op: "Registry::" + op + "()", Message: err.Error()}
	}
	return id, nil
}

func (s *servant) getMetadata(_ context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
	id, err := scopeIDParam(OpGetMetadata, params)
	if err != nil {
		return variant.Null(), err
	}
	meta, err := s.r.GetMetadata(id)
	if err != nil {
		return variant.Null(), err
	}
	return variant.FromMap(meta.Serialize()), nil
}

func (s *servant) list(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
	out := variant.Map{}
	for id, meta := range s.r.List() {
		out[id] = variant.FromMap(meta.Serialize())
	}
	return variant.FromMap(out), nil
}

func (s *servant) locate(ctx context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
	id, err := scopeIDParam(OpLocate, params)
	if err != nil {
		return variant.Null(), err
	}
	proxy, err := s.r.Locate(ctx, id)
	if err != nil {
		return variant.Null(), err
	}
	return variant.FromMap(proxy.Serialize()), nil
}

func (s *servant) isScopeRunning(_ context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
	id, err := scopeIDParam(OpIsScopeRunning, params)
	if err != nil {
		return variant.Null(), err
	}
	return variant.Bool(s.r.IsScopeProcessRunning(id)), nil
}

func (s *servant) processes(ctx context.Context, _ rpc.Current, _ variant.Value) (variant.Value, error) {
	var items []variant.Value
	for _, p := range s.r.Processes(ctx) {
		items = append(items, variant.FromMap(p.Serialize()))
	}
	return variant.FromSeq(items...), nil
}

// Proxy is the typed client of a registry servant.
type Proxy struct {
	rpc.Proxy
}

func scopeIDArg(scopeID string) variant.Value {
	return variant.FromMap(variant.Map{"scope_id": variant.String(scopeID)})
}

func (p Proxy) GetMetadata(ctx context.Context, scopeID string) (scope.Metadata, error) {
	out, err := p.Invoke(ctx, OpGetMetadata, scopeIDArg(scopeID), rpc.Idempotent())
	if err != nil {
		return scope.Metadata{}, err
	}
	m, err := out.AsMap()
	if err != nil {
		return scope.Metadata{}, fmt.Errorf("get_metadata: %w", err)
	}
	return scope.DeserializeMetadata(m, p.Middleware())
}

func (p Proxy) List(ctx context.Context) (map[string]scope.Metadata, error) {
	out, err := p.Invoke(ctx, OpList, variant.Null(), rpc.Idempotent())
	if err != nil {
		return nil, err
	}
	m, err := out.AsMap()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	result := make(map[string]scope.Metadata, len(m))
	for id, v := range m {
		mm, err := v.AsMap()
		if err != nil {
			return nil, fmt.Errorf("list: scope %s: %w", id, err)
		}
		meta, err := scope.DeserializeMetadata(mm, p.Middleware())
		if err != nil {
			return nil, fmt.Errorf("list: scope %s: %w", id, err)
		}
		result[id] = meta
	}
	return result, nil
}

// Locate may spawn the scope, so it is never retried. Callers should allow
// for the registry's locate timeout with rpc.WithTimeout.
func (p Proxy) Locate(ctx context.Context, scopeID string, opts ...rpc.InvokeOption) (scope.ScopeProxy, error) {
	out, err := p.Invoke(ctx, OpLocate, scopeIDArg(scopeID), opts...)
	if err != nil {
		return scope.ScopeProxy{}, err
	}
	m, err := out.AsMap()
	if err != nil {
		return scope.ScopeProxy{}, fmt.Errorf("locate: %w", err)
	}
	proxy, err := rpc.ProxyFromMap(m, p.Middleware())
	if err != nil {
		return scope.ScopeProxy{}, fmt.Errorf("locate: %w", err)
	}
	return scope.ScopeProxy{Proxy: proxy}, nil
}

func (p Proxy) IsScopeRunning(ctx context.Context, scopeID string) (bool, error) {
	out, err := p.Invoke(ctx, OpIsScopeRunning, scopeIDArg(scopeID), rpc.Idempotent())
	if err != nil {
		return false, err
	}
	return out.AsBool()
}

func (p Proxy) Processes(ctx context.Context) ([]ProcessInfo, error) {
	out, err := p.Invoke(ctx, OpProcesses, variant.Null(), rpc.Idempotent())
	if err != nil {
		return nil, err
	}
	seq, err := out.AsSeq()
	if err != nil {
		return nil, fmt.Errorf("processes: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(seq))
	for _, item := range seq {
		m, err := item.AsMap()
		if err != nil {
			return nil, fmt.Errorf("processes: %w", err)
		}
		info, err := deserializeProcessInfo(m)
		if err != nil {
			return nil, fmt.Errorf("processes: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
