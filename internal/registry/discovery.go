package registry

import (
	"context"

	"scopes/internal/logging"
	"scopes/internal/scope"
	"scopes/internal/scopesdir"
)

// Entry builds the metadata and launch recipe for a description. runner is
// the scope runner used when the description names none.
func (r *Registry) Entry(d *scopesdir.Description, runner string) (scope.Metadata, ExecData) {
	meta := scope.Metadata{
		ScopeID:        d.ScopeID,
		DisplayName:    d.DisplayName,
		Description:    d.Description,
		Author:         d.Author,
		Art:            optional(d.Art),
		Icon:           optional(d.Icon),
		SearchHint:     optional(d.SearchHint),
		HotKey:         optional(d.HotKey),
		Proxy:          r.mw.CreateProxy(d.ScopeID, r.mw.EndpointFor(d.ScopeID)),
		ScopeDirectory: d.Directory,
	}
	exec := ExecData{ScopeID: d.ScopeID, ExecutablePath: runner, ConfigFile: d.Path}
	if d.ScopeRunner != "" {
		exec.ExecutablePath = d.ScopeRunner
	}
	return meta, exec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return scope.Opt(s)
}

// AddDescriptions adds every description as a local scope and returns how
// many were new.
func (r *Registry) AddDescriptions(descs []*scopesdir.Description, runner string) int {
	added := 0
	for _, d := range descs {
		meta, exec := r.Entry(d, runner)
		ok, err := r.AddLocalScope(d.ScopeID, meta, &exec)
		if err != nil {
			r.logger.Debug("scope not added", logging.String("scope", d.ScopeID), logging.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// ConsumeEvents applies watcher events until events is closed or ctx ends.
func (r *Registry) ConsumeEvents(ctx context.Context, events <-chan scopesdir.Event, runner string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.apply(ev, runner)
		}
	}
}

func (r *Registry) apply(ev scopesdir.Event, runner string) {
	logger := r.logger.With(logging.String("scope", ev.ScopeID), logging.String("path", ev.Path))
	switch ev.Kind {
	case scopesdir.Added:
		if ev.Description == nil {
			return
		}
		meta, exec := r.Entry(ev.Description, runner)
		ok, err := r.AddLocalScope(ev.ScopeID, meta, &exec)
		if err != nil {
			logger.Debug("install ignored", logging.Error(err))
			return
		}
		if !ok {
			logger.Debug("install ignored; scope id already registered")
		}
	case scopesdir.Removed:
		if _, err := r.RemoveLocalScope(ev.ScopeID); err != nil {
			logger.Debug("uninstall ignored", logging.Error(err))
		}
	}
}
