package scope

import (
	"fmt"

	"scopes/internal/rpc"
	"scopes/internal/variant"
)

// Metadata describes one installed scope. Optional fields are nil when unset.
type Metadata struct {
	ScopeID        string
	DisplayName    string
	Description    string
	Author         string
	Art            *string
	Icon           *string
	SearchHint     *string
	HotKey         *string
	Proxy          rpc.Proxy
	ScopeDirectory string
}

// Opt returns a pointer to s for populating optional fields.
func Opt(s string) *string {
	return &s
}

// Serialize converts m into a variant map. Unset optionals are omitted.
func (m Metadata) Serialize() variant.Map {
	out := variant.Map{
		"scope_id":     variant.String(m.ScopeID),
		"display_name": variant.String(m.DisplayName),
		"description":  variant.String(m.Description),
		"author":       variant.String(m.Author),
		"proxy":        variant.FromMap(m.Proxy.Serialize()),
	}
	putOpt(out, "art", m.Art)
	putOpt(out, "icon", m.Icon)
	putOpt(out, "search_hint", m.SearchHint)
	putOpt(out, "hot_key", m.HotKey)
	if m.ScopeDirectory != "" {
		out["scope_directory"] = variant.String(m.ScopeDirectory)
	}
	return out
}

func putOpt(out variant.Map, key string, value *string) {
	if value != nil {
		out[key] = variant.String(*value)
	}
}

// DeserializeMetadata rebuilds metadata serialized by Serialize. The proxy is
// bound to mw. A missing mandatory key is reported by name.
func DeserializeMetadata(v variant.Map, mw *rpc.Middleware) (Metadata, error) {
	var (
		m   Metadata
		err error
	)
	if m.ScopeID, err = v.String("scope_id"); err != nil {
		return Metadata{}, metadataError(err)
	}
	if m.ScopeID == "" {
		return Metadata{}, &rpc.ArgumentError{Op: "ScopeMetadata::deserialize()", Message: "scope_id cannot be empty"}
	}
	proxyMap, err := v.Map("proxy")
	if err != nil {
		return Metadata{}, metadataError(err)
	}
	if m.Proxy, err = rpc.ProxyFromMap(proxyMap, mw); err != nil {
		return Metadata{}, metadataError(err)
	}
	if m.DisplayName, err = v.String("display_name"); err != nil {
		return Metadata{}, metadataError(err)
	}
	if m.Description, err = v.String("description"); err != nil {
		return Metadata{}, metadataError(err)
	}
	if m.Author, err = v.String("author"); err != nil {
		return Metadata{}, metadataError(err)
	}
	m.Art = optString(v, "art")
	m.Icon = optString(v, "icon")
	m.SearchHint = optString(v, "search_hint")
	m.HotKey = optString(v, "hot_key")
	m.ScopeDirectory, _ = v.OptString("scope_directory")
	return m, nil
}

func optString(v variant.Map, key string) *string {
	if s, ok := v.OptString(key); ok {
		return &s
	}
	return nil
}

func metadataError(err error) error {
	return fmt.Errorf("ScopeMetadata::deserialize(): %w", err)
}

// Equal compares every field, including optional presence.
func (m Metadata) Equal(other Metadata) bool {
	return m.ScopeID == other.ScopeID &&
		m.DisplayName == other.DisplayName &&
		m.Description == other.Description &&
		m.Author == other.Author &&
		optEqual(m.Art, other.Art) &&
		optEqual(m.Icon, other.Icon) &&
		optEqual(m.SearchHint, other.SearchHint) &&
		optEqual(m.HotKey, other.HotKey) &&
		m.Proxy.Equal(other.Proxy) &&
		m.ScopeDirectory == other.ScopeDirectory
}

func optEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Clone returns a copy that shares no optional pointers with m.
func (m Metadata) Clone() Metadata {
	out := m
	out.Art = cloneOpt(m.Art)
	out.Icon = cloneOpt(m.Icon)
	out.SearchHint = cloneOpt(m.SearchHint)
	out.HotKey = cloneOpt(m.HotKey)
	return out
}

func cloneOpt(s *string) *string {
	if s == nil {
		return nil
	}
	return Opt(*s)
}
