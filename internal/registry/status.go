package registry

import (
	"context"
	"slices"
	"strings"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"

	"scopes/internal/logging"
	"scopes/internal/variant"
)

// ProcessInfo describes one running scope process.
type ProcessInfo struct {
	ScopeID    string
	PID        int
	Started    time.Time
	RSSBytes   uint64
	CPUPercent float64
}

// Processes samples every running scope process. Resource figures are left
// zero when the OS refuses to report them.
func (r *Registry) Processes(ctx context.Context) []ProcessInfo {
	r.mu.Lock()
	var out []ProcessInfo
	for id, e := range r.entries {
		if e.proc != nil && e.proc.running() {
			out = append(out, ProcessInfo{ScopeID: id, PID: e.proc.pid, Started: e.proc.started})
		}
	}
	r.mu.Unlock()

	for i := range out {
		p, err := psprocess.NewProcessWithContext(ctx, int32(out[i].PID))
		if err != nil {
			r.logger.Debug("process sample failed", logging.String("scope", out[i].ScopeID), logging.Error(err))
			continue
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			out[i].RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			out[i].CPUPercent = cpu
		}
	}
	slices.SortFunc(out, func(a, b ProcessInfo) int { return strings.Compare(a.ScopeID, b.ScopeID) })
	return out
}

func (p ProcessInfo) Serialize() variant.Map {
	return variant.Map{
		"scope_id":    variant.String(p.ScopeID),
		"pid":         variant.Int(int64(p.PID)),
		"started":     variant.Int(p.Started.Unix()),
		"rss_bytes":   variant.Int(int64(p.RSSBytes)),
		"cpu_percent": variant.Double(p.CPUPercent),
	}
}

func deserializeProcessInfo(m variant.Map) (ProcessInfo, error) {
	var p ProcessInfo
	var err error
	if p.ScopeID, err = m.String("scope_id"); err != nil {
		return ProcessInfo{}, err
	}
	pid, err := m.Int("pid")
	if err != nil {
		return ProcessInfo{}, err
	}
	p.PID = int(pid)
	if started, err := m.Int("started"); err == nil {
		p.Started = time.Unix(started, 0)
	}
	if rss, err := m.Int("rss_bytes"); err == nil && rss > 0 {
		p.RSSBytes = uint64(rss)
	}
	if v, ok := m["cpu_percent"]; ok {
		p.CPUPercent, _ = v.AsDouble()
	}
	return p, nil
}
