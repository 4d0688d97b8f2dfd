package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo describes a live process for the status command.
type ProcessInfo struct {
	PID     int
	Role    string
	Name    string
	RSS     uint64
	Threads int32
	Started time.Time
}

// String renders the process on one line.
func (p ProcessInfo) String() string {
	parts := []string{fmt.Sprintf("%s pid=%d", p.Role, p.PID)}
	if p.Name != "" {
		parts = append(parts, "name="+p.Name)
	}
	if p.RSS > 0 {
		parts = append(parts, "rss="+strings.ReplaceAll(humanize.Bytes(p.RSS), " ", ""))
	}
	if p.Threads > 0 {
		parts = append(parts, fmt.Sprintf("threads=%d", p.Threads))
	}
	if !p.Started.IsZero() {
		parts = append(parts, "started "+humanize.Time(p.Started))
	}
	return strings.Join(parts, " ")
}

// Inspect gathers details of the recorded processes. Processes that cannot
// be inspected are skipped.
func Inspect(ctx context.Context, st Status) []ProcessInfo {
	var out []ProcessInfo
	add := func(role string, pid int) {
		if pid <= 0 {
			return
		}
		if info, err := inspectProcess(ctx, role, pid); err == nil {
			out = append(out, info)
		}
	}
	add("master", st.MasterPID)
	add("manager", st.ManagerPID)

	if st.ManagerPID > 0 {
		if mgr, err := process.NewProcessWithContext(ctx, int32(st.ManagerPID)); err == nil {
			children, _ := mgr.ChildrenWithContext(ctx)
			for _, c := range children {
				add("worker", int(c.Pid))
			}
		}
	}
	return out
}

func inspectProcess(ctx context.Context, role string, pid int) (ProcessInfo, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessInfo{}, err
	}
	info := ProcessInfo{PID: pid, Role: role}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		info.Threads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info.Started = time.UnixMilli(ms)
	}
	return info, nil
}
