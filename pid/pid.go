// Package pid persists the process identifiers of a running server so that
// short-lived control commands can find it.
//
// The registry is the only mutable state shared between the server and the
// control plane. Nothing guards two masters from writing concurrently: the
// supervisor's liveness check before start is the only exclusion, and a race
// between two simultaneous start invocations is an accepted limitation.
package pid

import (
	"context"
	"strconv"
	"strings"
)

// Record names a running server. A zero PID means absent. A present
// ManagerPID means the server runs in process mode.
type Record struct {
	MasterPID  int
	ManagerPID int
}

// HasMaster reports whether a master PID is recorded.
func (r Record) HasMaster() bool { return r.MasterPID > 0 }

// HasManager reports whether a manager PID is recorded.
func (r Record) HasManager() bool { return r.ManagerPID > 0 }

// Registry reads, writes and deletes the Record. Read never fails because a
// record is missing; it returns the zero Record instead.
type Registry interface {
	Read(ctx context.Context) (Record, error)
	Write(ctx context.Context, masterPID, managerPID int) error
	Delete(ctx context.Context) error
}

// parsePID returns 0 for empty or malformed values.
func parsePID(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func formatPID(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
