// Package signals sends lifecycle messages to server processes.
package signals

import (
	"golang.org/x/sys/unix"
)

// Signal is a lifecycle message the control plane can send to a process.
type Signal int

const (
	// Probe tests liveness without side effects.
	Probe Signal = iota
	// Terminate asks the process to shut down.
	Terminate
	// Reload asks the process to restart its workers.
	Reload
)

func (s Signal) String() string {
	switch s {
	case Probe:
		return "probe"
	case Terminate:
		return "terminate"
	case Reload:
		return "reload"
	default:
		return "unknown"
	}
}

// Unix returns the OS signal carrying s.
func (s Signal) Unix() unix.Signal {
	switch s {
	case Terminate:
		return unix.SIGTERM
	case Reload:
		return unix.SIGUSR1
	default:
		return unix.Signal(0)
	}
}

// Port delivers signals to processes. A false result means the target is
// absent or already on its way out; callers must not treat it as anything
// more specific.
type Port interface {
	Signal(pid int, sig Signal) bool
	Probe(pid int) bool
}

// OSPort is the Port backed by kill(2).
type OSPort struct{}

// NewOSPort returns the operating system signal port.
func NewOSPort() OSPort { return OSPort{} }

// Signal reports whether the kernel accepted delivery. Non-positive PIDs are
// refused: kill(2) would address whole process groups.
func (OSPort) Signal(pid int, sig Signal) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, sig.Unix()) == nil
}

func (p OSPort) Probe(pid int) bool {
	return p.Signal(pid, Probe)
}
