// Package procinfo resolves and validates the (pid, start-time) tuples used
// as session owners, so that a crashed host process's sessions can be
// garbage collected.
package procinfo

// Owner identifies one host process attached to a session.
type Owner struct {
	PID       int32
	StartTime uint64
}

// Resolver looks up the current start-time for a pid, and reports whether
// the process is still the same process that originally attached (i.e. the
// pid has not been recycled).
type Resolver interface {
	// StartTime returns the kernel-reported start time of pid, and false if
	// the pid does not currently exist.
	StartTime(pid int32) (uint64, bool)
}

// IsAlive reports whether owner still refers to a live process: the pid
// must exist, and its current start-time must match the one recorded when
// the owner was attached: a process is considered dead when either the pid
// no longer exists or the stored start-time differs.
func IsAlive(r Resolver, owner Owner) bool {
	cur, ok := r.StartTime(owner.PID)
	if !ok {
		return false
	}
	return cur == owner.StartTime
}

// Current resolves the Owner (pid and start time) of the calling process,
// and false if r cannot resolve its start time.
func Current(r Resolver) (Owner, bool) {
	pid := int32(currentPID())
	st, ok := r.StartTime(pid)
	if !ok {
		return Owner{}, false
	}
	return Owner{PID: pid, StartTime: st}, true
}
