// Package rusage implements the "Rusage interval" data model type (spec
// section 3): a mutex-guarded, write-once time_start plus the
// resource-usage snapshots taken at the start and end of a run. Used only
// for reporting.
package rusage

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Snapshot is a point-in-time resource-usage reading, trimmed to the
// fields this harness reports.
type Snapshot struct {
	Captured   time.Time
	UserTime   time.Duration
	SystemTime time.Duration
	MaxRSSKB   int64
}

// Now captures the calling process's resource usage via getrusage(2).
func Now() (Snapshot, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Captured:   time.Now(),
		UserTime:   time.Duration(ru.Utime.Nano()),
		SystemTime: time.Duration(ru.Stime.Nano()),
		MaxRSSKB:   int64(ru.Maxrss),
	}, nil
}

// Interval is the shared, process-wide record described by spec section 3
// and section 5: time_start is written exactly once, by whichever flow
// across any worker thread observes the first byte, guarded by a mutex;
// Start and End are written by the coordinator, once each, outside the
// worker fast path.
type Interval struct {
	mu        sync.Mutex
	started   bool
	timeStart time.Time
	Start     Snapshot
	End       Snapshot
}

// SetTimeStartOnce records t as the run's first-byte timestamp if no
// thread has already done so, returning whether this call won the race.
func (r *Interval) SetTimeStartOnce(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return false
	}
	r.started = true
	r.timeStart = t
	return true
}

// TimeStart returns the recorded first-byte timestamp, or the zero Time if
// no thread has observed one yet.
func (r *Interval) TimeStart() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeStart
}
