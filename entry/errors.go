package entry

import "fmt"

// Cancelled is returned by add_local/add_remote when the supplied
// version already appears in the entry's removed-version set: the
// message arrived late and is dropped rather than enqueued (spec.md §4.2
// "late-arrival policy").
type Cancelled struct {
	Key     Key
	Version fmt.Stringer
}

func (e Cancelled) Error() string {
	return fmt.Sprintf("candidate for %v with version %v already released (late arrival)", e.Key, e.Version)
}

// Removed is signalled when an operation targets an obsolete entry: the
// caller is expected to re-resolve the entry (it was evicted/rebalanced
// away) and retry.
type Removed struct {
	Key Key
}

func (e Removed) Error() string {
	return fmt.Sprintf("entry %v is obsolete, re-resolve and retry", e.Key)
}

// LockTimeout reports that a candidate never became owner before its
// timeout elapsed.
type LockTimeout struct {
	Key      Key
	ThreadID uint64
}

func (e LockTimeout) Error() string {
	return fmt.Sprintf("lock timeout for %v (thread %d)", e.Key, e.ThreadID)
}

// NotFound is returned when a candidate lookup misses.
type NotFound struct {
	Key Key
}

func (e NotFound) Error() string {
	return fmt.Sprintf("no matching candidate for %v", e.Key)
}
