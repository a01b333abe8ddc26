package fsadapter

// The kernel bridge's callback surface includes operations this engine has
// no durable concept of: byte-range locking, arbitrary attribute/time
// setters, preallocation, flush, alternate data streams, and security
// descriptors. Each either no-ops (harmless to report success for) or
// returns ErrNotImplemented where silently succeeding would lie to the
// caller about capability.

// Lock and Unlock: no cross-process byte-range locking is implemented;
// single-writer semantics come from the write-buffer model instead.
func (a *Adapter) Lock(path string, offset, length int64) error   { return nil }
func (a *Adapter) Unlock(path string, offset, length int64) error { return nil }

// SetFileTimes is a no-op: timestamps are derived from index state, not
// settable by the caller.
func (a *Adapter) SetFileTimes(path string, created, accessed, modified int64) error {
	return nil
}

// SetAllocationSize is a no-op: the write buffer already grows to fit
// written bytes; there is no separate allocation concept to honor.
func (a *Adapter) SetAllocationSize(path string, size int64) error { return nil }

// Flush: writes are only durable after Cleanup's detached upload
// completes; there is no intermediate flush point to expose.
func (a *Adapter) Flush(path string) error { return nil }

// GetSecurityByName, SetSecurity: no ACL model exists. Reporting
// NotImplemented here is correct: silently succeeding would claim a
// security descriptor was applied when none was.
func (a *Adapter) GetSecurityByName(path string) error { return ErrNotImplemented }
func (a *Adapter) SetSecurity(path string) error       { return ErrNotImplemented }

// EnumerateStreams: alternate data streams are not modeled.
func (a *Adapter) EnumerateStreams(path string) error { return ErrNotImplemented }

// Mounted and Unmounted are lifecycle hooks with nothing to do beyond
// logging, handled by the caller that owns the Adapter's lifecycle.
func (a *Adapter) Mounted() error   { return nil }
func (a *Adapter) Unmounted() error { return nil }
