package cache

import "errors"

var (
	// ErrInval is returned by Add when query does not validate.
	ErrInval = errors.New("cache: invalid query")
	// ErrExist is returned by Add when an entry already exists at this
	// fingerprint; this can only happen under flags.NoCacheLookup, since
	// otherwise a prior Lookup would have found and evicted it first.
	ErrExist = errors.New("cache: entry already exists")
	// ErrNotFound is returned by GetExpiration when there is no live
	// entry for query.
	ErrNotFound = errors.New("cache: not found")
)

// Status is the result of a Lookup call.
type Status int

const (
	// Found means ansOut now holds a cached answer.
	Found Status = iota
	// NotFound means the caller should query upstream and, on success,
	// call Add.
	NotFound
	// Unsupported means query cannot be cached (it failed validation, or
	// the cached answer did not fit in ansOut); the caller should query
	// upstream and must not call Add.
	Unsupported
	// Skip means the caller asked to bypass the cache entirely on both
	// read and write.
	Skip
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unsupported:
		return "unsupported"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}
