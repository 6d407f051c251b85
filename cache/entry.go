package cache

import "time"

// noEntry marks an empty bucket head or the absence of an MRU neighbor, the
// arena-index equivalent of a nil pointer: entries are addressed by small
// integer handles rather than intrusive pointers.
const noEntry = -1

// entry is one cache entry, owned by exactly one bucket chain and one slot
// in the MRU list.
type entry struct {
	hash      uint32
	canonical []byte // canonical projection of query, used for equality
	query     []byte // owned copy of the raw query bytes
	answer    []byte // owned copy of the raw answer bytes
	expiry    time.Time
	debugID   uint64

	bucket     int32 // which bucket this entry's chain lives in
	bucketNext int32 // next entry in the same bucket's collision chain

	mruPrev int32
	mruNext int32

	live bool // false once freed; guards against stale handles in buckets
}
