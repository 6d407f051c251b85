package fingerprint

// FNV-1a constants.
const (
	fnvPrime32 uint32 = 16777619
	fnvBasis32 uint32 = 2166136261
)

func fnv1aFold(h uint32, b byte) uint32 {
	h ^= uint32(b)
	h *= fnvPrime32
	return h
}

// Fingerprint computes the (hash32, canonical_bytes) pair for query. It
// returns ok=false if query is not cacheable (the caller should have
// already called Validate, but Fingerprint re-validates defensively since
// it must walk the packet anyway).
//
// The hash folds, in order: the RD bit, header byte 3 verbatim, every
// question's QNAME+TYPE+CLASS, and every additional record's NAME, TYPE,
// CLASS, TTL, RDLENGTH and RDATA. The transaction id and TC bit are
// excluded, so retransmissions and truncation do not change the key.
func Fingerprint(query []byte) (hash uint32, canonical []byte, ok bool) {
	p, st := parse(query)
	if st != OK {
		return 0, nil, false
	}

	// Worst case size: RD bit (1) + byte3 (1) + question/additional spans.
	size := 2
	for _, s := range p.questions {
		size += s.end - s.start
	}
	for _, s := range p.additional {
		size += s.end - s.start
	}
	canonical = make([]byte, 0, size)

	h := fnvBasis32

	rd := query[2] & flagRD
	canonical = append(canonical, rd)
	h = fnv1aFold(h, rd)

	b3 := query[3]
	canonical = append(canonical, b3)
	h = fnv1aFold(h, b3)

	for _, s := range p.questions {
		for _, b := range query[s.start:s.end] {
			canonical = append(canonical, b)
			h = fnv1aFold(h, b)
		}
	}

	for _, s := range p.additional {
		for _, b := range query[s.start:s.end] {
			canonical = append(canonical, b)
			h = fnv1aFold(h, b)
		}
	}

	return h, canonical, true
}

// Equal reports whether a and b are the same query for cache purposes: both
// must validate, and their canonical projections must match byte-for-byte.
func Equal(a, b []byte) bool {
	ha, ca, ok := Fingerprint(a)
	if !ok {
		return false
	}
	hb, cb, ok := Fingerprint(b)
	if !ok {
		return false
	}
	if ha != hb {
		return false
	}
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}
