package fingerprint

import "github.com/miekg/dns"

// AnswerMinTTL returns the TTL the cache should store answer under. It
// parses answer with the standard RFC 1035 reader (github.com/miekg/dns)
// rather than the hand-rolled walker Validate uses, since this path runs
// once per upstream round trip, not once per lookup.
//
// If the answer section is non-empty, it returns the minimum TTL among the
// answer RRs. Otherwise it looks for SOA records in the authority section
// and returns the smallest of min(soa.Ttl, soa.Minttl) across them. It
// returns 0 (meaning: do not cache) if answer fails to parse, or neither
// case yields a TTL.
func AnswerMinTTL(answer []byte) uint32 {
	m := new(dns.Msg)
	if err := m.Unpack(answer); err != nil {
		return 0
	}

	if len(m.Answer) > 0 {
		min := m.Answer[0].Header().Ttl
		for _, rr := range m.Answer[1:] {
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
			}
		}
		return min
	}

	var min uint32
	found := false
	for _, rr := range m.Ns {
		soa, isSOA := rr.(*dns.SOA)
		if !isSOA {
			continue
		}
		ttl := soa.Hdr.Ttl
		if soa.Minttl < ttl {
			ttl = soa.Minttl
		}
		if !found || ttl < min {
			min = ttl
			found = true
		}
	}
	if !found {
		return 0
	}
	return min
}
