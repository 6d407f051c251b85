package stats

import "time"

// Usable computes, for each ring in rings (index-aligned with the caller's
// server list), whether that server should be tried this round.
//
// A server is individually usable when it is probationary (fewer than
// minSamples fresh samples — always try) or its fresh success ratio meets
// successThresholdPct. If no server in the pool passes the success-ratio
// rule on its own, but at least one server has fresh samples at all, the
// whole pool fails open: every server becomes usable, since masking all of
// them out would leave nothing to try.
func Usable(rings []*Ring, now time.Time, validity time.Duration, minSamples, successThresholdPct int) []bool {
	fresh := make([][]Sample, len(rings))
	for i, r := range rings {
		if r == nil {
			continue
		}
		fresh[i] = r.Fresh(now, validity)
	}

	individual := make([]bool, len(rings))
	ruleBPass := make([]bool, len(rings))
	anyFresh := false

	for i, fs := range fresh {
		if len(fs) > 0 {
			anyFresh = true
		}
		probationary := len(fs) < minSamples
		meetsThreshold := len(fs) > 0 && successRatioPct(fs) >= successThresholdPct

		individual[i] = probationary || meetsThreshold
		ruleBPass[i] = meetsThreshold
	}

	anyRuleB := false
	for _, ok := range ruleBPass {
		if ok {
			anyRuleB = true
			break
		}
	}

	if !anyRuleB && anyFresh {
		out := make([]bool, len(rings))
		for i := range out {
			out[i] = true
		}
		return out
	}

	return individual
}

func successRatioPct(fs []Sample) int {
	if len(fs) == 0 {
		return 0
	}
	ok := 0
	for _, s := range fs {
		if s.Rcode.successful() {
			ok++
		}
	}
	return ok * 100 / len(fs)
}

// SelectSingle implements the flags.NoRetry deterministic pick: among the
// usable servers (in list order), choose the (queryID mod usable_count)-th
// one. It returns the chosen server's original index and true, or false if
// no server is usable.
func SelectSingle(usable []bool, queryID uint16) (index int, ok bool) {
	var usableIdx []int
	for i, u := range usable {
		if u {
			usableIdx = append(usableIdx, i)
		}
	}
	if len(usableIdx) == 0 {
		return 0, false
	}
	pick := int(queryID) % len(usableIdx)
	return usableIdx[pick], true
}
