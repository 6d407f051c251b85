// Package accesslist gates the demo daemon's UDP front door by client
// source address, via a CIDR-ranger check run before a query reaches any
// resolver logic.
package accesslist

import (
	"net"

	"github.com/yl2chen/cidranger"
)

// List reports whether a client address is allowed to query the daemon.
// An empty list allows everyone.
type List struct {
	ranger cidranger.Ranger
	n      int
}

// New builds a List from a set of CIDR strings (e.g. "127.0.0.1/32",
// "10.0.0.0/8"). Malformed entries are skipped rather than rejected
// wholesale.
func New(cidrs []string) *List {
	l := &List{ranger: cidranger.NewPCTrieRanger()}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if err := l.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err == nil {
			l.n++
		}
	}
	return l
}

// Allowed reports whether ip may query the daemon.
func (l *List) Allowed(ip net.IP) bool {
	if l.n == 0 {
		return true
	}
	ok, _ := l.ranger.Contains(ip)
	return ok
}
