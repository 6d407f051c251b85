// Package registry implements the per-network registry: it maps a network
// id to its cache, upstream servers, search domains, resolver params, and
// per-server statistics. A single Resolver value owns one Registry's
// network_id → NetworkState mapping, rather than reaching through a global
// linked list.
package registry

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/semihalev/resolvd/cache"
	"github.com/semihalev/resolvd/stats"
)

// NetID identifies one network, in the same sense the OS name-service
// layer's "netid" does.
type NetID int32

var (
	// ErrInval is returned when a call's arguments do not parse, e.g. a
	// non-numeric server address.
	ErrInval = errors.New("registry: invalid argument")
	// ErrNonet is returned for operations on an unregistered network id.
	ErrNonet = errors.New("registry: unknown network")
)

// Default platform caps, mirroring the resolv.conf-era MAXNS/MAXDNSRCH
// limits (max nameservers, max search domains).
const (
	MaxNS         = 4
	MaxDNSrch     = 6
	MaxDNSrchPath = 256
)

// Params holds one network's resolver parameters.
type Params struct {
	RetryCount        int
	BaseTimeoutMsec   int
	SampleValiditySec int
	SuccessThreshold  int // percent
	MinSamples        int
	MaxSamples        int
	// Subsampling maps an rcode to a denominator: only 1-in-N samples
	// with that rcode are recorded. A nil map means no subsampling.
	Subsampling map[int]int
}

// DefaultSubsampling mirrors the configuration oracle's default string,
// "default:1 0:100 7:10": record every sample by default, subsample
// NOERROR (rcode 0) 1-in-100 and YXDOMAIN (rcode 7) 1-in-10.
func DefaultSubsampling() map[int]int {
	return map[int]int{
		-1: 1,   // "default" bucket, keyed -1 since rcodes are >= 0
		0:  100,
		7:  10,
	}
}

func (p *Params) applyDefaults() {
	if p.RetryCount == 0 {
		p.RetryCount = 2
	}
	if p.BaseTimeoutMsec == 0 {
		p.BaseTimeoutMsec = 5000
	}
	if p.SampleValiditySec == 0 {
		p.SampleValiditySec = 1800
	}
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = 75
	}
	if p.MinSamples == 0 {
		p.MinSamples = 8
	}
	if p.MaxSamples == 0 {
		p.MaxSamples = 64
	}
	if p.Subsampling == nil {
		p.Subsampling = DefaultSubsampling()
	}
}

// ServerRecord is one upstream nameserver, in both its original textual
// form and its parsed numeric socket address.
type ServerRecord struct {
	Addr       string // exactly as configured, e.g. "192.0.2.1:53"
	Sock       net.Addr
	ednsBroken atomic.Bool
}

// MarkEDNS0Broken records that this server answered FORMERR to an EDNS0
// query. It persists for the process lifetime of this server record, not
// just the current query.
func (s *ServerRecord) MarkEDNS0Broken() { s.ednsBroken.Store(true) }

// IsEDNS0Broken reports whether MarkEDNS0Broken was ever called for this
// server.
func (s *ServerRecord) IsEDNS0Broken() bool { return s.ednsBroken.Load() }

// NetworkState is one network's full registry entry.
type NetworkState struct {
	ID NetID

	Cache *cache.Cache

	servers       []*ServerRecord
	searchDomains []string
	params        Params
	rings         []*stats.Ring
	revision      uint64
}

// ResState is the per-query snapshot handed to the send engine by
// Populate, mirroring the source's res_state server-list copy.
type ResState struct {
	NetID         NetID
	Servers       []*ServerRecord
	SearchDomains []string
	Params        Params
	Revision      uint64
	Rings         []*stats.Ring
}
