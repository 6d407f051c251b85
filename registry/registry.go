package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/semihalev/resolvd/cache"
	"github.com/semihalev/resolvd/stats"
)

// Registry owns the network_id → NetworkState mapping. A Resolver value
// holds its own Registry, so multiple resolvers (e.g. in tests) never
// share state the way a process-global singleton would.
type Registry struct {
	mu   sync.RWMutex
	nets map[NetID]*NetworkState
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{nets: make(map[NetID]*NetworkState)}
}

// Create registers net, allocating its cache and an empty server list. It
// is a no-op, not an error, if the network is already registered — callers
// (e.g. a netlink-driven watcher re-announcing an interface) are expected
// to call Create liberally.
func (r *Registry) Create(id NetID) *NetworkState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := r.nets[id]; ok {
		return ns
	}
	ns := &NetworkState{
		ID:    id,
		Cache: cache.New(cache.DefaultCapacity, cache.DefaultBuckets),
	}
	ns.params.applyDefaults()
	r.nets[id] = ns
	return ns
}

// Destroy removes a network and everything associated with it. Lookups
// against it afterward report ErrNonet.
func (r *Registry) Destroy(id NetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nets, id)
}

// List returns the currently registered network ids, in no particular
// order.
func (r *Registry) List() []NetID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NetID, 0, len(r.nets))
	for id := range r.nets {
		out = append(out, id)
	}
	return out
}

// LookupState returns net's NetworkState directly, for callers (the
// resolver facade) that need its cache alongside the registry's own
// bookkeeping.
func (r *Registry) LookupState(id NetID) (*NetworkState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.nets[id]
	return ns, ok
}

// HasNameservers reports whether net is registered and has at least one
// configured upstream server.
func (r *Registry) HasNameservers(id NetID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.nets[id]
	if !ok {
		return false
	}
	return len(ns.servers) > 0
}

// SetNameservers replaces net's upstream servers, search domains, and
// params.
//
// Every server address must be numeric (a literal IP:port); if any one of
// them fails to parse, the whole call is rejected with ErrInval and net's
// existing configuration is left untouched: parse everything first, commit
// nothing on the first bad entry.
//
// The server list is replaced wholesale unless the new set is identical to
// the old one (order-insensitive): in that case existing stats survive,
// unless MaxSamples also changed, which still clears them and bumps the
// revision even though the servers didn't move.
func (r *Registry) SetNameservers(id NetID, serverAddrs, domains []string, params Params) error {
	parsed, err := parseServers(serverAddrs)
	if err != nil {
		return err
	}
	params.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.nets[id]
	if !ok {
		return fmt.Errorf("registry: %w: net %d", ErrNonet, id)
	}

	sameSet := sameServerSet(ns.servers, parsed)
	sameMax := ns.params.MaxSamples == params.MaxSamples

	switch {
	case sameSet && sameMax:
		// Servers and ring sizing unchanged: keep every ring's history.
	case sameSet && !sameMax:
		resizeRings(ns, len(parsed), params.MaxSamples)
		ns.revision++
	default:
		ns.servers = parsed
		ns.rings = make([]*stats.Ring, len(parsed))
		for i := range ns.rings {
			ns.rings[i] = stats.NewRing(params.MaxSamples)
		}
		ns.revision++
	}

	ns.params = params
	ns.searchDomains = dedupDomains(domains)
	return nil
}

func resizeRings(ns *NetworkState, n, maxSamples int) {
	ns.rings = make([]*stats.Ring, n)
	for i := range ns.rings {
		ns.rings[i] = stats.NewRing(maxSamples)
	}
}

// Populate returns a snapshot of net's current servers, domains, params,
// and stats rings for the send engine to drive one query. It returns
// ErrNonet if net isn't registered.
func (r *Registry) Populate(id NetID) (ResState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.nets[id]
	if !ok {
		return ResState{}, fmt.Errorf("registry: %w: net %d", ErrNonet, id)
	}
	return ResState{
		NetID:         id,
		Servers:       ns.servers,
		SearchDomains: ns.searchDomains,
		Params:        ns.params,
		Revision:      ns.revision,
		Rings:         ns.rings,
	}, nil
}

// Params returns net's current resolver params.
func (r *Registry) Params(id NetID) (Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.nets[id]
	if !ok {
		return Params{}, fmt.Errorf("registry: %w: net %d", ErrNonet, id)
	}
	return ns.params, nil
}

// Revision returns net's current server-list revision id, used to discard
// stats samples recorded against a stale server list.
func (r *Registry) Revision(id NetID) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.nets[id]
	if !ok {
		return 0, fmt.Errorf("registry: %w: net %d", ErrNonet, id)
	}
	return ns.revision, nil
}

// CacheSnapshot returns net's cache entries for debug introspection,
// mirroring the original netd's resolv_cache_dump.
func (r *Registry) CacheSnapshot(id NetID) ([]cache.EntrySnapshot, error) {
	r.mu.RLock()
	ns, ok := r.nets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: %w: net %d", ErrNonet, id)
	}
	return ns.Cache.Snapshot(), nil
}

func parseServers(addrs []string) ([]*ServerRecord, error) {
	if len(addrs) > MaxNS {
		addrs = addrs[:MaxNS]
	}
	out := make([]*ServerRecord, 0, len(addrs))
	for _, a := range addrs {
		sock, err := parseNumericAddr(a)
		if err != nil {
			return nil, fmt.Errorf("registry: %w: server %q: %v", ErrInval, a, err)
		}
		out = append(out, &ServerRecord{Addr: a, Sock: sock})
	}
	return out, nil
}

// parseNumericAddr parses host:port without ever touching the resolver:
// the host part must already be a literal IP address.
func parseNumericAddr(addr string) (net.Addr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not a numeric address: %q", host)
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return nil, fmt.Errorf("bad port %q", port)
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}

func sameServerSet(old, updated []*ServerRecord) bool {
	if len(old) != len(updated) {
		return false
	}
	seen := make(map[string]int, len(old))
	for _, s := range old {
		seen[s.Addr]++
	}
	for _, s := range updated {
		if seen[s.Addr] == 0 {
			return false
		}
		seen[s.Addr]--
	}
	return true
}

// RecordSample records one attempt outcome against net's server at
// serverIdx, subject to two checks: the sample is silently dropped if
// revision no longer matches net's current server-list revision (the
// server list moved under the in-flight query), and it is subsampled per
// params.Subsampling so a busy resolver doesn't spend all its stats-ring
// capacity on one rcode.
//
// counter supplies the value used to decide which 1-in-N samples survive
// subsampling (a sample is kept when counter%N == 0). This package never
// reads the clock or math/rand for it, so a fixed counter gives
// reproducible results under test; the send engine passes wall-clock
// nanoseconds.
func (r *Registry) RecordSample(id NetID, revision uint64, serverIdx int, now time.Time, rc stats.Rcode, rtt time.Duration, counter uint64) {
	// Ring isn't concurrency-safe on its own (see stats.Ring), so two
	// concurrent first-attempt samples against the same server must be
	// serialized here rather than merely guarding the map lookup.
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.nets[id]
	if !ok || revision != ns.revision {
		return
	}
	if serverIdx < 0 || serverIdx >= len(ns.rings) {
		return
	}
	if !shouldSample(ns.params.Subsampling, int(rc), counter) {
		return
	}
	ns.rings[serverIdx].Record(now, rc, rtt)
}

func shouldSample(subsampling map[int]int, rcode int, counter uint64) bool {
	denom, ok := subsampling[rcode]
	if !ok {
		denom, ok = subsampling[-1]
	}
	if !ok || denom <= 1 {
		return true
	}
	return counter%uint64(denom) == 0
}

func dedupDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		if len(d) > MaxDNSrchPath-1 {
			d = d[:MaxDNSrchPath-1]
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
		if len(out) == MaxDNSrch {
			break
		}
	}
	return out
}
