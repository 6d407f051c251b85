// Package resolver is the facade: it wires the packet inspector, answer
// cache, network registry, send engine, and private DNS tracker behind the
// exact call surface a per-process Resolver value exposes to its embedder.
package resolver

import (
	"context"
	"errors"

	"github.com/semihalev/resolvd/cache"
	"github.com/semihalev/resolvd/fingerprint"
	"github.com/semihalev/resolvd/flags"
	"github.com/semihalev/resolvd/pdns"
	"github.com/semihalev/resolvd/registry"
	"github.com/semihalev/resolvd/send"
)

// Resolver owns the single network_id → NetworkState mapping for one
// process. Each Resolver value is independent, unlike a process-wide
// singleton.
type Resolver struct {
	registry *registry.Registry
	engine   *send.Engine
	pdns     *pdns.Tracker
}

// New wires up a Resolver. tagger may be nil (NoopTagger is used).
func New(tagger send.SocketTagger, validator pdns.TLSValidator, dispatcher pdns.TLSDispatcher, pdnsListener pdns.EventListener) *Resolver {
	return &Resolver{
		registry: registry.New(),
		engine:   send.New(tagger),
		pdns:     pdns.New(validator, dispatcher, pdnsListener, 8, 4),
	}
}

// Close releases the send engine's sockets and joins every in-flight
// private DNS validation goroutine before returning.
func (r *Resolver) Close() {
	r.engine.Close()
	r.pdns.Close()
}

// CacheLookup looks up query in net's cache, copying a hit into ansOut.
func (r *Resolver) CacheLookup(netID registry.NetID, query, ansOut []byte, fl flags.Flags) (int, cache.Status, error) {
	ns, ok := r.network(netID)
	if !ok {
		return 0, cache.NotFound, ENONET
	}
	if fingerprint.Validate(query) != fingerprint.OK {
		return 0, cache.Unsupported, nil
	}
	n, status := ns.Cache.Lookup(query, ansOut, fl)
	return n, status, nil
}

// CacheAdd inserts answer into net's cache under query's fingerprint.
func (r *Resolver) CacheAdd(netID registry.NetID, query, answer []byte) error {
	ns, ok := r.network(netID)
	if !ok {
		return ENONET
	}
	if err := ns.Cache.Add(query, answer); err != nil {
		if errors.Is(err, cache.ErrExist) {
			return EEXIST
		}
		return EINVAL
	}
	return nil
}

// CacheQueryFailed releases any pending cache waiters for query without
// caching a result.
func (r *Resolver) CacheQueryFailed(netID registry.NetID, query []byte, fl flags.Flags) error {
	ns, ok := r.network(netID)
	if !ok {
		return ENONET
	}
	ns.Cache.QueryFailed(query, fl)
	return nil
}

// RegistryCreate registers a new network.
func (r *Resolver) RegistryCreate(netID registry.NetID) { r.registry.Create(netID) }

// RegistryDestroy removes a network and clears any private DNS state
// tracked for it.
func (r *Resolver) RegistryDestroy(netID registry.NetID) {
	r.registry.Destroy(netID)
	r.pdns.Clear(netID)
}

// RegistryList returns the currently registered network ids.
func (r *Resolver) RegistryList() []registry.NetID { return r.registry.List() }

// RegistryHasNameservers reports whether net has at least one configured
// upstream server.
func (r *Resolver) RegistryHasNameservers(netID registry.NetID) bool {
	return r.registry.HasNameservers(netID)
}

// RegistrySetNameservers replaces net's upstream servers, search domains,
// and resolver params.
func (r *Resolver) RegistrySetNameservers(netID registry.NetID, servers, domains []string, params registry.Params) error {
	err := r.registry.SetNameservers(netID, servers, domains, params)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrInval):
		return EINVAL
	case errors.Is(err, registry.ErrNonet):
		return ENONET
	default:
		return EINVAL
	}
}

// RegistryPopulate returns a snapshot of net's servers, domains, params,
// and stats rings for the send engine to drive one query.
func (r *Resolver) RegistryPopulate(netID registry.NetID) (registry.ResState, error) {
	rs, err := r.registry.Populate(netID)
	if errors.Is(err, registry.ErrNonet) {
		return registry.ResState{}, ENONET
	}
	return rs, err
}

// SendNsend drives query across net's usable servers (going through the
// private DNS tracker first when one is configured), and on success mirrors
// the answer into net's cache exactly the way a real lookup would.
func (r *Resolver) SendNsend(ctx context.Context, netID registry.NetID, query []byte, fl flags.Flags) ([]byte, error) {
	if answer, usedTLS, err := r.pdns.Dispatch(ctx, netID, query); err != nil {
		if errors.Is(err, pdns.ErrStrictUnreachable) {
			return nil, ESRCH
		}
		return nil, ETIMEDOUT
	} else if usedTLS {
		r.mirrorToCache(netID, query, answer)
		return answer, nil
	}

	res, err := r.engine.Exchange(ctx, r.registry, netID, query, fl)
	switch {
	case err == nil:
		r.mirrorToCache(netID, query, res.Answer)
		return res.Answer, nil
	case errors.Is(err, send.ErrNoServers):
		return nil, ENONET
	case errors.Is(err, send.ErrConnRefused):
		return nil, ECONNREFUSED
	default:
		return nil, ETIMEDOUT
	}
}

func (r *Resolver) mirrorToCache(netID registry.NetID, query, answer []byte) {
	if len(answer) == 0 {
		return
	}
	ns, ok := r.network(netID)
	if !ok {
		return
	}
	_ = ns.Cache.Add(query, answer)
}

// PDNSSet configures net's private DNS mode and servers.
func (r *Resolver) PDNSSet(netID registry.NetID, mode pdns.Mode, servers []string, sniName string, caCert []byte, connectTimeoutMs int) {
	r.pdns.Set(netID, mode, servers, sniName, caCert, connectTimeoutMs)
}

// PDNSGetStatus returns net's private DNS mode and its currently validated
// servers.
func (r *Resolver) PDNSGetStatus(netID registry.NetID) (pdns.Mode, []string) {
	return r.pdns.GetStatus(netID)
}

// PDNSClear drops net's private DNS state.
func (r *Resolver) PDNSClear(netID registry.NetID) { r.pdns.Clear(netID) }

// PDNSRecentEvents exposes net's validation event log for a debug endpoint.
func (r *Resolver) PDNSRecentEvents(netID registry.NetID) []pdns.Event {
	return r.pdns.RecentEvents(netID)
}

// CacheSnapshot exposes net's cache rows for a debug endpoint.
func (r *Resolver) CacheSnapshot(netID registry.NetID) ([]cache.EntrySnapshot, error) {
	rows, err := r.registry.CacheSnapshot(netID)
	if errors.Is(err, registry.ErrNonet) {
		return nil, ENONET
	}
	return rows, err
}

func (r *Resolver) network(netID registry.NetID) (*registry.NetworkState, bool) {
	return r.registry.LookupState(netID)
}
