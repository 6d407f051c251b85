// Package pdns implements the private DNS (DNS-over-TLS) tracker:
// per-network opportunistic/strict validation of upstream servers over
// TLS, with exponential backoff and a bounded validator pool.
package pdns

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/semihalev/resolvd/registry"
)

// Mode is a network's private DNS mode.
type Mode int

const (
	Off Mode = iota
	Opportunistic
	Strict
)

// ValidationState is a tracked server's current TLS validation outcome.
type ValidationState int

const (
	InProcess ValidationState = iota
	Success
	Fail
)

const (
	minBackoff = 60 * time.Second
	maxBackoff = 3600 * time.Second

	minConnectTimeout = 1000 * time.Millisecond

	strictPollInterval = 100 * time.Millisecond
	strictPollBudget   = 4200 * time.Millisecond

	maxRecentEvents = 16
)

// TLSValidator performs the actual TLS handshake-and-verify against one
// server; production code talks TLS for real, tests substitute a fake.
type TLSValidator interface {
	Validate(ctx context.Context, addr, sni string, caCert []byte, timeout time.Duration) error
}

// Outcome classifies how a TLSDispatcher.Exchange call ended, so Dispatch
// can decide whether to fall back to cleartext or hard-fail the query.
type Outcome int

const (
	// OutcomeSuccess means the query was exchanged and answered.
	OutcomeSuccess Outcome = iota
	// OutcomeNetworkError means the dial, handshake, or I/O itself failed
	// (refused, reset, timed out) — the server may still be reachable on
	// retry.
	OutcomeNetworkError
	// OutcomeInternalError means the dispatcher couldn't even attempt the
	// exchange, e.g. a malformed TLS configuration — not a property of the
	// network or the remote server.
	OutcomeInternalError
	// OutcomeLimitError means the dispatcher declined the exchange because
	// a local resource limit (e.g. too many concurrent TLS connections)
	// was hit.
	OutcomeLimitError
)

// TLSDispatcher sends one query over an already-validated TLS connection
// to a server.
type TLSDispatcher interface {
	Exchange(ctx context.Context, addr, sni string, query []byte) ([]byte, Outcome, error)
}

// EventListener is notified as validation events happen, for diagnostics
// (the debug/dump surface's PDNS event ring).
type EventListener interface {
	OnValidationEvent(netID registry.NetID, server string, state ValidationState)
}

type serverTracker struct {
	state       ValidationState
	nextAttempt time.Time
	backoff     time.Duration
}

type network struct {
	mode      Mode
	sni       string
	caCert    []byte
	connectTO time.Duration
	servers   map[string]*serverTracker
	events    []Event
}

// Event is one recorded validation outcome, newest last, for the debug
// surface's PDNS event log (mirrors the original PrivateDnsConfiguration's
// mObserver notifications).
type Event struct {
	Server string
	State  ValidationState
	At     time.Time
}

// Tracker owns every network's private DNS state.
type Tracker struct {
	mu       sync.Mutex
	nets     map[registry.NetID]*network
	validator TLSValidator
	dispatch TLSDispatcher
	listener EventListener

	startLimiter *rate.Limiter
	workers      *semaphore.Weighted

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	now   func() time.Time
	sleep func(time.Duration) <-chan time.Time
}

// New returns a Tracker that validates servers with validator and
// dispatches queries with dispatcher, running at most maxWorkers
// validations concurrently, throttled to startRate validation starts per
// second.
func New(validator TLSValidator, dispatcher TLSDispatcher, listener EventListener, maxWorkers int, startRate float64) *Tracker {
	if maxWorkers < 1 {
		maxWorkers = 4
	}
	if startRate <= 0 {
		startRate = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Tracker{
		nets:         make(map[registry.NetID]*network),
		validator:    validator,
		dispatch:     dispatcher,
		listener:     listener,
		startLimiter: rate.NewLimiter(rate.Limit(startRate), 1),
		workers:      semaphore.NewWeighted(int64(maxWorkers)),
		group:        group,
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
		sleep:        time.After,
	}
}

// Close cancels every in-flight and pending validation and waits for their
// goroutines to actually exit, giving the tracker a deterministic shutdown
// join instead of leaking goroutines past process teardown.
func (t *Tracker) Close() {
	t.cancel()
	_ = t.group.Wait()
}

// Set reconciles net's private DNS configuration.
//
// mode comes from the OS-level setting; it's independent of the server
// list itself (a caller can, in principle, ask for Strict with no
// servers configured yet — Dispatch will simply poll until the startup
// budget expires and then hard-fail). An empty server list forces Off
// regardless of the requested mode, since there's nothing to validate.
//
// connectTimeoutMs is clamped up to a 1000ms floor when the caller
// supplies something below it.
//
// Reconciliation is exact-equality based: if mode, servers, sni, and
// caCert are all identical to what's already tracked, nothing is touched
// (so a server mid-validation keeps running). Any change — even one
// server added — replaces the whole tracked set; a server with an
// in-flight validation at the moment of mutation is treated as having
// failed, not silently carried over, since honoring its now-stale
// in-flight state could validate it against parameters it was never
// actually checked against.
func (t *Tracker) Set(netID registry.NetID, mode Mode, servers []string, sniName string, caCert []byte, connectTimeoutMs int) {
	if len(servers) == 0 {
		mode = Off
	}
	connectTO := time.Duration(connectTimeoutMs) * time.Millisecond
	if connectTO <= 0 || connectTO < minConnectTimeout {
		connectTO = minConnectTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.nets[netID]
	if ok && existing.mode == mode && existing.sni == sniName && string(existing.caCert) == string(caCert) && sameServers(existing.servers, servers) {
		existing.connectTO = connectTO
		return
	}

	n := &network{
		mode:      mode,
		sni:       sniName,
		caCert:    caCert,
		connectTO: connectTO,
		servers:   make(map[string]*serverTracker),
	}
	for _, s := range servers {
		n.servers[s] = &serverTracker{state: InProcess}
	}
	t.nets[netID] = n

	for _, s := range servers {
		t.startValidation(netID, n, s)
	}
}

func sameServers(existing map[string]*serverTracker, servers []string) bool {
	if len(existing) != len(servers) {
		return false
	}
	for _, s := range servers {
		if _, ok := existing[s]; !ok {
			return false
		}
	}
	return true
}

// Clear drops net's private DNS state entirely; future queries fall back
// to cleartext as if private DNS had never been configured.
func (t *Tracker) Clear(netID registry.NetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nets, netID)
}

// GetStatus reports net's mode and the subset of its configured servers
// that have validated successfully.
func (t *Tracker) GetStatus(netID registry.NetID) (Mode, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nets[netID]
	if !ok {
		return Off, nil
	}
	var validated []string
	for addr, st := range n.servers {
		if st.state == Success {
			validated = append(validated, addr)
		}
	}
	return n.mode, validated
}

func (t *Tracker) startValidation(netID registry.NetID, n *network, addr string) {
	t.group.Go(func() error {
		ctx := t.ctx
		_ = t.startLimiter.Wait(ctx)
		if err := t.workers.Acquire(ctx, 1); err != nil {
			return nil
		}
		defer t.workers.Release(1)

		t.runValidation(ctx, netID, n, addr)
		return nil
	})
}

func (t *Tracker) runValidation(ctx context.Context, netID registry.NetID, n *network, addr string) {
	backoff := minBackoff
	for {
		err := t.validator.Validate(ctx, addr, n.sni, n.caCert, n.connectTO)

		t.mu.Lock()
		st, ok := n.servers[addr]
		if !ok || t.nets[netID] != n {
			t.mu.Unlock()
			return // superseded by a later Set call
		}
		if err == nil {
			st.state = Success
			st.backoff = 0
			t.recordEventLocked(n, addr, Success)
			t.mu.Unlock()
			t.notify(netID, addr, Success)
			return
		}
		st.state = Fail
		st.backoff = backoff
		t.recordEventLocked(n, addr, Fail)
		t.mu.Unlock()
		t.notify(netID, addr, Fail)

		select {
		case <-t.sleep(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		t.mu.Lock()
		_, stillTracked := n.servers[addr]
		stillTracked = stillTracked && t.nets[netID] == n
		t.mu.Unlock()
		if !stillTracked {
			return
		}
	}
}

// recordEventLocked appends to n's bounded event ring. Caller holds t.mu.
func (t *Tracker) recordEventLocked(n *network, addr string, state ValidationState) {
	n.events = append(n.events, Event{Server: addr, State: state, At: t.now()})
	if len(n.events) > maxRecentEvents {
		n.events = n.events[len(n.events)-maxRecentEvents:]
	}
}

// RecentEvents returns net's last few validation events, oldest first, for
// the debug/dump surface.
func (t *Tracker) RecentEvents(netID registry.NetID) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nets[netID]
	if !ok {
		return nil
	}
	return append([]Event(nil), n.events...)
}

func (t *Tracker) notify(netID registry.NetID, addr string, state ValidationState) {
	if t.listener != nil {
		t.listener.OnValidationEvent(netID, addr, state)
	}
}

// serverHash gives a stable, order-independent identity for a server set,
// used by diagnostics that want to recognize "this is the same set of
// servers I saw before" without comparing slices.
func serverHash(servers []string) uint64 {
	sorted := append([]string(nil), servers...)
	sortStrings(sorted)
	h := xxhash.New()
	for _, s := range sorted {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ServerSetHash exposes net's current tracked-server-set identity, for
// the debug/dump surface to report without leaking the full address list.
func (t *Tracker) ServerSetHash(netID registry.NetID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nets[netID]
	if !ok {
		return 0
	}
	addrs := make([]string, 0, len(n.servers))
	for a := range n.servers {
		addrs = append(addrs, a)
	}
	return serverHash(addrs)
}

// Dispatch sends query through net's private DNS tracker, gating the
// query path by mode:
//
//   - Off: always reports no dispatch, so the caller falls back to
//     cleartext.
//   - Opportunistic: dispatches over TLS to a validated server if one
//     exists; on a network_error or internal_error from the exchange
//     itself (not just an empty validated set) it also falls back to
//     cleartext, since opportunistic mode never hard-fails a query.
//   - Strict: polls for a validated server up to strictPollBudget; if one
//     never appears, returns ErrStrictUnreachable. Once a server is
//     reached, a network_error (or any other non-success outcome) is
//     surfaced as an error instead of falling back to cleartext — strict
//     mode never sends a query in the clear.
func (t *Tracker) Dispatch(ctx context.Context, netID registry.NetID, query []byte) (answer []byte, usedTLS bool, err error) {
	mode, validated := t.GetStatus(netID)

	switch mode {
	case Off:
		return nil, false, nil
	case Opportunistic:
		if len(validated) == 0 {
			return nil, false, nil
		}
		answer, outcome, _ := t.dispatchTo(ctx, netID, validated[0], query)
		if outcome != OutcomeSuccess {
			return nil, false, nil // fall back to cleartext
		}
		return answer, true, nil
	case Strict:
		deadline := t.now().Add(strictPollBudget)
		for {
			_, validated = t.GetStatus(netID)
			if len(validated) > 0 {
				answer, outcome, derr := t.dispatchTo(ctx, netID, validated[0], query)
				if outcome == OutcomeSuccess {
					return answer, true, nil
				}
				if derr == nil {
					derr = errStrictDispatchFailed
				}
				return nil, false, derr
			}
			if t.now().After(deadline) {
				return nil, false, ErrStrictUnreachable
			}
			select {
			case <-t.sleep(strictPollInterval):
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
	}
	return nil, false, nil
}

func (t *Tracker) dispatchTo(ctx context.Context, netID registry.NetID, addr string, query []byte) ([]byte, Outcome, error) {
	t.mu.Lock()
	n, ok := t.nets[netID]
	t.mu.Unlock()
	if !ok {
		return nil, OutcomeInternalError, ErrStrictUnreachable
	}
	answer, outcome, err := t.dispatch.Exchange(ctx, addr, n.sni, query)
	if outcome != OutcomeSuccess {
		return nil, outcome, err
	}
	return answer, OutcomeSuccess, nil
}
