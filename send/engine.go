// Package send implements the send engine: it drives one query across a
// network's usable upstream servers, with per-attempt timeout scaling,
// UDP→TCP escalation on truncation, and a memory of which servers broke
// on EDNS0.
package send

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/resolvd/flags"
	"github.com/semihalev/resolvd/registry"
	"github.com/semihalev/resolvd/stats"
)

// minAttemptTimeout is the floor the per-attempt timeout formula never
// goes below, regardless of how aggressively it's scaled down by the
// server count.
const minAttemptTimeout = 1000 * time.Millisecond

// Result carries the winning server's index alongside its raw answer, so
// the caller (the cache, ultimately) can record stats and EDNS0 breakage
// against the right server.
type Result struct {
	Answer      []byte
	ServerIndex int
}

type connKey struct {
	net    registry.NetID
	server string
}

// Engine owns the lazily-created connected sockets for every
// (network, server) pair it has talked to, and the SocketTagger used to
// tag each one as it's opened.
type Engine struct {
	mu     sync.Mutex
	udp    map[connKey]*dns.Conn
	tagger SocketTagger
	now    func() time.Time
}

// New returns an Engine that tags every socket it opens with tagger. Pass
// NoopTagger{} if the embedder has no tagging hook.
func New(tagger SocketTagger) *Engine {
	if tagger == nil {
		tagger = NoopTagger{}
	}
	return &Engine{
		udp:    make(map[connKey]*dns.Conn),
		tagger: tagger,
		now:    time.Now,
	}
}

// Close releases every socket this engine has opened.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, c := range e.udp {
		c.Close()
		delete(e.udp, k)
	}
}

// Exchange drives query across net's usable servers and returns the first
// acceptable answer, applying the attempt-major/server-minor retry
// policy: for each attempt round, try every usable server once before
// starting the next round. query must already have passed the Packet
// Inspector.
func (e *Engine) Exchange(ctx context.Context, reg *registry.Registry, netID registry.NetID, query []byte, fl flags.Flags) (Result, error) {
	rs, err := reg.Populate(netID)
	if err != nil {
		return Result{}, err
	}
	if len(rs.Servers) == 0 {
		return Result{}, ErrNoServers
	}

	validity := time.Duration(rs.Params.SampleValiditySec) * time.Second
	usable := stats.Usable(rs.Rings, e.now(), validity, rs.Params.MinSamples, rs.Params.SuccessThreshold)

	if fl.Has(flags.NoRetry) {
		idx, ok := stats.SelectSingle(usable, queryID(query))
		if !ok {
			return Result{}, ErrNoServers
		}
		res, err := e.tryServer(ctx, reg, netID, rs, idx, 0, query)
		if errors.Is(err, errEDNS0Broken) {
			err = ErrTimeout
		}
		return res, err
	}

	attempted := 0
	refused := 0
	for round := 0; round < rs.Params.RetryCount; round++ {
		for i := range usable {
			if !usable[i] {
				continue
			}
			res, err := e.tryServer(ctx, reg, netID, rs, i, round, query)
			if err == nil {
				return res, nil
			}
			if errors.Is(err, errEDNS0Broken) {
				usable[i] = false // no point retrying this server until it's re-queried without EDNS0
				continue
			}
			attempted++
			if errors.Is(err, ErrConnRefused) {
				refused++
			}
		}
	}

	if attempted > 0 && refused == attempted {
		return Result{}, ErrConnRefused
	}
	return Result{}, ErrTimeout
}

// attemptTimeout computes the per-attempt timeout, scaled by the server's
// position in the configured list (serverIdx), not by the retry round:
// timeout_ms = max(1000, (base<<serverIdx) / (serverIdx==0 ? 1 : serverCount)).
func attemptTimeout(baseMsec, serverIdx, serverCount int) time.Duration {
	if serverCount < 1 {
		serverCount = 1
	}
	ms := baseMsec << serverIdx
	if serverIdx > 0 {
		ms /= serverCount
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minAttemptTimeout {
		return minAttemptTimeout
	}
	return d
}

// tryServer runs exactly one UDP attempt at idx, escalating to TCP
// in-place (without consuming another attempt) if the UDP reply truncates.
func (e *Engine) tryServer(ctx context.Context, reg *registry.Registry, netID registry.NetID, rs registry.ResState, idx, round int, query []byte) (Result, error) {
	server := rs.Servers[idx]
	timeout := attemptTimeout(rs.Params.BaseTimeoutMsec, idx, len(rs.Servers))

	start := e.now()
	answer, err := e.sendUDP(ctx, netID, server, query, timeout)
	if round == 0 {
		e.recordAttempt(reg, netID, rs.Revision, idx, answer, err, e.now().Sub(start))
	}
	if err != nil {
		return Result{}, classifyErr(err)
	}

	if isTruncated(answer) {
		answer, err = e.sendTCP(ctx, server.Addr, query, timeout)
		if err != nil {
			return Result{}, classifyErr(err)
		}
	}

	if formerrWithEDNS0(query, answer) {
		server.MarkEDNS0Broken()
		return Result{}, errEDNS0Broken
	}

	return Result{Answer: answer, ServerIndex: idx}, nil
}

// errEDNS0Broken marks a FORMERR given in response to an EDNS0 query: the
// server doesn't speak EDNS0, so retrying it with the same query is
// pointless until a future query omits the OPT record.
var errEDNS0Broken = errors.New("send: server rejected EDNS0 query")

func (e *Engine) recordAttempt(reg *registry.Registry, netID registry.NetID, revision uint64, idx int, answer []byte, sendErr error, rtt time.Duration) {
	rc := stats.Rcode(-1)
	if sendErr == nil && len(answer) >= 4 {
		rc = stats.Rcode(answer[3] & 0x0F)
	}
	reg.RecordSample(netID, revision, idx, e.now(), rc, rtt, uint64(e.now().UnixNano()))
}

func classifyErr(err error) error {
	if isConnRefused(err) {
		return ErrConnRefused
	}
	return ErrTimeout
}

func queryID(query []byte) uint16 {
	if len(query) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(query[:2])
}

func isTruncated(answer []byte) bool {
	if len(answer) < 3 {
		return false
	}
	return answer[2]&0x02 != 0 // TC bit
}

// formerrWithEDNS0 reports whether answer is a FORMERR in response to a
// query that carried an EDNS0 OPT record, the classic signature of an
// upstream resolver that doesn't understand EDNS0.
func formerrWithEDNS0(query, answer []byte) bool {
	if len(answer) < 4 || len(query) < 12 {
		return false
	}
	rcode := answer[3] & 0x0F
	if rcode != 1 { // FORMERR
		return false
	}
	arcount := int(query[10])<<8 | int(query[11])
	return arcount != 0
}
