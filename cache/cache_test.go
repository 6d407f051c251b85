package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/resolvd/fingerprint"
	"github.com/semihalev/resolvd/flags"
)

func buildQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func buildAnswer(t *testing.T, query []byte, ttl uint32, ip string) []byte {
	t.Helper()
	q := new(dns.Msg)
	require.NoError(t, q.Unpack(query))

	m := new(dns.Msg)
	m.SetReply(q)
	rr, err := dns.NewRR(q.Question[0].Name + " " + itoa(ttl) + " IN A " + ip)
	require.NoError(t, err)
	m.Answer = []dns.RR{rr}

	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func TestAddThenLookup_ZeroTTLDoesNotCache(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 0, "1.2.3.4")

	require.NoError(t, c.Add(q, a))
	require.Equal(t, 0, c.Len())

	buf := make([]byte, 512)
	_, status := c.Lookup(q, buf, 0)
	require.Equal(t, NotFound, status)
}

func TestAddThenLookup_PositiveTTLCaches(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 60, "1.2.3.4")

	require.NoError(t, c.Add(q, a))
	require.Equal(t, 1, c.Len())

	buf := make([]byte, 512)
	n, status := c.Lookup(q, buf, 0)
	require.Equal(t, Found, status)
	require.Equal(t, a, buf[:n])
}

func TestLookup_UnsupportedOnMalformed(t *testing.T) {
	c := New(8, 0)
	buf := make([]byte, 512)
	_, status := c.Lookup([]byte{1, 2, 3}, buf, 0)
	require.Equal(t, Unsupported, status)
}

func TestLookup_ExpiredEntryIsRemoved(t *testing.T) {
	c := New(8, 0)
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 5, "1.2.3.4")
	require.NoError(t, c.Add(q, a))
	require.Equal(t, 1, c.Len())

	fakeNow = fakeNow.Add(10 * time.Second)

	buf := make([]byte, 512)
	_, status := c.Lookup(q, buf, 0)
	require.Equal(t, NotFound, status)
	require.Equal(t, 0, c.Len())
}

func TestLookup_BufferTooSmallIsUnsupported(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 60, "1.2.3.4")
	require.NoError(t, c.Add(q, a))

	buf := make([]byte, 2)
	_, status := c.Lookup(q, buf, 0)
	require.Equal(t, Unsupported, status)
}

func TestLookup_SkipFlagsBypassCacheEntirely(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 60, "1.2.3.4")
	require.NoError(t, c.Add(q, a))

	buf := make([]byte, 512)
	_, status := c.Lookup(q, buf, flags.NoCacheLookup|flags.NoCacheStore)
	require.Equal(t, Skip, status)

	_, status = c.Lookup(q, buf, flags.NoCacheLookup)
	require.Equal(t, NotFound, status)
}

func TestLookup_NoCacheStoreOnMissReturnsSkipWithoutRegisteringPending(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")

	buf := make([]byte, 512)
	_, status := c.Lookup(q, buf, flags.NoCacheStore)
	require.Equal(t, Skip, status)

	hash, _, ok := fingerprint.Fingerprint(q)
	require.True(t, ok)
	c.mu.Lock()
	_, pending := c.pending[hash]
	c.mu.Unlock()
	require.False(t, pending, "no-cache-store miss must not register a pending waiter")

	// A normal duplicate lookup right after must not block on a leftover
	// pending record.
	done := make(chan Status, 1)
	go func() {
		_, s := c.Lookup(q, buf, 0)
		done <- s
	}()
	select {
	case s := <-done:
		require.Equal(t, NotFound, s)
	case <-time.After(time.Second):
		t.Fatal("lookup blocked on a pending record left by a no-cache-store miss")
	}
}

func TestAdd_DuplicateUnderNoCacheLookupReturnsExistAndWakesWaiters(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 60, "1.2.3.4")
	require.NoError(t, c.Add(q, a))

	// Register a pending waiter manually, as a concurrent duplicate lookup
	// would, to prove Add still wakes it even though it returns ErrExist.
	hash, _, ok := fingerprint.Fingerprint(q)
	require.True(t, ok)

	c.mu.Lock()
	p := &pendingEntry{done: make(chan struct{})}
	c.pending[hash] = p
	c.mu.Unlock()

	err := c.Add(q, a)
	require.ErrorIs(t, err, ErrExist)

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("Add under duplicate fingerprint did not wake pending waiter")
	}
}

func TestLookup_DedupConcurrentMiss(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")
	a := buildAnswer(t, q, 60, "1.2.3.4")

	var wg sync.WaitGroup
	results := make([]Status, 2)

	buf1 := make([]byte, 512)
	buf2 := make([]byte, 512)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = c.Lookup(q, buf1, 0)
	}()

	// Give the first goroutine a head start so it registers the pending
	// record before the second one looks up.
	time.Sleep(20 * time.Millisecond)

	go func() {
		defer wg.Done()
		_, results[1] = c.Lookup(q, buf2, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Add(q, a))

	wg.Wait()

	require.Equal(t, NotFound, results[0])
	require.Equal(t, Found, results[1])
	require.Equal(t, a, buf2[:len(a)])
}

func TestFlush_WakesPendingWaiters(t *testing.T) {
	c := New(8, 0)
	q := buildQuery(t, "hello.example.com.")

	done := make(chan Status, 1)
	buf := make([]byte, 512)

	go func() {
		_, status := c.Lookup(q, buf, 0)
		done <- status
	}()

	time.Sleep(20 * time.Millisecond)
	c.Flush()

	select {
	case status := <-done:
		require.Equal(t, NotFound, status)
	case <-time.After(time.Second):
		t.Fatal("flush did not wake pending waiter")
	}
}

func TestLookup_TimesOutAndIncrementsCounter(t *testing.T) {
	c := New(8, 0)
	c.waitTimeout = 30 * time.Millisecond
	q := buildQuery(t, "hello.example.com.")

	buf := make([]byte, 512)
	_, status := c.Lookup(q, buf, 0) // registers pending
	require.Equal(t, NotFound, status)

	// Second lookup waits on the still-pending record and should time out.
	_, status = c.Lookup(q, buf, 0)
	require.Equal(t, NotFound, status)
	require.Equal(t, uint64(1), c.TimeoutWaitCount())
}

func TestEviction_MRUTailIsDroppedWhenFull(t *testing.T) {
	c := New(2, 0)

	q1 := buildQuery(t, "first.example.com.")
	q2 := buildQuery(t, "second.example.com.")
	q3 := buildQuery(t, "third.example.com.")

	require.NoError(t, c.Add(q1, buildAnswer(t, q1, 300, "1.1.1.1")))
	require.NoError(t, c.Add(q2, buildAnswer(t, q2, 300, "2.2.2.2")))
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Add(q3, buildAnswer(t, q3, 300, "3.3.3.3")))
	require.Equal(t, 2, c.Len())

	buf := make([]byte, 512)
	_, status := c.Lookup(q1, buf, 0)
	require.Equal(t, NotFound, status, "oldest entry should have been evicted")

	_, status = c.Lookup(q3, buf, 0)
	require.Equal(t, Found, status)
}

func TestSnapshot_ReturnsLiveEntriesMostRecentFirst(t *testing.T) {
	c := New(4, 0)

	q1 := buildQuery(t, "first.example.com.")
	q2 := buildQuery(t, "second.example.com.")
	require.NoError(t, c.Add(q1, buildAnswer(t, q1, 300, "1.1.1.1")))
	require.NoError(t, c.Add(q2, buildAnswer(t, q2, 300, "2.2.2.2")))

	rows := c.Snapshot()
	require.Len(t, rows, 2)
	require.True(t, rows[0].DebugID > rows[1].DebugID, "most recently added entry should be first")
}
