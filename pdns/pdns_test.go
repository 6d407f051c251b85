package pdns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	mu     sync.Mutex
	fail   map[string]bool
	calls  map[string]int
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{fail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeValidator) Validate(_ context.Context, addr, _ string, _ []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr]++
	if f.fail[addr] {
		return errors.New("fake: handshake failed")
	}
	return nil
}

func (f *fakeValidator) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

type fakeDispatcher struct {
	answer  []byte
	err     error
	outcome Outcome
}

func (f fakeDispatcher) Exchange(_ context.Context, _, _ string, _ []byte) ([]byte, Outcome, error) {
	if f.err != nil {
		outcome := f.outcome
		if outcome == OutcomeSuccess {
			outcome = OutcomeNetworkError
		}
		return nil, outcome, f.err
	}
	return f.answer, OutcomeSuccess, nil
}

func immediateSleep(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newTestTracker(v TLSValidator, d TLSDispatcher) *Tracker {
	tr := New(v, d, nil, 4, 1000)
	tr.sleep = immediateSleep
	return tr
}

func TestSet_StartsValidationAndReachesSuccess(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)

	require.Eventually(t, func() bool {
		mode, validated := tr.GetStatus(1)
		return mode == Opportunistic && len(validated) == 1
	}, time.Second, time.Millisecond)
}

func TestSet_EmptyServerListIsOffMode(t *testing.T) {
	tr := newTestTracker(newFakeValidator(), fakeDispatcher{})
	tr.Set(1, Opportunistic, nil, "", nil, 0)

	mode, validated := tr.GetStatus(1)
	require.Equal(t, Off, mode)
	require.Empty(t, validated)
}

func TestSet_ReconciliationIsNoopOnExactMatch(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	calls := v.callCount("10.0.0.1:853")
	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, v.callCount("10.0.0.1:853"), "unchanged config should not re-validate")
}

func TestSet_ChangedServersResetsTracking(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	tr.Set(1, Opportunistic, []string{"10.0.0.2:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1 && validated[0] == "10.0.0.2:853"
	}, time.Second, time.Millisecond)
}

func TestDispatch_OffModeFallsBackToCleartext(t *testing.T) {
	tr := newTestTracker(newFakeValidator(), fakeDispatcher{})
	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.False(t, usedTLS)
	require.Nil(t, answer)
}

func TestDispatch_OpportunisticFallsBackWhenNoneValidated(t *testing.T) {
	v := newFakeValidator()
	v.fail["10.0.0.1:853"] = true
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	time.Sleep(20 * time.Millisecond)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.False(t, usedTLS)
	require.Nil(t, answer)
}

func TestDispatch_OpportunisticUsesValidatedServer(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{answer: []byte("answer")})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.True(t, usedTLS)
	require.Equal(t, []byte("answer"), answer)
}

func TestGetStatus_UnknownNetworkIsOff(t *testing.T) {
	tr := newTestTracker(newFakeValidator(), fakeDispatcher{})
	mode, validated := tr.GetStatus(42)
	require.Equal(t, Off, mode)
	require.Empty(t, validated)
}

func TestDispatch_StrictTimesOutWithoutFallbackWhenUnreachable(t *testing.T) {
	v := newFakeValidator()
	v.fail["10.0.0.1:853"] = true
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Strict, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	time.Sleep(20 * time.Millisecond)

	_, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.ErrorIs(t, err, ErrStrictUnreachable)
	require.False(t, usedTLS)
}

func TestRecentEvents_RecordsSuccessAndFailure(t *testing.T) {
	v := newFakeValidator()
	v.fail["10.0.0.1:853"] = true
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		return len(tr.RecentEvents(1)) > 0
	}, time.Second, time.Millisecond)

	events := tr.RecentEvents(1)
	require.NotEmpty(t, events)
	for _, ev := range events {
		require.Equal(t, "10.0.0.1:853", ev.Server)
		require.Equal(t, Fail, ev.State)
	}
}

func TestClose_JoinsValidationGoroutines(t *testing.T) {
	v := newFakeValidator()
	v.fail["10.0.0.1:853"] = true
	tr := newTestTracker(v, fakeDispatcher{})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not join validation goroutines in time")
	}
}

func TestDispatch_OpportunisticFallsBackOnNetworkErrorFromValidatedServer(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{err: errors.New("fake: connection reset"), outcome: OutcomeNetworkError})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.False(t, usedTLS)
	require.Nil(t, answer)
}

func TestDispatch_OpportunisticFallsBackOnInternalErrorFromValidatedServer(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{err: errors.New("fake: bad tls config"), outcome: OutcomeInternalError})

	tr.Set(1, Opportunistic, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.False(t, usedTLS)
	require.Nil(t, answer)
}

func TestDispatch_StrictSurfacesNetworkErrorWithoutCleartextFallback(t *testing.T) {
	v := newFakeValidator()
	wantErr := errors.New("fake: connection reset")
	tr := newTestTracker(v, fakeDispatcher{err: wantErr, outcome: OutcomeNetworkError})

	tr.Set(1, Strict, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)
	require.Eventually(t, func() bool {
		_, validated := tr.GetStatus(1)
		return len(validated) == 1
	}, time.Second, time.Millisecond)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.ErrorIs(t, err, wantErr)
	require.False(t, usedTLS)
	require.Nil(t, answer)
}

func TestDispatch_StrictSucceedsOnceAServerValidates(t *testing.T) {
	v := newFakeValidator()
	tr := newTestTracker(v, fakeDispatcher{answer: []byte("answer")})

	tr.Set(1, Strict, []string{"10.0.0.1:853"}, "dns.example.com", nil, 500)

	answer, usedTLS, err := tr.Dispatch(context.Background(), 1, []byte("query"))
	require.NoError(t, err)
	require.True(t, usedTLS)
	require.Equal(t, []byte("answer"), answer)
}
