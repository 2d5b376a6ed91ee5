package redemptions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/kickapi"
)

type listFunc func(status string, call int) ([]core.Redemption, bool, error)

type fakeAPI struct {
	list      listFunc
	acceptErr error

	mu       sync.Mutex
	calls    map[string]int
	callAt   map[string][]time.Time
	accepted []string
}

func newFakeAPI(list listFunc) *fakeAPI {
	return &fakeAPI{list: list, calls: map[string]int{}, callAt: map[string][]time.Time{}}
}

func (f *fakeAPI) ListRedemptions(_ context.Context, status string) ([]core.Redemption, bool, error) {
	f.mu.Lock()
	f.calls[status]++
	n := f.calls[status]
	f.callAt[status] = append(f.callAt[status], time.Now())
	f.mu.Unlock()
	return f.list(status, n)
}

func (f *fakeAPI) AcceptRedemptions(_ context.Context, ids ...string) error {
	f.mu.Lock()
	f.accepted = append(f.accepted, ids...)
	f.mu.Unlock()
	return f.acceptErr
}

func (f *fakeAPI) pendingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[core.RedemptionPending]
}

func (f *fakeAPI) acceptedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

type recorder struct {
	mu   sync.Mutex
	seen []core.Redemption
	logs []string
}

func (r *recorder) onRedemption(red core.Redemption) {
	r.mu.Lock()
	r.seen = append(r.seen, red)
	r.mu.Unlock()
}

func (r *recorder) OnEvent(sev events.Severity, component, msg string) {
	r.mu.Lock()
	r.logs = append(r.logs, sev.String()+" "+msg)
	r.mu.Unlock()
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, red := range r.seen {
		out = append(out, red.ID)
	}
	return out
}

func (r *recorder) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.logs {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func red(id string) core.Redemption {
	return core.Redemption{ID: id, RewardTitle: "Hydrate", Redeemer: "viewer", Status: core.RedemptionPending}
}

func fastOptions(api API, rec *recorder) Options {
	return Options{
		API:            api,
		OnRedemption:   rec.onRedemption,
		Sink:           rec,
		BaseInterval:   10 * time.Millisecond,
		BurstInterval:  5 * time.Millisecond,
		RateLimitPause: 10 * time.Millisecond,
		SleepSlice:     5 * time.Millisecond,
	}
}

func runFor(t *testing.T, p *Poller, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, until, 3*time.Second, 5*time.Millisecond)
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop")
	}
}

func TestFirstScanSuppressedAndNewRedemptionDeliveredOnce(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status != core.RedemptionPending {
			return nil, false, nil
		}
		if call == 1 {
			return []core.Redemption{red("r1")}, false, nil
		}
		return []core.Redemption{red("r1"), red("r2")}, false, nil
	})
	rec := &recorder{}
	p, err := New(fastOptions(api, rec))
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 6 })

	require.Equal(t, []string{"r2"}, rec.ids())
	require.Eventually(t, func() bool { return len(api.acceptedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"r2"}, api.acceptedIDs())
}

func TestRedemptionMovingToFulfilledIsNotRedelivered(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		switch {
		case status == core.RedemptionPending && call == 2:
			return []core.Redemption{red("r5")}, false, nil
		case status == core.RedemptionFulfilled && call >= 3:
			r := red("r5")
			r.Status = core.RedemptionFulfilled
			return []core.Redemption{r}, false, nil
		}
		return nil, false, nil
	})
	rec := &recorder{}
	p, err := New(fastOptions(api, rec))
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 6 })
	require.Equal(t, []string{"r5"}, rec.ids())
}

func TestExternallyFulfilledIsReportedWithoutAccept(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status == core.RedemptionFulfilled && call >= 2 {
			return []core.Redemption{{ID: "f1", RewardTitle: "Song"}}, false, nil
		}
		return nil, false, nil
	})
	rec := &recorder{}
	p, err := New(fastOptions(api, rec))
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 5 })
	require.Equal(t, []string{"f1"}, rec.ids())
	rec.mu.Lock()
	require.Equal(t, core.RedemptionFulfilled, rec.seen[0].Status)
	rec.mu.Unlock()
	require.Empty(t, api.acceptedIDs())
}

func TestVisibleIDsAreNeverEvicted(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status != core.RedemptionPending {
			return nil, false, nil
		}
		if call == 1 {
			return []core.Redemption{red("keep")}, false, nil
		}
		return []core.Redemption{red("keep"), red("n" + strings.Repeat("x", call))}, false, nil
	})
	rec := &recorder{}
	opts := fastOptions(api, rec)
	opts.DedupSize = 2
	p, err := New(opts)
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 10 })
	for _, id := range rec.ids() {
		require.NotEqual(t, "keep", id)
	}
	require.NotEmpty(t, rec.ids())
}

func TestRateLimitPausesBeforeNextCycle(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status == core.RedemptionPending && call == 1 {
			return nil, true, nil
		}
		return nil, false, nil
	})
	rec := &recorder{}
	opts := fastOptions(api, rec)
	opts.RateLimitPause = 200 * time.Millisecond
	p, err := New(opts)
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 2 })

	api.mu.Lock()
	at := api.callAt[core.RedemptionPending]
	api.mu.Unlock()
	require.GreaterOrEqual(t, at[1].Sub(at[0]), 200*time.Millisecond)
	require.Equal(t, 1, rec.count("rate limited"))
}

func TestUnauthorizedLoggedAtMostOncePerWindow(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		return nil, false, &kickapi.Error{Kind: kickapi.Unauthorized, Op: "redemptions.list", Status: 401}
	})
	rec := &recorder{}
	p, err := New(fastOptions(api, rec))
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 5 })
	require.Equal(t, 1, rec.count("unauthorized"))
}

func TestAcceptFailureIsLoggedNotRetried(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status == core.RedemptionPending && call >= 2 {
			return []core.Redemption{red("r9")}, false, nil
		}
		return nil, false, nil
	})
	api.acceptErr = errors.New("boom")
	rec := &recorder{}
	p, err := New(fastOptions(api, rec))
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 6 })
	require.Eventually(t, func() bool { return rec.count("accept redemption r9") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"r9"}, api.acceptedIDs())
	require.Equal(t, []string{"r9"}, rec.ids())
}

func TestStopHonouredWithinSlice(t *testing.T) {
	api := newFakeAPI(func(string, int) ([]core.Redemption, bool, error) { return nil, false, nil })
	rec := &recorder{}
	p, err := New(Options{API: api, Sink: rec, BaseInterval: 10 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.Eventually(t, func() bool { return api.pendingCalls() >= 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
		require.Less(t, time.Since(start), 300*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatalf("poller did not honour stop")
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	api := newFakeAPI(func(string, int) ([]core.Redemption, bool, error) { return nil, false, nil })
	p, err := New(Options{API: api, BaseInterval: 10 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return api.pendingCalls() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop on cancel")
	}
}

func TestBurstIntervalAfterNewRedemption(t *testing.T) {
	api := newFakeAPI(func(status string, call int) ([]core.Redemption, bool, error) {
		if status == core.RedemptionPending && call >= 3 {
			return []core.Redemption{red("fresh")}, false, nil
		}
		return nil, false, nil
	})
	rec := &recorder{}
	opts := fastOptions(api, rec)
	opts.BaseInterval = 200 * time.Millisecond
	opts.BurstInterval = 20 * time.Millisecond
	p, err := New(opts)
	require.NoError(t, err)

	runFor(t, p, func() bool { return api.pendingCalls() >= 5 })

	api.mu.Lock()
	at := append([]time.Time(nil), api.callAt[core.RedemptionPending]...)
	api.mu.Unlock()
	require.GreaterOrEqual(t, len(at), 5)

	// Calls 1 and 2 find nothing new, call 3 finds "fresh", call 4 sees it again.
	require.GreaterOrEqual(t, at[1].Sub(at[0]), 200*time.Millisecond)
	require.GreaterOrEqual(t, at[2].Sub(at[1]), 200*time.Millisecond)
	burst := at[3].Sub(at[2])
	require.GreaterOrEqual(t, burst, 20*time.Millisecond)
	require.Less(t, burst, 150*time.Millisecond)
	require.GreaterOrEqual(t, at[4].Sub(at[3]), 200*time.Millisecond)
	require.Equal(t, []string{"fresh"}, rec.ids())
}
