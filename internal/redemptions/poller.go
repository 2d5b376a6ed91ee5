// Package redemptions polls the rewards API for new redemptions, reports each
// one once and auto-fulfils pending ones.
package redemptions

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/you/kickmonitor/internal/core"
	"github.com/you/kickmonitor/internal/events"
	"github.com/you/kickmonitor/internal/kickapi"
	"github.com/you/kickmonitor/internal/metrics"
)

const (
	DefaultBaseInterval   = 1500 * time.Millisecond
	DefaultBurstInterval  = 500 * time.Millisecond
	DefaultRateLimitPause = 5 * time.Second
	DefaultDedupSize      = 4096

	component         = "redemptions"
	sleepSlice        = 100 * time.Millisecond
	acceptTimeout     = 10 * time.Second
	unauthorizedQuiet = 30 * time.Second
)

var statuses = []string{core.RedemptionPending, core.RedemptionFulfilled}

// API is the subset of the REST client the poller needs.
type API interface {
	ListRedemptions(ctx context.Context, status string) ([]core.Redemption, bool, error)
	AcceptRedemptions(ctx context.Context, ids ...string) error
}

type Options struct {
	API            API
	OnRedemption   func(core.Redemption)
	Sink           events.Sink
	Metrics        *metrics.Metrics
	BaseInterval   time.Duration
	BurstInterval  time.Duration
	RateLimitPause time.Duration
	DedupSize      int
	// SleepSlice bounds how long a stop request can go unnoticed.
	SleepSlice time.Duration
}

type Poller struct {
	api          API
	onRedemption func(core.Redemption)
	sink         events.Sink
	metrics      *metrics.Metrics
	base         time.Duration
	burst        time.Duration
	pause        time.Duration
	slice        time.Duration

	seen   *lru.Cache[string, struct{}]
	primed map[string]bool

	stopped  atomic.Bool
	authWarn rate.Sometimes
}

func New(opts Options) (*Poller, error) {
	if opts.API == nil {
		return nil, errors.New("redemptions: api is required")
	}
	size := opts.DedupSize
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("redemptions: dedup set: %w", err)
	}
	p := &Poller{
		api:          opts.API,
		onRedemption: opts.OnRedemption,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		base:         orDefault(opts.BaseInterval, DefaultBaseInterval),
		burst:        orDefault(opts.BurstInterval, DefaultBurstInterval),
		pause:        orDefault(opts.RateLimitPause, DefaultRateLimitPause),
		slice:        orDefault(opts.SleepSlice, sleepSlice),
		seen:         seen,
		primed:       make(map[string]bool, len(statuses)),
		authWarn:     rate.Sometimes{Interval: unauthorizedQuiet},
	}
	if p.sink == nil {
		p.sink = events.Discard
	}
	if p.onRedemption == nil {
		p.onRedemption = func(core.Redemption) {}
	}
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Stop asks Run to return. It takes effect within one sleep slice.
func (p *Poller) Stop() {
	p.stopped.Store(true)
}

// Run polls until Stop is called or ctx is done. It must not be called
// concurrently with itself.
func (p *Poller) Run(ctx context.Context) error {
	p.sink.OnEvent(events.Info, component, "poller started")
	for !p.stopped.Load() && ctx.Err() == nil {
		foundNew, limited := p.cycle(ctx)

		wait := p.base
		switch {
		case limited:
			wait = p.pause
			p.sink.OnEvent(events.Info, component, "rate limited; pausing "+wait.String())
		case foundNew:
			wait = p.burst
		}
		p.sleep(ctx, wait)
	}
	p.sink.OnEvent(events.Info, component, "poller stopped")
	if p.stopped.Load() {
		return nil
	}
	return ctx.Err()
}

func (p *Poller) cycle(ctx context.Context) (foundNew, limited bool) {
	for _, status := range statuses {
		if p.stopped.Load() || ctx.Err() != nil {
			return foundNew, false
		}
		items, rateLimited, err := p.api.ListRedemptions(ctx, status)
		switch {
		case err != nil:
			p.reportListError(ctx, status, err)
			continue
		case rateLimited:
			p.metrics.IncPollCycle("limited")
			return foundNew, true
		}
		p.metrics.IncPollCycle("ok")
		if p.observe(ctx, status, items) > 0 {
			foundNew = true
		}
	}
	return foundNew, false
}

func (p *Poller) reportListError(ctx context.Context, status string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, kickapi.ErrUnauthorized) {
		p.metrics.IncPollCycle("unauthorized")
		p.authWarn.Do(func() {
			p.sink.OnEvent(events.Warn, component, "unauthorized listing "+status+" redemptions; waiting for a refreshed token")
		})
		return
	}
	p.metrics.IncPollCycle("error")
	p.sink.OnEvent(events.Warn, component, fmt.Sprintf("list %s redemptions: %v", status, err))
}

// observe records ids and reports new ones. The first successful listing of
// each status only seeds the seen set. Ids still visible are touched so they
// stay resident.
func (p *Poller) observe(ctx context.Context, status string, items []core.Redemption) int {
	seeding := !p.primed[status]
	fresh := 0
	for _, r := range items {
		if r.ID == "" {
			continue
		}
		if _, ok := p.seen.Get(r.ID); ok {
			continue
		}
		p.seen.Add(r.ID, struct{}{})
		if seeding {
			continue
		}

		fresh++
		if r.Status == "" {
			r.Status = status
		}
		p.metrics.IncRedemptions()
		p.onRedemption(r)
		if status == core.RedemptionPending {
			p.accept(ctx, r)
		}
	}
	if seeding {
		p.primed[status] = true
		if len(items) > 0 {
			p.sink.OnEvent(events.Debug, component, fmt.Sprintf("seeded %d %s redemptions", len(items), status))
		}
	}
	return fresh
}

// accept fulfils r in the background. Failures are logged, never retried.
func (p *Poller) accept(ctx context.Context, r core.Redemption) {
	go func() {
		actx, cancel := context.WithTimeout(ctx, acceptTimeout)
		defer cancel()
		if err := p.api.AcceptRedemptions(actx, r.ID); err != nil {
			p.metrics.IncAcceptFailures()
			p.sink.OnEvent(events.Warn, component, fmt.Sprintf("accept redemption %s (%s): %v", r.ID, r.RewardTitle, err))
		}
	}()
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for {
		if p.stopped.Load() || ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(min(p.slice, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
