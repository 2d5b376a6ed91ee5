package kickauth

import (
	"context"
	"time"

	"github.com/you/kickmonitor/internal/events"
)

const (
	minRefreshWait     = time.Minute
	unknownExpiryWait  = 30 * time.Minute
	maxRefreshBackoff  = time.Minute
	refreshLeadPercent = 0.85
)

// StartAutoRefresh refreshes the token ahead of expiry until ctx is done.
// onUpdate receives every new access token.
func (m *Manager) StartAutoRefresh(ctx context.Context, onUpdate func(token string)) {
	if onUpdate == nil {
		onUpdate = func(string) {}
	}

	go func() {
		timer := time.NewTimer(m.nextRefresh(time.Now()))
		defer timer.Stop()

		backoff := time.Second

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			token, err := m.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.sink.OnEvent(events.Warn, component, "auto-refresh failed: "+err.Error())
				timer.Reset(backoff)
				backoff *= 2
				if backoff > maxRefreshBackoff {
					backoff = maxRefreshBackoff
				}
				continue
			}

			backoff = time.Second
			onUpdate(token)
			timer.Reset(m.nextRefresh(time.Now()))
		}
	}()
}

func (m *Manager) nextRefresh(now time.Time) time.Duration {
	sess, ok := m.Session()
	if !ok || sess.ExpiresAt.IsZero() {
		return unknownExpiryWait
	}
	return intervalFrom(sess.ExpiresAt.Sub(now))
}

func intervalFrom(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return time.Second
	}
	next := time.Duration(float64(remaining) * refreshLeadPercent)
	if next < minRefreshWait && remaining > minRefreshWait {
		next = minRefreshWait
	}
	if next <= 0 {
		next = time.Second
	}
	return next
}
