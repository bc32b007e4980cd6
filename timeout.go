package corppass

import (
	"context"
	"time"
)

type skipTimeoutRefreshKey struct{}

// SkipTimeoutRefresh marks this request's context so the inactivity
// timestamp is not touched. The flag is request-scoped: it must be
// re-asserted on every request that wants it, and it never suppresses the
// absolute-lifetime check.
func SkipTimeoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipTimeoutRefreshKey{}, true)
}

func timeoutRefreshSkipped(ctx context.Context) bool {
	skipped, _ := ctx.Value(skipTimeoutRefreshKey{}).(bool)
	return skipped
}

// TimeoutManager enforces the two session lifetime policies: inactivity
// timeout and absolute maximum lifetime. It is installed as lifecycle hooks
// around the host's authentication handling and is the only writer of the
// two session timestamps.
type TimeoutManager struct {
	cfg     *Config
	sink    EventSink
	metrics MetricsRecorder
	now     func() time.Time
}

// NewTimeoutManager creates a timeout manager for the given configuration.
func NewTimeoutManager(cfg *Config, sink EventSink, metrics MetricsRecorder) *TimeoutManager {
	return &TimeoutManager{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		now:     time.Now,
	}
}

// InactivityTimedOut reports whether the inactivity window has elapsed
// since lastRequestAt. An absent timestamp never times out.
func (m *TimeoutManager) InactivityTimedOut(lastRequestAt int64, present bool) bool {
	if !present {
		return false
	}
	return m.now().Unix()-lastRequestAt >= int64(m.cfg.Timeout)
}

// SessionExpired reports whether the session has outlived its maximum
// lifetime. An absent start timestamp counts as expired.
func (m *TimeoutManager) SessionExpired(sessionStartedAt int64, present bool) bool {
	if !present {
		return true
	}
	return m.now().Unix()-sessionStartedAt >= int64(m.cfg.SessionMaxLifetime)
}

// AfterAuthentication stamps the session start time. It runs exactly once
// per login; the timestamp is never refreshed afterwards.
func (m *TimeoutManager) AfterAuthentication(sess SessionStore) {
	sess.SetSessionStartedAt(m.now().Unix())
}

// AfterIdentityLoaded runs on every request carrying an authenticated
// identity, including the login request itself. It evaluates both lifetime
// policies; a breach forces logout and returns a timeout-tagged Failure.
// Otherwise the inactivity timestamp is touched, unless the request's
// context carries the skip flag.
func (m *TimeoutManager) AfterIdentityLoaded(ctx context.Context, sess SessionStore) error {
	skip := timeoutRefreshSkipped(ctx)
	if skip {
		m.sink.Notify(EventSkipTimeoutRefresh, "Last request touching skipped")
	}

	last, lastPresent := sess.LastRequestAt()
	inactivity := m.InactivityTimedOut(last, lastPresent) && !skip

	start, startPresent := sess.SessionStartedAt()
	lifetime := m.SessionExpired(start, startPresent)

	if inactivity || lifetime {
		if inactivity {
			m.sink.Notify(EventInactivityTimeout, "session timed out for inactivity")
			m.metrics.RecordForcedLogout(PolicyInactivity)
		}
		if lifetime {
			m.sink.Notify(EventSessionTimeout, "session exceeded maximum lifetime")
			m.metrics.RecordForcedLogout(PolicyLifetime)
		}
		sess.Logout()
		return NewTimeoutFailure(&TimeoutError{Inactivity: inactivity, Lifetime: lifetime})
	}

	if !skip {
		sess.SetLastRequestAt(m.now().Unix())
	}
	return nil
}
