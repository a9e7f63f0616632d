package livesession

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	session := store.CreateSession(NewId(), "lease")

	lease, err := NewSessionLease(ctx, store, session.Id, &SessionLeaseSettings{
		HeartbeatInterval: 10 * time.Millisecond,
	})
	assert.Equal(t, err, nil)

	// open marks the session live
	current, err := store.GetSession(ctx, session.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, current.IsLive)

	// the heartbeat keeps `updated_at` fresh without content writes
	updatedAt := current.UpdatedAt
	time.Sleep(50 * time.Millisecond)
	current, err = store.GetSession(ctx, session.Id)
	assert.Equal(t, err, nil)
	if !updatedAt.Before(current.UpdatedAt) {
		t.Fatal("heartbeat did not refresh updated_at")
	}

	// close clears the flag. closing twice is safe.
	lease.Close()
	lease.Close()
	current, err = store.GetSession(ctx, session.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, current.IsLive)
}

func TestLivenessMonitorStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	session := store.CreateSession(NewId(), "stale")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)

	monitor := NewLivenessMonitor(ctx, store, store.Feed(), session.Id, &LivenessMonitorSettings{
		CheckInterval:  10 * time.Millisecond,
		StaleThreshold: time.Millisecond,
	})
	defer monitor.Close()

	liveness := make(chan bool, 16)
	unsubscribe := monitor.AddLivenessCallback(func(isLive bool) {
		liveness <- isLive
	})
	defer unsubscribe()

	// without a heartbeat the session goes stale and the monitor reports
	// not live
	timeout := time.After(2 * time.Second)
	for {
		select {
		case isLive := <-liveness:
			if !isLive {
				assert.Equal(t, false, monitor.IsLive())

				// the default monitor is a display hint. the store flag
				// stays untouched.
				current, err := store.GetSession(ctx, session.Id)
				assert.Equal(t, err, nil)
				assert.Equal(t, true, current.IsLive)
				return
			}
		case <-timeout:
			t.Fatal("staleness was not observed")
		}
	}
}

func TestLivenessMonitorRevoke(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	session := store.CreateSession(NewId(), "revoke")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)

	monitor := NewLivenessMonitor(ctx, store, store.Feed(), session.Id, &LivenessMonitorSettings{
		CheckInterval:  10 * time.Millisecond,
		StaleThreshold: time.Millisecond,
		Revoke:         true,
	})
	defer monitor.Close()

	// with revocation enabled the stale flag is written back to the store
	deadline := time.Now().Add(2 * time.Second)
	for {
		current, err := store.GetSession(ctx, session.Id)
		assert.Equal(t, err, nil)
		if !current.IsLive {
			return
		}
		if deadline.Before(time.Now()) {
			t.Fatal("liveness was not revoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLivenessMonitorFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	session := store.CreateSession(NewId(), "feed")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)

	monitor := NewLivenessMonitor(ctx, store, store.Feed(), session.Id, &LivenessMonitorSettings{
		CheckInterval:  time.Hour,
		StaleThreshold: time.Hour,
	})
	defer monitor.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !monitor.IsLive() {
		if deadline.Before(time.Now()) {
			t.Fatal("initial check did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a push event flips the state without waiting for the next check
	assert.Equal(t, store.SetLive(ctx, session.Id, false), nil)
	assert.Equal(t, false, monitor.IsLive())
}
