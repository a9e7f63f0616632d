package livesession

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type LivenessEventFunction = func(isLive bool)

type LivenessMonitorSettings struct {
	CheckInterval  time.Duration
	StaleThreshold time.Duration
	// with Revoke the monitor writes `is_live=false` to the store when it
	// observes staleness (the cooperative revocation path). without it the
	// monitor only reports, as a display hint.
	Revoke bool
}

func DefaultLivenessMonitorSettings() *LivenessMonitorSettings {
	return &LivenessMonitorSettings{
		CheckInterval:  60 * time.Second,
		StaleThreshold: 5 * time.Minute,
		Revoke:         false,
	}
}

// derives the "author is actively editing" signal on the viewer side by
// sampling `updated_at` staleness against a threshold.
//
// this is a client-observed expiry: two viewers with skewed clocks can
// disagree transiently. the authoritative signal is the SessionLease held
// by the live editor; keep this check as a display hint unless Revoke is
// explicitly enabled.
type LivenessMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     SessionStore
	feed      ChangeFeed
	sessionId Id

	stateLock sync.Mutex

	isLive bool

	unsubscribe func()

	livenessCallbacks *CallbackList[LivenessEventFunction]

	settings *LivenessMonitorSettings
}

func NewLivenessMonitorWithDefaults(ctx context.Context, store SessionStore, feed ChangeFeed, sessionId Id) *LivenessMonitor {
	return NewLivenessMonitor(ctx, store, feed, sessionId, DefaultLivenessMonitorSettings())
}

func NewLivenessMonitor(ctx context.Context, store SessionStore, feed ChangeFeed, sessionId Id, settings *LivenessMonitorSettings) *LivenessMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &LivenessMonitor{
		ctx:               cancelCtx,
		cancel:            cancel,
		store:             store,
		feed:              feed,
		sessionId:         sessionId,
		livenessCallbacks: NewCallbackList[LivenessEventFunction](),
		settings:          settings,
	}
	monitor.unsubscribe = feed.Subscribe(sessionId, monitor.feedEvent)
	go monitor.run()
	return monitor
}

func (self *LivenessMonitor) AddLivenessCallback(livenessCallback LivenessEventFunction) func() {
	callbackId := self.livenessCallbacks.Add(livenessCallback)
	return func() {
		self.livenessCallbacks.Remove(callbackId)
	}
}

func (self *LivenessMonitor) IsLive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.isLive
}

func (self *LivenessMonitor) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.cancel()
}

func (self *LivenessMonitor) run() {
	// initial sample, then the fixed check interval. reads are idempotent
	// and side-effect free, so no backoff.
	for {
		self.check()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.CheckInterval):
		}
	}
}

func (self *LivenessMonitor) check() {
	session, err := self.store.GetSession(self.ctx, self.sessionId)
	if err != nil {
		glog.V(2).Infof("[live]check %s: %s\n", self.sessionId, err)
		return
	}

	isLive := session.IsLive
	if isLive && self.settings.StaleThreshold < time.Since(session.UpdatedAt) {
		isLive = false
		if self.settings.Revoke {
			if err := self.store.SetLive(self.ctx, self.sessionId, false); err != nil {
				glog.Infof("[live]revoke %s: %s\n", self.sessionId, err)
			}
		}
	}

	self.setLive(isLive)
}

func (self *LivenessMonitor) feedEvent(event *FeedEvent) {
	if event.Type != FeedEventTypeSessionUpdate || event.Session == nil {
		return
	}
	self.setLive(event.Session.IsLive)
}

func (self *LivenessMonitor) setLive(isLive bool) {
	self.stateLock.Lock()
	changed := self.isLive != isLive
	self.isLive = isLive
	self.stateLock.Unlock()

	if !changed {
		return
	}
	for _, livenessCallback := range self.livenessCallbacks.Get() {
		livenessCallback(isLive)
	}
}

type SessionLeaseSettings struct {
	HeartbeatInterval time.Duration
}

func DefaultSessionLeaseSettings() *SessionLeaseSettings {
	return &SessionLeaseSettings{
		// well under the 5 minute staleness threshold
		HeartbeatInterval: 60 * time.Second,
	}
}

// the authoritative liveness signal, held by the live editor: sets
// `is_live` on open, refreshes `updated_at` on a heartbeat so viewers
// never observe staleness while editing continues, and clears `is_live`
// on close.
type SessionLease struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     SessionStore
	sessionId Id

	closeOnce sync.Once

	settings *SessionLeaseSettings
}

func NewSessionLeaseWithDefaults(ctx context.Context, store SessionStore, sessionId Id) (*SessionLease, error) {
	return NewSessionLease(ctx, store, sessionId, DefaultSessionLeaseSettings())
}

func NewSessionLease(ctx context.Context, store SessionStore, sessionId Id, settings *SessionLeaseSettings) (*SessionLease, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	lease := &SessionLease{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		sessionId: sessionId,
		settings:  settings,
	}
	if err := store.SetLive(cancelCtx, sessionId, true); err != nil {
		cancel()
		return nil, err
	}
	go lease.run()
	return lease, nil
}

func (self *SessionLease) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		if err := self.store.TouchSession(self.ctx, self.sessionId); err != nil {
			glog.V(2).Infof("[live]heartbeat %s: %s\n", self.sessionId, err)
		}
	}
}

// ends live editing. the flag clear uses a background context because the
// owning scope is usually being torn down.
func (self *SessionLease) Close() {
	self.closeOnce.Do(func() {
		self.cancel()

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := self.store.SetLive(closeCtx, self.sessionId, false); err != nil {
			glog.Infof("[live]end %s: %s\n", self.sessionId, err)
		}
	})
}
