package livesession

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// watcher state machine is:
// WatcherStateIdle
//
//	-> WatcherStateListening (listen enabled, no commit bound)
//	  -> WatcherStateFixed (poll discovered a commit, or explicit select)
//	    -> WatcherStateListening / WatcherStateIdle (commit removed)
type WatcherState string

const (
	WatcherStateIdle      WatcherState = "Idle"
	WatcherStateListening WatcherState = "Listening"
	WatcherStateFixed     WatcherState = "Fixed"
)

func (self WatcherState) IsPolling() bool {
	return self == WatcherStateListening
}

// fired on every state change and when a bound commit's file changes
// arrive. `commit` and `files` are nil until bound/fetched.
type WatcherEventFunction = func(state WatcherState, commit *Commit, files []*FileChange)

type CommitWatcherSettings struct {
	PollInterval time.Duration
}

func DefaultCommitWatcherSettings() *CommitWatcherSettings {
	return &CommitWatcherSettings{
		PollInterval: 20 * time.Second,
	}
}

// polls the commit host for new commits and exposes the current commit and
// its file changes. the poll loop is self-rescheduling: the next poll is
// scheduled only after the previous one settles, success or failure, so at
// most one poll request is in flight. poll failures are swallowed and
// retried on the next tick; "no new commit yet" and "fetch failed" are
// observationally similar and both resolve on a later tick.
//
// `currentCommit` and `files` are derived, disposable view state. only the
// resulting block content is ever persisted.
type CommitWatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	fetcher CommitFetcher

	stateLock sync.Mutex

	repo       string
	state      WatcherState
	commit     *Commit
	files      []*FileChange
	fetchedSha string

	// bumped whenever the repo, listening flag, or bound commit changes.
	// a poll or fetch completion from an older generation is a no-op.
	generation  int
	watchCancel context.CancelFunc

	eventCallbacks *CallbackList[WatcherEventFunction]

	settings *CommitWatcherSettings
}

func NewCommitWatcherWithDefaults(ctx context.Context, fetcher CommitFetcher, repo string) *CommitWatcher {
	return NewCommitWatcher(ctx, fetcher, repo, DefaultCommitWatcherSettings())
}

func NewCommitWatcher(ctx context.Context, fetcher CommitFetcher, repo string, settings *CommitWatcherSettings) *CommitWatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CommitWatcher{
		ctx:            cancelCtx,
		cancel:         cancel,
		fetcher:        fetcher,
		repo:           repo,
		state:          WatcherStateIdle,
		eventCallbacks: NewCallbackList[WatcherEventFunction](),
		settings:       settings,
	}
}

func (self *CommitWatcher) AddEventCallback(eventCallback WatcherEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *CommitWatcher) State() WatcherState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *CommitWatcher) Commit() *Commit {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.commit
}

func (self *CommitWatcher) Files() []*FileChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.files
}

// enables or disables listening. listening only takes effect with no
// commit bound. the poll baseline is the time listening starts.
func (self *CommitWatcher) SetListening(listening bool) {
	self.stateLock.Lock()

	if listening {
		if self.state != WatcherStateIdle {
			self.stateLock.Unlock()
			return
		}
		self.state = WatcherStateListening
		generation, pollCtx := self.nextGenerationLocked()
		baseline := time.Now()
		self.stateLock.Unlock()

		go self.poll(pollCtx, generation, baseline)
		self.event()
		return
	}

	if self.state != WatcherStateListening {
		self.stateLock.Unlock()
		return
	}
	self.state = WatcherStateIdle
	self.nextGenerationLocked()
	self.stateLock.Unlock()

	self.event()
}

// binds a specific commit chosen from the commit browser.
// stops any active polling.
func (self *CommitWatcher) SelectCommit(commit *Commit) {
	self.stateLock.Lock()
	self.state = WatcherStateFixed
	self.commit = commit
	self.files = nil
	generation, fetchCtx := self.nextGenerationLocked()
	fetch := self.fetchedSha != commit.Sha
	self.stateLock.Unlock()

	self.event()
	if fetch {
		go self.fetchDiff(fetchCtx, generation, commit.Sha)
	}
}

// unbinds the current commit. with `listen` the watcher resumes polling
// for the next commit ("choose new commit"); without it the watcher goes
// idle ("remove").
func (self *CommitWatcher) RemoveCommit(listen bool) {
	self.stateLock.Lock()
	self.commit = nil
	self.files = nil
	self.fetchedSha = ""
	generation, pollCtx := self.nextGenerationLocked()
	if listen {
		self.state = WatcherStateListening
	} else {
		self.state = WatcherStateIdle
	}
	baseline := time.Now()
	listening := listen
	self.stateLock.Unlock()

	if listening {
		go self.poll(pollCtx, generation, baseline)
	}
	self.event()
}

// changes the watched repository. any pending poll or fetch becomes a
// no-op; polling restarts with a fresh baseline if listening.
func (self *CommitWatcher) SetRepo(repo string) {
	self.stateLock.Lock()
	if self.repo == repo {
		self.stateLock.Unlock()
		return
	}
	self.repo = repo
	self.commit = nil
	self.files = nil
	self.fetchedSha = ""
	generation, pollCtx := self.nextGenerationLocked()
	listening := self.state == WatcherStateListening
	if self.state == WatcherStateFixed {
		self.state = WatcherStateIdle
	}
	baseline := time.Now()
	self.stateLock.Unlock()

	if listening {
		go self.poll(pollCtx, generation, baseline)
	}
	self.event()
}

func (self *CommitWatcher) Close() {
	self.stateLock.Lock()
	self.nextGenerationLocked()
	self.stateLock.Unlock()

	self.cancel()
}

// must be called with `stateLock`. invalidates all pending polls and
// fetches and hands out the context for the next ones.
func (self *CommitWatcher) nextGenerationLocked() (int, context.Context) {
	if self.watchCancel != nil {
		self.watchCancel()
	}
	self.generation += 1
	watchCtx, watchCancel := context.WithCancel(self.ctx)
	self.watchCancel = watchCancel
	return self.generation, watchCtx
}

func (self *CommitWatcher) poll(pollCtx context.Context, generation int, baseline time.Time) {
	for {
		self.stateLock.Lock()
		repo := self.repo
		stale := generation != self.generation
		self.stateLock.Unlock()
		if stale {
			return
		}

		commit, err := self.fetcher.LatestCommit(pollCtx, repo, baseline)
		if err != nil {
			// transient. the next tick retries.
			glog.V(2).Infof("[watch]poll %s: %s\n", repo, err)
		} else if commit != nil {
			if self.bindDiscovered(generation, commit) {
				return
			}
		}

		select {
		case <-pollCtx.Done():
			return
		case <-time.After(self.settings.PollInterval):
		}
	}
}

// a poll result binds the commit only if the watcher has not moved on
func (self *CommitWatcher) bindDiscovered(generation int, commit *Commit) bool {
	self.stateLock.Lock()
	if generation != self.generation || self.state != WatcherStateListening {
		self.stateLock.Unlock()
		return false
	}
	self.state = WatcherStateFixed
	self.commit = commit
	self.files = nil
	nextGeneration, fetchCtx := self.nextGenerationLocked()
	fetch := self.fetchedSha != commit.Sha
	self.stateLock.Unlock()

	self.event()
	if fetch {
		go self.fetchDiff(fetchCtx, nextGeneration, commit.Sha)
	}
	return true
}

// exactly one fetch per bound sha
func (self *CommitWatcher) fetchDiff(fetchCtx context.Context, generation int, sha string) {
	self.stateLock.Lock()
	repo := self.repo
	self.stateLock.Unlock()

	files, err := self.fetcher.CommitDiff(fetchCtx, repo, sha)
	if err != nil {
		glog.Infof("[watch]diff %s %s: %s\n", repo, sha, err)
		return
	}

	self.stateLock.Lock()
	if generation != self.generation {
		// the watcher moved on while the fetch was in flight
		self.stateLock.Unlock()
		return
	}
	self.files = files
	self.fetchedSha = sha
	self.stateLock.Unlock()

	self.event()
}

func (self *CommitWatcher) event() {
	self.stateLock.Lock()
	state := self.state
	commit := self.commit
	files := self.files
	self.stateLock.Unlock()

	for _, eventCallback := range self.eventCallbacks.Get() {
		eventCallback(state, commit, files)
	}
}
