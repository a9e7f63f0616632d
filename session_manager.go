package livesession

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// fired with a copy of the session view after any update
type SessionEventFunction = func(session *Session)

type SessionManagerSettings struct {
	// capacity of the serialized update queue
	UpdateBufferSize int

	WatcherSettings  *CommitWatcherSettings
	AutosaveSettings *AutosaveControllerSettings
	LivenessSettings *LivenessMonitorSettings
	LeaseSettings    *SessionLeaseSettings
}

func DefaultSessionManagerSettings() *SessionManagerSettings {
	return &SessionManagerSettings{
		UpdateBufferSize: 32,
		WatcherSettings:  DefaultCommitWatcherSettings(),
		AutosaveSettings: DefaultAutosaveControllerSettings(),
		LivenessSettings: DefaultLivenessMonitorSettings(),
		LeaseSettings:    DefaultSessionLeaseSettings(),
	}
}

// single-owner state container for one session instance.
//
// three independent asynchronous sources feed the same session state:
// local user input, the commit watcher's poll loop, and the push change
// feed. all three are delivered as discrete messages into one serialized
// update queue drained by a single goroutine, so the session state is never
// mutated directly from multiple call sites. persistence is reached only
// through async collaborators (autosave, store writes) so nothing blocks
// the queue.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store SessionStore
	feed  ChangeFeed

	sessionId Id

	stateLock sync.Mutex

	session   *Session
	title     string
	commitSha string

	blockStore *BlockStore
	watcher    *CommitWatcher
	linker     *DiffLinker
	autosave   *AutosaveController
	chat       *Chat
	monitor    *LivenessMonitor
	lease      *SessionLease

	updates chan func()

	unsubscribeFeed    func()
	unsubscribeWatcher func()
	unsubscribeBlocks  func()

	sessionCallbacks *CallbackList[SessionEventFunction]

	settings *SessionManagerSettings
}

func NewSessionManagerWithDefaults(
	ctx context.Context,
	store SessionStore,
	feed ChangeFeed,
	fetcher CommitFetcher,
	captcha CaptchaVerifier,
	sessionId Id,
	repo string,
	live bool,
) (*SessionManager, error) {
	return NewSessionManager(ctx, store, feed, fetcher, captcha, sessionId, repo, live, DefaultSessionManagerSettings())
}

func NewSessionManager(
	ctx context.Context,
	store SessionStore,
	feed ChangeFeed,
	fetcher CommitFetcher,
	captcha CaptchaVerifier,
	sessionId Id,
	repo string,
	live bool,
	settings *SessionManagerSettings,
) (*SessionManager, error) {
	session, err := store.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	manager := &SessionManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		store:            store,
		feed:             feed,
		sessionId:        sessionId,
		session:          session,
		title:            session.Title,
		updates:          make(chan func(), settings.UpdateBufferSize),
		sessionCallbacks: NewCallbackList[SessionEventFunction](),
		settings:         settings,
	}

	if len(session.CommitShas) > 0 {
		manager.commitSha = session.CommitShas[len(session.CommitShas)-1]
	}

	manager.blockStore = NewBlockStore(session.Blocks)
	manager.linker = NewDiffLinker(manager.blockStore)
	manager.watcher = NewCommitWatcher(cancelCtx, fetcher, repo, settings.WatcherSettings)
	manager.autosave = NewAutosaveController(cancelCtx, store, sessionId, settings.AutosaveSettings)
	manager.chat = NewChat(cancelCtx, store, feed, captcha, sessionId)
	manager.monitor = NewLivenessMonitor(cancelCtx, store, feed, sessionId, settings.LivenessSettings)

	// every mutation of the block list reaches the autosave controller
	// on the goroutine that ran the mutation, always the update queue
	manager.unsubscribeBlocks = manager.blockStore.AddChangeCallback(func(blocks []*Block) {
		manager.observe()
	})
	manager.unsubscribeWatcher = manager.watcher.AddEventCallback(func(state WatcherState, commit *Commit, files []*FileChange) {
		manager.post(func() {
			manager.watcherEvent(state, commit)
		})
	})
	manager.unsubscribeFeed = feed.Subscribe(sessionId, func(event *FeedEvent) {
		manager.post(func() {
			manager.applyFeedEvent(event)
		})
	})

	if live {
		lease, err := NewSessionLease(cancelCtx, store, sessionId, settings.LeaseSettings)
		if err != nil {
			manager.unsubscribeFeed()
			manager.unsubscribeWatcher()
			manager.unsubscribeBlocks()
			cancel()
			return nil, err
		}
		manager.lease = lease
	}

	if manager.commitSha == "" {
		// no commit bound yet: listen for the next push
		manager.watcher.SetListening(true)
	}

	go manager.run()
	return manager, nil
}

func (self *SessionManager) AddSessionCallback(sessionCallback SessionEventFunction) func() {
	callbackId := self.sessionCallbacks.Add(sessionCallback)
	return func() {
		self.sessionCallbacks.Remove(callbackId)
	}
}

func (self *SessionManager) Chat() *Chat {
	return self.chat
}

func (self *SessionManager) Watcher() *CommitWatcher {
	return self.watcher
}

func (self *SessionManager) Session() *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session.Copy()
}

func (self *SessionManager) Title() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.title
}

func (self *SessionManager) Blocks() []*Block {
	return self.blockStore.Blocks()
}

func (self *SessionManager) SaveState() (SaveState, time.Time) {
	return self.autosave.State()
}

func (self *SessionManager) AddSaveStatusCallback(statusCallback SaveStatusFunction) func() {
	return self.autosave.AddStatusCallback(statusCallback)
}

func (self *SessionManager) AddLivenessCallback(livenessCallback LivenessEventFunction) func() {
	return self.monitor.AddLivenessCallback(livenessCallback)
}

// local edits. each runs as one message on the update queue.

func (self *SessionManager) SetTitle(title string) {
	self.do(func() {
		self.stateLock.Lock()
		self.title = title
		self.stateLock.Unlock()
		self.observe()
	})
}

func (self *SessionManager) AddBlock(blockType BlockType, initialContent string) string {
	var blockId string
	self.do(func() {
		blockId, _ = self.blockStore.Add(blockType, initialContent)
	})
	return blockId
}

func (self *SessionManager) InsertBlockAfter(afterBlockId string, blockType BlockType) string {
	var blockId string
	self.do(func() {
		blockId, _ = self.blockStore.InsertAfter(afterBlockId, blockType, "")
	})
	return blockId
}

func (self *SessionManager) RemoveBlock(blockId string) {
	self.do(func() {
		self.blockStore.Remove(blockId)
	})
}

func (self *SessionManager) UpdateBlock(blockId string, content string) {
	self.do(func() {
		self.blockStore.Update(blockId, content)
	})
}

func (self *SessionManager) SetBlockCollapsed(blockId string, collapsed bool) {
	self.do(func() {
		self.blockStore.SetCollapsed(blockId, collapsed)
	})
}

func (self *SessionManager) MoveBlock(blockId string, newIndex int) {
	self.do(func() {
		self.blockStore.Reorder(blockId, newIndex)
	})
}

func (self *SessionManager) LinkBlockFile(blockId string, path string) {
	self.do(func() {
		self.blockStore.LinkFile(blockId, path)
	})
}

// diff linking against the watcher's current file-change set

func (self *SessionManager) ExcludedFiles(activeBlockId string) []string {
	var excluded []string
	self.do(func() {
		excluded = self.linker.ExcludedFiles(activeBlockId)
	})
	return excluded
}

func (self *SessionManager) EmbedFiles(activeBlockId string, selections []*FileChange) error {
	var err error
	self.do(func() {
		commit := self.watcher.Commit()
		if commit == nil {
			err = ErrNoCommitBound
			return
		}
		_, err = self.linker.EmbedFiles(activeBlockId, commit.Sha, selections)
	})
	return err
}

func (self *SessionManager) ReferenceFiles(activeBlockId string, filenames []string) error {
	var err error
	self.do(func() {
		commit := self.watcher.Commit()
		if commit == nil {
			err = ErrNoCommitBound
			return
		}
		_, err = self.linker.ReferenceFiles(activeBlockId, commit.Sha, filenames)
	})
	return err
}

// commit watcher controls

func (self *SessionManager) SetListening(listening bool) {
	self.watcher.SetListening(listening)
}

func (self *SessionManager) SelectCommit(commit *Commit) {
	self.watcher.SelectCommit(commit)
}

func (self *SessionManager) RemoveCommit(listen bool) {
	self.watcher.RemoveCommit(listen)
}

// owner toggle. the write is authoritative at the store; the local view
// updates when the change comes back over the feed, the same path every
// other viewer sees.
func (self *SessionManager) SetChatEnabled(chatEnabled bool) error {
	return self.store.SetChatEnabled(self.ctx, self.sessionId, chatEnabled)
}

// ends live editing and releases the lease
func (self *SessionManager) EndSession() {
	if self.lease != nil {
		self.lease.Close()
	}
}

func (self *SessionManager) Close() {
	self.unsubscribeFeed()
	self.unsubscribeWatcher()
	self.unsubscribeBlocks()
	self.watcher.Close()
	self.autosave.Close()
	self.chat.Close()
	self.monitor.Close()
	if self.lease != nil {
		self.lease.Close()
	}
	self.cancel()
}

func (self *SessionManager) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case update := <-self.updates:
			update()
		}
	}
}

// queues an update and waits for the queue to run it.
// local edits use this so callers observe their own writes.
func (self *SessionManager) do(update func()) {
	done := make(chan struct{})
	select {
	case <-self.ctx.Done():
		return
	case self.updates <- func() {
		defer close(done)
		update()
	}:
	}
	select {
	case <-self.ctx.Done():
	case <-done:
	}
}

// queues an update without waiting. external sources use this so a slow
// queue never blocks the watcher or the feed reader.
func (self *SessionManager) post(update func()) {
	select {
	case <-self.ctx.Done():
	case self.updates <- update:
	}
}

// hands the current {title, blocks, bound commit sha} tuple to autosave
func (self *SessionManager) observe() {
	self.stateLock.Lock()
	title := self.title
	commitSha := self.commitSha
	self.stateLock.Unlock()

	self.autosave.Observe(&SessionContent{
		Title:     title,
		Blocks:    self.blockStore.Blocks(),
		CommitSha: commitSha,
	})
}

func (self *SessionManager) watcherEvent(state WatcherState, commit *Commit) {
	self.stateLock.Lock()
	commitSha := ""
	if commit != nil {
		commitSha = commit.Sha
	}
	changed := self.commitSha != commitSha
	self.commitSha = commitSha
	self.stateLock.Unlock()

	if changed {
		glog.V(2).Infof("[session]%s commit = %s\n", self.sessionId, commitSha)
		// attaching a commit is an authoritative mutation
		self.observe()
	}
}

func (self *SessionManager) applyFeedEvent(event *FeedEvent) {
	if event.Type != FeedEventTypeSessionUpdate || event.Session == nil {
		return
	}

	self.stateLock.Lock()
	// keep the authoritative flags and timestamps from the store. title
	// and blocks stay local: this instance is the editor and the feed
	// echo of its own autosave must not clobber newer unsaved edits.
	self.session.ChatEnabled = event.Session.ChatEnabled
	self.session.IsLive = event.Session.IsLive
	self.session.UpdatedAt = event.Session.UpdatedAt
	self.session.CommitShas = event.Session.CommitShas
	sessionCopy := self.session.Copy()
	self.stateLock.Unlock()

	for _, sessionCallback := range self.sessionCallbacks.Get() {
		sessionCallback(sessionCopy)
	}
}
