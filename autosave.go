package livesession

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SaveState string

const (
	SaveStateIdle   SaveState = "idle"
	SaveStateSaving SaveState = "saving"
	SaveStateSaved  SaveState = "saved"
	SaveStateError  SaveState = "error"
)

// fired on every status transition. `lastSavedAt` is zero until the first
// successful save; `err` is set only for SaveStateError.
type SaveStatusFunction = func(state SaveState, lastSavedAt time.Time, err error)

// the persistence write surface the controller needs
type SessionWriter interface {
	UpdateSessionContent(ctx context.Context, sessionId Id, content *SessionContent) error
}

type AutosaveControllerSettings struct {
	DebounceTimeout time.Duration
	WriteTimeout    time.Duration
}

func DefaultAutosaveControllerSettings() *AutosaveControllerSettings {
	return &AutosaveControllerSettings{
		DebounceTimeout: 750 * time.Millisecond,
		WriteTimeout:    15 * time.Second,
	}
}

// observes the {title, blocks, bound commit sha} tuple by value, debounces,
// and persists the full tuple in one write. an edit arriving while a write
// is in flight does not cancel that write; it schedules one follow-up save
// when the write resolves, so the last edit is always eventually the
// persisted one. a failed write sets SaveStateError and is retried by the
// next edit, never by a timer; an edit queued behind a failed write stays
// pending and is written once a later edit closes a new debounce window.
type AutosaveController struct {
	ctx    context.Context
	cancel context.CancelFunc

	writer    SessionWriter
	sessionId Id

	stateLock sync.Mutex

	observed *SessionContent
	// the content to write when the debounce window closes or the
	// in-flight write resolves. nil when nothing is dirty.
	pending       *SessionContent
	debounceTimer *time.Timer
	saving        bool

	state       SaveState
	lastSavedAt time.Time

	statusCallbacks *CallbackList[SaveStatusFunction]

	settings *AutosaveControllerSettings
}

func NewAutosaveControllerWithDefaults(ctx context.Context, writer SessionWriter, sessionId Id) *AutosaveController {
	return NewAutosaveController(ctx, writer, sessionId, DefaultAutosaveControllerSettings())
}

func NewAutosaveController(ctx context.Context, writer SessionWriter, sessionId Id, settings *AutosaveControllerSettings) *AutosaveController {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AutosaveController{
		ctx:             cancelCtx,
		cancel:          cancel,
		writer:          writer,
		sessionId:       sessionId,
		state:           SaveStateIdle,
		statusCallbacks: NewCallbackList[SaveStatusFunction](),
		settings:        settings,
	}
}

func (self *AutosaveController) AddStatusCallback(statusCallback SaveStatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *AutosaveController) State() (SaveState, time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state, self.lastSavedAt
}

// delivers the current tuple. comparison is by value: an observation equal
// to the last one is ignored. otherwise any pending debounce window is
// cancelled and a new one starts.
func (self *AutosaveController) Observe(content *SessionContent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if content.Equal(self.observed) {
		return
	}
	contentCopy := content.Copy()
	self.observed = contentCopy
	self.pending = contentCopy

	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
	}
	self.debounceTimer = time.AfterFunc(self.settings.DebounceTimeout, self.debounceExpired)
}

func (self *AutosaveController) Close() {
	self.stateLock.Lock()
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
		self.debounceTimer = nil
	}
	self.stateLock.Unlock()

	self.cancel()
}

func (self *AutosaveController) debounceExpired() {
	self.stateLock.Lock()
	if self.saving || self.pending == nil {
		// the in-flight write picks up `pending` when it resolves
		self.stateLock.Unlock()
		return
	}
	content := self.pending
	self.pending = nil
	self.saving = true
	self.state = SaveStateSaving
	self.stateLock.Unlock()

	self.status(nil)
	go self.save(content)
}

func (self *AutosaveController) save(content *SessionContent) {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		writeCtx, writeCancel := context.WithTimeout(self.ctx, self.settings.WriteTimeout)
		err := self.writer.UpdateSessionContent(writeCtx, self.sessionId, content)
		writeCancel()

		var followUp *SessionContent
		self.stateLock.Lock()
		if err == nil {
			self.lastSavedAt = time.Now()
			// a follow-up save guarantees the last edit wins
			followUp = self.pending
			self.pending = nil
			if followUp == nil {
				self.saving = false
				self.state = SaveStateSaved
			}
		} else {
			self.saving = false
			self.state = SaveStateError
			// keep `pending` so the next debounce retries with the
			// newest tuple
			if self.pending == nil {
				self.pending = content
			}
		}
		self.stateLock.Unlock()

		if err != nil {
			glog.Infof("[autosave]%s: %s\n", self.sessionId, err)
			self.status(err)
			return
		}

		self.status(nil)
		if followUp == nil {
			return
		}
		content = followUp
	}
}

func (self *AutosaveController) status(err error) {
	self.stateLock.Lock()
	state := self.state
	lastSavedAt := self.lastSavedAt
	self.stateLock.Unlock()

	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(state, lastSavedAt, err)
	}
}
