package livesession

import (
	"sync"
)

// push-style change feed keyed by session id, delivering row-level events
// for sessions and chat messages. the core consumes this feed; it never
// produces into it directly (the store does, on write).

type FeedEventType string

const (
	FeedEventTypeSessionUpdate FeedEventType = "session_update"
	FeedEventTypeMessageInsert FeedEventType = "message_insert"
)

type FeedEvent struct {
	Type      FeedEventType `json:"type"`
	SessionId Id            `json:"session_id"`
	// set for session_update
	Session *Session `json:"session,omitempty"`
	// set for message_insert
	Message *ChatMessage `json:"message,omitempty"`
}

type FeedEventFunction = func(event *FeedEvent)

type ChangeFeed interface {
	// the returned function tears down the subscription. every
	// subscription must be torn down when its owning scope ends.
	Subscribe(sessionId Id, callback FeedEventFunction) func()
}

// in-process feed used by the memory store and by tests.
// events are dispatched inline on the writer's goroutine.
type LocalFeed struct {
	stateLock sync.Mutex

	sessionCallbacks map[Id]*CallbackList[FeedEventFunction]
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{
		sessionCallbacks: map[Id]*CallbackList[FeedEventFunction]{},
	}
}

func (self *LocalFeed) Subscribe(sessionId Id, callback FeedEventFunction) func() {
	var callbacks *CallbackList[FeedEventFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		callbacks, ok = self.sessionCallbacks[sessionId]
		if !ok {
			callbacks = NewCallbackList[FeedEventFunction]()
			self.sessionCallbacks[sessionId] = callbacks
		}
	}()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *LocalFeed) Publish(event *FeedEvent) {
	var callbacks *CallbackList[FeedEventFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.sessionCallbacks[event.SessionId]
	}()

	if callbacks == nil {
		return
	}
	for _, callback := range callbacks.Get() {
		callback(event)
	}
}
