package livesession

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// a chat participant reference. exactly one of the two ids is set.
type ChatAuthor struct {
	UserId  *Id
	GuestId *Id
}

func UserAuthor(userId Id) ChatAuthor {
	return ChatAuthor{
		UserId: &userId,
	}
}

func GuestAuthor(guestId Id) ChatAuthor {
	return ChatAuthor{
		GuestId: &guestId,
	}
}

func (self ChatAuthor) Valid() bool {
	return (self.UserId != nil) != (self.GuestId != nil)
}

type MessageEventFunction = func(messages []*ChatMessage)

const minGuestNameLength = 2

// dual-identity messaging for one session, gated by liveness.
//
// delivery is push-first over the change feed, with `CatchUp` as the
// pull-based replay path for initial load and fallback. messages are
// totally ordered by `created_at` as assigned by the store, not by client
// receipt order, so the local view re-sorts rather than trusting
// push-arrival order.
type Chat struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   SessionStore
	feed    ChangeFeed
	captcha CaptchaVerifier

	sessionId Id

	stateLock sync.Mutex

	messages []*ChatMessage

	unsubscribe func()

	messageCallbacks *CallbackList[MessageEventFunction]
}

func NewChat(ctx context.Context, store SessionStore, feed ChangeFeed, captcha CaptchaVerifier, sessionId Id) *Chat {
	cancelCtx, cancel := context.WithCancel(ctx)
	chat := &Chat{
		ctx:              cancelCtx,
		cancel:           cancel,
		store:            store,
		feed:             feed,
		captcha:          captcha,
		sessionId:        sessionId,
		messageCallbacks: NewCallbackList[MessageEventFunction](),
	}
	chat.unsubscribe = feed.Subscribe(sessionId, chat.feedEvent)
	return chat
}

func (self *Chat) AddMessageCallback(messageCallback MessageEventFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *Chat) Messages() []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := make([]*ChatMessage, len(self.messages))
	copy(messages, self.messages)
	return messages
}

// pull-based catch-up fetch, ordered by `created_at` ascending.
// replaces the local view.
func (self *Chat) CatchUp(ctx context.Context) error {
	messages, err := self.store.ListMessages(ctx, self.sessionId)
	if err != nil {
		return err
	}
	sort.SliceStable(messages, func(i int, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	self.stateLock.Lock()
	self.messages = messages
	self.stateLock.Unlock()

	self.event()
	return nil
}

// sends as the given author. the store enforces the send contract
// (liveness, enablement, owner policy, guest validity) and rejection
// reasons come back as the taxonomy errors.
func (self *Chat) Send(ctx context.Context, author ChatAuthor, content string) error {
	if !author.Valid() {
		return ErrInvalidAuthor
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty message")
	}

	message := &ChatMessage{
		SessionId: self.sessionId,
		Content:   content,
		UserId:    author.UserId,
		GuestId:   author.GuestId,
	}
	if _, err := self.store.InsertMessage(ctx, message); err != nil {
		return err
	}
	// the local view updates when the insert comes back over the feed
	return nil
}

// creates a guest identity: display name, captcha verification, and the
// store's atomic case-insensitive name-uniqueness insert. the returned
// identity is the caller's stored reference for return visits.
func (self *Chat) RegisterGuest(ctx context.Context, name string, captchaToken string) (*GuestIdentity, error) {
	name = strings.TrimSpace(name)
	if len(name) < minGuestNameLength {
		return nil, fmt.Errorf("guest name must be at least %d characters", minGuestNameLength)
	}

	success, err := self.captcha.Verify(ctx, captchaToken)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, ErrCaptchaFailed
	}

	guest, err := self.store.InsertGuestIdentity(ctx, &GuestIdentity{
		SessionId:       self.sessionId,
		Name:            name,
		CaptchaVerified: true,
	})
	if err != nil {
		return nil, err
	}
	return guest, nil
}

// resolves a stored guest reference for a returning guest, without
// re-verifying captcha. refreshes `last_active_at`.
func (self *Chat) ResumeGuest(ctx context.Context, guestId Id) (*GuestIdentity, error) {
	guest, err := self.store.GetGuestIdentity(ctx, self.sessionId, guestId)
	if err != nil {
		return nil, err
	}
	if err := self.store.TouchGuestIdentity(ctx, self.sessionId, guestId); err != nil {
		return nil, err
	}
	return guest, nil
}

func (self *Chat) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.cancel()
}

func (self *Chat) feedEvent(event *FeedEvent) {
	if event.Type != FeedEventTypeMessageInsert || event.Message == nil {
		return
	}

	self.stateLock.Lock()
	appended := false
	if n := len(self.messages); n == 0 || !event.Message.CreatedAt.Before(self.messages[n-1].CreatedAt) {
		self.messages = append(self.messages, event.Message)
		appended = true
	}
	self.stateLock.Unlock()

	if !appended {
		// out-of-order push delivery. replay from the store instead of
		// trusting arrival order.
		if err := self.CatchUp(self.ctx); err != nil {
			glog.V(2).Infof("[chat]catch up %s: %s\n", self.sessionId, err)
		}
		return
	}

	self.event()
}

func (self *Chat) event() {
	messages := self.Messages()
	for _, messageCallback := range self.messageCallbacks.Get() {
		messageCallback(messages)
	}
}
