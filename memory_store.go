package livesession

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// reference `SessionStore` backed by process memory. all constraint checks
// and the row insert happen under one lock, which is what the persistence
// layer's unique index gives the real deployment. publishes change-feed
// events on every write.
type MemoryStore struct {
	stateLock sync.Mutex

	sessions map[Id]*Session
	// session id -> messages ordered by created_at ascending
	sessionMessages map[Id][]*ChatMessage
	// session id -> guest identities
	sessionGuests map[Id][]*GuestIdentity

	lastCreatedAt time.Time

	sendPolicy SendPolicy

	feed *LocalFeed
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSendPolicy(OwnerOnlySendPolicy())
}

func NewMemoryStoreWithSendPolicy(sendPolicy SendPolicy) *MemoryStore {
	return &MemoryStore{
		sessions:        map[Id]*Session{},
		sessionMessages: map[Id][]*ChatMessage{},
		sessionGuests:   map[Id][]*GuestIdentity{},
		sendPolicy:      sendPolicy,
		feed:            NewLocalFeed(),
	}
}

func (self *MemoryStore) Feed() ChangeFeed {
	return self.feed
}

func (self *MemoryStore) CreateSession(ownerId Id, title string) *Session {
	session := &Session{
		Id:        NewId(),
		OwnerId:   ownerId,
		Title:     title,
		Blocks:    DefaultBlocks(),
		UpdatedAt: time.Now(),
	}

	self.stateLock.Lock()
	self.sessions[session.Id] = session
	self.stateLock.Unlock()

	return session.Copy()
}

func (self *MemoryStore) GetSession(ctx context.Context, sessionId Id) (*Session, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Copy(), nil
}

func (self *MemoryStore) UpdateSessionContent(ctx context.Context, sessionId Id, content *SessionContent) error {
	var sessionCopy *Session
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		session, ok := self.sessions[sessionId]
		if !ok {
			return ErrSessionNotFound
		}
		session.Title = content.Title
		session.Blocks = copyBlocks(content.Blocks)
		if content.CommitSha != "" && !slices.Contains(session.CommitShas, content.CommitSha) {
			session.CommitShas = append(session.CommitShas, content.CommitSha)
		}
		session.UpdatedAt = time.Now()
		sessionCopy = session.Copy()
		return nil
	}()
	if err != nil {
		return err
	}

	self.feed.Publish(&FeedEvent{
		Type:      FeedEventTypeSessionUpdate,
		SessionId: sessionId,
		Session:   sessionCopy,
	})
	return nil
}

func (self *MemoryStore) SetChatEnabled(ctx context.Context, sessionId Id, chatEnabled bool) error {
	return self.updateSession(sessionId, func(session *Session) {
		session.ChatEnabled = chatEnabled
	})
}

func (self *MemoryStore) SetLive(ctx context.Context, sessionId Id, isLive bool) error {
	return self.updateSession(sessionId, func(session *Session) {
		session.IsLive = isLive
	})
}

func (self *MemoryStore) TouchSession(ctx context.Context, sessionId Id) error {
	return self.updateSession(sessionId, func(session *Session) {})
}

func (self *MemoryStore) updateSession(sessionId Id, mutate func(session *Session)) error {
	var sessionCopy *Session
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		session, ok := self.sessions[sessionId]
		if !ok {
			return ErrSessionNotFound
		}
		mutate(session)
		session.UpdatedAt = time.Now()
		sessionCopy = session.Copy()
		return nil
	}()
	if err != nil {
		return err
	}

	self.feed.Publish(&FeedEvent{
		Type:      FeedEventTypeSessionUpdate,
		SessionId: sessionId,
		Session:   sessionCopy,
	})
	return nil
}

func (self *MemoryStore) InsertMessage(ctx context.Context, message *ChatMessage) (*ChatMessage, error) {
	var messageCopy *ChatMessage
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		session, ok := self.sessions[message.SessionId]
		if !ok {
			return ErrSessionNotFound
		}
		if !session.IsLive {
			return ErrSessionNotLive
		}
		if !session.ChatEnabled {
			return ErrChatDisabled
		}
		if !message.HasOneAuthor() {
			return ErrInvalidAuthor
		}
		if message.UserId != nil {
			if !self.sendPolicy.CanSend(session, *message.UserId) {
				return ErrNotAuthorized
			}
		}
		if message.GuestId != nil {
			guest := self.guest(message.SessionId, *message.GuestId)
			if guest == nil {
				return ErrInvalidGuest
			}
			guest.LastActiveAt = time.Now()
		}

		stored := *message
		stored.Id = NewId()
		stored.CreatedAt = clampCreatedAt(time.Now(), self.lastCreatedAt)
		self.lastCreatedAt = stored.CreatedAt

		self.sessionMessages[message.SessionId] = append(self.sessionMessages[message.SessionId], &stored)
		storedCopy := stored
		messageCopy = &storedCopy
		return nil
	}()
	if err != nil {
		return nil, err
	}

	self.feed.Publish(&FeedEvent{
		Type:      FeedEventTypeMessageInsert,
		SessionId: message.SessionId,
		Message:   messageCopy,
	})
	return messageCopy, nil
}

func (self *MemoryStore) ListMessages(ctx context.Context, sessionId Id) ([]*ChatMessage, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sessions[sessionId]; !ok {
		return nil, ErrSessionNotFound
	}

	messages := self.sessionMessages[sessionId]
	messagesCopy := make([]*ChatMessage, len(messages))
	for i, message := range messages {
		messageCopy := *message
		if message.GuestId != nil {
			if guest := self.guest(sessionId, *message.GuestId); guest != nil {
				messageCopy.AuthorName = guest.Name
			}
		}
		messagesCopy[i] = &messageCopy
	}
	return messagesCopy, nil
}

func (self *MemoryStore) InsertGuestIdentity(ctx context.Context, guest *GuestIdentity) (*GuestIdentity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[guest.SessionId]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.IsLive {
		return nil, ErrSessionNotLive
	}
	if !session.ChatEnabled {
		return nil, ErrChatDisabled
	}

	// the case-insensitive unique index scoped to session id
	for _, existingGuest := range self.sessionGuests[guest.SessionId] {
		if strings.EqualFold(existingGuest.Name, guest.Name) {
			return nil, ErrGuestNameTaken
		}
	}

	stored := *guest
	stored.Id = NewId()
	stored.CreatedAt = time.Now()
	stored.LastActiveAt = stored.CreatedAt
	self.sessionGuests[guest.SessionId] = append(self.sessionGuests[guest.SessionId], &stored)

	storedCopy := stored
	return &storedCopy, nil
}

func (self *MemoryStore) GetGuestIdentity(ctx context.Context, sessionId Id, guestId Id) (*GuestIdentity, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	guest := self.guest(sessionId, guestId)
	if guest == nil {
		return nil, ErrGuestNotFound
	}
	guestCopy := *guest
	return &guestCopy, nil
}

func (self *MemoryStore) TouchGuestIdentity(ctx context.Context, sessionId Id, guestId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	guest := self.guest(sessionId, guestId)
	if guest == nil {
		return ErrGuestNotFound
	}
	guest.LastActiveAt = time.Now()
	return nil
}

// must be called with `stateLock`
func (self *MemoryStore) guest(sessionId Id, guestId Id) *GuestIdentity {
	for _, guest := range self.sessionGuests[sessionId] {
		if guest.Id == guestId {
			return guest
		}
	}
	return nil
}
