package livesession

import (
	"context"
	"errors"
	"time"
)

// error taxonomy for the chat send path and guest registration.
// authorization failures are surfaced immediately to the actor as a
// rejection reason and are never retried.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotLive  = errors.New("session is not live")
	ErrChatDisabled    = errors.New("chat is not enabled for this session")
	ErrNotAuthorized   = errors.New("not authorized to send messages in this session")
	ErrGuestNameTaken  = errors.New("name already taken in this session")
	ErrInvalidGuest    = errors.New("invalid guest user")
	ErrInvalidAuthor   = errors.New("message must have exactly one author")
	ErrCaptchaFailed   = errors.New("captcha verification failed")
	ErrGuestNotFound   = errors.New("guest identity not found")
	ErrNoCommitBound   = errors.New("no commit bound to this session")
)

// the persistence layer, treated as an opaque document store with change
// notifications. the store is authoritative: the chat send contract and the
// guest name uniqueness constraint are enforced here, never trusted from
// the client.
type SessionStore interface {
	GetSession(ctx context.Context, sessionId Id) (*Session, error)

	// overwrites the {title, blocks, bound commit sha} tuple atomically,
	// records the sha in the session's ingested set, and refreshes
	// `updated_at`
	UpdateSessionContent(ctx context.Context, sessionId Id, content *SessionContent) error

	SetChatEnabled(ctx context.Context, sessionId Id, chatEnabled bool) error

	SetLive(ctx context.Context, sessionId Id, isLive bool) error

	// refreshes `updated_at` without changing content. used by the
	// live editor's heartbeat lease.
	TouchSession(ctx context.Context, sessionId Id) error

	// enforces the send contract: the session must be live with chat
	// enabled, the message must carry exactly one author reference, an
	// authenticated author must be permitted by owner policy, and a guest
	// author must exist in this session. `id` and `created_at` are
	// assigned by the store; `created_at` is the total order for display.
	InsertMessage(ctx context.Context, message *ChatMessage) (*ChatMessage, error)

	// ordered by `created_at` ascending
	ListMessages(ctx context.Context, sessionId Id) ([]*ChatMessage, error)

	// single atomic insert with a case-insensitive uniqueness constraint
	// on (session id, name). returns ErrGuestNameTaken on violation
	// instead of pre-checking.
	InsertGuestIdentity(ctx context.Context, guest *GuestIdentity) (*GuestIdentity, error)

	// retrieves an existing guest identity from a stored reference,
	// without re-verifying captcha
	GetGuestIdentity(ctx context.Context, sessionId Id, guestId Id) (*GuestIdentity, error)

	TouchGuestIdentity(ctx context.Context, sessionId Id, guestId Id) error
}

// owner policy for authenticated sends: only the session's own live-chat
// participants may post. the default policy admits the owner only.
type SendPolicy interface {
	CanSend(session *Session, userId Id) bool
}

type ownerOnlySendPolicy struct{}

func OwnerOnlySendPolicy() SendPolicy {
	return &ownerOnlySendPolicy{}
}

func (self *ownerOnlySendPolicy) CanSend(session *Session, userId Id) bool {
	return session.OwnerId == userId
}

func clampCreatedAt(createdAt time.Time, lastCreatedAt time.Time) time.Time {
	// `created_at` is the display order. keep it strictly increasing even
	// when the clock returns the same instant for two inserts.
	if !createdAt.After(lastCreatedAt) {
		return lastCreatedAt.Add(time.Microsecond)
	}
	return createdAt
}
