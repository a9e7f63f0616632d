package livesession

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

type denyCaptchaVerifier struct{}

func (self *denyCaptchaVerifier) Verify(ctx context.Context, token string) (bool, error) {
	return false, nil
}

func TestChatSendGating(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "gating")

	chat := NewChat(ctx, store, store.Feed(), NewNoopCaptchaVerifier(), session.Id)
	defer chat.Close()

	// the rejection order is fixed: liveness, enablement, author shape,
	// author authorization
	err := chat.Send(ctx, UserAuthor(ownerId), "hello")
	assert.Equal(t, ErrSessionNotLive, err)

	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)
	err = chat.Send(ctx, UserAuthor(ownerId), "hello")
	assert.Equal(t, ErrChatDisabled, err)

	assert.Equal(t, store.SetChatEnabled(ctx, session.Id, true), nil)

	err = chat.Send(ctx, ChatAuthor{}, "hello")
	assert.Equal(t, ErrInvalidAuthor, err)

	otherId := NewId()
	err = chat.Send(ctx, UserAuthor(otherId), "hello")
	assert.Equal(t, ErrNotAuthorized, err)

	err = chat.Send(ctx, GuestAuthor(NewId()), "hello")
	assert.Equal(t, ErrInvalidGuest, err)

	err = chat.Send(ctx, UserAuthor(ownerId), "   ")
	assert.NotEqual(t, err, nil)

	err = chat.Send(ctx, UserAuthor(ownerId), "hello")
	assert.Equal(t, err, nil)

	// the local view updated over the feed
	messages := chat.Messages()
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, ownerId, *messages[0].UserId)
}

func TestChatGuestRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "guests")

	chat := NewChat(ctx, store, store.Feed(), NewNoopCaptchaVerifier(), session.Id)
	defer chat.Close()

	// registration is gated the same way sending is
	_, err := chat.RegisterGuest(ctx, "Alice", "token")
	assert.Equal(t, ErrSessionNotLive, err)

	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)
	assert.Equal(t, store.SetChatEnabled(ctx, session.Id, true), nil)

	_, err = chat.RegisterGuest(ctx, " a ", "token")
	assert.NotEqual(t, err, nil)

	guest, err := chat.RegisterGuest(ctx, "Alice", "token")
	assert.Equal(t, err, nil)
	assert.Equal(t, "Alice", guest.Name)
	assert.Equal(t, true, guest.CaptchaVerified)

	// name uniqueness is case-insensitive within the session
	_, err = chat.RegisterGuest(ctx, "alice", "token")
	assert.Equal(t, ErrGuestNameTaken, err)
	_, err = chat.RegisterGuest(ctx, "ALICE", "token")
	assert.Equal(t, ErrGuestNameTaken, err)

	_, err = chat.RegisterGuest(ctx, "Bob", "token")
	assert.Equal(t, err, nil)

	// a returning guest resumes without captcha
	resumed, err := chat.ResumeGuest(ctx, guest.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, guest.Id, resumed.Id)
	assert.Equal(t, "Alice", resumed.Name)

	_, err = chat.ResumeGuest(ctx, NewId())
	assert.Equal(t, ErrGuestNotFound, err)

	// guest sends resolve the display name at fetch time
	err = chat.Send(ctx, GuestAuthor(guest.Id), "hi from alice")
	assert.Equal(t, err, nil)

	messages, err := store.ListMessages(ctx, session.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "Alice", messages[0].AuthorName)
}

func TestChatCaptchaFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "captcha")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)
	assert.Equal(t, store.SetChatEnabled(ctx, session.Id, true), nil)

	chat := NewChat(ctx, store, store.Feed(), &denyCaptchaVerifier{}, session.Id)
	defer chat.Close()

	_, err := chat.RegisterGuest(ctx, "Alice", "bad token")
	assert.Equal(t, ErrCaptchaFailed, err)
}

func TestChatMessageOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "order")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)
	assert.Equal(t, store.SetChatEnabled(ctx, session.Id, true), nil)

	chat := NewChat(ctx, store, store.Feed(), NewNoopCaptchaVerifier(), session.Id)
	defer chat.Close()

	n := 20
	for i := 0; i < n; i += 1 {
		err := chat.Send(ctx, UserAuthor(ownerId), fmt.Sprintf("message %d", i))
		assert.Equal(t, err, nil)
	}

	// `created_at` is a strict total order even for a same-instant burst
	messages := chat.Messages()
	assert.Equal(t, n, len(messages))
	for i := 1; i < n; i += 1 {
		if !messages[i-1].CreatedAt.Before(messages[i].CreatedAt) {
			t.Fatalf("created_at not strictly increasing at %d", i)
		}
	}
	for i := 0; i < n; i += 1 {
		assert.Equal(t, fmt.Sprintf("message %d", i), messages[i].Content)
	}
}

func TestChatCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "catch up")
	assert.Equal(t, store.SetLive(ctx, session.Id, true), nil)
	assert.Equal(t, store.SetChatEnabled(ctx, session.Id, true), nil)

	// messages sent before this subscriber existed
	for i := 0; i < 3; i += 1 {
		_, err := store.InsertMessage(ctx, &ChatMessage{
			SessionId: session.Id,
			Content:   fmt.Sprintf("early %d", i),
			UserId:    &ownerId,
		})
		assert.Equal(t, err, nil)
	}

	chat := NewChat(ctx, store, store.Feed(), NewNoopCaptchaVerifier(), session.Id)
	defer chat.Close()

	assert.Equal(t, 0, len(chat.Messages()))
	assert.Equal(t, chat.CatchUp(ctx), nil)

	messages := chat.Messages()
	assert.Equal(t, 3, len(messages))
	assert.Equal(t, "early 0", messages[0].Content)
	assert.Equal(t, "early 2", messages[2].Content)
}
