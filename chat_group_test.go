package livesession

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMessageHeaderFlags(t *testing.T) {
	userId := NewId()
	otherId := NewId()
	guestId := userId

	base := time.Now()
	messages := []*ChatMessage{
		// first message always shows a header
		{UserId: &userId, CreatedAt: base},
		// same author inside the window collapses
		{UserId: &userId, CreatedAt: base.Add(time.Minute)},
		// same author past the window starts a new group
		{UserId: &userId, CreatedAt: base.Add(12 * time.Minute)},
		// author change starts a new group
		{UserId: &otherId, CreatedAt: base.Add(12*time.Minute + time.Second)},
		// same id bytes but a different identity kind is a new author
		{GuestId: &guestId, CreatedAt: base.Add(12*time.Minute + 2*time.Second)},
		{GuestId: &guestId, CreatedAt: base.Add(12*time.Minute + 3*time.Second)},
	}

	assert.Equal(t, []bool{true, false, true, true, true, false}, MessageHeaderFlags(messages))
}

func TestMessageHeaderFlagsBoundary(t *testing.T) {
	userId := NewId()

	base := time.Now()
	// a gap of exactly the window does not break the group
	messages := []*ChatMessage{
		{UserId: &userId, CreatedAt: base},
		{UserId: &userId, CreatedAt: base.Add(MessageGroupWindow)},
		{UserId: &userId, CreatedAt: base.Add(2*MessageGroupWindow + time.Nanosecond)},
	}

	assert.Equal(t, []bool{true, false, true}, MessageHeaderFlags(messages))

	assert.Equal(t, []bool{}, MessageHeaderFlags(nil))
}
