package livesession

import (
	"time"
)

// consecutive messages from the same author within this window are
// rendered without repeating the author/avatar header
const MessageGroupWindow = 10 * time.Minute

// presentation rule, not a storage rule: recomputed per render from
// adjacent messages, never persisted.
//
// returns one flag per message; true means the renderer shows the
// author/avatar header for that message. authors match only when both the
// identity kind and the id match.
func MessageHeaderFlags(messages []*ChatMessage) []bool {
	flags := make([]bool, len(messages))
	for i, message := range messages {
		if i == 0 {
			flags[i] = true
			continue
		}
		previous := messages[i-1]
		if !message.SameAuthor(previous) {
			flags[i] = true
			continue
		}
		if MessageGroupWindow < message.CreatedAt.Sub(previous.CreatedAt) {
			flags[i] = true
		}
	}
	return flags
}
