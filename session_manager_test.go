package livesession

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, description string, condition func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testManagerSettings() *SessionManagerSettings {
	settings := DefaultSessionManagerSettings()
	settings.WatcherSettings.PollInterval = 10 * time.Millisecond
	settings.AutosaveSettings.DebounceTimeout = 10 * time.Millisecond
	settings.LeaseSettings.HeartbeatInterval = 50 * time.Millisecond
	return settings
}

func TestSessionManagerEditAndSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "untitled")

	fetcher := newTestCommitFetcher()

	manager, err := NewSessionManager(
		ctx,
		store,
		store.Feed(),
		fetcher,
		NewNoopCaptchaVerifier(),
		session.Id,
		"owner/repo",
		true,
		testManagerSettings(),
	)
	assert.Equal(t, err, nil)
	defer manager.Close()

	// opening live takes the lease
	current, err := store.GetSession(ctx, session.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, current.IsLive)

	manager.SetTitle("debugging a race")
	blockId := manager.AddBlock(BlockTypeMarkdown, "first step")
	assert.NotEqual(t, "", blockId)
	manager.UpdateBlock(blockId, "first step, revisited")

	// edits reach the store through the debounced autosave
	waitFor(t, "autosave", func() bool {
		current, err := store.GetSession(ctx, session.Id)
		if err != nil {
			return false
		}
		if current.Title != "debugging a race" {
			return false
		}
		for _, block := range current.Blocks {
			if block.Id == blockId && block.Content == "first step, revisited" {
				return true
			}
		}
		return false
	})

	state, lastSavedAt := manager.SaveState()
	assert.Equal(t, SaveStateSaved, state)
	assert.Equal(t, false, lastSavedAt.IsZero())

	manager.EndSession()
	current, err = store.GetSession(ctx, session.Id)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, current.IsLive)
}

func TestSessionManagerCommitFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "commit flow")

	fetcher := newTestCommitFetcher()
	fetcher.setFiles("sha1", []*FileChange{
		{Filename: "main.go", Additions: 5, Deletions: 2, Patch: "patch main"},
		{Filename: "util.go", Additions: 1, Deletions: 0, Patch: "patch util"},
	})

	manager, err := NewSessionManager(
		ctx,
		store,
		store.Feed(),
		fetcher,
		NewNoopCaptchaVerifier(),
		session.Id,
		"owner/repo",
		false,
		testManagerSettings(),
	)
	assert.Equal(t, err, nil)
	defer manager.Close()

	// no commit is bound yet, so linking has nothing to link against
	err = manager.EmbedFiles("implementation", []*FileChange{{Filename: "main.go"}})
	assert.Equal(t, ErrNoCommitBound, err)

	// a session with no ingested commit starts out listening
	assert.Equal(t, WatcherStateListening, manager.Watcher().State())

	manager.SelectCommit(&Commit{Sha: "sha1", Message: "fix race", AuthoredAt: time.Now()})
	waitFor(t, "diff fetch", func() bool {
		return manager.Watcher().Files() != nil
	})

	excluded := manager.ExcludedFiles("implementation")
	assert.Equal(t, 0, len(excluded))

	err = manager.EmbedFiles("implementation", manager.Watcher().Files())
	assert.Equal(t, err, nil)

	var embedded []*Block
	for _, block := range manager.Blocks() {
		if block.Type == BlockTypeDiff {
			embedded = append(embedded, block)
		}
	}
	assert.Equal(t, 2, len(embedded))
	assert.Equal(t, "main.go", embedded[0].LinkedFile)
	assert.Equal(t, "patch main", embedded[0].Content)
	assert.Equal(t, "util.go", embedded[1].LinkedFile)

	// the selector excludes files another block already consumed
	excluded = manager.ExcludedFiles("intro")
	assert.Equal(t, 2, len(excluded))

	// the bound sha lands in the session's ingested set on save
	waitFor(t, "commit sha save", func() bool {
		current, err := store.GetSession(ctx, session.Id)
		if err != nil {
			return false
		}
		return len(current.CommitShas) == 1 && current.CommitShas[0] == "sha1"
	})

	// commit references on prose blocks
	err = manager.ReferenceFiles("intro", []string{"main.go"})
	assert.Equal(t, err, nil)
	intro := manager.Blocks()[0]
	assert.Equal(t, []CommitLink{{Filename: "main.go", Sha: "sha1"}}, intro.LinkedCommits)
}

func TestSessionManagerChatToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	ownerId := NewId()
	session := store.CreateSession(ownerId, "chat toggle")

	manager, err := NewSessionManager(
		ctx,
		store,
		store.Feed(),
		newTestCommitFetcher(),
		NewNoopCaptchaVerifier(),
		session.Id,
		"owner/repo",
		true,
		testManagerSettings(),
	)
	assert.Equal(t, err, nil)
	defer manager.Close()

	assert.Equal(t, manager.SetChatEnabled(true), nil)

	// the toggle comes back over the feed into the local view
	waitFor(t, "chat enabled", func() bool {
		return manager.Session().ChatEnabled
	})

	chat := manager.Chat()
	err = chat.Send(ctx, UserAuthor(ownerId), "we are live")
	assert.Equal(t, err, nil)
	waitFor(t, "message delivery", func() bool {
		return len(chat.Messages()) == 1
	})

	assert.Equal(t, manager.SetChatEnabled(false), nil)
	waitFor(t, "chat disabled", func() bool {
		return !manager.Session().ChatEnabled
	})
	err = chat.Send(ctx, UserAuthor(ownerId), "too late")
	assert.Equal(t, ErrChatDisabled, err)
}
