package livesession

import (
	"encoding/json"
	"time"

	"golang.org/x/exp/slices"
)

// closed union. every consumption site must handle all three.
type BlockType string

const (
	BlockTypeMarkdown BlockType = "markdown"
	BlockTypeDiff     BlockType = "diff"
	BlockTypeImage    BlockType = "image"
)

func (self BlockType) Valid() bool {
	switch self {
	case BlockTypeMarkdown, BlockTypeDiff, BlockTypeImage:
		return true
	default:
		return false
	}
}

// advisory. used only for previews and the empty-session fallback.
type BlockRole string

const (
	BlockRoleIntro          BlockRole = "intro"
	BlockRoleImplementation BlockRole = "implementation"
	BlockRoleSummary        BlockRole = "summary"
	BlockRoleNone           BlockRole = "none"
)

// a lightweight pointer to a file in a commit, attached to a markdown block
// without inlining the diff
type CommitLink struct {
	Filename string `json:"filename"`
	Sha      string `json:"sha"`
}

// one ordered unit of session content.
// the id is stable and immutable once created. order is a total order with
// only relative position meaningful.
type Block struct {
	Id            string       `json:"id"`
	Type          BlockType    `json:"type"`
	Role          BlockRole    `json:"role,omitempty"`
	Content       string       `json:"content"`
	Collapsed     bool         `json:"collapsed,omitempty"`
	LinkedFile    string       `json:"linked_file,omitempty"`
	LinkedCommits []CommitLink `json:"linked_commits,omitempty"`
}

func (self *Block) Copy() *Block {
	blockCopy := *self
	blockCopy.LinkedCommits = slices.Clone(self.LinkedCommits)
	return &blockCopy
}

func NewBlock(blockType BlockType, content string) *Block {
	return &Block{
		Id:      NewId().String(),
		Type:    blockType,
		Role:    BlockRoleNone,
		Content: content,
	}
}

// the canonical empty-session document. deterministic: fixed ids, fixed
// order. this is the fallback for a malformed persisted block list.
func DefaultBlocks() []*Block {
	return []*Block{
		{
			Id:   "intro",
			Type: BlockTypeMarkdown,
			Role: BlockRoleIntro,
		},
		{
			Id:   "implementation",
			Type: BlockTypeMarkdown,
			Role: BlockRoleImplementation,
		},
		{
			Id:   "summary",
			Type: BlockTypeMarkdown,
			Role: BlockRoleSummary,
		},
	}
}

// decodes a persisted block list. any data-shape failure (bad json, missing
// or duplicate ids, unknown block type) degrades to `DefaultBlocks` rather
// than surfacing an error. nothing here may be fatal to the hosting page.
func DecodeBlocks(blocksJson []byte) []*Block {
	if len(blocksJson) == 0 {
		return DefaultBlocks()
	}

	var blocks []*Block
	if err := json.Unmarshal(blocksJson, &blocks); err != nil {
		return DefaultBlocks()
	}
	if len(blocks) == 0 {
		return DefaultBlocks()
	}

	blockIds := map[string]bool{}
	for _, block := range blocks {
		if block == nil || block.Id == "" || !block.Type.Valid() {
			return DefaultBlocks()
		}
		if blockIds[block.Id] {
			return DefaultBlocks()
		}
		blockIds[block.Id] = true
	}
	return blocks
}

// the top-level narrated-commit document.
// `UpdatedAt` is refreshed by any authoritative mutation. staleness of
// `UpdatedAt` while `IsLive` is the sole liveness-revocation trigger.
type Session struct {
	Id          Id        `json:"id"`
	OwnerId     Id        `json:"owner_id"`
	Title       string    `json:"title"`
	Blocks      []*Block  `json:"blocks"`
	CommitShas  []string  `json:"commit_shas"`
	ChatEnabled bool      `json:"chat_enabled"`
	IsLive      bool      `json:"is_live"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (self *Session) Copy() *Session {
	sessionCopy := *self
	sessionCopy.Blocks = copyBlocks(self.Blocks)
	sessionCopy.CommitShas = slices.Clone(self.CommitShas)
	return &sessionCopy
}

func copyBlocks(blocks []*Block) []*Block {
	blocksCopy := make([]*Block, len(blocks))
	for i, block := range blocks {
		blocksCopy[i] = block.Copy()
	}
	return blocksCopy
}

// the {title, blocks, bound commit sha} tuple written atomically by each
// autosave. last write wins at this granularity, not per block.
type SessionContent struct {
	Title     string   `json:"title"`
	Blocks    []*Block `json:"blocks"`
	CommitSha string   `json:"commit_sha,omitempty"`
}

func (self *SessionContent) Copy() *SessionContent {
	return &SessionContent{
		Title:     self.Title,
		Blocks:    copyBlocks(self.Blocks),
		CommitSha: self.CommitSha,
	}
}

func (self *SessionContent) Equal(other *SessionContent) bool {
	if other == nil {
		return false
	}
	if self.Title != other.Title || self.CommitSha != other.CommitSha {
		return false
	}
	if len(self.Blocks) != len(other.Blocks) {
		return false
	}
	for i := 0; i < len(self.Blocks); i += 1 {
		a := self.Blocks[i]
		b := other.Blocks[i]
		if a.Id != b.Id || a.Type != b.Type || a.Role != b.Role {
			return false
		}
		if a.Content != b.Content || a.Collapsed != b.Collapsed {
			return false
		}
		if a.LinkedFile != b.LinkedFile {
			return false
		}
		if !slices.Equal(a.LinkedCommits, b.LinkedCommits) {
			return false
		}
	}
	return true
}

// immutable once fetched. read-only external fact from the commit host.
type Commit struct {
	Sha        string    `json:"sha"`
	Message    string    `json:"message"`
	AuthorName string    `json:"author_name"`
	AuthoredAt time.Time `json:"authored_at"`
}

// scoped to exactly one commit
type FileChange struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// exactly one of UserId/GuestId is set. enforced on insert.
type ChatMessage struct {
	Id        Id        `json:"id"`
	SessionId Id        `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UserId    *Id       `json:"user_id,omitempty"`
	GuestId   *Id       `json:"guest_id,omitempty"`
	// display name resolved at fetch time, not stored with the message
	AuthorName string `json:"author_name,omitempty"`
}

func (self *ChatMessage) HasOneAuthor() bool {
	return (self.UserId != nil) != (self.GuestId != nil)
}

// true if `other` was authored by the same identity, matching both
// identity kind and id
func (self *ChatMessage) SameAuthor(other *ChatMessage) bool {
	if self.UserId != nil && other.UserId != nil {
		return *self.UserId == *other.UserId
	}
	if self.GuestId != nil && other.GuestId != nil {
		return *self.GuestId == *other.GuestId
	}
	return false
}

// an unauthenticated, session-scoped, captcha-verified chat participant.
// never mutated after creation except the `LastActiveAt` refresh.
type GuestIdentity struct {
	Id              Id        `json:"id"`
	SessionId       Id        `json:"session_id"`
	Name            string    `json:"name"`
	CaptchaVerified bool      `json:"captcha_verified"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}
