package livesession

import (
	"testing"

	"golang.org/x/exp/slices"

	"github.com/go-playground/assert/v2"
)

func TestDiffLinkerExcludedFiles(t *testing.T) {
	store := NewBlockStore([]*Block{
		{Id: "a", Type: BlockTypeDiff, LinkedFile: "main.go"},
		{Id: "b", Type: BlockTypeDiff, LinkedFile: "util.go"},
		{Id: "c", Type: BlockTypeDiff},
		{Id: "d", Type: BlockTypeMarkdown, LinkedFile: "readme.md"},
	})
	linker := NewDiffLinker(store)

	// files consumed by other diff blocks, not by the active block and not
	// by markdown blocks
	excluded := linker.ExcludedFiles("a")
	slices.Sort(excluded)
	assert.Equal(t, []string{"util.go"}, excluded)

	excluded = linker.ExcludedFiles("c")
	slices.Sort(excluded)
	assert.Equal(t, []string{"main.go", "util.go"}, excluded)
}

func TestDiffLinkerEmbedReplacesEmptyActive(t *testing.T) {
	store := NewBlockStore([]*Block{
		{Id: "a", Type: BlockTypeMarkdown},
		{Id: "b", Type: BlockTypeDiff},
		{Id: "c", Type: BlockTypeMarkdown},
	})
	linker := NewDiffLinker(store)

	blocks, err := linker.EmbedFiles("b", "sha1", []*FileChange{
		{Filename: "main.go", Patch: "patch1"},
		{Filename: "util.go", Patch: "patch2"},
	})
	assert.Equal(t, err, nil)

	// the first selection fills the active empty diff block, the second
	// becomes a new block right after it
	assert.Equal(t, 4, len(blocks))
	assert.Equal(t, "b", blocks[1].Id)
	assert.Equal(t, "main.go", blocks[1].LinkedFile)
	assert.Equal(t, "patch1", blocks[1].Content)
	assert.Equal(t, []CommitLink{{Filename: "main.go", Sha: "sha1"}}, blocks[1].LinkedCommits)

	assert.Equal(t, BlockTypeDiff, blocks[2].Type)
	assert.Equal(t, "util.go", blocks[2].LinkedFile)
	assert.Equal(t, "patch2", blocks[2].Content)

	assert.Equal(t, "c", blocks[3].Id)
}

func TestDiffLinkerEmbedDedup(t *testing.T) {
	store := NewBlockStore([]*Block{
		{Id: "a", Type: BlockTypeDiff, LinkedFile: "main.go", Content: "old"},
		{Id: "b", Type: BlockTypeMarkdown},
	})
	linker := NewDiffLinker(store)

	// a filename already embedded anywhere is skipped
	blocks, err := linker.EmbedFiles("b", "sha1", []*FileChange{
		{Filename: "main.go", Patch: "new"},
		{Filename: "util.go", Patch: "patch"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(blocks))
	assert.Equal(t, "old", blocks[0].Content)
	assert.Equal(t, "util.go", blocks[2].LinkedFile)
}

func TestDiffLinkerEmbedMissingActive(t *testing.T) {
	store := NewBlockStore([]*Block{
		{Id: "a", Type: BlockTypeMarkdown},
	})
	linker := NewDiffLinker(store)

	blocks, err := linker.EmbedFiles("missing", "sha1", []*FileChange{
		{Filename: "main.go", Patch: "patch"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(blocks))
	assert.Equal(t, "main.go", blocks[1].LinkedFile)
}

func TestDiffLinkerReferenceFiles(t *testing.T) {
	store := NewBlockStore([]*Block{
		{Id: "a", Type: BlockTypeMarkdown},
		{Id: "b", Type: BlockTypeDiff},
	})
	linker := NewDiffLinker(store)

	blocks, err := linker.ReferenceFiles("a", "sha1", []string{"main.go", "util.go"})
	assert.Equal(t, err, nil)
	assert.Equal(t, []CommitLink{
		{Filename: "main.go", Sha: "sha1"},
		{Filename: "util.go", Sha: "sha1"},
	}, blocks[0].LinkedCommits)

	// duplicate pointers are dropped, a new sha is a new pointer
	blocks, err = linker.ReferenceFiles("a", "sha1", []string{"main.go"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(blocks[0].LinkedCommits))

	blocks, err = linker.ReferenceFiles("a", "sha2", []string{"main.go"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(blocks[0].LinkedCommits))

	// reference applies to markdown blocks only
	blocks, err = linker.ReferenceFiles("b", "sha1", []string{"main.go"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(blocks[1].LinkedCommits))
}
