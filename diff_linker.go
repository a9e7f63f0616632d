package livesession

import (
	"golang.org/x/exp/maps"
)

// maps selected files/diffs from the commit watcher onto specific blocks.
//
// embed copies file diffs into diff-type blocks; reference attaches
// lightweight {filename, sha} pointers to a markdown block. both are pure
// transformations of a block list snapshot, applied through
// `BlockStore.Replace`.
type DiffLinker struct {
	store *BlockStore
}

func NewDiffLinker(store *BlockStore) *DiffLinker {
	return &DiffLinker{
		store: store,
	}
}

// the filenames the selector dialog must exclude when opened for
// `activeBlockId`: files already exclusively consumed by another block in
// embed mode. computed from current block store state on open.
func (self *DiffLinker) ExcludedFiles(activeBlockId string) []string {
	excluded := map[string]bool{}
	for _, block := range self.store.Blocks() {
		if block.Type != BlockTypeDiff || block.Id == activeBlockId {
			continue
		}
		if block.LinkedFile != "" {
			excluded[block.LinkedFile] = true
		}
	}
	return maps.Keys(excluded)
}

// embeds the selected file diffs for `activeBlockId`.
//
// if the active block is a diff block, the first selection replaces its
// payload; every further selection becomes a new diff block inserted after
// it. selecting a filename already embedded (in this block or exclusively
// in another) is a no-op for that file.
func (self *DiffLinker) EmbedFiles(activeBlockId string, sha string, selections []*FileChange) ([]*Block, error) {
	blocks := self.store.Blocks()

	embedded := map[string]bool{}
	for _, block := range blocks {
		if block.Type == BlockTypeDiff && block.LinkedFile != "" {
			embedded[block.LinkedFile] = true
		}
	}

	activeIndex := -1
	for i, block := range blocks {
		if block.Id == activeBlockId {
			activeIndex = i
			break
		}
	}

	insertIndex := len(blocks)
	replaceActive := false
	if 0 <= activeIndex {
		insertIndex = activeIndex + 1
		active := blocks[activeIndex]
		replaceActive = active.Type == BlockTypeDiff && active.LinkedFile == ""
	}

	for _, selection := range selections {
		if embedded[selection.Filename] {
			// already embedded somewhere. no duplicate diff blocks.
			continue
		}
		embedded[selection.Filename] = true

		if replaceActive {
			replaceActive = false
			active := blocks[activeIndex].Copy()
			active.Content = selection.Patch
			active.LinkedFile = selection.Filename
			active.LinkedCommits = []CommitLink{{Filename: selection.Filename, Sha: sha}}
			blocks[activeIndex] = active
			continue
		}

		block := NewBlock(BlockTypeDiff, selection.Patch)
		block.LinkedFile = selection.Filename
		block.LinkedCommits = []CommitLink{{Filename: selection.Filename, Sha: sha}}
		blocks = append(blocks[0:insertIndex], append([]*Block{block}, blocks[insertIndex:]...)...)
		insertIndex += 1
	}

	return self.store.Replace(blocks)
}

// attaches {filename, sha} pointers to a markdown block without inlining
// the diffs, used for mentions inside prose. duplicate pointers are
// dropped.
func (self *DiffLinker) ReferenceFiles(activeBlockId string, sha string, filenames []string) ([]*Block, error) {
	blocks := self.store.Blocks()

	for i, block := range blocks {
		if block.Id != activeBlockId {
			continue
		}
		if block.Type != BlockTypeMarkdown {
			break
		}

		blockCopy := block.Copy()
		existing := map[CommitLink]bool{}
		for _, link := range blockCopy.LinkedCommits {
			existing[link] = true
		}
		for _, filename := range filenames {
			link := CommitLink{Filename: filename, Sha: sha}
			if existing[link] {
				continue
			}
			existing[link] = true
			blockCopy.LinkedCommits = append(blockCopy.LinkedCommits, link)
		}
		blocks[i] = blockCopy
		break
	}

	return self.store.Replace(blocks)
}
