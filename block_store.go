package livesession

import (
	"fmt"
	"sync"
)

// fired with the new list after every mutation
type BlockChangeFunction = func(blocks []*Block)

// owns the ordered block list and block-level mutations.
//
// all operations are synchronous transformations of the in-memory ordered
// list. each returns the new list so observers can diff cheaply; the
// returned list is a copy and callers may hold it across later mutations.
type BlockStore struct {
	stateLock sync.Mutex

	blocks []*Block

	changeCallbacks *CallbackList[BlockChangeFunction]
}

func NewBlockStore(initialBlocks []*Block) *BlockStore {
	blocks := initialBlocks
	if len(blocks) == 0 {
		blocks = DefaultBlocks()
	}
	return &BlockStore{
		blocks:          copyBlocks(blocks),
		changeCallbacks: NewCallbackList[BlockChangeFunction](),
	}
}

func (self *BlockStore) AddChangeCallback(changeCallback BlockChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *BlockStore) Blocks() []*Block {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyBlocks(self.blocks)
}

func (self *BlockStore) Block(blockId string) *Block {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if i := self.index(blockId); 0 <= i {
		return self.blocks[i].Copy()
	}
	return nil
}

// appends a new block and returns its id with the new list
func (self *BlockStore) Add(blockType BlockType, initialContent string) (string, []*Block) {
	block := NewBlock(blockType, initialContent)
	blocks := self.change(func() {
		self.blocks = append(self.blocks, block)
	})
	return block.Id, blocks
}

// inserts a new block immediately after `afterBlockId`,
// or appends if the anchor no longer exists
func (self *BlockStore) InsertAfter(afterBlockId string, blockType BlockType, initialContent string) (string, []*Block) {
	block := NewBlock(blockType, initialContent)
	blocks := self.change(func() {
		i := self.index(afterBlockId)
		if i < 0 {
			self.blocks = append(self.blocks, block)
			return
		}
		self.blocks = append(self.blocks[0:i+1], append([]*Block{block}, self.blocks[i+1:]...)...)
	})
	return block.Id, blocks
}

// removing a block deletes any diff/link data it held. no soft delete.
func (self *BlockStore) Remove(blockId string) []*Block {
	return self.change(func() {
		if i := self.index(blockId); 0 <= i {
			self.blocks = append(self.blocks[0:i], self.blocks[i+1:]...)
		}
	})
}

func (self *BlockStore) Update(blockId string, content string) []*Block {
	return self.change(func() {
		if i := self.index(blockId); 0 <= i {
			block := self.blocks[i].Copy()
			block.Content = content
			self.blocks[i] = block
		}
	})
}

func (self *BlockStore) SetCollapsed(blockId string, collapsed bool) []*Block {
	return self.change(func() {
		if i := self.index(blockId); 0 <= i {
			block := self.blocks[i].Copy()
			block.Collapsed = collapsed
			self.blocks[i] = block
		}
	})
}

// stable list splice: remove then insert, never a swap, so the relative
// order of untouched blocks is preserved
func (self *BlockStore) Reorder(blockId string, newIndex int) []*Block {
	return self.change(func() {
		i := self.index(blockId)
		if i < 0 {
			return
		}
		block := self.blocks[i]
		self.blocks = append(self.blocks[0:i], self.blocks[i+1:]...)
		if newIndex < 0 {
			newIndex = 0
		}
		if len(self.blocks) < newIndex {
			newIndex = len(self.blocks)
		}
		self.blocks = append(self.blocks[0:newIndex], append([]*Block{block}, self.blocks[newIndex:]...)...)
	})
}

func (self *BlockStore) LinkFile(blockId string, path string) []*Block {
	return self.change(func() {
		if i := self.index(blockId); 0 <= i {
			block := self.blocks[i].Copy()
			block.LinkedFile = path
			self.blocks[i] = block
		}
	})
}

// replaces the whole list. used by the diff linker, which computes its
// result as a pure transformation of a snapshot.
// the replacement must not introduce duplicate ids.
func (self *BlockStore) Replace(blocks []*Block) ([]*Block, error) {
	blockIds := map[string]bool{}
	for _, block := range blocks {
		if blockIds[block.Id] {
			return nil, fmt.Errorf("duplicate block id %s", block.Id)
		}
		blockIds[block.Id] = true
	}
	return self.change(func() {
		self.blocks = copyBlocks(blocks)
	}), nil
}

// must be called with `stateLock`
func (self *BlockStore) index(blockId string) int {
	for i, block := range self.blocks {
		if block.Id == blockId {
			return i
		}
	}
	return -1
}

func (self *BlockStore) change(mutate func()) []*Block {
	var blocks []*Block
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		mutate()
		blocks = copyBlocks(self.blocks)
	}()

	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(blocks)
	}
	return blocks
}
