package pmem

import "sort"

// container is an ordered associative map of free Blocks keyed by their
// packed blockKey (size_idx in the high bits, so ascending order is
// size-then-address). Not thread-safe: the enclosing bucket's mutex
// serializes all access.
//
// Grounded on the free-list-by-size-class bookkeeping of cznic/memory and
// the arena example repos in the retrieval pack rather than on a crit-bit
// or radix tree: nothing in the corpus reaches for an ordered-map or
// B-tree third-party package for this kind of bookkeeping, and a
// hand-rolled one would be unverified complexity with no grounding
// anywhere in the examples. See DESIGN.md.
type container struct {
	keys     []blockKey // sorted ascending
	blockOff []uint32   // parallel to keys
}

func newContainer() *container {
	return &container{}
}

func (c *container) search(k blockKey) int {
	return sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= k })
}

// insert adds block to the container. Duplicate keys (same size/zone/chunk)
// cannot occur: a chunk is either free (at most one container entry) or
// used (absent).
func (c *container) insert(b Block) {
	k := b.key()
	i := c.search(k)

	c.keys = append(c.keys, 0)
	copy(c.keys[i+1:], c.keys[i:])
	c.keys[i] = k

	c.blockOff = append(c.blockOff, 0)
	copy(c.blockOff[i+1:], c.blockOff[i:])
	c.blockOff[i] = b.BlockOff
}

// removeExact removes the block matching b's zone/chunk/size exactly.
// Returns false if not found.
func (c *container) removeExact(b Block) bool {
	k := b.key()
	i := c.search(k)

	if i >= len(c.keys) || c.keys[i] != k {
		return false
	}

	c.removeAt(i)

	return true
}

// removeBestFit removes and returns the smallest entry whose packed key is
// >= requested's packed key (same size or larger, lowest address among
// ties), per testable property #6.
func (c *container) removeBestFit(requested Block) (Block, bool) {
	k := requested.key()
	i := c.search(k)

	if i >= len(c.keys) {
		return Block{}, false
	}

	found := keyToBlock(c.keys[i], c.blockOff[i])
	c.removeAt(i)

	return found, true
}

// findExact reports whether a block matching b's zone/chunk/size is present.
func (c *container) findExact(b Block) bool {
	k := b.key()
	i := c.search(k)

	return i < len(c.keys) && c.keys[i] == k
}

func (c *container) isEmpty() bool { return len(c.keys) == 0 }

func (c *container) clear() {
	c.keys = c.keys[:0]
	c.blockOff = c.blockOff[:0]
}

func (c *container) removeAt(i int) {
	c.keys = append(c.keys[:i], c.keys[i+1:]...)
	c.blockOff = append(c.blockOff[:i], c.blockOff[i+1:]...)
}
