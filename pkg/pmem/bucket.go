package pmem

import (
	"fmt"
	"math/bits"
	"sync"
)

// hugeChunkCount is the synthetic size_idx stored in blockKey for a free
// whole-chunk run of n chunks; the global chunk free-list is itself a
// "huge bucket" indexed by run length rather than by registered class id.
//
// Run buckets (registered size classes smaller than one chunk) subdivide a
// single chunk into up to 32 fixed-size units, tracked in that chunk's
// header Word field as an occupancy bitmap — the chunk header's
// "type-specific word" the format reserves for exactly this (spec §4.3/
// §6.5 and SPEC_FULL.md §6.5). Capping at 32 units per run-chunk is a
// deliberate scoping simplification recorded in DESIGN.md: it lets the
// bitmap live entirely in the 32-bit Word field instead of requiring a
// second BITMAP-kind chunk for overflow bits, at the cost of leaving the
// tail of a chunk unused for very small unit sizes.
const maxUnitsPerRunChunk = 32

// A chunk header's SizeIdx field carries different meanings depending on
// Type: for chunkBase it is the chunk-run length in chunks (the huge
// bucket's own bookkeeping); for chunkRun it is instead the registered
// class id the chunk has been committed to, since a run chunk is always
// exactly one chunk wide and that length needs no separate record. Free
// reads this back to find the owning bucket without needing any caller-
// supplied metadata beyond the pool-offset itself.

// bucket is a free-list front-end for one registered size class, or for
// the implicit huge class (whole chunk runs of varying length).
type bucket struct {
	mu sync.Mutex

	huge bool

	// huge bucket fields
	freeRuns *container // keyed by Block{SizeIdx: chunk count, BlockOff: 0}

	// run bucket fields
	classID       uint32
	unitSize      uint32
	unitsPerBlock uint32
	partial       []Block // chunks (BlockOff/class irrelevant) with >=1 free unit
}

func newHugeBucket() *bucket {
	return &bucket{huge: true, freeRuns: newContainer()}
}

func newRunBucket(classID, unitSize, unitsPerBlock uint32) *bucket {
	return &bucket{classID: classID, unitSize: unitSize, unitsPerBlock: unitsPerBlock}
}

// registerHugeClass wires pool.hugeBucket and seeds it from every chunkBase
// chunk the backend's zones report as free (Flags&chunkFlagUsed == 0) at
// Open time — the whole-chunk free-list is rebuilt from on-media state
// rather than persisted separately, matching the "chunk headers are the
// source of truth" framing of spec §4.3.
func registerHugeClass(pool *Pool) {
	pool.hugeBucket = newHugeBucket()

	for _, z := range pool.backend.zones {
		for idx := uint32(0); idx < z.chunkCount; {
			h, err := pool.backend.readChunkHeader(z.id, idx)
			if err != nil {
				idx++
				continue
			}

			if h.Type == chunkBase && h.Flags&chunkFlagUsed == 0 {
				pool.hugeBucket.freeRuns.insert(Block{ZoneID: z.id, ChunkIdx: idx, SizeIdx: uint16(h.SizeIdx)})
				idx += h.SizeIdx
				continue
			}

			idx++
		}
	}
}

// acquireRun removes and returns a free chunk run of at least want chunks
// from the huge bucket, splitting off and reinserting any remainder.
func (b *bucket) acquireRun(backend *backend, want uint32) (Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	found, ok := b.freeRuns.removeBestFit(Block{SizeIdx: uint16(want)})
	if !ok {
		return Block{}, ErrNoMem
	}

	if uint32(found.SizeIdx) > want {
		remainder, err := backend.splitChunk(found.ZoneID, found.ChunkIdx, want)
		if err != nil {
			b.freeRuns.insert(found)
			return Block{}, err
		}

		b.freeRuns.insert(remainder)
		found.SizeIdx = uint16(want)
	}

	if err := backend.setUsed(found.ZoneID, found.ChunkIdx, true); err != nil {
		return Block{}, err
	}

	return found, nil
}

// releaseRun returns a chunk run to the huge bucket, coalescing with a
// following free run if one is adjacent.
func (b *bucket) releaseRun(backend *backend, run Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := backend.setUsed(run.ZoneID, run.ChunkIdx, false); err != nil {
		return err
	}

	h, err := backend.readChunkHeader(run.ZoneID, run.ChunkIdx)
	if err != nil {
		return err
	}

	h.Type = chunkBase
	h.Word = 0
	h.SizeIdx = uint32(run.SizeIdx)

	if err := backend.writeChunkHeader(run.ZoneID, run.ChunkIdx, h); err != nil {
		return err
	}

	if followingSize, ok := backend.mergeIfFollowingFree(run.ZoneID, run.ChunkIdx, uint32(run.SizeIdx)); ok {
		next := Block{ZoneID: run.ZoneID, ChunkIdx: run.ChunkIdx + uint32(run.SizeIdx), SizeIdx: uint16(followingSize)}
		if b.freeRuns.removeExact(next) {
			merged := chunkHeader{Type: chunkBase, SizeIdx: uint32(run.SizeIdx) + followingSize}
			if err := backend.writeChunkHeader(run.ZoneID, run.ChunkIdx, merged); err != nil {
				return err
			}

			run.SizeIdx = uint16(merged.SizeIdx)
		}
	}

	b.freeRuns.insert(run)

	return nil
}

// extendRun attempts to grow the run at (zoneID, chunkIdx), currently
// curSize chunks, to at least want chunks by absorbing the immediately
// following free run (mergeIfFollowingFree), splitting off and reinserting
// any chunks beyond want. Reports grown=false, with no backend mutation, if
// there is no following free run or it is too small.
func (b *bucket) extendRun(backend *backend, zoneID, chunkIdx, curSize, want uint32) (grown bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	followingSize, ok := backend.mergeIfFollowingFree(zoneID, chunkIdx, curSize)
	if !ok || curSize+followingSize < want {
		return false, nil
	}

	nextIdx := chunkIdx + curSize
	next := Block{ZoneID: zoneID, ChunkIdx: nextIdx, SizeIdx: uint16(followingSize)}

	if !b.freeRuns.removeExact(next) {
		return false, nil
	}

	total := curSize + followingSize

	h, err := backend.readChunkHeader(zoneID, chunkIdx)
	if err != nil {
		b.freeRuns.insert(next)
		return false, err
	}

	h.SizeIdx = total

	if err := backend.writeChunkHeader(zoneID, chunkIdx, h); err != nil {
		b.freeRuns.insert(next)
		return false, err
	}

	// The absorbed run's own header sat at the old boundary, which is now
	// inside the extended used block rather than the start of anything;
	// mark it used so a future free-list rebuild (registerHugeClass) never
	// mistakes the leftover header for a live free run.
	if err := backend.writeChunkHeader(zoneID, nextIdx, chunkHeader{Type: chunkBase, Flags: chunkFlagUsed}); err != nil {
		return false, err
	}

	if total > want {
		remainder, err := backend.splitChunk(zoneID, chunkIdx, want)
		if err != nil {
			return false, err
		}

		b.freeRuns.insert(remainder)
	}

	return true, nil
}

// getUnit returns one free unit from a chunk already claimed by this run
// bucket, acquiring and formatting a fresh chunk from backend/huge when no
// partially-free chunk remains.
func (b *bucket) getUnit(backend *backend, huge *bucket) (Block, error) {
	b.mu.Lock()

	if n := len(b.partial); n > 0 {
		chunk := b.partial[n-1]

		block, full, err := b.claimUnitLocked(backend, chunk)
		if err != nil {
			b.mu.Unlock()
			return Block{}, err
		}

		if full {
			b.partial = b.partial[:n-1]
		}

		b.mu.Unlock()

		return block, nil
	}

	b.mu.Unlock()

	run, err := huge.acquireRun(backend, 1)
	if err != nil {
		return Block{}, err
	}

	fresh := chunkHeader{Type: chunkRun, Word: 0, SizeIdx: b.classID}
	if err := backend.writeChunkHeader(run.ZoneID, run.ChunkIdx, fresh); err != nil {
		return Block{}, err
	}

	b.mu.Lock()
	block, full, err := b.claimUnitLocked(backend, Block{ZoneID: run.ZoneID, ChunkIdx: run.ChunkIdx})
	if err == nil && !full {
		b.partial = append(b.partial, Block{ZoneID: run.ZoneID, ChunkIdx: run.ChunkIdx})
	}
	b.mu.Unlock()

	return block, err
}

func (b *bucket) claimUnitLocked(backend *backend, chunk Block) (Block, bool, error) {
	h, err := backend.readChunkHeader(chunk.ZoneID, chunk.ChunkIdx)
	if err != nil {
		return Block{}, false, err
	}

	mask := uint32(1)<<b.unitsPerBlock - 1
	free := ^h.Word & mask

	if free == 0 {
		return Block{}, true, fmt.Errorf("chunk (%d,%d) reported partial but is full: %w", chunk.ZoneID, chunk.ChunkIdx, ErrCorrupt)
	}

	unit := uint32(bits.TrailingZeros32(free))
	h.Word |= 1 << unit

	if err := backend.writeChunkHeader(chunk.ZoneID, chunk.ChunkIdx, h); err != nil {
		return Block{}, false, err
	}

	block := Block{ZoneID: chunk.ZoneID, ChunkIdx: chunk.ChunkIdx, BlockOff: unit * b.unitSize, SizeIdx: uint16(b.classID)}

	return block, h.Word&mask == mask, nil
}

// putUnit clears block's bit in its chunk's bitmap, returning the whole
// chunk to the huge bucket if it becomes entirely free.
func (b *bucket) putUnit(backend *backend, huge *bucket, block Block) error {
	unit := block.BlockOff / b.unitSize

	b.mu.Lock()

	h, err := backend.readChunkHeader(block.ZoneID, block.ChunkIdx)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	wasFull := h.Word&(uint32(1)<<b.unitsPerBlock-1) == uint32(1)<<b.unitsPerBlock-1
	h.Word &^= 1 << unit

	if err := backend.writeChunkHeader(block.ZoneID, block.ChunkIdx, h); err != nil {
		b.mu.Unlock()
		return err
	}

	if h.Word == 0 {
		b.removePartialLocked(block.ZoneID, block.ChunkIdx)
		b.mu.Unlock()

		return huge.releaseRun(backend, Block{ZoneID: block.ZoneID, ChunkIdx: block.ChunkIdx, SizeIdx: 1})
	}

	if wasFull {
		b.partial = append(b.partial, Block{ZoneID: block.ZoneID, ChunkIdx: block.ChunkIdx})
	}

	b.mu.Unlock()

	return nil
}

func (b *bucket) removePartialLocked(zoneID, chunkIdx uint32) {
	for i, c := range b.partial {
		if c.ZoneID == zoneID && c.ChunkIdx == chunkIdx {
			b.partial = append(b.partial[:i], b.partial[i+1:]...)
			return
		}
	}
}
