package pmem

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// offsetOf computes the pool-relative byte offset of a *PoolOffset that
// must itself live inside the mapping (e.g. a field of an already
// allocated persistent struct reached via Direct). This is what makes the
// guard protocol's "dest" meaningful after a crash: the info slot records
// a pool-offset, not a process address, so recovery can find it again in
// a freshly re-mapped pool.
func (p *Pool) offsetOf(ptr *PoolOffset) (PoolOffset, error) {
	base := uintptr(unsafe.Pointer(&p.data[0]))
	addr := uintptr(unsafe.Pointer(ptr))

	if addr < base || addr+8 > base+uintptr(len(p.data)) {
		return 0, fmt.Errorf("destination pointer not inside pool mapping: %w", ErrInvalid)
	}

	return PoolOffset(addr - base), nil
}

// blockSizeAndClass reports the usable size and, for a run chunk, the
// owning class id, of the block rooted at (zoneID, chunkIdx).
func (p *Pool) blockSizeAndClass(zoneID, chunkIdx uint32, blockOff uint32) (size uint32, classID uint32, huge bool, err error) {
	h, err := p.backend.readChunkHeader(zoneID, chunkIdx)
	if err != nil {
		return 0, 0, false, err
	}

	if h.Type == chunkBase {
		return h.SizeIdx*chunkSize - blockOff, 0, true, nil
	}

	classID = h.SizeIdx
	if classID >= p.classCount {
		return 0, 0, false, fmt.Errorf("chunk (%d,%d) references unknown class %d: %w", zoneID, chunkIdx, classID, ErrCorrupt)
	}

	return p.classes[classID].unitSize, classID, false, nil
}

// resolveClass maps a requested size to a class id, or huge=true for the
// whole-chunk-run bucket. Once any heap.alloc_class.map.range entry is
// registered, resolution is explicit-only: a size outside every registered
// range is rejected rather than falling back to the ladder search or the
// huge bucket (spec §4.8 S3).
func (p *Pool) resolveClass(size uint32) (classID uint32, huge bool, err error) {
	if len(p.classRanges) > 0 {
		for _, r := range p.classRanges {
			if size >= r.start && size <= r.end {
				return r.classID, false, nil
			}
		}

		return 0, false, fmt.Errorf("size %d outside every registered heap.alloc_class.map.range: %w", size, ErrInvalid)
	}

	if id, ok := p.classFor(size); ok {
		return id, false, nil
	}

	return 0, true, nil
}

// acquireBlock allocates a block of at least size bytes from the
// appropriate bucket, returning its pool-offset and the confirming
// chunk-header bit flip (see chunkFlagEntry) to fold into the caller's
// redo-log publish.
func (p *Pool) acquireBlock(size uint32) (off PoolOffset, confirm chunkFlagEntry, err error) {
	defer func() {
		if errors.Is(err, ErrNoMem) {
			p.logger.Warn("zone exhausted", "requested_size", size)
		}
	}()

	classID, huge, err := p.resolveClass(size)
	if err != nil {
		return 0, chunkFlagEntry{}, err
	}

	if !huge {
		block, err := p.globalBucket[classID].getUnit(p.backend, p.hugeBucket)
		if err != nil {
			return 0, chunkFlagEntry{}, err
		}

		dataOff, err := p.backend.chunkDataOffset(block.ZoneID, block.ChunkIdx)
		if err != nil {
			return 0, chunkFlagEntry{}, err
		}

		headerOff, err := p.backend.chunkHeaderOffset(block.ZoneID, block.ChunkIdx)
		if err != nil {
			return 0, chunkFlagEntry{}, err
		}

		unit := uint64(block.BlockOff / p.classes[classID].unitSize)
		entry := chunkFlagEntry{wordOffset: headerOff, mask: uint64(1) << (chunkWordFieldBit + unit), op: redoOr}

		return PoolOffset(dataOff) + PoolOffset(block.BlockOff), entry, nil
	}

	want := (size + chunkSize - 1) / chunkSize
	run, err := p.hugeBucket.acquireRun(p.backend, want)
	if err != nil {
		return 0, chunkFlagEntry{}, err
	}

	h, err := p.backend.readChunkHeader(run.ZoneID, run.ChunkIdx)
	if err != nil {
		return 0, chunkFlagEntry{}, err
	}

	h.Type = chunkBase

	if err := p.backend.writeChunkHeader(run.ZoneID, run.ChunkIdx, h); err != nil {
		return 0, chunkFlagEntry{}, err
	}

	dataOff, err := p.backend.chunkDataOffset(run.ZoneID, run.ChunkIdx)
	if err != nil {
		return 0, chunkFlagEntry{}, err
	}

	headerOff, err := p.backend.chunkHeaderOffset(run.ZoneID, run.ChunkIdx)
	if err != nil {
		return 0, chunkFlagEntry{}, err
	}

	entry := chunkFlagEntry{wordOffset: headerOff + 8, mask: chunkUsedSetMask, op: redoOr}

	return PoolOffset(dataOff), entry, nil
}

// planReleaseConfirm computes the chunk-header bit transition that
// releaseBlock is about to perform for off, without mutating anything, so
// Free can fold it into the same redo-log publish as the pointer clear.
// releaseBlock still performs the actual write afterward — idempotently,
// since re-applying an AND/OR mask that already took effect is a no-op —
// it is what carries out the free-list bookkeeping this function does not
// touch.
func (p *Pool) planReleaseConfirm(off PoolOffset) (chunkFlagEntry, error) {
	zoneID, chunkIdx, err := p.backend.offsetToChunk(off)
	if err != nil {
		return chunkFlagEntry{}, err
	}

	dataOff, err := p.backend.chunkDataOffset(zoneID, chunkIdx)
	if err != nil {
		return chunkFlagEntry{}, err
	}

	blockOff := uint32(uint64(off) - dataOff)

	headerOff, err := p.backend.chunkHeaderOffset(zoneID, chunkIdx)
	if err != nil {
		return chunkFlagEntry{}, err
	}

	_, classID, huge, err := p.blockSizeAndClass(zoneID, chunkIdx, blockOff)
	if err != nil {
		return chunkFlagEntry{}, err
	}

	if huge {
		return chunkFlagEntry{wordOffset: headerOff + 8, mask: chunkUsedClearMask, op: redoAnd}, nil
	}

	unit := uint64(blockOff / p.classes[classID].unitSize)

	return chunkFlagEntry{wordOffset: headerOff, mask: ^(uint64(1) << (chunkWordFieldBit + unit)), op: redoAnd}, nil
}

// extendInPlace grows the whole-chunk-run block at (zoneID, chunkIdx),
// currently oldSize bytes, to cover newSize bytes by absorbing an
// immediately following free run, when one exists and is large enough.
// Reports grown=false (no mutation) otherwise, so the caller falls back to
// acquire-new+copy+free-old (spec §4.7, backend.mergeIfFollowingFree's
// "so the caller can extend in place").
func (p *Pool) extendInPlace(zoneID, chunkIdx uint32, oldSize uint32, newSize uint64) (grown bool, err error) {
	curSize := oldSize / chunkSize
	want := uint32((newSize + chunkSize - 1) / chunkSize)

	return p.hugeBucket.extendRun(p.backend, zoneID, chunkIdx, curSize, want)
}

// releaseBlock returns a previously-acquired block to its owning bucket.
func (p *Pool) releaseBlock(off PoolOffset) (size uint32, err error) {
	zoneID, chunkIdx, err := p.backend.offsetToChunk(off)
	if err != nil {
		return 0, err
	}

	dataOff, err := p.backend.chunkDataOffset(zoneID, chunkIdx)
	if err != nil {
		return 0, err
	}

	blockOff := uint32(uint64(off) - dataOff)

	size, classID, huge, err := p.blockSizeAndClass(zoneID, chunkIdx, blockOff)
	if err != nil {
		return 0, err
	}

	if huge {
		h, err := p.backend.readChunkHeader(zoneID, chunkIdx)
		if err != nil {
			return 0, err
		}

		if err := p.hugeBucket.releaseRun(p.backend, Block{ZoneID: zoneID, ChunkIdx: chunkIdx, SizeIdx: uint16(h.SizeIdx)}); err != nil {
			return 0, err
		}

		return size, nil
	}

	block := Block{ZoneID: zoneID, ChunkIdx: chunkIdx, BlockOff: blockOff}
	if err := p.globalBucket[classID].putUnit(p.backend, p.hugeBucket, block); err != nil {
		return 0, err
	}

	return size, nil
}

// Malloc allocates at least size bytes and publishes the new block's
// pool-offset through *ptr. ptr must point at a PoolOffset field that
// itself lives inside the pool mapping (spec §4.7).
func (p *Pool) Malloc(ctx context.Context, ptr *PoolOffset, size uint64) error {
	if size == 0 {
		return fmt.Errorf("size must be > 0: %w", ErrInvalid)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	destOff, err := p.offsetOf(ptr)
	if err != nil {
		return err
	}

	if atomicLoadUint64(p.data[destOff:destOff+8]) != 0 {
		return fmt.Errorf("*ptr must be 0: %w", ErrInvalid)
	}

	a, err := p.acquireArena()
	if err != nil {
		return err
	}
	defer p.releaseArena(a)

	// Record intent before the backend mutates any chunk header (spec
	// §4.4), then refine the slot with the chosen block's offset the
	// moment it is known — recovery treats a slot still showing block==0
	// as "nothing reserved yet" (see recoverSlot), which only leaves a
	// window between acquireBlock's internal mutation and this second
	// write; closing that window fully would mean splitting bucket
	// reservation into a pure in-memory "choose" step ahead of its
	// durable "commit" step, which this package does not do (documented
	// as a scoping limitation in DESIGN.md).
	if err := a.guardUp(infoSlotPayload{kind: infoAlloc, ptr: destOff}); err != nil {
		return err
	}

	blockOff, confirm, err := p.acquireBlock(uint32(size))
	if err != nil {
		_ = a.guardDown()
		return err
	}

	if err := a.guardUp(infoSlotPayload{kind: infoAlloc, ptr: destOff, block: blockOff}); err != nil {
		return err
	}

	if err := a.publish(destOff, uint64(blockOff), confirm); err != nil {
		return err
	}

	atomic.AddUint64(&p.statAllocated, size)

	return a.guardDown()
}

// Free releases the block at *ptr and sets *ptr to 0.
func (p *Pool) Free(ctx context.Context, ptr *PoolOffset) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	destOff, err := p.offsetOf(ptr)
	if err != nil {
		return err
	}

	current := PoolOffset(atomicLoadUint64(p.data[destOff : destOff+8]))
	if current == 0 {
		return nil
	}

	reserved, err := p.isStillReserved(current)
	if err != nil {
		return err
	}

	if !reserved {
		return fmt.Errorf("free target not USED: %w", ErrDoubleFree)
	}

	confirm, err := p.planReleaseConfirm(current)
	if err != nil {
		return err
	}

	a, err := p.acquireArena()
	if err != nil {
		return err
	}
	defer p.releaseArena(a)

	if err := a.guardUp(infoSlotPayload{kind: infoFree, ptr: destOff, block: current}); err != nil {
		return err
	}

	// Publish the zero before releasing the backend block: that way a
	// crash can only land either before any visible change (*ptr still
	// == current, recovery does nothing) or after *ptr reads 0 with the
	// release possibly still outstanding (recovery finishes it) — never
	// in a state where the block is already back on a free list while
	// *ptr still denotes it as live.
	if err := a.publish(destOff, 0, confirm); err != nil {
		return err
	}

	size, err := p.releaseBlock(current)
	if err != nil {
		return err
	}

	atomic.AddUint64(&p.statFreed, uint64(size))

	return a.guardDown()
}

// Realloc resizes the block at *ptr to newSize, preserving the
// min(oldSize, newSize) leading bytes of content, and republishes *ptr if
// the block moved. A no-op if the existing block's class already covers
// newSize. newSize == 0 delegates to Free (spec §4.7).
func (p *Pool) Realloc(ctx context.Context, ptr *PoolOffset, newSize uint64) error {
	if newSize == 0 {
		return p.Free(ctx, ptr)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	destOff, err := p.offsetOf(ptr)
	if err != nil {
		return err
	}

	oldOff := PoolOffset(atomicLoadUint64(p.data[destOff : destOff+8]))
	if oldOff == 0 {
		return p.Malloc(ctx, ptr, newSize)
	}

	zoneID, chunkIdx, err := p.backend.offsetToChunk(oldOff)
	if err != nil {
		return err
	}

	dataOff, err := p.backend.chunkDataOffset(zoneID, chunkIdx)
	if err != nil {
		return err
	}

	oldSize, _, huge, err := p.blockSizeAndClass(zoneID, chunkIdx, uint32(uint64(oldOff)-dataOff))
	if err != nil {
		return err
	}

	if uint64(oldSize) >= newSize {
		return nil
	}

	// A whole-chunk-run block can sometimes grow without moving, by
	// absorbing an immediately following free run (spec §4.7's "extends in
	// place when the following chunk is free" fast path). Unit-class
	// blocks never take this path: their size is fixed by the owning
	// chunk's registered class.
	if huge {
		grown, err := p.extendInPlace(zoneID, chunkIdx, oldSize, newSize)
		if err != nil {
			return err
		}

		if grown {
			atomic.AddUint64(&p.statAllocated, newSize-uint64(oldSize))
			return nil
		}
	}

	a, err := p.acquireArena()
	if err != nil {
		return err
	}
	defer p.releaseArena(a)

	if err := a.guardUp(infoSlotPayload{kind: infoRealloc, ptr: destOff, old: oldOff}); err != nil {
		return err
	}

	newOff, confirm, err := p.acquireBlock(uint32(newSize))
	if err != nil {
		_ = a.guardDown()
		return err
	}

	if err := a.guardUp(infoSlotPayload{kind: infoRealloc, ptr: destOff, block: newOff, old: oldOff}); err != nil {
		return err
	}

	copy(p.data[newOff:uint64(newOff)+uint64(oldSize)], p.data[oldOff:uint64(oldOff)+uint64(oldSize)])

	if err := a.publish(destOff, uint64(newOff), confirm); err != nil {
		return err
	}

	if _, err := p.releaseBlock(oldOff); err != nil {
		return err
	}

	atomic.AddUint64(&p.statAllocated, newSize-uint64(oldSize))

	return a.guardDown()
}

// Direct returns a byte slice view of the block at off, sized to that
// block's usable capacity. It is the only public entry point that leaks
// mapped memory to the caller.
func (p *Pool) Direct(off PoolOffset) ([]byte, error) {
	if off == 0 {
		return nil, fmt.Errorf("null offset: %w", ErrInvalid)
	}

	zoneID, chunkIdx, err := p.backend.offsetToChunk(off)
	if err != nil {
		return nil, err
	}

	dataOff, err := p.backend.chunkDataOffset(zoneID, chunkIdx)
	if err != nil {
		return nil, err
	}

	blockOff := uint32(uint64(off) - dataOff)

	size, _, _, err := p.blockSizeAndClass(zoneID, chunkIdx, blockOff)
	if err != nil {
		return nil, err
	}

	return p.data[off : uint64(off)+uint64(size)], nil
}
