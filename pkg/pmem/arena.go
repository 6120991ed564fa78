package pmem

import "fmt"

// arena is a front-end onto the heap: it owns exactly one
// info slot (and the redo-log lane at the same index) and records its
// operation's intent there before the backend mutates any chunk header,
// per the guard protocol of spec §4.4.
//
// Arenas are recycled through Pool.arenaPool (a sync.Pool), the same
// pattern used for per-P caches in the Go runtime's own allocator (see the
// annotated sync.Pool walkthrough kept in the retrieval pack): a goroutine
// borrows an arena for the duration of one call and returns it afterward,
// so the number of live arenas tracks concurrency rather than goroutine
// count.
type arena struct {
	id   uint32
	pool *Pool
}

// acquireArena borrows an arena for the calling goroutine, creating one if
// the recycle pool is empty and the arena table has room.
func (p *Pool) acquireArena() (*arena, error) {
	if v := p.arenaPool.Get(); v != nil {
		return v.(*arena), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arenaNext >= maxArenas {
		return nil, fmt.Errorf("arena table exhausted (%d): %w", maxArenas, ErrBusy)
	}

	a := &arena{id: p.arenaNext, pool: p}
	p.arenas[p.arenaNext] = a
	p.arenaNext++

	return a, nil
}

func (p *Pool) releaseArena(a *arena) {
	p.arenaPool.Put(a)
}

func (a *arena) slotBuf() []byte {
	off := poolHeaderSize + uint64(a.id)*infoSlotSize
	return a.pool.data[off : off+infoSlotSize]
}

func (a *arena) redoLane() redoLane {
	return a.pool.redoLane(a.id)
}

// guardUp publishes payload into this arena's info slot, so a crash
// between here and guardDown leaves enough intent on media for recovery
// (spec §4.4) to undo or finish the operation. Free calls it once, with
// the block, before any chunk-header mutation; Malloc and Realloc call it
// before acquireBlock and again, with the chosen block, after acquireBlock
// has already updated the chunk header.
func (a *arena) guardUp(payload infoSlotPayload) error {
	buf := encodeInfoSlot(payload)
	copy(a.slotBuf(), buf[:])

	if a.pool.writeback == WritebackSync {
		if err := msyncRange(a.pool.data, int(a.slotOffset()), infoSlotSize); err != nil {
			return fmt.Errorf("msync guard up: %w", err)
		}
	}

	return nil
}

// guardDown clears this arena's info slot once the operation (including
// its redo-log publish) is durable, marking it complete.
func (a *arena) guardDown() error {
	clear(a.slotBuf())

	if a.pool.writeback == WritebackSync {
		if err := msyncRange(a.pool.data, int(a.slotOffset()), infoSlotSize); err != nil {
			return fmt.Errorf("msync guard down: %w", err)
		}
	}

	return nil
}

func (a *arena) slotOffset() uint64 {
	return poolHeaderSize + uint64(a.id)*infoSlotSize
}

// publish writes the one-word *ptr = value update together with a
// confirming chunk-header bit flip, as one 2-entry redo-log transaction
// (spec §4.2: "publishes the new pool-offset via the 2-entry redo log").
// For Malloc and Realloc, acquireBlock has already applied confirm's bit
// before this call; for Free, releaseBlock applies it again after this
// call returns. Folding it into the pointer's redo transaction means
// a torn write between the two lands under one checksum, so redo replay
// on reopen either applies both or neither — it never reasserts the bit
// without the pointer, or vice versa.
func (a *arena) publish(ptrOffset PoolOffset, value uint64, confirm chunkFlagEntry) error {
	lane := a.redoLane()
	lane.store([]redoEntry{
		{Offset: ptrOffset, Value: value, Op: redoSet},
		{Offset: PoolOffset(confirm.wordOffset), Value: confirm.mask, Op: confirm.op},
	})

	if a.pool.writeback == WritebackSync {
		if err := msyncRange(a.pool.data, int(a.redoLaneOffset()), redoLogSize); err != nil {
			return fmt.Errorf("msync redo store: %w", err)
		}
	}

	a.pool.processRedo(&lane)

	if a.pool.writeback == WritebackSync {
		if err := msyncRange(a.pool.data, int(ptrOffset), 8); err != nil {
			return fmt.Errorf("msync redo apply: %w", err)
		}
	}

	return nil
}

func (a *arena) redoLaneOffset() uint64 {
	return poolHeaderSize + infoSlotTableSize + uint64(a.id)*redoLogSize
}
