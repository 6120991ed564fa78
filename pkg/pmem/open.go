package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Pool is a handle to an open persistent heap. It owns the backend (mapped
// region + zone table), the arena table, the global per-class buckets, and
// the registered size-class table. A Pool must be obtained via [Open]; the
// zero value is not usable.
type Pool struct {
	_ [0]func() // prevent external construction

	mu sync.Mutex // protects arena assignment and the classes/global-bucket tables

	fd       int
	data     []byte
	fileSize int64
	path     string

	disableLocking bool
	writeback      WritebackMode

	identity      fileIdentity
	registryEntry *registryEntry
	poolLock      *poolLock

	backend *backend

	arenas    [maxArenas]*arena
	arenaNext uint32    // next unused arena slot
	arenaPool sync.Pool // recycles *arena handles across goroutines, see arena.go

	classes      [maxAllocClasses]sizeClass
	classCount   uint32
	classRanges  []classRange // heap.alloc_class.map.range overrides, see ctl.go
	globalBucket [maxAllocClasses]*bucket
	hugeBucket   *bucket

	prefaultAtCreate bool // set via the prefault.at_create CTL leaf

	logger *slog.Logger

	statAllocated uint64 // relaxed atomics, per spec §5 "Shared-resource policy"
	statFreed     uint64

	isClosed bool
}

// Open creates or opens a pool file at opts.Path.
func Open(opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required: %w", ErrInvalid)
	}

	fd, err := syscall.Open(opts.Path, syscall.O_RDWR, 0)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return nil, fmt.Errorf("open file: %w", err)
		}

		return createNewPool(opts)
	}

	var stat syscall.Stat_t

	if statErr := syscall.Fstat(fd, &stat); statErr != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("stat file: %w", statErr)
	}

	if stat.Size == 0 {
		_ = syscall.Close(fd)
		return initializeEmptyFile(opts)
	}

	if stat.Size < poolHeaderSize {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("file size %d smaller than header: %w", stat.Size, ErrCorrupt)
	}

	pool, err := validateAndOpenExisting(fd, stat.Size, opts)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}

	if err := seedAllocClassConfig(pool, opts.AllocClassConfigPath); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return pool, nil
}

func createNewPool(opts Options) (*Pool, error) {
	if opts.Size < minPoolSize {
		return nil, fmt.Errorf("size %d below minimum %d: %w", opts.Size, uint64(minPoolSize), ErrInvalid)
	}

	dir := filepath.Dir(opts.Path)
	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", opts.Path, os.Getpid())

	fd, err := syscall.Open(tmpPath, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	if err := formatFreshPool(fd, opts.Size); err != nil {
		_ = syscall.Close(fd)
		_ = syscall.Unlink(tmpPath)

		return nil, err
	}

	_ = syscall.Close(fd)

	if err := syscall.Rename(tmpPath, opts.Path); err != nil {
		_ = syscall.Unlink(tmpPath)
		return nil, fmt.Errorf("rename: %w", err)
	}

	fd, err = syscall.Open(opts.Path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open after rename: %w", err)
	}

	pool, err := mmapAndCreatePool(fd, int64(opts.Size), opts)
	if err != nil {
		return nil, err
	}

	if err := seedAllocClassConfig(pool, opts.AllocClassConfigPath); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return pool, nil
}

func initializeEmptyFile(opts Options) (*Pool, error) {
	if opts.Size < minPoolSize {
		return nil, fmt.Errorf("size %d below minimum %d: %w", opts.Size, uint64(minPoolSize), ErrInvalid)
	}

	fd, err := syscall.Open(opts.Path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open empty file: %w", err)
	}

	if err := formatFreshPool(fd, opts.Size); err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}

	return mmapAndCreatePool(fd, int64(opts.Size), opts)
}

// formatFreshPool truncates fd to size and writes a fresh, zero-initialised
// layout: zeroed info slots and redo lanes, a primary header with a
// computed checksum, and that same header copied into every backup slot
// (spec §4.3 step 5, and the "copy on every transition" Open Question
// resolution recorded in DESIGN.md).
func formatFreshPool(fd int, size uint64) error {
	zones := zonesForSize(size)
	if len(zones) == 0 {
		return fmt.Errorf("size %d too small to hold a zone: %w", size, ErrInvalid)
	}

	if zones[len(zones)-1].chunkCount < zoneMinChunks {
		return fmt.Errorf("trailing zone has %d chunks, below minimum %d: %w",
			zones[len(zones)-1].chunkCount, uint32(zoneMinChunks), ErrInvalid)
	}

	if err := syscall.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	header := poolHeader{
		State:         stateOpen,
		VersionMajor:  poolVersionMajor,
		VersionMinor:  poolVersionMinor,
		Size:          size,
		ChunkSize:     chunkSize,
		ChunksPerZone: chunksPerZone,
		Generation:    0,
	}

	buf := encodeHeader(&header)

	if _, err := syscall.Pwrite(fd, buf, 0); err != nil {
		return fmt.Errorf("write primary header: %w", err)
	}

	for _, z := range zones {
		firstHeader := encodeChunkHeader(chunkHeader{Type: chunkBase, Flags: 0, SizeIdx: z.chunkCount})

		if _, err := syscall.Pwrite(fd, firstHeader[:], int64(z.chunkHeadersOffset())); err != nil {
			return fmt.Errorf("write zone %d first chunk header: %w", z.id, err)
		}

		if _, err := syscall.Pwrite(fd, buf, int64(z.headerOffset())); err != nil {
			return fmt.Errorf("write zone %d backup header: %w", z.id, err)
		}
	}

	if err := syscall.Fsync(fd); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}

	return nil
}

func validateAndOpenExisting(fd int, size int64, opts Options) (*Pool, error) {
	headerBuf := make([]byte, poolHeaderSize)

	n, err := syscall.Pread(fd, headerBuf, 0)
	if err != nil || n != poolHeaderSize {
		return nil, fmt.Errorf("read header: %w", ErrCorrupt)
	}

	if !hasValidMagic(headerBuf) {
		recovered, rerr := recoverFromBackup(fd, size)
		if rerr != nil {
			return nil, rerr
		}

		headerBuf = recovered
	}

	if hasReservedBytesSet(headerBuf) {
		return nil, fmt.Errorf("reserved header bytes non-zero: %w", ErrCorrupt)
	}

	// Odd generation must be resolved (writer in progress or crashed)
	// before CRC validation, exactly as the teacher's cache layer orders
	// these checks: the header can be transiently CRC-inconsistent while
	// a writer is mid-commit.
	generation := binary.LittleEndian.Uint64(headerBuf[offGeneration:])
	if generation%2 == 1 {
		resolved, gerr := resolveOddGeneration(fd, opts)
		if gerr != nil {
			return nil, gerr
		}

		headerBuf = resolved
	}

	if !validateHeaderCRC(headerBuf) {
		recovered, rerr := recoverFromBackup(fd, size)
		if rerr != nil {
			return nil, fmt.Errorf("header CRC mismatch: %w", ErrCorrupt)
		}

		headerBuf = recovered
	}

	h := decodeHeader(headerBuf)

	if h.VersionMajor != poolVersionMajor {
		return nil, fmt.Errorf("version %d.%d incompatible: %w", h.VersionMajor, h.VersionMinor, ErrIncompatible)
	}

	if opts.Size != 0 && h.Size != opts.Size {
		return nil, fmt.Errorf("size mismatch: file has %d, requested %d: %w", h.Size, opts.Size, ErrIncompatible)
	}

	if h.Size != uint64(size) {
		return nil, fmt.Errorf("recorded size %d != file size %d: %w", h.Size, size, ErrCorrupt)
	}

	if h.ChunkSize != chunkSize {
		return nil, fmt.Errorf("chunk_size %d != compiled-in %d: %w", h.ChunkSize, uint64(chunkSize), ErrIncompatible)
	}

	if h.ChunksPerZone != chunksPerZone {
		return nil, fmt.Errorf("chunks_per_zone %d != compiled-in %d: %w", h.ChunksPerZone, uint64(chunksPerZone), ErrIncompatible)
	}

	pool, err := mmapAndCreatePool(fd, size, opts)
	if err != nil {
		return nil, err
	}

	if h.State == stateOpen {
		if err := pool.recoverInfoSlots(); err != nil {
			_ = pool.Close()
			return nil, err
		}
	}

	if err := pool.transitionTo(stateOpen); err != nil {
		_ = pool.Close()
		return nil, err
	}

	return pool, nil
}

// resolveOddGeneration distinguishes an active writer (another process,
// still holding the pool lock: ErrBusy) from a crashed writer (lock
// acquirable: re-read the now-stable header).
func resolveOddGeneration(fd int, opts Options) ([]byte, error) {
	if opts.DisableLocking {
		return nil, ErrBusy
	}

	lock, err := tryAcquirePoolLock(opts.Path)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, ErrBusy
		}

		return nil, err
	}
	defer lock.release()

	fresh := make([]byte, poolHeaderSize)

	n, err := syscall.Pread(fd, fresh, 0)
	if err != nil || n != poolHeaderSize {
		return nil, fmt.Errorf("re-read header: %w", ErrCorrupt)
	}

	freshGen := binary.LittleEndian.Uint64(fresh[offGeneration:])
	if freshGen%2 == 1 {
		return nil, fmt.Errorf("generation still odd with no active writer: %w", ErrCorrupt)
	}

	return fresh, nil
}

// recoverFromBackup scans zone backup headers in order and returns the
// first one with a valid checksum, per spec §4.3 step 1.
func recoverFromBackup(fd int, size int64) ([]byte, error) {
	zones := zonesForSize(uint64(size))

	for _, z := range zones {
		buf := make([]byte, poolHeaderSize)

		n, err := syscall.Pread(fd, buf, int64(z.headerOffset()))
		if err != nil || n != poolHeaderSize {
			continue
		}

		if hasValidMagic(buf) && validateHeaderCRC(buf) {
			if _, err := syscall.Pwrite(fd, buf, 0); err != nil {
				return nil, fmt.Errorf("restore primary from backup: %w", err)
			}

			return buf, nil
		}
	}

	return nil, fmt.Errorf("no valid primary or backup header: %w", ErrCorrupt)
}

func mmapAndCreatePool(fd int, size int64, opts Options) (*Pool, error) {
	identity, err := getFileIdentity(fd)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, err
	}

	data, err := syscall.Mmap(fd, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	var lock *poolLock

	if !opts.DisableLocking {
		lock, err = tryAcquirePoolLock(opts.Path)
		if err != nil {
			_ = syscall.Munmap(data)
			_ = syscall.Close(fd)

			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := &Pool{
		fd:             fd,
		data:           data,
		fileSize:       size,
		path:           opts.Path,
		disableLocking: opts.DisableLocking,
		writeback:      opts.Writeback,
		identity:       identity,
		registryEntry:  getOrCreateRegistryEntry(identity),
		poolLock:       lock,
		backend:        newBackend(data),
		logger:         logger,
	}

	registerHugeClass(pool)
	registerDefaultClasses(pool)

	return pool, nil
}

// transitionTo flips the primary header's state word, recomputes its
// checksum, bumps the generation past the transition, and copies the
// result into every backup header. Copying on every transition (not only
// at fresh-format time) is the Open Question resolution recorded in
// DESIGN.md.
func (p *Pool) transitionTo(state uint32) error {
	oldGen := atomicLoadUint64(p.data[offGeneration:])
	atomicStoreUint64(p.data[offGeneration:], oldGen+1)

	binary.LittleEndian.PutUint32(p.data[offState:], state)

	crc := computeHeaderCRC(p.data[:poolHeaderSize])
	binary.LittleEndian.PutUint32(p.data[offChecksum:], crc)

	atomicStoreUint64(p.data[offGeneration:], oldGen+2)

	for _, z := range p.backend.zones {
		copy(p.data[z.headerOffset():z.headerOffset()+poolHeaderSize], p.data[:poolHeaderSize])
	}

	if p.writeback == WritebackSync {
		if err := msyncRange(p.data, 0, int(firstZoneOffset)); err != nil {
			return fmt.Errorf("msync on state transition: %w", err)
		}
	}

	return nil
}

// recoverInfoSlots walks the info-slot table and, for each non-UNKNOWN
// slot, invokes the recovery action for its type (spec §4.4), then
// recovers any still-committed redo-log lane for the same arena.
func (p *Pool) recoverInfoSlots() error {
	recovered := 0

	for id := uint32(0); id < maxArenas; id++ {
		slotOff := poolHeaderSize + uint64(id)*infoSlotSize
		slotBuf := p.data[slotOff : slotOff+infoSlotSize]
		payload := decodeInfoSlot(slotBuf)

		if payload.kind == infoUnknown {
			continue
		}

		if err := p.recoverSlot(payload); err != nil {
			return err
		}

		clear(slotBuf)

		lane := p.redoLane(id)
		p.recoverRedo(&lane)

		recovered++
	}

	if recovered > 0 {
		p.logger.Info("pool opened after crash recovery", "path", p.path, "slots_recovered", recovered)
	}

	return nil
}

// recoverSlot implements the per-kind recovery actions of spec §4.4.
// infoAlloc and infoFree distinguish "committed" (the pointer publish
// already happened) from "in flight" (it had not) purely from
// payload.block and the current value at payload.ptr — never by
// re-deriving a chunk from a pointer value that might already have moved
// on, which is why payload.block is recorded in the slot rather than
// reconstructed afterward (infoSlotPayload says when it is written). A slot
// of any other kind is reported as ErrCorrupt. infoRealloc
// does not make this distinction: per spec §4.4 a realloc crash always
// rolls back to the old block, whether or not the publish reached media.
//
// isStillReserved below guards every undo against replay: Close/Open can
// only run once per crash, but guarding on the chunk's own USED flag before
// touching it keeps recovery safe even if this logic is ever invoked twice
// for the same slot.
func (p *Pool) recoverSlot(payload infoSlotPayload) error {
	switch payload.kind {
	case infoAlloc:
		if payload.block == 0 {
			return nil
		}

		cur := PoolOffset(atomicLoadUint64(p.data[payload.ptr : payload.ptr+8]))
		if cur == payload.block {
			return nil // publish completed: allocation fully committed
		}

		if reserved, err := p.isStillReserved(payload.block); err != nil {
			return err
		} else if reserved {
			if _, err := p.releaseBlock(payload.block); err != nil {
				return err
			}
		}

	case infoRealloc:
		// Per spec §4.4, a realloc crash always rolls back to the old
		// block, regardless of whether the pointer publish already
		// reached media: clear USED on the new chunk (if it is still
		// reserved) and restore *dest_ptr to the old value. This module
		// never completes a realloc forward during recovery.
		if payload.block != 0 {
			if reserved, err := p.isStillReserved(payload.block); err != nil {
				return err
			} else if reserved {
				if _, err := p.releaseBlock(payload.block); err != nil {
					return err
				}
			}
		}

		cur := PoolOffset(atomicLoadUint64(p.data[payload.ptr : payload.ptr+8]))
		if cur != payload.old {
			atomicStoreUint64(p.data[payload.ptr:payload.ptr+8], uint64(payload.old))
		}

	case infoFree:
		if payload.block == 0 {
			return nil
		}

		cur := PoolOffset(atomicLoadUint64(p.data[payload.ptr : payload.ptr+8]))
		if cur == payload.block {
			return nil // *ptr never zeroed: the free never started, nothing to undo
		}

		// *ptr already zeroed: finish releasing the block if the backend
		// step had not yet run when the crash happened.
		if reserved, err := p.isStillReserved(payload.block); err != nil {
			return err
		} else if reserved {
			if _, err := p.releaseBlock(payload.block); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("info slot kind %d: %w", payload.kind, ErrCorrupt)
	}

	return nil
}

// isStillReserved reports whether block's owning chunk is currently
// marked USED (huge) or its unit bit is currently set (run), so recovery
// can avoid releasing an already-free block twice.
func (p *Pool) isStillReserved(block PoolOffset) (bool, error) {
	zoneID, chunkIdx, err := p.backend.offsetToChunk(block)
	if err != nil {
		return false, err
	}

	h, err := p.backend.readChunkHeader(zoneID, chunkIdx)
	if err != nil {
		return false, err
	}

	if h.Type == chunkBase {
		return h.Flags&chunkFlagUsed != 0, nil
	}

	dataOff, err := p.backend.chunkDataOffset(zoneID, chunkIdx)
	if err != nil {
		return false, err
	}

	unit := (uint32(block) - uint32(dataOff)) / p.classes[h.SizeIdx].unitSize

	return h.Word&(1<<unit) != 0, nil
}

// redoLane returns the volatile view onto arena id's redo-log lane.
func (p *Pool) redoLane(id uint32) redoLane {
	off := poolHeaderSize + infoSlotTableSize + uint64(id)*redoLogSize
	return redoLane{buf: p.data[off : off+redoLogSize]}
}

// Close asserts no pending info slots, transitions the pool to CLOSED, and
// unmaps/closes the backing file. Closing with outstanding slots is a
// programming error; the spec treats it as debug-only assertion, which
// this implementation honors by returning ErrInvalid rather than panicking
// (this package carries no separate debug/release build split for that
// check).
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return nil
	}

	p.registryEntry.mu.Lock()
	defer p.registryEntry.mu.Unlock()

	for id := uint32(0); id < maxArenas; id++ {
		slotOff := poolHeaderSize + uint64(id)*infoSlotSize
		if decodeInfoSlot(p.data[slotOff:slotOff+infoSlotSize]).kind != infoUnknown {
			return fmt.Errorf("close with outstanding info slot %d: %w", id, ErrInvalid)
		}
	}

	if err := p.transitionTo(stateClosed); err != nil {
		return err
	}

	p.isClosed = true

	if p.data != nil {
		_ = syscall.Munmap(p.data)
		p.data = nil
	}

	if p.fd >= 0 {
		_ = syscall.Close(p.fd)
		p.fd = -1
	}

	p.poolLock.release()
	releaseRegistryEntry(p.identity)

	return nil
}

// Check validates an existing pool file without keeping it mapped: the
// primary header's magic and checksum (or, when those fail, the first zone
// backup header that passes them), the recorded size and chunk size
// against layout, and that at least one zone fits the file. It does not
// check the version, the reserved header bytes, the generation or
// chunks-per-zone. It never recovers info slots or rewrites state.
func Check(path string, layout Layout) error {
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer syscall.Close(fd)

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	if stat.Size < poolHeaderSize {
		return fmt.Errorf("file size %d smaller than header: %w", stat.Size, ErrCorrupt)
	}

	headerBuf := make([]byte, poolHeaderSize)

	n, err := syscall.Pread(fd, headerBuf, 0)
	if err != nil || n != poolHeaderSize {
		return fmt.Errorf("read header: %w", ErrCorrupt)
	}

	if !hasValidMagic(headerBuf) || !validateHeaderCRC(headerBuf) {
		valid := false
		for _, z := range zonesForSize(uint64(stat.Size)) {
			buf := make([]byte, poolHeaderSize)
			if n, err := syscall.Pread(fd, buf, int64(z.headerOffset())); err == nil && n == poolHeaderSize && hasValidMagic(buf) && validateHeaderCRC(buf) {
				headerBuf, valid = buf, true
				break
			}
		}
		if !valid {
			return fmt.Errorf("no valid primary or backup header: %w", ErrCorrupt)
		}
	}

	h := decodeHeader(headerBuf)

	if layout.Size != 0 && h.Size != layout.Size {
		return fmt.Errorf("size mismatch: file has %d, expected %d: %w", h.Size, layout.Size, ErrIncompatible)
	}

	if layout.ChunkSize != 0 && h.ChunkSize != layout.ChunkSize {
		return fmt.Errorf("chunk size mismatch: file has %d, expected %d: %w", h.ChunkSize, layout.ChunkSize, ErrIncompatible)
	}

	zones := zonesForSize(uint64(stat.Size))
	if len(zones) == 0 {
		return fmt.Errorf("no zones fit pool size %d: %w", stat.Size, ErrCorrupt)
	}

	return nil
}
