package pmem

import "errors"

// Error classification.
//
// Implementations MAY wrap these with additional context via fmt.Errorf's
// %w verb. Callers MUST classify errors using errors.Is.
var (
	// ErrCorrupt indicates the pool file's persistent structures cannot be
	// trusted: no valid primary or backup header, a non-magic chunk header
	// mid-zone, mismatched zone tiling, or an info slot with an unknown
	// type surviving recovery.
	ErrCorrupt = errors.New("pmem: corrupt")

	// ErrIncompatible indicates the pool was created with an incompatible
	// version or geometry (chunk size, chunks-per-zone, pool size).
	ErrIncompatible = errors.New("pmem: incompatible")

	// ErrNoMem indicates the allocator could not satisfy a request: the
	// size class's shared bucket had no free unit and no free chunk run
	// was left to refill it, or no free chunk run was large enough for a
	// huge request. Arenas own no buckets, so nothing is drained from
	// other arenas first.
	ErrNoMem = errors.New("pmem: out of memory")

	// ErrInvalid indicates malformed input: a malformed CTL name, wrong
	// argument combination, size 0 passed to Malloc, non-null *ptr passed
	// to Malloc, an unknown alloc-class id, or an out-of-range offset.
	ErrInvalid = errors.New("pmem: invalid argument")

	// ErrDoubleFree indicates a Free target was not USED: the block was
	// already released, either by a prior Free or because *ptr never
	// pointed at a live allocation.
	ErrDoubleFree = errors.New("pmem: double free")

	// ErrIO names the category of a failed persist/mmap/file operation.
	// No function in this package returns it: such failures come back
	// wrapping the underlying syscall or os error instead.
	ErrIO = errors.New("pmem: io")

	// ErrBusy indicates a conflicting exclusive operation holds the pool's
	// cross-process lock, that Open found an odd header generation with
	// DisableLocking set, or that no recycled arena was available and all
	// maxArenas arena slots have been created.
	ErrBusy = errors.New("pmem: busy")

	// ErrClosed indicates an operation was attempted on a closed Pool.
	ErrClosed = errors.New("pmem: closed")
)

// errOverlap is an internal sentinel for a read that overlapped a
// concurrent commit. No code path in this package returns it or retries
// on it.
var errOverlap = errors.New("pmem: internal: read overlapped with a commit")
