// Package pmem implements a crash-consistent allocator over a memory-mapped
// file: pmalloc/pfree/prealloc/pdirect turn a raw byte-addressable region
// into a recoverable, multi-threaded heap whose metadata survives a crash
// at any instruction boundary.
//
// # Basic usage
//
//	pool, err := pmem.Open(pmem.Options{
//	    Path: "/mnt/pmem0/heap.pm",
//	    Size: 64 << 20,
//	})
//	if err != nil {
//	    // ErrCorrupt/ErrIncompatible: the pool cannot be recovered; a caller
//	    // that owns the layout decision may delete and recreate it.
//	}
//	defer pool.Close()
//
//	// ptr must be a *PoolOffset field of an already-allocated, pool-
//	// resident struct (reached via Direct), never a process-local
//	// variable: recovery records its pool-relative offset, not its
//	// address, so the slot stays meaningful across a remap. Obtaining
//	// the very first such field is the job of a root-object layer built
//	// on top of this package, not of pmem itself.
//	buf, _ := pool.Direct(rootOffset)
//	head := (*pmem.PoolOffset)(unsafe.Pointer(&buf[0]))
//	if err := pool.Malloc(ctx, head, 128); err != nil {
//	    // ErrNoMem
//	}
//	entry, _ := pool.Direct(*head)
//	copy(entry, []byte("hello"))
//	_ = pool.Free(ctx, head)
//
// # Concurrency
//
// A *Pool is safe for concurrent use by multiple goroutines. Each Malloc,
// Free or Realloc call borrows an arena (one info slot and redo-log lane)
// from a sync.Pool for its duration; arenas are not bound to a goroutine
// and own no buckets. Each size class has one bucket shared by all arenas,
// guarded by its own mutex, which the bucket holds while it claims or
// frees a unit in a run chunk's bitmap; the huge (whole-chunk) bucket has
// its own mutex. A pool-wide
// mutex guards the arena table and the size-class table. There is no
// per-arena mutex and no striped chunk-lock array. See "Locking
// architecture" in lock.go.
//
// # Error handling
//
// Errors fall into two categories:
//
// Rebuild errors ([ErrCorrupt], [ErrIncompatible]): the pool file's layout
// cannot be trusted; a caller that controls pool lifecycle should delete
// and recreate it from a fresh [Open].
//
// Operational errors ([ErrNoMem], [ErrInvalid], [ErrDoubleFree], [ErrIO]):
// the pool itself remains consistent; the specific call failed.
package pmem
