package pmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
)

// Locking architecture
//
//  1. Pool.mu — per-handle closed state and arena-assignment table.
//
//  2. registryEntry.mu — per-file in-process guard: Close and the CTL
//     writes hold Lock; CTL stat reads hold RLock. Malloc, Free and
//     Realloc do not take it. Needed because
//     the cross-process lock below is per-process: two Pool handles open on
//     the same file within one process would otherwise race.
//
//  3. interprocess pool lock — advisory flock at Path+".lock", held for the
//     entire open-to-close window by whichever process holds it exclusively,
//     enforcing "at most one mapper ⇒ OPEN" (invariant #4).
//
//  4. header generation counter — bumped to odd and back to even around
//     each header state transition (transitionTo). Open treats an odd
//     value as a writer in progress or a crashed writer
//     (resolveOddGeneration); no read path retries on it.
//
// Lock ordering: Pool.mu -> registryEntry.mu -> interprocess pool lock.

// fileIdentity uniquely identifies a file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// registryEntry tracks per-file state shared across all Pool handles backed
// by the same file in this process.
type registryEntry struct {
	mu        sync.RWMutex
	openCount atomic.Int32
}

var fileRegistry sync.Map // map[fileIdentity]*registryEntry

func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t

	if err := syscall.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("stat: %w", err)
	}

	return fileIdentity{dev: stat.Dev, ino: stat.Ino}, nil
}

func getOrCreateRegistryEntry(id fileIdentity) *registryEntry {
	for {
		if val, loaded := fileRegistry.Load(id); loaded {
			entry, ok := val.(*registryEntry)
			if !ok {
				fileRegistry.CompareAndDelete(id, val)
				continue
			}

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &registryEntry{}
		entry.openCount.Store(1)

		if _, loaded := fileRegistry.LoadOrStore(id, entry); !loaded {
			return entry
		}
	}
}

func releaseRegistryEntry(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}

	entry, ok := val.(*registryEntry)
	if !ok {
		fileRegistry.CompareAndDelete(id, val)
		return
	}

	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}

// poolLock is a held advisory flock on a pool's ".lock" sidecar file.
type poolLock struct {
	fd int
}

// tryAcquirePoolLock acquires an exclusive, non-blocking lock on
// path+".lock". Returns ErrBusy if another process holds it.
func tryAcquirePoolLock(path string) (*poolLock, error) {
	lockPath := path + ".lock"

	fd, err := syscall.Open(lockPath, syscall.O_CREAT|syscall.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = syscall.Close(fd)

		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrBusy
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &poolLock{fd: fd}, nil
}

// release releases the lock and closes the fd. Does not delete the lock
// file: it persists across opens as a stable rendezvous point.
func (l *poolLock) release() {
	if l == nil {
		return
	}

	_ = syscall.Flock(l.fd, syscall.LOCK_UN)
	_ = syscall.Close(l.fd)
}
