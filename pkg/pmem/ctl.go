package pmem

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/tailscale/hujson"
)

// defaultAllocClass is one rung of the built-in size-class ladder, used to
// seed pool.classes before any AllocClassConfigPath override is applied.
type defaultAllocClass struct {
	unitSize uint32
	desc     string
}

var defaultLadder = []defaultAllocClass{
	{16, "16B objects"},
	{32, "32B objects"},
	{64, "64B objects"},
	{128, "128B objects"},
	{256, "256B objects"},
	{512, "512B objects"},
	{1024, "1KiB objects"},
	{2048, "2KiB objects"},
	{4096, "4KiB objects"},
	{8192, "8KiB objects"},
}

func registerDefaultClasses(pool *Pool) {
	for _, rung := range defaultLadder {
		pool.addClass(rung.unitSize, rung.desc)
	}
}

// addClass appends a run-bucket size class with unitsPerBlock capped by
// maxUnitsPerRunChunk (see bucket.go).
func (p *Pool) addClass(unitSize uint32, desc string) {
	if p.classCount >= maxAllocClasses {
		return
	}

	unitsPerBlock := chunkSize / unitSize
	if unitsPerBlock > maxUnitsPerRunChunk {
		unitsPerBlock = maxUnitsPerRunChunk
	}

	id := p.classCount
	p.classes[id] = sizeClass{id: id, unitSize: unitSize, unitsPerBlock: unitsPerBlock, headerKind: uint32(chunkRun)}
	p.globalBucket[id] = newRunBucket(id, unitSize, unitsPerBlock)
	p.classCount++
}

// classFor returns the smallest registered class whose unit can hold size
// bytes, or ok=false if size belongs in the huge bucket.
func (p *Pool) classFor(size uint32) (uint32, bool) {
	best, found := uint32(0), false

	for i := uint32(0); i < p.classCount; i++ {
		u := p.classes[i].unitSize
		if u >= size && (!found || u < p.classes[best].unitSize) {
			best, found = i, true
		}
	}

	return best, found
}

// allocClassFile is the hujson (JSON-with-comments) document shape read
// from Options.AllocClassConfigPath.
type allocClassFile struct {
	Classes []struct {
		UnitSize uint32 `json:"unit_size"`
		Desc     string `json:"desc"`
	} `json:"classes"`
}

// seedAllocClassConfig loads an optional hujson alloc-class document and
// appends its entries after the default ladder, which mmapAndCreatePool
// has already registered (recoverInfoSlots may need to resolve a run
// chunk's class id before this function ever runs, so the default ladder
// cannot wait for it — see the "Ordering dependency" paragraph of
// DESIGN.md). Grounded on the root repo's hujson-based config loader;
// unlike that loader this never rewrites the file, only seeds CTL state.
func seedAllocClassConfig(pool *Pool, path string) error {
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read alloc class config: %w", err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("parse alloc class config: %w", err)
	}

	var doc allocClassFile

	if err := json.Unmarshal(standardized, &doc); err != nil {
		return fmt.Errorf("decode alloc class config: %w", err)
	}

	for _, c := range doc.Classes {
		if c.UnitSize == 0 {
			return fmt.Errorf("alloc class with zero unit_size: %w", ErrInvalid)
		}

		pool.addClass(c.UnitSize, c.Desc)
	}

	return nil
}

// Ctl reads or writes one dotted-name parameter of the CTL tree (spec
// §4.8/§6.8). Exactly one of read/write should be non-nil: read must be a
// pointer the current value is copied into, write must hold the new value.
func (p *Pool) Ctl(name string, read, write any) error {
	switch name {
	case "stats.heap.allocated":
		p.registryEntry.mu.RLock()
		defer p.registryEntry.mu.RUnlock()

		return ctlReadUint64(read, atomic.LoadUint64(&p.statAllocated))

	case "stats.heap.freed":
		p.registryEntry.mu.RLock()
		defer p.registryEntry.mu.RUnlock()

		return ctlReadUint64(read, atomic.LoadUint64(&p.statFreed))

	case "stats.heap.active_zones":
		p.registryEntry.mu.RLock()
		defer p.registryEntry.mu.RUnlock()

		return ctlReadUint64(read, uint64(len(p.backend.zones)))

	case "heap.alloc_class.reset":
		p.mu.Lock()
		defer p.mu.Unlock()

		p.registryEntry.mu.Lock()
		defer p.registryEntry.mu.Unlock()

		p.classCount = 0
		for i := range p.globalBucket {
			p.globalBucket[i] = nil
		}
		p.classRanges = nil
		registerDefaultClasses(p)

		return nil

	case "heap.alloc_class.map.range":
		rng, ok := write.(ClassRange)
		if !ok {
			return fmt.Errorf("heap.alloc_class.map.range write target must be ClassRange: %w", ErrInvalid)
		}

		if rng.ClassID >= maxAllocClasses {
			return fmt.Errorf("class id %d out of range: %w", rng.ClassID, ErrInvalid)
		}

		if rng.Start > rng.End {
			return fmt.Errorf("range start %d > end %d: %w", rng.Start, rng.End, ErrInvalid)
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		p.registryEntry.mu.Lock()
		defer p.registryEntry.mu.Unlock()

		p.classRanges = append(p.classRanges, classRange{classID: rng.ClassID, start: rng.Start, end: rng.End})

		return nil

	case "prefault.at_open":
		return ctlReadUint64(read, boolToUint64(p.writeback == WritebackSync))

	case "prefault.at_create":
		v, ok := write.(*uint64)
		if !ok {
			return fmt.Errorf("prefault.at_create write target must be *uint64: %w", ErrInvalid)
		}

		p.registryEntry.mu.Lock()
		defer p.registryEntry.mu.Unlock()

		p.prefaultAtCreate = *v != 0

		return nil

	case "debug.test_rw":
		if r, ok := read.(*uint64); ok {
			*r = 0
		}

		if w, ok := write.(*uint64); ok {
			*w = 1
		}

		return nil
	}

	var classID uint32
	if n, err := fmt.Sscanf(name, "heap.alloc_class.%d.desc", &classID); err == nil && n == 1 {
		return p.ctlAllocClassDesc(classID, read, write)
	}

	p.logger.Warn("ctl misuse", "name", name)

	return fmt.Errorf("unknown ctl name %q: %w", name, ErrInvalid)
}

// ctlAllocClassDesc serves the read/write leaf "heap.alloc_class.<id>.desc":
// read reports the registered class's {header_kind, unit_size,
// units_per_block}; write registers or overwrites class classID with the
// given descriptor, growing classCount if classID is new (spec §4.8 S3).
func (p *Pool) ctlAllocClassDesc(classID uint32, read, write any) error {
	if classID >= maxAllocClasses {
		return fmt.Errorf("class id %d out of range: %w", classID, ErrInvalid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.registryEntry.mu.Lock()
	defer p.registryEntry.mu.Unlock()

	if write != nil {
		desc, ok := write.(AllocClassDesc)
		if !ok {
			return fmt.Errorf("heap.alloc_class.<id>.desc write target must be AllocClassDesc: %w", ErrInvalid)
		}

		if desc.UnitSize == 0 {
			return fmt.Errorf("alloc class with zero unit_size: %w", ErrInvalid)
		}

		unitsPerBlock := desc.UnitsPerBlock
		if unitsPerBlock == 0 || unitsPerBlock > maxUnitsPerRunChunk {
			unitsPerBlock = maxUnitsPerRunChunk
		}

		p.classes[classID] = sizeClass{
			id:            classID,
			unitSize:      desc.UnitSize,
			unitsPerBlock: unitsPerBlock,
			headerKind:    desc.HeaderKind,
		}
		p.globalBucket[classID] = newRunBucket(classID, desc.UnitSize, unitsPerBlock)

		if classID >= p.classCount {
			p.classCount = classID + 1
		}

		return nil
	}

	for i := uint32(0); i < p.classCount; i++ {
		if p.classes[i].id == classID {
			return ctlReadAllocClassDesc(read, p.classes[i])
		}
	}

	return fmt.Errorf("unregistered alloc class %d: %w", classID, ErrInvalid)
}

func ctlReadAllocClassDesc(read any, c sizeClass) error {
	ptr, ok := read.(*AllocClassDesc)
	if !ok {
		return fmt.Errorf("heap.alloc_class.<id>.desc read target must be *AllocClassDesc: %w", ErrInvalid)
	}

	*ptr = AllocClassDesc{HeaderKind: c.headerKind, UnitSize: c.unitSize, UnitsPerBlock: c.unitsPerBlock}

	return nil
}

func ctlReadUint64(read any, v uint64) error {
	ptr, ok := read.(*uint64)
	if !ok {
		return fmt.Errorf("ctl read target must be *uint64: %w", ErrInvalid)
	}

	*ptr = v

	return nil
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}
