package pmem

// Fixed, compile-time layout constants. These are part of the on-media
// format: changing them changes compatibility (see the version/geometry
// checks in open.go's validateAndOpenExisting).
const (
	// chunkSize is the coarse-grained allocation unit, fixed per spec.
	chunkSize = 256 << 10 // 256 KiB

	// chunksPerZone is the number of chunk headers (and chunk data areas)
	// that fit in a full zone.
	chunksPerZone = 65535

	// poolHeaderSize is the fixed size of the primary pool header and of
	// each zone's backup header.
	poolHeaderSize = 1024

	// infoSlotSize is the fixed size of one tagged info-slot record.
	infoSlotSize = 32

	// maxArenas bounds the arena count by the width of the info-slot table.
	maxArenas = 1024

	// infoSlotTableSize is the total byte size of the info-slot array.
	infoSlotTableSize = maxArenas * infoSlotSize // 32 KiB

	// chunkHeaderSize is the fixed size of one chunk header record.
	chunkHeaderSize = 16

	// zoneMinChunks rejects zones (including the final, possibly short,
	// zone) smaller than this many chunks.
	zoneMinChunks = 32

	// minPoolSize is the smallest pool size Open will accept: large enough
	// that even a single zone clears zoneMinChunks once header/table
	// overhead is subtracted.
	minPoolSize = 16 << 20 // 16 MiB

	// lockStripes is the width of a striped chunk-bitmap lock array. No
	// lock in this package uses it: run-chunk bitmaps are guarded by their
	// size class's bucket mutex (see bucket.go).
	lockStripes = 64

	// maxAllocClasses bounds the CTL-registrable size-class table,
	// excluding the implicit "huge" class.
	maxAllocClasses = 64

	// redoLogSize is the fixed size of one arena's redo-log lane: a
	// 2-entry fixed log (tagged offset + value per entry) plus a count
	// and checksum.
	redoLogSize = 4 + 4 + 2*16 // 40 bytes

	// redoLogTableSize is the total byte size of the per-arena redo-log
	// table, one lane per arena (one lane per concurrent caller, per spec
	// §4.2: "allocator-internal and per-lane (per-arena)").
	redoLogTableSize = maxArenas * redoLogSize
)

// zoneDataSize is the byte span of one full zone: backup header, chunk
// headers, and chunk data areas.
const zoneDataSize = poolHeaderSize + chunksPerZone*chunkHeaderSize + chunksPerZone*chunkSize

// firstZoneOffset is the pool-relative byte offset of the first zone,
// immediately after the primary header, the info-slot table, and the
// redo-log table: 1024 + 32768 + 40960 = 74752 bytes (73 KiB). This module
// carries a per-arena redo-log table between the info-slot table and zone
// 0 that spec.md's layout diagram, written before the redo log had a fixed
// home of its own, does not account for; spec.md's literal "33 KiB" first-
// zone offset only covers header + info-slot table and is superseded by
// this value. See the `firstZoneOffset` entry in DESIGN.md.
const firstZoneOffset = poolHeaderSize + infoSlotTableSize + redoLogTableSize
