package pmem

import (
	"encoding/binary"
	"hash/crc32"
)

// Pool header layout (1024 bytes, checksummed). Mirrors invariant #1 of the
// testable properties: size_of(pool_header) == 1024.
const (
	offMagic         = 0x000 // [16]byte
	offFlags         = 0x010 // uint32
	offState         = 0x014 // uint32
	offVersionMajor  = 0x018 // uint32
	offVersionMinor  = 0x01C // uint32
	offSize          = 0x020 // uint64
	offChunkSize     = 0x028 // uint64
	offChunksPerZone = 0x030 // uint64
	offGeneration    = 0x038 // uint64
	offReservedStart = 0x040 // reserved bytes through offChecksum
	offChecksum      = poolHeaderSize - 4
)

var poolMagic = [16]byte{'P', 'M', 'E', 'M', 'H', 'E', 'A', 'P', '1', 0, 0, 0, 0, 0, 0, 0}

// Pool state word.
const (
	stateClosed uint32 = 0
	stateOpen   uint32 = 1
)

const poolVersionMajor, poolVersionMinor uint32 = 1, 0

// poolHeader is the decoded in-memory form of the 1024-byte on-media
// primary/backup header.
type poolHeader struct {
	Flags         uint32
	State         uint32
	VersionMajor  uint32
	VersionMinor  uint32
	Size          uint64
	ChunkSize     uint64
	ChunksPerZone uint64
	Generation    uint64
}

// encodeHeader serializes h into a fresh poolHeaderSize-byte buffer with a
// freshly computed checksum.
func encodeHeader(h *poolHeader) []byte {
	buf := make([]byte, poolHeaderSize)
	copy(buf[offMagic:], poolMagic[:])
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offState:], h.State)
	binary.LittleEndian.PutUint32(buf[offVersionMajor:], h.VersionMajor)
	binary.LittleEndian.PutUint32(buf[offVersionMinor:], h.VersionMinor)
	binary.LittleEndian.PutUint64(buf[offSize:], h.Size)
	binary.LittleEndian.PutUint64(buf[offChunkSize:], h.ChunkSize)
	binary.LittleEndian.PutUint64(buf[offChunksPerZone:], h.ChunksPerZone)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offChecksum:], crc)

	return buf
}

func decodeHeader(buf []byte) poolHeader {
	return poolHeader{
		Flags:         binary.LittleEndian.Uint32(buf[offFlags:]),
		State:         binary.LittleEndian.Uint32(buf[offState:]),
		VersionMajor:  binary.LittleEndian.Uint32(buf[offVersionMajor:]),
		VersionMinor:  binary.LittleEndian.Uint32(buf[offVersionMinor:]),
		Size:          binary.LittleEndian.Uint64(buf[offSize:]),
		ChunkSize:     binary.LittleEndian.Uint64(buf[offChunkSize:]),
		ChunksPerZone: binary.LittleEndian.Uint64(buf[offChunksPerZone:]),
		Generation:    binary.LittleEndian.Uint64(buf[offGeneration:]),
	}
}

// computeHeaderCRC computes CRC32-Castagnoli over the header with the
// generation and checksum fields zeroed, so the checksum itself never
// participates in its own computation and so a bare generation bump (the
// seqlock-style "writer in progress" signal) does not require rewriting it.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, poolHeaderSize)
	copy(tmp, buf[:poolHeaderSize])

	for i := offGeneration; i < offGeneration+8; i++ {
		tmp[i] = 0
	}

	for i := offChecksum; i < offChecksum+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

func validateHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offChecksum:])
	return stored == computeHeaderCRC(buf)
}

func hasValidMagic(buf []byte) bool {
	for i := range poolMagic {
		if buf[offMagic+i] != poolMagic[i] {
			return false
		}
	}

	return true
}

func hasReservedBytesSet(buf []byte) bool {
	for i := offReservedStart; i < offChecksum; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// Info-slot on-media layout (32 bytes). Slot index == arena id.
const (
	offSlotKind  = 0x00 // uint32
	offSlotPtr   = 0x04 // uint64
	offSlotBlock = 0x0C // uint64
	offSlotOld   = 0x14 // uint64
	// bytes [0x1C, 0x20) reserved, implicitly zero.
)

func encodeInfoSlot(p infoSlotPayload) [infoSlotSize]byte {
	var buf [infoSlotSize]byte
	binary.LittleEndian.PutUint32(buf[offSlotKind:], uint32(p.kind))
	binary.LittleEndian.PutUint64(buf[offSlotPtr:], uint64(p.ptr))
	binary.LittleEndian.PutUint64(buf[offSlotBlock:], uint64(p.block))
	binary.LittleEndian.PutUint64(buf[offSlotOld:], uint64(p.old))

	return buf
}

func decodeInfoSlot(buf []byte) infoSlotPayload {
	return infoSlotPayload{
		kind:  infoSlotKind(binary.LittleEndian.Uint32(buf[offSlotKind:])),
		ptr:   PoolOffset(binary.LittleEndian.Uint64(buf[offSlotPtr:])),
		block: PoolOffset(binary.LittleEndian.Uint64(buf[offSlotBlock:])),
		old:   PoolOffset(binary.LittleEndian.Uint64(buf[offSlotOld:])),
	}
}

// Chunk header on-media layout (16 bytes).
const (
	offChunkMagic   = 0x0 // uint32
	offChunkWord    = 0x4 // uint32, type-specific (bitmap word count for BITMAP chunks)
	offChunkType    = 0x8 // uint16
	offChunkFlags   = 0xA // uint16
	offChunkSizeIdx = 0xC // uint32
)

var chunkMagic = uint32(0x484D4350) // "PCMH" little-endian

// chunkKind is the chunk header's type tag.
type chunkKind uint16

const (
	chunkBase chunkKind = iota
	chunkRun
	chunkBitmap
)

// Chunk header flags.
const (
	chunkFlagUsed   uint16 = 1 << 0
	chunkFlagZeroed uint16 = 1 << 1
)

type chunkHeader struct {
	Word    uint32
	Type    chunkKind
	Flags   uint16
	SizeIdx uint32
}

// The redo log applies 64-bit-wide ops, but chunkFlagUsed and a run
// chunk's per-unit bitmap bit are narrower fields packed into the header's
// two 8-byte words (bytes [0:8) = Magic|Word, bytes [8:16) = Type|Flags|
// SizeIdx). These shifts locate each field within its containing word so
// a redoOr/redoAnd can flip just that field without touching its
// neighbors — see acquireBlock/planReleaseConfirm in alloc.go.
const (
	chunkWordFieldBit  = 32 // Word occupies bits [32:64) of header bytes [0:8)
	chunkUsedFlagBit   = 16 // Flags occupies bits [16:32) of header bytes [8:16); chunkFlagUsed is its bit 0
	chunkUsedSetMask   = uint64(chunkFlagUsed) << chunkUsedFlagBit
	chunkUsedClearMask = ^chunkUsedSetMask
)

func encodeChunkHeader(h chunkHeader) [chunkHeaderSize]byte {
	var buf [chunkHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[offChunkMagic:], chunkMagic)
	binary.LittleEndian.PutUint32(buf[offChunkWord:], h.Word)
	binary.LittleEndian.PutUint16(buf[offChunkType:], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[offChunkFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offChunkSizeIdx:], h.SizeIdx)

	return buf
}

func decodeChunkHeader(buf []byte) (chunkHeader, bool) {
	magic := binary.LittleEndian.Uint32(buf[offChunkMagic:])
	if magic != chunkMagic {
		return chunkHeader{}, false
	}

	return chunkHeader{
		Word:    binary.LittleEndian.Uint32(buf[offChunkWord:]),
		Type:    chunkKind(binary.LittleEndian.Uint16(buf[offChunkType:])),
		Flags:   binary.LittleEndian.Uint16(buf[offChunkFlags:]),
		SizeIdx: binary.LittleEndian.Uint32(buf[offChunkSizeIdx:]),
	}, true
}
