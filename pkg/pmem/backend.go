package pmem

import "fmt"

// zoneLayout describes one zone's position and chunk capacity within the
// pool. The final zone may be short.
type zoneLayout struct {
	id          uint32
	baseOffset  uint64 // pool-relative offset of the zone's backup header
	chunkCount  uint32 // number of chunk headers/data areas in this zone
}

func (z zoneLayout) headerOffset() uint64 { return z.baseOffset }
func (z zoneLayout) chunkHeadersOffset() uint64 {
	return z.baseOffset + poolHeaderSize
}
func (z zoneLayout) chunkDataOffset() uint64 {
	return z.chunkHeadersOffset() + uint64(z.chunkCount)*chunkHeaderSize
}

// zonesForSize computes the zone layout table for a pool of the given total
// size. Zones below zoneMinChunks chunks are rejected by the caller (see
// open.go), not silently dropped here.
func zonesForSize(size uint64) []zoneLayout {
	var zones []zoneLayout

	offset := uint64(firstZoneOffset)
	id := uint32(0)

	for offset+poolHeaderSize+chunkHeaderSize <= size {
		remaining := size - offset - poolHeaderSize
		count := uint32(remaining / (chunkHeaderSize + chunkSize))

		if count == 0 {
			break
		}

		if count > chunksPerZone {
			count = chunksPerZone
		}

		zones = append(zones, zoneLayout{id: id, baseOffset: offset, chunkCount: count})

		span := poolHeaderSize + uint64(count)*chunkHeaderSize + uint64(count)*chunkSize
		offset += span
		id++

		if count < chunksPerZone {
			break // this was the short trailing zone
		}
	}

	return zones
}

// backend owns the mapped pool region: header verification/writing, the
// zone table, and chunk-header mutation (split/merge/flag flip). It holds
// no locks of its own; the buckets in bucket.go hold their own mutex
// around the chunk-header updates they make.
type backend struct {
	data  []byte
	zones []zoneLayout
}

func newBackend(data []byte) *backend {
	return &backend{data: data, zones: zonesForSize(uint64(len(data)))}
}

// chunkHeaderOffset returns the pool-relative byte offset of the chunk
// header at (zoneID, chunkIdx).
func (b *backend) chunkHeaderOffset(zoneID, chunkIdx uint32) (uint64, error) {
	if int(zoneID) >= len(b.zones) {
		return 0, fmt.Errorf("zone %d out of range: %w", zoneID, ErrCorrupt)
	}

	z := b.zones[zoneID]
	if chunkIdx >= z.chunkCount {
		return 0, fmt.Errorf("chunk %d out of range in zone %d: %w", chunkIdx, zoneID, ErrCorrupt)
	}

	return z.chunkHeadersOffset() + uint64(chunkIdx)*chunkHeaderSize, nil
}

// chunkDataOffset returns the pool-relative byte offset of the chunk's
// data area.
func (b *backend) chunkDataOffset(zoneID, chunkIdx uint32) (uint64, error) {
	if int(zoneID) >= len(b.zones) {
		return 0, fmt.Errorf("zone %d out of range: %w", zoneID, ErrCorrupt)
	}

	z := b.zones[zoneID]
	if chunkIdx >= z.chunkCount {
		return 0, fmt.Errorf("chunk %d out of range in zone %d: %w", chunkIdx, zoneID, ErrCorrupt)
	}

	return z.chunkDataOffset() + uint64(chunkIdx)*chunkSize, nil
}

// offsetToChunk computes (zone_id, chunk_idx) for a pool-offset inside a
// chunk's data area, by arithmetic on the fixed layout constants — no
// metadata read required, per spec §4.3 "Chunk-by-offset".
func (b *backend) offsetToChunk(off PoolOffset) (zoneID, chunkIdx uint32, err error) {
	for _, z := range b.zones {
		start := z.chunkDataOffset()
		end := start + uint64(z.chunkCount)*chunkSize

		if uint64(off) >= start && uint64(off) < end {
			idx := (uint64(off) - start) / chunkSize
			return z.id, uint32(idx), nil
		}
	}

	return 0, 0, fmt.Errorf("offset %d does not resolve inside any zone: %w", off, ErrInvalid)
}

func (b *backend) readChunkHeader(zoneID, chunkIdx uint32) (chunkHeader, error) {
	off, err := b.chunkHeaderOffset(zoneID, chunkIdx)
	if err != nil {
		return chunkHeader{}, err
	}

	h, ok := decodeChunkHeader(b.data[off : off+chunkHeaderSize])
	if !ok {
		return chunkHeader{}, fmt.Errorf("chunk (%d,%d) bad magic: %w", zoneID, chunkIdx, ErrCorrupt)
	}

	return h, nil
}

func (b *backend) writeChunkHeader(zoneID, chunkIdx uint32, h chunkHeader) error {
	off, err := b.chunkHeaderOffset(zoneID, chunkIdx)
	if err != nil {
		return err
	}

	buf := encodeChunkHeader(h)
	copy(b.data[off:off+chunkHeaderSize], buf[:])

	return nil
}

func (b *backend) setUsed(zoneID, chunkIdx uint32, used bool) error {
	h, err := b.readChunkHeader(zoneID, chunkIdx)
	if err != nil {
		return err
	}

	if used {
		h.Flags |= chunkFlagUsed
	} else {
		h.Flags &^= chunkFlagUsed
	}

	return b.writeChunkHeader(zoneID, chunkIdx, h)
}

// splitChunk shrinks the run starting at (zoneID, chunkIdx) from its
// current size_idx to want units, writing a fresh header for the
// remainder run starting at chunkIdx+want and returning it as a Block.
// Only valid when the current header's SizeIdx > want.
func (b *backend) splitChunk(zoneID, chunkIdx uint32, want uint32) (Block, error) {
	h, err := b.readChunkHeader(zoneID, chunkIdx)
	if err != nil {
		return Block{}, err
	}

	remainder := h.SizeIdx - want
	h.SizeIdx = want

	if err := b.writeChunkHeader(zoneID, chunkIdx, h); err != nil {
		return Block{}, err
	}

	remHeader := chunkHeader{Type: chunkBase, Flags: 0, SizeIdx: remainder}
	if err := b.writeChunkHeader(zoneID, chunkIdx+want, remHeader); err != nil {
		return Block{}, err
	}

	return Block{ZoneID: zoneID, ChunkIdx: chunkIdx + want, SizeIdx: uint16(remainder)}, nil
}

// mergeIfFollowingFree reports whether the chunk run immediately following
// (zoneID, chunkIdx+curSize) is free, and if so returns its size_idx so the
// caller (prealloc, in alloc.go) can extend in place.
func (b *backend) mergeIfFollowingFree(zoneID, chunkIdx, curSize uint32) (followingSizeIdx uint32, ok bool) {
	if int(zoneID) >= len(b.zones) {
		return 0, false
	}

	nextIdx := chunkIdx + curSize
	if nextIdx >= b.zones[zoneID].chunkCount {
		return 0, false
	}

	h, err := b.readChunkHeader(zoneID, nextIdx)
	if err != nil {
		return 0, false
	}

	if h.Flags&chunkFlagUsed != 0 {
		return 0, false
	}

	return h.SizeIdx, true
}
