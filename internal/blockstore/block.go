// Package blockstore persists opaque, checksummed blocks keyed by
// (database name, block index) into a pluggable key-value backend. It
// implements §4.1 of the storage engine design: the Block Store never
// caches and never interprets payload bytes — that is the Page Cache's
// job (see package pagecache).
package blockstore

import "encoding/binary"

// Block is the self-describing record persisted for a single index.
// Checksum covers Payload only. Backends do not verify it; the Page
// Cache verifies it on every block it reads from the backend.
type Block struct {
	Index     uint32
	Payload   []byte
	Checksum  uint64
	Epoch     uint64
	PayloadLen int
}

// Metadata is the subset of a Block's fields returned by Scan, which does
// not load payloads eagerly.
type Metadata struct {
	Index    uint32
	Checksum uint64
	Epoch    uint64
	Len      int
}

// checksum64 computes a 64-bit non-cryptographic checksum over payload
// using two independent mixing passes, matching §3's "two independent
// mixing passes over the payload" requirement. It is deliberately not a
// cryptographic hash: the Block Store's only job is to detect accidental
// corruption, not to resist tampering.
func checksum64(payload []byte) uint64 {
	const (
		prime1 = 0x9E3779B97F4A7C15
		prime2 = 0xC2B2AE3D27D4EB4F
	)

	var h1 uint64 = prime1
	for i := 0; i < len(payload); i += 8 {
		end := i + 8
		if end > len(payload) {
			end = len(payload)
		}
		var buf [8]byte
		copy(buf[:], payload[i:end])
		h1 ^= binary.LittleEndian.Uint64(buf[:])
		h1 *= prime1
		h1 = (h1 << 31) | (h1 >> 33)
	}

	var h2 uint64 = prime2
	for i := len(payload); i > 0; {
		start := i - 8
		if start < 0 {
			start = 0
		}
		var buf [8]byte
		copy(buf[:], payload[start:i])
		h2 ^= binary.LittleEndian.Uint64(buf[:])
		h2 *= prime2
		h2 = (h2 << 17) | (h2 >> 47)
		i = start
	}

	mixed := h1 ^ (h2 + prime1 + uint64(len(payload)))
	mixed ^= mixed >> 33
	mixed *= 0xFF51AFD7ED558CCD
	mixed ^= mixed >> 33
	return mixed
}

// NewBlock builds a Block for payload, computing its checksum and
// payload length. epoch is the caller-assigned monotonic write epoch.
func NewBlock(index uint32, payload []byte, epoch uint64) Block {
	return Block{
		Index:      index,
		Payload:    payload,
		Checksum:   checksum64(payload),
		Epoch:      epoch,
		PayloadLen: len(payload),
	}
}

// Verify recomputes the checksum over Payload and reports whether it
// matches the stored Checksum (invariant 1 of §3).
func (b Block) Verify() bool {
	return checksum64(b.Payload) == b.Checksum
}
