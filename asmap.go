// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
	"os"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/lru"
)

// asMapCacheLimit bounds the number of address-to-AS resolutions memoized by
// an ASMap, since MappedAS is recomputed on every bucket placement once an
// asmap is loaded and the prefix walk is comparatively expensive.
const asMapCacheLimit = 8192

// ASMap is a loaded IP-to-AS prefix tree used to group endpoints by
// autonomous system instead of by address-family prefix.  The zero value is
// not loaded and causes Group to fall back to family-prefix grouping.
//
// The encoding decoded here is a packed binary trie read LSB-first from the
// underlying bitstream: each node is a single tag bit followed either by a
// 32-bit big-endian AS number (a leaf) or by its left and right subtrees (an
// internal node), recursively. Resolving an address walks the tree one
// address bit at a time, most significant bit first, descending left on a
// clear bit and right on a set one, until a leaf is reached or the bitstream
// is exhausted.
type ASMap struct {
	bits    []byte
	nbits   int
	leaves  int
	cache   *lru.Map[string, uint32]
	loaded  bool
	rawHash chainhash.Hash
}

// Loaded reports whether the asmap was successfully decoded and passed its
// sanity check.
func (m *ASMap) Loaded() bool {
	return m != nil && m.loaded
}

// Fingerprint returns a hash of the raw asmap bitstream, used by the
// serializer to decide whether stored new-table placements can be trusted or
// must be recomputed after a deserialize.  It returns the zero hash when no
// asmap is loaded, matching the on-disk convention of an all-zero trailer.
func (m *ASMap) Fingerprint() chainhash.Hash {
	if !m.Loaded() {
		return chainhash.Hash{}
	}
	return m.rawHash
}

// bitAt returns the bit at position i of the packed bitstream, reading each
// byte LSB-first.
func (m *ASMap) bitAt(i int) int {
	if (m.bits[i/8]>>(uint(i)%8))&1 != 0 {
		return 1
	}
	return 0
}

// decodeNode decodes one subtree starting at bit offset pos, returning the
// next unconsumed bit offset. It reports ok false if the bitstream is
// exhausted before a well-formed node could be decoded.
func (m *ASMap) decodeNode(pos int) (next int, ok bool) {
	if pos >= m.nbits {
		return 0, false
	}
	isLeaf := m.bitAt(pos) == 1
	pos++
	if isLeaf {
		if pos+32 > m.nbits {
			return 0, false
		}
		m.leaves++
		return pos + 32, true
	}
	pos, ok = m.decodeNode(pos)
	if !ok {
		return 0, false
	}
	pos, ok = m.decodeNode(pos)
	if !ok {
		return 0, false
	}
	return pos, true
}

// leafAS reads the 32-bit big-endian AS number of the leaf node starting
// immediately after the tag bit at pos.
func (m *ASMap) leafAS(pos int) uint32 {
	var as uint32
	for i := 0; i < 32; i++ {
		as <<= 1
		as |= uint32(m.bitAt(pos + i))
	}
	return as
}

// sanityCheck decodes the whole tree from the root and verifies it is
// well-formed: every node terminates, the traversal consumes the bitstream
// without running past its end (bounding recursion depth by construction,
// which rules out infinite loops), and at least one leaf is reachable. Up to
// seven trailing pad bits are tolerated since the underlying bitstream is
// byte-serialized and the tree itself has no reason to end on a byte
// boundary; anything left over beyond that is treated as trailing garbage.
func (m *ASMap) sanityCheck() bool {
	if m.nbits == 0 {
		return false
	}
	end, ok := m.decodeNode(0)
	if !ok || m.nbits-end >= 8 {
		return false
	}
	return m.leaves > 0
}

// DecodeASMapBytes decodes raw asmap bytes into a loaded ASMap.  Per spec,
// failures (malformed input, a failing sanity check) are not reported as an
// error: an unloaded, zero-value-equivalent ASMap is returned so the caller
// degrades to family-prefix grouping.
func DecodeASMapBytes(data []byte) *ASMap {
	m := &ASMap{
		bits:  data,
		nbits: len(data) * 8,
		cache: lru.NewMap[string, uint32](asMapCacheLimit),
	}
	if !m.sanityCheck() {
		log.Warnf("asmap failed sanity check, falling back to default grouping")
		return &ASMap{cache: lru.NewMap[string, uint32](asMapCacheLimit)}
	}
	m.rawHash = chainhash.HashH(data)
	m.loaded = true
	return m
}

// DecodeASMap reads and decodes an asmap file from disk.  Any failure
// (missing file, I/O error, failed sanity check) is logged and an unloaded
// ASMap is returned rather than an error, matching the degrade-silently
// contract spec.md assigns to asmap loading.
func DecodeASMap(path string) *ASMap {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("unable to load asmap from %q: %v", path, err)
		return &ASMap{cache: lru.NewMap[string, uint32](asMapCacheLimit)}
	}
	return DecodeASMapBytes(data)
}

// MappedAS walks the prefix tree over netIP's address bits and returns the
// resolved autonomous system number, or 0 if the asmap is unloaded or the
// tree does not resolve the address (either case falls back to /16 grouping
// in the caller).
func (m *ASMap) MappedAS(netIP net.IP) uint32 {
	if !m.Loaded() {
		return 0
	}
	key := netIP.String()
	if as, ok := m.cache.Get(key); ok {
		return as
	}

	addrBits := asAddressBits(netIP)
	pos := 0
	for _, bit := range addrBits {
		if pos >= m.nbits {
			return 0
		}
		isLeaf := m.bitAt(pos) == 1
		pos++
		if isLeaf {
			as := m.leafAS(pos)
			m.cache.Put(key, as)
			return as
		}
		if bit == 1 {
			// Skip the left subtree to descend into the right one.
			var ok bool
			pos, ok = m.decodeNode(pos)
			if !ok {
				return 0
			}
		}
	}
	// Every address bit has been consumed; the node reached must be a leaf.
	if pos < m.nbits && m.bitAt(pos) == 1 {
		as := m.leafAS(pos + 1)
		m.cache.Put(key, as)
		return as
	}
	return 0
}

// asAddressBits returns netIP's address as a slice of individual bits, most
// significant first, using the 4-byte form for IPv4 and the 16-byte form for
// IPv6.
func asAddressBits(netIP net.IP) []int {
	var raw []byte
	if ip4 := netIP.To4(); ip4 != nil {
		raw = ip4
	} else {
		raw = netIP.To16()
	}
	if raw == nil {
		return nil
	}
	bits := make([]int, 0, len(raw)*8)
	for _, b := range raw {
		for i := 7; i >= 0; i-- {
			bits = append(bits, int((b>>uint(i))&1))
		}
	}
	return bits
}

// String describes the asmap for diagnostic logging.
func (m *ASMap) String() string {
	if !m.Loaded() {
		return "<no asmap>"
	}
	return fmt.Sprintf("asmap(leaves=%d, bits=%d, fingerprint=%s)", m.leaves, m.nbits, m.rawHash)
}
