// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// serializePVer is the protocol-version plumbing argument wire's var-length
// helpers require; the store's on-disk format has no protocol negotiation
// of its own, so a fixed value is threaded through unconditionally.
const serializePVer = 0

// currentFormatVersion is the format version this package writes.  Versions
// 1-2 are readable for compatibility; version 0 and anything newer than
// currentFormatVersion are rejected.
const currentFormatVersion = 3

// keyLengthByte is the historical literal marking the key length; kept for
// wire compatibility with the format's self-description.
const keyLengthByte = 0x20

// maxAddrPayload bounds a single address' varint-prefixed byte length
// against memory-exhaustion attacks on deserialization.
const maxAddrPayload = 1 << 16

// Serialize snapshots the address manager's entire state to w in the
// package's self-describing on-disk format.  Mutation and serialization
// never interleave: the caller-visible lock is held for the duration.
func (a *AddrManager) Serialize(w io.Writer) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.serializeLocked(w)
}

func (a *AddrManager) serializeLocked(w io.Writer) error {
	if err := writeUint8(w, currentFormatVersion); err != nil {
		return err
	}
	if err := writeUint8(w, keyLengthByte); err != nil {
		return err
	}
	if _, err := w.Write(a.key[:]); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(a.nNew)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(a.nTried)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(newBucketCount)^(1<<30)); err != nil {
		return err
	}

	// newIndex maps an id to its position in the new-entry array, so the
	// bucket index arrays below can reference entries by array position
	// rather than by id (ids are not stable across a load).
	newIndex := make(map[int32]uint32)
	var idx uint32
	for id, ka := range a.entries {
		if ka.tried {
			continue
		}
		newIndex[id] = idx
		idx++
		if err := writeEntry(w, ka); err != nil {
			return err
		}
	}
	for _, ka := range a.entries {
		if !ka.tried {
			continue
		}
		if err := writeEntry(w, ka); err != nil {
			return err
		}
	}

	for b := 0; b < newBucketCount; b++ {
		var ids []uint32
		for s := 0; s < newBucketSize; s++ {
			id := a.addrNew[b][s]
			if id == emptyID {
				continue
			}
			ids = append(ids, newIndex[id])
		}
		if err := writeUint32(w, uint32(len(ids))); err != nil {
			return err
		}
		for _, i := range ids {
			if err := writeUint32(w, i); err != nil {
				return err
			}
		}
	}

	fingerprint := a.asMap.Fingerprint()
	if _, err := w.Write(fingerprint[:]); err != nil {
		return err
	}
	return nil
}

// entryRecord is the on-wire shape of one KnownAddress, independent of
// which table it lives in.
type entryRecord struct {
	na                 *NetAddress
	src                *NetAddress
	lastSeen           int64
	lastTry            int64
	lastSuccess        int64
	lastCountedAttempt int64
	attempts           int32
}

func writeEntry(w io.Writer, ka *KnownAddress) error {
	if err := writeNetAddress(w, ka.na); err != nil {
		return err
	}
	if err := writeNetAddress(w, ka.srcAddr); err != nil {
		return err
	}
	for _, t := range []time.Time{ka.lastSeen, ka.lastTry, ka.lastSuccess, ka.lastCountedAttempt} {
		if err := writeInt64(w, unixOrZero(t)); err != nil {
			return err
		}
	}
	return writeInt32(w, int32(ka.attempts))
}

func readEntry(r io.Reader) (entryRecord, error) {
	var rec entryRecord
	var err error
	rec.na, err = readNetAddress(r)
	if err != nil {
		return rec, err
	}
	rec.src, err = readNetAddress(r)
	if err != nil {
		return rec, err
	}
	times := make([]int64, 4)
	for i := range times {
		times[i], err = readInt64(r)
		if err != nil {
			return rec, err
		}
	}
	rec.lastSeen, rec.lastTry, rec.lastSuccess, rec.lastCountedAttempt =
		times[0], times[1], times[2], times[3]
	attempts, err := readInt32(r)
	if err != nil {
		return rec, err
	}
	rec.attempts = attempts
	return rec, nil
}

// writeNetAddress encodes na in a BIP155-style shape: fixed timestamp and
// type fields, a varint service-flag value, a varint-prefixed address
// payload, and a fixed port.
func writeNetAddress(w io.Writer, na *NetAddress) error {
	if err := writeInt64(w, na.Timestamp.Unix()); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(na.Type)); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, serializePVer, uint64(na.Services)); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, serializePVer, na.IP); err != nil {
		return err
	}
	return writeUint16(w, na.Port)
}

func readNetAddress(r io.Reader) (*NetAddress, error) {
	ts, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	typ, err := readUint8(r)
	if err != nil {
		return nil, err
	}
	services, err := wire.ReadVarInt(r, serializePVer)
	if err != nil {
		return nil, err
	}
	ip, err := wire.ReadVarBytes(r, serializePVer, maxAddrPayload, "netaddress.IP")
	if err != nil {
		return nil, err
	}
	port, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	return &NetAddress{
		Type:      NetAddressType(typ),
		IP:        ip,
		Port:      port,
		Timestamp: time.Unix(ts, 0),
		Services:  wire.ServiceFlag(services),
	}, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func writeUint8(w io.Writer, v uint8) error   { return writeFixed(w, []byte{v}) }
func writeInt32(w io.Writer, v int32) error   { return writeFixedUint32(w, uint32(v)) }
func writeUint32(w io.Writer, v uint32) error { return writeFixedUint32(w, v) }
func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return writeFixed(w, b[:])
}
func writeInt64(w io.Writer, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return writeFixed(w, b[:])
}
func writeFixedUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return writeFixed(w, b[:])
}
func writeFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}
func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// Deserialize restores the address manager's state from r, replacing
// whatever it currently holds.  A corrupt or truncated stream leaves the
// manager reset to empty, as documented for ErrCorruptStore.
func (a *AddrManager) Deserialize(r io.Reader) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if err := a.deserializeLocked(r); err != nil {
		a.reset(false)
		return err
	}
	return nil
}

func (a *AddrManager) deserializeLocked(r io.Reader) error {
	version, err := readUint8(r)
	if err != nil {
		return makeError(ErrCorruptStore, "truncated stream: missing format version")
	}
	if version == 0 || version > currentFormatVersion {
		return makeError(ErrCorruptStore, "unsupported format version")
	}

	keyLen, err := readUint8(r)
	if err != nil || keyLen != keyLengthByte {
		return makeError(ErrCorruptStore, "unexpected key length byte")
	}

	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return makeError(ErrCorruptStore, "truncated stream: missing key")
	}

	newCount, err := readUint32(r)
	if err != nil || newCount > newBucketCount*newBucketSize {
		return makeError(ErrCorruptStore, "new_count exceeds table capacity")
	}
	triedCount, err := readUint32(r)
	if err != nil || triedCount > triedBucketCount*triedBucketSize {
		return makeError(ErrCorruptStore, "tried_count exceeds table capacity")
	}
	rawBucketCount, err := readUint32(r)
	if err != nil {
		return makeError(ErrCorruptStore, "truncated stream: missing bucket count")
	}
	storedBucketCount := rawBucketCount ^ (1 << 30)

	newRecords := make([]entryRecord, newCount)
	for i := range newRecords {
		rec, err := readEntry(r)
		if err != nil {
			return makeError(ErrCorruptStore, "truncated stream: new entry")
		}
		newRecords[i] = rec
	}
	triedRecords := make([]entryRecord, triedCount)
	for i := range triedRecords {
		rec, err := readEntry(r)
		if err != nil {
			return makeError(ErrCorruptStore, "truncated stream: tried entry")
		}
		triedRecords[i] = rec
	}

	bucketRefs := make([][]uint32, newBucketCount)
	for b := 0; b < newBucketCount; b++ {
		n, err := readUint32(r)
		if err != nil {
			return makeError(ErrCorruptStore, "truncated stream: bucket index count")
		}
		refs := make([]uint32, n)
		for i := range refs {
			ref, err := readUint32(r)
			if err != nil || ref >= newCount {
				return makeError(ErrCorruptStore, "truncated stream: bucket index")
			}
			refs[i] = ref
		}
		bucketRefs[b] = refs
	}

	var fingerprint [32]byte
	if _, err := io.ReadFull(r, fingerprint[:]); err != nil {
		return makeError(ErrCorruptStore, "truncated stream: asmap fingerprint")
	}

	a.reset(false)
	a.key = key

	trustPlacement := storedBucketCount == newBucketCount &&
		fingerprintEqual(fingerprint, a.asMap.Fingerprint())

	newIDs := make([]int32, newCount)
	for i, rec := range newRecords {
		ka := a.create(rec.na, rec.src, timeOrZero(rec.lastSeen))
		ka.lastTry = timeOrZero(rec.lastTry)
		ka.lastSuccess = timeOrZero(rec.lastSuccess)
		ka.lastCountedAttempt = timeOrZero(rec.lastCountedAttempt)
		ka.attempts = int(rec.attempts)
		newIDs[i] = ka.id
	}

	if trustPlacement {
		for b := 0; b < newBucketCount; b++ {
			for _, ref := range bucketRefs[b] {
				id := newIDs[ref]
				ka := a.entries[id]
				s := a.bucketSlot(ka.na, true, uint64(b))
				if a.addrNew[b][s] != emptyID {
					// Collision during trusted placement: drop the loser.
					continue
				}
				a.addrNew[b][s] = id
				ka.refs++
			}
		}
		for _, id := range newIDs {
			ka := a.entries[id]
			if ka.refs == 0 {
				a.deleteEntry(ka)
			} else {
				a.nNew++
			}
		}
	} else {
		for _, id := range newIDs {
			ka := a.entries[id]
			nb := a.newBucket(ka.na, ka.srcAddr)
			ns := a.bucketSlot(ka.na, true, nb)
			if a.addrNew[nb][ns] != emptyID {
				a.deleteEntry(ka)
				continue
			}
			a.addrNew[nb][ns] = id
			ka.refs = 1
			a.nNew++
		}
	}

	for _, rec := range triedRecords {
		ka := a.create(rec.na, rec.src, timeOrZero(rec.lastSeen))
		ka.lastTry = timeOrZero(rec.lastTry)
		ka.lastSuccess = timeOrZero(rec.lastSuccess)
		ka.lastCountedAttempt = timeOrZero(rec.lastCountedAttempt)
		ka.attempts = int(rec.attempts)

		tb := a.triedBucket(ka.na)
		ts := a.bucketSlot(ka.na, false, tb)
		if a.addrTried[tb][ts] != emptyID {
			a.deleteEntry(ka)
			continue
		}
		a.addrTried[tb][ts] = ka.id
		ka.tried = true
		a.nTried++
	}

	// Prune anything left with no home in either table.
	for _, ka := range a.entries {
		if !ka.tried && ka.refs == 0 {
			a.deleteEntry(ka)
		}
	}

	a.consistencyCheckIfEnabled()
	return nil
}

func fingerprintEqual(a [32]byte, b chainhash.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *AddrManager) consistencyCheckIfEnabled() {
	if a.checkConsistency {
		a.consistencyCheckLocked()
	}
}
