// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "time"

// selectAcceptBits is the width of the rejection-sampling draw used by
// Select: 30 bits, per the acceptance test r < factor*chance(e)*2^30.
const selectAcceptBits = 30

// walkNew performs an approximately uniform draw over occupied new-table
// slots: starting from a uniformly random (bucket, slot), it steps by a
// uniformly random offset modulo the table dimension until landing on a
// non-empty slot.  The steps are random, so the walk does not visit every
// slot; it gives up and returns nil after as many steps as the table has
// slots.
func (a *AddrManager) walkNew() *KnownAddress {
	if a.nNew == 0 {
		return nil
	}
	b := a.rand.Uint64N(newBucketCount)
	s := a.rand.Uint64N(newBucketSize)
	for i := 0; i < newBucketCount*newBucketSize; i++ {
		if id := a.addrNew[b][s]; id != emptyID {
			return a.entries[id]
		}
		b = (b + a.rand.Uint64N(newBucketCount)) % newBucketCount
		s = (s + a.rand.Uint64N(newBucketSize)) % newBucketSize
	}
	return nil
}

// walkTried is walkNew's counterpart over the tried table.
func (a *AddrManager) walkTried() *KnownAddress {
	if a.nTried == 0 {
		return nil
	}
	b := a.rand.Uint64N(triedBucketCount)
	s := a.rand.Uint64N(triedBucketSize)
	for i := 0; i < triedBucketCount*triedBucketSize; i++ {
		if id := a.addrTried[b][s]; id != emptyID {
			return a.entries[id]
		}
		b = (b + a.rand.Uint64N(triedBucketCount)) % triedBucketCount
		s = (s + a.rand.Uint64N(triedBucketSize)) % triedBucketSize
	}
	return nil
}

// Select draws one endpoint biased by KnownAddress.chance: each candidate
// found by a fresh walk is accepted with a probability proportional to its
// chance, and every rejection relaxes the threshold for the next candidate
// until one is accepted.  If newOnly is false
// and both tables are non-empty, the table is chosen by a coin flip per
// call; otherwise whichever table is non-empty is used.  It returns nil if
// the store is empty.
func (a *AddrManager) Select(newOnly bool, now time.Time) *NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.nNew == 0 && a.nTried == 0 {
		return nil
	}

	useNew := newOnly || a.nTried == 0
	if !newOnly && a.nNew > 0 && a.nTried > 0 {
		useNew = a.rand.Uint64N(2) == 0
	}

	walk := a.walkTried
	if useNew {
		walk = a.walkNew
	}

	factor := 1.0
	scale := float64(uint64(1) << selectAcceptBits)
	for {
		ka := walk()
		if ka == nil {
			continue
		}
		r := a.rand.Uint64N(uint64(1) << selectAcceptBits)
		if float64(r) < factor*ka.chance(now)*scale {
			return ka.na
		}
		factor *= 1.2
	}
}

// GetAddr produces a gossip-safe sample of up to min(maxAbs, len*maxPct/100)
// endpoints via a partial Fisher-Yates shuffle of the random-order vector,
// skipping any endpoint that is currently terrible.
func (a *AddrManager) GetAddr(maxAbs, maxPct int, now time.Time) []*NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	total := len(a.vRandom)
	if total == 0 {
		return nil
	}

	n := maxAbs
	if pctN := total * maxPct / 100; pctN < n {
		n = pctN
	}
	if n <= 0 {
		return nil
	}

	order := make([]int32, total)
	copy(order, a.vRandom)

	result := make([]*NetAddress, 0, n)
	for i := 0; i < total && len(result) < n; i++ {
		j := i + int(a.rand.Uint64N(uint64(total-i)))
		order[i], order[j] = order[j], order[i]
		ka := a.entries[order[i]]
		if ka.isTerrible(now) {
			continue
		}
		result = append(result, ka.na)
	}
	return result
}
