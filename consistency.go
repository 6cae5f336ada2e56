// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "fmt"

// SetCheckConsistency enables or disables the consistency sweep that runs at
// the end of Deserialize.  It is disabled by default since a full sweep is
// O(table size).  Other mutations never run the sweep, whatever this
// setting; tests call ConsistencyCheck for that.
func (a *AddrManager) SetCheckConsistency(enabled bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.checkConsistency = enabled
}

// ConsistencyCheck sweeps the entire store and panics on the first
// invariant violation it finds.  It is the canonical oracle property tests
// run against.  It runs whenever it is called, regardless of
// SetCheckConsistency, and no code path in the package calls it on its own.
func (a *AddrManager) ConsistencyCheck() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.consistencyCheckLocked()
}

func (a *AddrManager) consistencyCheckLocked() {
	refCounts := make(map[int32]int)

	for b := 0; b < newBucketCount; b++ {
		for s := 0; s < newBucketSize; s++ {
			id := a.addrNew[b][s]
			if id == emptyID {
				continue
			}
			ka, ok := a.entries[id]
			if !ok {
				panic(fmt.Sprintf("consistency: new[%d][%d] references unknown id %d", b, s, id))
			}
			if ka.tried {
				panic(fmt.Sprintf("consistency: id %d is both tried and in new[%d][%d]", id, b, s))
			}
			nb := a.newBucket(ka.na, ka.srcAddr)
			ns := a.bucketSlot(ka.na, true, nb)
			if int(nb) != b || int(ns) != s {
				panic(fmt.Sprintf("consistency: id %d occupies new[%d][%d] but computes to new[%d][%d]",
					id, b, s, nb, ns))
			}
			refCounts[id]++
		}
	}

	triedSeen := make(map[int32]bool)
	for b := 0; b < triedBucketCount; b++ {
		for s := 0; s < triedBucketSize; s++ {
			id := a.addrTried[b][s]
			if id == emptyID {
				continue
			}
			ka, ok := a.entries[id]
			if !ok {
				panic(fmt.Sprintf("consistency: tried[%d][%d] references unknown id %d", b, s, id))
			}
			if !ka.tried {
				panic(fmt.Sprintf("consistency: id %d occupies tried[%d][%d] but is not marked tried", id, b, s))
			}
			tb := a.triedBucket(ka.na)
			ts := a.bucketSlot(ka.na, false, tb)
			if int(tb) != b || int(ts) != s {
				panic(fmt.Sprintf("consistency: id %d occupies tried[%d][%d] but computes to tried[%d][%d]",
					id, b, s, tb, ts))
			}
			if triedSeen[id] {
				panic(fmt.Sprintf("consistency: id %d occupies more than one tried slot", id))
			}
			triedSeen[id] = true
		}
	}

	newCount, triedCount := 0, 0
	for id, ka := range a.entries {
		if ka.id != id {
			panic(fmt.Sprintf("consistency: entries map key %d does not match entry id %d", id, ka.id))
		}
		if ka.tried {
			triedCount++
			if ka.refs != 0 {
				panic(fmt.Sprintf("consistency: tried id %d has nonzero ref_count %d", id, ka.refs))
			}
			continue
		}
		newCount++
		if ka.refs == 0 {
			panic(fmt.Sprintf("consistency: non-tried id %d has zero ref_count", id))
		}
		if ka.refs > maxNewBucketsPerAddress {
			panic(fmt.Sprintf("consistency: id %d has ref_count %d exceeding the maximum", id, ka.refs))
		}
		if got := refCounts[id]; got != ka.refs {
			panic(fmt.Sprintf("consistency: id %d reports ref_count %d but occupies %d new slots", id, ka.refs, got))
		}
	}
	if newCount != a.nNew {
		panic(fmt.Sprintf("consistency: nNew is %d but %d entries are non-tried", a.nNew, newCount))
	}
	if triedCount != a.nTried {
		panic(fmt.Sprintf("consistency: nTried is %d but %d entries are tried", a.nTried, triedCount))
	}

	if len(a.vRandom) != newCount+triedCount {
		panic(fmt.Sprintf("consistency: random vector has %d entries, expected %d", len(a.vRandom), newCount+triedCount))
	}
	seenInRandom := make(map[int32]bool, len(a.vRandom))
	for pos, id := range a.vRandom {
		if seenInRandom[id] {
			panic(fmt.Sprintf("consistency: id %d appears twice in the random vector", id))
		}
		seenInRandom[id] = true
		ka, ok := a.entries[id]
		if !ok {
			panic(fmt.Sprintf("consistency: random vector references unknown id %d", id))
		}
		if ka.randomPos != pos {
			panic(fmt.Sprintf("consistency: id %d has randomPos %d but sits at index %d", id, ka.randomPos, pos))
		}
	}
	for id := range a.entries {
		if !seenInRandom[id] {
			panic(fmt.Sprintf("consistency: id %d is missing from the random vector", id))
		}
	}
}
