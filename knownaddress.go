// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"time"
)

// KnownAddress tracks information about a known network address that is used
// to determine how desirable an address is to keep in the address manager's
// tables.  It is the address manager's Entry record: source group, timing
// observations, attempt counts, and the bucket-membership bookkeeping shared
// by the mutation API and the consistency checker.
//
// Unlike earlier revisions of this package, KnownAddress carries no mutex of
// its own: every access happens while the owning AddrManager's single
// coarse-grained lock is held, so a second layer of locking here would be
// redundant.
type KnownAddress struct {
	na      *NetAddress
	srcAddr *NetAddress

	attempts           int
	lastSeen           time.Time
	lastTry            time.Time
	lastSuccess        time.Time
	lastCountedAttempt time.Time

	id int32

	refs      int  // number of new-table slots referencing this entry; 0..8
	tried     bool // in_tried; mutually exclusive with refs > 0
	randomPos int  // index of id in the random-order vector
}

// NetAddress returns the known address' network address.
func (ka *KnownAddress) NetAddress() *NetAddress {
	return ka.na
}

// SourceAddress returns the network address of the peer that originally
// reported this known address, used to derive its new-table bucket.
func (ka *KnownAddress) SourceAddress() *NetAddress {
	return ka.srcAddr
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	return ka.lastTry
}

// isTerrible returns true if the known address is considered unsuitable to
// keep or hand out to other peers.  An address that was tried within the last
// minute is never terrible, regardless of its other properties, since recent
// work overrides staleness.  Otherwise it is terrible if the claimed
// last-seen time is too far in the future, too far in the past, if it has
// never succeeded and has failed at least 3 times, or if it has not
// succeeded in over a week and has failed at least 10 times.
func (ka *KnownAddress) isTerrible(now time.Time) bool {
	if now.Sub(ka.lastTry) < time.Minute {
		return false
	}

	// The address' claimed last-seen time is in the future.
	if ka.lastSeen.After(now.Add(10 * time.Minute)) {
		return true
	}

	// The address has not been seen in over a month, or claims no last-seen
	// time at all.
	if ka.lastSeen.IsZero() || now.Sub(ka.lastSeen) > 30*24*time.Hour {
		return true
	}

	// The address has never succeeded and has failed multiple times.
	if ka.lastSuccess.IsZero() && ka.attempts >= 3 {
		return true
	}

	// The address has not succeeded in too long and has failed many times.
	if now.Sub(ka.lastSuccess) > 7*24*time.Hour && ka.attempts >= 10 {
		return true
	}

	return false
}

// chance returns the selection weight for this address relative to others:
// 1.0 by default, reduced by two orders of magnitude if it was attempted
// within the last ten minutes, and multiplicatively decayed by 0.66 per
// consecutive failed attempt (capped at 8) so that persistently failing
// peers are deprioritized without ever being fully excluded.
func (ka *KnownAddress) chance(now time.Time) float64 {
	c := 1.0

	if now.Sub(ka.lastTry) < 10*time.Minute {
		c *= 0.01
	}

	attempts := ka.attempts
	if attempts > 8 {
		attempts = 8
	}
	for i := 0; i < attempts; i++ {
		c *= 0.66
	}

	return c
}
