// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"testing"
	"time"
)

func newKnownAddress(lastSeen time.Time, attempts int, lastTry, lastSuccess time.Time, tried bool, refs int) *KnownAddress {
	na := &NetAddress{Timestamp: lastSeen}
	return &KnownAddress{
		na:          na,
		attempts:    attempts,
		lastSeen:    lastSeen,
		lastTry:     lastTry,
		lastSuccess: lastSuccess,
		tried:       tried,
		refs:        refs,
	}
}

func TestChance(t *testing.T) {
	now := time.Unix(time.Now().Unix(), 0)
	var tests = []struct {
		addr     *KnownAddress
		expected float64
	}{{
		// Normal case: last tried long ago, no failures.
		newKnownAddress(now.Add(-35*time.Second),
			0, now.Add(-30*time.Minute), now, false, 0),
		1.0,
	}, {
		// last_seen claims the future; chance is unaffected.
		newKnownAddress(now.Add(20*time.Second),
			0, now.Add(-30*time.Minute), now, false, 0),
		1.0,
	}, {
		// lastTry claims the future, which is still "within 10 minutes".
		newKnownAddress(now.Add(-35*time.Second),
			0, now.Add(30*time.Minute), now, false, 0),
		1.0 * .01,
	}, {
		// lastTry within the last ten minutes.
		newKnownAddress(now.Add(-35*time.Second),
			0, now.Add(-5*time.Minute), now, false, 0),
		1.0 * .01,
	}, {
		// Two failed attempts.
		newKnownAddress(now.Add(-35*time.Second),
			2, now.Add(-30*time.Minute), now, false, 0),
		0.66 * 0.66,
	}}

	const epsilon = .0001
	for i, test := range tests {
		chance := test.addr.chance(now)
		if math.Abs(test.expected-chance) >= epsilon {
			t.Errorf("case %d: got %f, want %f", i, chance, test.expected)
		}
	}
}

func TestIsTerrible(t *testing.T) {
	now := time.Unix(time.Now().Unix(), 0)
	future := now.Add(35 * time.Minute)
	monthOld := now.Add(-43 * time.Hour * 24)
	secondsOld := now.Add(-2 * time.Second)
	minutesOld := now.Add(-27 * time.Minute)
	hoursOld := now.Add(-5 * time.Hour)
	zeroTime := time.Time{}

	// Addresses tried within the last minute are never terrible, regardless
	// of their other properties.
	if newKnownAddress(future, 3, secondsOld, zeroTime, false, 0).isTerrible(now) {
		t.Errorf("test case 1: recent attempt exemption should apply")
	}
	if newKnownAddress(monthOld, 3, secondsOld, zeroTime, false, 0).isTerrible(now) {
		t.Errorf("test case 2: recent attempt exemption should apply")
	}
	if newKnownAddress(secondsOld, 3, secondsOld, zeroTime, false, 0).isTerrible(now) {
		t.Errorf("test case 3: recent attempt exemption should apply")
	}
	if newKnownAddress(secondsOld, 3, secondsOld, monthOld, true, 0).isTerrible(now) {
		t.Errorf("test case 4: recent attempt exemption should apply")
	}
	if newKnownAddress(secondsOld, 2, secondsOld, secondsOld, true, 0).isTerrible(now) {
		t.Errorf("test case 5: recent attempt exemption should apply")
	}

	// Claims to be from the future.
	if !newKnownAddress(future, 0, minutesOld, hoursOld, true, 0).isTerrible(now) {
		t.Errorf("test case 6: addresses that claim to be from the future are terrible")
	}

	// Not seen in over a month.
	if !newKnownAddress(monthOld, 0, minutesOld, hoursOld, true, 0).isTerrible(now) {
		t.Errorf("test case 7: addresses more than a month old are terrible")
	}

	// Never succeeded, failed at least three times.
	if !newKnownAddress(minutesOld, 3, minutesOld, zeroTime, true, 0).isTerrible(now) {
		t.Errorf("test case 8: addresses that have never succeeded and failed 3+ times are terrible")
	}

	// Failed ten times and hasn't succeeded in over a week.
	if !newKnownAddress(minutesOld, 10, minutesOld, monthOld, true, 0).isTerrible(now) {
		t.Errorf("test case 9: addresses that have not succeeded in too long are terrible")
	}

	// A perfectly fine address.
	if newKnownAddress(minutesOld, 2, minutesOld, hoursOld, true, 0).isTerrible(now) {
		t.Errorf("test case 10: this should be a valid address")
	}

	// Zero last_seen is terrible even outside the recent-attempt exemption.
	if !newKnownAddress(zeroTime, 0, minutesOld, hoursOld, true, 0).isTerrible(now) {
		t.Errorf("test case 11: zero last_seen is terrible")
	}
}
