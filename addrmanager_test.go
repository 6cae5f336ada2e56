// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/wire"
)

func newTestManager(t *testing.T) *AddrManager {
	t.Helper()
	a := New(t.TempDir(), nil)
	a.Clear(true)
	a.SetCheckConsistency(true)
	return a
}

func newTestEndpoint(ip string, port uint16) *NetAddress {
	return NewNetAddressFromIPPort(net.ParseIP(ip), port, wire.SFNodeNetwork)
}

// TestFreshAddThenPromotion covers a fresh-add-then-promotion scenario: a
// brand new, self-reported endpoint is added, then confirmed good, and
// becomes selectable.
func TestFreshAddThenPromotion(t *testing.T) {
	a := newTestManager(t)

	e1 := newTestEndpoint("173.194.115.66", 8333)
	e1.Timestamp = time.Unix(1000, 0)

	now := time.Unix(1000, 0)
	if created := a.Add(e1, e1, 0, now); !created {
		t.Fatal("expected a fresh entry to be created")
	}
	if got := a.Size(); got != 1 {
		t.Fatalf("unexpected size: got %d, want 1", got)
	}

	a.Good(e1, false, time.Unix(1100, 0))
	a.ConsistencyCheck()

	if got := a.Size(); got != 1 {
		t.Fatalf("unexpected size after promotion: got %d, want 1", got)
	}
	if got := a.Select(false, time.Unix(1100, 0)); got == nil || got.Key() != e1.Key() {
		t.Fatalf("expected Select to return the sole promoted endpoint")
	}
}

// TestTestBeforeEvictDefers covers the "test-before-evict defers" scenario:
// when the target tried slot is already occupied, Good with
// testBeforeEvict defers promotion to the collision queue instead of
// displacing the incumbent.
func TestTestBeforeEvictDefers(t *testing.T) {
	a := newTestManager(t)

	src := newTestEndpoint("5.5.5.5", 8333)

	// Find two endpoints that collide in the tried table under the
	// all-zero deterministic key by scanning addresses within one routable
	// /16 (Add rejects non-routable endpoints).
	var eOld, eNew *NetAddress
	var oldBucket, oldSlot uint64
	for i := 1; i < 1<<16 && (eOld == nil || eNew == nil); i++ {
		cand := newTestEndpoint(net.IPv4(173, 194, byte(i>>8), byte(i)).String(), 8333)
		b := a.triedBucket(cand)
		s := a.bucketSlot(cand, false, b)
		if eOld == nil {
			eOld, oldBucket, oldSlot = cand, b, s
			continue
		}
		if b == oldBucket && s == oldSlot {
			eNew = cand
		}
	}
	if eOld == nil || eNew == nil {
		t.Fatal("failed to find two colliding tried-table endpoints")
	}

	now := time.Unix(10_000, 0)
	a.Add(eOld, src, 0, now)
	a.Good(eOld, false, now)

	a.Add(eNew, src, 0, now)
	a.Good(eNew, true, now.Add(time.Second))
	a.ConsistencyCheck()

	incumbent := a.SelectTriedCollision()
	if incumbent == nil || incumbent.Key() != eOld.Key() {
		t.Fatalf("expected %s to still occupy the tried slot", eOld.Key())
	}
}

// TestCollisionResolvesAfterWindow covers the "collision resolves after 4h"
// scenario: once the incumbent's grace window has passed with no fresh
// success, ResolveCollisions promotes the challenger.
func TestCollisionResolvesAfterWindow(t *testing.T) {
	a := newTestManager(t)
	src := newTestEndpoint("5.5.5.5", 8333)

	var eOld, eNew *NetAddress
	var oldBucket, oldSlot uint64
	for i := 1; i < 1<<16 && (eOld == nil || eNew == nil); i++ {
		cand := newTestEndpoint(net.IPv4(173, 194, byte(i>>8), byte(i)).String(), 8333)
		b := a.triedBucket(cand)
		s := a.bucketSlot(cand, false, b)
		if eOld == nil {
			eOld, oldBucket, oldSlot = cand, b, s
			continue
		}
		if b == oldBucket && s == oldSlot {
			eNew = cand
		}
	}
	if eOld == nil || eNew == nil {
		t.Fatal("failed to find two colliding tried-table endpoints")
	}

	t0 := time.Unix(10_000, 0)
	a.Add(eOld, src, 0, t0)
	a.Good(eOld, false, t0)

	t1 := t0.Add(time.Second)
	a.Add(eNew, src, 0, t1)
	a.Good(eNew, true, t1)

	later := t0.Add(4*time.Hour + 61*time.Second)
	a.ResolveCollisions(later)
	a.ConsistencyCheck()

	if incumbent := a.SelectTriedCollision(); incumbent != nil {
		t.Fatalf("expected collision queue to be empty, still blocked on %s", incumbent.Key())
	}
}

// TestIsTerribleThresholdScenario exercises isTerrible's threshold behavior
// using a live KnownAddress created through Add.
func TestIsTerribleThresholdScenario(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("8.8.8.8", 8333)
	e.Timestamp = time.Time{}
	src := e

	now := time.Unix(100_000, 0)
	a.Add(e, src, 0, now)

	ka := a.lookup(e)
	if ka == nil {
		t.Fatal("expected endpoint to be known")
	}
	ka.lastSeen = time.Time{}
	ka.lastTry = time.Time{}
	if !ka.isTerrible(now) {
		t.Fatal("expected zero last_seen, zero last_try entry to be terrible")
	}

	ka.lastTry = now.Add(-30 * time.Second)
	if ka.isTerrible(now) {
		t.Fatal("expected recent-attempt exemption to apply")
	}
}

// TestRefcountCeiling verifies that adding the same endpoint from 100
// distinct source groups never pushes its ref_count past 8.
func TestRefcountCeiling(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("173.194.115.50", 8333)
	now := time.Unix(1, 0)

	for i := 0; i < 100; i++ {
		src := newTestEndpoint(net.IPv4(byte(i/250+1), byte(i), 1, 1).String(), 8333)
		a.Add(e, src, 0, now)
	}
	a.ConsistencyCheck()

	ka := a.lookup(e)
	if ka == nil {
		t.Fatal("expected endpoint to be known")
	}
	if ka.refs > maxNewBucketsPerAddress {
		t.Fatalf("ref_count exceeded ceiling: got %d, want <= %d", ka.refs, maxNewBucketsPerAddress)
	}
}

// TestAddNonRoutableRejected verifies Add silently rejects a non-routable
// endpoint.
func TestAddNonRoutableRejected(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("10.0.0.1", 8333)
	src := newTestEndpoint("5.5.5.5", 8333)

	if created := a.Add(e, src, 0, time.Unix(1, 0)); created {
		t.Fatal("expected non-routable endpoint to be rejected")
	}
	if got := a.Size(); got != 0 {
		t.Fatalf("unexpected size: got %d, want 0", got)
	}
}

// TestIdempotentAdd verifies that two consecutive identical Add calls leave
// the entry's timestamp unchanged the second time (property 9: idempotence).
func TestIdempotentAdd(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("173.194.115.66", 8333)
	e.Timestamp = time.Unix(5000, 0)
	src := e

	now := time.Unix(5000, 0)
	a.Add(e, src, 0, now)
	ka := a.lookup(e)
	firstSeen := ka.lastSeen

	a.Add(e, src, 0, now)
	if !ka.lastSeen.Equal(firstSeen) {
		t.Fatalf("expected idempotent add to leave last_seen unchanged: got %v, want %v",
			ka.lastSeen, firstSeen)
	}
}

// TestAttemptCountsFailureOnlyAfterLastGood verifies that Attempt only
// increments the failure counter when the entry's last counted attempt
// predates the manager's most recent Good call.
func TestAttemptCountsFailureOnlyAfterLastGood(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("173.194.115.66", 8333)
	src := e
	now := time.Unix(1000, 0)

	a.Add(e, src, 0, now)
	a.Attempt(e, true, now.Add(time.Second))

	ka := a.lookup(e)
	if ka.attempts != 1 {
		t.Fatalf("expected first attempt to count: got %d", ka.attempts)
	}

	a.Attempt(e, true, now.Add(2*time.Second))
	if ka.attempts != 1 {
		t.Fatalf("expected second attempt not to count without an intervening Good: got %d", ka.attempts)
	}

	other := newTestEndpoint("203.0.113.9", 8333)
	a.Add(other, other, 0, now)
	a.Good(other, false, now.Add(3*time.Second))

	a.Attempt(e, true, now.Add(4*time.Second))
	if ka.attempts != 2 {
		t.Fatalf("expected attempt after a fresh Good elsewhere to count: got %d", ka.attempts)
	}
}

// TestConnectedRateLimited verifies Connected only refreshes last_seen once
// the 20-minute rate limit has elapsed.
func TestConnectedRateLimited(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("173.194.115.66", 8333)
	now := time.Unix(1000, 0)
	e.Timestamp = now
	a.Add(e, e, 0, now)

	ka := a.lookup(e)
	seenBefore := ka.lastSeen

	a.Connected(e, now.Add(time.Minute))
	if !ka.lastSeen.Equal(seenBefore) {
		t.Fatal("expected Connected to be rate-limited within 20 minutes")
	}

	a.Connected(e, now.Add(21*time.Minute))
	if ka.lastSeen.Equal(seenBefore) {
		t.Fatal("expected Connected to refresh last_seen after 20 minutes")
	}
}

// TestSetServicesOverwrites verifies SetServices overwrites the recorded
// service bits.
func TestSetServicesOverwrites(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("173.194.115.66", 8333)
	now := time.Unix(1000, 0)
	a.Add(e, e, 0, now)

	const altServices = wire.ServiceFlag(0)
	a.SetServices(e, altServices)

	ka := a.lookup(e)
	if ka.na.Services != altServices {
		t.Fatalf("unexpected services: got %b, want %b", ka.na.Services, altServices)
	}
}

// TestGetAddrSkipsTerrible verifies GetAddr never returns a terrible
// endpoint.
func TestGetAddrSkipsTerrible(t *testing.T) {
	a := newTestManager(t)
	now := time.Unix(1_000_000, 0)

	good := newTestEndpoint("8.8.8.8", 8333)
	good.Timestamp = now
	a.Add(good, good, 0, now)

	terrible := newTestEndpoint("9.9.9.9", 8333)
	terrible.Timestamp = time.Time{}
	a.Add(terrible, terrible, 0, now)
	if ka := a.lookup(terrible); ka != nil {
		ka.lastSeen = time.Time{}
		ka.lastTry = time.Time{}
	}

	out := a.GetAddr(10, 100, now)
	for _, na := range out {
		if na.Key() == terrible.Key() {
			t.Fatal("expected terrible endpoint to be skipped")
		}
	}
}

// TestSerializeRoundTrip verifies that deserializing a freshly serialized
// store reproduces the same set of endpoints.
func TestSerializeRoundTrip(t *testing.T) {
	a := newTestManager(t)
	now := time.Unix(2_000_000, 0)

	endpoints := []string{"8.8.8.8", "9.9.9.9", "1.2.3.4", "173.194.115.7"}
	for _, ip := range endpoints {
		e := newTestEndpoint(ip, 8333)
		e.Timestamp = now
		a.Add(e, e, 0, now)
	}
	a.Good(newTestEndpoint("8.8.8.8", 8333), false, now)

	var buf bytes.Buffer
	if err := a.Serialize(&buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	b := New(t.TempDir(), nil)
	b.SetCheckConsistency(true)
	if err := b.Deserialize(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	b.ConsistencyCheck()

	if got, want := b.Size(), a.Size(); got != want {
		t.Fatalf("unexpected size after round trip: got %d, want %d", got, want)
	}
	for _, ip := range endpoints {
		e := newTestEndpoint(ip, 8333)
		if b.lookup(e) == nil {
			t.Fatalf("expected %s to survive round trip", ip)
		}
	}
}

// TestDeserializeRejectsCorruptStore verifies malformed streams surface
// ErrCorruptStore and leave the manager empty.
func TestDeserializeRejectsCorruptStore(t *testing.T) {
	a := newTestManager(t)
	e := newTestEndpoint("8.8.8.8", 8333)
	a.Add(e, e, 0, time.Unix(1, 0))

	err := a.Deserialize(bytes.NewReader([]byte{0x00}))
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore for an unsupported format version, got %v", err)
	}
	if got := a.Size(); got != 0 {
		t.Fatalf("expected manager to be reset to empty after a failed load: got size %d", got)
	}
}

// TestClearDeterministic verifies Clear(true) makes bucket placement
// reproducible across two freshly cleared managers.
func TestClearDeterministic(t *testing.T) {
	a := New(t.TempDir(), nil)
	a.Clear(true)
	b := New(t.TempDir(), nil)
	b.Clear(true)

	e := newTestEndpoint("8.8.8.8", 8333)
	if got, want := a.triedBucket(e), b.triedBucket(e); got != want {
		t.Fatalf("expected deterministic bucketing to agree: got %d, want %d", got, want)
	}
}
