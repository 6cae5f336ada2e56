// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// peersFilename is the default filename to store the serialized store under.
const peersFilename = "peers.bin"

const (
	// newBucketCount is the number of buckets new endpoints are spread over.
	newBucketCount = 1024

	// newBucketSize is the maximum number of slots in each new bucket.
	newBucketSize = 64

	// triedBucketCount is the number of buckets tried endpoints are spread
	// over.
	triedBucketCount = 256

	// triedBucketSize is the maximum number of slots in each tried bucket.
	triedBucketSize = 64

	// newBucketsPerGroup is the number of new buckets a single source group
	// can seed, capping adversary influence over the new table.
	newBucketsPerGroup = 64

	// triedBucketsPerGroup is the number of tried buckets a single entry
	// group can occupy.
	triedBucketsPerGroup = 8

	// maxNewBucketsPerAddress is the maximum number of new-table slots a
	// single endpoint may occupy simultaneously (its ref_count ceiling).
	maxNewBucketsPerAddress = 8

	// emptyID is the sentinel id value marking an unoccupied bucket slot.
	emptyID = -1

	// collisionQueueSize bounds the number of ids waiting to be promoted via
	// test-before-evict.
	collisionQueueSize = 10

	// testWindow is ADDRMAN_TEST_WINDOW: how long a challenger may remain
	// stalled in the collision queue before it is force-promoted.
	testWindow = 40 * time.Minute

	// collisionGraceWindow is the window within which an incumbent's last
	// success lets it keep its tried slot against a challenger, and within
	// which its last attempt counts as a failed liveness probe.
	collisionGraceWindow = 4 * time.Hour

	// collisionMinProbeAge is the minimum time since an incumbent's last
	// attempt before that attempt counts as having given it a fair chance.
	collisionMinProbeAge = 60 * time.Second

	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address cache to
	// disk for future use.
	dumpAddressInterval = time.Minute * 10
)

// AddrManager implements a stochastic peer address store modeled on the
// new/tried bucketed design: endpoints are bucketed by keyed hashes of their
// own group and their source's group, which bounds the influence any single
// source group (AS number or /16) can have over the endpoints a node later
// selects.
//
// A single coarse-grained lock protects the entire store; every exported
// method acquires it on entry and releases it on return.  There is no
// internal concurrency and no operation blocks on I/O while the lock is
// held, except Serialize, which streams to a caller-supplied sink.
type AddrManager struct {
	mtx sync.Mutex

	// peersFile is the path of the file the store's serialized state is
	// saved to and loaded from.
	peersFile string

	// lookupFunc performs DNS lookups for a given hostname.  It must be safe
	// for concurrent access.
	lookupFunc func(string) ([]net.IP, error)

	// rand is the manager's internal source of randomness, used for bucket
	// walks during selection and for the stochastic refcount gate in Add.
	rand addrRand

	// key is the one-time secret used to key every bucket/slot hash.  It is
	// generated once on construction (or zeroed by a deterministic Clear)
	// and never persisted across a version migration that changes bucket
	// counts.
	key [32]byte

	// asMap is the loaded IP-to-AS prefix tree used for grouping, or an
	// unloaded ASMap if none was supplied.
	asMap *ASMap

	// entries is the id -> entry map; it is the single owning structure for
	// every KnownAddress. Every other structure below stores only ids.
	entries map[int32]*KnownAddress

	// addrIndex maps an endpoint's canonical key to its id.
	addrIndex map[string]int32

	// addrNew and addrTried are the bucket tables.  A slot holding emptyID
	// is unoccupied.
	addrNew   [newBucketCount][newBucketSize]int32
	addrTried [triedBucketCount][triedBucketSize]int32

	nNew   int
	nTried int

	// vRandom is the random-order vector: every live id appears exactly
	// once, and KnownAddress.randomPos is its index back into this slice.
	vRandom []int32

	nextID  int32
	freeIDs []int32

	// lastGood is the most recent time any endpoint was confirmed good; it
	// gates whether Attempt is allowed to count a failure.
	lastGood time.Time

	// collisionQueue holds ids pending test-before-evict promotion.
	collisionQueue []int32

	// checkConsistency gates the expensive O(table) consistency sweep run at
	// the end of Deserialize.  It is off by default and only enabled for
	// testing.
	checkConsistency bool

	addrChanged bool

	started  int32
	shutdown int32

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new address manager rooted at dataDir, using lookupFunc for
// any hostname resolution the manager itself must perform.
func New(dataDir string, lookupFunc func(string) ([]net.IP, error)) *AddrManager {
	a := &AddrManager{
		peersFile:  filepath.Join(dataDir, peersFilename),
		lookupFunc: lookupFunc,
		entries:    make(map[int32]*KnownAddress),
		addrIndex:  make(map[string]int32),
		asMap:      &ASMap{},
		quit:       make(chan struct{}),
	}
	a.reset(false)
	return a
}

// reset reinitializes all in-memory state.  When deterministic is true, the
// bucketing key is zeroed and the PRNG is a seeded, replayable ChaCha20
// stream instead of the userspace CSPRNG.
func (a *AddrManager) reset(deterministic bool) {
	for b := range a.addrNew {
		for s := range a.addrNew[b] {
			a.addrNew[b][s] = emptyID
		}
	}
	for b := range a.addrTried {
		for s := range a.addrTried[b] {
			a.addrTried[b][s] = emptyID
		}
	}
	a.entries = make(map[int32]*KnownAddress)
	a.addrIndex = make(map[string]int32)
	a.vRandom = nil
	a.nNew = 0
	a.nTried = 0
	a.nextID = 0
	a.freeIDs = nil
	a.lastGood = time.Time{}
	a.collisionQueue = nil
	a.addrChanged = true

	if deterministic {
		a.key = [32]byte{}
		a.rand = newDeterministicPRNG(a.key)
		return
	}
	if _, err := crand.Read(a.key[:]); err != nil {
		log.Warnf("unable to generate bucketing key: %v", err)
	}
	p, err := newCryptoPRNG()
	if err != nil {
		log.Errorf("unable to initialize address manager PRNG: %v", err)
	}
	a.rand = p
}

// Clear reinitializes the address manager to an empty store.  In
// deterministic mode the bucketing key is zeroed and the PRNG is replayable,
// which property tests rely on for reproducibility.
func (a *AddrManager) Clear(deterministic bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.reset(deterministic)
}

// Size returns the number of unique endpoints known to the address manager.
func (a *AddrManager) Size() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.nNew + a.nTried
}

// NeedMoreAddresses returns whether the address manager needs more
// addresses.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.nNew+a.nTried < needAddressThreshold
}

// SetAsMap hot-swaps the IP-to-AS mapping used for grouping.  Since group
// membership determines bucket placement, every existing entry's new-table
// placement is immediately stale and is not recomputed here.  A snapshot
// serialized before the swap and deserialized after it is rebucketed under
// the new map, since its stored asmap fingerprint no longer matches.  A
// snapshot serialized after the swap records the new map's fingerprint, so
// deserializing it keeps the stale placements as stored.
func (a *AddrManager) SetAsMap(asMap *ASMap) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if asMap == nil {
		asMap = &ASMap{}
	}
	a.asMap = asMap
}

// identity returns the canonical byte encoding of an endpoint's address and
// port, used as the H(·) input that keys tried-bucket and slot placement.
func identity(e *NetAddress) []byte {
	buf := make([]byte, 0, 1+len(e.IP)+2)
	buf = append(buf, byte(e.Type))
	buf = append(buf, e.IP...)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], e.Port)
	return append(buf, portBuf[:]...)
}

// hash64 returns a 64-bit collision-resistant short hash of data, taken from
// the low 8 bytes of its blake256 digest.
func hash64(data []byte) uint64 {
	sum := chainhash.HashB(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// uint64Bytes is a small helper that little-endian encodes n, used to feed
// intermediate hash outputs into a second keyed hash.
func uint64Bytes(n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return buf[:]
}

// triedBucket returns e's bucket index in the tried table.
func (a *AddrManager) triedBucket(e *NetAddress) uint64 {
	data1 := append(append([]byte{}, a.key[:]...), identity(e)...)
	h1 := hash64(data1) % triedBucketsPerGroup

	data2 := append([]byte{}, a.key[:]...)
	data2 = append(data2, e.Group(a.asMap)...)
	data2 = append(data2, uint64Bytes(h1)...)
	return hash64(data2) % triedBucketCount
}

// newBucket returns e's bucket index in the new table, computed from the
// group of the source endpoint that reported e.
func (a *AddrManager) newBucket(e, src *NetAddress) uint64 {
	data1 := append([]byte{}, a.key[:]...)
	data1 = append(data1, e.Group(a.asMap)...)
	data1 = append(data1, src.Group(a.asMap)...)
	h1 := hash64(data1) % newBucketsPerGroup

	data2 := append([]byte{}, a.key[:]...)
	data2 = append(data2, src.Group(a.asMap)...)
	data2 = append(data2, uint64Bytes(h1)...)
	return hash64(data2) % newBucketCount
}

// bucketSlot returns the slot index within the given bucket for e.  The
// same formula is used for both tables, distinguished by the isNew tag byte.
func (a *AddrManager) bucketSlot(e *NetAddress, isNew bool, bucket uint64) uint64 {
	tag := byte('K')
	if isNew {
		tag = 'N'
	}
	data := append([]byte{}, a.key[:]...)
	data = append(data, tag)
	data = append(data, uint64Bytes(bucket)...)
	data = append(data, identity(e)...)
	return hash64(data) % 64
}

// newID allocates a dense id, reusing a freed one if available.
func (a *AddrManager) newID() int32 {
	if n := len(a.freeIDs); n > 0 {
		id := a.freeIDs[n-1]
		a.freeIDs = a.freeIDs[:n-1]
		return id
	}
	id := a.nextID
	a.nextID++
	return id
}

// addToRandom appends id to the random-order vector and records its
// position.
func (a *AddrManager) addToRandom(id int32) {
	ka := a.entries[id]
	ka.randomPos = len(a.vRandom)
	a.vRandom = append(a.vRandom, id)
}

// removeFromRandom removes id from the random-order vector in O(1) by
// swapping it with the last element.
func (a *AddrManager) removeFromRandom(id int32) {
	ka := a.entries[id]
	last := len(a.vRandom) - 1
	pos := ka.randomPos
	movedID := a.vRandom[last]
	a.vRandom[pos] = movedID
	a.entries[movedID].randomPos = pos
	a.vRandom = a.vRandom[:last]
}

// create allocates a new entry for na sourced from srcAddr and inserts it
// into the id tables and random vector.  It does not place the entry into
// either bucket table.
func (a *AddrManager) create(na, srcAddr *NetAddress, lastSeen time.Time) *KnownAddress {
	id := a.newID()
	ka := &KnownAddress{
		na:        na,
		srcAddr:   srcAddr,
		lastSeen:  lastSeen,
		id:        id,
		randomPos: -1,
	}
	a.entries[id] = ka
	a.addrIndex[na.Key()] = id
	a.addToRandom(id)
	return ka
}

// deleteEntry fully removes an entry that is neither tried nor referenced by
// any new-table slot.
func (a *AddrManager) deleteEntry(ka *KnownAddress) {
	a.removeFromRandom(ka.id)
	delete(a.entries, ka.id)
	delete(a.addrIndex, ka.na.Key())
	a.freeIDs = append(a.freeIDs, ka.id)
}

// lookup returns the entry for the given endpoint, or nil if unknown.
// Identity match requires both address and port to match exactly.
func (a *AddrManager) lookup(e *NetAddress) *KnownAddress {
	id, ok := a.addrIndex[e.Key()]
	if !ok {
		return nil
	}
	return a.entries[id]
}

// clearNew clears the slot (b, s) of the new table, decrementing and
// possibly deleting whatever entry occupied it.
func (a *AddrManager) clearNew(b, s uint64) {
	id := a.addrNew[b][s]
	if id == emptyID {
		return
	}
	a.addrNew[b][s] = emptyID
	ka := a.entries[id]
	ka.refs--
	a.addrChanged = true
	if ka.refs == 0 && !ka.tried {
		a.nNew--
		a.deleteEntry(ka)
	}
}

// insertNew places id into new-table slot (b, s), first clearing whatever
// occupied it.
func (a *AddrManager) insertNew(b, s uint64, id int32) {
	a.clearNew(b, s)
	a.addrNew[b][s] = id
	a.entries[id].refs++
	a.addrChanged = true
}

// makeTried promotes ka into the tried table, evicting any incumbent back
// into new.
func (a *AddrManager) makeTried(ka *KnownAddress) {
	// Clear every new-table slot referencing this id.
	for b := 0; b < newBucketCount && ka.refs > 0; b++ {
		for s := 0; s < newBucketSize && ka.refs > 0; s++ {
			if a.addrNew[b][s] == ka.id {
				a.addrNew[b][s] = emptyID
				ka.refs--
			}
		}
	}
	if ka.refs != 0 {
		// Should not happen; force-clear defensively so the invariant holds.
		ka.refs = 0
	}
	a.nNew--

	tb := a.triedBucket(ka.na)
	ts := a.bucketSlot(ka.na, false, tb)

	if incumbentID := a.addrTried[tb][ts]; incumbentID != emptyID {
		incumbent := a.entries[incumbentID]
		incumbent.tried = false
		a.nTried--
		a.addrTried[tb][ts] = emptyID

		nb := a.newBucket(incumbent.na, incumbent.srcAddr)
		ns := a.bucketSlot(incumbent.na, true, nb)
		a.clearNew(nb, ns)
		a.addrNew[nb][ns] = incumbent.id
		incumbent.refs = 1
		a.nNew++
	}

	a.addrTried[tb][ts] = ka.id
	ka.tried = true
	a.nTried++
	a.addrChanged = true
}

// markGoodAndPromote stamps ka as having just succeeded and moves it into
// the tried table, mirroring the bookkeeping Good performs on the direct
// (non-collision) promotion path.
func (a *AddrManager) markGoodAndPromote(ka *KnownAddress, now time.Time) {
	ka.lastSuccess = now
	ka.lastTry = now
	ka.attempts = 0
	a.lastGood = now
	a.makeTried(ka)
}

// sameAddress reports whether a and b denote the same address, ignoring
// port; used to detect a self-announce so its timestamp penalty can be
// waived.
func sameAddress(a, b *NetAddress) bool {
	return a.Type == b.Type && net.IP(a.IP).Equal(net.IP(b.IP))
}

var unixEpoch = time.Unix(0, 0)

// addLocked inserts or refreshes endpoint na, reported by source srcAddr,
// applying penalty to its claimed last-seen time unless na and srcAddr are
// the same address (a self-announce).  It returns true iff a brand new
// entry was created and stored.  A brand new entry whose new-table slot is
// held by an occupant that may not be displaced is discarded.
func (a *AddrManager) addLocked(na, srcAddr *NetAddress, penalty time.Duration, now time.Time) bool {
	if !na.IsRoutable() {
		return false
	}
	if sameAddress(na, srcAddr) {
		penalty = 0
	}

	ka := a.lookup(na)
	created := false
	if ka != nil {
		currentlyOnline := now.Sub(na.Timestamp) < 24*time.Hour
		updateInterval := 24 * time.Hour
		if currentlyOnline {
			updateInterval = time.Hour
		}
		isNewer := na.Timestamp.After(ka.lastSeen.Add(updateInterval))
		if isNewer {
			ka.lastSeen = na.Timestamp
		}
		ka.na.Services |= na.Services

		if !isNewer || ka.tried || ka.refs == maxNewBucketsPerAddress {
			return false
		}

		factor := uint64(1) << uint(ka.refs)
		if factor > 1 && a.rand.Uint64N(factor) != 0 {
			return false
		}
	} else {
		lastSeen := na.Timestamp.Add(-penalty)
		if lastSeen.Before(unixEpoch) {
			lastSeen = unixEpoch
		}
		ka = a.create(na.Clone(), srcAddr.Clone(), lastSeen)
		a.nNew++
		created = true
	}

	nb := a.newBucket(ka.na, ka.srcAddr)
	ns := a.bucketSlot(ka.na, true, nb)

	if a.addrNew[nb][ns] == ka.id {
		return created
	}

	occupantID := a.addrNew[nb][ns]
	if occupantID == emptyID {
		a.insertNew(nb, ns, ka.id)
	} else {
		occupant := a.entries[occupantID]
		if occupant.isTerrible(now) || (occupant.refs > 1 && ka.refs == 0) {
			a.insertNew(nb, ns, ka.id)
		}
	}
	if ka.refs == 0 {
		// Only a brand new entry can get here; it has no slot in either
		// table, so it is removed again.
		a.nNew--
		a.deleteEntry(ka)
		return false
	}

	return created
}

// Add inserts or refreshes a single endpoint reported by source, applying
// penalty to its claimed timestamp.  It returns true iff a brand new entry
// was created and stored.
func (a *AddrManager) Add(na, source *NetAddress, penalty time.Duration, now time.Time) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.addLocked(na, source, penalty, now)
}

// AddMany inserts or refreshes a batch of endpoints all reported by the same
// source, and returns the number of brand new entries created.
func (a *AddrManager) AddMany(endpoints []*NetAddress, source *NetAddress, penalty time.Duration, now time.Time) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	created := 0
	for _, na := range endpoints {
		if a.addLocked(na, source, penalty, now) {
			created++
		}
	}
	return created
}

// Good records a successful contact with endpoint e, updating its timing
// statistics and attempting promotion into the tried table.  When
// testBeforeEvict is true and the target tried slot is already occupied,
// promotion is deferred to the collision queue instead of displacing the
// incumbent immediately.
func (a *AddrManager) Good(e *NetAddress, testBeforeEvict bool, now time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.lastGood = now

	ka := a.lookup(e)
	if ka == nil {
		return
	}

	ka.lastSuccess = now
	ka.lastTry = now
	ka.attempts = 0

	if ka.tried {
		return
	}

	// Confirm at least one new-table slot still holds this id, starting
	// from a random bucket so the scan cost is amortized across calls.
	start := int(a.rand.Uint64N(newBucketCount))
	found := false
	for i := 0; i < newBucketCount && !found; i++ {
		b := (start + i) % newBucketCount
		for s := 0; s < newBucketSize; s++ {
			if a.addrNew[b][s] == ka.id {
				found = true
				break
			}
		}
	}
	if !found {
		return
	}

	tb := a.triedBucket(ka.na)
	ts := a.bucketSlot(ka.na, false, tb)

	if testBeforeEvict && a.addrTried[tb][ts] != emptyID {
		a.pushCollision(ka.id)
		return
	}
	a.makeTried(ka)
}

// pushCollision appends id to the collision queue, silently dropping it if
// the queue is already at capacity.
func (a *AddrManager) pushCollision(id int32) {
	for _, pending := range a.collisionQueue {
		if pending == id {
			return
		}
	}
	if len(a.collisionQueue) >= collisionQueueSize {
		return
	}
	a.collisionQueue = append(a.collisionQueue, id)
}

// Attempt records a connection attempt to endpoint e.  The failure counter
// is only incremented when countFailure is true and either no failure has
// been counted for the entry yet or some endpoint has been marked good
// since its last counted failure, so a run of failures with no successful
// connection anywhere in between is counted once.
func (a *AddrManager) Attempt(e *NetAddress, countFailure bool, now time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.lookup(e)
	if ka == nil {
		return
	}

	ka.lastTry = now
	if countFailure && (ka.lastCountedAttempt.IsZero() || ka.lastCountedAttempt.Before(a.lastGood)) {
		ka.attempts++
		ka.lastCountedAttempt = now
	}
}

// Connected updates e's last-seen timestamp to now, rate-limited to once
// every 20 minutes to keep gossip-visible timestamps from churning.
func (a *AddrManager) Connected(e *NetAddress, now time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.lookup(e)
	if ka == nil {
		return
	}
	if now.Sub(ka.lastSeen) > 20*time.Minute {
		ka.lastSeen = now
	}
}

// SetServices overwrites e's recorded service bits.
func (a *AddrManager) SetServices(e *NetAddress, services wire.ServiceFlag) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.lookup(e)
	if ka == nil {
		return
	}
	ka.na.Services = services
}

// Start begins the address manager's background persistence loop. It safe
// to call multiple times.
func (a *AddrManager) Start() {
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}
	log.Trace("Starting address manager")

	a.loadPeers()

	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager and waits until all
// goroutines have finished.
func (a *AddrManager) Stop() error {
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of " +
			"shutting down")
		return nil
	}
	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}

// addressHandler is the main handler for the address manager.  It must be
// run as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := time.NewTicker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// savePeers serializes the address manager's state to its peers file if it
// has changed since the last save.
func (a *AddrManager) savePeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if !a.addrChanged {
		return
	}

	f, err := os.Create(a.peersFile)
	if err != nil {
		log.Errorf("Error creating file %s: %v", a.peersFile, err)
		return
	}
	defer f.Close()

	if err := a.serializeLocked(f); err != nil {
		log.Errorf("Failed to save address manager: %v", err)
		return
	}
	a.addrChanged = false
}

// loadPeers loads a previously saved address manager state from its peers
// file, if one exists.  Any deserialization failure is logged and the store
// is left as an empty, freshly-reset manager.
func (a *AddrManager) loadPeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	f, err := os.Open(a.peersFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("Error opening file %s: %v", a.peersFile, err)
		}
		return
	}
	defer f.Close()

	if err := a.deserializeLocked(f); err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersFile, err)
		a.reset(false)
	}
}
