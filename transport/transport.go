// Package transport implements the snapshot transport: the small stateful
// module a browser client loads to predict action results from a prediction
// cache, deduplicate repeated upstream snapshots, and accumulate streamed
// deltas across a paint frame.
//
// This is a Go port of the fixed-capacity, allocate-once-at-New WASM module
// it is grounded on (see DESIGN.md): instead of a linear-memory ABI of
// pointer/length exports, Transport exposes equivalent methods operating on
// []byte, preserving every capacity limit and every return-value contract.
// No allocation occurs after New: every buffer below is sized up front and
// reused in place.
package transport

const (
	inputCap     = 16384 // 16 KB shared input buffer
	slotCap      = 16384 // 16 KB per snapshot slot
	cacheN       = 4     // prediction cache entries
	deltaRingCap = 256   // max pending deltas per frame
	deltaBufCap  = 65536 // 64 KB contiguous delta storage

	goldenRatio32 = 0x9e3779b9
)

// fnv1a computes the 32-bit FNV-1a hash of data. This must match the
// algorithm used by the browser-side client bit for bit so that state and
// action fingerprints agree across the wire.
func fnv1a(data []byte) uint32 {
	h := uint32(0x811c9dc5)
	for _, b := range data {
		h ^= uint32(b)
		h *= 0x01000193
	}
	return h
}

// makeKey composes a prediction-cache key from a state fingerprint and an
// action fingerprint: state_hash XOR (action_hash * phi), phi the golden
// ratio odd multiplier.
func makeKey(stateHash, actionHash uint32) uint32 {
	return stateHash ^ (actionHash * goldenRatio32)
}

// slot is a fixed-capacity buffer holding one snapshot.
type slot struct {
	data [slotCap]byte
	len  uint32
	hash uint32
}

func (s *slot) write(src []byte) {
	n := len(src)
	if n > slotCap {
		n = slotCap
	}
	copy(s.data[:n], src[:n])
	s.len = uint32(n)
	s.hash = fnv1a(s.data[:n])
}

func (s *slot) bytes() []byte { return s.data[:s.len] }

func (s *slot) isEmpty() bool { return s.len == 0 }

type cacheEntry struct {
	key   uint32
	slot  slot
	valid bool
}

// deltaRing is a zero-alloc ring accumulating delta byte-strings across a
// single paint frame, cleared by the caller after flushing.
type deltaRing struct {
	buf     [deltaBufCap]byte
	offsets [deltaRingCap]uint32
	lengths [deltaRingCap]uint16
	count   uint32
	cursor  uint32
}

func (r *deltaRing) push(data []byte) bool {
	n := int(r.count)
	c := int(r.cursor)
	if n >= deltaRingCap || c+len(data) > deltaBufCap {
		return false
	}
	copy(r.buf[c:c+len(data)], data)
	r.offsets[n] = uint32(c)
	r.lengths[n] = uint16(len(data))
	r.count = uint32(n + 1)
	r.cursor = uint32(c + len(data))
	return true
}

func (r *deltaRing) clear() {
	r.count = 0
	r.cursor = 0
}

// Transport is the snapshot transport's full state. The zero value is not
// ready for use; construct with New.
type Transport struct {
	input [inputCap]byte

	current slot

	cache       [cacheN]cacheEntry
	cacheCursor int

	resultBytes []byte
	resultLen   uint32

	predictedHash     uint32
	pendingActionHash uint32
	pendingPreHash    uint32
	hasPending        bool

	deltas deltaRing
}

// New allocates a Transport with all buffers at their fixed capacity.
func New() *Transport {
	return &Transport{}
}

// InputPtr returns the shared input buffer the caller writes bytes into
// before calling an operation with a length. Named to mirror the WASM ABI's
// input_ptr export; in Go this is the buffer itself rather than a pointer.
func (t *Transport) InputPtr() []byte { return t.input[:] }

// Init returns the current snapshot bytes — empty before the first Store.
func (t *Transport) Init() []byte { return t.current.bytes() }

// Reduce predicts the result of an action already written to InputPtr()[:len].
// It records pending prediction metadata for Store to learn from, searches
// the cache, and returns the predicted snapshot bytes (empty on a miss).
// Call SnapshotLen after Reduce to distinguish a hit (>0) from a miss (0).
func (t *Transport) Reduce(length uint32) []byte {
	action := t.input[:length]
	actionHash := fnv1a(action)
	key := makeKey(t.current.hash, actionHash)

	t.pendingActionHash = actionHash
	t.pendingPreHash = t.current.hash
	t.hasPending = true

	for i := 0; i < cacheN; i++ {
		e := &t.cache[i]
		if e.valid && e.key == key {
			t.resultBytes = e.slot.bytes()
			t.resultLen = e.slot.len
			t.predictedHash = e.slot.hash
			return t.resultBytes
		}
	}

	t.resultBytes = t.current.data[:0]
	t.resultLen = 0
	t.predictedHash = 0
	return t.resultBytes
}

// SnapshotLen returns the byte length of the last Reduce result: 0 means the
// cache missed, >0 means it hit.
func (t *Transport) SnapshotLen() uint32 { return t.resultLen }

// Store records an authoritative snapshot already written to
// InputPtr()[:snapLen]. It learns a cache entry if a prediction was pending,
// then returns 0 if the snapshot matches the pending prediction or is
// identical to the current snapshot (no re-render needed), or 1 if it is new
// (caller must re-render).
func (t *Transport) Store(snapLen uint32) uint32 {
	if snapLen == 0 || int(snapLen) > inputCap {
		return 0
	}
	snap := t.input[:snapLen]
	snapHash := fnv1a(snap)

	if t.hasPending {
		key := makeKey(t.pendingPreHash, t.pendingActionHash)
		if int(snapLen) <= slotCap {
			idx := t.cacheCursor % cacheN
			e := &t.cache[idx]
			e.key = key
			e.slot.write(snap)
			e.valid = true
			t.cacheCursor++
		}
		t.hasPending = false
	}

	if t.predictedHash != 0 && snapHash == t.predictedHash {
		t.current.write(snap)
		t.predictedHash = 0
		t.resultLen = 0
		return 0
	}
	t.predictedHash = 0

	if !t.current.isEmpty() && snapHash == t.current.hash {
		return 0
	}

	t.current.write(snap)
	t.resultBytes = t.current.bytes()
	t.resultLen = t.current.len
	return 1
}

// DeltaPush appends bytes already written to InputPtr()[:len] to the delta
// ring. It returns the new pending-delta count, or 0 if the ring is full (the
// caller should process the event without transport assistance).
func (t *Transport) DeltaPush(length uint32) uint32 {
	if length == 0 || int(length) > inputCap {
		return 0
	}
	data := t.input[:length]
	if t.deltas.push(data) {
		return t.deltas.count
	}
	return 0
}

// DeltaCount returns the number of pending deltas in the ring.
func (t *Transport) DeltaCount() uint32 { return t.deltas.count }

// DeltaPtr returns the bytes of the delta at index idx, or nil if idx is out
// of range.
func (t *Transport) DeltaPtr(idx uint32) []byte {
	i := int(idx)
	if i >= int(t.deltas.count) {
		return nil
	}
	start := t.deltas.offsets[i]
	length := t.deltas.lengths[i]
	return t.deltas.buf[start : start+uint32(length)]
}

// DeltaLen returns the byte length of the delta at index idx, or 0 if idx is
// out of range.
func (t *Transport) DeltaLen(idx uint32) uint32 {
	i := int(idx)
	if i >= int(t.deltas.count) {
		return 0
	}
	return uint32(t.deltas.lengths[i])
}

// DeltaClear resets the ring's write cursor and count. Call after a
// paint-frame flush.
func (t *Transport) DeltaClear() { t.deltas.clear() }
