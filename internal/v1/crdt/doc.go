// Package crdt implements the shared text type behind every room: a sequence
// CRDT in the Yjs family, with per-client clocks, state-vector diffs, and an
// idempotent binary update format. Any two documents that integrate the same
// set of updates converge to the same text and serialize to identical bytes.
//
// A Doc is not safe for concurrent use; the owning room serializes access.
package crdt

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// UpdateHandler receives every update that changed the document, together
// with the origin tag the mutation was applied under. For remote updates the
// bytes are the received payload verbatim; for local transactions they are
// the freshly encoded delta.
type UpdateHandler func(update []byte, origin any)

// Doc is one collaborative text document.
type Doc struct {
	clientID uint32
	start    *item
	index    map[uint32][]*item
	state    StateVector
	deletes  deleteSet
	visible  int

	// Runs and delete ranges whose dependencies have not arrived yet.
	pending        []wireItem
	pendingDeletes deleteSet

	handlers []UpdateHandler
}

// NewDoc constructs an empty document with a random client id.
func NewDoc() *Doc {
	return NewDocWithClient(rand.Uint32())
}

// NewDocWithClient constructs an empty document with a fixed client id.
// Clients ids must be unique among all peers editing the same document.
func NewDocWithClient(clientID uint32) *Doc {
	return &Doc{
		clientID:       clientID,
		index:          make(map[uint32][]*item),
		state:          StateVector{},
		deletes:        deleteSet{},
		pendingDeletes: deleteSet{},
	}
}

// ClientID returns the id used for local transactions.
func (d *Doc) ClientID() uint32 {
	return d.clientID
}

// OnUpdate registers a handler invoked synchronously inside every mutating
// call that changed the document.
func (d *Doc) OnUpdate(fn UpdateHandler) {
	d.handlers = append(d.handlers, fn)
}

// Text renders the current visible content.
func (d *Doc) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			b.WriteString(string(it.content))
		}
	}
	return b.String()
}

// Len returns the visible length in runes.
func (d *Doc) Len() int {
	return d.visible
}

// Revision sums the per-client clocks and the tombstoned character count.
// It never decreases as updates integrate, and converged documents report
// the same value, so it survives a snapshot round trip.
func (d *Doc) Revision() uint64 {
	var rev uint64
	for _, next := range d.state {
		rev += uint64(next)
	}
	for _, ranges := range d.deletes {
		for _, r := range ranges {
			rev += uint64(r.Length)
		}
	}
	return rev
}

// StateVector returns a copy of the integration state.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.state))
	for c, next := range d.state {
		sv[c] = next
	}
	return sv
}

// EncodeStateVector serializes the integration state for a syncStep1.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.state)
}

// DiffUpdate encodes every operation the remote peer is missing according
// to its state vector, plus the full delete set. Returns nil when there is
// nothing to send.
func (d *Doc) DiffUpdate(remote StateVector) []byte {
	runs := make(map[uint32][]wireItem)
	for client, next := range d.state {
		from := remote[client]
		if from >= next {
			continue
		}
		if rs := d.wireRuns(client, from); len(rs) > 0 {
			runs[client] = rs
		}
	}
	if len(runs) == 0 && len(d.deletes) == 0 {
		return nil
	}
	return encodeUpdate(runs, d.deletes)
}

// EncodeStateAsUpdate serializes the full document as a single update, the
// form persisted as a snapshot. Never nil; an empty document encodes to an
// empty update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	if u := d.DiffUpdate(nil); u != nil {
		return u
	}
	return encodeUpdate(nil, nil)
}

// ApplyUpdate integrates a remote update. Already-integrated operations are
// skipped; operations with missing dependencies are parked until a later
// update supplies them. Handlers fire with the verbatim payload unless the
// update contained nothing new.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	up, err := decodeUpdate(data)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	parkedBefore := len(d.pending)
	d.pending = append(d.pending, up.items...)
	integrated := d.drainPending()
	d.queueDeletes(up.deletes)
	deleted := d.sweepDeletes()

	if integrated || deleted || len(d.pending) > parkedBefore {
		d.emit(data, origin)
	}
	return nil
}

// Txn groups mutations so they encode and broadcast as a single update.
type Txn struct {
	doc        *Doc
	startClock uint32
	deletes    deleteSet
}

// Transact runs fn against the document and, if it changed anything, emits
// one update tagged with origin.
func (d *Doc) Transact(origin any, fn func(tx *Txn)) {
	tx := &Txn{doc: d, startClock: d.state[d.clientID], deletes: deleteSet{}}
	fn(tx)

	runs := make(map[uint32][]wireItem)
	if d.state[d.clientID] > tx.startClock {
		runs[d.clientID] = d.wireRuns(d.clientID, tx.startClock)
	}
	if len(runs) == 0 && len(tx.deletes) == 0 {
		return
	}
	d.emit(encodeUpdate(runs, tx.deletes), origin)
}

// Text renders the document as of the mutations applied so far.
func (tx *Txn) Text() string {
	return tx.doc.Text()
}

// Len returns the current visible length in runes.
func (tx *Txn) Len() int {
	return tx.doc.visible
}

// Insert places text at the given visible rune offset. Offsets beyond the
// current length clamp to the end.
func (tx *Txn) Insert(offset int, text string) {
	if text == "" {
		return
	}
	d := tx.doc
	if offset < 0 {
		offset = 0
	}
	if offset > d.visible {
		offset = d.visible
	}
	left, right := d.findPosition(offset)

	it := &item{
		id:      ID{Client: d.clientID, Clock: d.state[d.clientID]},
		content: []rune(text),
	}
	if left != nil {
		lid := left.lastID()
		it.origin = &lid
	}
	if right != nil {
		rid := right.id
		it.rightOrigin = &rid
	}

	it.left = left
	it.right = right
	if left != nil {
		left.right = it
	} else {
		d.start = it
	}
	if right != nil {
		right.left = it
	}

	d.index[d.clientID] = append(d.index[d.clientID], it)
	d.state[d.clientID] = it.id.Clock + it.length()
	d.visible += len(it.content)
}

// Delete tombstones length visible runes starting at offset. Ranges beyond
// the current length clamp to the end.
func (tx *Txn) Delete(offset, length int) {
	d := tx.doc
	if offset < 0 {
		length += offset
		offset = 0
	}
	if offset >= d.visible || length <= 0 {
		return
	}
	if offset+length > d.visible {
		length = d.visible - offset
	}

	_, it := d.findPosition(offset)
	remaining := length
	for it != nil && remaining > 0 {
		next := it.right
		if !it.deleted {
			n := len(it.content)
			if n > remaining {
				d.splitAt(it, uint32(remaining))
				next = it.right
				n = remaining
			}
			it.deleted = true
			d.visible -= n
			d.deletes.add(it.id.Client, it.id.Clock, uint32(n))
			tx.deletes.add(it.id.Client, it.id.Clock, uint32(n))
			remaining -= n
		}
		it = next
	}
}

// findPosition returns the adjacent items around a visible rune offset,
// splitting when the offset lands inside an item. A nil left means document
// head, a nil right means document end; right is always left's neighbor.
func (d *Doc) findPosition(offset int) (*item, *item) {
	remaining := offset
	var last *item
	for it := d.start; it != nil; it = it.right {
		if it.deleted {
			last = it
			continue
		}
		n := len(it.content)
		if remaining < n {
			if remaining == 0 {
				return last, it
			}
			d.splitAt(it, uint32(remaining))
			return it, it.right
		}
		remaining -= n
		last = it
	}
	return last, nil
}

// wireRuns collects the runs of one client covering clocks >= from, merging
// adjacent runs whose characters were created as one chain. Splits performed
// after creation never survive onto the wire, which keeps the encoding
// canonical across replicas.
func (d *Doc) wireRuns(client, from uint32) []wireItem {
	list := d.index[client]
	pos := searchItem(list, from)
	var out []wireItem
	for ; pos < len(list); pos++ {
		it := list[pos]
		w := wireItem{
			id:          it.id,
			origin:      it.origin,
			rightOrigin: it.rightOrigin,
			content:     it.content,
		}
		if it.id.Clock < from {
			skip := from - it.id.Clock
			w.content = w.content[skip:]
			w.id.Clock = from
			w.origin = &ID{Client: client, Clock: from - 1}
		}
		if n := len(out); n > 0 && mergeableRuns(&out[n-1], &w) {
			prev := &out[n-1]
			merged := make([]rune, 0, len(prev.content)+len(w.content))
			merged = append(merged, prev.content...)
			merged = append(merged, w.content...)
			prev.content = merged
			continue
		}
		out = append(out, w)
	}
	return out
}

// mergeableRuns reports whether b continues a as one chain: contiguous
// clocks, b anchored on a's final character, and an identical right origin.
func mergeableRuns(a, b *wireItem) bool {
	if b.id.Clock != a.id.Clock+uint32(len(a.content)) {
		return false
	}
	if b.origin == nil || b.origin.Client != a.id.Client || b.origin.Clock != b.id.Clock-1 {
		return false
	}
	return idPtrEqual(a.rightOrigin, b.rightOrigin)
}

const (
	integrateWait = iota
	integrateDone
	integrateDup
)

// tryIntegrate attempts to integrate one run: skips fully known content,
// trims a known prefix, and waits when the client's clock has a gap or an
// origin has not been integrated yet.
func (d *Doc) tryIntegrate(w wireItem) int {
	next := d.state[w.id.Client]
	length := uint32(len(w.content))
	if w.id.Clock+length <= next {
		return integrateDup
	}
	if w.id.Clock > next {
		return integrateWait
	}
	if skip := next - w.id.Clock; skip > 0 {
		w.content = w.content[skip:]
		w.id.Clock = next
		w.origin = &ID{Client: w.id.Client, Clock: next - 1}
	}
	if w.origin != nil && d.findItem(*w.origin) == nil {
		return integrateWait
	}
	if w.rightOrigin != nil && d.findItem(*w.rightOrigin) == nil {
		return integrateWait
	}
	d.integrate(&item{
		id:          w.id,
		content:     w.content,
		origin:      w.origin,
		rightOrigin: w.rightOrigin,
	})
	return integrateDone
}

// drainPending integrates parked runs until no further progress is made.
// Returns true if anything was integrated.
func (d *Doc) drainPending() bool {
	integrated := false
	for {
		progress := false
		rest := d.pending[:0]
		for _, w := range d.pending {
			switch d.tryIntegrate(w) {
			case integrateDone:
				integrated = true
				progress = true
			case integrateWait:
				rest = append(rest, w)
			}
		}
		d.pending = rest
		if !progress {
			return integrated
		}
	}
}

// queueDeletes merges an incoming delete set into the pending set; ranges
// are applied by sweepDeletes as their content becomes known.
func (d *Doc) queueDeletes(ds deleteSet) {
	for client, ranges := range ds {
		for _, r := range ranges {
			d.pendingDeletes.add(client, r.Clock, r.Length)
		}
	}
}

// sweepDeletes applies every pending delete range up to the known clock of
// its client, keeping the unknown tails parked. Returns true if any
// character was newly tombstoned.
func (d *Doc) sweepDeletes() bool {
	changed := false
	for client, ranges := range d.pendingDeletes {
		known := d.state[client]
		var keep []clockRange
		for _, r := range ranges {
			if r.Clock >= known {
				keep = append(keep, r)
				continue
			}
			applyLen := r.Length
			if r.Clock+applyLen > known {
				applyLen = known - r.Clock
				keep = append(keep, clockRange{Clock: known, Length: r.Clock + r.Length - known})
			}
			if !d.deletes.covers(client, r.Clock, applyLen) {
				if d.markDeleted(client, r.Clock, applyLen) {
					changed = true
				}
			}
		}
		if len(keep) == 0 {
			delete(d.pendingDeletes, client)
		} else {
			d.pendingDeletes[client] = keep
		}
	}
	return changed
}

func (d *Doc) emit(update []byte, origin any) {
	for _, fn := range d.handlers {
		fn(update, origin)
	}
}
