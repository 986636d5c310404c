package crdt

import "sort"

// ID identifies a single character operation: the client that created it and
// the per-client clock of its first character. Clocks count inserted
// characters contiguously per client, so an item of length n occupies clocks
// [Clock, Clock+n).
type ID struct {
	Client uint32
	Clock  uint32
}

// less orders IDs by (clock, client). Used for conflict resolution between
// concurrent siblings; any total order works as long as every peer applies
// the same one.
func (a ID) less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func idPtrEqual(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// item is a run of characters inserted in one operation by one client.
// origin is the ID of the character immediately to the left at insertion
// time (nil at document head), rightOrigin the character immediately to the
// right (nil at document end). Both are fixed at creation and drive
// conflict resolution for concurrent inserts at the same position.
type item struct {
	id          ID
	content     []rune
	origin      *ID
	rightOrigin *ID
	left        *item
	right       *item
	deleted     bool
}

func (it *item) length() uint32 {
	return uint32(len(it.content))
}

// lastID is the ID of the item's final character.
func (it *item) lastID() ID {
	return ID{Client: it.id.Client, Clock: it.id.Clock + it.length() - 1}
}

// splitAt splits it after offset characters and returns the right half,
// linked into the list and indexed. The right half keeps the original
// rightOrigin; its origin becomes the left half's last character, which is
// exactly the relation the characters had before the split.
func (d *Doc) splitAt(it *item, offset uint32) *item {
	right := &item{
		id:          ID{Client: it.id.Client, Clock: it.id.Clock + offset},
		content:     it.content[offset:],
		origin:      &ID{Client: it.id.Client, Clock: it.id.Clock + offset - 1},
		rightOrigin: it.rightOrigin,
		left:        it,
		right:       it.right,
		deleted:     it.deleted,
	}
	it.content = it.content[:offset]
	if it.right != nil {
		it.right.left = right
	}
	it.right = right

	list := d.index[it.id.Client]
	pos := searchItem(list, it.id.Clock)
	list = append(list, nil)
	copy(list[pos+2:], list[pos+1:])
	list[pos+1] = right
	d.index[it.id.Client] = list
	return right
}

// searchItem returns the position in list of the item containing clock.
// list is sorted by clock and tiles the client's clock space contiguously.
func searchItem(list []*item, clock uint32) int {
	return sort.Search(len(list), func(i int) bool {
		return list[i].id.Clock+list[i].length() > clock
	})
}

// findItem returns the item containing the given character, or nil if that
// clock has not been integrated.
func (d *Doc) findItem(id ID) *item {
	list := d.index[id.Client]
	pos := searchItem(list, id.Clock)
	if pos == len(list) || list[pos].id.Clock > id.Clock {
		return nil
	}
	return list[pos]
}

// resolveTail returns the item whose last character is id, splitting if the
// character sits mid-item.
func (d *Doc) resolveTail(id ID) *item {
	it := d.findItem(id)
	if it == nil {
		return nil
	}
	if off := id.Clock - it.id.Clock + 1; off < it.length() {
		d.splitAt(it, off)
	}
	return it
}

// resolveHead returns the item whose first character is id, splitting if the
// character sits mid-item.
func (d *Doc) resolveHead(id ID) *item {
	it := d.findItem(id)
	if it == nil {
		return nil
	}
	if id.Clock > it.id.Clock {
		return d.splitAt(it, id.Clock-it.id.Clock)
	}
	return it
}

// integrate links a new item into the document. The caller guarantees the
// item's clock equals the client's next expected clock and that both origins
// (when set) are already integrated. Conflict resolution between concurrent
// inserts at the same position follows the YATA scan: walk candidates
// between the left and right origins, moving the insertion point right past
// items that causally precede ours.
func (d *Doc) integrate(it *item) {
	var left *item
	if it.origin != nil {
		left = d.resolveTail(*it.origin)
	}
	var right *item
	if it.rightOrigin != nil {
		right = d.resolveHead(*it.rightOrigin)
	}

	var scan *item
	if left != nil {
		scan = left.right
	} else {
		scan = d.start
	}
	seen := make(map[*item]bool)
	conflicting := make(map[*item]bool)
	for scan != nil && scan != right {
		seen[scan] = true
		conflicting[scan] = true
		if idPtrEqual(it.origin, scan.origin) {
			if scan.id.Client < it.id.Client {
				left = scan
				conflicting = make(map[*item]bool)
			} else if idPtrEqual(it.rightOrigin, scan.rightOrigin) {
				break
			}
		} else if scan.origin != nil && seen[d.findItem(*scan.origin)] {
			if !conflicting[d.findItem(*scan.origin)] {
				left = scan
				conflicting = make(map[*item]bool)
			}
		} else {
			break
		}
		scan = scan.right
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = d.start
		d.start = it
	}
	if it.right != nil {
		it.right.left = it
	}

	d.index[it.id.Client] = append(d.index[it.id.Client], it)
	d.state[it.id.Client] = it.id.Clock + it.length()
	if !it.deleted {
		d.visible += len(it.content)
	}
}

// markDeleted tombstones the clock range [clock, clock+length) of one
// client, splitting boundary items as needed, and records the range in the
// document's delete set. Already-deleted characters are skipped. Returns
// true if any character changed state.
func (d *Doc) markDeleted(client, clock, length uint32) bool {
	changed := false
	end := clock + length
	list := d.index[client]
	pos := searchItem(list, clock)
	for pos < len(list) && list[pos].id.Clock < end {
		it := list[pos]
		if it.id.Clock < clock {
			d.splitAt(it, clock-it.id.Clock)
			list = d.index[client]
			pos++
			continue
		}
		if it.id.Clock+it.length() > end {
			d.splitAt(it, end-it.id.Clock)
			list = d.index[client]
		}
		if !it.deleted {
			it.deleted = true
			d.visible -= len(it.content)
			changed = true
		}
		pos++
	}
	if changed {
		d.deletes.add(client, clock, length)
	}
	return changed
}

// clockRange is a half-open range [Clock, Clock+Length) of one client's
// character clocks.
type clockRange struct {
	Clock  uint32
	Length uint32
}

// deleteSet maps each client to the sorted, coalesced ranges of its
// characters that have been deleted.
type deleteSet map[uint32][]clockRange

// add merges [clock, clock+length) into the client's ranges, keeping them
// sorted and coalesced so encoding is canonical.
func (ds deleteSet) add(client, clock, length uint32) {
	ranges := ds[client]
	pos := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Clock+ranges[i].Length >= clock
	})
	start, end := clock, clock+length
	cut := pos
	for cut < len(ranges) && ranges[cut].Clock <= end {
		r := ranges[cut]
		if r.Clock < start {
			start = r.Clock
		}
		if rEnd := r.Clock + r.Length; rEnd > end {
			end = rEnd
		}
		cut++
	}
	out := make([]clockRange, 0, len(ranges)-(cut-pos)+1)
	out = append(out, ranges[:pos]...)
	out = append(out, clockRange{Clock: start, Length: end - start})
	out = append(out, ranges[cut:]...)
	ds[client] = out
}

// covers reports whether the full range [clock, clock+length) is already in
// the delete set.
func (ds deleteSet) covers(client, clock, length uint32) bool {
	ranges := ds[client]
	pos := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].Clock+ranges[i].Length > clock
	})
	if pos == len(ranges) {
		return false
	}
	r := ranges[pos]
	return r.Clock <= clock && clock+length <= r.Clock+r.Length
}

func sortedClients[V any](m map[uint32]V) []uint32 {
	out := make([]uint32, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sortUint32s(out)
	return out
}

func sortUint32s(s []uint32) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
