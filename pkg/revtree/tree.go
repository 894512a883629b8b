package revtree

import (
	"sort"

	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

// Tree holds every revision of one document. After Sort, index 0 is the
// current (winning) revision. A Tree is owned by whoever loaded it and is
// never shared across goroutines.
type Tree struct {
	revs    []*Rev
	sorted  bool
	changed bool
	unknown bool // metadata loaded, bodies not
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{sorted: true}
}

func (t *Tree) Len() int { return len(t.revs) }

// Changed reports whether the tree differs from its persisted form.
func (t *Tree) Changed() bool { return t.changed }

// Unknown reports that only metadata was loaded; operations that need
// bodies must reload the raw record first.
func (t *Tree) Unknown() bool { return t.unknown }

func (t *Tree) markChanged() { t.changed = true }

// Revs exposes the arena in its current order.
func (t *Tree) Revs() []*Rev { return t.revs }

// Get finds a revision by ID, or nil.
func (t *Tree) Get(id revid.ID) *Rev {
	for _, r := range t.revs {
		if r.id.Equal(id) {
			return r
		}
	}
	return nil
}

// IndexOf returns a revision's position in the arena, or -1.
func (t *Tree) IndexOf(rev *Rev) int {
	for i, r := range t.revs {
		if r == rev {
			return i
		}
	}
	return -1
}

// Leaves returns every leaf revision.
func (t *Tree) Leaves() []*Rev {
	var out []*Rev
	for _, r := range t.revs {
		if r.IsLeaf() {
			out = append(out, r)
		}
	}
	return out
}

// HasConflict reports whether two or more revisions are active.
func (t *Tree) HasConflict() bool {
	active := 0
	for _, r := range t.revs {
		if r.IsActive() {
			active++
			if active > 1 {
				return true
			}
		}
	}
	return false
}

// winsOver is the total order that picks the current revision: prefer
// leaves, then live over tombstones, then non-conflicting, then the higher
// revision ID.
func winsOver(a, b *Rev) bool {
	if al, bl := a.IsLeaf(), b.IsLeaf(); al != bl {
		return al
	}
	if ad, bd := a.IsDeleted(), b.IsDeleted(); ad != bd {
		return bd
	}
	if ac, bc := a.IsConflict(), b.IsConflict(); ac != bc {
		return bc
	}
	return a.id.Compare(b.id) > 0
}

// Sort orders the arena so the winner is at index 0.
func (t *Tree) Sort() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.revs, func(i, j int) bool {
		return winsOver(t.revs[i], t.revs[j])
	})
	t.sorted = true
}

// Current returns the winning revision, or nil for an empty tree.
func (t *Tree) Current() *Rev {
	if len(t.revs) == 0 {
		return nil
	}
	t.Sort()
	return t.revs[0]
}

// Insert adds a new revision as a child of parent (nil for a root).
// It returns the revision plus whether it was actually inserted: inserting
// an ID the tree already contains is a no-op that yields the existing node.
func (t *Tree) Insert(id revid.ID, body slice.Slice, flags Flags, parent *Rev,
	allowConflict bool) (*Rev, bool, error) {

	if id.Generation() == 0 {
		return nil, false, status.BadRevID("revision ID has no generation")
	}
	if existing := t.Get(id); existing != nil {
		return existing, false, nil
	}
	if parent != nil {
		if !parent.IsLeaf() && !allowConflict {
			return nil, false, status.Conflict("parent %s is not a leaf", parent.RevID())
		}
		if id.Generation() != parent.Generation()+1 {
			return nil, false, status.BadRevID("revision %s does not follow parent %s",
				id, parent.RevID())
		}
	} else {
		if len(t.revs) > 0 && !allowConflict {
			return nil, false, status.Conflict("document already exists")
		}
		if id.Generation() != 1 {
			return nil, false, status.BadRevID("root revision %s must have generation 1", id)
		}
	}

	rev := t.insertInternal(id, body, flags, parent)
	return rev, true, nil
}

// insertInternal appends without precondition checks; callers have already
// validated generation arithmetic.
func (t *Tree) insertInternal(id revid.ID, body slice.Slice, flags Flags,
	parent *Rev) *Rev {

	rev := &Rev{
		id:     id,
		parent: parent,
		body:   body.Copy(),
		flags:  flags&insertableFlags | FlagLeaf | FlagNew,
	}

	if parent != nil {
		if !parent.IsLeaf() || parent.IsConflict() {
			rev.addFlags(FlagConflict)
		}
		parent.clearFlags(FlagLeaf)
	} else if len(t.revs) > 0 {
		// second root: a pulled branch with no common ancestor
		rev.addFlags(FlagConflict)
	}

	if rev.KeepsBody() {
		t.clearOlderKeptBodies(rev)
	}

	t.revs = append(t.revs, rev)
	t.sorted = len(t.revs) == 1
	t.markChanged()
	return rev
}

// clearOlderKeptBodies drops KeepBody from ancestors on the same branch,
// stopping where the branch's conflict-ness changes.
func (t *Tree) clearOlderKeptBodies(rev *Rev) {
	conflict := rev.parent != nil && rev.parent.IsConflict()
	for anc := rev.parent; anc != nil; anc = anc.parent {
		if anc.IsConflict() != conflict {
			break
		}
		anc.clearFlags(FlagKeepBody)
	}
}

// InsertHistory inserts a revision pulled from a peer along with its
// ancestry. history is newest-first. Missing ancestors are inserted as
// foreign body-less revisions; history[0] gets the supplied body and flags.
// The return value is the index of the first ancestor already present, or
// len(history) when none is, or -1 when the input is malformed.
func (t *Tree) InsertHistory(history []revid.ID, body slice.Slice, flags Flags) int {
	if len(history) == 0 {
		return -1
	}
	for i, id := range history {
		if id.Generation() == 0 {
			return -1
		}
		if i > 0 && history[i-1].Generation() != id.Generation()+1 {
			return -1
		}
	}

	common := len(history)
	var parent *Rev
	for i, id := range history {
		if existing := t.Get(id); existing != nil {
			common = i
			parent = existing
			break
		}
	}
	if common == 0 {
		return 0 // newest revision is already here
	}

	// Insert missing ancestors oldest-first, body-less.
	for i := common - 1; i >= 1; i-- {
		parent = t.insertInternal(history[i], slice.Null, FlagForeign, parent)
	}
	t.insertInternal(history[0], body, flags|FlagForeign, parent)
	return common
}

// Prune removes revisions deeper than maxDepth below every leaf and
// returns how many were removed. A node's depth is its least distance to
// any leaf, so every reachable branch survives up to the bound.
func (t *Tree) Prune(maxDepth int) int {
	if maxDepth <= 0 || len(t.revs) == 0 {
		return 0
	}

	depth := make(map[*Rev]int, len(t.revs))
	for _, leaf := range t.Leaves() {
		d := 1
		for rev := leaf; rev != nil; rev = rev.parent {
			if known, ok := depth[rev]; ok && known <= d {
				break
			}
			depth[rev] = d
			d++
		}
	}

	marked := 0
	for _, r := range t.revs {
		if d, ok := depth[r]; !ok || d > maxDepth {
			r.addFlags(flagPurge)
			marked++
		}
	}
	if marked > 0 {
		t.compact()
		t.markChanged()
	}
	return marked
}

// Purge removes a leaf revision and every ancestor that only existed to
// support it, stopping at the first revision another branch still needs.
func (t *Tree) Purge(id revid.ID) int {
	rev := t.Get(id)
	if rev == nil || !rev.IsLeaf() {
		return 0
	}

	children := make(map[*Rev]int, len(t.revs))
	for _, r := range t.revs {
		if r.parent != nil {
			children[r.parent]++
		}
	}

	purged := 0
	for rev != nil {
		rev.addFlags(flagPurge)
		purged++
		parent := rev.parent
		if parent == nil {
			break
		}
		children[parent]--
		if children[parent] > 0 {
			break
		}
		rev = parent
	}

	t.compact()
	t.markChanged()

	// The tree may have stopped being conflicted; if the new winner is not
	// part of a conflict, its lineage is the sole live branch again.
	if winner := t.Current(); winner != nil && !t.HasConflict() {
		for r := winner; r != nil; r = r.parent {
			r.clearFlags(FlagConflict)
		}
	}
	return purged
}

// PurgeAll empties the tree.
func (t *Tree) PurgeAll() {
	if len(t.revs) == 0 {
		return
	}
	t.revs = nil
	t.sorted = true
	t.markChanged()
}

// compact removes marked revisions preserving relative order. Parent
// pointers at purged revisions are cleared.
func (t *Tree) compact() {
	kept := t.revs[:0]
	for _, r := range t.revs {
		if r.isMarkedForPurge() {
			continue
		}
		if r.parent != nil && r.parent.isMarkedForPurge() {
			r.parent = nil
		}
		kept = append(kept, r)
	}
	t.revs = kept
	t.sorted = len(t.revs) <= 1
}

// RemoveNonLeafBodies elides the stored body of every saved, non-leaf
// revision not pinned by KeepBody.
func (t *Tree) RemoveNonLeafBodies() int {
	removed := 0
	for _, r := range t.revs {
		if r.HasBody() && !r.IsLeaf() && !r.KeepsBody() && r.sequence > 0 {
			r.body = slice.Null
			removed++
		}
	}
	if removed > 0 {
		t.markChanged()
	}
	return removed
}

// SelectCommonAncestor returns the newest revision present in both
// histories, or nil.
func (t *Tree) SelectCommonAncestor(a, b *Rev) *Rev {
	if a == nil || b == nil {
		return nil
	}
	onB := make(map[*Rev]struct{})
	for r := b; r != nil; r = r.parent {
		onB[r] = struct{}{}
	}
	for r := a; r != nil; r = r.parent {
		if _, ok := onB[r]; ok {
			return r
		}
	}
	return nil
}

// ResolveConflict ends a conflict by purging the losing branch and, when a
// merged body is supplied, appending a merged revision on the winner.
// Returns the new current revision.
func (t *Tree) ResolveConflict(winnerID, loserID revid.ID,
	mergedBody slice.Slice) (*Rev, error) {

	winner := t.Get(winnerID)
	loser := t.Get(loserID)
	if winner == nil || loser == nil {
		return nil, status.NotFound("conflict revision not found")
	}
	if !winner.IsLeaf() || !loser.IsLeaf() {
		return nil, status.Conflict("conflict resolution requires two leaves")
	}

	t.Purge(loserID)

	if !mergedBody.IsNull() {
		mergedID := GenerateRevID(winner.id, mergedBody, false)
		merged, _, err := t.Insert(mergedID, mergedBody, 0, winner, true)
		if err != nil {
			return nil, err
		}
		return merged, nil
	}
	return winner, nil
}

// Saved records a save under a freshly assigned sequence: New flags clear,
// and every unsaved revision adopts the new sequence. It is called before
// the tree is encoded, so the stored form carries those sequences.
func (t *Tree) Saved(newSequence uint64) {
	for _, r := range t.revs {
		r.clearFlags(FlagNew)
		if r.sequence == 0 {
			r.sequence = newSequence
		}
	}
	t.changed = false
}
