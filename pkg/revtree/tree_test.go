package revtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litecore-db/litecore/pkg/revid"
	"github.com/litecore-db/litecore/pkg/slice"
	"github.com/litecore-db/litecore/pkg/status"
)

func rev(s string) revid.ID { return revid.MustParse(s) }

func body(s string) slice.Slice { return slice.FromString(s) }

// checkInvariants asserts the structural invariants every tree must hold:
// parent generations, leaf marking, and single-active-leaf-unless-conflict.
func checkInvariants(t *testing.T, tree *Tree) {
	t.Helper()
	hasChild := map[*Rev]bool{}
	for _, r := range tree.Revs() {
		if p := r.Parent(); p != nil {
			assert.Equal(t, p.Generation()+1, r.Generation(),
				"parent generation of %s", r.RevID())
			assert.NotEqual(t, -1, tree.IndexOf(p), "parent of %s is in the tree", r.RevID())
			hasChild[p] = true
		}
	}
	active := 0
	for _, r := range tree.Revs() {
		assert.Equal(t, !hasChild[r], r.IsLeaf(), "leaf flag of %s", r.RevID())
		if r.IsActive() {
			active++
		}
	}
	if active > 1 {
		assert.True(t, tree.HasConflict())
	}
}

func TestInsertBasics(t *testing.T) {
	tree := New()
	r1, inserted, err := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, r1.IsLeaf())
	assert.True(t, r1.IsNew())

	r2, inserted, err := tree.Insert(rev("2-bbb"), body(`{"ok":"go"}`), 0, r1, false)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, r1.IsLeaf())
	assert.True(t, r2.IsLeaf())

	assert.Same(t, r2, tree.Current())
	assert.Same(t, r2, tree.Get(rev("2-bbb")))
	assert.False(t, tree.HasConflict())
	checkInvariants(t, tree)
}

func TestInsertExistingIsNoOp(t *testing.T) {
	tree := New()
	r1, _, err := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	require.NoError(t, err)

	again, inserted, err := tree.Insert(rev("1-aaa"), body(`{"other":1}`), 0, nil, false)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Same(t, r1, again)
	assert.Equal(t, 1, tree.Len())
}

func TestInsertRejections(t *testing.T) {
	tree := New()
	r1, _, err := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	require.NoError(t, err)
	_, _, err = tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)

	// absent generation
	_, _, err = tree.Insert(revid.ID{}, body(`{}`), 0, nil, false)
	assert.True(t, status.Is(err, status.CodeBadRevID))

	// non-leaf parent without allowConflict
	_, _, err = tree.Insert(rev("2-ccc"), body(`{}`), 0, r1, false)
	assert.True(t, status.IsConflict(err))

	// missing parent on a non-empty tree
	_, _, err = tree.Insert(rev("1-zzz"), body(`{}`), 0, nil, false)
	assert.True(t, status.IsConflict(err))

	// generation arithmetic
	_, _, err = tree.Insert(rev("5-eee"), body(`{}`), 0, tree.Get(rev("2-bbb")), false)
	assert.True(t, status.Is(err, status.CodeBadRevID))
	_, _, err = tree.Insert(rev("3-fff"), body(`{}`), 0, nil, true)
	assert.True(t, status.Is(err, status.CodeBadRevID))
}

func TestInsertConflictBranch(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)

	r2c, _, err := tree.Insert(rev("2-ccc"), body(`{}`), 0, r1, true)
	require.NoError(t, err)
	assert.True(t, r2c.IsConflict())
	assert.True(t, tree.HasConflict())

	// the non-conflict branch wins regardless of revision ID order
	assert.Equal(t, "2-bbb", tree.Current().RevID())
	checkInvariants(t, tree)
}

func TestWinnerPrefersLiveOverTombstone(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)
	r2c, _, err := tree.Insert(rev("2-zzz"), slice.Null, FlagDeleted, r1, true)
	require.NoError(t, err)

	// 2-zzz sorts above 2-bbb by ID but is a tombstone
	assert.True(t, r2c.IsDeleted())
	assert.Equal(t, "2-bbb", tree.Current().RevID())
	assert.False(t, tree.HasConflict(), "a tombstoned branch is not a conflict")
}

func TestKeepBodyDiscipline(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{"v":1}`), FlagKeepBody, nil, false)
	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{"v":2}`), FlagKeepBody, r1, false)
	assert.False(t, r1.KeepsBody(), "older kept body on the same branch is released")
	assert.True(t, r2.KeepsBody())

	_, _, err := tree.Insert(rev("3-ccc"), body(`{"v":3}`), FlagKeepBody, r2, false)
	require.NoError(t, err)
	assert.False(t, r2.KeepsBody())
}

func TestInsertHistory(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{"ok":"go"}`), 0, r1, false)
	require.NoError(t, err)

	common := tree.InsertHistory(
		[]revid.ID{rev("4-dddd"), rev("3-ababab"), rev("2-bbb")},
		body(`{"ubu":"roi"}`), FlagForeign)
	assert.Equal(t, 2, common)
	assert.Equal(t, 4, tree.Len())

	r3 := tree.Get(rev("3-ababab"))
	require.NotNil(t, r3)
	assert.True(t, r3.IsForeign())
	assert.False(t, r3.HasBody(), "interpolated ancestors are body-less")
	r4 := tree.Get(rev("4-dddd"))
	require.NotNil(t, r4)
	assert.True(t, r4.IsLeaf())
	assert.Equal(t, `{"ubu":"roi"}`, r4.Body().String())
	checkInvariants(t, tree)
}

func TestInsertHistoryMalformed(t *testing.T) {
	tree := New()
	assert.Equal(t, -1, tree.InsertHistory(nil, slice.Null, 0))
	// generations must decrease strictly by one
	assert.Equal(t, -1, tree.InsertHistory(
		[]revid.ID{rev("4-a"), rev("2-b")}, body(`{}`), 0))
	assert.Equal(t, -1, tree.InsertHistory(
		[]revid.ID{rev("3-a"), rev("3-b")}, body(`{}`), 0))
}

func TestInsertHistoryNoCommonAncestor(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)

	history := []revid.ID{rev("2-foreign"), rev("1-foreign")}
	common := tree.InsertHistory(history, body(`{"x":1}`), FlagForeign)
	assert.Equal(t, 2, common, "no ancestor found returns len(history)")

	root2 := tree.Get(rev("1-foreign"))
	require.NotNil(t, root2)
	assert.Nil(t, root2.Parent())
	assert.True(t, root2.IsConflict(), "a second root is a conflicting branch")
	assert.True(t, tree.HasConflict())
	checkInvariants(t, tree)
}

func TestInsertHistoryAlreadyKnown(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)

	common := tree.InsertHistory(
		[]revid.ID{rev("2-bbb"), rev("1-aaa")}, body(`{}`), FlagForeign)
	assert.Equal(t, 0, common)
	assert.Equal(t, 2, tree.Len())
}

// TestConflictScenario follows the full insert/conflict/resolve flow: a
// linear document, a pulled conflicting branch, and a merged resolution.
func TestConflictScenario(t *testing.T) {
	tree := New()
	r1, _, err := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	require.NoError(t, err)
	r2, _, err := tree.Insert(rev("2-bbb"), body(`{"ok":"go"}`), 0, r1, false)
	require.NoError(t, err)
	_, _, err = tree.Insert(rev("3-aaaaaa"), body(`{"mine":1}`), 0, r2, false)
	require.NoError(t, err)

	common := tree.InsertHistory(
		[]revid.ID{rev("4-dddd"), rev("3-ababab"), rev("2-bbb")},
		body(`{"ubu":"roi"}`), FlagForeign)
	require.Equal(t, 2, common)
	assert.True(t, tree.HasConflict())

	anc := tree.SelectCommonAncestor(tree.Get(rev("3-aaaaaa")), tree.Get(rev("4-dddd")))
	require.NotNil(t, anc)
	assert.Equal(t, "2-bbb", anc.RevID())

	merged, err := tree.ResolveConflict(rev("4-dddd"), rev("3-aaaaaa"),
		body(`{"merged":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), merged.Generation())
	assert.Equal(t, `{"merged":true}`, merged.Body().String())
	assert.Equal(t, "4-dddd", merged.Parent().RevID())
	assert.False(t, tree.HasConflict())
	assert.Same(t, merged, tree.Current())
	assert.Nil(t, tree.Get(rev("3-aaaaaa")))
	checkInvariants(t, tree)
}

func TestPruneToDepth(t *testing.T) {
	tree := New()
	var parent *Rev
	for gen := 1; gen <= 10000; gen++ {
		id := rev(fmt.Sprintf("%d-%08x", gen, gen))
		r, _, err := tree.Insert(id, body(`{}`), 0, parent, false)
		require.NoError(t, err)
		parent = r
	}

	purged := tree.Prune(30)
	assert.Equal(t, 9970, purged)
	assert.Equal(t, 30, tree.Len())

	hist := tree.Current().History()
	assert.Len(t, hist, 30)
	oldest := hist[len(hist)-1]
	assert.Equal(t, uint64(9971), oldest.Generation())
	assert.Nil(t, oldest.Parent())
	checkInvariants(t, tree)
}

func TestPrunePreservesBranches(t *testing.T) {
	tree := New()
	var parent *Rev
	for gen := 1; gen <= 10; gen++ {
		r, _, err := tree.Insert(rev(fmt.Sprintf("%d-%08x", gen, gen)), body(`{}`), 0,
			parent, false)
		require.NoError(t, err)
		parent = r
	}
	// short conflicting branch off generation 8
	gen8 := tree.Get(rev(fmt.Sprintf("8-%08x", 8)))
	_, _, err := tree.Insert(rev("9-branch"), body(`{}`), 0, gen8, true)
	require.NoError(t, err)

	tree.Prune(3)
	// both leaves survive; a node's distance is its least distance to any
	// leaf, so the branch keeps generation 7 alive at depth 3
	assert.NotNil(t, tree.Get(rev("9-branch")))
	branch := tree.Get(rev("9-branch"))
	assert.Len(t, branch.History(), 3)
	assert.NotNil(t, tree.Get(rev(fmt.Sprintf("7-%08x", 7))))
	assert.Nil(t, tree.Get(rev(fmt.Sprintf("6-%08x", 6))))
	checkInvariants(t, tree)
}

func TestPurgeBranch(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	r3a, _, err := tree.Insert(rev("3-aaa"), body(`{}`), 0, r2, false)
	require.NoError(t, err)
	_, _, err = tree.Insert(rev("3-bbb"), body(`{}`), 0, r2, true)
	require.NoError(t, err)
	_, _, err = tree.Insert(rev("4-ccc"), body(`{}`), 0, r3a, true)
	require.NoError(t, err)
	require.True(t, tree.HasConflict())

	// purging the conflicting leaf unwinds only its private ancestors
	purged := tree.Purge(rev("3-bbb"))
	assert.Equal(t, 1, purged)
	assert.False(t, tree.HasConflict())
	assert.Equal(t, "4-ccc", tree.Current().RevID())
	for r := tree.Current(); r != nil; r = r.Parent() {
		assert.False(t, r.IsConflict(), "lineage of %s cleared", r.RevID())
	}
	checkInvariants(t, tree)
}

func TestPurgeWholeChain(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	_, _, err := tree.Insert(rev("3-ccc"), body(`{}`), 0, r2, false)
	require.NoError(t, err)

	purged := tree.Purge(rev("3-ccc"))
	assert.Equal(t, 3, purged)
	assert.Equal(t, 0, tree.Len())
}

func TestPurgeAll(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	_, _, err := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	require.NoError(t, err)

	tree.PurgeAll()
	assert.Equal(t, 0, tree.Len())
	assert.Nil(t, tree.Current())
}

func TestRemoveNonLeafBodies(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{"v":1}`), 0, nil, false)
	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{"v":2}`), FlagKeepBody, r1, false)
	_, _, err := tree.Insert(rev("3-ccc"), body(`{"v":3}`), 0, r2, false)
	require.NoError(t, err)
	tree.Saved(1)

	removed := tree.RemoveNonLeafBodies()
	assert.Equal(t, 1, removed)
	assert.False(t, r1.HasBody())
	assert.True(t, r2.HasBody(), "KeepBody pins the body")
	assert.True(t, tree.Current().HasBody())
}

func TestSavedAssignsSequences(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	tree.Saved(7)
	assert.Equal(t, uint64(7), r1.Sequence())
	assert.False(t, r1.IsNew())
	assert.False(t, tree.Changed())

	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{}`), 0, r1, false)
	assert.True(t, tree.Changed())
	tree.Saved(9)
	assert.Equal(t, uint64(7), r1.Sequence(), "existing sequences are stable")
	assert.Equal(t, uint64(9), r2.Sequence())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tree := New()
	r1, _, _ := tree.Insert(rev("1-aaa"), body(`{"v":1}`), 0, nil, false)
	r2, _, _ := tree.Insert(rev("2-bbb"), body(`{"v":2}`), 0, r1, false)
	_, _, err := tree.Insert(rev("3-ccc"), body(`{"v":3}`), FlagHasAttachments, r2, false)
	require.NoError(t, err)
	_, _, err = tree.Insert(rev("3-ddd"), slice.Null, FlagDeleted, r2, true)
	require.NoError(t, err)
	tree.Saved(42)

	encoded := tree.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, tree.Len(), decoded.Len())
	assert.False(t, decoded.Changed())

	for _, orig := range tree.Revs() {
		got := decoded.Get(orig.ID())
		require.NotNil(t, got, "missing %s after decode", orig.RevID())
		assert.Equal(t, orig.Flags()&storedFlags, got.Flags())
		assert.Equal(t, orig.Sequence(), got.Sequence())
		assert.True(t, orig.Body().Equal(got.Body()))
		if orig.Parent() == nil {
			assert.Nil(t, got.Parent())
		} else {
			require.NotNil(t, got.Parent())
			assert.Equal(t, orig.Parent().RevID(), got.Parent().RevID())
		}
	}
	assert.Equal(t, tree.Current().RevID(), decoded.Current().RevID())
	checkInvariants(t, decoded)

	// a stable encoding: encoding the decoded tree reproduces the bytes
	assert.Equal(t, encoded, decoded.Encode())
}

func TestDecodeEmpty(t *testing.T) {
	tree, err := Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Len())
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.True(t, status.IsCorruptData(err))

	// valid-looking record with an out-of-range parent index
	tree := New()
	_, _, err = tree.Insert(rev("1-aaa"), body(`{}`), 0, nil, false)
	require.NoError(t, err)
	encoded := tree.Encode()
	encoded[len(encoded)-3] = 0x09 // parent index far past the arena
	_, err = Decode(encoded)
	assert.Error(t, err)
}

func TestGenerateRevID(t *testing.T) {
	parent := rev("3-abc")
	id1 := GenerateRevID(parent, body(`{"a":1}`), false)
	assert.Equal(t, uint64(4), id1.Generation())

	id2 := GenerateRevID(parent, body(`{"a":2}`), false)
	assert.NotEqual(t, id1, id2, "different bodies get different digests")

	id3 := GenerateRevID(parent, body(`{"a":1}`), false)
	assert.Equal(t, id1, id3, "derivation is deterministic")

	root := GenerateRevID(revid.ID{}, body(`{}`), false)
	assert.Equal(t, uint64(1), root.Generation())
}
