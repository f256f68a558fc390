// Package index implements the Duplicate Index: an ordered map keyed by
// Content Key, balanced as an AVL tree so that inserting N files costs
// O(N log N) comparisons rather than O(N^2). The comparator is the explicit
// contentkey.Compare function (SPEC_FULL.md §9: "expose the Duplicate Index
// as an ordered map whose comparator is an explicit function"), not an
// overloaded operator, even though comparing mutates both keys' cached
// digest ladders as a side effect.
package index

import (
	"container/list"

	"github.com/kornelski/dupe-krill/internal/contentkey"
	"github.com/kornelski/dupe-krill/internal/descriptor"
)

// defaultHandleCap bounds the number of simultaneously open Content Key
// file handles (SPEC_FULL.md §5). Least-recently-compared keys are closed
// first; a key reopens its file lazily if consulted again.
const defaultHandleCap = 256

// Outcome classifies the result of an Insert call.
type Outcome int

const (
	// Inserted means rec's content was not seen before; it is now a member
	// of the index.
	Inserted Outcome = iota
	// Duplicate means rec's content matches an existing member, returned as
	// Survivor. rec itself was never placed in the index.
	Duplicate
	// Errored means a read error occurred while locating rec's position.
	// Neither rec nor any dislodged existing record remain misrepresented:
	// an existing record whose own key failed is removed from the index
	// (see Result.Dislodged).
	Errored
)

// Result is the outcome of inserting one Record into the index.
type Result struct {
	Outcome Outcome

	// Survivor is set when Outcome == Duplicate: the pre-existing record
	// whose content matches rec.
	Survivor *descriptor.Record

	// Dislodged is set when a record already resident in the index turned
	// out to be unreadable (its own backing file vanished or errored
	// mid-run) while locating rec's position. That record has already been
	// removed from the tree and poisoned; the caller should treat it as
	// abandoned, the same as any other transient per-file error, alongside
	// whatever Outcome the rest of this Insert call produced (rec's own
	// insertion proceeds against the freed subtree and is reported
	// normally as Inserted or Duplicate).
	Dislodged *descriptor.Record

	Err error
}

type node struct {
	rec         *descriptor.Record
	left, right *node
	height      int
}

// Index is the ordered map of Content Key to File Descriptor Record.
type Index struct {
	root  *node
	count int

	handleCap int
	lru       *list.List
	lruPos    map[*contentkey.Key]*list.Element
}

// New returns an empty Index with the default open-handle ceiling.
func New() *Index {
	return &Index{
		handleCap: defaultHandleCap,
		lru:       list.New(),
		lruPos:    make(map[*contentkey.Key]*list.Element),
	}
}

// Len returns the number of distinct content bodies currently indexed.
func (ix *Index) Len() int { return ix.count }

// Insert locates rec's position in the ordered map and either places it (no
// equal entry exists) or reports the existing equal entry (Duplicate).
func (ix *Index) Insert(rec *descriptor.Record) Result {
	ix.touch(rec.Key)
	result, newRoot := ix.insert(ix.root, rec)
	ix.root = newRoot
	if result.Outcome == Inserted {
		ix.count++
	}
	return result
}

func (ix *Index) insert(n *node, rec *descriptor.Record) (Result, *node) {
	if n == nil {
		return Result{Outcome: Inserted}, &node{rec: rec, height: 1}
	}

	ix.touch(n.rec.Key)
	cmp, err := contentkey.Compare(rec.Key, n.rec.Key)
	if err != nil {
		if contentkey.FailedSideB(err) {
			// The existing node's own key is unreadable: drop it from the
			// tree and retry the insert against its replacement subtree.
			dislodged := n.rec
			ix.evictHandle(dislodged.Key)
			ix.count--
			replacement := deleteNode(n)
			result, newRoot := ix.insert(replacement, rec)
			if result.Outcome == Inserted || result.Outcome == Duplicate {
				result.Dislodged = dislodged
				result.Err = err
			}
			return result, newRoot
		}
		return Result{Outcome: Errored, Err: err}, n
	}

	switch {
	case cmp < 0:
		res, child := ix.insert(n.left, rec)
		n.left = child
		if res.Outcome != Errored {
			n = rebalance(n)
		}
		return res, n
	case cmp > 0:
		res, child := ix.insert(n.right, rec)
		n.right = child
		if res.Outcome != Errored {
			n = rebalance(n)
		}
		return res, n
	default:
		return Result{Outcome: Duplicate, Survivor: n.rec}, n
	}
}

// touch marks key as recently used, evicting the least-recently-used open
// handle if the cap is exceeded.
func (ix *Index) touch(k *contentkey.Key) {
	if el, ok := ix.lruPos[k]; ok {
		ix.lru.MoveToFront(el)
		return
	}
	el := ix.lru.PushFront(k)
	ix.lruPos[k] = el
	for ix.lru.Len() > ix.handleCap {
		back := ix.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*contentkey.Key)
		ix.lru.Remove(back)
		delete(ix.lruPos, victim)
		_ = victim.Close()
	}
}

// evictHandle removes key from LRU tracking entirely (used when its record
// leaves the index for good).
func (ix *Index) evictHandle(k *contentkey.Key) {
	if el, ok := ix.lruPos[k]; ok {
		ix.lru.Remove(el)
		delete(ix.lruPos, k)
	}
	_ = k.Close()
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func updateHeight(n *node) {
	lh, rh := height(n.left), height(n.right)
	if lh > rh {
		n.height = lh + 1
	} else {
		n.height = rh + 1
	}
}

func balanceFactor(n *node) int {
	return height(n.left) - height(n.right)
}

func rotateRight(n *node) *node {
	l := n.left
	n.left = l.right
	l.right = n
	updateHeight(n)
	updateHeight(l)
	return l
}

func rotateLeft(n *node) *node {
	r := n.right
	n.right = r.left
	r.left = n
	updateHeight(n)
	updateHeight(r)
	return r
}

func rebalance(n *node) *node {
	updateHeight(n)
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// deleteNode removes n (already located) from its own subtree and returns
// the replacement. It does not need to locate n by key again since the
// caller already holds it; it reduces to the textbook BST deletion of a
// node given its two children.
func deleteNode(n *node) *node {
	if n.left == nil {
		return n.right
	}
	if n.right == nil {
		return n.left
	}
	// Two children: splice in the in-order successor (leftmost of right
	// subtree) and delete it from there.
	succParent := n
	succ := n.right
	for succ.left != nil {
		succParent = succ
		succ = succ.left
	}
	if succParent != n {
		succParent.left = succ.right
		succ.right = n.right
	}
	succ.left = n.left
	return rebalance(succ)
}
