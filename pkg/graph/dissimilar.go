package graph

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/btree"
)

// dissimilarSet maps every item to the ordered set of items known to be
// dissimilar to it. Both directions are stored so lookups never need to
// canonicalize the pair.
type dissimilarSet struct {
	byItem *btree.Map[int32, *roaring.Bitmap]
}

func newDissimilarSet() *dissimilarSet {
	return &dissimilarSet{
		byItem: btree.NewMap[int32, *roaring.Bitmap](32),
	}
}

// add records i!~j. It returns false if the pair was already present.
func (d *dissimilarSet) add(i, j int) bool {
	if !d.partnersOf(i, true).CheckedAdd(uint32(j)) {
		return false
	}
	d.partnersOf(j, true).Add(uint32(i))
	return true
}

func (d *dissimilarSet) contains(i, j int) bool {
	rb := d.partnersOf(i, false)
	return rb != nil && rb.Contains(uint32(j))
}

func (d *dissimilarSet) partnersOf(i int, create bool) *roaring.Bitmap {
	rb, ok := d.byItem.Get(int32(i))
	if !ok && create {
		rb = roaring.New()
		d.byItem.Set(int32(i), rb)
	}
	return rb
}

// scan visits items in ascending order together with their partner sets.
func (d *dissimilarSet) scan(fn func(item int, partners *roaring.Bitmap) bool) {
	d.byItem.Scan(func(key int32, rb *roaring.Bitmap) bool {
		return fn(int(key), rb)
	})
}
