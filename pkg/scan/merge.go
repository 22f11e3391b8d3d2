// Grove keeps its keys in independent shards, each of which can be listed in sorted order on its own. Listing the
// whole key space in order needs a k-way merge over those per-shard listings.
//
// This module implements a heap-based k-way merge that lazily pulls from the underlying sequences, so a listing with
// a limit stops pulling once it has enough keys. Keys seen in more than one sequence are yielded once.

package scan

import (
	"container/heap"
	"iter"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/utils"
)

// heapElement is an item pulled from one of the merged sequences.
type heapElement[K any] struct {
	key    K
	seqIdx int // Index of the sequence inside mergeHeap's pull functions that produced this element.
}

// mergeHeap holds the heads of the merged sequences.
type mergeHeap[K any] struct { // Implements heap.Interface.
	compare  utils.CompareFn[K]
	elements []*heapElement[K]
}

var _ heap.Interface = (*mergeHeap[int])(nil)

func (mh *mergeHeap[K]) Len() int {
	return len(mh.elements)
}

// Less orders elements by key; equal keys are ordered by their sequence index.
func (mh *mergeHeap[K]) Less(i, j int) bool {
	e1, e2 := mh.elements[i], mh.elements[j]
	if cmp := mh.compare(e1.key, e2.key); cmp != 0 {
		return cmp < 0
	}
	return e1.seqIdx < e2.seqIdx
}

func (mh *mergeHeap[K]) Swap(i, j int) {
	mh.elements[i], mh.elements[j] = mh.elements[j], mh.elements[i]
}

func (mh *mergeHeap[K]) Push(x any) {
	element, ok := x.(*heapElement[K])
	if !ok || element == nil {
		utils.RaiseInvariant("merge", "pushed_invalid_element", "An invalid element was pushed to the merge heap.")
		return
	}
	mh.elements = append(mh.elements, element)
}

// Pop returns and removes the last element in the heap.
func (mh *mergeHeap[K]) Pop() any {
	lastElement := mh.elements[len(mh.elements)-1]
	mh.elements = mh.elements[:len(mh.elements)-1]
	return lastElement
}

// MergeSorted merges increasing `sequences` into a single increasing sequence, yielding keys found in several
// sequences only once. Sequences are expected to be sorted by `compare`; the result is undefined otherwise.
// The returned sequence is single-use.
func MergeSorted[K any](compare utils.CompareFn[K], sequences []iter.Seq[K]) (iter.Seq[K], error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}

	return func(yield func(K) bool) {
		mh := &mergeHeap[K]{compare: compare, elements: make([]*heapElement[K], 0, len(sequences))}
		pull := make([]func() (K, bool), 0, len(sequences))
		stop := make([]func(), 0, len(sequences))
		defer func() { // Stop all underlying sequences once iteration is done.
			for _, stopFn := range stop {
				stopFn()
			}
		}()
		for _, seq := range sequences {
			pullFn, stopFn := iter.Pull(seq)
			first, hasAny := pullFn()
			if !hasAny { // Empty sequences are skipped entirely.
				stopFn()
				continue
			}
			heap.Push(mh, &heapElement[K]{key: first, seqIdx: len(pull)})
			pull = append(pull, pullFn)
			stop = append(stop, stopFn)
		}

		var last K
		hasLast := false
		for mh.Len() > 0 {
			top := heap.Pop(mh).(*heapElement[K])
			if next, hasNext := pull[top.seqIdx](); hasNext {
				heap.Push(mh, &heapElement[K]{key: next, seqIdx: top.seqIdx})
			}
			if hasLast && compare(last, top.key) == 0 { // Already yielded by another sequence.
				continue
			}
			last, hasLast = top.key, true
			if !yield(top.key) {
				return
			}
		}
	}, nil
}
