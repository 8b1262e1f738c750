package adp

import "container/heap"

// NodeData describes a single node in a spatial tree.
type NodeData struct {
	IdxStart, IdxEnd int
	IsLeaf           bool
	Radius           float64 // ball tree radius; 0 for KD-tree
}

// SpatialTree is the read interface shared by KDTree and BallTree. Trees are
// immutable after construction, so QueryKNN is safe for concurrent use.
type SpatialTree interface {
	// QueryKNN returns the k nearest points to query ordered by
	// (distance, index). The point with index exclude (use -1 for none)
	// is skipped.
	QueryKNN(query []float64, k, exclude int) (indices []int, distances []float64)

	// NumPoints returns the number of points in the tree.
	NumPoints() int

	// NumFeatures returns the dimensionality of each point.
	NumFeatures() int

	// IdxArray returns the permutation array mapping tree-order positions
	// back to original point indices.
	IdxArray() []int

	// NodeDataArray returns the metadata for every node in the tree.
	NodeDataArray() []NodeData
}

// pruneSlack widens pruning bounds so that candidates tied at exactly the
// current k-th distance are still visited despite rounding.
const pruneSlack = 1e-12

// mayContain reports whether a node whose lower bound is bound can hold a
// candidate at or below the current k-th distance kth.
func mayContain(bound, kth float64) bool {
	return bound <= kth+pruneSlack*(1+kth)
}

// kdMaxNodes returns an upper bound on the number of nodes needed for a
// binary tree with n points and the given leaf size.
func kdMaxNodes(n, leafSize int) int {
	if n == 0 {
		return 1
	}
	// Depth of tree: ceil(log2(ceil(n/leafSize))) + 1.
	// Number of nodes in a complete binary tree of depth d = 2^(d+1) - 1.
	leaves := (n + leafSize - 1) / leafSize
	depth := 0
	v := 1
	for v < leaves {
		v *= 2
		depth++
	}
	return (1 << (depth + 1)) - 1 + 2 // +2 for safety margin
}

// countNodes counts how many nodes were actually initialized by a build.
func countNodes(nodes []NodeData, nodeID, maxNodes int) int {
	if nodeID >= maxNodes {
		return 0
	}
	if nodes[nodeID].IdxStart == 0 && nodes[nodeID].IdxEnd == 0 && nodeID != 0 {
		return 0
	}
	count := 1
	if !nodes[nodeID].IsLeaf {
		count += countNodes(nodes, 2*nodeID+1, maxNodes)
		count += countNodes(nodes, 2*nodeID+2, maxNodes)
	}
	return count
}

// --- bounded max-heap for KNN queries ---

type knnItem struct {
	index int
	dist  float64
}

// worse orders candidates by (distance, index) descending: the worst
// candidate sits on top of the heap and is evicted first.
func worse(a, b knnItem) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.index > b.index
}

// knnHeap is a max-heap of knnItem used as a bounded priority queue.
type knnHeap []knnItem

func (h knnHeap) Len() int           { return len(h) }
func (h knnHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h knnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *knnHeap) Push(x any)        { *h = append(*h, x.(knnItem)) }
func (h *knnHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// offer inserts a candidate if the heap has room or the candidate beats the
// current worst one.
func (h *knnHeap) offer(item knnItem, k int) {
	if h.Len() < k {
		heap.Push(h, item)
		return
	}
	if worse((*h)[0], item) {
		(*h)[0] = item
		heap.Fix(h, 0)
	}
}

// drain empties the heap into index and distance slices sorted ascending.
func (h *knnHeap) drain() ([]int, []float64) {
	n := h.Len()
	idx := make([]int, n)
	dist := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		item := heap.Pop(h).(knnItem)
		idx[i] = item.index
		dist[i] = item.dist
	}
	return idx, dist
}
