package adp

import (
	"math"
	"sort"
)

// BallTree is a ball tree spatial index for nearest-neighbor queries. Each
// node stores a centroid and radius defining an enclosing ball for its
// points. It only relies on the triangle inequality, so it stays effective
// in higher dimensions where KD-tree boxes stop pruning.
//
// The tree is stored as a complete binary tree in array form:
//   - node i has children at 2*i+1 and 2*i+2
type BallTree struct {
	data     []float64 // flat row-major point data (n * dims)
	n        int       // number of points
	dims     int       // dimensionality
	leafSize int
	metric   DistanceMetric
	idxArray []int      // permutation: tree-order position → original index
	nodes    []NodeData // one entry per tree node; Radius is used
	// centroids[node*dims .. (node+1)*dims) = centroid of node
	centroids []float64
	numNodes  int
}

// NewBallTree builds a ball tree from flat row-major data with n points
// of dimensionality dims. leafSize controls the max points per leaf node.
func NewBallTree(data []float64, n, dims int, metric DistanceMetric, leafSize int) *BallTree {
	if leafSize < 1 {
		leafSize = 1
	}

	dataCopy := make([]float64, len(data))
	copy(dataCopy, data)
	idxArray := make([]int, n)
	for i := range idxArray {
		idxArray[i] = i
	}

	maxNodes := kdMaxNodes(n, leafSize)
	t := &BallTree{
		data:      dataCopy,
		n:         n,
		dims:      dims,
		leafSize:  leafSize,
		metric:    metric,
		idxArray:  idxArray,
		nodes:     make([]NodeData, maxNodes),
		centroids: make([]float64, maxNodes*dims),
	}

	if n > 0 {
		t.buildNode(0, 0, n)
		t.numNodes = countNodes(t.nodes, 0, len(t.nodes))
	}

	return t
}

// buildNode recursively builds the ball tree for points in idxArray[start:end].
func (t *BallTree) buildNode(nodeID, start, end int) {
	for nodeID >= len(t.nodes) {
		t.nodes = append(t.nodes, NodeData{})
		t.centroids = append(t.centroids, make([]float64, t.dims)...)
	}

	t.computeCentroid(nodeID, start, end)

	// Radius: max distance from centroid to any point in this node.
	centroid := t.centroids[nodeID*t.dims : (nodeID+1)*t.dims]
	var radius float64
	for i := start; i < end; i++ {
		ptIdx := t.idxArray[i]
		pt := t.data[ptIdx*t.dims : (ptIdx+1)*t.dims]
		if d := t.metric.Distance(centroid, pt); d > radius {
			radius = d
		}
	}

	count := end - start
	if count <= t.leafSize {
		t.nodes[nodeID] = NodeData{IdxStart: start, IdxEnd: end, IsLeaf: true, Radius: radius}
		return
	}

	t.nodes[nodeID] = NodeData{IdxStart: start, IdxEnd: end, IsLeaf: false, Radius: radius}

	splitDim := t.findSpreadDim(start, end)
	t.sortByDim(start, end, splitDim)
	mid := start + count/2

	t.buildNode(2*nodeID+1, start, mid)
	t.buildNode(2*nodeID+2, mid, end)
}

// computeCentroid computes the mean of points idxArray[start:end].
func (t *BallTree) computeCentroid(nodeID, start, end int) {
	base := nodeID * t.dims
	count := float64(end - start)
	for d := 0; d < t.dims; d++ {
		t.centroids[base+d] = 0
	}
	for i := start; i < end; i++ {
		ptIdx := t.idxArray[i]
		for d := 0; d < t.dims; d++ {
			t.centroids[base+d] += t.data[ptIdx*t.dims+d]
		}
	}
	for d := 0; d < t.dims; d++ {
		t.centroids[base+d] /= count
	}
}

// findSpreadDim returns the dimension with the greatest spread among
// points in idxArray[start:end].
func (t *BallTree) findSpreadDim(start, end int) int {
	bestDim := 0
	bestSpread := -1.0
	for d := 0; d < t.dims; d++ {
		minVal := math.Inf(1)
		maxVal := math.Inf(-1)
		for i := start; i < end; i++ {
			v := t.data[t.idxArray[i]*t.dims+d]
			minVal = math.Min(minVal, v)
			maxVal = math.Max(maxVal, v)
		}
		if spread := maxVal - minVal; spread > bestSpread {
			bestSpread = spread
			bestDim = d
		}
	}
	return bestDim
}

// sortByDim sorts idxArray[start:end] by the given dimension, ties by index.
func (t *BallTree) sortByDim(start, end, dim int) {
	sub := t.idxArray[start:end]
	dims := t.dims
	data := t.data
	sort.Slice(sub, func(i, j int) bool {
		a, b := data[sub[i]*dims+dim], data[sub[j]*dims+dim]
		if a != b {
			return a < b
		}
		return sub[i] < sub[j]
	})
}

func (t *BallTree) NumPoints() int            { return t.n }
func (t *BallTree) NumFeatures() int          { return t.dims }
func (t *BallTree) NumNodes() int             { return t.numNodes }
func (t *BallTree) IdxArray() []int           { return t.idxArray }
func (t *BallTree) NodeDataArray() []NodeData { return t.nodes[:t.numNodes] }

// QueryKNN finds the k nearest neighbors of query, skipping point exclude.
func (t *BallTree) QueryKNN(query []float64, k, exclude int) ([]int, []float64) {
	h := make(knnHeap, 0, k)
	if t.n > 0 && k > 0 {
		t.knnSearch(0, query, k, exclude, &h)
	}
	return h.drain()
}

// knnSearch performs a single-tree KNN traversal for the ball tree.
func (t *BallTree) knnSearch(nodeID int, query []float64, k, exclude int, h *knnHeap) {
	if nodeID >= len(t.nodes) {
		return
	}
	node := t.nodes[nodeID]
	if node.IdxStart == node.IdxEnd && nodeID != 0 {
		return
	}

	if node.IsLeaf {
		for i := node.IdxStart; i < node.IdxEnd; i++ {
			ptIdx := t.idxArray[i]
			if ptIdx == exclude {
				continue
			}
			pt := t.data[ptIdx*t.dims : (ptIdx+1)*t.dims]
			h.offer(knnItem{index: ptIdx, dist: t.metric.Distance(query, pt)}, k)
		}
		return
	}

	left := 2*nodeID + 1
	right := 2*nodeID + 2

	leftDist := t.minDistPoint(left, query)
	rightDist := t.minDistPoint(right, query)

	nearChild, farChild := left, right
	farDist := rightDist
	if rightDist < leftDist {
		nearChild, farChild = right, left
		farDist = leftDist
	}

	t.knnSearch(nearChild, query, k, exclude, h)

	if h.Len() < k || mayContain(farDist, (*h)[0].dist) {
		t.knnSearch(farChild, query, k, exclude, h)
	}
}

// minDistPoint returns a lower bound on the distance between a point and
// any point in the given node: max(0, |point - centroid| - radius).
func (t *BallTree) minDistPoint(node int, point []float64) float64 {
	if node >= len(t.nodes) {
		return math.Inf(1)
	}
	centroid := t.centroids[node*t.dims : (node+1)*t.dims]
	return math.Max(0, t.metric.Distance(point, centroid)-t.nodes[node].Radius)
}
