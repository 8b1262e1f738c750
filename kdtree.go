package adp

import (
	"math"
	"sort"
)

// KDTree is a KD-tree spatial index for nearest-neighbor queries. Points are
// stored in a flat row-major array and reordered internally via an index
// permutation array.
//
// The tree is stored as a complete binary tree in array form:
//   - node i has children at 2*i+1 and 2*i+2
//   - node bounds are stored as min/max per dimension per node
type KDTree struct {
	data     []float64 // flat row-major point data (n * dims)
	n        int       // number of points
	dims     int       // dimensionality
	leafSize int
	metric   DistanceMetric
	idxArray []int      // permutation: tree-order position → original index
	nodes    []NodeData // one entry per tree node
	// nodeBoundsMin[node*dims + j] = min value of feature j in node
	nodeBoundsMin []float64
	// nodeBoundsMax[node*dims + j] = max value of feature j in node
	nodeBoundsMax []float64
	numNodes      int
}

// NewKDTree builds a KD-tree from flat row-major data with n points of
// dimensionality dims. leafSize controls the max points per leaf node.
// Periodic metrics are not supported: box bounds ignore wrap-around.
func NewKDTree(data []float64, n, dims int, metric DistanceMetric, leafSize int) *KDTree {
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

	t := &KDTree{
		data:          dataCopy,
		n:             n,
		dims:          dims,
		leafSize:      leafSize,
		metric:        metric,
		idxArray:      idxArray,
		nodes:         make([]NodeData, maxNodes),
		nodeBoundsMin: make([]float64, maxNodes*dims),
		nodeBoundsMax: make([]float64, maxNodes*dims),
	}

	if n > 0 {
		t.buildNode(0, 0, n)
		t.numNodes = countNodes(t.nodes, 0, len(t.nodes))
	}

	return t
}

// buildNode recursively builds the tree for points in idxArray[start:end].
func (t *KDTree) buildNode(nodeID, start, end int) {
	for nodeID >= len(t.nodes) {
		t.nodes = append(t.nodes, NodeData{})
		t.nodeBoundsMin = append(t.nodeBoundsMin, make([]float64, t.dims)...)
		t.nodeBoundsMax = append(t.nodeBoundsMax, make([]float64, t.dims)...)
	}

	t.computeNodeBounds(nodeID, start, end)

	count := end - start
	if count <= t.leafSize {
		t.nodes[nodeID] = NodeData{IdxStart: start, IdxEnd: end, IsLeaf: true}
		return
	}

	// Split on the dimension with greatest spread.
	splitDim := 0
	maxSpread := -1.0
	for d := 0; d < t.dims; d++ {
		spread := t.nodeBoundsMax[nodeID*t.dims+d] - t.nodeBoundsMin[nodeID*t.dims+d]
		if spread > maxSpread {
			maxSpread = spread
			splitDim = d
		}
	}

	t.sortByDimension(start, end, splitDim)
	mid := start + count/2

	t.nodes[nodeID] = NodeData{IdxStart: start, IdxEnd: end, IsLeaf: false}

	t.buildNode(2*nodeID+1, start, mid)
	t.buildNode(2*nodeID+2, mid, end)
}

// computeNodeBounds computes min/max per dimension for points idxArray[start:end].
func (t *KDTree) computeNodeBounds(nodeID, start, end int) {
	base := nodeID * t.dims
	for d := 0; d < t.dims; d++ {
		t.nodeBoundsMin[base+d] = math.Inf(1)
		t.nodeBoundsMax[base+d] = math.Inf(-1)
	}
	for i := start; i < end; i++ {
		ptIdx := t.idxArray[i]
		for d := 0; d < t.dims; d++ {
			v := t.data[ptIdx*t.dims+d]
			if v < t.nodeBoundsMin[base+d] {
				t.nodeBoundsMin[base+d] = v
			}
			if v > t.nodeBoundsMax[base+d] {
				t.nodeBoundsMax[base+d] = v
			}
		}
	}
}

// sortByDimension sorts idxArray[start:end] by the given dimension, breaking
// ties by point index so the layout does not depend on sort stability.
func (t *KDTree) sortByDimension(start, end, dim int) {
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

func (t *KDTree) NumPoints() int            { return t.n }
func (t *KDTree) NumFeatures() int          { return t.dims }
func (t *KDTree) NumNodes() int             { return t.numNodes }
func (t *KDTree) IdxArray() []int           { return t.idxArray }
func (t *KDTree) NodeDataArray() []NodeData { return t.nodes[:t.numNodes] }

// QueryKNN finds the k nearest neighbors of query, skipping point exclude.
func (t *KDTree) QueryKNN(query []float64, k, exclude int) ([]int, []float64) {
	h := make(knnHeap, 0, k)
	if t.n > 0 && k > 0 {
		t.knnSearch(0, query, k, exclude, &h)
	}
	return h.drain()
}

// knnSearch performs a single-tree KNN traversal using a max-heap of size k.
func (t *KDTree) knnSearch(nodeID int, query []float64, k, exclude int, h *knnHeap) {
	if nodeID >= len(t.nodes) {
		return
	}
	node := t.nodes[nodeID]
	if node.IdxStart == node.IdxEnd && nodeID != 0 {
		return // uninitialized node
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

	leftRdist := t.minRdistPoint(left, query)
	rightRdist := t.minRdistPoint(right, query)

	nearChild, farChild := left, right
	farRdist := rightRdist
	if rightRdist < leftRdist {
		nearChild, farChild = right, left
		farRdist = leftRdist
	}

	t.knnSearch(nearChild, query, k, exclude, h)

	// Candidates tied with the current k-th distance may still win on index.
	if h.Len() < k || mayContain(farRdist, t.metric.DistToRdist((*h)[0].dist)) {
		t.knnSearch(farChild, query, k, exclude, h)
	}
}

// minRdistPoint returns a lower bound in reduced-distance space on the
// distance between a point and any point in the given node.
func (t *KDTree) minRdistPoint(node int, point []float64) float64 {
	if node >= len(t.nodes) {
		return math.Inf(1)
	}
	base := node * t.dims
	p := metricP(t.metric)

	var rdist float64
	for j := 0; j < t.dims; j++ {
		lo := t.nodeBoundsMin[base+j]
		hi := t.nodeBoundsMax[base+j]
		var d float64
		if point[j] < lo {
			d = lo - point[j]
		} else if point[j] > hi {
			d = point[j] - hi
		}
		switch p {
		case 1:
			rdist += d
		case 2:
			rdist += d * d
		default:
			rdist += math.Pow(d, p)
		}
	}
	return rdist
}

// metricP returns the Minkowski exponent of a vector metric.
func metricP(m DistanceMetric) float64 {
	switch v := m.(type) {
	case Minkowski:
		return v.P
	default:
		return 2.0
	}
}
