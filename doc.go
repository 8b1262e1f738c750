// Package adp implements Advanced Density Peaks (ADP) clustering.
//
// ADP finds clusters as statistically significant peaks of a density
// estimated on the data manifold, without assuming the number of clusters,
// the shape of the density or the embedding dimension. A run has four
// stages:
//
//  1. a k-nearest-neighbor graph (brute force, KD-tree or ball tree),
//  2. the intrinsic dimension of the data by maximum likelihood (two-NN or
//     the full neighbor-ratio likelihood),
//  3. a per-point log-density with an explicit standard error, using an
//     adaptively chosen neighborhood size k* (optionally refined by PAk),
//  4. density peaks joined along their nearest higher-density neighbors,
//     merged when the saddle between two peaks is not significantly below
//     the lower peak, with points below the saddle labeled as halo.
//
// Basic usage:
//
//	cfg := adp.DefaultConfig()
//	cfg.K = 20
//	result, err := adp.Cluster(ctx, data, cfg)
//	// result.Labels[i] is the cluster of point i (adp.Halo = -1)
//	// result.LogDensity[i] and result.DensityError[i] give its density
//	// result.Dimension.Dimension is the estimated intrinsic dimension
//
// For items that only have pairwise distances:
//
//	result, err := adp.ClusterDiscrete(ctx, n, func(i, j int) float64 {
//		return dist(items[i], items[j])
//	}, cfg)
//
// Each stage is also exported on its own (BuildNeighborGraph,
// EstimateDimension, EstimateDensity, FindClusters, MergeClusters), and a
// neighbor graph can be persisted with WriteGraph and reused through
// Config.Graph.
//
// # Determinism
//
// Results are identical for every value of Config.Workers: parallel stages
// only write per-point slots, all reductions run in index order, and ties
// in density are broken by the lower point index.
package adp
