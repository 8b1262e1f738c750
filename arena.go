package adp

import "github.com/RoaringBitmap/roaring/v2"

// clusterRecord is one entry of the cluster arena. Records are never
// removed: an absorbed cluster keeps its slot and points at its absorber.
type clusterRecord struct {
	peak       int
	logDensity float64
	err        float64
	size       int
	members    *roaring.Bitmap
	// absorbedInto is -1 while the cluster is alive.
	absorbedInto int
}

// clusterArena stores clusters by integer id and resolves absorbed ids to
// their surviving cluster with path compression.
type clusterArena struct {
	records []clusterRecord
}

// newClusterArena creates one record per provisional cluster. labels[i] is
// the provisional id of point i and peaks[c] the peak of cluster c.
func newClusterArena(labels, peaks []int, logDen, errs []float64) *clusterArena {
	a := &clusterArena{records: make([]clusterRecord, len(peaks))}
	for c, p := range peaks {
		a.records[c] = clusterRecord{
			peak:         p,
			logDensity:   logDen[p],
			err:          errs[p],
			members:      roaring.New(),
			absorbedInto: -1,
		}
	}
	for i, c := range labels {
		a.records[c].members.Add(uint32(i))
		a.records[c].size++
	}
	return a
}

// resolve returns the surviving cluster that id has been merged into.
func (a *clusterArena) resolve(id int) int {
	root := id
	for a.records[root].absorbedInto != -1 {
		root = a.records[root].absorbedInto
	}
	// Path compression: point every record along the path at root.
	for a.records[id].absorbedInto != -1 {
		id, a.records[id].absorbedInto = a.records[id].absorbedInto, root
	}
	return root
}

// absorb merges cluster drop into cluster keep. keep retains its peak.
func (a *clusterArena) absorb(keep, drop int) {
	keep, drop = a.resolve(keep), a.resolve(drop)
	if keep == drop {
		return
	}
	k, d := &a.records[keep], &a.records[drop]
	k.members.Or(d.members)
	k.size += d.size
	d.members = nil
	d.size = 0
	d.absorbedInto = keep
}

// alive returns the ids of surviving clusters in ascending order.
func (a *clusterArena) alive() []int {
	var ids []int
	for id := range a.records {
		if a.records[id].absorbedInto == -1 {
			ids = append(ids, id)
		}
	}
	return ids
}
