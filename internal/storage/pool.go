package storage

import "strings"

// PoolSet resolves which configured Pool (if any) owns a given volume, by
// matching the volume's path against each pool's name as a path segment.
type PoolSet struct {
	pools []Pool
}

// NewPoolSet builds a PoolSet from configured pools.
func NewPoolSet(pools []Pool) *PoolSet {
	return &PoolSet{pools: append([]Pool(nil), pools...)}
}

// Resolve returns the pool owning vol, if any.
func (s *PoolSet) Resolve(vol Volume) (Pool, bool) {
	for _, p := range s.pools {
		if p.Family != vol.Family {
			continue
		}
		if strings.Contains(vol.Path, p.Name) {
			return p, true
		}
	}
	return Pool{}, false
}

// OverflowGB adapts PoolSet.Resolve to the LogicalVolumeDriver.OverflowGB
// callback shape.
func (s *PoolSet) OverflowGB(vol Volume) (int, bool) {
	p, ok := s.Resolve(vol)
	if !ok || p.LVMSnapshotOverflowGB <= 0 {
		return 0, false
	}
	return p.LVMSnapshotOverflowGB, true
}
