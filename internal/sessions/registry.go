// Package sessions tracks which areas each tenant is actively monitoring.
// The registry is the sole gate for fan-out and persistence: an owner with no
// joined area triggers no storage, no events and no control action.
package sessions

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry records, per owner, the set of areas currently monitored. All
// mutation happens under one lock; reads are served from snapshots.
type Registry struct {
	m      sync.Mutex
	logger *slog.Logger
	areas  map[uint]map[string]struct{}
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		areas:  make(map[uint]map[string]struct{}),
	}
}

// Join records that the owner is now monitoring the area.
func (r *Registry) Join(ownerID uint, area string) {
	if area == "" {
		return
	}

	r.m.Lock()
	set, ok := r.areas[ownerID]
	if !ok {
		set = make(map[string]struct{})
		r.areas[ownerID] = set
	}
	set[area] = struct{}{}
	r.m.Unlock()

	if r.logger != nil {
		r.logger.Debug("session joined", "owner_id", ownerID, "area", area)
	}
}

// Leave removes one area from the owner's session. An owner left with an
// empty area set is removed from the registry entirely, never kept
// present-with-zero.
func (r *Registry) Leave(ownerID uint, area string) {
	r.m.Lock()
	if set, ok := r.areas[ownerID]; ok {
		delete(set, area)
		if len(set) == 0 {
			delete(r.areas, ownerID)
		}
	}
	r.m.Unlock()

	if r.logger != nil {
		r.logger.Debug("session left", "owner_id", ownerID, "area", area)
	}
}

// LeaveAll clears the owner's whole session, typically on disconnect.
func (r *Registry) LeaveAll(ownerID uint) {
	r.m.Lock()
	delete(r.areas, ownerID)
	r.m.Unlock()

	if r.logger != nil {
		r.logger.Debug("session cleared", "owner_id", ownerID)
	}
}

// AreasFor returns a sorted snapshot of the areas the owner is monitoring.
func (r *Registry) AreasFor(ownerID uint) []string {
	r.m.Lock()
	set := r.areas[ownerID]
	areas := make([]string, 0, len(set))
	for area := range set {
		areas = append(areas, area)
	}
	r.m.Unlock()

	sort.Strings(areas)
	return areas
}

// IsActive reports whether the owner has at least one joined area.
func (r *Registry) IsActive(ownerID uint) bool {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.areas[ownerID]) > 0
}

// Pair is one (owner, area) monitoring scope.
type Pair struct {
	OwnerID uint
	Area    string
}

// ActivePairs returns a snapshot of every (owner, area) pair currently
// monitored, ordered by owner then area so iteration is deterministic.
func (r *Registry) ActivePairs() []Pair {
	r.m.Lock()
	pairs := make([]Pair, 0, len(r.areas))
	for ownerID, set := range r.areas {
		for area := range set {
			pairs = append(pairs, Pair{OwnerID: ownerID, Area: area})
		}
	}
	r.m.Unlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].OwnerID != pairs[j].OwnerID {
			return pairs[i].OwnerID < pairs[j].OwnerID
		}
		return pairs[i].Area < pairs[j].Area
	})
	return pairs
}
