package router

// Snapshot is a read-only view of one group's state, used by the relay's
// status report and by tests.
type Snapshot struct {
	Members      []uint64
	Pending      map[uint64]int
	QueueLen     int
	HasBroadcast bool
}

// GroupSnapshot returns the current state of the named group, or ok=false if
// the group does not exist yet.
func (r *Router) GroupSnapshot(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		return Snapshot{}, false
	}
	s := Snapshot{
		Members:      append([]uint64(nil), g.members...),
		Pending:      make(map[uint64]int, len(g.pending)),
		QueueLen:     g.consumables.Len(),
		HasBroadcast: g.slotSet,
	}
	for id, n := range g.pending {
		s.Pending[id] = n
	}
	return s, true
}

// Clients returns the number of live endpoints.
func (r *Router) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Groups returns the names of all existing groups.
func (r *Router) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	return names
}
