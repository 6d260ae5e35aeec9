// Package router holds the relay's authoritative group state: membership,
// broadcast slots, consumable queues and pending-consumer counters.
//
// The router never touches sockets. Delivery goes through the Sink interface
// implemented by the relay's per-connection writer, so the package can be
// exercised in tests with plain in-memory sinks.
package router

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
)

// Sink receives payloads destined for one endpoint. Deliver must not block;
// the relay's implementation enqueues onto the connection's outbound queue.
type Sink interface {
	Deliver(payload []byte)
}

// GroupLimits bounds one accepted group. Zero values mean unbounded.
type GroupLimits struct {
	MaxCount       int
	MaxConsumables int
}

// Policy decides which groups the relay accepts. In open mode any group name
// is admitted and groups are created lazily. In restricted mode only the
// listed groups exist; anything else is rejected at handshake and at send
// time.
type Policy struct {
	Open   bool
	Groups map[string]GroupLimits
}

// OpenPolicy accepts any group name with no limits.
func OpenPolicy() Policy {
	return Policy{Open: true}
}

// limits returns the limits for a group name, and whether the policy allows it.
func (p Policy) limits(name string) (GroupLimits, bool) {
	if p.Open {
		return GroupLimits{}, true
	}
	l, ok := p.Groups[name]
	return l, ok
}

type group struct {
	limits GroupLimits

	members   []uint64 // join order; drives dispatch fairness
	memberSet map[uint64]struct{}

	slot    []byte // most recent broadcast
	slotSet bool

	consumables *list.List // of []byte, FIFO
	pending     map[uint64]int
}

func newGroup(limits GroupLimits) *group {
	return &group{
		limits:      limits,
		memberSet:   make(map[uint64]struct{}),
		consumables: list.New(),
		pending:     make(map[uint64]int),
	}
}

// Router is the single authority for group state. All operations are
// serialized by one mutex, mirroring the single-loop ownership of the
// original design.
type Router struct {
	mu      sync.Mutex
	policy  Policy
	nextID  uint64
	clients map[uint64]Sink
	groups  map[string]*group
	log     *slog.Logger
}

// New creates a router with the given admission policy. logger may be nil.
func New(policy Policy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		policy:  policy,
		clients: make(map[uint64]Sink),
		groups:  make(map[string]*group),
		log:     logger,
	}
	for name, limits := range policy.Groups {
		r.groups[name] = newGroup(limits)
	}
	return r
}

// Admit registers a new endpoint declaring membership in groups. On success
// it returns a fresh identifier, never reused for the router's lifetime, and
// immediately delivers each joined group's current broadcast slot to sink.
func (r *Router) Admit(groups []string, sink Sink) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range groups {
		limits, ok := r.policy.limits(name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrGroupNotAccepted, name)
		}
		if g, exists := r.groups[name]; exists && limits.MaxCount > 0 && len(g.members) >= limits.MaxCount {
			return 0, fmt.Errorf("%w: %q already has %d members", ErrGroupFull, name, len(g.members))
		}
	}

	r.nextID++
	id := r.nextID
	r.clients[id] = sink
	for _, name := range groups {
		g := r.ensureGroup(name)
		if _, already := g.memberSet[id]; already {
			continue
		}
		g.members = append(g.members, id)
		g.memberSet[id] = struct{}{}
		g.pending[id] = 0
		if g.slotSet {
			sink.Deliver(g.slot)
		}
	}
	r.log.Info("endpoint admitted", "id", id, "groups", groups)
	return id, nil
}

// Drop removes an endpoint from every group and from the live-client map.
// It is idempotent; dropping an unknown identifier is a no-op.
func (r *Router) Drop(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	for name, g := range r.groups {
		if _, member := g.memberSet[id]; !member {
			continue
		}
		delete(g.memberSet, id)
		delete(g.pending, id)
		for i, m := range g.members {
			if m == id {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		r.log.Debug("endpoint removed from group", "id", id, "group", name)
	}
	delete(r.clients, id)
	r.log.Info("endpoint dropped", "id", id)
}

// Send routes a payload according to destination: for each group, a negative
// count broadcasts (overwriting the group's slot and fanning out to every
// current member), a positive count n appends n consumables then dispatches,
// and zero is a no-op. Unknown groups are created lazily in open mode and
// skipped with a log line in restricted mode.
func (r *Router) Send(id uint64, destination map[string]int, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, n := range destination {
		if n == 0 {
			continue
		}
		if _, ok := r.policy.limits(name); !ok {
			r.log.Warn("send to unaccepted group skipped", "id", id, "group", name)
			continue
		}
		g := r.ensureGroup(name)
		if n < 0 {
			g.slot = payload
			g.slotSet = true
			for _, member := range g.members {
				if sink, ok := r.clients[member]; ok {
					sink.Deliver(payload)
				}
			}
			continue
		}
		for i := 0; i < n; i++ {
			g.consumables.PushBack(payload)
		}
		if max := g.limits.MaxConsumables; max > 0 {
			for g.consumables.Len() > max {
				g.consumables.Remove(g.consumables.Front()) // oldest dropped
			}
		}
		r.dispatch(g)
	}
}

// Notify records consumer readiness: for each group the endpoint belongs to,
// a positive count adds to its pending-consumer counter and dispatches, a
// negative count drains the whole queue straight to the endpoint, and zero is
// a no-op. Groups the endpoint is not a member of are ignored.
func (r *Router) Notify(id uint64, groups map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ok := r.clients[id]
	if !ok {
		return
	}
	for name, n := range groups {
		g, exists := r.groups[name]
		if !exists {
			continue
		}
		if _, member := g.memberSet[id]; !member {
			r.log.Warn("notify for non-member group ignored", "id", id, "group", name)
			continue
		}
		switch {
		case n > 0:
			g.pending[id] += n
			r.dispatch(g)
		case n < 0:
			for g.consumables.Len() > 0 {
				front := g.consumables.Remove(g.consumables.Front()).([]byte)
				sink.Deliver(front)
			}
		}
	}
}

// dispatch drains the consumable queue into waiting members, decrementing
// their pending counters. The first member in join order with a positive
// counter receives the head of the queue; the scan restarts after every
// delivery. Runs to exhaustion: afterwards the queue is empty or no member
// has a positive counter. Caller holds r.mu.
func (r *Router) dispatch(g *group) {
	for g.consumables.Len() > 0 {
		delivered := false
		for _, member := range g.members {
			if g.pending[member] <= 0 {
				continue
			}
			payload := g.consumables.Remove(g.consumables.Front()).([]byte)
			g.pending[member]--
			if sink, ok := r.clients[member]; ok {
				sink.Deliver(payload)
			}
			delivered = true
			break
		}
		if !delivered {
			return
		}
	}
}

// ensureGroup returns the named group, creating it if absent. Caller holds
// r.mu and has already cleared the name against policy.
func (r *Router) ensureGroup(name string) *group {
	g, ok := r.groups[name]
	if !ok {
		limits, _ := r.policy.limits(name)
		g = newGroup(limits)
		r.groups[name] = g
	}
	return g
}
