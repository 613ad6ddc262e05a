package channel

import "sync"

// Registry is the process-wide set of channel indices described in
// spec.md §3/§4.1/§9: four mutable sets (all, active, listening, finished)
// threaded explicitly through constructors rather than kept as package
// globals, per the "Global registry" design note in spec.md §9.
type Registry struct {
	mu        sync.Mutex
	nextID    uint64
	all       map[uint64]*Channel
	active    map[uint64]*Channel
	listening map[uint64]*Channel
	finished  map[uint64]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		all:       make(map[uint64]*Channel),
		active:    make(map[uint64]*Channel),
		listening: make(map[uint64]*Channel),
		finished:  make(map[uint64]*Channel),
	}
}

// allocID returns the next process-unique channel id.
func (r *Registry) allocID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Register is idempotent: it inserts ch into `all` and into either
// `finished` (terminal state) or `active` (otherwise), additionally into
// `listening` iff ch is LISTENING (spec.md §4.1).
func (r *Registry) Register(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(ch)
}

func (r *Registry) registerLocked(ch *Channel) {
	if _, ok := r.all[ch.id]; ok {
		r.syncBucketsLocked(ch)
		return
	}
	r.all[ch.id] = ch
	ch.registered = true
	r.syncBucketsLocked(ch)
}

// syncBucketsLocked places ch into exactly the buckets matching its current
// state, assuming it is present in `all`. Called after every transition of a
// registered channel to preserve invariant 1 of spec.md §8.
func (r *Registry) syncBucketsLocked(ch *Channel) {
	if _, ok := r.all[ch.id]; !ok {
		return
	}
	if ch.state.IsTerminal() {
		r.finished[ch.id] = ch
		delete(r.active, ch.id)
	} else {
		r.active[ch.id] = ch
		delete(r.finished, ch.id)
	}
	if ch.state == StateListening {
		r.listening[ch.id] = ch
	} else {
		delete(r.listening, ch.id)
	}
}

// Unregister removes ch from every set and clears ch.registered; if that
// leaves ch eligible to free (refcount zero, terminal state), it frees it
// (spec.md §4.1).
func (r *Registry) Unregister(ch *Channel) {
	r.mu.Lock()
	delete(r.all, ch.id)
	delete(r.active, ch.id)
	delete(r.listening, ch.id)
	delete(r.finished, ch.id)
	r.mu.Unlock()

	if ch.unregister() {
		ch.doFree()
	}
}

// noteStateChange re-syncs ch's bucket membership after a transition. No-op
// for an unregistered channel.
func (r *Registry) noteStateChange(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.all[ch.id]; ok {
		r.syncBucketsLocked(ch)
	}
}

// Lookup returns the channel with the given id, if registered.
func (r *Registry) Lookup(id uint64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.all[id]
	return ch, ok
}

// Snapshot returns copies of the four id sets, for introspection (e.g. the
// status server) without exposing live channel pointers or the registry
// lock to callers.
type Snapshot struct {
	All       []uint64
	Active    []uint64
	Listening []uint64
	Finished  []uint64
}

// Snapshot takes a point-in-time copy of registry membership.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{}
	for id := range r.all {
		s.All = append(s.All, id)
	}
	for id := range r.active {
		s.Active = append(s.Active, id)
	}
	for id := range r.listening {
		s.Listening = append(s.Listening, id)
	}
	for id := range r.finished {
		s.Finished = append(s.Finished, id)
	}
	return s
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}
