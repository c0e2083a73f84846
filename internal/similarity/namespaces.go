package similarity

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader fills idx with every persisted entry of namespace ns.
type Loader[M any] func(ctx context.Context, ns string, idx *Index[M]) error

// Namespaces is a registry of lazily loaded indexes, one per namespace.
// Concurrent Load calls for the same namespace share one in-flight load.
type Namespaces[M any] struct {
	load Loader[M]

	mu      sync.RWMutex
	indexes map[string]*Index[M]
	gen     map[string]uint64
	// pending collects Adds that arrive while a load of the namespace runs.
	pending map[string][]entry[M]

	group singleflight.Group
}

func NewNamespaces[M any](load Loader[M]) *Namespaces[M] {
	return &Namespaces[M]{
		load:    load,
		indexes: make(map[string]*Index[M]),
		gen:     make(map[string]uint64),
		pending: make(map[string][]entry[M]),
	}
}

type entry[M any] struct {
	vec  []float32
	meta M
	id   string
}

// Load returns the index for ns, building it on first use or after
// Invalidate. A failed load leaves the namespace unloaded.
func (n *Namespaces[M]) Load(ctx context.Context, ns string) (*Index[M], error) {
	if idx := n.get(ns); idx != nil {
		return idx, nil
	}

	v, err, _ := n.group.Do(ns, func() (any, error) {
		if idx := n.get(ns); idx != nil {
			return idx, nil
		}
		n.mu.Lock()
		gen := n.gen[ns]
		n.pending[ns] = []entry[M]{}
		n.mu.Unlock()

		idx := NewIndex[M]()
		err := n.load(ctx, ns, idx)

		n.mu.Lock()
		defer n.mu.Unlock()
		added := n.pending[ns]
		delete(n.pending, ns)
		if err != nil {
			return nil, err
		}
		// Entries stored during the load may or may not be in the snapshot.
		for _, e := range added {
			if !idx.Has(e.id) {
				idx.Add(e.vec, e.meta, e.id)
			}
		}
		// An Invalidate during the load makes this snapshot stale.
		if n.gen[ns] == gen {
			n.indexes[ns] = idx
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index[M]), nil
}

func (n *Namespaces[M]) get(ns string) *Index[M] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.indexes[ns]
}

// Loaded reports whether ns currently has a built index.
func (n *Namespaces[M]) Loaded(ns string) bool {
	return n.get(ns) != nil
}

// Invalidate drops the index for ns so the next Load rebuilds it.
func (n *Namespaces[M]) Invalidate(ns string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.indexes, ns)
	n.gen[ns]++
}

// Add appends to the index for ns if it is loaded, or queues the entry for
// a load in flight. Otherwise the entry is picked up from persistence by the
// next Load.
func (n *Namespaces[M]) Add(ns string, vec []float32, meta M, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if idx := n.indexes[ns]; idx != nil {
		idx.Add(vec, meta, id)
		return
	}
	if q, ok := n.pending[ns]; ok {
		n.pending[ns] = append(q, entry[M]{vec: vec, meta: meta, id: id})
	}
}
