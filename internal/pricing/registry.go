package pricing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"dca-vault-engine/internal/domain"
	"dca-vault-engine/internal/storage"
)

// Registry maps pair keys to pairs and finds swap paths between denoms.
// Readers load an immutable snapshot; writers publish a new one.
type Registry struct {
	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[registrySnapshot]
}

type registrySnapshot struct {
	version   int64
	pairs     map[string]domain.Pair
	neighbors map[string][]string // sorted
}

// NewRegistry creates a registry seeded with pairs.
func NewRegistry(pairs ...domain.Pair) (*Registry, error) {
	r := &Registry{}
	r.snapshot.Store(&registrySnapshot{
		pairs:     make(map[string]domain.Pair),
		neighbors: make(map[string][]string),
	})
	if len(pairs) > 0 {
		if err := r.Add(pairs...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers pairs. The registry is append-only: adding a key that is
// already present fails unless the pair is identical.
func (r *Registry) Add(pairs ...domain.Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	next := &registrySnapshot{
		version:   cur.version + 1,
		pairs:     make(map[string]domain.Pair, len(cur.pairs)+len(pairs)),
		neighbors: make(map[string][]string, len(cur.neighbors)),
	}
	for k, p := range cur.pairs {
		next.pairs[k] = p
	}

	for _, p := range pairs {
		if err := p.Validate(); err != nil {
			return err
		}
		if existing, ok := next.pairs[p.Key()]; ok {
			if existing != p {
				return fmt.Errorf("pair %s already registered with venue %s: %w",
					p.Key(), existing.Venue.Address, domain.ErrConfiguration)
			}
			continue
		}
		next.pairs[p.Key()] = p
	}

	for _, p := range next.pairs {
		next.neighbors[p.BaseDenom] = append(next.neighbors[p.BaseDenom], p.QuoteDenom)
		next.neighbors[p.QuoteDenom] = append(next.neighbors[p.QuoteDenom], p.BaseDenom)
	}
	for d := range next.neighbors {
		sort.Strings(next.neighbors[d])
	}

	r.snapshot.Store(next)
	return nil
}

// Version returns the number of published snapshots.
func (r *Registry) Version() int64 {
	return r.snapshot.Load().version
}

// Get returns the pair trading a against b.
func (r *Registry) Get(a, b string) (domain.Pair, error) {
	key := domain.PairKey(a, b)
	p, ok := r.snapshot.Load().pairs[key]
	if !ok {
		return domain.Pair{}, fmt.Errorf("pair %s: %w", key, storage.ErrNotFound)
	}
	return p, nil
}

// Pairs returns all registered pairs ordered by key.
func (r *Registry) Pairs() []domain.Pair {
	snap := r.snapshot.Load()
	result := make([]domain.Pair, 0, len(snap.pairs))
	for _, p := range snap.pairs {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

// Path returns the shortest sequence of pairs swapping from into to.
// Ties resolve by sorted neighbor order so the path is deterministic.
func (r *Registry) Path(from, to string) ([]domain.Pair, error) {
	if from == to {
		return nil, fmt.Errorf("cannot route %s to itself: %w", from, domain.ErrConfiguration)
	}
	snap := r.snapshot.Load()

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		denom := queue[0]
		queue = queue[1:]
		if denom == to {
			break
		}
		for _, n := range snap.neighbors[denom] {
			if _, seen := prev[n]; seen {
				continue
			}
			prev[n] = denom
			queue = append(queue, n)
		}
	}

	if _, ok := prev[to]; !ok {
		return nil, fmt.Errorf("no path from %s to %s: %w", from, to, storage.ErrNotFound)
	}

	var hops []domain.Pair
	for d := to; d != from; d = prev[d] {
		hops = append(hops, snap.pairs[domain.PairKey(prev[d], d)])
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops, nil
}
