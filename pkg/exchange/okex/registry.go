package okex

import (
	"sync"
)

// ChannelRegistry holds what a session re-applies after every successful login:
// the channel specs of a data session, or the single trade request of a trade session.
// It is safe for concurrent use; the session always reads the current snapshot.
type ChannelRegistry struct {
	mu    sync.Mutex
	specs []ChannelSpec
	index map[string]int

	trade    TradeRequest
	hasTrade bool
}

func NewChannelRegistry(specs ...ChannelSpec) *ChannelRegistry {
	r := &ChannelRegistry{
		index: make(map[string]int),
	}
	r.Add(specs...)
	return r
}

// NewTradeRegistry creates a registry carrying one trade request.
// Order placements without a client order id get a stable one here, once.
func NewTradeRegistry(req TradeRequest) (*ChannelRegistry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := NewChannelRegistry()
	r.trade = req.withClientOrderIDs()
	r.hasTrade = true
	return r, nil
}

// Add appends the specs that are not registered yet and returns them.
func (r *ChannelRegistry) Add(specs ...ChannelSpec) (added []ChannelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if len(spec) == 0 {
			continue
		}

		key := spec.Key()
		if _, exists := r.index[key]; exists {
			continue
		}

		c := spec.Clone()
		r.index[key] = len(r.specs)
		r.specs = append(r.specs, c)
		added = append(added, c.Clone())
	}

	return added
}

// Remove deletes the given specs and returns the ones that were registered.
func (r *ChannelRegistry) Remove(specs ...ChannelSpec) (removed []ChannelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := make(map[string]struct{})
	for _, spec := range specs {
		key := spec.Key()
		if _, exists := r.index[key]; exists {
			drop[key] = struct{}{}
		}
	}

	if len(drop) == 0 {
		return nil
	}

	kept := r.specs[:0:0]
	for _, spec := range r.specs {
		if _, ok := drop[spec.Key()]; ok {
			removed = append(removed, spec.Clone())
			continue
		}
		kept = append(kept, spec)
	}

	r.specs = kept
	r.index = make(map[string]int, len(kept))
	for i, spec := range kept {
		r.index[spec.Key()] = i
	}

	return removed
}

// Snapshot returns a deep copy of the registered specs in insertion order.
func (r *ChannelRegistry) Snapshot() []ChannelSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.Clone())
	}

	return out
}

func (r *ChannelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *ChannelRegistry) SetTradeRequest(req TradeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.trade = req.withClientOrderIDs()
	r.hasTrade = true
	r.mu.Unlock()
	return nil
}

func (r *ChannelRegistry) TradeRequest() (TradeRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasTrade {
		return TradeRequest{}, false
	}

	return r.trade.Clone(), true
}
