// Package memory provides an in-memory automation.Store (for testing/dev).
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	nodes      []network.Node
	promotions []network.Promotion

	events      map[string]automation.EventRecord
	eventOrder  []string
	lineItems   map[string]commission.LineItem
	itemOrder   []string
	obligations map[string]payment.Obligation // By line item ID
	unresolved  map[string]commission.Unresolved
	unresOrder  []string
	runs        map[string]automation.Run
}

func NewMemory() *Memory {
	return &Memory{state: state{
		events:      make(map[string]automation.EventRecord),
		lineItems:   make(map[string]commission.LineItem),
		obligations: make(map[string]payment.Obligation),
		unresolved:  make(map[string]commission.Unresolved),
		runs:        make(map[string]automation.Run),
	}}
}

// SetNetwork replaces the distributor tree and promotion history.
func (m *Memory) SetNetwork(nodes []network.Node, promotions []network.Promotion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append([]network.Node(nil), nodes...)
	m.promotions = append([]network.Promotion(nil), promotions...)
}

// IngestEvent stores ev as pending. Keys are unique.
func (m *Memory) IngestEvent(_ context.Context, ev commission.Event, at time.Time) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ev.Key()
	if rec, ok := m.events[key]; ok {
		if !rec.Pending() || !commission.Supersedes(ev, rec.Event) {
			return &generic.DuplicateEventError{EventKey: key}
		}
		rec.Event = ev
		rec.Attempts = 0
		rec.LastError = ""
		m.events[key] = rec
		return nil
	}
	m.events[key] = automation.EventRecord{Key: key, Kind: ev.Kind(), Event: ev, IngestedAt: at}
	m.eventOrder = append(m.eventOrder, key)
	return nil
}

func (m *Memory) Event(key string) (automation.EventRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.events[key]
	return rec, ok
}

func (m *Memory) ListPendingEvents(_ context.Context, limit int) ([]automation.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []automation.EventRecord
	for _, key := range m.eventOrder {
		if rec := m.events[key]; rec.Pending() {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempts < out[j].Attempts })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Promotions returns the rank history in recording order.
func (m *Memory) Promotions() []network.Promotion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]network.Promotion(nil), m.promotions...)
}

// Distributor returns the node as currently stored.
func (m *Memory) Distributor(id network.NodeID) (network.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return network.Node{}, false
}

func (m *Memory) LoadNetwork(context.Context) ([]network.Node, []network.Promotion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]network.Node(nil), m.nodes...), append([]network.Promotion(nil), m.promotions...), nil
}

func (m *Memory) RecordEventFailure(_ context.Context, key string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[key]
	if !ok {
		return generic.ErrNotFound
	}
	rec.Attempts++
	rec.LastError = cause.Error()
	m.events[key] = rec
	return nil
}

func (m *Memory) SaveRun(_ context.Context, run automation.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// Runs returns run records, newest first.
func (m *Memory) Runs() []automation.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]automation.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Memory) LineItems() []commission.LineItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]commission.LineItem, 0, len(m.itemOrder))
	for _, id := range m.itemOrder {
		out = append(out, m.lineItems[id])
	}
	return out
}

// Obligations returns obligations in line item insertion order.
func (m *Memory) Obligations() []payment.Obligation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payment.Obligation
	for _, id := range m.itemOrder {
		if ob, ok := m.obligations[id]; ok {
			out = append(out, ob)
		}
	}
	return out
}

func (m *Memory) Unresolved() []commission.Unresolved {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]commission.Unresolved, 0, len(m.unresOrder))
	for _, id := range m.unresOrder {
		out = append(out, m.unresolved[id])
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and a
// rollback on error. Transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(automation.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.state = saved
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = saved
		return err
	}
	return nil
}

func (m *Memory) snapshot() state {
	return state{
		nodes:       slices.Clone(m.nodes),
		promotions:  slices.Clone(m.promotions),
		events:      maps.Clone(m.events),
		eventOrder:  append([]string(nil), m.eventOrder...),
		lineItems:   maps.Clone(m.lineItems),
		itemOrder:   append([]string(nil), m.itemOrder...),
		obligations: maps.Clone(m.obligations),
		unresolved:  maps.Clone(m.unresolved),
		unresOrder:  append([]string(nil), m.unresOrder...),
		runs:        maps.Clone(m.runs),
	}
}

// txView operates on the parent's state; the parent lock is already held.
type txView struct {
	parent *Memory
}

func (tv *txView) ClaimEvent(_ context.Context, key string, at time.Time) error {
	rec, ok := tv.parent.events[key]
	if !ok {
		return generic.ErrNotFound
	}
	if !rec.Pending() {
		return &generic.DuplicateEventError{EventKey: key}
	}
	rec.ProcessedAt = &at
	rec.Attempts++
	rec.LastError = ""
	tv.parent.events[key] = rec
	return nil
}

func (tv *txView) AppendLineItems(_ context.Context, items []commission.LineItem) (int, error) {
	created := 0
	for _, li := range items {
		if _, ok := tv.parent.lineItems[li.ID]; ok {
			continue
		}
		tv.parent.lineItems[li.ID] = li
		tv.parent.itemOrder = append(tv.parent.itemOrder, li.ID)
		created++
	}
	return created, nil
}

func (tv *txView) SaveObligations(_ context.Context, obligations []payment.Obligation) error {
	for _, ob := range obligations {
		if _, ok := tv.parent.obligations[ob.LineItemID]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
		tv.parent.obligations[ob.LineItemID] = ob
	}
	return nil
}

func (tv *txView) EnqueueUnresolved(_ context.Context, entries []commission.Unresolved) (int, error) {
	created := 0
	for _, u := range entries {
		if _, ok := tv.parent.unresolved[u.ID]; ok {
			continue
		}
		tv.parent.unresolved[u.ID] = u
		tv.parent.unresOrder = append(tv.parent.unresOrder, u.ID)
		created++
	}
	return created, nil
}

func (tv *txView) RecordPromotions(_ context.Context, promotions []network.Promotion) (int, error) {
	created := 0
	for _, p := range promotions {
		recorded := slices.ContainsFunc(tv.parent.promotions, func(o network.Promotion) bool {
			return o.DistributorID == p.DistributorID && o.NewRank == p.NewRank && o.EffectiveDate.Equal(p.EffectiveDate)
		})
		if !recorded {
			tv.parent.promotions = append(tv.parent.promotions, p)
			created++
		}
		newest := true
		for _, other := range tv.parent.promotions {
			if other.DistributorID == p.DistributorID && other.EffectiveDate.After(p.EffectiveDate) {
				newest = false
			}
		}
		if !newest {
			continue
		}
		for i := range tv.parent.nodes {
			if tv.parent.nodes[i].ID == p.DistributorID {
				tv.parent.nodes[i].Rank = p.NewRank
			}
		}
	}
	return created, nil
}

func (tv *txView) ObligationByLineItem(_ context.Context, lineItemID string) (*payment.Obligation, error) {
	ob, ok := tv.parent.obligations[lineItemID]
	if !ok {
		return nil, nil
	}
	return &ob, nil
}

// =============================================================================
// OPERATOR HOOKS
// =============================================================================

// ReopenEvent clears the processed mark so the event is recomputed on the
// next run. Existing line items and obligations are kept.
func (m *Memory) ReopenEvent(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.events[key]; ok {
		rec.ProcessedAt = nil
		m.events[key] = rec
	}
}
