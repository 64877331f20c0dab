package network

import (
	"iter"
	"sort"
	"sync"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SNAPSHOT - Immutable arena of nodes indexed by ID
// =============================================================================

// Snapshot is the consistent view of the network for one automation run.
//
// Nodes reference their sponsor by ID, never by pointer. A sponsor ID that is
// absent from the snapshot turns the node into a standalone root. The only
// structural failure is a cycle, reported as *generic.IntegrityError.
//
// Snapshot is safe for concurrent use. Derived values (direct counts, roots)
// are memoized for the lifetime of the snapshot.
type Snapshot struct {
	nodes      map[NodeID]Node
	children   map[NodeID][]NodeID
	promotions map[NodeID][]Promotion

	mu           sync.Mutex
	directCounts map[NodeID]int
	roots        map[NodeID]NodeID
}

// NewSnapshot indexes nodes and their promotion history. Promotions of
// unknown distributors are ignored.
func NewSnapshot(nodes []Node, promotions []Promotion) (*Snapshot, error) {
	s := &Snapshot{
		nodes:        make(map[NodeID]Node, len(nodes)),
		children:     make(map[NodeID][]NodeID),
		promotions:   make(map[NodeID][]Promotion),
		directCounts: make(map[NodeID]int),
		roots:        make(map[NodeID]NodeID),
	}

	for _, n := range nodes {
		if _, dup := s.nodes[n.ID]; dup {
			return nil, &generic.IntegrityError{NodeID: string(n.ID), Reason: "duplicate node"}
		}
		s.nodes[n.ID] = n
	}

	for _, n := range nodes {
		if n.SponsorID == "" {
			continue
		}
		if _, ok := s.nodes[n.SponsorID]; ok {
			s.children[n.SponsorID] = append(s.children[n.SponsorID], n.ID)
		}
	}
	for id := range s.children {
		sort.Slice(s.children[id], func(i, j int) bool { return s.children[id][i] < s.children[id][j] })
	}

	for _, p := range promotions {
		if _, ok := s.nodes[p.DistributorID]; ok {
			s.promotions[p.DistributorID] = append(s.promotions[p.DistributorID], p)
		}
	}
	for id := range s.promotions {
		history := s.promotions[id]
		sort.SliceStable(history, func(i, j int) bool {
			return history[i].EffectiveDate.Before(history[j].EffectiveDate)
		})
	}

	return s, nil
}

func (s *Snapshot) Len() int { return len(s.nodes) }

func (s *Snapshot) Node(id NodeID) (Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes ordered by ID.
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns the direct recruits of id, ordered by ID.
func (s *Snapshot) Children(id NodeID) []Node {
	ids := s.children[id]
	out := make([]Node, len(ids))
	for i, cid := range ids {
		out[i] = s.nodes[cid]
	}
	return out
}

// =============================================================================
// UPLINE
// =============================================================================

// GetAncestors returns the sponsor chain of id, sponsor first, root last.
// ancestors[g-1] is the ancestor at generation g.
func (s *Snapshot) GetAncestors(id NodeID) ([]Node, error) {
	cur, ok := s.nodes[id]
	if !ok {
		return nil, unknownNode(id)
	}

	visited := map[NodeID]bool{id: true}
	path := []string{string(id)}
	var ancestors []Node

	for {
		parent, ok := s.sponsorOf(cur)
		if !ok {
			return ancestors, nil
		}
		path = append(path, string(parent.ID))
		if visited[parent.ID] {
			return nil, &generic.IntegrityError{NodeID: string(id), Path: path, Reason: "cycle"}
		}
		visited[parent.ID] = true
		ancestors = append(ancestors, parent)
		cur = parent
	}
}

// AncestorAt returns the ancestor exactly gen hops above id.
func (s *Snapshot) AncestorAt(id NodeID, gen int) (Node, bool, error) {
	ancestors, err := s.GetAncestors(id)
	if err != nil {
		return Node{}, false, err
	}
	if gen < 1 || gen > len(ancestors) {
		return Node{}, false, nil
	}
	return ancestors[gen-1], true, nil
}

// Root returns the topmost ancestor of id (id itself for roots).
func (s *Snapshot) Root(id NodeID) (NodeID, error) {
	s.mu.Lock()
	if root, ok := s.roots[id]; ok {
		s.mu.Unlock()
		return root, nil
	}
	s.mu.Unlock()

	ancestors, err := s.GetAncestors(id)
	if err != nil {
		return "", err
	}
	root := id
	if len(ancestors) > 0 {
		root = ancestors[len(ancestors)-1].ID
	}

	s.mu.Lock()
	s.roots[id] = root
	s.mu.Unlock()
	return root, nil
}

// Generation returns the number of hops from descendant up to ancestor.
// ok is false when ancestor is not in descendant's upline.
func (s *Snapshot) Generation(descendant, ancestor NodeID) (int, bool, error) {
	ancestors, err := s.GetAncestors(descendant)
	if err != nil {
		return 0, false, err
	}
	for i, a := range ancestors {
		if a.ID == ancestor {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

func (s *Snapshot) sponsorOf(n Node) (Node, bool) {
	if n.SponsorID == "" {
		return Node{}, false
	}
	parent, ok := s.nodes[n.SponsorID]
	return parent, ok
}

// =============================================================================
// DOWNLINE
// =============================================================================

// GetDescendants lazily walks the subtree below id depth-first, yielding each
// descendant with its generation offset. maxDepth <= 0 means unbounded.
// A cycle is yielded once as an *generic.IntegrityError and ends the walk.
func (s *Snapshot) GetDescendants(id NodeID, maxDepth int) iter.Seq2[Descendant, error] {
	return func(yield func(Descendant, error) bool) {
		if _, ok := s.nodes[id]; !ok {
			yield(Descendant{}, unknownNode(id))
			return
		}

		visited := map[NodeID]bool{id: true}
		var walk func(parent NodeID, gen int) bool
		walk = func(parent NodeID, gen int) bool {
			if maxDepth > 0 && gen > maxDepth {
				return true
			}
			for _, childID := range s.children[parent] {
				if visited[childID] {
					yield(Descendant{}, &generic.IntegrityError{
						NodeID: string(id),
						Path:   []string{string(parent), string(childID)},
						Reason: "cycle",
					})
					return false
				}
				visited[childID] = true
				if !yield(Descendant{Node: s.nodes[childID], Generation: gen}, nil) {
					return false
				}
				if !walk(childID, gen+1) {
					return false
				}
			}
			return true
		}
		walk(id, 1)
	}
}

// CumulativeDirectCount sums the direct recruits of id and of every node in
// its subtree. Results are memoized per snapshot, so overlapping subtrees are
// walked once per run.
func (s *Snapshot) CumulativeDirectCount(id NodeID) (int, error) {
	if _, ok := s.nodes[id]; !ok {
		return 0, unknownNode(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directCountLocked(id, make(map[NodeID]bool))
}

func (s *Snapshot) directCountLocked(id NodeID, inProgress map[NodeID]bool) (int, error) {
	if count, ok := s.directCounts[id]; ok {
		return count, nil
	}
	if inProgress[id] {
		return 0, &generic.IntegrityError{NodeID: string(id), Reason: "cycle"}
	}
	inProgress[id] = true

	total := len(s.children[id])
	for _, childID := range s.children[id] {
		count, err := s.directCountLocked(childID, inProgress)
		if err != nil {
			return 0, err
		}
		total += count
	}

	s.directCounts[id] = total
	return total, nil
}

// =============================================================================
// RANK HISTORY
// =============================================================================

// RankAt returns the rank id held on date according to its promotion history.
// Without history the current rank is assumed held since the join date.
// With history, dates before the first recorded promotion are Conseiller:
// the history must start with the rank held at joining when that was higher
// (the runner records it when it appends the first promotion).
// Before the join date the result is RankUnknown.
func (s *Snapshot) RankAt(id NodeID, date generic.TimePoint) Rank {
	n, ok := s.nodes[id]
	if !ok {
		return RankUnknown
	}
	if !n.JoinDate.IsZero() && date.Before(n.JoinDate) {
		return RankUnknown
	}

	history := s.promotions[id]
	if len(history) == 0 {
		return n.Rank
	}

	rank := RankConseiller
	for _, p := range history {
		if p.EffectiveDate.After(date) {
			break
		}
		rank = p.NewRank
	}
	return rank
}

// FirstAttained returns the first date id held min or higher.
func (s *Snapshot) FirstAttained(id NodeID, min Rank) (generic.TimePoint, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return generic.TimePoint{}, false
	}
	if min <= RankConseiller {
		return n.JoinDate, true
	}

	history := s.promotions[id]
	if len(history) == 0 {
		if n.Rank.AtLeast(min) && !n.JoinDate.IsZero() {
			return n.JoinDate, true
		}
		return generic.TimePoint{}, false
	}

	for _, p := range history {
		if p.NewRank.AtLeast(min) {
			return p.EffectiveDate, true
		}
	}
	return generic.TimePoint{}, false
}

// Promotions returns the rank history of id, oldest first.
func (s *Snapshot) Promotions(id NodeID) []Promotion {
	return append([]Promotion(nil), s.promotions[id]...)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate walks every upline and reports the first cycle found.
func (s *Snapshot) Validate() error {
	for _, n := range s.Nodes() {
		if _, err := s.GetAncestors(n.ID); err != nil {
			return err
		}
	}
	return nil
}

func unknownNode(id NodeID) error {
	return &generic.IntegrityError{NodeID: string(id), Reason: "unknown node"}
}
