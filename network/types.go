/*
Package network models the distributor sponsor tree.

PURPOSE:
  Read-only, per-run view of the distributor hierarchy: who sponsored whom,
  which rank each distributor holds and when they attained it. Every
  commission walks this tree, so it must be consistent for a whole run and
  cheap to query many times.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rank: Ordered position in the compensation plan (Conseiller < ... < SVP)
  - Node: One distributor, linked to its sponsor by ID
  - Promotion: Dated rank change, the source of historical rank questions

GENERATION:
  The generation of an ancestor relative to a node is the number of sponsor
  hops between them. The sponsor is generation 1. Inactive distributors are
  never removed and still count as hops.

SEE ALSO:
  - snapshot.go: Arena snapshot and traversals
*/
package network

import (
	"fmt"
	"strings"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// RANK - Ordered enum
// =============================================================================

type Rank int

const (
	// RankUnknown is the zero value. Rule entries use it as the "any rank" wildcard.
	RankUnknown Rank = iota
	RankConseiller
	RankETT
	RankETL
	RankManager
	RankRC
	RankRD
	RankRVP
	RankSVP
)

var rankNames = map[Rank]string{
	RankUnknown:    "*",
	RankConseiller: "Conseiller",
	RankETT:        "ETT",
	RankETL:        "ETL",
	RankManager:    "Manager",
	RankRC:         "RC",
	RankRD:         "RD",
	RankRVP:        "RVP",
	RankSVP:        "SVP",
}

// Ranks returns all concrete ranks, lowest first.
func Ranks() []Rank {
	return []Rank{RankConseiller, RankETT, RankETL, RankManager, RankRC, RankRD, RankRVP, RankSVP}
}

func (r Rank) String() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Rank(%d)", int(r))
}

// AtLeast reports whether r is the same as or above min.
func (r Rank) AtLeast(min Rank) bool { return r >= min }

func (r Rank) Valid() bool { return r >= RankConseiller && r <= RankSVP }

// ParseRank accepts rank names case-insensitively. "*" and "" parse to RankUnknown.
func ParseRank(s string) (Rank, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return RankUnknown, nil
	}
	for rank, name := range rankNames {
		if strings.EqualFold(name, s) {
			return rank, nil
		}
	}
	return RankUnknown, fmt.Errorf("unknown rank %q", s)
}

func (r Rank) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rank) UnmarshalText(text []byte) error {
	parsed, err := ParseRank(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// =============================================================================
// NODE
// =============================================================================

type NodeID string

type Node struct {
	ID        NodeID
	Name      string
	SponsorID NodeID // Empty for roots
	Rank      Rank
	JoinDate  generic.TimePoint
	Active    bool

	// MonthlyPoints is reset by the CRM each month.
	MonthlyPoints             int
	CumulativeQualifiedMonths int
}

func (n Node) IsRoot() bool { return n.SponsorID == "" }

// Descendant is one element of a subtree walk.
type Descendant struct {
	Node       Node
	Generation int // 1 for direct recruits
}

// =============================================================================
// PROMOTION - Rank history
// =============================================================================

type Promotion struct {
	DistributorID NodeID
	NewRank       Rank
	EffectiveDate generic.TimePoint
}
