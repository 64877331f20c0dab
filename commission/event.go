/*
Package commission computes commission line items from qualifying events.

PURPOSE:
  Turns one immutable business fact (a sale, a recruit reaching the points
  threshold, a promotion) into the ordered list of payouts it triggers,
  given a network snapshot and a rule book. Computation is pure and
  deterministic: the same event, snapshot and rule version always yield the
  same line items, with the same IDs, in the same order.

KEY CONCEPTS IN THIS FILE (event.go):
  - Event: Closed union of qualifying events (Sale, RecruitReachedThreshold,
    PositionChange). Only this package can add variants.
  - Natural key: Globally unique dedup key of an event
      sale:<saleID>
      cae:<recruitID>:<YYYY-MM>
      promotion:<distributorID>:<rank>:<YYYY-MM-DD>
  - Envelope: JSON {kind, payload} used to persist events

SEE ALSO:
  - calculator.go: Dispatch and per-type computation
  - lineitem.go: Output records
*/
package commission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
)

// =============================================================================
// EVENT UNION
// =============================================================================

type EventKind string

const (
	KindSale                    EventKind = "sale"
	KindRecruitReachedThreshold EventKind = "recruit_threshold"
	KindPositionChange          EventKind = "position_change"
)

// Event is a qualifying event. The unexported method closes the union.
type Event interface {
	Key() string
	Kind() EventKind
	Source() network.NodeID
	OccurredAt() generic.TimePoint
	Validate() error

	qualifyingEvent()
}

// Sale is a contract signed by a distributor.
type Sale struct {
	SaleID   string
	SellerID network.NodeID
	Product  rules.ProductID

	// BaseAmount overrides the catalog base amount when non-zero.
	BaseAmount       generic.Amount
	AcquisitionDate  generic.TimePoint
	InstallationDate generic.TimePoint // Zero until the box is installed
}

func (s Sale) Key() string                   { return "sale:" + s.SaleID }
func (s Sale) Kind() EventKind               { return KindSale }
func (s Sale) Source() network.NodeID        { return s.SellerID }
func (s Sale) OccurredAt() generic.TimePoint { return s.AcquisitionDate }
func (Sale) qualifyingEvent()                {}

func (s Sale) Validate() error {
	switch {
	case s.SaleID == "":
		return invalid("sale without id")
	case s.SellerID == "":
		return invalid("sale %s without seller", s.SaleID)
	case s.Product == "":
		return invalid("sale %s without product", s.SaleID)
	case s.AcquisitionDate.IsZero():
		return invalid("sale %s without acquisition date", s.SaleID)
	case s.BaseAmount.IsNegative():
		return invalid("sale %s has a negative base amount", s.SaleID)
	}
	return nil
}

// InstalledOrAcquired returns the installation date, or the acquisition date
// when the installation has not been recorded.
func (s Sale) InstalledOrAcquired() generic.TimePoint {
	if !s.InstallationDate.IsZero() {
		return s.InstallationDate
	}
	return s.AcquisitionDate
}

// RecruitReachedThreshold records that a recruit reached the CAE points
// threshold during Month. The key holds the month, so the bonus can fire at
// most once per recruit per month however often points are re-reported.
type RecruitReachedThreshold struct {
	RecruitID network.NodeID
	Month     generic.TimePoint // Any day of the qualifying month
	Points    int
	ReachedAt generic.TimePoint
}

func (r RecruitReachedThreshold) Key() string {
	return "cae:" + string(r.RecruitID) + ":" + r.Month.MonthKey()
}
func (r RecruitReachedThreshold) Kind() EventKind        { return KindRecruitReachedThreshold }
func (r RecruitReachedThreshold) Source() network.NodeID { return r.RecruitID }
func (RecruitReachedThreshold) qualifyingEvent()         {}

func (r RecruitReachedThreshold) OccurredAt() generic.TimePoint {
	if !r.ReachedAt.IsZero() {
		return r.ReachedAt
	}
	return r.Month.EndOfMonth()
}

func (r RecruitReachedThreshold) Validate() error {
	switch {
	case r.RecruitID == "":
		return invalid("threshold event without recruit")
	case r.Month.IsZero():
		return invalid("threshold event for %s without month", r.RecruitID)
	case r.Points < 0:
		return invalid("threshold event for %s with negative points", r.RecruitID)
	case !r.ReachedAt.IsZero() && !r.ReachedAt.SameMonth(r.Month):
		return invalid("threshold for %s reached on %s, outside %s", r.RecruitID, r.ReachedAt, r.Month.MonthKey())
	}
	return nil
}

// Supersedes reports whether next may replace prev while prev is still
// pending. Only a threshold report with more points under the same key does;
// any other repeated key is a duplicate.
func Supersedes(next, prev Event) bool {
	n, ok := next.(RecruitReachedThreshold)
	if !ok {
		return false
	}
	p, ok := prev.(RecruitReachedThreshold)
	return ok && n.Key() == p.Key() && n.Points > p.Points
}

// PositionChange records a rank promotion.
type PositionChange struct {
	DistributorID network.NodeID
	NewRank       network.Rank
	EffectiveDate generic.TimePoint
}

func (p PositionChange) Key() string {
	return "promotion:" + string(p.DistributorID) + ":" + p.NewRank.String() + ":" + p.EffectiveDate.String()
}
func (p PositionChange) Kind() EventKind               { return KindPositionChange }
func (p PositionChange) Source() network.NodeID        { return p.DistributorID }
func (p PositionChange) OccurredAt() generic.TimePoint { return p.EffectiveDate }
func (PositionChange) qualifyingEvent()                {}

func (p PositionChange) Validate() error {
	switch {
	case p.DistributorID == "":
		return invalid("position change without distributor")
	case !p.NewRank.Valid():
		return invalid("position change for %s to unknown rank", p.DistributorID)
	case p.EffectiveDate.IsZero():
		return invalid("position change for %s without date", p.DistributorID)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", generic.ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// =============================================================================
// ENVELOPE - Persistence encoding
// =============================================================================

type saleJSON struct {
	SaleID           string            `json:"sale_id"`
	SellerID         string            `json:"seller_id"`
	Product          string            `json:"product"`
	BaseAmount       *generic.Amount   `json:"base_amount,omitempty"`
	AcquisitionDate  generic.TimePoint `json:"acquisition_date"`
	InstallationDate generic.TimePoint `json:"installation_date"`
}

type thresholdJSON struct {
	RecruitID string            `json:"recruit_id"`
	Month     string            `json:"month"`
	Points    int               `json:"points"`
	ReachedAt generic.TimePoint `json:"reached_at"`
}

type positionJSON struct {
	DistributorID string            `json:"distributor_id"`
	NewRank       network.Rank      `json:"new_rank"`
	EffectiveDate generic.TimePoint `json:"effective_date"`
}

type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodePayload serializes the variant-specific payload of ev.
func EncodePayload(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Sale:
		out := saleJSON{
			SaleID:           e.SaleID,
			SellerID:         string(e.SellerID),
			Product:          string(e.Product),
			AcquisitionDate:  e.AcquisitionDate,
			InstallationDate: e.InstallationDate,
		}
		if !e.BaseAmount.IsZero() {
			base := e.BaseAmount
			out.BaseAmount = &base
		}
		return json.Marshal(out)
	case RecruitReachedThreshold:
		return json.Marshal(thresholdJSON{
			RecruitID: string(e.RecruitID),
			Month:     e.Month.MonthKey(),
			Points:    e.Points,
			ReachedAt: e.ReachedAt,
		})
	case PositionChange:
		return json.Marshal(positionJSON{
			DistributorID: string(e.DistributorID),
			NewRank:       e.NewRank,
			EffectiveDate: e.EffectiveDate,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported event type %T", generic.ErrInvalidEvent, ev)
	}
}

// DecodePayload rebuilds an event from its kind and payload.
func DecodePayload(kind EventKind, payload []byte) (Event, error) {
	switch kind {
	case KindSale:
		var in saleJSON
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
		}
		s := Sale{
			SaleID:           in.SaleID,
			SellerID:         network.NodeID(in.SellerID),
			Product:          rules.ProductID(in.Product),
			AcquisitionDate:  in.AcquisitionDate,
			InstallationDate: in.InstallationDate,
		}
		if in.BaseAmount != nil {
			s.BaseAmount = *in.BaseAmount
		}
		return s, nil
	case KindRecruitReachedThreshold:
		var in thresholdJSON
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
		}
		month, err := generic.ParseMonth(in.Month)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
		}
		return RecruitReachedThreshold{
			RecruitID: network.NodeID(in.RecruitID),
			Month:     month,
			Points:    in.Points,
			ReachedAt: in.ReachedAt,
		}, nil
	case KindPositionChange:
		var in positionJSON
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
		}
		return PositionChange{
			DistributorID: network.NodeID(in.DistributorID),
			NewRank:       in.NewRank,
			EffectiveDate: in.EffectiveDate,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", generic.ErrInvalidEvent, kind)
	}
}

// Encode wraps ev in a {kind, payload} envelope.
func Encode(ev Event) ([]byte, error) {
	payload, err := EncodePayload(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

// Decode reads an envelope produced by Encode.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", generic.ErrInvalidEvent, err)
	}
	return DecodePayload(env.Kind, env.Payload)
}

// ParseKind validates a kind string.
func ParseKind(s string) (EventKind, error) {
	switch k := EventKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSale, KindRecruitReachedThreshold, KindPositionChange:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", generic.ErrInvalidEvent, s)
	}
}
