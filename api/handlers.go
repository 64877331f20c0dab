/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine to its collaborators: the CRM feeding
  qualifying events, the operator reviewing the unresolved queue, and
  payroll confirming obligations. Handles HTTP request/response, JSON
  serialization, and delegates to the store and the automation runner.

ENDPOINTS:
  Events:
    POST   /api/events                    Ingest a qualifying event
    GET    /api/events?status=            List events (pending|processed)

  Runs:
    POST   /api/runs                      Trigger one automation run
    GET    /api/runs                      Run history

  Ledger:
    GET    /api/line-items?beneficiary=   Line items
    GET    /api/obligations?beneficiary=&status=
    POST   /api/obligations/{id}/paid     Payroll confirmation
    POST   /api/obligations/{id}/cancel   Withdraw a scheduled obligation
    GET    /api/statements?beneficiary=   Obligations grouped by due date

  Unresolved:
    GET    /api/unresolved?status=        Operator queue
    POST   /api/unresolved/{id}/resolve   Close an entry

  Network:
    GET    /api/network/{id}/ancestors
    GET    /api/network/{id}/descendants?depth=
    GET    /api/network/{id}/direct-count

  Rules:
    GET    /api/rules                     Current rule book as JSON
    POST   /api/rules/versions            Append a rule version

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Duplicate event, invalid status transition
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the operator gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Runner  *automation.Runner
	Factory *factory.RuleBookFactory

	validate *validator.Validate
	logger   logrus.FieldLogger
	now      func() time.Time

	mu              sync.Mutex
	currentScenario string
}

type HandlerOption func(*Handler)

func WithLogger(l logrus.FieldLogger) HandlerOption { return func(h *Handler) { h.logger = l } }

func WithClock(now func() time.Time) HandlerOption { return func(h *Handler) { h.now = now } }

// NewHandler creates a handler. The runner must read from store.
func NewHandler(store *sqlite.Store, runner *automation.Runner, opts ...HandlerOption) *Handler {
	h := &Handler{
		Store:    store,
		Runner:   runner,
		Factory:  factory.NewRuleBookFactory(),
		validate: validator.New(),
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// IngestEvent stores a qualifying event for the next run.
// POST /api/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	ev, err := req.ToEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}

	if err := h.Store.IngestEvent(r.Context(), ev); err != nil {
		writeDomainError(w, "Failed to ingest event", err)
		return
	}
	h.logger.WithFields(logrus.Fields{"event_key": ev.Key(), "kind": ev.Kind()}).Info("Event ingested")

	rec, err := h.Store.GetEvent(r.Context(), ev.Key())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(*rec))
}

// ListEvents returns events, optionally filtered by status.
// GET /api/events?status=pending|processed
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := sqlite.EventFilter{Limit: queryInt(r, "limit", 0)}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case "pending", "processed":
		pending := status == "pending"
		filter.Pending = &pending
	default:
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		k, err := commission.ParseKind(kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kind filter", err)
			return
		}
		filter.Kind = k
	}

	records, err := h.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	dtos := make([]EventDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toEventDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun executes one automation run synchronously.
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Runner.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRuns returns the run history, most recent first.
// GET /api/runs?limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  dtos,
		"state": h.Runner.State(),
	})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListLineItems returns line items, optionally for one beneficiary.
// GET /api/line-items?beneficiary=&event=
func (h *Handler) ListLineItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListLineItems(r.Context(), sqlite.LineItemFilter{
		BeneficiaryID:  network.NodeID(r.URL.Query().Get("beneficiary")),
		SourceEventKey: r.URL.Query().Get("event"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list line items", err)
		return
	}
	dtos := make([]LineItemDTO, 0, len(items))
	for _, li := range items {
		dtos = append(dtos, toLineItemDTO(li))
	}
	writeJSON(w, http.StatusOK, map[string]any{"line_items": dtos})
}

// ListObligations returns obligations filtered by beneficiary and status.
// GET /api/obligations?beneficiary=&status=
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	filter, ok := obligationFilter(w, r)
	if !ok {
		return
	}
	obligations, err := h.Store.ListObligations(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}
	dtos := make([]ObligationDTO, 0, len(obligations))
	for _, ob := range obligations {
		dtos = append(dtos, toObligationDTO(ob))
	}
	writeJSON(w, http.StatusOK, map[string]any{"obligations": dtos})
}

// MarkObligationPaid records payroll's confirmation.
// POST /api/obligations/{id}/paid
func (h *Handler) MarkObligationPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if !h.decode(w, r, &req) {
		return
	}
	ob, err := h.Store.MarkObligationPaid(r.Context(), chi.URLParam(r, "id"), req.Reference, h.now())
	if err != nil {
		writeDomainError(w, "Failed to mark obligation paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// CancelObligation withdraws a scheduled obligation.
// POST /api/obligations/{id}/cancel
func (h *Handler) CancelObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := h.Store.CancelObligation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to cancel obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// ListStatements aggregates obligations per beneficiary and due date.
// GET /api/statements?beneficiary=&from=&to=
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	filter, ok := obligationFilter(w, r)
	if !ok {
		return
	}
	obligations, err := h.Store.ListObligations(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list obligations", err)
		return
	}
	statements := payment.BuildStatements(obligations)
	dtos := make([]StatementDTO, 0, len(statements))
	for _, st := range statements {
		dtos = append(dtos, toStatementDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"statements": dtos})
}

func obligationFilter(w http.ResponseWriter, r *http.Request) (sqlite.ObligationFilter, bool) {
	q := r.URL.Query()
	filter := sqlite.ObligationFilter{BeneficiaryID: network.NodeID(q.Get("beneficiary"))}
	if status := q.Get("status"); status != "" {
		st, err := payment.ParseStatus(status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status filter", err)
			return filter, false
		}
		filter.Status = st
	}
	var err error
	if filter.DueFrom, err = generic.ParseDate(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return filter, false
	}
	if filter.DueTo, err = generic.ParseDate(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return filter, false
	}
	return filter, true
}

// =============================================================================
// UNRESOLVED HANDLERS
// =============================================================================

// ListUnresolved returns the operator queue.
// GET /api/unresolved?status=open|resolved
func (h *Handler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	status := commission.UnresolvedStatus(r.URL.Query().Get("status"))
	switch status {
	case "", commission.UnresolvedOpen, commission.UnresolvedResolved:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}
	entries, err := h.Store.ListUnresolved(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list unresolved", err)
		return
	}
	dtos := make([]UnresolvedDTO, 0, len(entries))
	for _, u := range entries {
		dtos = append(dtos, toUnresolvedDTO(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"unresolved": dtos})
}

// ResolveUnresolved closes a queue entry.
// POST /api/unresolved/{id}/resolve
func (h *Handler) ResolveUnresolved(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.Store.ResolveUnresolved(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Note)
	if err != nil {
		writeDomainError(w, "Failed to resolve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnresolvedDTO(*u))
}

// =============================================================================
// NETWORK HANDLERS
// =============================================================================

// GetAncestors returns the sponsor chain, nearest first.
// GET /api/network/{id}/ancestors
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	snap, id, ok := h.snapshotFor(w, r)
	if !ok {
		return
	}
	ancestors, err := snap.GetAncestors(id)
	if err != nil {
		writeDomainError(w, "Failed to walk ancestors", err)
		return
	}
	dtos := make([]DistributorDTO, 0, len(ancestors))
	for i, n := range ancestors {
		dto := toDistributorDTO(n)
		dto.Generation = i + 1
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ancestors": dtos})
}

// GetDescendants returns the subtree, depth first.
// GET /api/network/{id}/descendants?depth=
func (h *Handler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	snap, id, ok := h.snapshotFor(w, r)
	if !ok {
		return
	}

	var dtos []DistributorDTO
	for d, err := range snap.GetDescendants(id, queryInt(r, "depth", 0)) {
		if err != nil {
			writeDomainError(w, "Failed to walk descendants", err)
			return
		}
		dto := toDistributorDTO(d.Node)
		dto.Generation = d.Generation
		dtos = append(dtos, dto)
	}
	if dtos == nil {
		dtos = []DistributorDTO{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"descendants": dtos})
}

// GetDirectCount returns the cumulative direct-recruit count.
// GET /api/network/{id}/direct-count
func (h *Handler) GetDirectCount(w http.ResponseWriter, r *http.Request) {
	snap, id, ok := h.snapshotFor(w, r)
	if !ok {
		return
	}
	count, err := snap.CumulativeDirectCount(id)
	if err != nil {
		writeDomainError(w, "Failed to count recruits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "direct_count": count})
}

// snapshotFor loads the network and resolves the {id} URL parameter.
func (h *Handler) snapshotFor(w http.ResponseWriter, r *http.Request) (*network.Snapshot, network.NodeID, bool) {
	snap, err := h.Store.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to load network", err)
		return nil, "", false
	}
	id := network.NodeID(chi.URLParam(r, "id"))
	if _, found := snap.Node(id); !found {
		writeError(w, http.StatusNotFound, "Distributor not found", nil)
		return nil, "", false
	}
	return snap, id, true
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// GetRules returns the rule book the next run will use.
// GET /api/rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	book, err := h.Store.RuleBook(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load rule book", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(book))
}

// AddRuleVersion appends a version to the stored rule book.
// POST /api/rules/versions
func (h *Handler) AddRuleVersion(w http.ResponseWriter, r *http.Request) {
	var vj factory.VersionJSON
	if err := json.NewDecoder(r.Body).Decode(&vj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	v, err := h.Factory.VersionFromJSON(vj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule version", err)
		return
	}
	if err := h.Store.SaveRuleVersion(r.Context(), v); err != nil {
		writeDomainError(w, "Failed to save rule version", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.VersionToJSON(v))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var dup *generic.DuplicateEventError
	switch {
	case errors.As(err, &dup), errors.Is(err, generic.ErrInvalidTransition):
		writeError(w, http.StatusConflict, message, err)
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, generic.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
