package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, 4, 2, 6, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	router http.Handler
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := func() time.Time { return fixedNow }

	store, err := sqlite.New(":memory:", sqlite.WithLogger(logger), sqlite.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := automation.NewRunner(store, store, automation.DefaultConfig(),
		automation.WithLogger(logger), automation.WithClock(clock))
	h := api.NewHandler(store, runner, api.WithLogger(logger), api.WithClock(clock))
	return &testServer{t: t, store: store, router: api.NewRouter(h)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) loadAndRun(scenario string) automation.Summary {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/runs", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[automation.Summary](s.t, rec)
}

func saleRequest(id string) api.IngestEventRequest {
	return api.IngestEventRequest{
		Kind:             "sale",
		SaleID:           id,
		SellerID:         "S",
		Product:          "freebox_ultra",
		AcquisitionDate:  "2025-03-10",
		InstallationDate: "2025-03-18",
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestIngestEvent_CreatedThenDuplicate(t *testing.T) {
	// GIVEN: An empty inbox
	// WHEN: The same sale is posted twice
	// THEN: The first is accepted as pending, the second is a conflict
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/events", saleRequest("FBX-1001"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[api.EventDTO](t, rec)
	assert.Equal(t, "sale:FBX-1001", ev.Key)
	assert.Equal(t, "S", ev.Source)
	assert.Empty(t, ev.ProcessedAt)

	rec = s.do(http.MethodPost, "/api/events", saleRequest("FBX-1001"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/events?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Events []api.EventDTO `json:"events"`
	}](t, rec)
	assert.Len(t, list.Events, 1)
}

func TestIngestEvent_Validation(t *testing.T) {
	s := newServer(t)

	badDate := saleRequest("X")
	badDate.AcquisitionDate = "10/03/2025"
	badAmount := saleRequest("X")
	badAmount.BaseAmount = "abc"

	cases := map[string]api.IngestEventRequest{
		"unknown kind":       {Kind: "refund"},
		"sale without id":    saleRequest(""),
		"bad date":           badDate,
		"bad base amount":    badAmount,
		"threshold no month": {Kind: "recruit_threshold", RecruitID: "R", Points: 25},
		"reached off month":  {Kind: "recruit_threshold", RecruitID: "R", Month: "2025-03", ReachedAt: "2025-04-01"},
		"unknown rank":       {Kind: "position_change", DistributorID: "A1", NewRank: "Boss", EffectiveDate: "2025-01-01"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/events", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(http.MethodGet, "/api/events?status=weird", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RUNS AND LEDGER
// =============================================================================

func TestRun_FreeboxUltraScenario(t *testing.T) {
	// GIVEN: The freebox-ultra scenario
	// WHEN: A run is triggered over HTTP
	// THEN: 4 obligations are due 2025-04-15 and the seller's statement totals 60 EUR
	s := newServer(t)

	summary := s.loadAndRun("freebox-ultra")
	assert.Equal(t, 1, summary.EventsProcessed)
	assert.Equal(t, 4, summary.LineItemsCreated)
	assert.Equal(t, 4, summary.ObligationsCreated)

	rec := s.do(http.MethodGet, "/api/obligations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	obligations := decode[struct {
		Obligations []api.ObligationDTO `json:"obligations"`
	}](t, rec).Obligations
	require.Len(t, obligations, 4)
	for _, ob := range obligations {
		assert.Equal(t, "2025-04-15", ob.DueDate)
		assert.Equal(t, "scheduled", ob.Status)
	}

	rec = s.do(http.MethodGet, "/api/statements?beneficiary=S", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statements := decode[struct {
		Statements []api.StatementDTO `json:"statements"`
	}](t, rec).Statements
	require.Len(t, statements, 1)
	assert.Equal(t, "60.00 EUR", statements[0].Total.String())
	assert.False(t, statements[0].Paid)

	rec = s.do(http.MethodGet, "/api/line-items?beneficiary=A3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[struct {
		LineItems []api.LineItemDTO `json:"line_items"`
	}](t, rec).LineItems
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Generation)
	assert.Equal(t, "5.00 EUR", items[0].Amount.String())

	rec = s.do(http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []api.RunDTO `json:"runs"`
	}](t, rec).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestRun_CCAScenario(t *testing.T) {
	s := newServer(t)

	s.loadAndRun("cca-window")

	rec := s.do(http.MethodGet, "/api/obligations?beneficiary=C7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	obligations := decode[struct {
		Obligations []api.ObligationDTO `json:"obligations"`
	}](t, rec).Obligations
	require.Len(t, obligations, 1)
	assert.Equal(t, "CCA", obligations[0].Type)
	assert.Equal(t, "1.00 EUR", obligations[0].Amount.String())
	assert.Equal(t, "2025-02-22", obligations[0].DueDate)
}

func TestRun_FullNetworkScenario(t *testing.T) {
	s := newServer(t)

	summary := s.loadAndRun("full-network")

	assert.Equal(t, 3, summary.EventsProcessed)
	assert.Zero(t, summary.FailedPartitions)
	assert.Zero(t, summary.Unresolved)
}

// =============================================================================
// PAYROLL TRANSITIONS
// =============================================================================

func TestObligations_PaidAndCancelTransitions(t *testing.T) {
	s := newServer(t)
	s.loadAndRun("freebox-ultra")

	rec := s.do(http.MethodGet, "/api/obligations?beneficiary=S", nil)
	ob := decode[struct {
		Obligations []api.ObligationDTO `json:"obligations"`
	}](t, rec).Obligations[0]

	rec = s.do(http.MethodPost, "/api/obligations/"+ob.ID+"/paid", api.MarkPaidRequest{Reference: "PAY-2025-04"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[api.ObligationDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.Equal(t, "PAY-2025-04", paid.PaidRef)

	rec = s.do(http.MethodPost, "/api/obligations/"+ob.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/obligations/"+ob.ID+"/paid", api.MarkPaidRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reference is required")

	rec = s.do(http.MethodPost, "/api/obligations/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/obligations?status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct {
		Obligations []api.ObligationDTO `json:"obligations"`
	}](t, rec).Obligations, 1)

	rec = s.do(http.MethodGet, "/api/obligations?status=late", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// UNRESOLVED QUEUE
// =============================================================================

func TestUnresolved_ListAndResolve(t *testing.T) {
	// GIVEN: A sale of a product missing from the rule table
	// WHEN: The run computes it
	// THEN: The queue holds open entries that an operator can resolve once
	s := newServer(t)
	s.loadAndRun("freebox-ultra")

	req := saleRequest("FBX-2001")
	req.Product = "freebox_delta"
	req.BaseAmount = "45"
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/events", req).Code)
	rec := s.do(http.MethodPost, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, decode[automation.Summary](t, rec).Unresolved)

	rec = s.do(http.MethodGet, "/api/unresolved?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[struct {
		Unresolved []api.UnresolvedDTO `json:"unresolved"`
	}](t, rec).Unresolved
	require.NotEmpty(t, queue)
	assert.Equal(t, "rule_not_found", queue[0].Reason)

	path := "/api/unresolved/" + queue[0].ID + "/resolve"
	rec = s.do(http.MethodPost, path, api.ResolveRequest{ResolvedBy: "ops", Note: "paid off-cycle"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "resolved", decode[api.UnresolvedDTO](t, rec).Status)

	rec = s.do(http.MethodPost, path, api.ResolveRequest{ResolvedBy: "ops"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, path, api.ResolveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// NETWORK AND RULES
// =============================================================================

func TestNetworkQueries(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "freebox-ultra"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/network/S/ancestors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ancestors := decode[struct {
		Ancestors []api.DistributorDTO `json:"ancestors"`
	}](t, rec).Ancestors
	require.Len(t, ancestors, 3)
	assert.Equal(t, "A1", ancestors[0].ID)
	assert.Equal(t, "A3", ancestors[2].ID)
	assert.Equal(t, 3, ancestors[2].Generation)

	rec = s.do(http.MethodGet, "/api/network/A3/descendants?depth=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	descendants := decode[struct {
		Descendants []api.DistributorDTO `json:"descendants"`
	}](t, rec).Descendants
	assert.Len(t, descendants, 2)

	rec = s.do(http.MethodGet, "/api/network/A3/direct-count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	count := decode[struct {
		DirectCount int `json:"direct_count"`
	}](t, rec)
	assert.Equal(t, 3, count.DirectCount)

	rec = s.do(http.MethodGet, "/api/network/ghost/ancestors", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_GetAndAppendVersion(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[struct {
		Versions []struct {
			ID string `json:"id"`
		} `json:"versions"`
	}](t, rec)
	require.Len(t, book.Versions, 1)
	assert.Equal(t, "plan-2024", book.Versions[0].ID)

	rec = s.do(http.MethodPost, "/api/rules/versions", map[string]any{
		"id":             "bad",
		"effective_from": "not-a-date",
		"entries":        []any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarios_ListAndUnknown(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), len(api.ScenarioIDs()))

	rec = s.do(http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
