/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with a small
  distributor network and pending qualifying events. The next automation
  run turns them into line items and obligations.

AVAILABLE SCENARIOS:
  freebox-ultra:  Freebox Ultra sale by a Conseiller with 3 ancestors (CVD)
  cae-open-line:  New recruit reaching 25 points under an open Manager line (CAE)
  cca-window:     Sale 7 generations below a recently promoted ETT (CCA)
  full-network:   All of the above in one database

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save distributors and promotion history
 3. Ingest the scenario's qualifying events as pending

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "freebox-ultra"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Router handlers
  - cmd/server/main.go: serve --seed
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/network"
	"github.com/warp/commission-engine/rules"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, store *sqlite.Store) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "freebox-ultra",
			Name:        "Freebox Ultra Sale",
			Description: "CVD for the seller and 3 ancestors, paid on the 15th of the following month",
			Category:    "cvd",
		},
		load: loadFreeboxUltra,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cae-open-line",
			Name:        "Leadership Bonus Open Line",
			Description: "Recruit reaches 25 points; ETT, Manager and Manager upline each paid",
			Category:    "cae",
		},
		load: loadCAEOpenLine,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cca-window",
			Name:        "Coaching Allowance Window",
			Description: "Sale 7 generations below an ETT promoted less than 3 years ago",
			Category:    "cca",
		},
		load: loadCCAWindow,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "full-network",
			Name:        "Full Network",
			Description: "Every commission type in one network",
			Category:    "all",
		},
		load: func(ctx context.Context, store *sqlite.Store) error {
			for _, load := range []func(context.Context, *sqlite.Store) error{
				loadFreeboxUltra, loadCAEOpenLine, loadCCAWindow,
			} {
				if err := load(ctx, store); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// ScenarioIDs lists the demo scenarios.
func ScenarioIDs() []string {
	ids := make([]string, len(scenarios))
	for i, s := range scenarios {
		ids[i] = s.ID
	}
	return ids
}

// Seed resets store and loads the scenario.
func Seed(ctx context.Context, store *sqlite.Store, scenarioID string) error {
	for _, s := range scenarios {
		if s.ID != scenarioID {
			continue
		}
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("reset database: %w", err)
		}
		if err := s.load(ctx, store); err != nil {
			return fmt.Errorf("load scenario %s: %w", scenarioID, err)
		}
		return nil
	}
	return fmt.Errorf("scenario %q: %w", scenarioID, generic.ErrNotFound)
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a demo scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := Seed(r.Context(), h.Store, req.ScenarioID); err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.logger.WithField("scenario", req.ScenarioID).Info("Scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func distributor(id, name, sponsor string, rank network.Rank, joined generic.TimePoint) network.Node {
	return network.Node{
		ID:        network.NodeID(id),
		Name:      name,
		SponsorID: network.NodeID(sponsor),
		Rank:      rank,
		JoinDate:  joined,
		Active:    true,
	}
}

func saveNetwork(ctx context.Context, store *sqlite.Store, nodes []network.Node, promotions ...network.Promotion) error {
	for _, n := range nodes {
		if err := store.SaveDistributor(ctx, n); err != nil {
			return err
		}
	}
	for _, p := range promotions {
		if err := store.SavePromotion(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// loadFreeboxUltra: S (Conseiller) <- A1 (ETT) <- A2 (ETL) <- A3 (Manager).
func loadFreeboxUltra(ctx context.Context, store *sqlite.Store) error {
	joined := generic.NewTimePoint(2022, 1, 10)
	err := saveNetwork(ctx, store, []network.Node{
		distributor("A3", "Amandine Roux", "", network.RankManager, joined),
		distributor("A2", "Bastien Morel", "A3", network.RankETL, joined),
		distributor("A1", "Chloé Garnier", "A2", network.RankETT, joined),
		distributor("S", "Sofiane Benali", "A1", network.RankConseiller, joined),
	})
	if err != nil {
		return err
	}
	return store.IngestEvent(ctx, commission.Sale{
		SaleID:           "FBX-1001",
		SellerID:         "S",
		Product:          rules.ProductFreeboxUltra,
		AcquisitionDate:  generic.NewTimePoint(2025, 3, 10),
		InstallationDate: generic.NewTimePoint(2025, 3, 18),
	})
}

// loadCAEOpenLine: R <- E (ETT) <- M1 (Manager) <- M2 (Manager) <- T (RC).
func loadCAEOpenLine(ctx context.Context, store *sqlite.Store) error {
	joined := generic.NewTimePoint(2021, 9, 1)
	err := saveNetwork(ctx, store, []network.Node{
		distributor("T", "Thierry Blanc", "", network.RankRC, joined),
		distributor("M2", "Maëlle Perrin", "T", network.RankManager, joined),
		distributor("M1", "Mathis Fontaine", "M2", network.RankManager, joined),
		distributor("E", "Élodie Marchand", "M1", network.RankETT, joined),
		distributor("R", "Romain Lefèvre", "E", network.RankConseiller, generic.NewTimePoint(2025, 3, 5)),
	})
	if err != nil {
		return err
	}
	return store.IngestEvent(ctx, commission.RecruitReachedThreshold{
		RecruitID: "R",
		Month:     generic.NewTimePoint(2025, 3, 1),
		Points:    25,
		ReachedAt: generic.NewTimePoint(2025, 3, 20),
	})
}

// loadCCAWindow: C7 (ETT since 2024-11-02) with a seven-generation line below.
func loadCCAWindow(ctx context.Context, store *sqlite.Store) error {
	joined := generic.NewTimePoint(2023, 2, 1)
	nodes := []network.Node{distributor("C7", "Claire Vidal", "", network.RankETT, joined)}
	sponsor := "C7"
	for _, id := range []string{"C6", "C5", "C4", "C3", "C2", "C1", "C0"} {
		nodes = append(nodes, distributor(id, "", sponsor, network.RankConseiller, joined))
		sponsor = id
	}
	err := saveNetwork(ctx, store, nodes, network.Promotion{
		DistributorID: "C7",
		NewRank:       network.RankETT,
		EffectiveDate: generic.NewTimePoint(2024, 11, 2),
	})
	if err != nil {
		return err
	}
	return store.IngestEvent(ctx, commission.Sale{
		SaleID:          "FBX-7007",
		SellerID:        "C0",
		Product:         rules.ProductFreeboxPop,
		AcquisitionDate: generic.NewTimePoint(2025, 1, 31),
	})
}
