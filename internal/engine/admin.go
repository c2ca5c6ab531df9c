package engine

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/tracker"
	"github.com/marketrelay/ingest/pkg/address"
)

// AdminRouter mounts the owner-token-gated control surface from
// spec.md §7 onto mux, all under /admin/. Every handler checks
// x-owner-key before doing anything else.
func (e *Engine) AdminRouter(mux *http.ServeMux) {
	mux.HandleFunc("/admin/watchlist/refresh", e.withOwnerAuth(e.handleWatchlistRefresh))
	mux.HandleFunc("/admin/fills/fetch-history", e.withOwnerAuth(e.handleFetchHistory))
	mux.HandleFunc("/admin/fills/validate", e.withOwnerAuth(e.handleValidate))
	mux.HandleFunc("/admin/fills/repair", e.withOwnerAuth(e.handleRepair))
	mux.HandleFunc("/admin/fills/repair-all", e.withOwnerAuth(e.handleRepairAll))
	mux.HandleFunc("/admin/positions/status", e.withOwnerAuth(e.handlePositionsStatus))
}

func (e *Engine) withOwnerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !e.Config.CheckOwnerToken(r.Header.Get("x-owner-key")) {
			writeJSONError(w, http.StatusForbidden, "invalid owner token")
			return
		}
		next(w, r)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type addrAssetBody struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

func (e *Engine) handleWatchlistRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	next := e.Watchlist.Addresses()
	if err := e.Tracker.Refresh(ctx, next, tracker.StartOptions{}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int{"watchlist": len(next)})
}

func (e *Engine) handleFetchHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Addresses []string `json:"addresses"`
		Limit     int      `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addrs := make([]address.Address, 0, len(body.Addresses))
	for _, raw := range body.Addresses {
		a, err := address.Parse(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid address: "+raw)
			return
		}
		addrs = append(addrs, a)
	}

	page, err := e.Store.GetBackfillFills(r.Context(), store.BackfillQuery{Addresses: addrs, Limit: body.Limit})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, page)
}

func (e *Engine) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body addrAssetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, err := address.Parse(body.Address)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid address")
		return
	}

	result, err := e.Chain.Validate(r.Context(), addr, address.Asset(body.Asset))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, result)
}

func (e *Engine) handleRepair(w http.ResponseWriter, r *http.Request) {
	var body addrAssetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, err := address.Parse(body.Address)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid address")
		return
	}

	result, err := e.Chain.Repair(r.Context(), addr, address.Asset(body.Asset))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, result)
}

func (e *Engine) handleRepairAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Asset string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := e.Chain.RepairAll(r.Context(), address.Asset(body.Asset))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, summary)
}

func (e *Engine) handlePositionsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"positionsReady": e.Tracker.PositionsReady(),
		"trackedCount":   len(e.Tracker.TrackedAddresses()),
		"asOf":           time.Now().UTC(),
	})
}
