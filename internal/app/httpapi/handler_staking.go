package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/token_economy/internal/app/domain/staking"
)

func (h *handler) listTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.app.Staking.Targets(r.Context())
	if targets == nil {
		targets = []staking.Target{}
	}
	writeJSON(w, http.StatusOK, targets)
}

func (h *handler) registerTarget(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	target, err := h.app.Staking.RegisterTarget(r.Context(), payload.ID, payload.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (h *handler) getTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	target, err := h.app.Staking.Target(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	positions := h.app.Staking.PositionsByTarget(r.Context(), id)
	if positions == nil {
		positions = []staking.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "positions": positions})
}

func (h *handler) listStakes(w http.ResponseWriter, r *http.Request) {
	positions := h.app.Staking.PositionsByIdentity(r.Context(), mux.Vars(r)["id"])
	if positions == nil {
		positions = []staking.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *handler) stake(w http.ResponseWriter, r *http.Request) {
	var payload amountRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	pos, err := h.app.Staking.Stake(r.Context(), vars["id"], vars["target"], payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// unstake takes the amount from ?amount=; without it the whole position is
// withdrawn.
func (h *handler) unstake(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	amount, ok, err := queryUint(r, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		pos, err := h.app.Staking.Position(r.Context(), vars["id"], vars["target"])
		if err != nil {
			writeError(w, err)
			return
		}
		amount = pos.Amount
	}
	pos, err := h.app.Staking.Unstake(r.Context(), vars["id"], vars["target"], amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *handler) kappa(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ratio"))
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, fmt.Errorf("ratio must be a number: %w", errBadRequest))
		return
	}
	k, err := h.app.Emission.Current(r.Context()).KappaTable().Kappa(ratio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"ratio": ratio, "kappa": k})
}
