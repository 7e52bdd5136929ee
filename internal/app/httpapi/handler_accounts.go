package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/token_economy/internal/app/domain/activity"
	"github.com/R3E-Network/token_economy/internal/app/domain/subscription"
	"github.com/R3E-Network/token_economy/internal/app/ledger"
	"github.com/R3E-Network/token_economy/internal/app/services/exchange"
)

type amountRequest struct {
	Amount    uint64 `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	accts, err := h.app.Accounts.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Accounts.Summary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload amountRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.app.Accounts.Deposit(r.Context(), mux.Vars(r)["id"], payload.Amount, payload.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request) {
	var payload amountRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	credits, err := h.app.Exchange.Convert(r.Context(), id, payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.app.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": credits, "account": info})
}

func (h *handler) spend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Target string `json:"target"`
		Amount uint64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	info, err := h.app.Accounts.Spend(r.Context(), mux.Vars(r)["id"], payload.Target, payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) listActivity(w http.ResponseWriter, r *http.Request) {
	var (
		filter activity.Filter
		err    error
	)
	filter.Category = activity.Category(strings.TrimSpace(r.URL.Query().Get("category")))
	if filter.From, err = queryTime(r, "from"); err != nil {
		writeError(w, err)
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.app.Activity.List(r.Context(), mux.Vars(r)["id"], filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) activityStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Activity.Stats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) setSubscription(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Tier subscription.Tier `json:"tier"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if !payload.Tier.Valid() {
		writeError(w, fmt.Errorf("unknown subscription tier %q: %w", payload.Tier, errBadRequest))
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if err := h.app.Subscriptions.SetTier(r.Context(), id, payload.Tier); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "tier": payload.Tier})
}

func (h *handler) getRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rate":    h.app.Exchange.Rate(r.Context()),
		"scale":   ledger.RateScale,
		"history": h.app.Exchange.History(r.Context()),
	})
}

func (h *handler) updateRate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Rate uint64 `json:"rate"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if err := h.app.Exchange.UpdateRate(r.Context(), approval(r), payload.Rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate": h.app.Exchange.Rate(r.Context())})
}

func (h *handler) quote(w http.ResponseWriter, r *http.Request) {
	amount, _, err := queryUint(r, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	credits, err := exchange.Quote(amount, h.app.Exchange.Rate(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": amount, "credits": credits})
}
