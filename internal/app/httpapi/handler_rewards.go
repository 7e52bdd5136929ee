package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/token_economy/internal/app/domain/emission"
	"github.com/R3E-Network/token_economy/internal/app/domain/grant"
	"github.com/R3E-Network/token_economy/internal/app/domain/reward"
	"github.com/R3E-Network/token_economy/internal/app/domain/usage"
)

func (h *handler) policy(w http.ResponseWriter, r *http.Request) {
	epoch, ok, err := queryUint(r, "epoch")
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, h.app.Emission.Current(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.app.Emission.PolicyAt(r.Context(), epoch))
}

func (h *handler) policyHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Emission.History(r.Context()))
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Emission.Schedule())
}

func (h *handler) emissionAudit(w http.ResponseWriter, r *http.Request) {
	entries := h.app.Emission.Audit(r.Context())
	if entries == nil {
		entries = []emission.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals := h.app.Emission.Proposals(r.Context())
	if proposals == nil {
		proposals = []emission.Proposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

// propose accepts either a full policy or an {epoch, epoch_cap} pair that
// changes only the cap.
func (h *handler) propose(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Policy   *emission.Policy `json:"policy"`
		Epoch    uint64           `json:"epoch"`
		EpochCap *uint64          `json:"epoch_cap"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	var (
		proposal emission.Proposal
		err      error
	)
	switch {
	case payload.Policy != nil:
		proposal, err = h.app.Emission.ProposeUpdate(r.Context(), approval(r), *payload.Policy)
	case payload.EpochCap != nil:
		proposal, err = h.app.Emission.ProposeCap(r.Context(), approval(r), payload.Epoch, *payload.EpochCap)
	default:
		err = fmt.Errorf("policy or epoch_cap is required: %w", errBadRequest)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (h *handler) applyProposal(w http.ResponseWriter, r *http.Request) {
	policy, err := h.app.Emission.ApplyUpdate(r.Context(), approval(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (h *handler) rejectProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.app.Emission.Reject(r.Context(), approval(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (h *handler) listRounds(w http.ResponseWriter, r *http.Request) {
	runs := h.app.Distribution.Runs(r.Context())
	if runs == nil {
		runs = []reward.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) runRound(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Distribution.RunRound(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) getRound(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.app.Distribution.Run(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	receipts := h.app.Distribution.Receipts(r.Context(), id)
	if receipts == nil {
		receipts = []reward.Receipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "receipts": receipts})
}

func (h *handler) epochEmitted(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("epoch must be a non-negative integer: %w", errBadRequest))
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{
		"epoch":   epoch,
		"emitted": h.app.Distribution.EpochEmitted(r.Context(), epoch),
	})
}

func (h *handler) accountRewards(w http.ResponseWriter, r *http.Request) {
	receipts := h.app.Distribution.ReceiptsByIdentity(r.Context(), mux.Vars(r)["id"])
	if receipts == nil {
		receipts = []reward.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (h *handler) createGrant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Recipient     string     `json:"recipient"`
		Kind          grant.Kind `json:"kind"`
		Total         uint64     `json:"total"`
		CliffEpoch    uint64     `json:"cliff_epoch"`
		VestingEpochs uint64     `json:"vesting_epochs"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	kind := payload.Kind
	if kind == "" {
		kind = grant.KindGeneral
	}
	g, err := h.app.Grants.CreateKind(r.Context(), payload.Recipient, kind, payload.Total, payload.CliffEpoch, payload.VestingEpochs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *handler) getGrant(w http.ResponseWriter, r *http.Request) {
	g, err := h.app.Grants.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *handler) listGrants(w http.ResponseWriter, r *http.Request) {
	grants := h.app.Grants.ListByRecipient(r.Context(), mux.Vars(r)["id"])
	if grants == nil {
		grants = []grant.Grant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *handler) claimAll(w http.ResponseWriter, r *http.Request) {
	claimed, err := h.app.Grants.Claim(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"claimed": claimed})
}

func (h *handler) claimGrant(w http.ResponseWriter, r *http.Request) {
	g, claimed, err := h.app.Grants.ClaimGrant(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": g, "claimed": claimed})
}

func (h *handler) cancelGrant(w http.ResponseWriter, r *http.Request) {
	g, err := h.app.Grants.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// recordUsage ingests one billable call from the trace collector. The event
// is stamped with the ledger clock when no timestamp is given.
func (h *handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var payload usage.Event
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Target) == "" {
		writeError(w, fmt.Errorf("usage target is required: %w", errBadRequest))
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = h.app.Ledger.Clock().Now()
	}
	payload.Timestamp = payload.Timestamp.UTC().Truncate(time.Microsecond)
	event, err := h.app.Usage.RecordUsage(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}
