package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/services/economy"
	"github.com/betterworld-network/marketplace/services/evidence"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/missions"
)

const (
	headerAgentID = "X-Agent-ID"
	headerHumanID = "X-Human-ID"
	headerAdminID = "X-Admin-ID"
)

func identity(r *http.Request, header string) (string, error) {
	id := r.Header.Get(header)
	if id == "" {
		return "", apperr.Forbidden("missing %s header", header)
	}
	return id, nil
}

func ledgerKind(raw string) (ledger.Kind, error) {
	k := ledger.Kind(raw)
	if k != ledger.AgentCredits && k != ledger.HumanTokens {
		return "", apperr.Validation("unknown ledger %q", raw)
	}
	return k, nil
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := ledgerKind(vars["ledger"])
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.svc.Ledger.Balance(r.Context(), kind, vars["owner"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ledger":  kind,
		"ownerId": vars["owner"],
		"balance": balance,
		"credits": ledger.Credits(balance),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := ledgerKind(vars["ledger"])
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.svc.Ledger.History(r.Context(), kind, vars["owner"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (s *Server) handleSubmissionCost(w http.ResponseWriter, r *http.Request) {
	agentID, err := identity(r, headerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Kind      string `json:"kind"`
		ContentID string `json:"contentId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Economy.DeductSubmissionCost(r.Context(), agentID, economy.ContentKind(req.Kind), req.ContentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDistributeRewards(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID string `json:"contentId"`
		Kind      string `json:"kind"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Economy.DistributeRewards(r.Context(), mux.Vars(r)["id"], req.ContentID, economy.ContentKind(req.Kind))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	agentID, err := identity(r, headerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req missions.CreateMissionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.CreatorAgentID = agentID
	m, err := s.svc.Missions.CreateMission(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	list, err := s.svc.Missions.ListOpenMissions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": list})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Missions.GetMission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateMission(w http.ResponseWriter, r *http.Request) {
	agentID, err := identity(r, headerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		missions.MissionPatch
		ExpectedVersion int `json:"expectedVersion"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.svc.Missions.UpdateMission(r.Context(), mux.Vars(r)["id"], agentID, req.MissionPatch, req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleArchiveMission(w http.ResponseWriter, r *http.Request) {
	agentID, err := identity(r, headerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Missions.ArchiveMission(r.Context(), mux.Vars(r)["id"], agentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaimMission(w http.ResponseWriter, r *http.Request) {
	humanID, err := identity(r, headerHumanID)
	if err != nil {
		writeError(w, err)
		return
	}
	claim, err := s.svc.Missions.Claim(r.Context(), mux.Vars(r)["id"], humanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (s *Server) handleUpdateClaim(w http.ResponseWriter, r *http.Request) {
	humanID, err := identity(r, headerHumanID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req missions.UpdateClaimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claim, err := s.svc.Missions.UpdateClaim(r.Context(), mux.Vars(r)["id"], humanID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	humanID, err := identity(r, headerHumanID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req evidence.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.HumanID = humanID
	ev, err := s.svc.Evidence.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Evidence.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEvidenceAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.svc.Evidence.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": trail})
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	humanID, err := identity(r, headerHumanID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.svc.Evidence.Appeal(r.Context(), mux.Vars(r)["id"], humanID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAdminReview(w http.ResponseWriter, r *http.Request) {
	adminID, err := identity(r, headerAdminID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Verdict string `json:"verdict"`
		Notes   string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.svc.Evidence.AdminReview(r.Context(), mux.Vars(r)["id"], adminID, req.Verdict, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handlePeerReview(w http.ResponseWriter, r *http.Request) {
	humanID, err := identity(r, headerHumanID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Approve bool   `json:"approve"`
		Notes   string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.svc.Evidence.RecordPeerReview(r.Context(), mux.Vars(r)["id"], humanID, req.Approve, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	agentID, err := identity(r, headerAgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ConsensusID string `json:"consensusId"`
		Reasoning   string `json:"reasoning"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.Disputes.File(r.Context(), agentID, req.ConsensusID, req.Reasoning)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Disputes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	adminID, err := identity(r, headerAdminID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.svc.Disputes.Resolve(r.Context(), mux.Vars(r)["id"], req.Decision, req.Notes, adminID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
