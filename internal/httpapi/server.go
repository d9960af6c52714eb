// Package httpapi exposes the marketplace core over REST. Authentication is
// terminated upstream; handlers trust the X-Agent-ID and X-Human-ID headers
// set by the gateway.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/broadcast"
	"github.com/betterworld-network/marketplace/internal/metrics"
	"github.com/betterworld-network/marketplace/services/disputes"
	"github.com/betterworld-network/marketplace/services/economy"
	"github.com/betterworld-network/marketplace/services/evidence"
	"github.com/betterworld-network/marketplace/services/ledger"
	"github.com/betterworld-network/marketplace/services/missions"
	"github.com/betterworld-network/marketplace/services/reputation"
)

// Services groups everything the API serves.
type Services struct {
	Ledger     *ledger.Service
	Economy    *economy.Service
	Missions   *missions.Service
	Evidence   *evidence.Service
	Disputes   *disputes.Service
	Reputation *reputation.Service
}

// Server is the HTTP front of the marketplace core.
type Server struct {
	svc Services
	hub *broadcast.Hub
	log *zap.SugaredLogger
}

func NewServer(svc Services, hub *broadcast.Hub, log *zap.SugaredLogger) *Server {
	return &Server{svc: svc, hub: hub, log: log.With("component", "httpapi")}
}

// Router builds the route table with logging and rate limiting applied to
// the API subtree.
func (s *Server) Router(ratePerSecond float64, burst int) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.requestLogging)
	api.Use(rateLimit(ratePerSecond, burst))

	api.HandleFunc("/balances/{ledger}/{owner}", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{ledger}/{owner}", s.handleHistory).Methods(http.MethodGet)

	api.HandleFunc("/submissions/cost", s.handleSubmissionCost).Methods(http.MethodPost)
	api.HandleFunc("/consensus/{id}/rewards", s.handleDistributeRewards).Methods(http.MethodPost)

	api.HandleFunc("/missions", s.handleCreateMission).Methods(http.MethodPost)
	api.HandleFunc("/missions", s.handleListMissions).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}", s.handleGetMission).Methods(http.MethodGet)
	api.HandleFunc("/missions/{id}", s.handleUpdateMission).Methods(http.MethodPatch)
	api.HandleFunc("/missions/{id}", s.handleArchiveMission).Methods(http.MethodDelete)
	api.HandleFunc("/missions/{id}/claims", s.handleClaimMission).Methods(http.MethodPost)
	api.HandleFunc("/claims/{id}", s.handleUpdateClaim).Methods(http.MethodPatch)

	api.HandleFunc("/evidence", s.handleSubmitEvidence).Methods(http.MethodPost)
	api.HandleFunc("/evidence/{id}", s.handleGetEvidence).Methods(http.MethodGet)
	api.HandleFunc("/evidence/{id}/audit", s.handleEvidenceAudit).Methods(http.MethodGet)
	api.HandleFunc("/evidence/{id}/appeal", s.handleAppeal).Methods(http.MethodPost)
	api.HandleFunc("/evidence/{id}/admin-review", s.handleAdminReview).Methods(http.MethodPost)
	api.HandleFunc("/evidence/{id}/reviews", s.handlePeerReview).Methods(http.MethodPost)

	api.HandleFunc("/disputes", s.handleFileDispute).Methods(http.MethodPost)
	api.HandleFunc("/disputes/{id}", s.handleGetDispute).Methods(http.MethodGet)
	api.HandleFunc("/disputes/{id}/resolve", s.handleResolveDispute).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
