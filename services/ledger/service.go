package ledger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betterworld-network/marketplace/internal/apperr"
	"github.com/betterworld-network/marketplace/internal/metrics"
)

// Service exposes the spend/earn primitives.
type Service struct {
	store Store
	log   *zap.SugaredLogger
}

// New creates the ledger engine.
func New(store Store, log *zap.SugaredLogger) *Service {
	return &Service{store: store, log: log.With("component", "ledger")}
}

// Result reports the outcome of a spend or earn.
type Result struct {
	TransactionID string `json:"transactionId"`
	BalanceAfter  int64  `json:"balanceAfter"`
	// Replayed is true when the idempotency key matched an existing entry
	// and no mutation was applied.
	Replayed bool `json:"replayed"`
}

// Spend debits req.Amount from the owner. It fails with InsufficientBalance
// when the current balance cannot cover the amount; it never allows a balance
// to go negative. Replaying the same idempotency key returns the recorded
// result without touching the balance.
func (s *Service) Spend(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	entry := build(req)
	entry.Amount = -req.Amount

	applied, replayed, err := s.store.Apply(ctx, entry)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeInsufficientBalance) {
			metrics.LedgerRejections.Inc()
		}
		return nil, err
	}
	if !replayed {
		metrics.LedgerTransactions.WithLabelValues(string(req.Ledger), req.Type).Inc()
		s.log.Infow("spend applied",
			"ledger", req.Ledger, "owner", req.OwnerID, "amount", req.Amount,
			"type", req.Type, "balance_after", applied.BalanceAfter)
	}
	return &Result{TransactionID: applied.ID, BalanceAfter: applied.BalanceAfter, Replayed: replayed}, nil
}

// Earn credits req.Amount to the owner. Earn has no upper bound and always
// succeeds barring storage failure.
func (s *Service) Earn(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	applied, replayed, err := s.store.Apply(ctx, build(req))
	if err != nil {
		return nil, err
	}
	if !replayed {
		metrics.LedgerTransactions.WithLabelValues(string(req.Ledger), req.Type).Inc()
		s.log.Infow("earn applied",
			"ledger", req.Ledger, "owner", req.OwnerID, "amount", req.Amount,
			"type", req.Type, "balance_after", applied.BalanceAfter)
	}
	return &Result{TransactionID: applied.ID, BalanceAfter: applied.BalanceAfter, Replayed: replayed}, nil
}

// Balance reads the current balance for an owner. Owners with no history
// have balance zero.
func (s *Service) Balance(ctx context.Context, ledger Kind, ownerID string) (int64, error) {
	return s.store.Balance(ctx, ledger, ownerID)
}

// History lists the most recent entries for an owner, newest first.
func (s *Service) History(ctx context.Context, ledger Kind, ownerID string, limit int) ([]Entry, error) {
	return s.store.History(ctx, ledger, ownerID, limit)
}

func validate(req Request) error {
	if req.OwnerID == "" {
		return apperr.Validation("owner id is required")
	}
	if req.Amount <= 0 {
		return apperr.Validation("amount must be positive, got %d", req.Amount)
	}
	if req.Type == "" {
		return apperr.Validation("transaction type is required")
	}
	if req.IdempotencyKey == "" {
		return apperr.Validation("idempotency key is required")
	}
	if req.Ledger != AgentCredits && req.Ledger != HumanTokens {
		return apperr.Validation("unknown ledger %q", req.Ledger)
	}
	return nil
}

func build(req Request) *Entry {
	return &Entry{
		ID:             uuid.NewString(),
		Ledger:         req.Ledger,
		OwnerID:        req.OwnerID,
		Amount:         req.Amount,
		Type:           req.Type,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Metadata:       req.Metadata,
	}
}
