package service

import (
	"context"

	"demosplus/internal/model"
)

// PointsService reads balances. Points are only ever credited by
// Ledger.ApplyApproval.
type PointsService struct {
	ledger Ledger
}

func NewPointsService(ledger Ledger) *PointsService {
	return &PointsService{ledger: ledger}
}

func (s *PointsService) Balance(ctx context.Context, userID int64) (*model.PointsBalance, error) {
	return s.ledger.GetBalance(ctx, userID)
}
