// Package service implements billing's business logic: charging one
// draft invoice per ingested batch, at a fixed per-record rate.
package service

import (
	"context"
	"fmt"

	"github.com/regtech/fabric/apps/billing-service/internal/repository"
	"github.com/regtech/fabric/packages/fabric/idempotent"
)

// ratePerRecordCents is the flat per-record charge. A real billing module
// would look this up per tenant; the fabric's reference apps keep it fixed
// since pricing rules are outside this module's concern.
const ratePerRecordCents = 5

type BillingService struct {
	repo *repository.InvoiceRepository
}

func NewBillingService(repo *repository.InvoiceRepository) *BillingService {
	return &BillingService{repo: repo}
}

// ChargeForBatch is the command-handler layer of C11's idempotent-write
// defense: EnsureOnce checks batchID before drafting an invoice, so a
// redelivered BatchReceived event never double-charges even before the
// repository's own unique-constraint defense is reached.
func (s *BillingService) ChargeForBatch(ctx context.Context, batchID string, recordCount int) error {
	return idempotent.EnsureOnce(ctx, batchID, s.repo.ExistsForBatch, func(ctx context.Context, batchID string) error {
		inv := repository.Invoice{
			BatchID: batchID,
			Amount:  int64(recordCount) * ratePerRecordCents,
			Status:  "DRAFT",
		}
		if err := s.repo.Insert(ctx, inv); err != nil {
			return fmt.Errorf("billing service: insert invoice: %w", err)
		}
		return nil
	})
}
