package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

type stubInventoryRepo struct {
	getFn    func(ctx context.Context, sku string) (domain.InventoryStock, error)
	adjustFn func(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error)
	requests []repositories.InventoryAdjustRequest
}

func (s *stubInventoryRepo) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if s.getFn != nil {
		return s.getFn(ctx, sku)
	}
	return domain.InventoryStock{}, errStubNotFound
}

func (s *stubInventoryRepo) AdjustOnHand(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error) {
	s.requests = append(s.requests, req)
	if s.adjustFn != nil {
		return s.adjustFn(ctx, req)
	}
	return domain.InventoryStock{SKU: req.SKU, OnHand: req.Delta}, nil
}

func newTestInventoryService(t *testing.T, repo *stubInventoryRepo, audit AuditLogService) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Audit:     audit,
		Clock:     func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc
}

func TestInventoryGetStock(t *testing.T) {
	repo := &stubInventoryRepo{getFn: func(ctx context.Context, sku string) (domain.InventoryStock, error) {
		return domain.InventoryStock{SKU: sku, OnHand: 12}, nil
	}}
	svc := newTestInventoryService(t, repo, nil)

	stock, err := svc.GetStock(context.Background(), "SKU-001")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.OnHand != 12 {
		t.Fatalf("expected on-hand 12, got %d", stock.OnHand)
	}

	if _, err := svc.GetStock(context.Background(), "  "); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input for blank sku, got %v", err)
	}
}

func TestInventoryAdjustValidation(t *testing.T) {
	repo := &stubInventoryRepo{}
	svc := newTestInventoryService(t, repo, nil)

	cases := []InventoryAdjustCommand{
		{Delta: 5, Reason: "restock"},
		{SKU: "SKU-001", Reason: "restock"},
		{SKU: "SKU-001", Delta: 5},
	}
	for i, cmd := range cases {
		if _, err := svc.Adjust(context.Background(), cmd); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
	if len(repo.requests) != 0 {
		t.Fatalf("invalid commands must not reach the repository")
	}
}

func TestInventoryAdjustRecordsAudit(t *testing.T) {
	repo := &stubInventoryRepo{adjustFn: func(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error) {
		return domain.InventoryStock{SKU: req.SKU, OnHand: 9}, nil
	}}
	audit := &recordingAudit{}
	svc := newTestInventoryService(t, repo, audit)

	stock, err := svc.Adjust(context.Background(), InventoryAdjustCommand{
		SKU:      "SKU-001",
		Delta:    4,
		Reason:   "restock after hold",
		ActorRef: "admin:ops",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if stock.OnHand != 9 {
		t.Fatalf("expected on-hand 9, got %d", stock.OnHand)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.records) != 1 || audit.records[0].Action != "inventory.adjust" {
		t.Fatalf("expected audit record, got %+v", audit.records)
	}
}

func TestInventoryAdjustMapsErrors(t *testing.T) {
	repo := &stubInventoryRepo{adjustFn: func(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error) {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, "below zero", nil)
	}}
	svc := newTestInventoryService(t, repo, nil)

	if _, err := svc.Adjust(context.Background(), InventoryAdjustCommand{SKU: "SKU-001", Delta: -10, Reason: "shrinkage"}); !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	repo.adjustFn = func(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error) {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "no record", nil)
	}
	if _, err := svc.Adjust(context.Background(), InventoryAdjustCommand{SKU: "SKU-404", Delta: -1, Reason: "shrinkage"}); !errors.Is(err, ErrInventoryStockNotFound) {
		t.Fatalf("expected stock not found, got %v", err)
	}
}
