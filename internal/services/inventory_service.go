package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates a negative delta would take the counter below zero.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryStockNotFound indicates the SKU has no stock record.
	ErrInventoryStockNotFound = errors.New("inventory: stock not found")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Audit     AuditLogService
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	audit  AuditLogService
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAuditLogService{}
	}

	return &inventoryService{
		repo:  deps.Inventory,
		audit: audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.InventoryStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	stock, err := s.repo.GetStock(ctx, sku)
	if err != nil {
		return domain.InventoryStock{}, s.mapRepositoryError(err)
	}
	return stock, nil
}

// Adjust applies an operator stock delta. Restocks resolve fulfillment holds
// from the operational side; negative deltas never take the counter below
// zero and never touch order or payment state.
func (s *inventoryService) Adjust(ctx context.Context, cmd InventoryAdjustCommand) (domain.InventoryStock, error) {
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return domain.InventoryStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	if cmd.Delta == 0 {
		return domain.InventoryStock{}, fmt.Errorf("%w: delta must be non-zero", ErrInventoryInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return domain.InventoryStock{}, fmt.Errorf("%w: reason is required", ErrInventoryInvalidInput)
	}

	now := s.clock()
	stock, err := s.repo.AdjustOnHand(ctx, repositories.InventoryAdjustRequest{
		SKU:      sku,
		Delta:    cmd.Delta,
		Reason:   reason,
		OrderRef: strings.TrimSpace(cmd.OrderRef),
		Now:      now,
	})
	if err != nil {
		return domain.InventoryStock{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "inventory.adjusted", map[string]any{
		"sku":    sku,
		"delta":  cmd.Delta,
		"onHand": stock.OnHand,
		"reason": reason,
	})
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     defaultString(cmd.ActorRef, "system"),
		Action:    "inventory.adjust",
		TargetRef: "/inventory/" + sku,
		Metadata: map[string]any{
			"delta":  cmd.Delta,
			"onHand": stock.OnHand,
			"reason": reason,
		},
		OccurredAt: now,
	})

	return stock, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryStockNotFound, invErr.Message)
		}
	}

	return err
}
